package script

import (
	"fmt"
	"time"

	"github.com/aarzilli/golua/lua"

	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/session"
	"github.com/srg/gattlink/internal/subscription"
)

// registerAPI installs the global ble table.
func (r *Runner) registerAPI() {
	L := r.eng.state
	L.NewTable()

	L.PushString("address")
	L.PushString(r.sess.Address())
	L.SetTable(-3)

	r.eng.setFunction("read", r.luaRead)
	r.eng.setFunction("write", r.luaWrite)
	r.eng.setFunction("subscribe", r.luaSubscribe)
	r.eng.setFunction("unsubscribe", r.luaUnsubscribe)
	r.eng.setFunction("wait", r.luaWait)
	r.eng.setFunction("services", r.luaServices)
	r.eng.setFunction("mtu", r.luaMTU)

	L.SetGlobal("ble")
}

// ble.read(char) -> value | nil, err
func (r *Runner) luaRead(L *lua.State) int {
	id, err := identity(L, 1)
	if err != nil {
		return fail(L, err)
	}
	ctx, cancel := r.opContext()
	defer cancel()
	v, err := r.sess.Read(ctx, id)
	if err != nil {
		return fail(L, err)
	}
	L.PushString(string(v))
	return 1
}

// ble.write(char, data [, with_response = true]) -> true | nil, err
func (r *Runner) luaWrite(L *lua.State) int {
	id, err := identity(L, 1)
	if err != nil {
		return fail(L, err)
	}
	if L.Type(2) != lua.LUA_TSTRING {
		return fail(L, fmt.Errorf("write(char, data) expects a string as data"))
	}
	data := []byte(L.ToString(2))
	withResponse := true
	if L.Type(3) == lua.LUA_TBOOLEAN {
		withResponse = L.ToBoolean(3)
	}

	ctx, cancel := r.opContext()
	defer cancel()
	if err := r.sess.Write(ctx, id, data, withResponse); err != nil {
		return fail(L, err)
	}
	L.PushBoolean(true)
	return 1
}

// ble.subscribe(char, fn(value, handle) [, {indicate = bool}]) -> true | nil, err
//
// A second subscribe on the same characteristic replaces the callback.
func (r *Runner) luaSubscribe(L *lua.State) int {
	id, err := identity(L, 1)
	if err != nil {
		return fail(L, err)
	}
	if !L.IsFunction(2) {
		return fail(L, fmt.Errorf("subscribe(char, fn) expects a function"))
	}
	opts := session.SubscribeOptions{Replace: true}
	if L.IsTable(3) {
		L.GetField(3, "indicate")
		opts.Indicate = L.ToBoolean(-1)
		L.Pop(1)
	}

	handler := func(n subscription.Notification) {
		r.enqueue(notification{handle: n.Characteristic.Handle, value: n.Value})
	}

	ctx, cancel := r.opContext()
	defer cancel()
	if err := r.sess.Subscribe(ctx, id, handler, opts); err != nil {
		return fail(L, err)
	}
	handle, err := r.handleOf(id)
	if err != nil {
		return fail(L, err)
	}

	L.PushValue(2)
	ref := L.Ref(lua.LUA_REGISTRYINDEX)
	if old, ok := r.callbacks[handle]; ok {
		L.Unref(lua.LUA_REGISTRYINDEX, old)
	}
	r.callbacks[handle] = ref
	L.PushBoolean(true)
	return 1
}

// ble.unsubscribe(char) -> true | nil, err
func (r *Runner) luaUnsubscribe(L *lua.State) int {
	id, err := identity(L, 1)
	if err != nil {
		return fail(L, err)
	}
	ctx, cancel := r.opContext()
	defer cancel()
	if err := r.sess.Unsubscribe(ctx, id); err != nil {
		return fail(L, err)
	}
	if handle, err := r.handleOf(id); err == nil {
		if ref, ok := r.callbacks[handle]; ok {
			L.Unref(lua.LUA_REGISTRYINDEX, ref)
			delete(r.callbacks, handle)
		}
	}
	L.PushBoolean(true)
	return 1
}

// ble.wait([ms]) runs notification callbacks for ms milliseconds, or only
// the already queued ones when ms is omitted.
func (r *Runner) luaWait(L *lua.State) int {
	var d time.Duration
	if L.Type(1) == lua.LUA_TNUMBER {
		d = time.Duration(L.ToNumber(1) * float64(time.Millisecond))
	}
	r.drain(d)
	if err := r.ctx.Err(); err != nil {
		L.RaiseError(fmt.Sprintf("wait interrupted: %v", err))
	}
	return 0
}

// ble.services() -> array of service UUIDs, also keyed by UUID with
// {handle, characteristics = {{uuid, handle, properties}, ...}}
func (r *Runner) luaServices(L *lua.State) int {
	L.NewTable()
	for i, svc := range r.sess.Services() {
		L.NewTable()

		L.PushString("handle")
		L.PushInteger(int64(svc.Handle))
		L.SetTable(-3)

		L.PushString("characteristics")
		L.NewTable()
		for j, c := range svc.CharacteristicList() {
			L.PushInteger(int64(j + 1))
			L.NewTable()
			L.PushString("uuid")
			L.PushString(c.UUID)
			L.SetTable(-3)
			L.PushString("handle")
			L.PushInteger(int64(c.Handle))
			L.SetTable(-3)
			L.PushString("properties")
			L.PushString(c.Properties.String())
			L.SetTable(-3)
			L.SetTable(-3)
		}
		L.SetTable(-3)

		// Stack: [list, info]
		L.PushString(svc.UUID)
		L.PushValue(-2)
		L.SetTable(-4)

		L.PushInteger(int64(i + 1))
		L.PushString(svc.UUID)
		L.SetTable(-4)

		L.Pop(1)
	}
	return 1
}

// ble.mtu(n) -> negotiated | nil, err
func (r *Runner) luaMTU(L *lua.State) int {
	if L.Type(1) != lua.LUA_TNUMBER {
		return fail(L, fmt.Errorf("mtu(n) expects a number"))
	}
	ctx, cancel := r.opContext()
	defer cancel()
	mtu, err := r.sess.RequestMTU(ctx, int(L.ToInteger(1)))
	if err != nil {
		return fail(L, err)
	}
	L.PushInteger(int64(mtu))
	return 1
}

func (r *Runner) handleOf(id gatt.Identity) (uint16, error) {
	c, err := id.Resolve(r.sess.Profile())
	if err != nil {
		return 0, err
	}
	return c.Handle, nil
}
