// Package script runs Lua scripts against a connected session.
//
// Scripts see a global "ble" table (read, write, subscribe, unsubscribe, wait,
// services, mtu) and an "arg" table. The Lua state is single threaded:
// notification callbacks are queued and run inside ble.wait() and once more
// after the script body returns.
package script

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"

	"github.com/srg/gattlink/internal/ringchan"
)

// OutputRecord is one line printed by a script.
type OutputRecord struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "stdout" or "stderr"
}

// Error represents detailed Lua execution errors
type Error struct {
	Type    string // "syntax", "runtime", "api"
	Message string
	Line    int
	Source  string
}

func (e *Error) Error() string {
	parts := []string{}
	if e.Source != "" {
		parts = append(parts, fmt.Sprintf("in %s", e.Source))
	}
	if e.Line > 0 {
		parts = append(parts, fmt.Sprintf("line %d", e.Line))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("Lua %s error: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("Lua %s error (%s): %s", e.Type, strings.Join(parts, ", "), e.Message)
}

// Is matches errors of the same Type.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Type == other.Type
	}
	return false
}

var (
	ErrSyntax  = &Error{Type: "syntax"}
	ErrRuntime = &Error{Type: "runtime"}
)

// engine owns the Lua state.
type engine struct {
	state  *lua.State
	logger *logrus.Logger
	output *ringchan.RingChannel[OutputRecord]
}

func newEngine(logger *logrus.Logger, outputBuffer int) *engine {
	e := &engine{
		logger: logger,
		output: ringchan.New[OutputRecord](outputBuffer),
		state:  lua.NewState(),
	}
	e.state.OpenLibs()
	e.registerPrint()
	return e
}

func (e *engine) emit(source, content string) {
	if e.output.Send(OutputRecord{Content: content, Timestamp: time.Now(), Source: source}) {
		e.logger.Debug("Script output buffer full, dropped oldest line")
	}
}

func (e *engine) registerPrint() {
	e.state.PushGoFunction(func(L *lua.State) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			parts = append(parts, toDisplayString(L, i))
		}
		e.emit("stdout", strings.Join(parts, "\t")+"\n")
		return 0
	})
	e.state.SetGlobal("print")
}

func toDisplayString(L *lua.State, i int) string {
	switch L.Type(i) {
	case lua.LUA_TNIL:
		return "nil"
	case lua.LUA_TBOOLEAN:
		if L.ToBoolean(i) {
			return "true"
		}
		return "false"
	case lua.LUA_TNUMBER:
		return fmt.Sprintf("%v", L.ToNumber(i))
	case lua.LUA_TSTRING:
		return L.ToString(i)
	default:
		L.GetGlobal("tostring")
		L.PushValue(i)
		L.Call(1, 1)
		s := L.ToString(-1)
		L.Pop(1)
		return s
	}
}

// safeFunction wraps fn so a Go panic becomes a Lua error instead of
// unwinding through the C stack.
func (e *engine) safeFunction(name string, fn func(*lua.State) int) lua.LuaGoFunction {
	return func(L *lua.State) (n int) {
		defer func() {
			if r := recover(); r != nil {
				if le, ok := r.(*lua.LuaError); ok {
					panic(le)
				}
				e.logger.WithField("function", name).Errorf("Panic in script API: %v", r)
				L.RaiseError(fmt.Sprintf("%s: internal error: %v", name, r))
			}
		}()
		return fn(L)
	}
}

// setFunction sets t[name] = fn where t is at the top of the stack.
func (e *engine) setFunction(name string, fn func(*lua.State) int) {
	e.state.PushString(name)
	e.state.PushGoFunction(e.safeFunction("ble."+name+"()", fn))
	e.state.SetTable(-3)
}

func (e *engine) setArgs(args map[string]string) {
	L := e.state
	L.NewTable()
	for k, v := range args {
		L.PushString(k)
		L.PushString(v)
		L.SetTable(-3)
	}
	L.SetGlobal("arg")
}

// run compiles and executes source.
func (e *engine) run(source, name string) error {
	L := e.state
	if status := L.LoadString(source); status != 0 {
		err := e.popError("syntax", name)
		e.emit("stderr", err.Error())
		return err
	}
	if err := L.Call(0, 0); err != nil {
		var le *lua.LuaError
		msg := err.Error()
		if errors.As(err, &le) {
			msg = le.Error()
		}
		rerr := parseError("runtime", name, msg)
		L.SetTop(0)
		e.emit("stderr", rerr.Error())
		return rerr
	}
	return nil
}

func (e *engine) popError(kind, name string) *Error {
	L := e.state
	msg := "unknown Lua error"
	if L.GetTop() > 0 {
		if L.IsString(-1) {
			msg = L.ToString(-1)
		}
		L.Pop(1)
	}
	return parseError(kind, name, msg)
}

// positionRe matches the `chunk:line: message` shape of Lua error strings.
var positionRe = regexp.MustCompile(`(?s)^.*?:(\d+):\s?(.*)$`)

func parseError(kind, name, msg string) *Error {
	out := &Error{Type: kind, Message: msg, Source: name}
	if m := positionRe.FindStringSubmatch(msg); m != nil {
		out.Line, _ = strconv.Atoi(m[1])
		out.Message = strings.TrimSpace(m[2])
	}
	return out
}

func (e *engine) close() {
	if e.state != nil {
		e.state.Close()
		e.state = nil
	}
	e.output.Close()
}

// ReadFile loads a script from disk.
func ReadFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return string(b), nil
}
