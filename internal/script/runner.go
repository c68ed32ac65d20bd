package script

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"

	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/ringchan"
	"github.com/srg/gattlink/internal/session"
	"github.com/srg/gattlink/internal/subscription"
)

// Session is the part of *session.Session a script drives.
type Session interface {
	Address() string
	Services() []*gatt.Service
	Profile() *gatt.Profile
	Read(ctx context.Context, id gatt.Identity) ([]byte, error)
	Write(ctx context.Context, id gatt.Identity, data []byte, withResponse bool) error
	Subscribe(ctx context.Context, id gatt.Identity, handler subscription.Handler, o session.SubscribeOptions) error
	Unsubscribe(ctx context.Context, id gatt.Identity) error
	RequestMTU(ctx context.Context, mtu int) (int, error)
}

// Options tune a Runner.
type Options struct {
	// OpTimeout bounds each ble.* call.
	OpTimeout time.Duration
	// OutputBuffer is how many printed lines are kept for a slow reader.
	OutputBuffer int
	// NotificationBuffer is how many queued notifications are kept for ble.wait().
	NotificationBuffer int
}

func DefaultOptions() Options {
	return Options{
		OpTimeout:          10 * time.Second,
		OutputBuffer:       256,
		NotificationBuffer: 256,
	}
}

type notification struct {
	handle uint16
	value  []byte
}

// Runner executes scripts against one session.
type Runner struct {
	sess   Session
	logger *logrus.Logger
	opts   Options

	mu        sync.Mutex // serializes Run and Close
	eng       *engine
	ctx       context.Context
	pending   *ringchan.RingChannel[notification]
	pendingMu sync.RWMutex // guards pending against Close
	drained   bool
	callbacks map[uint16]int
	closed    bool
}

// NewRunner creates a runner with a fresh Lua state.
func NewRunner(sess Session, logger *logrus.Logger, opts Options) *Runner {
	if logger == nil {
		logger = logrus.New()
	}
	def := DefaultOptions()
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = def.OpTimeout
	}
	if opts.OutputBuffer <= 0 {
		opts.OutputBuffer = def.OutputBuffer
	}
	if opts.NotificationBuffer <= 0 {
		opts.NotificationBuffer = def.NotificationBuffer
	}
	r := &Runner{
		sess:      sess,
		logger:    logger,
		opts:      opts,
		eng:       newEngine(logger, opts.OutputBuffer),
		ctx:       context.Background(),
		pending:   ringchan.New[notification](opts.NotificationBuffer),
		callbacks: make(map[uint16]int),
	}
	r.registerAPI()
	return r
}

// Output returns printed lines and error reports. It is closed by Close.
func (r *Runner) Output() <-chan OutputRecord { return r.eng.output.C() }

// Run executes source with the given arg table. Queued notification
// callbacks run once more after the script body returns.
func (r *Runner) Run(ctx context.Context, source, name string, args map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return gatt.ErrClosed
	}
	if source == "" {
		return &Error{Type: "api", Message: "empty script", Source: name}
	}

	r.ctx = ctx
	defer func() { r.ctx = context.Background() }()

	r.logger.WithField("script_size", len(source)).Debug("Starting Lua script execution")
	r.eng.setArgs(args)
	if err := r.eng.run(source, name); err != nil {
		return err
	}
	r.drain(0)
	r.logger.Debug("Lua script execution completed")
	return ctx.Err()
}

// Close unsubscribes everything the scripts subscribed and releases the Lua state.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	handles := make([]int, 0, len(r.callbacks))
	for h := range r.callbacks {
		handles = append(handles, int(h))
	}
	sort.Ints(handles)
	for _, h := range handles {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.OpTimeout)
		err := r.sess.Unsubscribe(ctx, gatt.ByHandle(uint16(h)))
		cancel()
		if err != nil && !errors.Is(err, gatt.ErrNotSubscribed) && !errors.Is(err, gatt.ErrNotConnected) && !errors.Is(err, gatt.ErrDisconnected) {
			errs = append(errs, err)
		}
	}
	r.callbacks = nil
	r.pendingMu.Lock()
	r.drained = true
	r.pending.Close()
	r.pendingMu.Unlock()
	r.eng.close()
	return errors.Join(errs...)
}

// enqueue runs on the session's delivery goroutine.
func (r *Runner) enqueue(n notification) {
	r.pendingMu.RLock()
	defer r.pendingMu.RUnlock()
	if r.drained {
		return
	}
	if r.pending.Send(n) {
		r.logger.WithField("handle", n.handle).Warn("Script notification queue full, dropped oldest")
	}
}

func (r *Runner) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.ctx, r.opts.OpTimeout)
}

// drain runs queued callbacks, waiting up to d for more.
func (r *Runner) drain(d time.Duration) {
	var deadline <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		deadline = t.C
	}
	for {
		if d <= 0 {
			select {
			case n := <-r.pending.C():
				r.invoke(n)
				continue
			default:
				return
			}
		}
		select {
		case n := <-r.pending.C():
			r.invoke(n)
		case <-deadline:
			return
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Runner) invoke(n notification) {
	ref, ok := r.callbacks[n.handle]
	if !ok {
		return
	}
	L := r.eng.state
	L.RawGeti(lua.LUA_REGISTRYINDEX, ref)
	L.PushString(string(n.value))
	L.PushInteger(int64(n.handle))
	if err := L.Call(2, 0); err != nil {
		r.logger.WithError(err).WithField("handle", n.handle).Warn("Notification callback failed")
		r.eng.emit("stderr", fmt.Sprintf("callback error: %v", err))
		L.SetTop(0)
	}
}

// identity converts argument i: a number is a handle, a string is parsed.
func identity(L *lua.State, i int) (gatt.Identity, error) {
	switch L.Type(i) {
	case lua.LUA_TNUMBER:
		return gatt.ByHandle(uint16(L.ToInteger(i))), nil
	case lua.LUA_TSTRING:
		return gatt.ParseIdentity(L.ToString(i))
	default:
		return gatt.Identity{}, errors.New("characteristic must be a UUID string or a handle number")
	}
}

// fail pushes the (nil, message) error convention.
func fail(L *lua.State, err error) int {
	L.PushNil()
	L.PushString(err.Error())
	return 2
}
