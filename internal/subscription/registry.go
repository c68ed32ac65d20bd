// Package subscription keeps the characteristic → callback table consulted for
// unsolicited value-changed events.
package subscription

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/internal/ringchan"
)

// DefaultBuffer is the default number of undelivered notifications kept before
// the oldest is dropped.
const DefaultBuffer = 256

// Notification is one value pushed by the peripheral.
type Notification struct {
	Characteristic *gatt.Characteristic
	Value          []byte
}

// Handler receives notifications on the registry's delivery goroutine.
// A handler may call back into the session.
type Handler func(Notification)

// Entry is one active subscription.
type Entry struct {
	char    *gatt.Characteristic
	handler Handler
	active  atomic.Bool
}

// Characteristic returns the subscribed characteristic.
func (e *Entry) Characteristic() *gatt.Characteristic { return e.char }

// Active reports whether the entry still receives notifications.
func (e *Entry) Active() bool { return e.active.Load() }

type delivery struct {
	entry *Entry
	value []byte
}

// Registry maps characteristic value handles to handlers.
//
// The table itself is confined to the session's event loop goroutine.
// Handlers run on a separate delivery goroutine fed through a RingChannel,
// so a slow handler never stalls event processing. An entry that is replaced
// or removed is deactivated first: it never sees values dispatched after the
// change, and queued values it has not started handling are skipped.
type Registry struct {
	entries    map[uint16]*Entry
	deliveries *ringchan.RingChannel[delivery]
	logger     *logrus.Logger
	done       <-chan struct{}
}

// NewRegistry creates a registry with the given delivery buffer size.
func NewRegistry(buffer int, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Registry{
		entries:    make(map[uint16]*Entry),
		deliveries: ringchan.New[delivery](buffer),
		logger:     logger,
	}
}

// Start launches the delivery goroutine. It exits after Close.
func (r *Registry) Start(ctx context.Context) {
	r.done = groutine.Go(ctx, "subscription-delivery", r.deliver)
}

// Close stops accepting values and waits for queued deliveries to finish.
// Dispatch must not be called after Close.
func (r *Registry) Close() {
	r.deliveries.Close()
	if r.done != nil {
		<-r.done
	}
}

// Subscribe installs handler for c. It fails with gatt.ErrAlreadySubscribed when
// c already has a handler, unless replace is set, in which case the previous
// entry is deactivated and the new one becomes the sole handler.
func (r *Registry) Subscribe(c *gatt.Characteristic, handler Handler, replace bool) (*Entry, error) {
	if old, ok := r.entries[c.Handle]; ok {
		if !replace {
			return nil, fmt.Errorf("%s: %w", c, gatt.ErrAlreadySubscribed)
		}
		old.active.Store(false)
	}
	e := &Entry{char: c, handler: handler}
	e.active.Store(true)
	r.entries[c.Handle] = e
	return e, nil
}

// Unsubscribe removes the handler for handle, failing with gatt.ErrNotSubscribed
// if none. The removed entry can be put back with Restore.
func (r *Registry) Unsubscribe(handle uint16) (*Entry, error) {
	e, ok := r.entries[handle]
	if !ok {
		return nil, fmt.Errorf("0x%04x: %w", handle, gatt.ErrNotSubscribed)
	}
	e.active.Store(false)
	delete(r.entries, handle)
	return e, nil
}

// Restore reinstalls an entry removed by Unsubscribe. It does nothing when the
// handle has been subscribed again in the meantime.
func (r *Registry) Restore(e *Entry) bool {
	if _, taken := r.entries[e.char.Handle]; taken {
		return false
	}
	e.active.Store(true)
	r.entries[e.char.Handle] = e
	return true
}

// RemoveEntry removes e if it is still the current entry for its handle.
func (r *Registry) RemoveEntry(e *Entry) bool {
	cur, ok := r.entries[e.char.Handle]
	if !ok || cur != e {
		return false
	}
	e.active.Store(false)
	delete(r.entries, e.char.Handle)
	return true
}

// Has reports whether handle has an active subscription.
func (r *Registry) Has(handle uint16) bool {
	_, ok := r.entries[handle]
	return ok
}

// Len returns the number of active subscriptions.
func (r *Registry) Len() int { return len(r.entries) }

// Clear deactivates and removes every entry, returning how many were removed.
func (r *Registry) Clear() int {
	n := len(r.entries)
	for h, e := range r.entries {
		e.active.Store(false)
		delete(r.entries, h)
	}
	return n
}

// Dispatch queues value for the handler of handle. Values for handles with no
// subscription are dropped; this is the normal outcome of a value racing an
// unsubscribe. It reports whether a handler was found.
func (r *Registry) Dispatch(handle uint16, value []byte) bool {
	e, ok := r.entries[handle]
	if !ok {
		r.logger.WithField("handle", fmt.Sprintf("0x%04x", handle)).Debug("Dropping value for characteristic without subscription")
		return false
	}
	if r.deliveries.Send(delivery{entry: e, value: value}) {
		r.logger.WithField("char", e.char.String()).Warn("Notification buffer full, oldest notification dropped")
	}
	return true
}

// Metrics returns delivery counters.
func (r *Registry) Metrics() ringchan.Metrics { return r.deliveries.GetMetrics() }

func (r *Registry) deliver(ctx context.Context) {
	log := r.logger.WithField("goroutine", groutine.GetName(ctx))
	for {
		d, ok := r.deliveries.Receive()
		if !ok {
			log.Debug("Notification delivery stopped")
			return
		}
		if !d.entry.active.Load() {
			continue
		}
		r.invoke(log, d)
	}
}

func (r *Registry) invoke(log *logrus.Entry, d delivery) {
	defer func() {
		if p := recover(); p != nil {
			r.deliveries.MarkError()
			log.WithFields(logrus.Fields{
				"char":  d.entry.char.String(),
				"panic": p,
			}).Error("Notification handler panicked")
		}
	}()
	d.entry.handler(Notification{Characteristic: d.entry.char, Value: d.value})
}
