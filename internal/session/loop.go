package session

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/internal/native"
)

// item is either a native event or a closure posted by an API call.
type item struct {
	event *native.Event
	call  func()
}

// queue is the hand-off from foreign goroutines to the session loop. It is
// unbounded so that a native callback never blocks and never loses an event.
type queue struct {
	mu     sync.Mutex
	items  []item
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(it item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) drain() []item {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// OnEvent is the adapter's event handler. It may be called from any goroutine
// and returns immediately; the event is processed later on the session loop.
func (s *Session) OnEvent(ev native.Event) {
	if s.closed.Load() {
		s.logger.WithField("event", ev.Kind).Debug("Dropping event for closed session")
		return
	}
	s.queue.push(item{event: &ev})
}

// post runs fn on the session loop.
func (s *Session) post(fn func()) error {
	if s.closed.Load() {
		return gatt.ErrClosed
	}
	s.queue.push(item{call: fn})
	return nil
}

func (s *Session) run(ctx context.Context) {
	log := s.logger.WithFields(logrus.Fields{
		"goroutine": groutine.GetName(ctx),
		"address":   s.address,
	})
	log.Debug("Session loop started")
	defer log.Debug("Session loop stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.queue.notify:
			for _, it := range s.queue.drain() {
				if it.event != nil {
					s.dispatch(*it.event)
				} else {
					it.call()
				}
			}
		}
	}
}

// goHandler runs user code off the loop so it may call back into the session.
func (s *Session) goHandler(name string, fn func()) {
	groutine.Go(context.Background(), name, func(context.Context) { fn() })
}
