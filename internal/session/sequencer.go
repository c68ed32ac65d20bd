package session

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/srg/gattlink/internal/correlate"
	"github.com/srg/gattlink/internal/gatt"
)

// Result is the payload of a completed operation.
type Result struct {
	Value []byte
	State gatt.ConnState
	MTU   int
}

// Op describes one native operation and how its completion is matched.
type Op struct {
	// Key is the completion the operation waits for.
	Key correlate.Key
	// Dispatch starts the native operation and returns its acknowledgement.
	Dispatch func() bool
	// Before runs on the loop right before Dispatch, once the key is free.
	// A non-nil error aborts the operation without a native call.
	Before func() error
	// Expect, when set, is the connection state the completion must carry.
	Expect *gatt.ConnState
	// Dedup lets the operation join a pending request for the same key that
	// expects the same result, or complete at once when the last recorded
	// result already matches Expect.
	Dedup bool
	// AckIndicatesStatus treats a false acknowledgement as a rejection.
	AckIndicatesStatus bool
}

// errSatisfied is returned by Before when the target state already holds.
var errSatisfied = errors.New("already satisfied")

type plan func() (Op, error)

type started struct {
	op    Op
	slot  *correlate.Slot[Result]
	value *Result
	err   error
}

// PerformAndWait issues op on the session loop and waits for its completion.
//
// Exactly one native call is made unless the operation joins a pending
// request expecting the same result (Dedup) or the last recorded result
// already satisfies Expect. A
// request for a key that is already pending, without Dedup, waits until that
// request settles and is then issued in turn, so completions for one key are
// delivered to requests in issue order.
//
// Cancelling ctx abandons the wait only; the pending slot stays registered
// and the late completion is discarded.
func (s *Session) PerformAndWait(ctx context.Context, op Op) (Result, error) {
	return s.perform(ctx, func() (Op, error) { return op, nil })
}

func (s *Session) perform(ctx context.Context, p plan) (Result, error) {
	reply := make(chan started, 1)
	if err := s.post(func() { s.begin(ctx, p, reply) }); err != nil {
		return Result{}, err
	}

	var st started
	select {
	case st = <-reply:
	case <-ctx.Done():
		return Result{}, context.Cause(ctx)
	case <-s.done:
		return Result{}, gatt.ErrClosed
	}

	if st.err != nil {
		return Result{}, st.err
	}
	if st.value != nil {
		return *st.value, nil
	}

	v, err := st.slot.Wait(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := checkExpect(st.op, v); err != nil {
		return Result{}, err
	}
	return v, nil
}

// begin runs on the loop.
func (s *Session) begin(ctx context.Context, p plan, reply chan<- started) {
	if err := ctx.Err(); err != nil {
		reply <- started{err: context.Cause(ctx)}
		return
	}

	op, err := p()
	if err != nil {
		reply <- started{err: s.teardownCause(err)}
		return
	}

	log := s.logger.WithFields(logrus.Fields{"key": op.Key.String(), "address": s.address})

	if slot, ok := s.table.Pending(op.Key); ok {
		if op.Dedup && sameExpect(s.expects[op.Key], op.Expect) {
			log.Debug("Joining pending operation")
			reply <- started{op: op, slot: slot}
			return
		}
		log.Debug("Operation queued behind pending request")
		s.waiters[op.Key] = append(s.waiters[op.Key], func() { s.begin(ctx, p, reply) })
		return
	}

	if op.Before != nil {
		if err := op.Before(); err != nil {
			if errors.Is(err, errSatisfied) {
				reply <- started{op: op, value: &Result{}}
				return
			}
			reply <- started{err: s.teardownCause(err)}
			return
		}
	}

	if op.Dedup && op.Expect != nil {
		if last, ok := s.table.Last(op.Key); ok && last.State == *op.Expect {
			log.WithField("state", last.State.String()).Debug("Not waiting, last result already matches")
			reply <- started{op: op, value: &last}
			return
		}
	}

	slot, err := s.table.Prepare(op.Key)
	if err != nil {
		reply <- started{err: err}
		return
	}
	s.expects[op.Key] = op.Expect

	log.Debug("Dispatching native operation")
	if ack := op.Dispatch(); !ack && op.AckIndicatesStatus {
		s.table.Remove(op.Key)
		log.Debug("Native operation rejected")
		reply <- started{err: &gatt.DispatchRejectedError{Op: op.Key.Op, Target: op.Key.Target}}
		s.advance(op.Key)
		return
	}
	reply <- started{op: op, slot: slot}
}

// advance issues queued requests for key while the key is free.
func (s *Session) advance(key correlate.Key) {
	for {
		if _, busy := s.table.Pending(key); busy {
			return
		}
		q := s.waiters[key]
		if len(q) == 0 {
			delete(s.waiters, key)
			return
		}
		next := q[0]
		s.waiters[key] = q[1:]
		next()
	}
}

// teardownCause reports a request that was queued behind one failed by link
// loss with the link loss itself rather than as never connected.
func (s *Session) teardownCause(err error) error {
	var ce *gatt.ConnectionError
	if s.teardown != nil && errors.As(err, &ce) && ce.State == gatt.NotConnected {
		return s.teardown
	}
	return err
}

func (s *Session) advanceAll() {
	for key := range s.waiters {
		s.advance(key)
	}
}

func checkExpect(op Op, v Result) error {
	if op.Expect != nil && v.State != *op.Expect {
		return &gatt.UnexpectedResultError{Op: op.Key.String(), Got: v.State, Expected: *op.Expect}
	}
	return nil
}

func expectState(s gatt.ConnState) *gatt.ConnState { return &s }

func sameExpect(a, b *gatt.ConnState) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
