package session

import (
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
)

// Fault is a native failure that could not be attributed to any request.
type Fault struct {
	Time time.Time
	Err  error
}

// FaultHandler receives escalated faults on its own goroutine.
type FaultHandler func(Fault)

func newFaultRing(size uint32) mpmc.RichOverlappedRingBuffer[Fault] {
	if size == 0 {
		size = 64
	}
	return mpmc.NewOverlappedRingBuffer[Fault](size)
}

// escalate records err in the fault history and hands it to the fault handler,
// or logs it when no handler is set. Runs on the loop.
func (s *Session) escalate(err error) {
	f := Fault{Time: time.Now(), Err: err}

	if overwrites, qerr := s.faults.EnqueueM(f); qerr != nil {
		s.logger.WithError(qerr).Warn("Failed to record fault")
	} else if overwrites > 0 {
		s.logger.WithField("dropped", overwrites).Debug("Fault history full, oldest faults dropped")
	}

	if h := s.onFault; h != nil {
		s.goHandler("fault-handler", func() { h(f) })
		return
	}
	s.logger.WithFields(logrus.Fields{
		"address": s.address,
		"error":   err,
	}).Error("Unhandled native failure")
}

// Faults drains and returns the recorded faults, oldest first.
// Safe to call from any goroutine.
func (s *Session) Faults() []Fault {
	var out []Fault
	for !s.faults.IsEmpty() {
		f, err := s.faults.Dequeue()
		if err != nil {
			break
		}
		out = append(out, f)
	}
	return out
}
