package session

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/gattlink/internal/correlate"
	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/native"
)

var connStateKey = correlate.OpKey(string(native.EventConnectionState))

func eventKey(ev native.Event) correlate.Key {
	if ev.Kind.PerTarget() {
		return correlate.HandleKey(string(ev.Kind), ev.Handle)
	}
	return correlate.OpKey(string(ev.Kind))
}

// dispatch routes one native event. It runs on the session loop only.
//
// A completion first resolves the pending request for its key. Connection
// and discovery events also drive the state machine whether or not anyone
// was waiting. Value changes always reach the subscription registry. Any
// other failure with nobody waiting is an orphan.
func (s *Session) dispatch(ev native.Event) {
	key := eventKey(ev)
	res := Result{Value: ev.Value, State: ev.State, MTU: ev.MTU}

	var err error
	if !ev.Status.OK() {
		err = &gatt.StatusError{Op: key.Op, Target: key.Target, Status: ev.Status}
	}

	log := s.logger.WithFields(logrus.Fields{
		"key":    key.String(),
		"status": ev.Status.String(),
	})
	if ev.Kind == native.EventConnectionState {
		log = log.WithField("state", ev.State.String())
	}

	handled := s.table.Resolve(key, res, err)
	if handled {
		log.Debug("Resolved pending operation")
	}

	switch ev.Kind {
	case native.EventConnectionState:
		if !handled && err == nil {
			s.table.Remember(key, res)
		}
		s.observeConnectionState(ev.State)
	case native.EventServicesDiscovered:
		s.observeDiscovery(err == nil)
	case native.EventCharacteristicChanged:
		s.registry.Dispatch(ev.Handle, ev.Value)
	}

	if handled {
		s.advance(key)
		return
	}

	switch {
	case ev.Kind == native.EventConnectionState, ev.Kind == native.EventCharacteristicChanged:
	case err != nil:
		s.orphan(ev, key)
	default:
		s.table.Remember(key, res)
		log.Debug("Unsolicited completion recorded")
	}
}

// orphan handles a failure nobody is waiting for. The error most likely
// belongs to an abandoned request, so it is redirected to every pending
// request; with nothing pending it is escalated as a fault.
func (s *Session) orphan(ev native.Event, key correlate.Key) {
	oe := &gatt.OrphanError{Op: key.Op, Target: key.Target, Status: ev.Status}

	keys := s.table.Broadcast(oe)
	if len(keys) == 0 {
		s.escalate(oe)
		return
	}
	for _, k := range keys {
		s.logger.WithFields(logrus.Fields{
			"error":       oe.Error(),
			"redirect_to": k.String(),
		}).Warn("Redirecting error without pending request")
	}
	for _, k := range keys {
		s.advance(k)
	}
}
