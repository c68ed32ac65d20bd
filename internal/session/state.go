package session

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/gattlink/internal/gatt"
)

// State is the connection lifecycle of a session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateServiceDiscovery
	StateReady
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateServiceDiscovery:
		return "discovering"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// AllowsIO reports whether reads, writes and subscriptions are accepted.
func (s State) AllowsIO() bool {
	return s == StateConnected || s == StateReady
}

// established reports whether the link was up in this state.
func (s State) established() bool {
	switch s {
	case StateConnected, StateServiceDiscovery, StateReady, StateDisconnecting:
		return true
	default:
		return false
	}
}

// loop-owned

func (s *Session) setState(next State) {
	if s.state == next {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"address": s.address,
		"from":    s.state.String(),
		"to":      next.String(),
	}).Debug("Session state transition")
	s.state = next
	s.stateSnap.Store(int32(next))
}

func (s *Session) requireIO() error {
	if !s.state.AllowsIO() {
		return &gatt.ConnectionError{State: gatt.NotConnected, Msg: "session is " + s.state.String()}
	}
	return nil
}

func (s *Session) observeConnectionState(state gatt.ConnState) {
	switch state {
	case gatt.StateConnected:
		if s.state == StateConnecting {
			s.setState(StateConnected)
		}
	case gatt.StateDisconnected:
		s.enterDisconnected()
	}
}

func (s *Session) observeDiscovery(ok bool) {
	switch {
	case s.state == StateServiceDiscovery && ok:
		s.profile.Store(s.adapter.Profile())
		s.setState(StateReady)
	case s.state == StateServiceDiscovery:
		s.setState(StateConnected)
	case ok && s.state.AllowsIO():
		// peripheral-initiated rediscovery
		s.profile.Store(s.adapter.Profile())
	}
}

// enterDisconnected tears the session down. Every pending operation, and every
// request queued behind one, fails with gatt.ErrDisconnected. Subscriptions
// are dropped and the disconnect handler runs once for the link that just ended.
func (s *Session) enterDisconnected() {
	prev := s.state
	if prev == StateDisconnected {
		return
	}
	s.setState(StateDisconnected)
	s.profile.Store(nil)

	requested := prev == StateDisconnecting
	cause := &gatt.ConnectionError{State: gatt.Disconnected, Msg: "link lost"}
	if requested {
		cause.Msg = "disconnected by request"
	}

	failed := s.table.FailAll(cause)
	s.table.Remember(connStateKey, Result{State: gatt.StateDisconnected})
	cleared := s.registry.Clear()
	s.teardown = cause
	s.advanceAll()
	s.teardown = nil

	log := s.logger.WithFields(logrus.Fields{
		"address":       s.address,
		"failed_ops":    failed,
		"subscriptions": cleared,
	})
	if requested {
		log.Info("Disconnected")
	} else {
		log.Warn("Connection lost")
	}

	if !prev.established() || s.notifiedLink == s.link {
		return
	}
	s.notifiedLink = s.link
	if h := s.onDisconnect; h != nil {
		var reason error
		if !requested {
			reason = cause
		}
		s.goHandler("disconnect-handler", func() { h(reason) })
	}
}
