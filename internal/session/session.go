// Package session turns a callback-driven native Bluetooth adapter into a
// blocking, context-aware GATT client.
//
// Each Session owns one event loop goroutine. Native callbacks only enqueue
// events for it, API calls post closures to it, and it is the only goroutine
// that touches the correlation table, the subscription registry and the
// connection state. Callers block on a correlate.Slot until the matching
// completion arrives.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/srg/gattlink/internal/correlate"
	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/internal/native"
	"github.com/srg/gattlink/internal/subscription"
)

// DisconnectHandler is called once per established connection when it ends.
// reason is nil for a requested disconnect.
type DisconnectHandler func(reason error)

// SubscribeOptions control Subscribe.
type SubscribeOptions struct {
	// Replace swaps the handler of an existing subscription instead of failing.
	Replace bool
	// Indicate enables indications instead of notifications.
	Indicate bool
}

// Session is a GATT client connection to one peripheral.
type Session struct {
	address string
	adapter native.Adapter
	logger  *logrus.Logger
	opts    Options

	queue  *queue
	cancel context.CancelFunc
	done   <-chan struct{}
	closed atomic.Bool

	// loop-owned
	table        *correlate.Table[Result]
	waiters      map[correlate.Key][]func()
	expects      map[correlate.Key]*gatt.ConnState // Expect of the pending request per key
	teardown     error                             // set while queued requests drain on disconnect
	registry     *subscription.Registry
	state        State
	link         uint64
	notifiedLink uint64
	onDisconnect DisconnectHandler
	onFault      FaultHandler

	// readable from any goroutine
	stateSnap atomic.Int32
	profile   atomic.Pointer[gatt.Profile]
	faults    mpmc.RichOverlappedRingBuffer[Fault]
}

// New creates a session for the peripheral at address and starts its loop.
// The session installs itself as the adapter's event handler.
func New(address string, adapter native.Adapter, logger *logrus.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	o := NewOptions(opts...)

	s := &Session{
		address:  address,
		adapter:  adapter,
		logger:   logger,
		opts:     o,
		queue:    newQueue(),
		table:    correlate.NewTable[Result](),
		waiters:  make(map[correlate.Key][]func()),
		expects:  make(map[correlate.Key]*gatt.ConnState),
		registry: subscription.NewRegistry(o.NotificationBuffer, logger),
		faults:   newFaultRing(o.FaultHistory),
	}
	s.stateSnap.Store(int32(StateDisconnected))

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.registry.Start(ctx)
	adapter.SetEventHandler(s.OnEvent)
	s.done = groutine.Go(ctx, "session-loop", s.run)
	return s
}

// Address returns the peripheral address.
func (s *Session) Address() string { return s.address }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.stateSnap.Load()) }

// Profile returns the discovered service tree, or nil before discovery.
func (s *Session) Profile() *gatt.Profile { return s.profile.Load() }

// Services returns discovered services in discovery order.
func (s *Session) Services() []*gatt.Service {
	p := s.profile.Load()
	if p == nil {
		return nil
	}
	return p.Services()
}

// SetDisconnectHandler installs h, replacing any previous handler.
func (s *Session) SetDisconnectHandler(h DisconnectHandler) {
	_ = s.post(func() { s.onDisconnect = h })
}

// SetFaultHandler installs h for failures that cannot be attributed to any request.
func (s *Session) SetFaultHandler(h FaultHandler) {
	_ = s.post(func() { s.onFault = h })
}

// Close stops the session loop. Pending operations fail with gatt.ErrClosed.
// Close does not disconnect; call Disconnect first.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	<-s.done

	// the loop has exited, so its state is ours now
	failed := s.table.FailAll(gatt.ErrClosed)
	s.registry.Clear()
	s.registry.Close()

	s.logger.WithFields(logrus.Fields{
		"address":    s.address,
		"failed_ops": failed,
	}).Debug("Session closed")
	return nil
}

// Connect opens the link and, unless WithoutDiscovery was given, discovers services.
func (s *Session) Connect(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok && s.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ConnectTimeout)
		defer cancel()
	}

	log := s.logger.WithField("address", s.address)
	log.Info("Connecting...")

	var link uint64
	_, err := s.perform(ctx, func() (Op, error) {
		return Op{
			Key: connStateKey,
			Before: func() error {
				if s.state != StateDisconnected {
					return gatt.ErrAlreadyConnected
				}
				s.link++
				link = s.link
				s.setState(StateConnecting)
				return nil
			},
			Dispatch:           func() bool { return s.adapter.Connect(s.address) },
			Expect:             expectState(gatt.StateConnected),
			AckIndicatesStatus: true,
		}, nil
	})
	if err != nil {
		if !errors.Is(err, gatt.ErrAlreadyConnected) {
			s.abortConnect(&link)
		}
		log.WithError(err).Error("Failed to connect")
		return fmt.Errorf("failed to connect to %q: %w", s.address, err)
	}

	if s.opts.AutoDiscover {
		if err := s.DiscoverServices(ctx); err != nil {
			s.abortConnect(&link)
			log.WithError(err).Error("Failed to discover services")
			return err
		}
	}

	log.WithField("state", s.State().String()).Info("Connected")
	return nil
}

// abortConnect tears down a connection attempt that failed part way. link is
// read on the loop only.
func (s *Session) abortConnect(link *uint64) {
	_ = s.post(func() {
		if *link == 0 || *link != s.link {
			return
		}
		switch s.state {
		case StateConnecting, StateConnected, StateServiceDiscovery:
			s.adapter.Disconnect()
			s.setState(StateDisconnecting)
			s.enterDisconnected()
		}
	})
}

// Disconnect closes the link. Concurrent callers share one native request and
// disconnecting an already disconnected session succeeds immediately. It
// fails with a NotConnected ConnectionError while a connect is in progress.
func (s *Session) Disconnect(ctx context.Context) error {
	var prev State
	_, err := s.perform(ctx, func() (Op, error) {
		if s.state == StateConnecting {
			// the pending connect holds connStateKey
			return Op{}, &gatt.ConnectionError{State: gatt.NotConnected, Msg: "connect in progress"}
		}
		return Op{
			Key: connStateKey,
			Before: func() error {
				switch s.state {
				case StateDisconnected:
					return errSatisfied
				case StateConnecting:
					return &gatt.ConnectionError{State: gatt.NotConnected, Msg: "connect in progress"}
				}
				prev = s.state
				s.setState(StateDisconnecting)
				return nil
			},
			Dispatch:           s.adapter.Disconnect,
			Expect:             expectState(gatt.StateDisconnected),
			Dedup:              true,
			AckIndicatesStatus: true,
		}, nil
	})

	var rejected *gatt.DispatchRejectedError
	if errors.As(err, &rejected) {
		_ = s.post(func() {
			if s.state == StateDisconnecting {
				s.setState(prev)
			}
		})
	}
	if err != nil {
		return fmt.Errorf("failed to disconnect from %q: %w", s.address, err)
	}
	return nil
}

// DiscoverServices refreshes the service tree. The session is Ready afterwards.
func (s *Session) DiscoverServices(ctx context.Context) error {
	_, err := s.perform(ctx, func() (Op, error) {
		return Op{
			Key: correlate.OpKey(string(native.EventServicesDiscovered)),
			Before: func() error {
				if err := s.requireIO(); err != nil {
					return err
				}
				s.setState(StateServiceDiscovery)
				return nil
			},
			Dispatch:           s.adapter.DiscoverServices,
			Dedup:              true,
			AckIndicatesStatus: true,
		}, nil
	})

	var rejected *gatt.DispatchRejectedError
	if errors.As(err, &rejected) {
		_ = s.post(func() {
			if s.state == StateServiceDiscovery {
				s.setState(StateConnected)
			}
		})
	}
	if err != nil {
		return fmt.Errorf("failed to discover services: %w", err)
	}

	if p := s.profile.Load(); p != nil {
		s.logger.WithFields(logrus.Fields{
			"address":         s.address,
			"services":        len(p.Services()),
			"characteristics": p.CharacteristicCount(),
		}).Debug("Services discovered")
	}
	return nil
}

// resolve maps an identity to a characteristic on the loop.
func (s *Session) resolve(id gatt.Identity) (*gatt.Characteristic, error) {
	if err := s.requireIO(); err != nil {
		return nil, err
	}
	return id.Resolve(s.profile.Load())
}

// Read reads a characteristic value.
func (s *Session) Read(ctx context.Context, id gatt.Identity) ([]byte, error) {
	res, err := s.perform(ctx, func() (Op, error) {
		c, err := s.resolve(id)
		if err != nil {
			return Op{}, err
		}
		return Op{
			Key:                correlate.HandleKey(string(native.EventCharacteristicRead), c.Handle),
			Dispatch:           func() bool { return s.adapter.ReadCharacteristic(c.Handle) },
			AckIndicatesStatus: true,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// Write writes a characteristic value. The write type follows what the
// characteristic supports: a request without response falls back to a
// request with response when write-without-response is not supported, and
// the reverse with a warning.
func (s *Session) Write(ctx context.Context, id gatt.Identity, data []byte, withResponse bool) error {
	value := append([]byte(nil), data...)
	_, err := s.perform(ctx, func() (Op, error) {
		c, err := s.resolve(id)
		if err != nil {
			return Op{}, err
		}
		resp, err := s.writeType(c, withResponse)
		if err != nil {
			return Op{}, err
		}
		return Op{
			Key:                correlate.HandleKey(string(native.EventCharacteristicWrite), c.Handle),
			Dispatch:           func() bool { return s.adapter.WriteCharacteristic(c.Handle, value, resp) },
			AckIndicatesStatus: true,
		}, nil
	})
	return err
}

func (s *Session) writeType(c *gatt.Characteristic, withResponse bool) (bool, error) {
	canWrite := c.Properties.Has(gatt.PropWrite)
	canWNR := c.Properties.Has(gatt.PropWriteNoResponse)
	switch {
	case !canWrite && !canWNR:
		return false, fmt.Errorf("characteristic %s does not support write operations: %w", c, gatt.ErrUnsupported)
	case !withResponse && !canWNR:
		return true, nil
	case withResponse && !canWrite:
		s.logger.WithField("char", c.String()).Warn("Characteristic does not support write with response, trying without")
		return false, nil
	}
	return withResponse, nil
}

// ReadDescriptor reads the descriptor with the given handle.
func (s *Session) ReadDescriptor(ctx context.Context, handle uint16) ([]byte, error) {
	res, err := s.perform(ctx, func() (Op, error) {
		if err := s.descriptor(handle); err != nil {
			return Op{}, err
		}
		return Op{
			Key:                correlate.HandleKey(string(native.EventDescriptorRead), handle),
			Dispatch:           func() bool { return s.adapter.ReadDescriptor(handle) },
			AckIndicatesStatus: true,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// WriteDescriptor writes the descriptor with the given handle.
func (s *Session) WriteDescriptor(ctx context.Context, handle uint16, data []byte) error {
	value := append([]byte(nil), data...)
	_, err := s.perform(ctx, func() (Op, error) {
		if err := s.descriptor(handle); err != nil {
			return Op{}, err
		}
		return Op{
			Key:                correlate.HandleKey(string(native.EventDescriptorWrite), handle),
			Dispatch:           func() bool { return s.adapter.WriteDescriptor(handle, value) },
			AckIndicatesStatus: true,
		}, nil
	})
	return err
}

func (s *Session) descriptor(handle uint16) error {
	if err := s.requireIO(); err != nil {
		return err
	}
	p := s.profile.Load()
	if p == nil {
		return &gatt.NotFoundError{Resource: "descriptor", ID: correlate.HandleTarget(handle)}
	}
	if _, ok := p.Descriptor(handle); !ok {
		return &gatt.NotFoundError{Resource: "descriptor", ID: correlate.HandleTarget(handle)}
	}
	return nil
}

// Subscribe registers handler for value changes of the characteristic and
// enables notifications (or indications) on the peripheral. If the peripheral
// refuses, the registration is rolled back.
func (s *Session) Subscribe(ctx context.Context, id gatt.Identity, handler subscription.Handler, o SubscribeOptions) error {
	var entry *subscription.Entry
	_, err := s.perform(ctx, func() (Op, error) {
		c, err := s.resolve(id)
		if err != nil {
			return Op{}, err
		}
		mode, err := notifyMode(c, o.Indicate)
		if err != nil {
			return Op{}, err
		}
		return Op{
			Key: correlate.HandleKey(string(native.EventNotificationState), c.Handle),
			Before: func() error {
				replacing := s.registry.Has(c.Handle)
				e, err := s.registry.Subscribe(c, handler, o.Replace)
				if err != nil {
					return err
				}
				entry = e
				if replacing {
					// CCCD is already enabled
					return errSatisfied
				}
				return nil
			},
			Dispatch:           func() bool { return s.adapter.SetNotify(c.Handle, mode) },
			AckIndicatesStatus: true,
		}, nil
	})
	if err != nil {
		_ = s.post(func() {
			if entry != nil {
				s.registry.RemoveEntry(entry)
			}
		})
		return err
	}
	return nil
}

func notifyMode(c *gatt.Characteristic, indicate bool) (gatt.NotifyMode, error) {
	switch {
	case indicate && c.Properties.Has(gatt.PropIndicate):
		return gatt.IndicateOn, nil
	case indicate:
		return gatt.NotifyOff, fmt.Errorf("characteristic %s does not support indications: %w", c, gatt.ErrUnsupported)
	case c.Properties.Has(gatt.PropNotify):
		return gatt.NotifyOn, nil
	case c.Properties.Has(gatt.PropIndicate):
		return gatt.IndicateOn, nil
	default:
		return gatt.NotifyOff, fmt.Errorf("characteristic %s does not support notifications: %w", c, gatt.ErrUnsupported)
	}
}

// Unsubscribe removes the handler and disables notifications on the peripheral.
// It fails with gatt.ErrNotSubscribed if the characteristic has no subscription.
//
// If the peripheral refuses to disable notifications the subscription is
// reinstated and the call can be retried.
func (s *Session) Unsubscribe(ctx context.Context, id gatt.Identity) error {
	var removed *subscription.Entry
	_, err := s.perform(ctx, func() (Op, error) {
		c, err := s.resolve(id)
		if err != nil {
			return Op{}, err
		}
		return Op{
			Key: correlate.HandleKey(string(native.EventNotificationState), c.Handle),
			Before: func() error {
				e, err := s.registry.Unsubscribe(c.Handle)
				removed = e
				return err
			},
			Dispatch:           func() bool { return s.adapter.SetNotify(c.Handle, gatt.NotifyOff) },
			AckIndicatesStatus: true,
		}, nil
	})
	var (
		rejected *gatt.DispatchRejectedError
		status   *gatt.StatusError
	)
	if errors.As(err, &rejected) || errors.As(err, &status) {
		_ = s.post(func() {
			// teardown already dropped every subscription
			if removed != nil && s.state.AllowsIO() && s.registry.Restore(removed) {
				s.logger.WithField("characteristic", removed.Characteristic().String()).
					Debug("Subscription restored after failed unsubscribe")
			}
		})
	}
	return err
}

// WaitNotification blocks until the next value change of the characteristic.
// Notifications must already be enabled with Subscribe; concurrent waiters
// for the same characteristic receive the same value.
func (s *Session) WaitNotification(ctx context.Context, id gatt.Identity) ([]byte, error) {
	res, err := s.perform(ctx, func() (Op, error) {
		c, err := s.resolve(id)
		if err != nil {
			return Op{}, err
		}
		return Op{
			Key:      correlate.HandleKey(string(native.EventCharacteristicChanged), c.Handle),
			Dispatch: func() bool { return true },
			Dedup:    true,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// RequestMTU asks for a new ATT MTU and returns the negotiated value.
func (s *Session) RequestMTU(ctx context.Context, mtu int) (int, error) {
	res, err := s.perform(ctx, func() (Op, error) {
		if err := s.requireIO(); err != nil {
			return Op{}, err
		}
		return Op{
			Key:                correlate.OpKey(string(native.EventMtuChanged)),
			Dispatch:           func() bool { return s.adapter.RequestMTU(mtu) },
			AckIndicatesStatus: true,
		}, nil
	})
	if err != nil {
		return 0, err
	}
	return res.MTU, nil
}
