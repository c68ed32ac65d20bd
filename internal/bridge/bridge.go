// Package bridge joins a UART-style GATT service to a local serial port.
//
// Bytes notified on the TX characteristic are written to the port; bytes
// typed into the port are written to the RX characteristic in MTU sized
// chunks, in order.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/ptyio"
	"github.com/srg/gattlink/internal/ringchan"
	"github.com/srg/gattlink/internal/session"
	"github.com/srg/gattlink/internal/subscription"
)

// Nordic UART Service layout, the usual default.
const (
	NUSService = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	NUSRX      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	NUSTX      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// DefaultMTU is the ATT MTU assumed when none was negotiated.
const DefaultMTU = 23

const unsubscribeTimeout = 5 * time.Second

// Port is the local end of the bridge; *ptyio.Port implements it.
type Port interface {
	Write(data []byte) (int, error)
	SetReadHandler(h ptyio.ReadHandler)
	Name() string
}

// Session is the part of *session.Session the bridge drives.
type Session interface {
	Profile() *gatt.Profile
	Write(ctx context.Context, id gatt.Identity, data []byte, withResponse bool) error
	Subscribe(ctx context.Context, id gatt.Identity, handler subscription.Handler, o session.SubscribeOptions) error
	Unsubscribe(ctx context.Context, id gatt.Identity) error
}

// Options contains all the configuration for running a bridge
type Options struct {
	RX string
	TX string
	// MTU sizes RX writes at MTU-3 bytes; zero means DefaultMTU.
	MTU int
	// WithResponse forces acknowledged writes even when RX supports write without response.
	WithResponse bool
	// InputQueue is how many port reads may wait for the peripheral before the oldest is dropped.
	InputQueue int
	Logger     *logrus.Logger
}

type Stats struct {
	ToPeripheral   uint64
	FromPeripheral uint64
	DroppedInput   int64
	PortOverflow   uint64
}

// Bridge represents a running BLE-PTY bridge
type Bridge struct {
	sess   Session
	port   Port
	logger *logrus.Logger

	rx, tx       *gatt.Characteristic
	chunk        int
	withResponse bool

	input *ringchan.RingChannel[[]byte]

	toPeripheral   atomic.Uint64
	fromPeripheral atomic.Uint64
	portOverflow   atomic.Uint64
}

// New resolves the RX and TX characteristics on the connected session.
func New(sess Session, port Port, opts Options) (*Bridge, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.RX == "" {
		opts.RX = NUSRX
	}
	if opts.TX == "" {
		opts.TX = NUSTX
	}
	if opts.MTU <= 3 {
		opts.MTU = DefaultMTU
	}
	if opts.InputQueue <= 0 {
		opts.InputQueue = 64
	}

	profile := sess.Profile()
	rx, err := gatt.ByUUID(opts.RX).Resolve(profile)
	if err != nil {
		return nil, fmt.Errorf("bridge RX: %w", err)
	}
	if !rx.Properties.Has(gatt.PropWrite) && !rx.Properties.Has(gatt.PropWriteNoResponse) {
		return nil, fmt.Errorf("bridge RX %s is not writable: %w", rx, gatt.ErrUnsupported)
	}
	tx, err := gatt.ByUUID(opts.TX).Resolve(profile)
	if err != nil {
		return nil, fmt.Errorf("bridge TX: %w", err)
	}
	if !tx.Properties.Has(gatt.PropNotify) && !tx.Properties.Has(gatt.PropIndicate) {
		return nil, fmt.Errorf("bridge TX %s does not notify: %w", tx, gatt.ErrUnsupported)
	}

	return &Bridge{
		sess:         sess,
		port:         port,
		logger:       opts.Logger,
		rx:           rx,
		tx:           tx,
		chunk:        opts.MTU - 3,
		withResponse: opts.WithResponse || !rx.Properties.Has(gatt.PropWriteNoResponse),
		input:        ringchan.New[[]byte](opts.InputQueue),
	}, nil
}

// Run pumps data both ways until ctx is done or the link fails. The TX
// subscription and the port handler are removed before it returns.
func (b *Bridge) Run(ctx context.Context) error {
	err := b.sess.Subscribe(ctx, gatt.ByRef(b.tx), b.fromDevice, session.SubscribeOptions{Replace: true})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.tx, err)
	}
	b.port.SetReadHandler(b.fromPort)

	b.logger.WithFields(logrus.Fields{
		"tty": b.port.Name(),
		"rx":  b.rx.String(),
		"tx":  b.tx.String(),
	}).Info("Bridge running")

	runErr := b.pump(ctx)

	b.port.SetReadHandler(nil)
	cleanup, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	if err := b.sess.Unsubscribe(cleanup, gatt.ByRef(b.tx)); err != nil && !linkGone(err) {
		b.logger.WithError(err).Warn("Failed to unsubscribe bridge TX")
	}

	if runErr != nil && errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func (b *Bridge) pump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-b.input.C():
			if err := b.send(ctx, data); err != nil {
				return err
			}
		}
	}
}

func (b *Bridge) send(ctx context.Context, data []byte) error {
	for len(data) > 0 {
		n := min(len(data), b.chunk)
		if err := b.sess.Write(ctx, gatt.ByRef(b.rx), data[:n], b.withResponse); err != nil {
			if linkGone(err) {
				return fmt.Errorf("bridge stopped: %w", err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A refused chunk is dropped; the stream continues.
			b.logger.WithError(err).WithField("bytes", n).Warn("Bridge write failed")
		} else {
			b.toPeripheral.Add(uint64(n))
		}
		data = data[n:]
	}
	return nil
}

// fromPort runs on the port's read loop.
func (b *Bridge) fromPort(data []byte) {
	if b.input.Send(append([]byte(nil), data...)) {
		b.logger.Warn("Bridge input queue full, dropped oldest chunk")
	}
}

// fromDevice runs on the session's notification delivery goroutine.
func (b *Bridge) fromDevice(n subscription.Notification) {
	w, err := b.port.Write(n.Value)
	if err != nil {
		b.logger.WithError(err).Debug("Port write failed")
		return
	}
	b.fromPeripheral.Add(uint64(w))
	if w < len(n.Value) {
		b.portOverflow.Add(uint64(len(n.Value) - w))
	}
}

func (b *Bridge) Stats() Stats {
	return Stats{
		ToPeripheral:   b.toPeripheral.Load(),
		FromPeripheral: b.fromPeripheral.Load(),
		DroppedInput:   b.input.GetMetrics().Overwritten,
		PortOverflow:   b.portOverflow.Load(),
	}
}

// RX and TX return the resolved characteristics.
func (b *Bridge) RX() *gatt.Characteristic { return b.rx }
func (b *Bridge) TX() *gatt.Characteristic { return b.tx }

func linkGone(err error) bool {
	var ce *gatt.ConnectionError
	return errors.As(err, &ce) || errors.Is(err, gatt.ErrClosed)
}
