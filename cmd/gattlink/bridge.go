package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/gattlink/internal/bridge"
	"github.com/srg/gattlink/internal/ptyio"
)

// ptyPort is the PTY surface the bridge command needs.
type ptyPort interface {
	bridge.Port
	Symlink(path string) error
	Close() error
}

// openPort opens the PTY. Tests replace it.
var openPort = func(opts ptyio.Options) (ptyPort, error) {
	return ptyio.Open(opts)
}

type bridgeFlags struct {
	symlink      string
	service      string
	rx           string
	tx           string
	mtu          int
	withResponse bool
}

func newBridgeCmd() *cobra.Command {
	f := &bridgeFlags{}
	cmd := &cobra.Command{
		Use:   "bridge <device-address>",
		Short: "Bridge a UART-style BLE service to a PTY",
		Long: `Connects to a device and exposes its UART-style service as a
pseudo-terminal. Bytes notified on the TX characteristic appear on the PTY and
bytes typed into the PTY are written to the RX characteristic.

The Nordic UART Service is used unless --service, --rx and --tx say otherwise.

Examples:
  gattlink bridge AA:BB:CC:DD:EE:FF
  gattlink bridge AA:BB:CC:DD:EE:FF --symlink /tmp/ble-uart --mtu 247
  screen /tmp/ble-uart`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, args[0], func(ctx context.Context, c *connected) error {
				return runBridge(ctx, c, f)
			})
		},
	}
	cmd.Flags().StringVar(&f.symlink, "symlink", "", "Create a symlink to the PTY at this path")
	cmd.Flags().StringVar(&f.service, "service", "", "UART service UUID (default from config)")
	cmd.Flags().StringVar(&f.rx, "rx", "", "Characteristic written with PTY input (default from config)")
	cmd.Flags().StringVar(&f.tx, "tx", "", "Characteristic whose notifications feed the PTY (default from config)")
	cmd.Flags().IntVar(&f.mtu, "mtu", 0, "Request this ATT MTU; writes are chunked to fit")
	cmd.Flags().BoolVar(&f.withResponse, "with-response", false, "Acknowledge every RX write")
	return cmd
}

func runBridge(ctx context.Context, c *connected, f *bridgeFlags) error {
	bc := c.cfg.Bridge
	if f.service != "" {
		bc.Service = f.service
	}
	if f.rx != "" {
		bc.RX = f.rx
	}
	if f.tx != "" {
		bc.TX = f.tx
	}
	if _, err := c.sess.Profile().Service(bc.Service); err != nil {
		return fmt.Errorf("device does not expose the bridge service: %w", err)
	}

	mtu := bridge.DefaultMTU
	if f.mtu > 0 {
		negotiated, err := c.sess.RequestMTU(ctx, f.mtu)
		if err != nil {
			return fmt.Errorf("failed to negotiate MTU: %w", err)
		}
		mtu = negotiated
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	port, err := openPort(ptyio.Options{
		WriteBuffer: bc.BufferSize,
		Logger:      c.logger,
		OnError:     func(err error) { cancel(fmt.Errorf("pty failed: %w", err)) },
	})
	if err != nil {
		return err
	}
	defer port.Close()

	if f.symlink != "" {
		if err := port.Symlink(f.symlink); err != nil {
			return err
		}
	}

	b, err := bridge.New(c.sess, port, bridge.Options{
		RX:           bc.RX,
		TX:           bc.TX,
		MTU:          mtu,
		WithResponse: f.withResponse,
		Logger:       c.logger,
	})
	if err != nil {
		return err
	}

	name := port.Name()
	if f.symlink != "" {
		name = fmt.Sprintf("%s -> %s", f.symlink, port.Name())
	}
	printStatus(c.cmd.ErrOrStderr(), fmt.Sprintf("Bridge ready on %s (RX %s, TX %s). Press Ctrl+C to stop...", name, b.RX(), b.TX()))

	err = b.Run(ctx)
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	st := b.Stats()
	c.logger.WithFields(logrus.Fields{
		"to_device":     st.ToPeripheral,
		"from_device":   st.FromPeripheral,
		"dropped_input": st.DroppedInput,
	}).Info("Bridge stopped")
	return err
}
