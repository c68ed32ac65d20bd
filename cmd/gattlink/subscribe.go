package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/ringchan"
	"github.com/srg/gattlink/internal/session"
	"github.com/srg/gattlink/internal/subscription"
)

const (
	modeLive   = "live"
	modeLatest = "latest"
)

type subscribeFlags struct {
	service  string
	indicate bool
	hex      bool
	count    int
	duration time.Duration
	mode     string
	rate     time.Duration
}

func newSubscribeCmd() *cobra.Command {
	f := &subscribeFlags{}
	cmd := &cobra.Command{
		Use:   "subscribe <device-address> <uuid>[,<uuid>...]",
		Short: "Subscribe to characteristic notifications",
		Long: `Subscribes to BLE characteristic notifications and prints received values.

Stream modes:
  live    - Print every notification as it arrives (default)
  latest  - Print only the latest value per characteristic every --rate

Examples:
  # Heart rate measurements as hex
  gattlink subscribe AA:BB:CC:DD:EE:FF 2a37 --hex

  # Two characteristics, stop after 10 notifications
  gattlink subscribe AA:BB:CC:DD:EE:FF 2a37,2a19 --count 10

  # Indications, latest value once a second
  gattlink subscribe AA:BB:CC:DD:EE:FF 2a05 --indicate --mode latest --rate 1s`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets := parseCSV(args[1])
			if len(targets) == 0 {
				return fmt.Errorf("no valid UUIDs provided")
			}
			if f.mode != modeLive && f.mode != modeLatest {
				return fmt.Errorf("invalid mode %q: use %s or %s", f.mode, modeLive, modeLatest)
			}
			if f.mode == modeLatest && f.rate <= 0 {
				return fmt.Errorf("--rate must be positive in %s mode", modeLatest)
			}
			return withSession(cmd, args[0], func(ctx context.Context, c *connected) error {
				return runSubscribe(ctx, c, f, targets)
			})
		},
	}
	cmd.Flags().StringVar(&f.service, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	cmd.Flags().BoolVar(&f.indicate, "indicate", false, "Use indications instead of notifications")
	cmd.Flags().BoolVar(&f.hex, "hex", false, "Output as hex string; raw bytes by default")
	cmd.Flags().IntVar(&f.count, "count", 0, "Stop after N notifications (0 for unlimited)")
	cmd.Flags().DurationVar(&f.duration, "duration", 0, "Stop after this long (0 for unlimited)")
	cmd.Flags().StringVar(&f.mode, "mode", modeLive, "Stream mode: live or latest")
	cmd.Flags().DurationVar(&f.rate, "rate", time.Second, "Output interval for latest mode")
	return cmd
}

func runSubscribe(ctx context.Context, c *connected, f *subscribeFlags, targets []string) error {
	chars := make([]*gatt.Characteristic, 0, len(targets))
	for _, t := range targets {
		ch, err := resolveTarget(c.sess.Profile(), t, f.service)
		if err != nil {
			return err
		}
		chars = append(chars, ch)
	}

	if f.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.duration)
		defer cancel()
	}

	queue := ringchan.New[subscription.Notification](c.cfg.Session.NotificationBuffer)
	handler := func(n subscription.Notification) {
		if queue.Send(n) {
			c.logger.WithField("characteristic", n.Characteristic.String()).Warn("Output queue full, dropped oldest notification")
		}
	}
	for _, ch := range chars {
		if err := c.sess.Subscribe(ctx, gatt.ByRef(ch), handler, session.SubscribeOptions{Indicate: f.indicate}); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", ch, err)
		}
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		for _, ch := range chars {
			_ = c.sess.Unsubscribe(uctx, gatt.ByRef(ch))
		}
	}()

	if len(chars) == 1 {
		printStatus(c.cmd.ErrOrStderr(), fmt.Sprintf("Subscribed to %s. Press Ctrl+C to stop...", chars[0]))
	} else {
		printStatus(c.cmd.ErrOrStderr(), fmt.Sprintf("Subscribed to %d characteristics. Press Ctrl+C to stop...", len(chars)))
	}

	p := &notificationPrinter{w: c.cmd.OutOrStdout(), hex: f.hex, prefix: len(chars) > 1}
	if f.mode == modeLatest {
		return p.latest(ctx, queue.C(), f.rate, f.count)
	}
	return p.live(ctx, queue.C(), f.count)
}

type notificationPrinter struct {
	w       io.Writer
	hex     bool
	prefix  bool
	printed int
}

func (p *notificationPrinter) print(n subscription.Notification) {
	if p.prefix {
		fmt.Fprintf(p.w, "%s: %s\n", gatt.ShortUUID(n.Characteristic.UUID), formatValue(n.Value, p.hex))
	} else {
		fmt.Fprintln(p.w, formatValue(n.Value, p.hex))
	}
	p.printed++
}

func (p *notificationPrinter) done(count int) bool {
	return count > 0 && p.printed >= count
}

func (p *notificationPrinter) live(ctx context.Context, in <-chan subscription.Notification, count int) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-in:
			p.print(n)
			if p.done(count) {
				return nil
			}
		}
	}
}

// latest keeps the newest value per characteristic and flushes them every rate
// in order of first arrival.
func (p *notificationPrinter) latest(ctx context.Context, in <-chan subscription.Notification, rate time.Duration, count int) error {
	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	pending := make(map[uint16]subscription.Notification)
	var order []uint16
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-in:
			h := n.Characteristic.Handle
			if _, ok := pending[h]; !ok {
				order = append(order, h)
			}
			pending[h] = n
		case <-ticker.C:
			for _, h := range order {
				p.print(pending[h])
				if p.done(count) {
					return nil
				}
			}
			clear(pending)
			order = order[:0]
		}
	}
}
