package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/srg/gattlink/internal/gatt"
)

// maxParallelReads bounds in-flight reads of a multi-characteristic read.
const maxParallelReads = 4

type readFlags struct {
	service string
	desc    string
	hex     bool
	watch   time.Duration
}

func newReadCmd() *cobra.Command {
	f := &readFlags{}
	cmd := &cobra.Command{
		Use:   "read <device-address> <uuid>[,<uuid>...]",
		Short: "Read a characteristic or descriptor value",
		Long: `Reads data from BLE characteristic(s) or a descriptor.

Examples:
  # Read Battery Level characteristic
  gattlink read AA:BB:CC:DD:EE:FF 2a19

  # Read several characteristics at once
  gattlink read AA:BB:CC:DD:EE:FF 2a37,2a38,2a19 --hex

  # Read the Client Characteristic Configuration descriptor
  gattlink read AA:BB:CC:DD:EE:FF 2a37 --desc 2902 --hex

  # Read by value handle
  gattlink read AA:BB:CC:DD:EE:FF 0x0003

  # Poll every 500ms until Ctrl+C
  gattlink read AA:BB:CC:DD:EE:FF 2a37 --watch 500ms`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			targets := parseCSV(args[1])
			if len(targets) == 0 {
				return fmt.Errorf("no valid UUIDs provided")
			}
			if len(targets) > 1 && (f.watch > 0 || f.desc != "") {
				return fmt.Errorf("--watch and --desc require a single characteristic, got %d", len(targets))
			}
			return withSession(cmd, args[0], func(ctx context.Context, c *connected) error {
				return runRead(ctx, c, f, targets)
			})
		},
	}
	cmd.Flags().StringVar(&f.service, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	cmd.Flags().StringVar(&f.desc, "desc", "", "Descriptor UUID (reads descriptor instead of characteristic)")
	cmd.Flags().BoolVar(&f.hex, "hex", false, "Output as hex string; raw bytes by default")
	cmd.Flags().DurationVar(&f.watch, "watch", 0, "Continuously read at this interval")
	return cmd
}

func runRead(ctx context.Context, c *connected, f *readFlags, targets []string) error {
	profile := c.sess.Profile()
	out := c.cmd.OutOrStdout()

	if f.desc != "" {
		d, err := resolveDescriptor(profile, targets[0], f.service, f.desc)
		if err != nil {
			return err
		}
		v, err := c.sess.ReadDescriptor(ctx, d.Handle)
		if err != nil {
			return fmt.Errorf("failed to read descriptor: %w", err)
		}
		_, err = fmt.Fprintln(out, formatValue(v, f.hex))
		return err
	}

	chars := make([]*gatt.Characteristic, 0, len(targets))
	for _, t := range targets {
		ch, err := resolveTarget(profile, t, f.service)
		if err != nil {
			return err
		}
		chars = append(chars, ch)
	}

	if len(chars) == 1 {
		if f.watch > 0 {
			return watchRead(ctx, c, chars[0], f)
		}
		v, err := c.sess.Read(ctx, gatt.ByRef(chars[0]))
		if err != nil {
			return fmt.Errorf("failed to read characteristic: %w", err)
		}
		_, err = fmt.Fprintln(out, formatValue(v, f.hex))
		return err
	}

	return readMany(ctx, c, chars, f.hex)
}

// readMany reads chars concurrently and prints them in argument order. A
// failed read is reported and the others still print.
func readMany(ctx context.Context, c *connected, chars []*gatt.Characteristic, asHex bool) error {
	values := make([][]byte, len(chars))
	errs := make([]error, len(chars))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelReads)
	for i, ch := range chars {
		g.Go(func() error {
			v, err := c.sess.Read(gctx, gatt.ByRef(ch))
			if err != nil {
				var ce *gatt.ConnectionError
				if errors.As(err, &ce) {
					return err
				}
				errs[i] = err
				return nil
			}
			values[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	out := c.cmd.OutOrStdout()
	for i, ch := range chars {
		name := gatt.ShortUUID(ch.UUID)
		if errs[i] != nil {
			printWarn(c.cmd.ErrOrStderr(), fmt.Sprintf("%s: %v", name, errs[i]))
			continue
		}
		fmt.Fprintf(out, "%s: %s\n", name, formatValue(values[i], asHex))
	}
	return nil
}

func watchRead(ctx context.Context, c *connected, ch *gatt.Characteristic, f *readFlags) error {
	printStatus(c.cmd.ErrOrStderr(), fmt.Sprintf("Watching %s (reading every %v). Press Ctrl+C to stop...", ch, f.watch))
	out := c.cmd.OutOrStdout()

	ticker := time.NewTicker(f.watch)
	defer ticker.Stop()
	for {
		v, err := c.sess.Read(ctx, gatt.ByRef(ch))
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			var ce *gatt.ConnectionError
			if errors.As(err, &ce) {
				return ErrConnectionLost
			}
			c.logger.WithError(err).Warn("Failed to read characteristic, continuing...")
		default:
			fmt.Fprintln(out, formatValue(v, f.hex))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
