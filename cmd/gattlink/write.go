package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srg/gattlink/internal/gatt"
)

type writeFlags struct {
	service         string
	desc            string
	hex             bool
	withoutResponse bool
	chunk           int
	mtu             int
}

func newWriteCmd() *cobra.Command {
	f := &writeFlags{}
	cmd := &cobra.Command{
		Use:   "write <device-address> <uuid> <data>",
		Short: "Write to a characteristic or descriptor",
		Long: `Writes data to a BLE characteristic or descriptor.

Examples:
  # Write a string
  gattlink write AA:BB:CC:DD:EE:FF 2a06 "high"

  # Write hex data
  gattlink write AA:BB:CC:DD:EE:FF 2a06 01 --hex

  # Enable notifications by hand
  gattlink write AA:BB:CC:DD:EE:FF 2a37 0100 --desc 2902 --hex

  # Write without response in MTU sized chunks
  gattlink write AA:BB:CC:DD:EE:FF 6e400002-b5a3-f393-e0a9-e50e24dcca9e "long text" --without-response --mtu 247`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseData(args[2], f.hex)
			if err != nil {
				return fmt.Errorf("failed to parse data: %w", err)
			}
			if f.chunk < 0 {
				return fmt.Errorf("invalid chunk size %d", f.chunk)
			}
			return withSession(cmd, args[0], func(ctx context.Context, c *connected) error {
				if err := runWrite(ctx, c, f, args[1], data); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "Write successful")
				return err
			})
		},
	}
	cmd.Flags().StringVar(&f.service, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	cmd.Flags().StringVar(&f.desc, "desc", "", "Descriptor UUID (writes descriptor instead of characteristic)")
	cmd.Flags().BoolVar(&f.hex, "hex", false, "Parse input as hex string (e.g., 'FF01'); raw bytes by default")
	cmd.Flags().BoolVar(&f.withoutResponse, "without-response", false, "Write without response (faster, no ACK)")
	cmd.Flags().IntVar(&f.chunk, "chunk", 0, "Split writes into N-byte chunks; default follows the negotiated MTU")
	cmd.Flags().IntVar(&f.mtu, "mtu", 0, "Request this ATT MTU before writing")
	return cmd
}

func runWrite(ctx context.Context, c *connected, f *writeFlags, target string, data []byte) error {
	profile := c.sess.Profile()

	if f.desc != "" {
		d, err := resolveDescriptor(profile, target, f.service, f.desc)
		if err != nil {
			return err
		}
		if err := c.sess.WriteDescriptor(ctx, d.Handle, data); err != nil {
			return fmt.Errorf("failed to write descriptor: %w", err)
		}
		return nil
	}

	ch, err := resolveTarget(profile, target, f.service)
	if err != nil {
		return err
	}

	chunk := f.chunk
	if f.mtu > 0 {
		mtu, err := c.sess.RequestMTU(ctx, f.mtu)
		if err != nil {
			return fmt.Errorf("failed to negotiate MTU: %w", err)
		}
		c.logger.WithField("mtu", mtu).Debug("MTU negotiated")
		if chunk == 0 {
			chunk = mtu - 3
		}
	}
	if chunk == 0 {
		chunk = len(data)
	}

	for off := 0; ; off += chunk {
		end := min(off+chunk, len(data))
		if err := c.sess.Write(ctx, gatt.ByRef(ch), data[off:end], !f.withoutResponse); err != nil {
			return fmt.Errorf("failed to write characteristic: %w", err)
		}
		if end >= len(data) {
			return nil
		}
	}
}
