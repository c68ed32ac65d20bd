package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/srg/gattlink/internal/script"
)

type scriptFlags struct {
	args []string
}

func newScriptCmd() *cobra.Command {
	f := &scriptFlags{}
	cmd := &cobra.Command{
		Use:   "script <device-address> <script.lua>",
		Short: "Run a Lua script against a connected device",
		Long: `Connects to a device and runs a Lua script with the global ble table:

  ble.address                          peripheral address
  ble.read(char)                       value | nil, err
  ble.write(char, data [, response])   true | nil, err
  ble.subscribe(char, fn [, opts])     handle | nil, err; fn(value, handle)
  ble.unsubscribe(char)                true | nil, err
  ble.wait([ms])                       run queued notification callbacks
  ble.services()                       discovered services
  ble.mtu(n)                           negotiated MTU | nil, err

Characteristics are named by UUID or value handle. Values given with --arg
are available in the global arg table.

Examples:
  gattlink script AA:BB:CC:DD:EE:FF battery.lua
  gattlink script AA:BB:CC:DD:EE:FF uart.lua --arg message=hello --arg repeat=3`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := script.ReadFile(args[1])
			if err != nil {
				return err
			}
			scriptArgs, err := parseScriptArgs(f.args)
			if err != nil {
				return err
			}
			name := filepath.Base(args[1])
			return withSession(cmd, args[0], func(ctx context.Context, c *connected) error {
				return script.RunWithOutput(ctx, c.sess, c.logger, source, name, scriptArgs, cmd.OutOrStdout(), cmd.ErrOrStderr())
			})
		},
	}
	cmd.Flags().StringArrayVar(&f.args, "arg", nil, "Script argument as key=value (repeatable)")
	return cmd
}

func parseScriptArgs(pairs []string) (map[string]string, error) {
	args := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid script argument %q: expected key=value", p)
		}
		args[k] = v
	}
	return args, nil
}
