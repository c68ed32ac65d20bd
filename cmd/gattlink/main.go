package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the command tree. Every call returns fresh commands with
// their own flag state.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gattlink",
		Short: "Bluetooth Low Energy GATT client",
		Long: `Bluetooth Low Energy (BLE) GATT client that provides:

- Scan and discover nearby BLE devices
- Inspect GATT services, characteristics, and descriptors
- Read from and write to characteristics
- Monitor characteristic changes via notifications
- Run Lua scripts against a connected device
- Bridge a UART-style service to a PTY for serial-like access`,
		Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
		// main prints clean errors
		SilenceErrors: true,
	}

	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("verbose", false, "Shortcut for --log-level debug")
	root.PersistentFlags().String("config", "", "Config file (default $XDG_CONFIG_HOME/gattlink/gattlink.conf)")
	root.PersistentFlags().String("adapter", "", "Bluetooth backend (goble, tinyble)")
	root.Flags().BoolP("version", "v", false, "Show version information")

	root.AddCommand(
		newScanCmd(),
		newInspectCmd(),
		newReadCmd(),
		newWriteCmd(),
		newSubscribeCmd(),
		newScriptCmd(),
		newBridgeCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		stop()
		os.Exit(1)
	}
}
