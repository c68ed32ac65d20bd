package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/srg/gattlink/internal/scanner"
)

type scanFlags struct {
	duration     time.Duration
	format       string
	services     []string
	allow        []string
	block        []string
	noDuplicates bool
}

func newScanCmd() *cobra.Command {
	f := &scanFlags{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for BLE devices",
		Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Devices are listed strongest signal first with their names, addresses, RSSI
values, and advertised services. Ctrl+C ends the scan early and still prints
what was found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScan(cmd, f)
		},
	}
	cmd.Flags().DurationVarP(&f.duration, "duration", "d", 10*time.Second, "Scan duration (0 scans until interrupted)")
	cmd.Flags().StringVarP(&f.format, "format", "f", "table", "Output format (table, json, yaml)")
	cmd.Flags().StringSliceVarP(&f.services, "services", "s", nil, "Only show devices advertising these service UUIDs")
	cmd.Flags().StringSliceVar(&f.allow, "allow", nil, "Only show devices with these addresses")
	cmd.Flags().StringSliceVar(&f.block, "block", nil, "Hide devices with these addresses")
	cmd.Flags().BoolVar(&f.noDuplicates, "no-duplicates", false, "Ask the stack to report each advertiser once")
	return cmd
}

func runScan(cmd *cobra.Command, f *scanFlags) error {
	if err := checkFormat(f.format); err != nil {
		return err
	}
	cfg, logger, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	opts := cfg.ScanOptions()
	if cmd.Flags().Changed("duration") {
		opts.Duration = f.duration
	}
	if cmd.Flags().Changed("no-duplicates") {
		opts.AllowDuplicates = !f.noDuplicates
	}
	opts.Services = f.services
	opts.AllowList = f.allow
	opts.BlockList = f.block

	p, err := newPlatform(cfg, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	h, err := scanner.New(p, logger).Start(cmd.Context(), opts)
	if err != nil {
		return err
	}

	progress := startProgress(cmd.ErrOrStderr(), "Scanning for BLE devices")
	count := 0
	for ev := range h.Events() {
		if ev.Type == scanner.EventNew {
			count++
			progress.Describe(fmt.Sprintf("Scanning for BLE devices (%d found)", count))
		}
	}
	progress.Stop()

	if err := h.Wait(); err != nil {
		return err
	}
	return writeDevices(cmd.OutOrStdout(), h.Devices(), f.format)
}

func checkFormat(format string) error {
	switch format {
	case "table", "json", "yaml":
		return nil
	}
	return fmt.Errorf("invalid format '%s': must be one of [table json yaml]", format)
}

// deviceView is the serialized form of a scanned device.
type deviceView struct {
	Address          string    `json:"address" yaml:"address"`
	Name             string    `json:"name,omitempty" yaml:"name,omitempty"`
	RSSI             int       `json:"rssi" yaml:"rssi"`
	Connectable      bool      `json:"connectable" yaml:"connectable"`
	Services         []string  `json:"services,omitempty" yaml:"services,omitempty"`
	ManufacturerData string    `json:"manufacturer_data,omitempty" yaml:"manufacturer_data,omitempty"`
	Seen             int       `json:"seen" yaml:"seen"`
	LastSeen         time.Time `json:"last_seen" yaml:"last_seen"`
}

func toDeviceView(d scanner.Device) deviceView {
	return deviceView{
		Address:          d.Address,
		Name:             d.Name,
		RSSI:             d.RSSI,
		Connectable:      d.Connectable,
		Services:         d.Services,
		ManufacturerData: hex.EncodeToString(d.ManufacturerData),
		Seen:             d.Seen,
		LastSeen:         d.LastSeen,
	}
}

func writeDevices(w io.Writer, devices []scanner.Device, format string) error {
	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, toDeviceView(d))
	}

	switch format {
	case "json":
		return writeJSON(w, views)
	case "yaml":
		return writeYAML(w, views)
	}

	if len(views) == 0 {
		_, err := fmt.Fprintln(w, "No devices discovered")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tRSSI\tSERVICES\tLAST SEEN")
	fmt.Fprintln(tw, strings.Repeat("-", 80))
	for _, v := range views {
		name := v.Name
		if name == "" {
			name = "(unknown)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		services := strings.Join(v.Services, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%d dBm\t%s\t%s ago\n",
			name, v.Address, v.RSSI, services, time.Since(v.LastSeen).Truncate(time.Second))
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
