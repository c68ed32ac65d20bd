package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/srg/gattlink"
	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/script"
	"github.com/srg/gattlink/internal/session"
)

type inspectFlags struct {
	format    string
	read      bool
	readLimit int
}

func newInspectCmd() *cobra.Command {
	f := &inspectFlags{}
	cmd := &cobra.Command{
		Use:   "inspect <device-address>",
		Short: "Inspect services, characteristics, and descriptors of a BLE device",
		Long: `Connects to a BLE device by address and prints its services,
characteristics, and descriptors. With --read, readable characteristic values
are read and shown as well.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(f.format); err != nil {
				return err
			}
			return withSession(cmd, args[0], func(ctx context.Context, c *connected) error {
				return runInspect(ctx, c, f)
			})
		},
	}
	cmd.Flags().StringVarP(&f.format, "format", "f", "table", "Output format (table, json, yaml)")
	cmd.Flags().BoolVar(&f.read, "read", false, "Read readable characteristics")
	cmd.Flags().IntVar(&f.readLimit, "read-limit", 64, "Max value bytes shown in table output")
	return cmd
}

func runInspect(ctx context.Context, c *connected, f *inspectFlags) error {
	out := c.cmd.OutOrStdout()
	if f.format == "table" {
		args := map[string]string{
			"read":       fmt.Sprint(f.read),
			"read_limit": fmt.Sprint(f.readLimit),
		}
		return script.RunWithOutput(ctx, c.sess, c.logger, gattlink.InspectLuaScript, "inspect.lua", args, out, c.cmd.ErrOrStderr())
	}

	view := buildProfileView(ctx, c.sess, f.read)
	if f.format == "json" {
		return writeJSON(out, view)
	}
	return writeYAML(out, view)
}

type profileView struct {
	Address  string        `json:"address" yaml:"address"`
	Services []serviceView `json:"services" yaml:"services"`
}

type serviceView struct {
	UUID            string               `json:"uuid" yaml:"uuid"`
	Handle          uint16               `json:"handle" yaml:"handle"`
	Characteristics []characteristicView `json:"characteristics" yaml:"characteristics"`
}

type characteristicView struct {
	UUID        string           `json:"uuid" yaml:"uuid"`
	Handle      uint16           `json:"handle" yaml:"handle"`
	Properties  []string         `json:"properties" yaml:"properties"`
	Descriptors []descriptorView `json:"descriptors,omitempty" yaml:"descriptors,omitempty"`
	Value       string           `json:"value,omitempty" yaml:"value,omitempty"`
	Error       string           `json:"error,omitempty" yaml:"error,omitempty"`
}

type descriptorView struct {
	UUID    string      `json:"uuid" yaml:"uuid"`
	Handle  uint16      `json:"handle" yaml:"handle"`
	Value   string      `json:"value,omitempty" yaml:"value,omitempty"`
	Decoded interface{} `json:"decoded,omitempty" yaml:"decoded,omitempty"`
	Error   string      `json:"error,omitempty" yaml:"error,omitempty"`
}

func buildProfileView(ctx context.Context, sess *session.Session, read bool) profileView {
	view := profileView{Address: sess.Address(), Services: []serviceView{}}
	for _, svc := range sess.Services() {
		sv := serviceView{UUID: svc.UUID, Handle: svc.Handle, Characteristics: []characteristicView{}}
		for _, ch := range svc.CharacteristicList() {
			cv := characteristicView{
				UUID:       ch.UUID,
				Handle:     ch.Handle,
				Properties: ch.Properties.Names(),
			}
			for _, d := range ch.Descriptors {
				cv.Descriptors = append(cv.Descriptors, buildDescriptorView(ctx, sess, d, read))
			}
			if read && ch.Properties.Has(gatt.PropRead) {
				if v, err := sess.Read(ctx, gatt.ByRef(ch)); err != nil {
					cv.Error = err.Error()
				} else {
					cv.Value = formatValue(v, true)
				}
			}
			sv.Characteristics = append(sv.Characteristics, cv)
		}
		view.Services = append(view.Services, sv)
	}
	return view
}

// buildDescriptorView reads and decodes d when read is set. A value that
// does not decode is still shown raw.
func buildDescriptorView(ctx context.Context, sess *session.Session, d *gatt.Descriptor, read bool) descriptorView {
	dv := descriptorView{UUID: d.UUID, Handle: d.Handle}
	if !read {
		return dv
	}
	v, err := sess.ReadDescriptor(ctx, d.Handle)
	if err != nil {
		dv.Error = err.Error()
		return dv
	}
	dv.Value = formatValue(v, true)
	if decoded, err := gatt.DecodeDescriptor(d.UUID, v); err != nil {
		dv.Error = err.Error()
	} else {
		dv.Decoded = decoded
	}
	return dv
}
