package session

import (
	"time"

	"github.com/mcuadros/go-defaults"
)

// Options tune a session. Zero fields take the defaults from their tags.
type Options struct {
	// NotificationBuffer is how many undelivered notifications are kept before the oldest is dropped.
	NotificationBuffer int `default:"256"`
	// FaultHistory is how many escalated faults Faults() can return.
	FaultHistory uint32 `default:"64"`
	// ConnectTimeout bounds Connect when the caller's context has no deadline.
	ConnectTimeout time.Duration `default:"30s"`
	// AutoDiscover runs service discovery as part of Connect.
	AutoDiscover bool `default:"true"`
}

// Option mutates Options.
type Option func(*Options)

// NewOptions applies defaults, then opts.
func NewOptions(opts ...Option) Options {
	var o Options
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithNotificationBuffer sets how many notifications may wait for delivery
// before the oldest is dropped.
func WithNotificationBuffer(n int) Option {
	return func(o *Options) { o.NotificationBuffer = n }
}

// WithFaultHistory sets how many escalated faults are kept for Faults.
func WithFaultHistory(n uint32) Option {
	return func(o *Options) { o.FaultHistory = n }
}

// WithConnectTimeout bounds Connect when the caller's context has no deadline.
// Zero leaves Connect unbounded.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *Options) { o.ConnectTimeout = d }
}

// WithoutDiscovery leaves the session in StateConnected after Connect;
// call DiscoverServices before addressing characteristics.
func WithoutDiscovery() Option {
	return func(o *Options) { o.AutoDiscover = false }
}

// WithOptions replaces all options, e.g. with values loaded from a config file.
func WithOptions(src Options) Option {
	return func(o *Options) { *o = src }
}
