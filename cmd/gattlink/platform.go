package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/gattlink/internal/config"
	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/native"
	"github.com/srg/gattlink/internal/native/goble"
	"github.com/srg/gattlink/internal/native/tinyble"
	"github.com/srg/gattlink/internal/session"
)

const disconnectTimeout = 5 * time.Second

// platform is a native backend able to both scan and connect.
type platform interface {
	native.Adapter
	native.Scanner
}

// newPlatform opens the backend selected by the configuration. Tests replace it.
var newPlatform = func(cfg *config.Config, logger *logrus.Logger) (platform, error) {
	switch cfg.Adapter {
	case config.AdapterGoBLE:
		return goble.New(logger), nil
	case config.AdapterTinyGo:
		return tinyble.New(nil, logger), nil
	}
	return nil, fmt.Errorf("unknown adapter %q", cfg.Adapter)
}

// connected is what a device command gets to work with.
type connected struct {
	cmd    *cobra.Command
	cfg    *config.Config
	logger *logrus.Logger
	sess   *session.Session
}

// withSession connects to address, runs fn and tears everything down again.
// A link lost while fn runs is reported as ErrConnectionLost.
func withSession(cmd *cobra.Command, address string, fn func(ctx context.Context, c *connected) error) error {
	cfg, logger, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	// arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	p, err := newPlatform(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.WithError(err).Debug("Failed to close adapter")
		}
	}()

	sess := session.New(address, p, logger, session.WithOptions(cfg.SessionOptions()))
	defer sess.Close()

	ctx, cancel := context.WithCancelCause(cmd.Context())
	defer cancel(nil)

	// requested disconnects report a nil reason
	sess.SetDisconnectHandler(func(reason error) {
		if reason != nil {
			logger.WithError(reason).Warn("Link lost")
			cancel(ErrConnectionLost)
		}
	})

	progress := startProgress(cmd.ErrOrStderr(), fmt.Sprintf("Connecting to %s", address))
	err = sess.Connect(ctx)
	progress.Stop()
	if err != nil {
		if errors.Is(err, gatt.ErrDisconnected) {
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		return err
	}

	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer dcancel()
		if err := sess.Disconnect(dctx); err != nil {
			logger.WithError(err).Debug("Disconnect failed")
		}
	}()

	err = fn(ctx, &connected{cmd: cmd, cfg: cfg, logger: logger, sess: sess})
	if errors.Is(context.Cause(ctx), ErrConnectionLost) {
		return ErrConnectionLost
	}
	return err
}
