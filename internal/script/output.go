package script

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// RunWithOutput executes source on a fresh Runner, streaming printed lines to
// stdout and error reports to stderr while the script runs. Either writer may
// be nil to discard that stream.
func RunWithOutput(
	ctx context.Context,
	sess Session,
	logger *logrus.Logger,
	source, name string,
	args map[string]string,
	stdout, stderr io.Writer,
) error {
	r := NewRunner(sess, logger, DefaultOptions())

	done := make(chan struct{})
	go func() {
		defer close(done)
		copyOutput(r.Output(), stdout, stderr, r.logger)
	}()

	runErr := r.Run(ctx, source, name, args)
	closeErr := r.Close()
	<-done

	if runErr != nil {
		return fmt.Errorf("failed to execute script: %w", runErr)
	}
	return closeErr
}

func copyOutput(records <-chan OutputRecord, stdout, stderr io.Writer, logger *logrus.Logger) {
	for rec := range records {
		var err error
		switch {
		case rec.Source == "stderr" && stderr != nil:
			_, err = fmt.Fprintln(stderr, rec.Content)
		case rec.Source == "stdout" && stdout != nil:
			_, err = io.WriteString(stdout, rec.Content)
		}
		if err != nil && !errors.Is(err, io.ErrClosedPipe) {
			logger.WithError(err).Debug("Failed to write script output")
		}
	}
}
