package main

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

const progressUpdateInterval = 100 * time.Millisecond

// Progress shows a spinner with a description while a command waits on the
// device. It renders only when w is a terminal.
//
// The caller must call Stop to release the spinner goroutine; extra calls
// are no-ops.
type Progress struct {
	bar  *progressbar.ProgressBar
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func startProgress(w io.Writer, description string) *Progress {
	var bar *progressbar.ProgressBar
	if isTerminal(w) {
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetDescription(description),
			progressbar.OptionSetElapsedTime(true),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionThrottle(progressUpdateInterval),
			progressbar.OptionClearOnFinish(),
		)
	} else {
		bar = progressbar.DefaultSilent(-1, description)
	}

	p := &Progress{
		bar:  bar,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go p.spin()
	return p
}

func (p *Progress) spin() {
	defer close(p.done)
	ticker := time.NewTicker(progressUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			_ = p.bar.Add(1)
		}
	}
}

// Describe replaces the description.
func (p *Progress) Describe(description string) {
	p.bar.Describe(description)
}

// Stop halts the spinner and clears its line.
func (p *Progress) Stop() {
	p.once.Do(func() {
		close(p.stop)
		<-p.done
		_ = p.bar.Finish()
		_ = p.bar.Clear()
	})
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
