// Package ptyio exposes a pseudo-terminal whose master side is driven
// asynchronously: writes are queued in a byte ring and flushed by a
// background loop, and bytes typed into the slave are handed to a callback.
//
//	port, err := ptyio.Open(ptyio.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer port.Close()
//	port.SetReadHandler(func(b []byte) { ... }) // input from the slave
//	port.Write([]byte("hello\n"))               // output to the slave
//	fmt.Println(port.Name())                    // "/dev/pts/5"
//
// Writes never block. When the queue is full the excess is dropped and
// counted in Stats.DroppedWriteBytes.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/gattlink/internal/groutine"
)

const (
	DefaultWriteBuffer = 4096
	DefaultPollTimeout = 50 * time.Millisecond
)

// ReadHandler receives bytes typed into the slave. It runs on the read loop
// and must not retain the slice.
type ReadHandler func(data []byte)

type Options struct {
	WriteBuffer int
	// PollTimeout bounds how long the loops sleep before checking for shutdown.
	PollTimeout time.Duration
	Logger      *logrus.Logger
	// OnError is called at most once per loop when it exits on an I/O failure.
	OnError func(error)
}

type Stats struct {
	QueuedWriteBytes  int
	DroppedWriteBytes uint64
	WrittenBytes      uint64
	ReadBytes         uint64
}

// Port is an open PTY pair.
type Port struct {
	logger  *logrus.Logger
	master  *os.File
	slave   *os.File
	name    string
	poll    int
	onError func(error)

	queue   *ringbuffer.RingBuffer
	kick    chan struct{}
	handler sync.Map // "h" -> ReadHandler
	link    string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	dropped atomic.Uint64
	written atomic.Uint64
	read    atomic.Uint64

	readErrOnce  sync.Once
	writeErrOnce sync.Once
}

var discard = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Open creates a raw-mode PTY pair and starts its loops.
func Open(opts Options) (*Port, error) {
	master, slave, err := openRaw()
	if err != nil {
		return nil, err
	}

	if opts.Logger == nil {
		opts.Logger = discard
	}
	if opts.WriteBuffer <= 0 {
		opts.WriteBuffer = DefaultWriteBuffer
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Port{
		logger:  opts.Logger,
		master:  master,
		slave:   slave,
		name:    slave.Name(),
		poll:    int(opts.PollTimeout / time.Millisecond),
		onError: opts.OnError,
		queue:   ringbuffer.New(opts.WriteBuffer),
		kick:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}

	p.wg.Add(2)
	groutine.Go(ctx, "pty-read-loop", func(context.Context) { p.readLoop() })
	groutine.Go(ctx, "pty-write-loop", func(context.Context) { p.writeLoop() })
	return p, nil
}

func openRaw() (*os.File, *os.File, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}
	fail := func(step string, err error) (*os.File, *os.File, error) {
		_ = master.Close()
		_ = slave.Close()
		return nil, nil, fmt.Errorf("failed to set PTY %s %s: %w", slave.Name(), step, err)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return fail("to raw mode", err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return fail("master to non-blocking mode", err)
	}
	return master, slave, nil
}

// Name returns the slave device path.
func (p *Port) Name() string { return p.name }

// Link returns the symlink created by Symlink, if any.
func (p *Port) Link() string { return p.link }

// Symlink creates path pointing at the slave device. It is removed by Close.
func (p *Port) Symlink(path string) error {
	if p.link != "" {
		return fmt.Errorf("symlink already created at %s", p.link)
	}
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSymlink == 0 {
			return fmt.Errorf("%s exists and is not a symlink", path)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to replace stale symlink %s: %w", path, err)
		}
	}
	if err := os.Symlink(p.name, path); err != nil {
		return fmt.Errorf("failed to create symlink %s: %w", path, err)
	}
	p.link = path
	return nil
}

// SetReadHandler installs h, or removes the handler when h is nil. Input
// arriving without a handler is discarded.
func (p *Port) SetReadHandler(h ReadHandler) {
	if h == nil {
		p.handler.Delete("h")
		return
	}
	p.handler.Store("h", h)
}

// Write queues data for the slave. It returns how many bytes were queued,
// which is less than len(data) when the queue is full.
func (p *Port) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}
	n, err := p.queue.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		return n, err
	}
	select {
	case p.kick <- struct{}{}:
	default:
	}
	if n < len(data) {
		dropped := len(data) - n
		p.dropped.Add(uint64(dropped))
		p.logger.Warnf("PTY write queue full: dropped %d of %d bytes", dropped, len(data))
	}
	return n, nil
}

func (p *Port) Stats() Stats {
	return Stats{
		QueuedWriteBytes:  p.queue.Length(),
		DroppedWriteBytes: p.dropped.Load(),
		WrittenBytes:      p.written.Load(),
		ReadBytes:         p.read.Load(),
	}
}

func (p *Port) fail(once *sync.Once, loop string, err error) {
	p.logger.WithError(err).Warnf("PTY %s loop exiting", loop)
	if p.onError != nil {
		once.Do(func() { p.onError(fmt.Errorf("pty %s loop: %w", loop, err)) })
	}
}

func (p *Port) writeLoop() {
	defer p.wg.Done()

	master := p.master
	fds := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for p.ctx.Err() == nil {
		n, err := p.queue.TryRead(buf)
		if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
			select {
			case <-p.kick:
			case <-p.ctx.Done():
				return
			}
			continue
		}

		for off := 0; off < n && p.ctx.Err() == nil; {
			w, err := master.Write(buf[off:n])
			off += w
			p.written.Add(uint64(w))
			switch {
			case err == nil:
			case errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				_, _ = unix.Poll(fds, p.poll)
			case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF):
				return
			default:
				p.fail(&p.writeErrOnce, "write", err)
				return
			}
		}
	}
}

func (p *Port) readLoop() {
	defer p.wg.Done()

	master := p.master
	fds := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for p.ctx.Err() == nil {
		ready, err := unix.Poll(fds, p.poll)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.WithError(err).Debug("PTY read poll failed")
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := master.Read(buf)
		if n > 0 {
			p.read.Add(uint64(n))
			p.deliver(buf[:n])
		}
		switch {
		case err == nil:
		case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF), errors.Is(err, io.EOF):
			return
		default:
			p.fail(&p.readErrOnce, "read", err)
			return
		}
	}
}

func (p *Port) deliver(data []byte) {
	v, ok := p.handler.Load("h")
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("PTY read handler panicked, removing it: %v", r)
			p.handler.Delete("h")
		}
	}()
	v.(ReadHandler)(data)
}

// Close stops the loops, closes both ends and removes the symlink.
func (p *Port) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	var errs []error
	if err := p.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY master: %w", err))
	}
	if err := p.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY slave: %w", err))
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Duration(p.poll)*time.Millisecond*3 + time.Second):
		p.logger.Errorf("PTY %s loops did not exit in time", p.name)
	}

	if p.link != "" {
		if err := os.Remove(p.link); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove symlink %s: %w", p.link, err))
		}
	}
	return errors.Join(errs...)
}
