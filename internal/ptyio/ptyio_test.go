package ptyio

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPort(t *testing.T, opts Options) *Port {
	t.Helper()
	p, err := Open(opts)
	if err != nil {
		t.Skipf("PTY not available: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func openSlave(t *testing.T, p *Port) *os.File {
	t.Helper()
	f, err := os.OpenFile(p.Name(), os.O_RDWR, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestWriteReachesSlave(t *testing.T) {
	p := openPort(t, Options{})
	slave := openSlave(t, p)

	n, err := p.Write([]byte("hello\n"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	require.NoError(t, slave.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 16)
	got := 0
	for got < 6 {
		m, err := slave.Read(buf[got:])
		require.NoError(t, err)
		got += m
	}
	assert.Equal(t, "hello\n", string(buf[:got]))
	assert.Eventually(t, func() bool { return p.Stats().WrittenBytes == 6 }, time.Second, 5*time.Millisecond)
}

func TestSlaveInputReachesHandler(t *testing.T) {
	p := openPort(t, Options{PollTimeout: 10 * time.Millisecond})
	slave := openSlave(t, p)

	got := make(chan []byte, 8)
	p.SetReadHandler(func(b []byte) { got <- append([]byte(nil), b...) })

	_, err := slave.Write([]byte("AT\r"))
	require.NoError(t, err)

	var data []byte
	deadline := time.After(2 * time.Second)
	for len(data) < 3 {
		select {
		case b := <-got:
			data = append(data, b...)
		case <-deadline:
			t.Fatalf("handler MUST receive slave input, got %q", data)
		}
	}
	assert.Equal(t, "AT\r", string(data))
}

func TestWriteOverflowIsCounted(t *testing.T) {
	p := openPort(t, Options{WriteBuffer: 8})
	// No reader on the slave: the loop may flush some bytes into the kernel
	// buffer, but a single oversized write can never be queued entirely.
	n, err := p.Write(make([]byte, 64))
	require.NoError(t, err)
	assert.Less(t, n, 64)
	assert.Equal(t, uint64(64-n), p.Stats().DroppedWriteBytes)
}

func TestSymlinkRemovedOnClose(t *testing.T) {
	p := openPort(t, Options{})
	link := filepath.Join(t.TempDir(), "ttyBLE")

	require.NoError(t, p.Symlink(link))
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, p.Name(), target)
	assert.Error(t, p.Symlink(link), "a second symlink MUST be refused")

	require.NoError(t, p.Close())
	_, err = os.Lstat(link)
	assert.True(t, os.IsNotExist(err), "Close MUST remove the symlink")

	_, err = p.Write([]byte("x"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestSymlinkRefusesRegularFile(t *testing.T) {
	p := openPort(t, Options{})
	path := filepath.Join(t.TempDir(), "taken")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	assert.Error(t, p.Symlink(path))
}
