package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPollerSubmitReadDeliversBytes(t *testing.T) {
	p, err := NewPoller(DefaultConfig(), nil)
	require.NoError(t, err)
	defer p.Close()

	a, b := connectedPair(t)
	defer a.Close()
	defer b.Close()

	_, werr := unix.Write(b.Fd(), []byte("hello"))
	require.NoError(t, werr)

	buf := make([]byte, 16)
	var gotN int
	var gotErr error
	done := make(chan struct{})
	p.SubmitRead(a.Fd(), buf, func(n int, err error) {
		gotN, gotErr = n, err
		close(done)
	})

	require.Eventually(t, func() bool {
		_, _ = p.Drain(50 * time.Millisecond)
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	require.NoError(t, gotErr)
	require.Equal(t, "hello", string(buf[:gotN]))
}

func TestPollerSubmitWriteSendsBytes(t *testing.T) {
	p, err := NewPoller(DefaultConfig(), nil)
	require.NoError(t, err)
	defer p.Close()

	a, b := connectedPair(t)
	defer a.Close()
	defer b.Close()

	done := make(chan struct{})
	var gotN int
	var gotErr error
	p.SubmitWrite(a.Fd(), []byte("world"), func(n int, err error) {
		gotN, gotErr = n, err
		close(done)
	})

	require.Eventually(t, func() bool {
		_, _ = p.Drain(50 * time.Millisecond)
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	require.NoError(t, gotErr)
	require.Equal(t, 5, gotN)

	rbuf := make([]byte, 16)
	n, rerr := unix.Read(b.Fd(), rbuf)
	require.NoError(t, rerr)
	require.Equal(t, "world", string(rbuf[:n]))
}

func TestPollerSubmitAcceptAndConnectRoundTrip(t *testing.T) {
	p, err := NewPoller(DefaultConfig(), nil)
	require.NoError(t, err)
	defer p.Close()

	listener, err := newStreamSocket(unix.AF_INET, nil)
	require.NoError(t, err)
	defer listener.Close()
	listener.SetReuseAddr(true)
	require.NoError(t, listener.BindAddress(NewAddress(0, true, false)))
	require.NoError(t, listener.Listen(16))
	bound, err := listener.LocalAddr()
	require.NoError(t, err)

	acceptedFd := make(chan int, 1)
	p.SubmitAccept(listener.Fd(), func(newFd int, err error, more bool) {
		if err == nil {
			acceptedFd <- newFd
		}
	})

	client, err := newStreamSocket(unix.AF_INET, nil)
	require.NoError(t, err)
	defer client.Close()

	connectDone := make(chan error, 1)
	p.SubmitConnect(client.Fd(), bound, func(err error) {
		connectDone <- err
	})

	require.Eventually(t, func() bool {
		_, _ = p.Drain(50 * time.Millisecond)
		select {
		case cerr := <-connectDone:
			require.NoError(t, cerr)
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		_, _ = p.Drain(50 * time.Millisecond)
		select {
		case fd := <-acceptedFd:
			require.GreaterOrEqual(t, fd, 0)
			_ = unix.Close(fd)
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestPollerSubmitAfterCloseReturnsErrPollerClosed(t *testing.T) {
	p, err := NewPoller(DefaultConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	var gotErr error
	key := p.SubmitRead(0, make([]byte, 1), func(n int, err error) { gotErr = err })
	require.Equal(t, uint64(0), key)
	require.ErrorIs(t, gotErr, ErrPollerClosed)
}

func TestPollerWakeUnblocksDrain(t *testing.T) {
	p, err := NewPoller(DefaultConfig(), nil)
	require.NoError(t, err)
	defer p.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Wake()
	}()

	start := time.Now()
	_, derr := p.Drain(5 * time.Second)
	require.NoError(t, derr)
	require.Less(t, time.Since(start), 2*time.Second)
}
