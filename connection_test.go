package reactor

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newTestManager builds a stub EventManager with no live Poller, sufficient
// for exercising Connection logic that never calls enableRead/enableWrite
// through a real backend (EventHandle.setInterest no-ops when poller is
// nil, and doClose's bookkeeping only needs the maps below).
func newTestManager() *EventManager {
	return &EventManager{
		connections: make(map[int]*Connection),
		pendingDone: make(map[int]struct{}),
	}
}

// connectedPair returns two loopback-connected, non-blocking stream
// sockets via socketpair(2), avoiding any dependency on a live poller
// backend for tests that only need two fds that can Send/Recv.
func connectedPair(t *testing.T) (*Socket, *Socket) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	return wrapSocket(fds[0], nil), wrapSocket(fds[1], nil)
}

func TestConnectionSendInlineFastPath(t *testing.T) {
	a, b := connectedPair(t)
	defer b.Close()

	m := newTestManager()
	c := newConnection(m, a, Address{}, Address{})

	var got []byte
	c.RegisterMessageCallback(func(_ *Connection, in *IOBuffer, _ TimePoint) {
		got = in.RetrieveAll()
	})

	c.Send([]byte("hello taotu\n"))

	buf := make([]byte, 64)
	n, err := unix.Read(b.Fd(), buf)
	require.NoError(t, err)
	require.Equal(t, "hello taotu\n", string(buf[:n]))
	require.Nil(t, got) // nothing read back on this end in this test
}

func TestConnectionHandleReadableDeliversMessage(t *testing.T) {
	a, b := connectedPair(t)
	defer b.Close()

	m := newTestManager()
	c := newConnection(m, a, Address{}, Address{})

	var delivered string
	c.RegisterMessageCallback(func(conn *Connection, in *IOBuffer, _ TimePoint) {
		delivered = string(in.RetrieveAll())
	})

	_, err := unix.Write(b.Fd(), []byte("ping"))
	require.NoError(t, err)

	c.handleReadable()
	require.Equal(t, "ping", delivered)
}

func TestConnectionForceCloseIsIdempotent(t *testing.T) {
	a, b := connectedPair(t)
	defer b.Close()

	m := newTestManager()
	c := newConnection(m, a, Address{}, Address{})
	c.setState(StateConnected)

	closes := 0
	c.RegisterCloseCallback(func(*Connection) { closes++ })

	c.ForceClose()
	c.ForceClose()

	require.Equal(t, 1, closes)
	require.Equal(t, StateDisconnected, c.State())
	require.Contains(t, m.pendingDone, a.Fd())
}

func TestConnectionPeerCloseTriggersDoClose(t *testing.T) {
	a, b := connectedPair(t)

	m := newTestManager()
	c := newConnection(m, a, Address{}, Address{})
	c.setState(StateConnected)

	closed := false
	c.RegisterCloseCallback(func(*Connection) { closed = true })

	require.NoError(t, b.Close())
	c.handleReadable()
	require.True(t, closed)
	require.Equal(t, StateDisconnected, c.State())
}
