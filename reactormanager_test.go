package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// noopBackend satisfies the backend interface with no-ops, standing in for
// a real io_uring/poll(2) backend in tests that exercise EventManager/
// Connection wiring (InsertConnection, OnEstablish, ForceClose) without
// driving an actual kernel completion facility.
type noopBackend struct{}

func (noopBackend) submitPoll(fd int, mask uint32, key uint64) error    { return nil }
func (noopBackend) submitRead(fd int, buf []byte, key uint64) error     { return nil }
func (noopBackend) submitWrite(fd int, buf []byte, key uint64) error    { return nil }
func (noopBackend) submitAccept(fd int, key uint64) error               { return nil }
func (noopBackend) submitConnect(fd int, addr Address, key uint64) error { return nil }
func (noopBackend) cancel(key uint64) error                             { return nil }
func (noopBackend) wait(timeout time.Duration, batchLimit int, budget time.Duration) ([]Completion, error) {
	return nil, nil
}
func (noopBackend) close() error { return nil }

func noopPoller() *Poller {
	return &Poller{be: noopBackend{}, ops: make(map[uint64]*opRecord)}
}

// stubServer builds a Server around test EventManagers wired to a
// noopBackend Poller, enough to exercise onAccepted's wiring/balancer-pick
// logic and Connection's own I/O (via real socketpair fds) without
// standing up a real io_uring or poll(2) backend.
func stubServer(n int) *Server {
	managers := make([]*EventManager, n)
	for i := range managers {
		m := newTestManager()
		m.id = i
		m.poller = noopPoller()
		m.timers = NewTimerSet()
		managers[i] = m
	}
	return &Server{
		managers: managers,
		balancer: NewBalancer(managers, RoundRobin),
		log:      nil,
	}
}

func TestServerOnAcceptedWiresCallbacksAndEstablishes(t *testing.T) {
	s := stubServer(1)

	a, b := connectedPair(t)
	defer b.Close()

	var connected bool
	var delivered string
	s.SetConnectCallback(func(c *Connection, ok bool) { connected = ok })
	s.SetMessageCallback(func(c *Connection, in *IOBuffer, now TimePoint) {
		delivered = string(in.RetrieveAll())
	})

	s.onAccepted(a.Fd(), Address{})
	s.managers[0].drainTasks()

	require.True(t, connected)
	require.Len(t, s.managers[0].connections, 1)

	c := s.managers[0].connections[a.Fd()]
	require.Equal(t, StateConnected, c.State())

	_, err := unix.Write(b.Fd(), []byte("hi"))
	require.NoError(t, err)
	c.handleReadable()
	require.Equal(t, "hi", delivered)
}

func TestServerOnAcceptedPicksAcrossManagers(t *testing.T) {
	s := stubServer(3)

	var pairs [][2]*Socket
	for i := 0; i < 4; i++ {
		a, b := connectedPair(t)
		pairs = append(pairs, [2]*Socket{a, b})
		s.onAccepted(a.Fd(), Address{})
	}
	defer func() {
		for _, p := range pairs {
			p[1].Close()
		}
	}()

	for _, m := range s.managers {
		m.drainTasks()
	}

	total := 0
	for i, m := range s.managers {
		if i == 0 {
			require.Empty(t, m.connections, "index 0 is reserved by round robin")
		}
		total += len(m.connections)
	}
	require.Equal(t, 4, total)
}

func stubClient() *Client {
	m := newTestManager()
	m.poller = noopPoller()
	m.timers = NewTimerSet()
	return &Client{manager: m}
}

func TestClientOnConnectedStoresActiveConnection(t *testing.T) {
	cl := stubClient()

	a, b := connectedPair(t)
	defer b.Close()

	var connected bool
	cl.SetConnectCallback(func(c *Connection, ok bool) { connected = ok })

	cl.onConnected(a.Fd(), Address{}, Address{})
	cl.manager.drainTasks()

	require.True(t, connected)
	require.NotNil(t, cl.active)
	require.Equal(t, a.Fd(), cl.active.Fd())
}

func TestClientStopForceClosesActiveConnection(t *testing.T) {
	cl := stubClient()

	a, b := connectedPair(t)
	defer b.Close()

	cl.onConnected(a.Fd(), Address{}, Address{})
	cl.manager.drainTasks()
	require.NotNil(t, cl.active)

	closed := false
	cl.active.RegisterCloseCallback(func(*Connection) { closed = true })

	cl.connector = &Connector{}
	cl.Stop()
	cl.manager.drainTasks()

	require.True(t, closed)
	require.Nil(t, cl.active)
}
