package reactor

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcceptorOnAcceptInvokesCallbackWithPeerAddr(t *testing.T) {
	addr := NewAddress(0, true, false)
	a, err := NewAcceptor(addr, false, noopPoller(), nil)
	require.NoError(t, err)
	defer a.listener.Close()

	bound, err := a.listener.LocalAddr()
	require.NoError(t, err)

	var accepted []Address
	a.SetNewConnectionCallback(func(fd int, peer Address) {
		accepted = append(accepted, peer)
		_ = wrapSocket(fd, nil).Close()
	})

	conn, err := net.DialTimeout("tcp", bound.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	// Drive the real accept4(2) the way the poller's completion callback
	// would, then feed the fd through onAccept directly — this exercises
	// the peer-address lookup and callback dispatch without depending on a
	// live io_uring/poll(2) completion facility.
	require.Eventually(t, func() bool {
		fd, _, acceptErr := a.listener.Accept()
		if acceptErr != nil {
			return false
		}
		a.onAccept(fd, nil, false)
		return len(accepted) == 1
	}, time.Second, time.Millisecond)

	require.NotEqual(t, uint64(0), a.acceptKey)
}

func TestAcceptorDrainOneWithIdleFd(t *testing.T) {
	addr := NewAddress(0, true, false)
	a, err := NewAcceptor(addr, false, nil, nil)
	require.NoError(t, err)
	defer a.listener.Close()
	require.GreaterOrEqual(t, a.idleFd, 0)

	bound, err := a.listener.LocalAddr()
	require.NoError(t, err)
	conn, err := net.DialTimeout("tcp", bound.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		a.drainOneWithIdleFd()
		return a.idleFd >= 0
	}, time.Second, time.Millisecond)
}
