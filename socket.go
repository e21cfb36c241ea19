package reactor

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Socket owns one socket file descriptor (§3, §4.4 — C4). Closing is
// idempotent; SO_*/TCP_NODELAY/keep-alive setters log a warning on failure
// and otherwise continue rather than propagating the error, matching
// Socketer's fire-and-forget option setters.
type Socket struct {
	fd     int
	once   sync.Once
	closed bool
	log    *Logger
}

// newStreamSocket opens a non-blocking, close-on-exec TCP stream socket of
// the given family, the Go equivalent of socket(2) with SOCK_NONBLOCK|
// SOCK_CLOEXEC set atomically (§4.4).
func newStreamSocket(family int, log *Logger) (*Socket, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, wrapf(err, "reactor: socket(2)")
	}
	return &Socket{fd: fd, log: log}, nil
}

// wrapSocket adopts an already-open, already-nonblocking fd (e.g. one
// returned by accept4(2)) without creating a new one.
func wrapSocket(fd int, log *Logger) *Socket {
	return &Socket{fd: fd, log: log}
}

// Fd returns the underlying file descriptor.
func (s *Socket) Fd() int { return s.fd }

// Close is idempotent.
func (s *Socket) Close() error {
	var err error
	s.once.Do(func() {
		s.closed = true
		err = unix.Close(s.fd)
	})
	return err
}

func (s *Socket) warn(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Warnf(format, args...)
	}
}

// SetReuseAddr sets SO_REUSEADDR.
func (s *Socket) SetReuseAddr(on bool) {
	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolToInt(on)); err != nil {
		s.warn("SO_REUSEADDR on fd %d failed: %v", s.fd, err)
	}
}

// SetReusePort sets SO_REUSEPORT directly via setsockopt(2), the same
// primitive go_reuseport wraps — see SPEC_FULL.md for why this module
// calls it directly instead of depending on that package.
func (s *Socket) SetReusePort(on bool) {
	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, boolToInt(on)); err != nil {
		s.warn("SO_REUSEPORT on fd %d failed: %v", s.fd, err)
	}
}

// SetTCPNoDelay sets/clears TCP_NODELAY.
func (s *Socket) SetTCPNoDelay(on bool) {
	if err := unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolToInt(on)); err != nil {
		s.warn("TCP_NODELAY on fd %d failed: %v", s.fd, err)
	}
}

// SetKeepAlive enables/disables SO_KEEPALIVE.
func (s *Socket) SetKeepAlive(on bool) {
	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolToInt(on)); err != nil {
		s.warn("SO_KEEPALIVE on fd %d failed: %v", s.fd, err)
	}
}

// BindAddress binds the socket to addr.
func (s *Socket) BindAddress(addr Address) error {
	return wrapf(unix.Bind(s.fd, addr.sockaddr()), "reactor: bind(2) %s", addr)
}

// Listen starts listening with a large backlog (§4.8).
func (s *Socket) Listen(backlog int) error {
	return wrapf(unix.Listen(s.fd, backlog), "reactor: listen(2)")
}

// Accept accepts one pending connection, returning the new fd (already
// non-blocking/close-on-exec) and the peer address.
func (s *Socket) Accept() (int, Address, error) {
	nfd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, Address{}, err
	}
	return nfd, addressFromSockaddr(sa), nil
}

// ShutdownWrite shuts down the write half only (half-close, §4.7).
func (s *Socket) ShutdownWrite() error {
	return unix.Shutdown(s.fd, unix.SHUT_WR)
}

// LocalAddr reads back the locally bound address via getsockname(2).
func (s *Socket) LocalAddr() (Address, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return Address{}, err
	}
	return addressFromSockaddr(sa), nil
}

// PeerAddr reads the connected peer's address via getpeername(2).
func (s *Socket) PeerAddr() (Address, error) {
	sa, err := unix.Getpeername(s.fd)
	if err != nil {
		return Address{}, err
	}
	return addressFromSockaddr(sa), nil
}

// SocketError reads and clears SO_ERROR, which tells whether a
// non-blocking connect(2) actually succeeded (§4.9). Connector does not
// call it: it takes the connect result from the SubmitConnect completion.
func (s *Socket) SocketError() error {
	errno, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
