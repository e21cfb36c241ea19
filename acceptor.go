package reactor

import (
	"golang.org/x/sys/unix"
)

// Acceptor is C9 (§4.8): binds and listens one socket, then hands each
// accepted fd to newConnection. It keeps one pre-opened /dev/null fd in
// reserve so an EMFILE can be turned into "drop the oldest pending
// connection and try again" instead of spinning on a readiness event that
// can never be satisfied (SPEC_FULL.md supplement #1, grounded on
// original_source/src/acceptor.cc).
type Acceptor struct {
	listener *Socket
	poller   *Poller
	log      *Logger

	idleFd    int
	acceptKey uint64

	newConnection func(fd int, peer Address)
}

// NewAcceptor binds addr and starts listening with a large backlog.
// reusePort controls SO_REUSEPORT; SO_REUSEADDR is always set (§4.8).
func NewAcceptor(addr Address, reusePort bool, p *Poller, log *Logger) (*Acceptor, error) {
	sock, err := newStreamSocket(addr.Family(), log)
	if err != nil {
		return nil, wrapf(err, "reactor: acceptor socket")
	}
	sock.SetReuseAddr(true)
	if reusePort {
		sock.SetReusePort(true)
	}
	if err := sock.BindAddress(addr); err != nil {
		_ = sock.Close()
		return nil, wrapf(err, "reactor: acceptor bind %s", addr)
	}
	const backlog = 4096
	if err := sock.Listen(backlog); err != nil {
		_ = sock.Close()
		return nil, wrapf(err, "reactor: acceptor listen")
	}

	idleFd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		idleFd = -1
	}

	a := &Acceptor{listener: sock, poller: p, log: log, idleFd: idleFd}
	return a, nil
}

// SetNewConnectionCallback installs the handler invoked once per accepted
// connection.
func (a *Acceptor) SetNewConnectionCallback(fn func(fd int, peer Address)) {
	a.newConnection = fn
}

// Start submits the listening socket's (multishot, where the backend
// supports it) accept op (§4.5's completion-based accept path, C7).
func (a *Acceptor) Start() {
	a.submitAccept()
}

func (a *Acceptor) submitAccept() {
	a.acceptKey = a.poller.SubmitAccept(a.listener.Fd(), a.onAccept)
}

// onAccept is the Poller.SubmitAccept completion callback. On the io_uring
// backend a single submission keeps delivering one completion per accepted
// connection (more==true) until it errors or is cancelled; the poll(2)
// fallback completes once per readiness event, so this re-submits after
// every completion that didn't set more, emulating the same multishot
// behavior on top of a backend that has no multishot primitive of its own.
func (a *Acceptor) onAccept(fd int, err error, more bool) {
	defer func() {
		if !more {
			a.submitAccept()
		}
	}()

	if err != nil {
		if err == unix.EMFILE || err == unix.ENFILE {
			a.drainOneWithIdleFd()
			return
		}
		if isTransient(err) {
			return
		}
		if a.log != nil {
			a.log.Warnf("accept4(2) failed: %v", err)
		}
		return
	}

	sock := wrapSocket(fd, a.log)
	peer, perr := sock.PeerAddr()
	if perr != nil {
		_ = sock.Close()
		return
	}
	if a.newConnection != nil {
		a.newConnection(fd, peer)
	}
}

// Close cancels the outstanding accept op and releases the idle fd and the
// listening socket.
func (a *Acceptor) Close() error {
	if a.idleFd >= 0 {
		_ = unix.Close(a.idleFd)
	}
	if a.acceptKey != 0 {
		_ = a.poller.Cancel(a.acceptKey)
	}
	return a.listener.Close()
}

// drainOneWithIdleFd implements the idle-fd EMFILE trick: close the spare
// fd to free one slot, accept the pending connection purely to drain it,
// close it immediately, then reopen the idle slot (SPEC_FULL.md
// supplement #1).
func (a *Acceptor) drainOneWithIdleFd() {
	if a.idleFd >= 0 {
		_ = unix.Close(a.idleFd)
		a.idleFd = -1
	}
	if fd, _, err := a.listener.Accept(); err == nil {
		_ = unix.Close(fd)
	}
	if fd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0); err == nil {
		a.idleFd = fd
	}
	if a.log != nil {
		a.log.Warnf("EMFILE on accept(2): dropped one pending connection via idle-fd trick")
	}
}
