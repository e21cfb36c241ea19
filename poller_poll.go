//go:build !linux

package reactor

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// regKind distinguishes the five things a poll(2)-backed registration can
// mean: a plain readiness wait for an EventHandle, or a one-shot
// accept/connect/read/write that the fallback backend performs itself the
// instant the fd is ready, since poll(2) has no async read/write/accept of
// its own the way io_uring does.
type regKind int

const (
	regPoll regKind = iota
	regAccept
	regConnect
	regRead
	regWrite
)

type pollReg struct {
	key    uint64
	fd     int
	events int16
	kind   regKind
	buf    []byte
	addr   Address
}

// pollBackend is the portable fallback named in §0: one poll(2) call per
// Poller.Drain cycle over every outstanding registration, with the actual
// I/O syscall performed inline once a fd is reported ready. It trades the
// io_uring backend's true async submission for running everywhere poll(2)
// exists, matching the core spec's "a POSIX poll fallback is allowed."
type pollBackend struct {
	mu   sync.Mutex
	regs map[uint64]*pollReg
}

func newBackend(cfg Config) (backend, error) {
	return &pollBackend{regs: make(map[uint64]*pollReg)}, nil
}

func (b *pollBackend) add(r *pollReg) {
	b.mu.Lock()
	b.regs[r.key] = r
	b.mu.Unlock()
}

func (b *pollBackend) submitPoll(fd int, mask uint32, key uint64) error {
	var events int16
	if mask&InterestRead != 0 {
		events |= unix.POLLIN | unix.POLLPRI
	}
	if mask&InterestWrite != 0 {
		events |= unix.POLLOUT
	}
	b.add(&pollReg{key: key, fd: fd, events: events, kind: regPoll})
	return nil
}

func (b *pollBackend) submitRead(fd int, buf []byte, key uint64) error {
	b.add(&pollReg{key: key, fd: fd, events: unix.POLLIN, kind: regRead, buf: buf})
	return nil
}

func (b *pollBackend) submitWrite(fd int, buf []byte, key uint64) error {
	b.add(&pollReg{key: key, fd: fd, events: unix.POLLOUT, kind: regWrite, buf: buf})
	return nil
}

func (b *pollBackend) submitAccept(fd int, key uint64) error {
	b.add(&pollReg{key: key, fd: fd, events: unix.POLLIN, kind: regAccept})
	return nil
}

func (b *pollBackend) submitConnect(fd int, addr Address, key uint64) error {
	if err := unix.Connect(fd, addr.sockaddr()); err != nil && err != unix.EINPROGRESS {
		return err
	}
	b.add(&pollReg{key: key, fd: fd, events: unix.POLLOUT, kind: regConnect, addr: addr})
	return nil
}

func (b *pollBackend) cancel(key uint64) error {
	b.mu.Lock()
	delete(b.regs, key)
	b.mu.Unlock()
	return nil
}

// wait polls every outstanding fd once, performing the inline syscall for
// accept/connect/read/write registrations and synthesizing one Completion
// per fd that was ready, up to batchLimit/budget (§7's knobs apply here
// too, even though this backend has no kernel-side batching of its own).
func (b *pollBackend) wait(timeout time.Duration, batchLimit int, budget time.Duration) ([]Completion, error) {
	b.mu.Lock()
	regs := make([]*pollReg, 0, len(b.regs))
	for _, r := range b.regs {
		regs = append(regs, r)
	}
	b.mu.Unlock()

	if len(regs) == 0 {
		time.Sleep(timeout)
		return nil, nil
	}

	fds := make([]unix.PollFd, len(regs))
	for i, r := range regs {
		fds[i] = unix.PollFd{Fd: int32(r.fd), Events: r.events}
	}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil && err != unix.EINTR {
		return nil, errors.Wrap(err, "reactor: poll(2)")
	}
	if n <= 0 {
		return nil, nil
	}

	deadline := time.Now().Add(budget)
	var out []Completion
	for i, pf := range fds {
		if pf.Revents == 0 {
			continue
		}
		if len(out) >= batchLimit || time.Now().After(deadline) {
			break
		}
		out = append(out, b.complete(regs[i], pf.Revents))
	}

	b.mu.Lock()
	for _, c := range out {
		delete(b.regs, c.Key)
	}
	b.mu.Unlock()
	return out, nil
}

func (b *pollBackend) complete(r *pollReg, revents int16) Completion {
	switch r.kind {
	case regPoll:
		return Completion{Key: r.key, Res: int32(revents)}
	case regRead:
		nr, err := unix.Read(r.fd, r.buf)
		return readWriteCompletion(r.key, nr, err)
	case regWrite:
		nw, err := unix.Write(r.fd, r.buf)
		return readWriteCompletion(r.key, nw, err)
	case regAccept:
		nfd, _, err := unix.Accept4(r.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			return Completion{Key: r.key, Res: -1, Err: err}
		}
		return Completion{Key: r.key, Res: int32(nfd)}
	case regConnect:
		errno, gerr := unix.GetsockoptInt(r.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if gerr != nil {
			return Completion{Key: r.key, Err: gerr}
		}
		if errno != 0 {
			return Completion{Key: r.key, Err: unix.Errno(errno)}
		}
		return Completion{Key: r.key}
	default:
		return Completion{Key: r.key}
	}
}

func readWriteCompletion(key uint64, n int, err error) Completion {
	if err != nil {
		return Completion{Key: key, Res: -1, Err: err}
	}
	return Completion{Key: key, Res: int32(n)}
}

func (b *pollBackend) close() error {
	b.mu.Lock()
	b.regs = nil
	b.mu.Unlock()
	return nil
}
