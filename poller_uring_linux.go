//go:build linux

package reactor

import (
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// uringBackend drives the reactor off a single io_uring instance, the
// default on Linux. Submission is queued under a mutex (one ring is shared
// by every EventManager-owned Poller call from its own thread in normal
// operation, but Cancel can be called from elsewhere — e.g. a force_close
// racing the loop thread — so the SQE path is made safe to call from any
// goroutine, unlike the single-threaded assumption giouring itself makes
// about the CQE path).
type uringBackend struct {
	ring *giouring.Ring

	// maxPending caps the overflow queue drainPending works off of when the
	// ring's own SQE array is momentarily full; beyond it, submission fails
	// with ErrQueueFull rather than growing without bound.
	maxPending int

	mu      sync.Mutex
	pending []func(*giouring.SubmissionQueueEntry)

	// connectAddrs pins the heap-allocated raw sockaddr built for each
	// in-flight IORING_OP_CONNECT so the GC can't reclaim it while the
	// kernel still holds the raw pointer handed to PrepareConnect — a
	// uintptr carries no reference for the collector to follow. Entries
	// are dropped once the matching completion is delivered.
	connectAddrs map[uint64]interface{}

	cqeBuf []*giouring.CompletionQueueEvent
}

func newBackend(cfg Config) (backend, error) {
	ring, err := giouring.CreateRing(cfg.IOUringEntries)
	if err != nil {
		// original_source/src/poller.h falls back to a smaller ring rather
		// than failing outright when the requested entry count exceeds
		// what io_uring_setup(2) will allow.
		ring, err = giouring.CreateRing(minIOUringEntries)
		if err != nil {
			return nil, errors.Wrap(err, "reactor: io_uring_setup")
		}
	}
	return &uringBackend{
		ring:         ring,
		maxPending:   int(cfg.IOUringEntries),
		connectAddrs: make(map[uint64]interface{}),
		cqeBuf:       make([]*giouring.CompletionQueueEvent, cfg.CQEBatchLimit),
	}, nil
}

func (b *uringBackend) queue(prep func(*giouring.SubmissionQueueEntry)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sqe := b.ring.GetSQE()
	if sqe == nil {
		if len(b.pending) >= b.maxPending {
			return ErrQueueFull
		}
		b.pending = append(b.pending, prep)
		return nil
	}
	prep(sqe)
	return nil
}

func (b *uringBackend) drainPending() {
	prepared := 0
	for _, prep := range b.pending {
		sqe := b.ring.GetSQE()
		if sqe == nil {
			break
		}
		prep(sqe)
		prepared++
	}
	b.pending = b.pending[prepared:]
}

func (b *uringBackend) submitPoll(fd int, mask uint32, key uint64) error {
	return b.queue(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PreparePollAdd(fd, mask)
		sqe.UserData = key
	})
}

func (b *uringBackend) submitRead(fd int, buf []byte, key uint64) error {
	if len(buf) == 0 {
		return errors.New("reactor: submitRead with empty buffer")
	}
	return b.queue(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareRead(fd, uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), 0)
		sqe.UserData = key
	})
}

func (b *uringBackend) submitWrite(fd int, buf []byte, key uint64) error {
	if len(buf) == 0 {
		return errors.New("reactor: submitWrite with empty buffer")
	}
	return b.queue(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareSend(fd, uintptr(unsafe.Pointer(&buf[0])), uint32(len(buf)), unix.MSG_NOSIGNAL)
		sqe.UserData = key
	})
}

func (b *uringBackend) submitAccept(fd int, key uint64) error {
	return b.queue(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareMultishotAccept(fd, 0, 0, unix.SOCK_NONBLOCK)
		sqe.UserData = key
	})
}

func (b *uringBackend) submitConnect(fd int, addr Address, key uint64) error {
	sa := addr.sockaddr()
	ptr, size, pinned, err := sockaddrPointer(sa)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.connectAddrs[key] = pinned
	b.mu.Unlock()
	if err := b.queue(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareConnect(fd, ptr, size)
		sqe.UserData = key
	}); err != nil {
		b.mu.Lock()
		delete(b.connectAddrs, key)
		b.mu.Unlock()
		return err
	}
	return nil
}

func (b *uringBackend) cancel(key uint64) error {
	return b.queue(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareCancel(key, 0)
		sqe.UserData = 0
	})
}

// wait submits whatever is queued, blocks for at least one completion (up
// to timeout), and converts the batch into the backend-agnostic Completion
// slice Poller.Drain understands. time_budget_us bounds how long the batch
// loop spends converting CQEs once it has started, not the wait itself
// (§7).
func (b *uringBackend) wait(timeout time.Duration, batchLimit int, budget time.Duration) ([]Completion, error) {
	b.mu.Lock()
	if len(b.pending) > 0 {
		b.drainPending()
	}
	ts := syscall.NsecToTimespec(timeout.Nanoseconds())
	_, err := b.ring.SubmitAndWaitTimeout(1, &ts, nil)
	b.mu.Unlock()
	if err != nil && !isUringTimeout(err) {
		return nil, errors.Wrap(err, "reactor: io_uring_enter")
	}

	deadline := time.Now().Add(budget)
	var out []Completion
	for len(out) < batchLimit {
		n := b.ring.PeekBatchCQE(b.cqeBuf[:min(batchLimit-len(out), len(b.cqeBuf))])
		if n == 0 {
			break
		}
		b.mu.Lock()
		for _, cqe := range b.cqeBuf[:n] {
			c := cqeToCompletion(cqe)
			delete(b.connectAddrs, c.Key)
			out = append(out, c)
		}
		b.mu.Unlock()
		b.ring.CQAdvance(n)
		if time.Now().After(deadline) {
			break
		}
	}
	return out, nil
}

func cqeToCompletion(cqe *giouring.CompletionQueueEvent) Completion {
	c := Completion{
		Key:   cqe.UserData,
		Res:   cqe.Res,
		Flags: cqe.Flags,
		More:  cqe.Flags&giouring.CQEFMore != 0,
	}
	if cqe.Res < 0 {
		c.Err = syscall.Errno(-cqe.Res)
	}
	return c
}

func isUringTimeout(err error) bool {
	errno, ok := err.(syscall.Errno)
	return ok && (errno == syscall.ETIME || errno == syscall.EINTR || errno == syscall.EAGAIN)
}

func (b *uringBackend) close() error {
	b.ring.QueueExit()
	return nil
}

// sockaddrPointer builds a heap-allocated raw sockaddr for PrepareConnect
// and returns it alongside the typed pointer (pinned) the caller must keep
// reachable until the connect op completes.
func sockaddrPointer(sa unix.Sockaddr) (ptr uintptr, size uint64, pinned interface{}, err error) {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		rsa := &unix.RawSockaddrInet4{Family: unix.AF_INET}
		rsa.Port = htons(uint16(s.Port))
		rsa.Addr = s.Addr
		return uintptr(unsafe.Pointer(rsa)), uint64(unsafe.Sizeof(*rsa)), rsa, nil
	case *unix.SockaddrInet6:
		rsa := &unix.RawSockaddrInet6{Family: unix.AF_INET6}
		rsa.Port = htons(uint16(s.Port))
		rsa.Addr = s.Addr
		return uintptr(unsafe.Pointer(rsa)), uint64(unsafe.Sizeof(*rsa)), rsa, nil
	default:
		return 0, 0, nil, errors.New("reactor: unsupported sockaddr type for connect")
	}
}

func htons(v uint16) uint16 { return (v << 8) | (v >> 8) }

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
