package reactor

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// OpType names the kind of operation an outstanding key refers to, mirroring
// the IoUringOp tag original_source/src/poller.h keeps next to every
// completion so the dispatcher knows how to interpret cqe.Res (§4.5 — C7).
type OpType int

const (
	OpPoll OpType = iota
	OpRead
	OpWrite
	OpAccept
	OpConnect
	OpTimeout
)

// Completion is what a backend hands back to Poller.Drain for one finished
// (or, for multishot ops, one more-to-come) operation.
type Completion struct {
	Key   uint64
	Type  OpType
	Res   int32
	Flags uint32
	Err   error
	More  bool // io_uring CQE_F_MORE: the op re-arms itself, key stays live
}

// opRecord is the bookkeeping the common layer keeps per outstanding key,
// independent of which backend completed it. fd/handle/buf let Drain finish
// the syscall-shaped half of an operation (e.g. copying received bytes into
// an IOBuffer) without the backend needing to know about IOBuffer at all.
type opRecord struct {
	typ     OpType
	fd      int
	handle  *EventHandle
	buf     []byte
	ctx     interface{}
	done    func(c Completion, rec *opRecord)
	inert   bool   // Cancel was called; completion should be swallowed
	selfKey uint64 // this record's own key, for self-comparison in re-arm checks
}

// backend abstracts the two ways this library drives readiness/completion:
// io_uring on Linux (poller_uring_linux.go) and poll(2) everywhere else
// (poller_poll.go). Both satisfy the same narrow surface so poller.go's
// bookkeeping — the key table, cancellation, batch/time-budget draining —
// is written exactly once (§4.5, §0 "portable fallback").
type backend interface {
	submitPoll(fd int, mask uint32, key uint64) error
	submitRead(fd int, buf []byte, key uint64) error
	submitWrite(fd int, buf []byte, key uint64) error
	submitAccept(fd int, key uint64) error
	submitConnect(fd int, addr Address, key uint64) error
	cancel(key uint64) error
	wait(timeout time.Duration, batchLimit int, budget time.Duration) ([]Completion, error)
	close() error
}

// Poller is the common C7 layer: a key allocator, an op-record table guarded
// by a mutex (original_source's ops_ map plus its lock), and a bounded,
// time-budgeted drain loop. EventManager owns exactly one Poller per thread.
type Poller struct {
	be  backend
	log *Logger

	mu      sync.Mutex
	ops     map[uint64]*opRecord
	nextKey atomic.Uint64

	batchLimit int
	timeBudget time.Duration

	// wakeHandle/wakeReadFd/wakeWriteFd implement run_soon's "wakeup the
	// poller" half (§4.6): a self-pipe registered like any other read
	// interest, so Wake (called from RunSoon) can interrupt a Drain blocked
	// on an otherwise-idle timeout without either backend needing a
	// dedicated eventfd primitive of its own.
	wakeHandle  *EventHandle
	wakeReadFd  int
	wakeWriteFd int

	closed bool
}

// NewPoller wires up the platform backend selected by newBackend (linux:
// io_uring, others: poll(2)) with the batch/time-budget tunables of
// SPEC_FULL.md's [AMBIENT] Configuration section. log may be nil; it is only
// consulted for the rare unknown-completion-key diagnostic.
func NewPoller(cfg Config, log *Logger) (*Poller, error) {
	be, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	p := &Poller{
		be:         be,
		log:        log,
		ops:        make(map[uint64]*opRecord),
		batchLimit: cfg.CQEBatchLimit,
		timeBudget: cfg.CQETimeBudget,
	}
	if err := p.initWake(); err != nil {
		_ = be.close()
		return nil, err
	}
	return p, nil
}

// initWake opens the self-pipe and gives its read end a permanent read
// interest, the same re-arming poll registration any EventHandle gets.
func (p *Poller) initWake() error {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return errors.Wrap(err, "reactor: wakeup pipe")
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return errors.Wrap(err, "reactor: wakeup pipe nonblock")
		}
	}
	p.wakeReadFd = fds[0]
	p.wakeWriteFd = fds[1]
	p.wakeHandle = newEventHandle(p.wakeReadFd, p)
	p.wakeHandle.onRead = p.drainWake
	p.wakeHandle.enableRead()
	return nil
}

func (p *Poller) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.wakeReadFd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Wake interrupts a Drain call blocked on another goroutine's EventManager,
// the poller-side half of run_soon (§4.6): RunSoon appends to the task
// queue, then calls this so the owning thread doesn't wait out its current
// timer-bounded timeout before noticing.
func (p *Poller) Wake() {
	if p.wakeHandle == nil {
		return
	}
	_, err := unix.Write(p.wakeWriteFd, []byte{1})
	if err != nil && err != unix.EAGAIN {
		_ = err // best-effort: a full pipe still has a byte pending for the reader
	}
}

func (p *Poller) allocKey() uint64 { return p.nextKey.Inc() }

func (p *Poller) register(rec *opRecord) uint64 {
	key := p.allocKey()
	p.mu.Lock()
	p.ops[key] = rec
	p.mu.Unlock()
	return key
}

// modify is the notify-poller hook EventHandle.setInterest calls on every
// interest-mask change (§4.4). It cancels any previous poll registration for
// this handle and, if the new mask is non-empty, submits a fresh one.
func (p *Poller) modify(h *EventHandle) {
	if p.closed {
		return
	}
	if h.pollKey != 0 {
		_ = p.Cancel(h.pollKey)
		h.pollKey = 0
	}
	mask := h.Interest()
	if mask == InterestNone {
		return
	}
	rec := &opRecord{typ: OpPoll, fd: h.fd, handle: h, done: func(c Completion, r *opRecord) {
		if r.inert {
			return
		}
		h.setReceived(uint32(c.Res))
		h.dispatch()
		// Both backends' poll registrations are one-shot (plain
		// IORING_OP_POLL_ADD on Linux, a single poll(2) cycle on the
		// fallback); re-arm here unless the handle moved to no interest
		// (or was torn down) while its callback ran.
		if h.pollKey == r.selfKey && h.Interest() != InterestNone {
			h.pollKey = 0
			p.modify(h)
		}
	}}
	key := p.register(rec)
	rec.selfKey = key
	h.pollKey = key
	if err := p.be.submitPoll(h.fd, mask, key); err != nil {
		p.mu.Lock()
		delete(p.ops, key)
		p.mu.Unlock()
	}
}

// Add registers h for readiness notification the first time it joins a
// manager; it is just modify under another name, kept separate because
// EventManager.InsertConnection and setInterest are conceptually distinct
// call sites (§4.8).
func (p *Poller) Add(h *EventHandle) { p.modify(h) }

// Remove cancels h's outstanding poll registration, if any, without
// submitting a replacement.
func (p *Poller) Remove(h *EventHandle) {
	if h.pollKey != 0 {
		_ = p.Cancel(h.pollKey)
		h.pollKey = 0
	}
}

// SubmitRead issues one read of fd into buf, calling done with the byte
// count (or error) when it completes (§4.3, §4.5's completion-based
// path). Connection-level I/O does not use this — it stays on the
// one-shot poll-then-ScatterRead path — so this exists for callers that
// want a single completion-based read without a full EventHandle.
func (p *Poller) SubmitRead(fd int, buf []byte, done func(n int, err error)) uint64 {
	if p.closed {
		done(0, ErrPollerClosed)
		return 0
	}
	rec := &opRecord{typ: OpRead, fd: fd, buf: buf, done: func(c Completion, r *opRecord) {
		if r.inert {
			return
		}
		done(int(c.Res), c.Err)
	}}
	key := p.register(rec)
	if err := p.be.submitRead(fd, buf, key); err != nil {
		p.mu.Lock()
		delete(p.ops, key)
		p.mu.Unlock()
		done(0, err)
	}
	return key
}

// SubmitWrite issues one write of buf to fd.
func (p *Poller) SubmitWrite(fd int, buf []byte, done func(n int, err error)) uint64 {
	if p.closed {
		done(0, ErrPollerClosed)
		return 0
	}
	rec := &opRecord{typ: OpWrite, fd: fd, buf: buf, done: func(c Completion, r *opRecord) {
		if r.inert {
			return
		}
		done(int(c.Res), c.Err)
	}}
	key := p.register(rec)
	if err := p.be.submitWrite(fd, buf, key); err != nil {
		p.mu.Lock()
		delete(p.ops, key)
		p.mu.Unlock()
		done(0, err)
	}
	return key
}

// SubmitAccept issues a (multishot where the backend supports it) accept on
// the listening fd. done is invoked once per accepted connection; for a
// multishot completion the record is kept alive (More==true) instead of
// being freed (§4.8's "multishot accept" supplement).
func (p *Poller) SubmitAccept(fd int, done func(newFd int, err error, more bool)) uint64 {
	if p.closed {
		done(-1, ErrPollerClosed, false)
		return 0
	}
	rec := &opRecord{typ: OpAccept, fd: fd}
	rec.done = func(c Completion, r *opRecord) {
		if r.inert {
			return
		}
		if c.Err != nil {
			done(-1, c.Err, c.More)
			return
		}
		done(int(c.Res), nil, c.More)
	}
	key := p.register(rec)
	if err := p.be.submitAccept(fd, key); err != nil {
		p.mu.Lock()
		delete(p.ops, key)
		p.mu.Unlock()
		done(-1, err, false)
	}
	return key
}

// SubmitConnect issues a non-blocking connect(2) to addr on fd.
func (p *Poller) SubmitConnect(fd int, addr Address, done func(err error)) uint64 {
	if p.closed {
		done(ErrPollerClosed)
		return 0
	}
	rec := &opRecord{typ: OpConnect, fd: fd, done: func(c Completion, r *opRecord) {
		if r.inert {
			return
		}
		done(c.Err)
	}}
	key := p.register(rec)
	if err := p.be.submitConnect(fd, addr, key); err != nil {
		p.mu.Lock()
		delete(p.ops, key)
		p.mu.Unlock()
		done(err)
	}
	return key
}

// Cancel marks key inert and asks the backend to cancel it. The record is
// not freed here: a cancellation can race a completion already in the
// kernel's CQ, and freeing early would let a reused key collide with it
// (original_source/src/poller.h's "free only on completion" rule).
func (p *Poller) Cancel(key uint64) error {
	p.mu.Lock()
	rec, ok := p.ops[key]
	if ok {
		rec.inert = true
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return p.be.cancel(key)
}

// Drain waits up to timeout for completions, dispatches up to batchLimit of
// them (each op's done callback runs inline, on the calling goroutine — the
// owning EventManager thread), and returns how many were processed. It is
// the direct analogue of watcher.WaitIO+switchResults in the teacher, but
// keyed by uint64 instead of by net.Conn (§4.5, §7's batch_limit/time_budget
// knobs).
func (p *Poller) Drain(timeout time.Duration) (int, error) {
	completions, err := p.be.wait(timeout, p.batchLimit, p.timeBudget)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range completions {
		p.mu.Lock()
		rec, ok := p.ops[c.Key]
		if ok && !c.More {
			delete(p.ops, c.Key)
		}
		p.mu.Unlock()
		if !ok {
			// A cancelled multishot op can still deliver a completion from
			// the kernel after its record was already freed, and cancel
			// requests themselves complete with key 0 (never allocated);
			// both are expected and not logged, but anything else reaching
			// here means a key was dropped somewhere it shouldn't have been.
			if !c.More && c.Key != 0 && p.log != nil {
				p.log.Warnf("%v: %d", ErrUnknownKey, c.Key)
			}
			continue
		}
		if rec.done != nil {
			rec.done(c, rec)
		}
		n++
	}
	return n, nil
}

// Close releases the backend. Outstanding ops are left for the kernel (or
// the poll backend's map) to discard; EventManager is expected to have
// already torn down every Connection before calling this.
func (p *Poller) Close() error {
	p.closed = true
	if p.wakeHandle != nil {
		p.Remove(p.wakeHandle)
		_ = unix.Close(p.wakeReadFd)
		_ = unix.Close(p.wakeWriteFd)
	}
	return p.be.close()
}
