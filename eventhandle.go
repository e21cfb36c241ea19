package reactor

import (
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// Interest bits, matching POLLIN|POLLPRI/POLLOUT from §4.4.
const (
	InterestNone  uint32 = 0
	InterestRead  uint32 = unix.POLLIN | unix.POLLPRI
	InterestWrite uint32 = unix.POLLOUT
)

// EventHandle is the per-fd record of §3/§4.4 (C5): an interest mask, the
// mask reported by the most recent completion, and the callback slots a
// Connection wires up. All mutation happens on the owning EventManager's
// goroutine; inCallback guards against a callback re-entering dispatch on
// the same handle while its own dispatch is in flight.
type EventHandle struct {
	fd int

	interest atomic.Uint32
	received atomic.Uint32

	inCallback bool
	pollKey    uint64

	onRead  func()
	onWrite func()
	onClose func()
	onError func()

	poller *Poller
}

func newEventHandle(fd int, p *Poller) *EventHandle {
	return &EventHandle{fd: fd, poller: p}
}

func (h *EventHandle) setReceived(mask uint32) { h.received.Store(mask) }
func (h *EventHandle) Received() uint32        { return h.received.Load() }
func (h *EventHandle) Interest() uint32        { return h.interest.Load() }

// enableRead/disableRead/enableWrite/disableWrite/disableAll mutate the
// interest mask and notify the poller before returning, satisfying §4.4's
// "poller is notified before the next submission for this fd."
func (h *EventHandle) enableRead() {
	h.setInterest(h.interest.Load() | InterestRead)
}
func (h *EventHandle) disableRead() {
	h.setInterest(h.interest.Load() &^ InterestRead)
}
func (h *EventHandle) enableWrite() {
	h.setInterest(h.interest.Load() | InterestWrite)
}
func (h *EventHandle) disableWrite() {
	h.setInterest(h.interest.Load() &^ InterestWrite)
}
func (h *EventHandle) disableAll() {
	h.setInterest(InterestNone)
}

func (h *EventHandle) isWriting() bool { return h.interest.Load()&InterestWrite != 0 }
func (h *EventHandle) isReading() bool { return h.interest.Load()&InterestRead != 0 }

func (h *EventHandle) setInterest(mask uint32) {
	h.interest.Store(mask)
	if h.poller != nil {
		h.poller.modify(h)
	}
}

// dispatch invokes the configured callback for whichever bits the poller
// reported, in the priority order the core spec names for C8 step 3:
// close > read > write, with error signalled through any of the three
// (§4.6).
func (h *EventHandle) dispatch() {
	if h.inCallback {
		return
	}
	h.inCallback = true
	defer func() { h.inCallback = false }()

	mask := h.received.Load()
	switch {
	case mask&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 && h.onClose != nil:
		h.onClose()
	case mask&InterestRead != 0 && h.onRead != nil:
		h.onRead()
	case mask&InterestWrite != 0 && h.onWrite != nil:
		h.onWrite()
	case mask&(unix.POLLERR|unix.POLLNVAL) != 0 && h.onError != nil:
		h.onError()
	}
}
