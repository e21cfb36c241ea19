package reactor

import (
	"go.uber.org/atomic"
)

// logSlot is one cell of the Disruptor-style ring: a monotone sequence
// counter gates access the same way SeleniaProject-Orizon's MPMCQueue cells
// do (internal/runtime/concurrency/lfqueue.go), and the exact gating
// arithmetic (diff := seq-pos) is carried over from
// original_source/src/logger.cc's Enqueue/Dequeue.
type logSlot struct {
	seq  atomic.Uint64
	data string
}

// logRing is a bounded MPSC ring buffer: any number of producer goroutines
// may Push concurrently, but only the logger's single writer goroutine may
// Pop. A full ring drops the record rather than blocking the caller (§4.2:
// "logs-on-logs are never allowed to block service threads").
type logRing struct {
	mask    uint64
	slots   []logSlot
	write   atomic.Uint64
	read    atomic.Uint64
	pending atomic.Int64

	dropped atomic.Uint64
}

// newLogRing builds a ring of the given capacity, rounded up to the next
// power of two (minimum 2).
func newLogRing(capacity int) *logRing {
	if capacity < 2 {
		capacity = 2
	}
	sz := uint64(1)
	for sz < uint64(capacity) {
		sz <<= 1
	}
	r := &logRing{mask: sz - 1, slots: make([]logSlot, sz)}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r
}

// push enqueues data; returns false (and counts a drop) if the ring is
// full. Mirrors Logger::Enqueue's CAS loop exactly.
func (r *logRing) push(data string) bool {
	pos := r.write.Load()
	for {
		slot := &r.slots[pos&r.mask]
		seq := slot.seq.Load()
		diff := int64(seq) - int64(pos)
		switch {
		case diff == 0:
			if r.write.CompareAndSwap(pos, pos+1) {
				slot.data = data
				slot.seq.Store(pos + 1)
				r.pending.Add(1)
				return true
			}
			pos = r.write.Load()
		case diff < 0:
			r.dropped.Add(1)
			return false
		default:
			pos = r.write.Load()
		}
	}
}

// pop dequeues the oldest record. Only the single writer goroutine may call
// this (it is not safe for concurrent callers). Mirrors Logger::Dequeue.
func (r *logRing) pop() (string, bool) {
	pos := r.read.Load()
	for {
		slot := &r.slots[pos&r.mask]
		seq := slot.seq.Load()
		diff := int64(seq) - int64(pos+1)
		switch {
		case diff == 0:
			if r.read.CompareAndSwap(pos, pos+1) {
				data := slot.data
				slot.data = ""
				slot.seq.Store(pos + uint64(len(r.slots)))
				r.pending.Add(-1)
				return data, true
			}
			pos = r.read.Load()
		case diff < 0:
			return "", false
		default:
			pos = r.read.Load()
		}
	}
}

// Pending returns the number of records enqueued but not yet written,
// i.e. total enqueues - total dequeues (§8's ring invariant, modulo the
// separately tracked drop count).
func (r *logRing) Pending() int64 { return r.pending.Load() }

// Dropped returns the number of records dropped because the ring was full.
func (r *logRing) Dropped() uint64 { return r.dropped.Load() }
