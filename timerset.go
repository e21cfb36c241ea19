package reactor

import (
	"container/heap"
	"sync"
	"time"
)

// timerEntry is one slot of the timer heap; idx tracks its current heap
// position the same way socket515-gaio's aiocb carries an idx field for its
// own timedHeap so a pending entry can be heap.Remove'd in O(log n) instead
// of scanned for.
type timerEntry struct {
	task timerTask
	idx  int
}

// timerHeap is a binary min-heap ordered by deadline — the ordered multimap
// of §3 ("deadline → task"); a heap is the natural Go shape for "insert
// anywhere, always pop the earliest", exactly how the teacher tracks
// per-connection read/write deadlines.
type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].task.deadline < h[j].task.deadline }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx, h[j].idx = i, j
}
func (h *timerHeap) Push(x interface{}) {
	e := x.(*timerEntry)
	e.idx = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.idx = -1
	*h = old[:n-1]
	return e
}

// TimerSet is the per-loop ordered multimap of deadline→task from §3/§4.1
// (C1). It is safe to Add from any goroutine; MinDelay and DrainExpired
// must only be called from the owning EventManager's loop goroutine, per
// §5's "lock-held additions from any thread, lock-held drain from the
// owning thread."
type TimerSet struct {
	mu   sync.Mutex
	heap timerHeap
}

// NewTimerSet creates an empty timer set.
func NewTimerSet() *TimerSet {
	return &TimerSet{}
}

// Add inserts a one-shot task at deadline, the equivalent of
// Timer::AddTimeTask.
func (s *TimerSet) Add(deadline TimePoint, fn func()) {
	s.addEntry(timerTask{deadline: deadline, fn: fn})
}

// AddPeriodic inserts a task that, after firing at deadline, is
// automatically reinserted every period while cont (if non-nil) returns
// true — the re-arm rule of §4.1.
func (s *TimerSet) AddPeriodic(deadline TimePoint, period time.Duration, cont func() bool, fn func()) {
	s.addEntry(timerTask{deadline: deadline, period: period, cont: cont, fn: fn})
}

func (s *TimerSet) addEntry(t timerTask) {
	s.mu.Lock()
	heap.Push(&s.heap, &timerEntry{task: t})
	s.mu.Unlock()
}

// MinDelay returns max(0, first_deadline-now) in milliseconds, or 0 if the
// set is empty — "do not block in poll" (§4.1).
func (s *TimerSet) MinDelay(now TimePoint) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return 0
	}
	d := s.heap[0].task.deadline.Sub(now).Milliseconds()
	if d < 0 {
		return 0
	}
	return int(d)
}

// Len reports how many tasks are currently pending.
func (s *TimerSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// DrainExpired removes and returns every task with deadline<=now, in
// non-decreasing deadline order, and reinserts periodic ones whose
// continuation predicate allows it. Must only be called from the owning
// loop goroutine.
func (s *TimerSet) DrainExpired(now TimePoint) []func() {
	var fired []func()
	var rearmed []*timerEntry

	s.mu.Lock()
	for len(s.heap) > 0 && !s.heap[0].task.deadline.After(now) {
		e := heap.Pop(&s.heap).(*timerEntry)
		fired = append(fired, e.task.fn)
		if next, ok := e.task.rearm(now); ok {
			e.task.deadline = next
			rearmed = append(rearmed, e)
		}
	}
	for _, e := range rearmed {
		heap.Push(&s.heap, e)
	}
	s.mu.Unlock()

	return fired
}
