package reactor

import "go.uber.org/atomic"

// BalanceStrategy selects how Balancer picks a target manager.
type BalanceStrategy int

const (
	RoundRobin BalanceStrategy = iota
	LeastLoaded
)

// Balancer is C11 (§4.10): picks a target EventManager for a new
// connection. Index 0 is reserved for the accept thread's own manager —
// original_source/src/reactor_manager.cc always seeds index 0 with the
// accept thread, and balancer.cc's round-robin cursor starts at 0 and is
// pre-incremented, which this excludes index 0 from the pick entirely when
// there's more than one manager (SPEC_FULL.md supplement #5).
type Balancer struct {
	managers []*EventManager
	strategy BalanceStrategy
	cursor   atomic.Uint64 // pre-incremented, written only from the accept thread
}

// NewBalancer wraps managers (index 0 reserved for the accept thread when
// len(managers) > 1) under the given strategy.
func NewBalancer(managers []*EventManager, strategy BalanceStrategy) *Balancer {
	return &Balancer{managers: managers, strategy: strategy}
}

// Pick returns the manager a new connection should be dispatched to.
func (b *Balancer) Pick() *EventManager {
	if len(b.managers) == 1 {
		return b.managers[0]
	}
	switch b.strategy {
	case LeastLoaded:
		return b.pickLeastLoaded()
	default:
		return b.pickRoundRobin()
	}
}

// pickRoundRobin is only ever called from the accept thread (§4.10: "the
// round-robin index is only written from the accept loop"), so the
// pre-increment needs no CAS loop — atomic.Uint64 is used purely so
// Balancer.cursor can be read from tests/diagnostics without a race.
func (b *Balancer) pickRoundRobin() *EventManager {
	n := uint64(len(b.managers) - 1)
	next := b.cursor.Inc()
	idx := 1 + (next-1)%n
	return b.managers[idx]
}

func (b *Balancer) pickLeastLoaded() *EventManager {
	best := b.managers[1]
	bestCount := best.ConnectionCount()
	for _, m := range b.managers[2:] {
		if c := m.ConnectionCount(); c < bestCount {
			best, bestCount = m, c
		}
	}
	return best
}
