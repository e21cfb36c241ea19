package reactor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// managerStubs returns n zero-value EventManagers — enough to exercise
// Balancer without touching a real Poller, since Pick only reads
// ConnectionCount (an atomic field) and indexes the slice.
func managerStubs(n int) []*EventManager {
	out := make([]*EventManager, n)
	for i := range out {
		out[i] = &EventManager{id: i}
	}
	return out
}

func TestBalancerSingleManagerAlwaysPicked(t *testing.T) {
	ms := managerStubs(1)
	b := NewBalancer(ms, RoundRobin)
	for i := 0; i < 5; i++ {
		require.Same(t, ms[0], b.Pick())
	}
}

func TestBalancerRoundRobinFairness(t *testing.T) {
	const managers = 4
	const conns = 17 // not evenly divisible by managers

	ms := managerStubs(managers)
	b := NewBalancer(ms, RoundRobin)

	counts := make(map[*EventManager]int)
	for i := 0; i < conns; i++ {
		counts[b.Pick()]++
	}

	require.Zero(t, counts[ms[0]], "index 0 is reserved for the accept thread")

	floor := conns / (managers - 1)
	ceil := (conns + managers - 2) / (managers - 1)
	for _, m := range ms[1:] {
		c := counts[m]
		require.True(t, c == floor || c == ceil, "manager %d got %d, want %d or %d", m.id, c, floor, ceil)
	}
}

func TestBalancerLeastLoaded(t *testing.T) {
	ms := managerStubs(3)
	ms[1].connCount.Store(5)
	ms[2].connCount.Store(1)

	b := NewBalancer(ms, LeastLoaded)
	require.Same(t, ms[2], b.Pick())

	ms[2].connCount.Store(9)
	require.Same(t, ms[1], b.Pick())
}
