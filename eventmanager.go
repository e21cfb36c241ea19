package reactor

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// EventManager is C8 (§4.6): one per I/O thread. It owns a Poller, a
// TimerSet, a table of hosted connections, a pending-close set, and a
// cross-thread task queue. Its loop is cooperative: nothing here blocks
// except Poller.Drain, bounded by the nearest timer.
type EventManager struct {
	id int

	poller *Poller
	timers *TimerSet
	log    *Logger

	mu          sync.Mutex
	connections map[int]*Connection
	pendingDone map[int]struct{}

	taskMu sync.Mutex
	tasks  []func()

	shouldQuit atomic.Bool
	started    atomic.Bool

	connCount atomic.Int64 // published per §4.10, read lock-free by the balancer
}

// NewEventManager builds one manager around its own Poller instance.
func NewEventManager(id int, cfg Config, log *Logger) (*EventManager, error) {
	p, err := NewPoller(cfg, log)
	if err != nil {
		return nil, err
	}
	return &EventManager{
		id:          id,
		poller:      p,
		timers:      NewTimerSet(),
		log:         log,
		connections: make(map[int]*Connection),
		pendingDone: make(map[int]struct{}),
	}, nil
}

// ID is this manager's index within its owning Server's array (§4.10:
// index 0 is reserved for the accept thread).
func (m *EventManager) ID() int { return m.id }

// ConnectionCount returns the lock-free published count the balancer's
// least-loaded strategy reads (§4.10).
func (m *EventManager) ConnectionCount() int64 { return m.connCount.Load() }

// RunAt/RunAfter/RunEveryUntil are thin wrappers around the timer set
// (§4.6). They are safe to call from any goroutine; TimerSet.Add already
// locks internally.
func (m *EventManager) RunAt(deadline TimePoint, fn func()) {
	m.timers.Add(deadline, fn)
}
func (m *EventManager) RunAfter(delay time.Duration, fn func()) {
	m.timers.Add(Now().Add(delay), fn)
}
func (m *EventManager) RunEveryUntil(period time.Duration, cont func() bool, fn func()) {
	m.timers.AddPeriodic(Now().Add(period), period, cont, fn)
}

// RunSoon pushes a task into the thread-safe queue for execution on this
// manager's own goroutine, the only sanctioned way to act on this manager
// from another thread (§4.6, §5 "cross-thread work"), then wakes the poller
// so a Drain blocked on an unrelated timeout doesn't delay it. Returns
// ErrManagerClosed once Quit has been called; the caller is responsible for
// not relying on fn running after that point.
func (m *EventManager) RunSoon(fn func()) error {
	if m.shouldQuit.Load() {
		return ErrManagerClosed
	}
	m.taskMu.Lock()
	m.tasks = append(m.tasks, fn)
	m.taskMu.Unlock()
	if m.poller != nil {
		m.poller.Wake()
	}
	return nil
}

// InsertConnection allocates a Connection around sock, registers its event
// handle with the poller, and stores it in the fd->connection table. Must
// be called on the owning thread; cross-thread callers post via RunSoon
// (§4.6).
func (m *EventManager) InsertConnection(sock *Socket, local, peer Address) *Connection {
	c := newConnection(m, sock, local, peer)
	m.mu.Lock()
	m.connections[sock.Fd()] = c
	m.mu.Unlock()
	m.connCount.Inc()
	m.poller.Add(c.handle)
	return c
}

// deleteConnection adds fd to the pending-close set; actual destruction
// happens in the next iteration's step 5, so a callback can never
// re-entrantly free the connection it is running on behalf of (§4.6).
func (m *EventManager) deleteConnection(fd int) {
	m.mu.Lock()
	m.pendingDone[fd] = struct{}{}
	m.mu.Unlock()
}

// Quit sets should_quit; the current iteration finishes, the next one
// tears down remaining connections and returns (§4.6).
func (m *EventManager) Quit() {
	m.shouldQuit.Store(true)
}

// Work runs the manager on the caller's goroutine until Quit is called.
// Loop starts it on a new goroutine instead.
func (m *EventManager) Work() {
	m.started.Store(true)
	for !m.shouldQuit.Load() {
		m.tick()
	}
	m.teardown()
}

// Loop starts Work on a new goroutine, the Go stand-in for "one OS thread
// per manager" (§4.6, §5).
func (m *EventManager) Loop() {
	go m.Work()
}

// tick is one iteration of §4.6's six-step loop.
func (m *EventManager) tick() {
	now := Now()

	timeout := time.Duration(m.timers.MinDelay(now)) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Millisecond
	}

	_, _ = m.poller.Drain(timeout)

	for _, fn := range m.timers.DrainExpired(Now()) {
		safeRun(fn, m.log)
	}

	m.drainPendingClose()
	m.drainTasks()
}

func (m *EventManager) drainPendingClose() {
	m.mu.Lock()
	if len(m.pendingDone) == 0 {
		m.mu.Unlock()
		return
	}
	done := m.pendingDone
	m.pendingDone = make(map[int]struct{})
	for fd := range done {
		delete(m.connections, fd)
	}
	m.mu.Unlock()
	if len(done) > 0 {
		m.connCount.Sub(int64(len(done)))
	}
}

func (m *EventManager) drainTasks() {
	m.taskMu.Lock()
	pending := m.tasks
	m.tasks = nil
	m.taskMu.Unlock()
	for _, fn := range pending {
		safeRun(fn, m.log)
	}
}

// teardown destroys remaining connections and releases the poller, the
// equivalent of ~C8 (§5's teardown rules): quit, then destroy what's left.
func (m *EventManager) teardown() {
	m.mu.Lock()
	remaining := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		remaining = append(remaining, c)
	}
	m.mu.Unlock()
	for _, c := range remaining {
		c.ForceClose()
	}
	m.drainPendingClose()
	_ = m.poller.Close()
}

// safeRun isolates a timer/task panic so one misbehaving callback never
// tears down the whole loop (§7: "exceptions from a task must not tear
// down the loop").
func safeRun(fn func(), log *Logger) {
	defer func() {
		if r := recover(); r != nil && log != nil {
			log.Errorf("recovered panic in event manager task: %v", r)
		}
	}()
	fn()
}
