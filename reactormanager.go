package reactor

import (
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
)

// Server is C12's server composition (§4.11, §6): an array of EventManager
// (size N≥1; N==1 means the accept thread also serves I/O), one Acceptor
// bound to managers[0]'s poller, and a Balancer over the array. Compute
// work handed off by user callbacks (anything that shouldn't run on an I/O
// thread) goes through a bounded github.com/panjf2000/ants/v2 pool rather
// than an unbounded goroutine-per-task fan-out.
type Server struct {
	managers []*EventManager
	acceptor *Acceptor
	balancer *Balancer
	log      *Logger
	cfg      Config

	compute *ants.Pool

	onConnect       func(c *Connection, connected bool)
	onMessage       func(c *Connection, in *IOBuffer, now TimePoint)
	onWriteComplete func(c *Connection)
	onHighWater     func(c *Connection, total int)
	onClose         func(c *Connection)
}

// NewServer builds a Server listening on addr with ioThreads I/O managers
// and a compute_threads-sized ants pool, per §6's
// `Server::new(managers[], listen_addr, should_reuse_port, io_threads,
// compute_threads)`.
func NewServer(addr Address, reusePort bool, ioThreads, computeThreads int, cfg Config, log *Logger) (*Server, error) {
	if ioThreads < 1 {
		ioThreads = 1
	}
	managers := make([]*EventManager, ioThreads)
	for i := range managers {
		m, err := NewEventManager(i, cfg, log)
		if err != nil {
			for _, built := range managers[:i] {
				if built != nil {
					_ = built.poller.Close()
				}
			}
			return nil, errors.Wrap(err, "reactor: building event manager")
		}
		managers[i] = m
	}

	acceptor, err := NewAcceptor(addr, reusePort, managers[0].poller, log)
	if err != nil {
		return nil, errors.Wrap(err, "reactor: building acceptor")
	}

	if computeThreads < 1 {
		computeThreads = 1
	}
	pool, err := ants.NewPool(computeThreads)
	if err != nil {
		return nil, errors.Wrap(err, "reactor: building compute pool")
	}

	s := &Server{
		managers: managers,
		acceptor: acceptor,
		balancer: NewBalancer(managers, RoundRobin),
		log:      log,
		cfg:      cfg,
		compute:  pool,
	}
	acceptor.SetNewConnectionCallback(s.onAccepted)
	return s, nil
}

// SetConnectCallback/SetMessageCallback/etc install the handlers every new
// Connection is wired up with on establishment (§6's "set_*_callback").
func (s *Server) SetConnectCallback(fn func(c *Connection, connected bool)) { s.onConnect = fn }
func (s *Server) SetMessageCallback(fn func(c *Connection, in *IOBuffer, now TimePoint)) {
	s.onMessage = fn
}
func (s *Server) SetWriteCompleteCallback(fn func(c *Connection)) { s.onWriteComplete = fn }
func (s *Server) SetHighWaterCallback(fn func(c *Connection, total int)) { s.onHighWater = fn }
func (s *Server) SetCloseCallback(fn func(c *Connection))               { s.onClose = fn }

func (s *Server) onAccepted(fd int, peer Address) {
	sock := wrapSocket(fd, s.log)
	local, err := sock.LocalAddr()
	if err != nil {
		_ = sock.Close()
		return
	}
	target := s.managers[0]
	if len(s.managers) > 1 {
		target = s.balancer.Pick()
	}
	err = target.RunSoon(func() {
		c := target.InsertConnection(sock, local, peer)
		c.RegisterConnectCallback(s.onConnect)
		c.RegisterMessageCallback(s.onMessage)
		c.RegisterWriteCompleteCallback(s.onWriteComplete)
		c.RegisterHighWaterCallback(s.onHighWater)
		c.RegisterCloseCallback(s.onClose)
		c.OnEstablish()
	})
	if err != nil {
		_ = sock.Close()
	}
}

// Submit hands fn to the bounded compute pool instead of running it
// inline, for user code that wants off-loop work triggered from a
// callback (§6's compute_threads knob).
func (s *Server) Submit(fn func()) error {
	return s.compute.Submit(fn)
}

// Start runs managers[1..N-1] on their own goroutines and managers[0] (plus
// the acceptor) on the caller's goroutine — "loop() starts loops on
// C8_1..C8_{n-1} and runs C8_0 on the caller's thread" (§4.11).
func (s *Server) Start() {
	for _, m := range s.managers[1:] {
		m.Loop()
	}
	s.acceptor.Start()
	s.managers[0].Work()
}

// Stop quits every manager and releases the compute pool.
func (s *Server) Stop() {
	_ = s.acceptor.Close()
	for _, m := range s.managers {
		m.Quit()
	}
	s.compute.Release()
}

// Client is C12's client composition (§4.11, §6): one shared EventManager
// and one Connector.
type Client struct {
	manager   *EventManager
	connector *Connector
	log       *Logger

	active *Connection

	onConnect       func(c *Connection, connected bool)
	onMessage       func(c *Connection, in *IOBuffer, now TimePoint)
	onWriteComplete func(c *Connection)
	onHighWater     func(c *Connection, total int)
	onClose         func(c *Connection)
}

// NewClient builds a Client dialing serverAddr over its own EventManager.
func NewClient(serverAddr Address, cfg Config, log *Logger) (*Client, error) {
	m, err := NewEventManager(0, cfg, log)
	if err != nil {
		return nil, errors.Wrap(err, "reactor: building client event manager")
	}
	c := &Client{
		manager: m,
		log:     log,
	}
	c.connector = NewConnector(serverAddr, m, cfg, log)
	c.connector.SetNewConnectionCallback(c.onConnected)
	return c, nil
}

func (cl *Client) SetConnectCallback(fn func(c *Connection, connected bool)) { cl.onConnect = fn }
func (cl *Client) SetMessageCallback(fn func(c *Connection, in *IOBuffer, now TimePoint)) {
	cl.onMessage = fn
}
func (cl *Client) SetWriteCompleteCallback(fn func(c *Connection)) { cl.onWriteComplete = fn }
func (cl *Client) SetHighWaterCallback(fn func(c *Connection, total int)) { cl.onHighWater = fn }
func (cl *Client) SetCloseCallback(fn func(c *Connection))               { cl.onClose = fn }

func (cl *Client) onConnected(fd int, local, peer Address) {
	sock := wrapSocket(fd, cl.log)
	err := cl.manager.RunSoon(func() {
		c := cl.manager.InsertConnection(sock, local, peer)
		c.RegisterConnectCallback(cl.onConnect)
		c.RegisterMessageCallback(cl.onMessage)
		c.RegisterWriteCompleteCallback(cl.onWriteComplete)
		c.RegisterHighWaterCallback(cl.onHighWater)
		c.RegisterCloseCallback(cl.onClose)
		cl.active = c
		c.OnEstablish()
	})
	if err != nil {
		_ = sock.Close()
	}
}

// Connect starts the connector and then runs the client's manager on a new
// goroutine via EventManager.Loop, returning without blocking (§4.11:
// "connect() starts the connector").
func (cl *Client) Connect() {
	cl.connector.Start()
	cl.manager.Loop()
}

// Disconnect posts a task that stops the connector, force-closes the
// active connection, then quits the loop (§4.11).
func (cl *Client) Disconnect() {
	cl.manager.RunSoon(func() {
		cl.connector.Stop()
		if cl.active != nil {
			cl.active.ForceClose()
			cl.active = nil
		}
		cl.manager.Quit()
	})
}

// Stop is identical to Disconnect but omits the loop quit, for long-lived
// shared managers (§4.11).
func (cl *Client) Stop() {
	cl.manager.RunSoon(func() {
		cl.connector.Stop()
		if cl.active != nil {
			cl.active.ForceClose()
			cl.active = nil
		}
	})
}
