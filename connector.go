package reactor

import (
	"time"
)

// ConnectorState is the three-state machine of §4.9.
type ConnectorState int32

const (
	ConnectorDisconnected ConnectorState = iota
	ConnectorConnecting
	ConnectorConnected
)

// Connector is C10 (§4.9): the client-side counterpart of Acceptor. It
// opens a socket, connects with bounded exponential backoff, detects
// self-connect, and hands a successfully connected fd to newConnection.
type Connector struct {
	serverAddr Address
	manager    *EventManager
	log        *Logger

	state      ConnectorState
	canConnect bool

	backoff    time.Duration
	backoffCap time.Duration
	backoffMin time.Duration

	sock       *Socket
	connectKey uint64

	newConnection func(fd int, local, peer Address)
}

// NewConnector builds a connector targeting serverAddr, using m's poller
// and timer set for readiness and retry scheduling.
func NewConnector(serverAddr Address, m *EventManager, cfg Config, log *Logger) *Connector {
	return &Connector{
		serverAddr: serverAddr,
		manager:    m,
		log:        log,
		state:      ConnectorDisconnected,
		backoff:    cfg.ConnectBackoffInitial,
		backoffMin: cfg.ConnectBackoffInitial,
		backoffCap: cfg.ConnectBackoffCap,
	}
}

// SetNewConnectionCallback installs the handler invoked once the socket is
// connected, self-connect has been ruled out, and the fd is ready to be
// handed to a Connection.
func (c *Connector) SetNewConnectionCallback(fn func(fd int, local, peer Address)) {
	c.newConnection = fn
}

// Start sets can_connect=true and attempts one connect (§4.9).
func (c *Connector) Start() {
	c.canConnect = true
	c.backoff = c.backoffMin
	c.attempt()
}

// Stop sets can_connect=false; the pending fd (if any) is closed and no new
// retry is scheduled (§4.9).
func (c *Connector) Stop() {
	c.canConnect = false
	if c.sock != nil {
		if c.connectKey != 0 {
			_ = c.manager.poller.Cancel(c.connectKey)
			c.connectKey = 0
		}
		_ = c.sock.Close()
		c.sock = nil
	}
	c.state = ConnectorDisconnected
}

// State returns the connector's current state.
func (c *Connector) State() ConnectorState { return c.state }

// attempt opens a socket and submits a completion-based connect op (§4.5's
// submission/completion path, C7) rather than calling connect(2) directly
// and polling for write-readiness.
func (c *Connector) attempt() {
	if !c.canConnect {
		return
	}
	sock, err := newStreamSocket(c.serverAddr.Family(), c.log)
	if err != nil {
		c.scheduleRetry()
		return
	}
	c.sock = sock
	c.state = ConnectorConnecting
	c.connectKey = c.manager.poller.SubmitConnect(sock.Fd(), c.serverAddr, c.onConnectDone)
}

// onConnectDone is the Poller.SubmitConnect completion callback.
func (c *Connector) onConnectDone(err error) {
	if c.sock == nil {
		return
	}
	c.connectKey = 0
	if err != nil {
		c.failAndMaybeRetry(err)
		return
	}
	c.onWritable()
}

func (c *Connector) onWritable() {
	if c.sock == nil {
		return
	}

	local, lerr := c.sock.LocalAddr()
	peer, perr := c.sock.PeerAddr()
	if lerr == nil && perr == nil && local.equalEndpoint(peer) {
		if c.log != nil {
			c.log.Warnf("reactor: %v on %s, retrying", ErrSelfConnect, c.serverAddr)
		}
		_ = c.sock.Close()
		c.sock = nil
		c.state = ConnectorConnecting
		c.scheduleRetry()
		return
	}

	fd := c.sock.Fd()
	c.state = ConnectorConnected
	c.sock = nil
	c.backoff = c.backoffMin
	if c.newConnection != nil {
		c.newConnection(fd, local, peer)
	}
}

func (c *Connector) failAndMaybeRetry(err error) {
	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}
	if c.isRetriable(err) {
		c.scheduleRetry()
	} else {
		c.state = ConnectorDisconnected
		if c.log != nil {
			c.log.Errorf("reactor: connect(2) to %s failed fatally: %v", c.serverAddr, err)
		}
	}
}

func (c *Connector) isRetriable(err error) bool {
	return isRetriableConnect(err)
}

// scheduleRetry arms the owning manager's timer for the current backoff,
// then doubles it up to the cap — "500ms, 1s, 2s, ..., 30s, 30s, ..."
// (§8's backoff monotonicity law).
func (c *Connector) scheduleRetry() {
	if !c.canConnect {
		return
	}
	delay := c.backoff
	c.manager.RunAfter(delay, func() {
		if c.canConnect {
			c.attempt()
		}
	})
	next := c.backoff * 2
	if next > c.backoffCap {
		next = c.backoffCap
	}
	c.backoff = next
}
