package reactor

import (
	"golang.org/x/sys/unix"
)

// Connection is C6 (§4.7): one socket, one event handle, two I/O buffers,
// connection state, addresses, user callbacks, and an opaque context slot.
// It is exclusively owned by its EventManager; references handed to user
// callbacks are valid only for the duration of the callback (§4.7's
// ownership rule).
type Connection struct {
	socket  *Socket
	handle  *EventHandle
	manager *EventManager

	input  *IOBuffer
	output *IOBuffer

	state ConnState

	local Address
	peer  Address

	highWaterMark int
	crossedHWM    bool
	faulted       bool
	writePending  bool

	ctx interface{}

	onConnect       func(c *Connection, connected bool)
	onMessage       func(c *Connection, in *IOBuffer, now TimePoint)
	onWriteComplete func(c *Connection)
	onHighWater     func(c *Connection, total int)
	onClose         func(c *Connection)

	closeInvoked bool

	log *Logger
}

// newConnection builds a Connection around an already-accepted or
// already-connected socket; on create it enables keep-alive, but per
// §4.7 it subscribes to read events only after OnEstablish runs.
func newConnection(m *EventManager, sock *Socket, local, peer Address) *Connection {
	sock.SetKeepAlive(true)
	c := &Connection{
		socket:        sock,
		manager:       m,
		input:         NewDefaultIOBuffer(),
		output:        NewDefaultIOBuffer(),
		state:         StateConnecting,
		local:         local,
		peer:          peer,
		highWaterMark: 64 * 1024,
		log:           m.log,
	}
	c.handle = newEventHandle(sock.Fd(), m.poller)
	c.handle.onRead = c.handleReadable
	c.handle.onWrite = c.handleWritable
	c.handle.onClose = c.doError
	c.handle.onError = c.doError
	return c
}

// Fd returns the underlying socket's file descriptor.
func (c *Connection) Fd() int { return c.socket.Fd() }

// LocalAddr/PeerAddr return the connection's immutable endpoints.
func (c *Connection) LocalAddr() Address { return c.local }
func (c *Connection) PeerAddr() Address  { return c.peer }

// InputBuffer/OutputBuffer expose the raw buffers for callback use (e.g.
// echo handlers that rewind what they just consumed).
func (c *Connection) InputBuffer() *IOBuffer  { return c.input }
func (c *Connection) OutputBuffer() *IOBuffer { return c.output }

// State returns the connection's current state.
func (c *Connection) State() ConnState { return c.state }

// IsConnected reports whether the state is Connected.
func (c *Connection) IsConnected() bool { return c.state == StateConnected }

// SetContext/Context manage the opaque per-connection slot a user callback
// may stash arbitrary state in (§9 "dynamic type context on a connection").
func (c *Connection) SetContext(v interface{}) { c.ctx = v }
func (c *Connection) Context() interface{}     { return c.ctx }

// SetTCPNoDelay forwards to the underlying socket.
func (c *Connection) SetTCPNoDelay(on bool) { c.socket.SetTCPNoDelay(on) }

// SetHighWaterMark overrides the default 64 KiB backpressure threshold.
func (c *Connection) SetHighWaterMark(n int) { c.highWaterMark = n }

func (c *Connection) setState(next ConnState) {
	if !c.state.canAdvanceTo(next) {
		return
	}
	c.state = next
}

// OnEstablish is called by the owning EventManager exactly once, the first
// time the connection is registered: Connecting -> Connected, invoke
// on_connect, then enable_read (§4.7).
func (c *Connection) OnEstablish() {
	c.setState(StateConnected)
	if c.onConnect != nil {
		c.onConnect(c, true)
	}
	c.handle.enableRead()
}

// handleReadable is the EventHandle onRead callback: it performs one
// vectored read and routes the result the way §4.7's read path specifies.
func (c *Connection) handleReadable() {
	n, err, retry := c.input.ScatterRead(c.socket.Fd())
	if retry {
		return
	}
	if err != nil {
		if isTransient(err) {
			return
		}
		c.doError()
		return
	}
	if n == 0 {
		c.doClose()
		return
	}
	if c.onMessage != nil {
		c.onMessage(c, c.input, Now())
	}
}

// handleWritable is the EventHandle onWrite callback: it drains the output
// buffer and, once empty, disables write interest, fires on_write_complete,
// and — if the connection is Disconnecting — shuts down the write half
// (§4.7).
func (c *Connection) handleWritable() {
	c.writePending = false
	n, err := c.output.WriteTo(c.socket.Fd())
	if err != nil {
		if isTransient(err) {
			c.handle.enableWrite()
			c.writePending = true
			return
		}
		if isConnFault(err) {
			c.faulted = true
			c.doError()
			return
		}
		c.doError()
		return
	}
	_ = n
	if c.output.ReadableLen() > 0 {
		c.handle.enableWrite()
		c.writePending = true
		return
	}
	c.handle.disableWrite()
	c.crossedHWM = false
	if c.onWriteComplete != nil {
		c.onWriteComplete(c)
	}
	if c.state == StateDisconnecting {
		_ = c.socket.ShutdownWrite()
	}
}

// Send queues bytes for output, attempting an inline send first (§4.7).
// Returns ErrNotConnected once the connection has been closed or faulted;
// a nil error does not guarantee delivery, only that the bytes were either
// written or queued.
func (c *Connection) Send(p []byte) error {
	if c.state == StateDisconnected || c.faulted {
		return ErrNotConnected
	}
	if len(p) == 0 {
		return nil
	}
	if c.output.ReadableLen() == 0 && !c.writePending {
		nw, err := unix.Send(c.socket.Fd(), p, unix.MSG_NOSIGNAL)
		if err == nil {
			if nw == len(p) {
				if c.onWriteComplete != nil {
					c.onWriteComplete(c)
				}
				return nil
			}
			p = p[nw:]
		} else if !isTransient(err) {
			if isConnFault(err) {
				c.faulted = true
			}
			c.doError()
			return ErrNotConnected
		}
	}
	c.appendOutput(p)
	c.handle.enableWrite()
	c.writePending = true
	return nil
}

// SendBuffer queues everything currently readable in buf, then rewinds it —
// the common echo-handler idiom named in §6 and exercised by scenario 1.
func (c *Connection) SendBuffer(buf *IOBuffer) error {
	return c.Send(buf.RetrieveAll())
}

func (c *Connection) appendOutput(p []byte) {
	before := c.output.ReadableLen()
	c.output.Append(p)
	after := c.output.ReadableLen()
	if !c.crossedHWM && before < c.highWaterMark && after >= c.highWaterMark {
		c.crossedHWM = true
		if c.onHighWater != nil {
			c.onHighWater(c, after)
		}
	}
}

// ShutdownWrite moves Connected -> Disconnecting and, if no write is
// pending, shuts the write half down immediately (§4.7).
func (c *Connection) ShutdownWrite() error {
	switch c.state {
	case StateDisconnecting, StateDisconnected:
		return ErrAlreadyClosing
	case StateConnecting:
		return ErrNotConnected
	}
	c.setState(StateDisconnecting)
	if !c.writePending {
		_ = c.socket.ShutdownWrite()
	}
	return nil
}

// ForceClose moves straight to Disconnecting then runs do_close(); calling
// it twice is a no-op the second time and on_close fires exactly once
// (§8's idempotence law).
func (c *Connection) ForceClose() {
	if c.state == StateDisconnected {
		return
	}
	c.setState(StateDisconnecting)
	c.doClose()
}

func (c *Connection) doError() {
	c.doClose()
}

// doClose transitions to Disconnected, disables all interest, invokes
// on_connect(false) then on_close exactly once, and asks the owning
// EventManager to destroy the connection at the end of this tick (§4.7).
func (c *Connection) doClose() {
	if c.closeInvoked {
		return
	}
	c.closeInvoked = true
	c.setState(StateDisconnected)
	c.handle.disableAll()
	c.manager.poller.Remove(c.handle)
	if c.onConnect != nil {
		c.onConnect(c, false)
	}
	if c.onClose != nil {
		c.onClose(c)
	}
	c.manager.deleteConnection(c.socket.Fd())
}

// RegisterConnectCallback/RegisterMessageCallback/etc wire the user
// callbacks named in §6's Connection surface.
func (c *Connection) RegisterConnectCallback(fn func(c *Connection, connected bool)) {
	c.onConnect = fn
}
func (c *Connection) RegisterMessageCallback(fn func(c *Connection, in *IOBuffer, now TimePoint)) {
	c.onMessage = fn
}
func (c *Connection) RegisterWriteCompleteCallback(fn func(c *Connection)) {
	c.onWriteComplete = fn
}
func (c *Connection) RegisterHighWaterCallback(fn func(c *Connection, total int)) {
	c.onHighWater = fn
}
func (c *Connection) RegisterCloseCallback(fn func(c *Connection)) {
	c.onClose = fn
}
