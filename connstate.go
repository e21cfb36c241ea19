package reactor

// ConnState is the connection state machine named in §4.7/§8: transitions
// are monotone — a state once reached is never revisited or skipped
// backward. Connection keeps it in a plain field that is read and written
// on the owning EventManager's goroutine; Connection.State is not
// synchronized against calls from other goroutines.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// canAdvanceTo reports whether moving from s to next respects the
// forward-only ordering Connecting < Connected < Disconnecting <
// Disconnected; Disconnecting may be skipped (force_close from Connecting
// or Connected goes straight through it conceptually but always lands on
// Disconnected via do_close).
func (s ConnState) canAdvanceTo(next ConnState) bool {
	return next >= s
}
