package reactor

import (
	"syscall"

	"github.com/pkg/errors"
)

// Sentinel errors returned directly by the public API, named the way the
// teacher names its package-level sentinels (ErrTimeout, ErrUnsupported,
// ErrEmptyBuffer in socket515-gaio/watcher.go).
var (
	ErrManagerClosed  = errors.New("reactor: event manager closed")
	ErrEmptyBuffer    = errors.New("reactor: empty buffer")
	ErrNotConnected   = errors.New("reactor: not connected")
	ErrAlreadyClosing = errors.New("reactor: connection already disconnecting")
	ErrSelfConnect    = errors.New("reactor: self-connect detected")
	ErrPollerClosed   = errors.New("reactor: poller closed")
	ErrUnknownKey     = errors.New("reactor: completion for unknown op key")
	ErrQueueFull      = errors.New("reactor: submission queue full")
)

// isTransient reports whether errno is one of the "try again" values that
// are retried silently at the I/O call site without logging (§7: Transient
// I/O). EWOULDBLOCK has the same value as EAGAIN on the supported
// platforms, so the EAGAIN case covers it.
func isTransient(errno error) bool {
	switch errno {
	case syscall.EAGAIN, syscall.EINTR:
		return true
	default:
		return false
	}
}

// isRetriableConnect reports whether errno should trigger a backoff+retry
// from the Connector (§4.9) rather than a fatal abort.
func isRetriableConnect(errno error) bool {
	switch errno {
	case syscall.EAGAIN, syscall.EADDRINUSE, syscall.EADDRNOTAVAIL,
		syscall.ECONNREFUSED, syscall.ENETUNREACH, syscall.EINTR,
		syscall.ETIMEDOUT:
		return true
	default:
		return false
	}
}

// isConnFault reports whether errno on a write means the peer is gone and
// further sends on this connection must be suppressed (§7: Connection
// fault).
func isConnFault(errno error) bool {
	switch errno {
	case syscall.EPIPE, syscall.ECONNRESET:
		return true
	default:
		return false
	}
}

// wrapf is a thin alias kept so call sites read the same regardless of
// which construction step is wrapping the error (bind, listen, ring init).
func wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}
