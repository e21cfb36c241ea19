// Package reactor is a multi-threaded TCP reactor built around a
// completion-based I/O backend (io_uring on Linux, a poll(2) fallback
// elsewhere). It is meant to be embedded by applications that serve many
// concurrent TCP connections: the package owns the event loops, connection
// buffering, acceptor/connector, cross-loop load balancing and the
// process-wide logging pipeline, and leaves protocol framing, TLS and
// application logic to the caller.
//
// A typical server wires N event loops (EventManager), an Acceptor bound to
// the first loop, and a Balancer that hands newly accepted connections to
// the other loops round-robin or by least load:
//
//	addr := reactor.NewAddress(4567, false, false)
//	srv, err := reactor.NewServer(addr, true, 4, 4, reactor.DefaultConfig(), reactor.DefaultLogger())
//	srv.SetMessageCallback(func(c *reactor.Connection, in *reactor.IOBuffer, now reactor.TimePoint) {
//		c.SendBuffer(in)
//	})
//	srv.Start()
//
// A connection is exclusively owned by the EventManager that created it;
// its callbacks run only on that loop's goroutine. Cross-loop control must
// go through EventManager.RunSoon.
package reactor
