// Package relayer defines the boundary between a Prism stack instance
// and whatever transport carries bytes to and from the remote peer
// (a TLS or QUIC tunnel in production, anything that can move bytes
// for a test). The remote tunnel transport itself is out of scope:
// this package only fixes the shape of a tunnel request and offers a
// reference Dispatcher a caller can use to wire one up.
package relayer

import "net/netip"

// Request is what a Prism stack instance asks a relayer for when a
// trapped SYN needs a remote tunnel: a destination to connect (or
// multiplex) toward, and the two channels that splice it to the local
// socket once a tunnel exists.
type Request struct {
	// Target is the SYN's original destination.
	Target netip.AddrPort
	// Inbound is where the relayer writes bytes it reads off the
	// remote tunnel, for delivery to the local socket.
	Inbound chan<- []byte
	// Outbound is where the relayer reads bytes the local socket
	// wants sent to the remote tunnel.
	Outbound <-chan []byte
	// Response is non-nil only under Consistent handshake mode. The
	// relayer must send exactly once: true once the remote tunnel is
	// ready to carry traffic, false if it gives up. Under Fast mode
	// Response is nil and the relayer reports readiness implicitly by
	// whether it accepted the Request at all.
	Response chan<- bool
}

// Dispatcher is anything that can satisfy tunnel requests. Prism's
// stack never depends on a concrete transport; it only ever holds a
// chan<- Request (or a Dispatcher.Requests() channel wired to one)
// supplied by its caller.
type Dispatcher interface {
	// Requests returns the channel a stack instance sends Requests
	// to. It must be read continuously or tunnel requests will back
	// up against the stack's own try-send backpressure.
	Requests() chan<- Request
}
