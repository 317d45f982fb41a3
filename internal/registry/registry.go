// Package registry tracks the active tunnels a Prism stack instance
// is splicing bytes through: for each accepted TCP socket, the
// channel carrying bytes egressing to the remote tunnel, and a single
// fan-in stream carrying bytes ingressing from every tunnel back
// toward their sockets.
package registry

import (
	"sync"

	"inet.af/netstack/tcpip/stack"

	"github.com/mciart/prism/internal/metrics"
)

// Handle identifies one active tunnel by the netstack transport
// endpoint it's spliced to.
type Handle = stack.TransportEndpointID

// Ingress is one chunk of data arriving from a remote tunnel, tagged
// with which socket it's destined for.
type Ingress struct {
	Handle Handle
	Data   []byte
}

// entry is the bookkeeping the registry keeps per active tunnel.
type entry struct {
	egress chan<- []byte
	stop   chan struct{}
}

// Registry is the Tunnel Registry: the map of active tunnels plus a
// dynamically-growing fan-in of their ingress streams. The zero value
// is not usable; use New.
type Registry struct {
	mu      sync.Mutex
	tunnels map[Handle]*entry
	ingress chan Ingress
	metrics *metrics.Stack
}

// New builds an empty Registry whose fan-in ingress channel has the
// given buffer depth.
func New(ingressChannelSize int, m *metrics.Stack) *Registry {
	return &Registry{
		tunnels: make(map[Handle]*entry),
		ingress: make(chan Ingress, ingressChannelSize),
		metrics: m,
	}
}

// Register adds h as an active tunnel: egress is the channel bytes
// recv'd from h's socket should be written to (toward the remote),
// and rx is the channel bytes arrive on from the remote tunnel. A
// goroutine pumps rx into the registry's shared Ingress() stream,
// tagged with h, until rx closes or Remove(h) is called.
//
// There is no direct equivalent of a dynamically-growing SelectAll in
// the standard library; one goroutine per tunnel merging into a
// shared channel is the idiomatic Go substitute.
func (r *Registry) Register(h Handle, egress chan<- []byte, rx <-chan []byte) {
	e := &entry{egress: egress, stop: make(chan struct{})}

	r.mu.Lock()
	r.tunnels[h] = e
	n := len(r.tunnels)
	r.mu.Unlock()
	r.reportSize(n)

	go r.pump(h, rx, e.stop)
}

func (r *Registry) pump(h Handle, rx <-chan []byte, stop chan struct{}) {
	for {
		select {
		case data, ok := <-rx:
			if !ok {
				return
			}
			select {
			case r.ingress <- Ingress{Handle: h, Data: data}:
			case <-stop:
				return
			}
		case <-stop:
			return
		}
	}
}

// Egress returns the channel to write h's outbound (socket -> remote)
// bytes to, and whether h is currently registered.
func (r *Registry) Egress(h Handle) (chan<- []byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tunnels[h]
	if !ok {
		return nil, false
	}
	return e.egress, true
}

// Ingress returns the shared fan-in stream of bytes arriving from any
// registered tunnel. It never closes.
func (r *Registry) Ingress() <-chan Ingress {
	return r.ingress
}

// Remove stops h's ingress pump, closes its egress sender (spec.md
// §4.5: removal "drops the egress sender, signalling EOF to the
// relayer"), and drops h from the registry. It is a no-op if h isn't
// registered, and safe to call concurrently or repeatedly for the
// same h: only the caller that actually deletes the entry closes its
// channels. Safe to call while iterating a snapshot returned by
// Handles.
//
// The caller must guarantee no further sends to h's egress channel
// are possible by the time Remove observes it registered — the
// engine satisfies this by calling Remove only once h's sole egress
// writer has stopped writing: from that writer itself, or from its
// reaping pass for a handle it no longer holds a connection for.
func (r *Registry) Remove(h Handle) {
	r.mu.Lock()
	e, ok := r.tunnels[h]
	if ok {
		delete(r.tunnels, h)
	}
	n := len(r.tunnels)
	r.mu.Unlock()
	if !ok {
		return
	}
	close(e.stop)
	close(e.egress)
	r.reportSize(n)
}

// Handles returns a snapshot of every currently registered handle.
// The engine's reaping pass walks this snapshot to decide what to
// remove, then calls Remove for each: removing while ranging over the
// live map directly would race the map itself.
func (r *Registry) Handles() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, 0, len(r.tunnels))
	for h := range r.tunnels {
		out = append(out, h)
	}
	return out
}

// Len reports the number of active tunnels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tunnels)
}

func (r *Registry) reportSize(n int) {
	if r.metrics == nil {
		return
	}
	r.metrics.ActiveTunnels.Set(float64(n))
}
