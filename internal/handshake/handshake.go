// Package handshake implements the Handshake Controller: given a
// trapped SYN, it decides whether and when to let the stack engine
// accept the connection, per the configured Fast or Consistent mode.
//
// Fast mode fires a tunnel request and accepts (or drops) based only
// on whether the request was admitted; it never waits for the remote
// tunnel to actually become ready. Consistent mode buffers the SYN
// and waits for the tunnel to confirm readiness before accepting,
// trading latency for the guarantee that an accepted connection has a
// live tunnel behind it.
package handshake

import (
	"context"
	"net/netip"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/mciart/prism/internal/config"
	"github.com/mciart/prism/internal/logger"
	"github.com/mciart/prism/internal/metrics"
	"github.com/mciart/prism/internal/trap"
	"github.com/mciart/prism/relayer"
)

// maxInFlightConsistentWaits bounds how many Consistent-mode
// confirmations the controller awaits concurrently, so a burst of
// slow-to-confirm SYNs can't pile up an unbounded number of waiting
// goroutines.
const maxInFlightConsistentWaits = 4096

// Outcome is a handshake decision for the stack engine to act on:
// stand up a listening socket for Dst and splice it to In/Out, or (if
// Accept is false) drop the SYN silently.
type Outcome struct {
	// ID correlates this outcome back to the trap.Event that produced it.
	ID     string
	Dst    netip.AddrPort
	Packet []byte
	// In carries bytes arriving from the remote tunnel, for the
	// engine to hand to registry.Register as the ingress side.
	In chan []byte
	// Out carries bytes the engine reads off the accepted socket, for
	// the engine to hand to registry.Register as the egress side.
	Out    chan []byte
	Accept bool
}

type pendingSYN struct {
	id     string
	packet []byte
	in     chan []byte
	out    chan []byte
}

// Controller is the Handshake Controller for one stack instance. The
// zero value is not usable; use New.
type Controller struct {
	mode        config.HandshakeMode
	requests    chan<- relayer.Request
	channelSize int
	metrics     *metrics.Stack
	logf        logger.Logf

	outcomes chan Outcome
	inFlight *semaphore.Weighted

	mu      sync.Mutex
	pending map[netip.AddrPort]pendingSYN
}

// New builds a Controller in the given mode, submitting tunnel
// requests to requests. channelSize sizes each tunnel's byte
// channels; controlChannelSize sizes the Outcomes() feedback channel,
// matching spec.md §5's distinction between tunnel data channels and
// the smaller control/feedback channel.
func New(mode config.HandshakeMode, requests chan<- relayer.Request, channelSize, controlChannelSize int, m *metrics.Stack, logf logger.Logf) *Controller {
	if logf == nil {
		logf = logger.Discard
	}
	return &Controller{
		mode:        mode,
		requests:    requests,
		channelSize: channelSize,
		metrics:     m,
		logf:        logf,
		outcomes:    make(chan Outcome, controlChannelSize),
		inFlight:    semaphore.NewWeighted(maxInFlightConsistentWaits),
		pending:     make(map[netip.AddrPort]pendingSYN),
	}
}

// Outcomes returns the stream of accept/drop decisions the engine
// should drain every event-loop iteration.
func (c *Controller) Outcomes() <-chan Outcome {
	return c.outcomes
}

// HandleSYN processes one trapped SYN according to the controller's
// mode. ctx bounds how long a Consistent-mode wait for tunnel
// readiness may run; canceling it drops any outcome still pending.
func (c *Controller) HandleSYN(ctx context.Context, ev trap.Event) {
	if c.mode == config.Consistent {
		c.handleConsistent(ctx, ev)
		return
	}
	c.handleFast(ev)
}

func (c *Controller) handleFast(ev trap.Event) {
	in := make(chan []byte, c.channelSize)
	out := make(chan []byte, c.channelSize)

	req := relayer.Request{
		Target:   ev.Dst,
		Inbound:  in,
		Outbound: out,
	}

	accepted := trySend(c.requests, req)
	c.recordOutcome("fast", accepted)
	c.outcomes <- Outcome{
		ID:     ev.ID,
		Dst:    ev.Dst,
		Packet: ev.Packet,
		In:     in,
		Out:    out,
		Accept: accepted,
	}
}

func (c *Controller) handleConsistent(ctx context.Context, ev trap.Event) {
	in := make(chan []byte, c.channelSize)
	out := make(chan []byte, c.channelSize)
	resp := make(chan bool, 1)

	req := relayer.Request{
		Target:   ev.Dst,
		Inbound:  in,
		Outbound: out,
		Response: resp,
	}

	if !trySend(c.requests, req) {
		c.logf("handshake: tunnel request queue full, dropping SYN for %s", ev.Dst)
		c.recordOutcome("consistent", false)
		return
	}

	if !c.inFlight.TryAcquire(1) {
		c.logf("handshake: %d Consistent-mode waits already in flight, dropping SYN for %s", maxInFlightConsistentWaits, ev.Dst)
		c.recordOutcome("consistent", false)
		return
	}

	c.mu.Lock()
	c.pending[ev.Dst] = pendingSYN{id: ev.ID, packet: ev.Packet, in: in, out: out}
	c.mu.Unlock()
	c.reportPending()

	go c.awaitReadiness(ctx, ev.Dst, resp)
}

func (c *Controller) awaitReadiness(ctx context.Context, dst netip.AddrPort, resp <-chan bool) {
	defer c.inFlight.Release(1)

	var success bool
	select {
	case success = <-resp:
	case <-ctx.Done():
		success = false
	}

	c.mu.Lock()
	p, ok := c.pending[dst]
	if ok {
		delete(c.pending, dst)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.reportPending()
	c.recordOutcome("consistent", success)

	c.outcomes <- Outcome{
		ID:     p.id,
		Dst:    dst,
		Packet: p.packet,
		In:     p.in,
		Out:    p.out,
		Accept: success,
	}
}

func (c *Controller) reportPending() {
	if c.metrics == nil {
		return
	}
	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()
	c.metrics.PendingSyns.Set(float64(n))
}

func (c *Controller) recordOutcome(mode string, accepted bool) {
	if c.metrics == nil {
		return
	}
	result := "accepted"
	if !accepted {
		result = "dropped"
	}
	c.metrics.HandshakeOutcomes.WithLabelValues(mode, result).Inc()
}

// trySend is the Go analogue of try_send: it never blocks, reporting
// whether req was admitted.
func trySend(ch chan<- relayer.Request, req relayer.Request) bool {
	select {
	case ch <- req:
		return true
	default:
		return false
	}
}
