// Package engine implements the Stack Event Loop: the goroutine that
// owns a userspace netstack instance, the Virtual PHY, the Tunnel
// Registry, and the Handshake Controller, and drives packets between
// the TUN, the stack's NIC, and the active tunnels.
//
// inet.af/netstack's TCP transport is callback-driven (a tcp.Forwarder
// fires once per new SYN processed by the stack), unlike the
// reference implementation's poll-based smoltcp sockets. The engine
// bridges the two models: the Handshake Controller's asynchronous
// accept/drop decision is stashed in pendingAccepts, keyed by
// destination, before the (already MSS-clamped) SYN is replayed into
// the stack; when the forwarder's callback later fires for that same
// destination, it consults pendingAccepts to decide whether to
// complete the handshake or send a RST.
package engine

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"inet.af/netstack/tcpip"
	"inet.af/netstack/tcpip/adapters/gonet"
	"inet.af/netstack/tcpip/header"
	"inet.af/netstack/tcpip/network/ipv4"
	"inet.af/netstack/tcpip/network/ipv6"
	"inet.af/netstack/tcpip/stack"
	"inet.af/netstack/tcpip/transport/tcp"
	"inet.af/netstack/waiter"

	"github.com/mciart/prism/internal/classify"
	"github.com/mciart/prism/internal/config"
	"github.com/mciart/prism/internal/handshake"
	"github.com/mciart/prism/internal/logger"
	"github.com/mciart/prism/internal/metrics"
	"github.com/mciart/prism/internal/offload"
	"github.com/mciart/prism/internal/phy"
	"github.com/mciart/prism/internal/registry"
	"github.com/mciart/prism/internal/trap"
	"github.com/mciart/prism/relayer"
)

const nicID = tcpip.NICID(1)

// socketReadChunk bounds a single read off an accepted socket before
// it's handed to the relayer; a stream read can otherwise return
// however many bytes the receive buffer happens to be holding.
const socketReadChunk = 32 * 1024

// Engine is one running Prism stack instance.
type Engine struct {
	cfg     config.Stack
	ns      *stack.Stack
	phy     *phy.PHY
	reg     *registry.Registry
	hs      *handshake.Controller
	metrics *metrics.Stack
	logf    logger.Logf

	blindRelay chan<- []byte

	mu              sync.Mutex
	pendingAccepts  map[netip.AddrPort]handshake.Outcome
	conns           map[registry.Handle]*gonet.TCPConn
	registeredAddrs map[netip.Addr]struct{}
}

// New builds an Engine: a netstack instance with one NIC backed by a
// Virtual PHY, a TCP forwarder bridging accepted handshakes, and the
// registry and handshake controller that back it. requests is where
// tunnel requests are submitted (a relayer.Dispatcher's Requests()).
// blindRelay, if non-nil, receives every non-TCP packet observed on
// ingress instead of letting the stack process it.
func New(cfg config.Stack, requests chan<- relayer.Request, blindRelay chan<- []byte, m *metrics.Stack, logf logger.Logf) (*Engine, error) {
	if logf == nil {
		logf = logger.Discard
	}
	// Warnings below fire per trapped connection under sustained load (a
	// full tunnel request queue, socket setup failures); rate-limit them
	// so a busy stack doesn't spend its time formatting log lines.
	logf = logger.RateLimited(logf, 10, 20)
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	ns := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol},
	})

	ph := phy.New(cfg, cfg.PacketChannelSize, "", m)
	if err := ns.CreateNIC(nicID, ph.Endpoint()); err != nil {
		return nil, fmt.Errorf("engine: creating NIC: %v", err)
	}
	// Prism is a router of other hosts' traffic, not an addressed peer
	// on the link: every destination must be accepted and every source
	// must be allowed to originate from the NIC.
	ns.SetPromiscuousMode(nicID, true)
	ns.SetSpoofing(nicID, true)
	ns.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
		{Destination: header.IPv6EmptySubnet, NIC: nicID},
	})

	e := &Engine{
		cfg:             cfg,
		ns:              ns,
		phy:             ph,
		reg:             registry.New(cfg.TunnelChannelSize, m),
		hs:              handshake.New(cfg.HandshakeMode, requests, cfg.TunnelChannelSize, cfg.ControlChannelSize, m, logf),
		metrics:         m,
		logf:            logf,
		blindRelay:      blindRelay,
		pendingAccepts:  make(map[netip.AddrPort]handshake.Outcome),
		conns:           make(map[registry.Handle]*gonet.TCPConn),
		registeredAddrs: make(map[netip.Addr]struct{}),
	}

	fwd := tcp.NewForwarder(ns, cfg.TCPRxBufferSize, cfg.TunnelChannelSize, e.handleForward)
	ns.SetTransportProtocolHandler(tcp.ProtocolNumber, fwd.HandlePacket)

	return e, nil
}

// Run drives the event loop until ctx is canceled or ingress closes.
// ingress delivers raw IP packets read off the TUN; egress receives
// raw IP packets the stack wants written back to the TUN.
func (e *Engine) Run(ctx context.Context, ingress <-chan []byte, egress chan<- []byte) error {
	go e.pumpEgress(ctx, egress)
	go e.pumpTunnelIngress(ctx)

	reap := time.NewTicker(time.Second)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case pkt, ok := <-ingress:
			if !ok {
				return nil
			}
			e.handleIngressBatch(ctx, pkt, ingress)

		case outcome := <-e.hs.Outcomes():
			e.handleOutcome(outcome)

		case <-reap.C:
			e.reapStale()
		}
	}
}

// Close tears down the stack and its Virtual PHY.
func (e *Engine) Close() {
	e.phy.Close()
	e.ns.Destroy()
}

// handleIngressBatch processes first, then drains up to
// cfg.BatchSize-1 further packets already queued on ingress without
// blocking, mirroring the reference implementation's per-wakeup batch
// drain.
func (e *Engine) handleIngressBatch(ctx context.Context, first []byte, ingress <-chan []byte) {
	e.handlePacket(ctx, first)
	for i := 1; i < e.cfg.BatchSize; i++ {
		select {
		case pkt, ok := <-ingress:
			if !ok {
				return
			}
			e.handlePacket(ctx, pkt)
		default:
			return
		}
	}
}

func (e *Engine) handlePacket(ctx context.Context, pkt []byte) {
	if e.cfg.Offload {
		stripped, ok := stripOffloadHeader(pkt)
		if !ok {
			if e.metrics != nil {
				e.metrics.PacketsDropped.WithLabelValues("malformed_offload_header").Inc()
			}
			return
		}
		pkt = stripped
	}

	class := classify.Classify(pkt)
	if e.metrics != nil {
		e.metrics.PacketsClassified.WithLabelValues(class.String()).Inc()
	}

	switch class {
	case classify.TCP:
		if ev, ok := trap.Inspect(pkt, e.cfg.EgressMTU); ok {
			if e.metrics != nil {
				e.metrics.SynsTrapped.Inc()
				if ev.Clamped {
					e.metrics.MSSClamped.Inc()
				}
			}
			e.hs.HandleSYN(ctx, ev)
			return
		}
		e.injectToStack(pkt)

	case classify.Other:
		if e.blindRelay == nil {
			e.injectToStack(pkt)
			return
		}
		select {
		case e.blindRelay <- pkt:
		default:
			if e.metrics != nil {
				e.metrics.PacketsDropped.WithLabelValues("blind_relay_full").Inc()
			}
		}

	default: // Unknown: let the stack's own validation decide its fate.
		e.injectToStack(pkt)
	}
}

// stripOffloadHeader removes the leading virtio_net_hdr a TUN device
// opened with IFF_VNET_HDR prepends to every ingress frame, reporting
// false if pkt is too short to hold one.
func stripOffloadHeader(pkt []byte) ([]byte, bool) {
	if _, ok := offload.Decode(pkt); !ok {
		return nil, false
	}
	return offload.Strip(pkt), true
}

func (e *Engine) injectToStack(pkt []byte) {
	proto, ok := phy.ClassifyProtocol(pkt)
	if !ok {
		return
	}
	e.phy.InjectIngress(proto, pkt)
}

// handleOutcome acts on a Handshake Controller decision: an accepted
// SYN is remembered by destination and replayed into the stack, where
// it will eventually reach handleForward once netstack processes it.
// A dropped SYN is simply not replayed, which reads to the originator
// as a connection attempt that received no response.
func (e *Engine) handleOutcome(o handshake.Outcome) {
	if !o.Accept {
		return
	}
	e.mu.Lock()
	e.pendingAccepts[o.Dst] = o
	e.mu.Unlock()
	e.ensureAddressRegistered(o.Dst.Addr())
	e.injectToStack(o.Packet)
}

// ensureAddressRegistered grows the NIC's address set with addr the
// first time a handshake to it is accepted, the per-destination analogue
// of the reference implementation's monotonically growing address
// set. With promiscuous mode and spoofing enabled the NIC already
// accepts and originates traffic for any address, so this is mostly
// bookkeeping: it keeps the stack's own address table (visible via
// introspection, and consulted by some routing decisions) accurate
// rather than permanently empty.
func (e *Engine) ensureAddressRegistered(addr netip.Addr) {
	e.mu.Lock()
	_, ok := e.registeredAddrs[addr]
	if !ok {
		e.registeredAddrs[addr] = struct{}{}
	}
	e.mu.Unlock()
	if ok {
		return
	}

	protocol := header.IPv4ProtocolNumber
	if addr.Is6() {
		protocol = header.IPv6ProtocolNumber
	}
	err := e.ns.AddProtocolAddress(nicID, tcpip.ProtocolAddress{
		Protocol:          protocol,
		AddressWithPrefix: tcpip.Address(addr.AsSlice()).WithPrefix(),
	}, stack.AddressProperties{})
	if err != nil {
		e.logf("engine: registering address %s: %v", addr, err)
	}
}

// handleForward is the stack's tcp.Forwarder callback, fired once per
// SYN it processes. It only ever completes a handshake the Handshake
// Controller already approved; everything else gets a RST.
func (e *Engine) handleForward(req *tcp.ForwarderRequest) {
	id := req.ID()
	dst := addrPortFromEndpointID(id)

	e.mu.Lock()
	outcome, ok := e.pendingAccepts[dst]
	if ok {
		delete(e.pendingAccepts, dst)
	}
	e.mu.Unlock()

	if !ok {
		req.Complete(true)
		return
	}

	var wq waiter.Queue
	ep, err := req.CreateEndpoint(&wq)
	if err != nil {
		req.Complete(true)
		e.logf("engine: [%s] CreateEndpoint for %s: %v", outcome.ID, dst, err)
		return
	}
	e.configureSocket(ep, outcome.ID, dst)
	conn := gonet.NewTCPConn(&wq, ep)
	req.Complete(false)

	e.mu.Lock()
	e.conns[id] = conn
	e.mu.Unlock()

	e.reg.Register(id, outcome.Out, outcome.In)
	go e.pumpSocketToTunnel(id, conn, outcome.Out)
}

// configureSocket applies the large buffers and keepalive every
// synthesized socket gets per spec.md §4.6: cfg.TCPRxBufferSize is
// already the forwarder's receive window, so only the send buffer and
// keepalive remain to set here.
func (e *Engine) configureSocket(ep tcpip.Endpoint, id string, dst netip.AddrPort) {
	ep.SocketOptions().SetSendBufferSize(int64(e.cfg.TCPTxBufferSize), true)
	ep.SocketOptions().SetKeepAlive(true)

	idle := tcpip.KeepaliveIdleOption(time.Duration(e.cfg.KeepAliveSeconds) * time.Second)
	if err := ep.SetSockOpt(&idle); err != nil {
		e.logf("engine: [%s] setting keepalive idle for %s: %v", id, dst, err)
	}
	interval := tcpip.KeepaliveIntervalOption(time.Duration(e.cfg.KeepAliveSeconds) * time.Second)
	if err := ep.SetSockOpt(&interval); err != nil {
		e.logf("engine: [%s] setting keepalive interval for %s: %v", id, dst, err)
	}
}

// pumpSocketToTunnel is the socket -> tunnel half of the splice: each
// accepted connection gets its own goroutine blocking on Read, since
// gonet's adapter has no poll/select surface to multiplex over. It is
// out's sole writer, so it alone is positioned to retire the
// connection once Read reports the socket is done: that's the only
// moment at which closing out (done by teardownConn, via
// registry.Remove) can never race a concurrent send.
func (e *Engine) pumpSocketToTunnel(id registry.Handle, conn *gonet.TCPConn, out chan<- []byte) {
	buf := make([]byte, socketReadChunk)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			// A full tunnel channel blocks this goroutine instead of
			// dropping the chunk: the socket stops being read, so the
			// remaining bytes stay in its receive buffer and the peer's
			// window closes.
			out <- append([]byte(nil), buf[:n]...)
		}
		if err != nil {
			e.teardownConn(id, conn)
			return
		}
	}
}

// pumpTunnelIngress is the tunnel -> socket half of the splice: it
// drains the registry's single fan-in stream and writes each chunk to
// the socket it's tagged for.
func (e *Engine) pumpTunnelIngress(ctx context.Context) {
	for {
		select {
		case item := <-e.reg.Ingress():
			e.mu.Lock()
			conn, ok := e.conns[item.Handle]
			e.mu.Unlock()
			if !ok {
				continue
			}
			if _, err := conn.Write(item.Data); err != nil {
				// Close only the socket here: this unblocks the
				// pumpSocketToTunnel goroutine's Read, which then
				// performs the actual teardown once it's certain no
				// further write to the egress channel is coming.
				e.abortConn(item.Handle)
			}
		case <-ctx.Done():
			return
		}
	}
}

// pumpEgress forwards every packet the stack queues for transmission
// out to the TUN.
func (e *Engine) pumpEgress(ctx context.Context, out chan<- []byte) {
	for {
		pkt, ok := e.phy.ReadEgress(ctx)
		if !ok {
			return
		}
		if e.cfg.Offload {
			// The stack already computed a correct checksum; there is
			// nothing to ask the kernel's offload path to redo.
			pkt = offload.PrependNone(pkt)
		}
		select {
		case out <- pkt:
		case <-ctx.Done():
			return
		}
	}
}

// abortConn closes id's socket to force its pumpSocketToTunnel
// goroutine's blocked Read to return, without itself touching the
// registry or conns map: it does not own the egress channel and must
// not race its sole writer.
func (e *Engine) abortConn(id registry.Handle) {
	e.mu.Lock()
	conn, ok := e.conns[id]
	e.mu.Unlock()
	if !ok {
		return
	}
	conn.Close()
}

// teardownConn retires id: it removes the conns bookkeeping, then
// asks the registry to drop id, which closes the egress channel and
// signals EOF to the relayer. Only pumpSocketToTunnel calls this,
// strictly after its Read loop has permanently stopped, which is what
// makes closing the egress channel here safe.
func (e *Engine) teardownConn(id registry.Handle, conn *gonet.TCPConn) {
	e.mu.Lock()
	_, ok := e.conns[id]
	if ok {
		delete(e.conns, id)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	e.reg.Remove(id)
	conn.Close()
}

// reapStale performs the periodic two-pass sweep: collect handles the
// registry still holds but that this engine no longer has a live
// connection for, then remove them. pumpSocketToTunnel already reaps
// eagerly on read error; this catches anything that slipped past that
// path (e.g. a connection closed before it was ever registered).
func (e *Engine) reapStale() {
	var stale []registry.Handle
	for _, h := range e.reg.Handles() {
		e.mu.Lock()
		_, ok := e.conns[h]
		e.mu.Unlock()
		if !ok {
			stale = append(stale, h)
		}
	}
	for _, h := range stale {
		e.reg.Remove(h)
	}
}

func addrPortFromEndpointID(id stack.TransportEndpointID) netip.AddrPort {
	return netip.AddrPortFrom(addrFromTCPIPAddress(id.LocalAddress), id.LocalPort)
}

// addrFromTCPIPAddress converts a tcpip.Address, a direct byte-string
// conversion type in this netstack vintage, to a netip.Addr.
func addrFromTCPIPAddress(a tcpip.Address) netip.Addr {
	b := []byte(a)
	switch len(b) {
	case 4:
		var a4 [4]byte
		copy(a4[:], b)
		return netip.AddrFrom4(a4)
	case 16:
		var a16 [16]byte
		copy(a16[:], b)
		return netip.AddrFrom16(a16)
	default:
		return netip.Addr{}
	}
}
