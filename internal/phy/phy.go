// Package phy implements the Virtual PHY: the link-layer adapter that
// sits between the TUN device and the userspace TCP/IP stack. It
// injects ingress IP packets into the stack's NIC and pumps egress
// packets the stack wants transmitted back out to the TUN, reusing a
// pool of large arenas to avoid an allocation per egress packet.
package phy

import (
	"context"
	"sync"

	"inet.af/netstack/tcpip"
	"inet.af/netstack/tcpip/buffer"
	"inet.af/netstack/tcpip/header"
	"inet.af/netstack/tcpip/link/channel"
	"inet.af/netstack/tcpip/stack"

	"github.com/mciart/prism/internal/config"
	"github.com/mciart/prism/internal/metrics"
)

// PHY is the Virtual PHY: a gvisor-style channel.Endpoint fronted by a
// TX arena pool for egress packet delivery.
type PHY struct {
	ep   *channel.Endpoint
	pool *arenaPool
}

// New builds a Virtual PHY with the given outbound queue depth, MTU,
// and link address, sized per cfg's TX pool tunables.
func New(cfg config.Stack, queueDepth int, linkAddr tcpip.LinkAddress, m *metrics.Stack) *PHY {
	return &PHY{
		ep:   channel.New(queueDepth, cfg.MTU, linkAddr),
		pool: newArenaPool(cfg.TXPoolCapacity, cfg.TXPoolMaxSize, cfg.TXArenaSize, cfg.TXPoolRecycleThresh, m),
	}
}

// Endpoint returns the underlying link endpoint, for attaching to a
// stack.Stack via CreateNIC.
func (p *PHY) Endpoint() *channel.Endpoint {
	return p.ep
}

// InjectIngress hands an IP packet read from the TUN to the stack's
// network-layer dispatcher. protocol must match the packet's IP
// version (header.IPv4ProtocolNumber or header.IPv6ProtocolNumber).
func (p *PHY) InjectIngress(protocol tcpip.NetworkProtocolNumber, pkt []byte) {
	view := buffer.NewViewFromBytes(pkt)
	pb := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Data: view.ToVectorisedView(),
	})
	p.ep.InjectInbound(protocol, pb)
}

// ClassifyProtocol returns the network protocol number for an IP
// packet based on its version nibble, or false if it's neither IPv4
// nor IPv6.
func ClassifyProtocol(pkt []byte) (tcpip.NetworkProtocolNumber, bool) {
	if len(pkt) == 0 {
		return 0, false
	}
	switch pkt[0] >> 4 {
	case 4:
		return header.IPv4ProtocolNumber, true
	case 6:
		return header.IPv6ProtocolNumber, true
	default:
		return 0, false
	}
}

// ReadEgress blocks until the stack has a packet queued for
// transmission, or ctx is done, and returns an owning copy of its
// bytes carved from the TX arena pool. It returns false if ctx was
// canceled first.
func (p *PHY) ReadEgress(ctx context.Context) ([]byte, bool) {
	pkt := p.ep.ReadContext(ctx)
	if pkt == nil {
		return nil, false
	}
	views := pkt.Views()
	total := 0
	for _, v := range views {
		total += len(v)
	}
	out := p.pool.carve(total)
	n := 0
	for _, v := range views {
		n += copy(out[n:], v)
	}
	return out[:n], true
}

// Close tears down the link endpoint, discarding any queued packets.
func (p *PHY) Close() {
	p.ep.Close()
}

// arena is a single bump-allocated byte slab. Successive carves slice
// off its front until too little room remains, mirroring the
// reference implementation's 64KiB jumbo-frame arenas.
type arena struct {
	buf []byte
	off int
}

func newArena(size int) *arena {
	return &arena{buf: make([]byte, size)}
}

func (a *arena) remaining() int {
	return len(a.buf) - a.off
}

// tryCarve slices off n bytes from the front of the arena's remaining
// space, or reports false if it doesn't fit.
func (a *arena) tryCarve(n int) ([]byte, bool) {
	if n > a.remaining() {
		return nil, false
	}
	b := a.buf[a.off : a.off+n : a.off+n]
	a.off += n
	return b, true
}

// arenaPool hands out byte slices carved from a small set of reusable
// arenas, falling back to a fresh allocation for anything that
// doesn't fit the arena size (e.g. jumbo egress frames larger than
// arenaSize). Depleted arenas are recycled back into the pool only if
// they retain at least recycleThreshold bytes of headroom; otherwise
// they're left for the garbage collector, the same trade-off the
// reference implementation's TX_POOL_RECYCLE_THRESHOLD encodes.
type arenaPool struct {
	mu              sync.Mutex
	free            []*arena
	current         *arena
	maxSize         int
	arenaSize       int
	recycleThresh   int
	m               *metrics.Stack
}

func newArenaPool(capacity, maxSize, arenaSize, recycleThresh int, m *metrics.Stack) *arenaPool {
	p := &arenaPool{
		free:          make([]*arena, 0, capacity),
		maxSize:       maxSize,
		arenaSize:     arenaSize,
		recycleThresh: recycleThresh,
		m:             m,
	}
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, newArena(arenaSize))
	}
	p.reportLocked()
	return p
}

func (p *arenaPool) carve(n int) []byte {
	if n > p.arenaSize {
		// Larger than one arena: hand back a standalone allocation
		// rather than growing the arena size for an outlier packet.
		return make([]byte, n)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == nil || p.current.remaining() < n {
		p.recycleCurrentLocked()
		p.current = p.nextArenaLocked()
	}
	b, ok := p.current.tryCarve(n)
	if !ok {
		// n fits an empty arena but not what's left of current; grab
		// a fresh one.
		p.current = newArena(p.arenaSize)
		b, _ = p.current.tryCarve(n)
	}
	p.reportLocked()
	return b
}

// recycleCurrentLocked returns p.current to the free list if it still
// has enough headroom to be worth reusing.
func (p *arenaPool) recycleCurrentLocked() {
	if p.current == nil {
		return
	}
	if p.current.remaining() >= p.recycleThresh && len(p.free) < p.maxSize {
		p.free = append(p.free, p.current)
	}
	p.current = nil
}

func (p *arenaPool) nextArenaLocked() *arena {
	if n := len(p.free); n > 0 {
		a := p.free[n-1]
		p.free = p.free[:n-1]
		return a
	}
	return newArena(p.arenaSize)
}

func (p *arenaPool) reportLocked() {
	if p.m == nil {
		return
	}
	p.m.TXPoolArenas.Set(float64(len(p.free)))
	if p.current != nil {
		p.m.TXPoolSize.Set(float64(p.current.remaining()))
	} else {
		p.m.TXPoolSize.Set(0)
	}
}
