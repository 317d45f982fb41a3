// Package config holds the immutable configuration for a Prism stack
// instance, constructed once at startup.
package config

import "fmt"

// HandshakeMode selects how the Handshake Controller reacts to a
// trapped SYN: whether it synthesizes a SYN-ACK before the remote
// tunnel is confirmed (Fast) or waits for confirmation first
// (Consistent).
type HandshakeMode int

const (
	// Fast accepts a trapped connection immediately and requests the
	// remote tunnel in parallel, minimizing latency at the risk of a
	// stalled half-open connection if the tunnel later fails.
	Fast HandshakeMode = iota
	// Consistent buffers the trapped SYN until the remote tunnel
	// confirms readiness, guaranteeing a handshake completes only when
	// the far side is ready.
	Consistent
)

func (m HandshakeMode) String() string {
	switch m {
	case Fast:
		return "fast"
	case Consistent:
		return "consistent"
	default:
		return fmt.Sprintf("HandshakeMode(%d)", int(m))
	}
}

// Default tunable values, taken from the reference implementation's
// constants module.
const (
	// DefaultBatchSize is the maximum number of ingress packets drained
	// from the TUN channel per event-loop wakeup.
	DefaultBatchSize = 64
	// DefaultPacketChannelSize is the queue depth for TUN<->stack packet
	// channels.
	DefaultPacketChannelSize = 8192
	// DefaultTunnelChannelSize is the queue depth for per-tunnel byte
	// channels.
	DefaultTunnelChannelSize = 1024
	// DefaultControlChannelSize is the queue depth for control/feedback
	// channels (handshake confirmations).
	DefaultControlChannelSize = 128
	// DefaultTCPBufferSize is the receive and send buffer size given to
	// every synthesized TCP socket.
	DefaultTCPBufferSize = 2 * 1024 * 1024
	// DefaultKeepAliveSeconds is the TCP keepalive interval applied to
	// every synthesized socket.
	DefaultKeepAliveSeconds = 60
	// DefaultEgressMTU is the MSS clamping ceiling.
	DefaultEgressMTU = 1280
	// DefaultMTU is the PHY's reported MTU when not overridden.
	DefaultMTU = 1500
	// DefaultTXPoolCapacity is the initial number of arenas kept in the
	// PHY's TX buffer pool.
	DefaultTXPoolCapacity = 64
	// DefaultTXPoolMaxSize bounds the TX buffer pool to prevent
	// unbounded growth under adversarial burst.
	DefaultTXPoolMaxSize = 128
	// DefaultTXPoolRecycleThreshold is the minimum remaining capacity a
	// carved TX buffer must retain to be recycled back into the pool.
	DefaultTXPoolRecycleThreshold = 2048
	// DefaultTXArenaSize is the size of one pooled TX arena (one jumbo
	// frame).
	DefaultTXArenaSize = 65535
)

// VirtualGatewayIPv4 and VirtualGatewayIPv6 are the implementation-
// prescribed default gateway addresses (spec.md §6).
const (
	VirtualGatewayIPv4      = "10.11.12.1"
	VirtualGatewayIPv4Bits  = 24
	VirtualGatewayIPv6      = "fd00::1"
	VirtualGatewayIPv6Bits  = 64
)

// Stack is the immutable configuration for one PrismStack instance.
// It is built once via New, optionally adjusted field by field, and
// not mutated once handed to engine.New, which works on its own copy.
type Stack struct {
	// HandshakeMode selects Fast or Consistent handshake semantics.
	HandshakeMode HandshakeMode
	// EgressMTU is the MSS clamping ceiling applied to trapped SYNs.
	EgressMTU uint16
	// MTU is the PHY's reported maximum transmission unit.
	MTU uint32
	// Offload enables virtio-net header encode/decode on the TUN path.
	Offload bool

	BatchSize             int
	PacketChannelSize     int
	TunnelChannelSize     int
	ControlChannelSize    int
	TCPRxBufferSize       int
	TCPTxBufferSize       int
	KeepAliveSeconds      int
	TXPoolCapacity        int
	TXPoolMaxSize         int
	TXPoolRecycleThresh   int
	TXArenaSize           int
}

// New returns a Stack configuration with every field defaulted, which
// the caller may then override field by field before passing it to
// engine.New.
func New(mode HandshakeMode) Stack {
	return Stack{
		HandshakeMode:       mode,
		EgressMTU:           DefaultEgressMTU,
		MTU:                 DefaultMTU,
		Offload:             false,
		BatchSize:           DefaultBatchSize,
		PacketChannelSize:   DefaultPacketChannelSize,
		TunnelChannelSize:   DefaultTunnelChannelSize,
		ControlChannelSize:  DefaultControlChannelSize,
		TCPRxBufferSize:     DefaultTCPBufferSize,
		TCPTxBufferSize:     DefaultTCPBufferSize,
		KeepAliveSeconds:    DefaultKeepAliveSeconds,
		TXPoolCapacity:      DefaultTXPoolCapacity,
		TXPoolMaxSize:       DefaultTXPoolMaxSize,
		TXPoolRecycleThresh: DefaultTXPoolRecycleThreshold,
		TXArenaSize:         DefaultTXArenaSize,
	}
}

// CheckAndSetDefaults validates the configuration and fills in any
// zero-valued field with its default, in the style of the pack's
// vnet.Config.CheckAndSetDefaults.
func (s *Stack) CheckAndSetDefaults() error {
	if s.EgressMTU == 0 {
		s.EgressMTU = DefaultEgressMTU
	}
	if s.MTU == 0 {
		s.MTU = DefaultMTU
	}
	if s.MTU > 65535 {
		return fmt.Errorf("config: MTU %d exceeds maximum offload-header packet size 65535", s.MTU)
	}
	if s.BatchSize <= 0 {
		s.BatchSize = DefaultBatchSize
	}
	if s.PacketChannelSize <= 0 {
		s.PacketChannelSize = DefaultPacketChannelSize
	}
	if s.TunnelChannelSize <= 0 {
		s.TunnelChannelSize = DefaultTunnelChannelSize
	}
	if s.ControlChannelSize <= 0 {
		s.ControlChannelSize = DefaultControlChannelSize
	}
	if s.TCPRxBufferSize <= 0 {
		s.TCPRxBufferSize = DefaultTCPBufferSize
	}
	if s.TCPTxBufferSize <= 0 {
		s.TCPTxBufferSize = DefaultTCPBufferSize
	}
	if s.KeepAliveSeconds <= 0 {
		s.KeepAliveSeconds = DefaultKeepAliveSeconds
	}
	if s.TXPoolCapacity <= 0 {
		s.TXPoolCapacity = DefaultTXPoolCapacity
	}
	if s.TXPoolMaxSize <= 0 {
		s.TXPoolMaxSize = DefaultTXPoolMaxSize
	}
	if s.TXPoolMaxSize < s.TXPoolCapacity {
		s.TXPoolMaxSize = s.TXPoolCapacity
	}
	if s.TXPoolRecycleThresh <= 0 {
		s.TXPoolRecycleThresh = DefaultTXPoolRecycleThreshold
	}
	if s.TXArenaSize <= 0 {
		s.TXArenaSize = DefaultTXArenaSize
	}
	return nil
}
