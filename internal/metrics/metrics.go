// Package metrics exposes the Prometheus collectors the stack engine
// updates as it runs: PHY pool occupancy, tunnel registry size, and
// per-stage drop/outcome counters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Stack bundles every collector the engine touches. Callers register
// it once with a prometheus.Registerer of their choosing; the zero
// value is not usable, use NewStack.
type Stack struct {
	PacketsClassified *prometheus.CounterVec
	SynsTrapped       prometheus.Counter
	MSSClamped        prometheus.Counter
	PacketsDropped    *prometheus.CounterVec
	HandshakeOutcomes *prometheus.CounterVec
	ActiveTunnels     prometheus.Gauge
	PendingSyns       prometheus.Gauge
	TXPoolSize        prometheus.Gauge
	TXPoolArenas      prometheus.Gauge
}

// NewStack builds a Stack with the given metric namespace, ready to
// register.
func NewStack(namespace string) *Stack {
	return &Stack{
		PacketsClassified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_classified_total",
			Help:      "IP packets classified by the packet classifier, by class.",
		}, []string{"class"}),
		SynsTrapped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "syns_trapped_total",
			Help:      "Pure TCP SYNs trapped for handshake handling.",
		}),
		MSSClamped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mss_clamped_total",
			Help:      "Trapped SYNs whose MSS option was rewritten down to the egress MTU.",
		}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Packets dropped, by reason.",
		}, []string{"reason"}),
		HandshakeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_outcomes_total",
			Help:      "Handshake Controller outcomes, by mode and result.",
		}, []string{"mode", "result"}),
		ActiveTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tunnels",
			Help:      "Current number of live entries in the tunnel registry.",
		}),
		PendingSyns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_syns",
			Help:      "Current number of SYNs buffered awaiting Consistent-mode confirmation.",
		}),
		TXPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tx_pool_bytes_available",
			Help:      "Bytes available in the head-of-pool TX arena.",
		}),
		TXPoolArenas: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tx_pool_arenas",
			Help:      "Number of arenas currently held in the PHY TX buffer pool.",
		}),
	}
}

// MustRegister registers every collector in s with reg.
func (s *Stack) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		s.PacketsClassified,
		s.SynsTrapped,
		s.MSSClamped,
		s.PacketsDropped,
		s.HandshakeOutcomes,
		s.ActiveTunnels,
		s.PendingSyns,
		s.TXPoolSize,
		s.TXPoolArenas,
	)
}
