// Command prismd wires a Prism stack instance together and serves its
// Prometheus metrics. It is a reference assembly, not a full edge
// proxy: reading packets from a real TUN device and dialing a real
// TLS/QUIC tunnel transport are both explicitly out of scope (see
// SPEC_FULL.md §1 Non-goals) and left to the embedding application,
// which supplies its own ingress/egress channels and relayer.Dispatcher
// in place of the loopback stand-ins used here.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/mciart/prism/internal/config"
	"github.com/mciart/prism/internal/engine"
	"github.com/mciart/prism/internal/logger"
	"github.com/mciart/prism/internal/metrics"
	"github.com/mciart/prism/relayer"
)

func main() {
	var (
		metricsAddr = flag.String("metrics-addr", ":9090", "address to serve Prometheus metrics on")
		mode        = flag.String("handshake-mode", "fast", "handshake mode: fast or consistent")
	)
	flag.Parse()

	log := logrus.New()
	logf := logger.FromLogrus(log)

	handshakeMode, err := parseHandshakeMode(*mode)
	if err != nil {
		log.Fatal(err)
	}

	m := metrics.NewStack("prism")
	reg := prometheus.NewRegistry()
	m.MustRegister(reg)

	loopback := relayer.NewLoopback(config.DefaultTunnelChannelSize)
	defer loopback.Close()

	blindRelay := make(chan []byte, config.DefaultPacketChannelSize)
	go drainBlindRelay(blindRelay, logger.WithPrefix(logf, "blind-relay: "))

	eng, err := engine.New(config.New(handshakeMode), loopback.Requests(), blindRelay, m, logger.WithPrefix(logf, "engine: "))
	if err != nil {
		log.Fatalf("building engine: %v", err)
	}
	defer eng.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// No TUN device is wired up here; these channels sit idle until an
	// embedder replaces this reference assembly with real packet I/O.
	ingress := make(chan []byte)
	egress := make(chan []byte, config.DefaultPacketChannelSize)
	go discardEgress(egress)

	go func() {
		if err := eng.Run(ctx, ingress, egress); err != nil && ctx.Err() == nil {
			logf("engine stopped: %v", err)
		}
	}()

	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: *metricsAddr}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics server: %v", err)
		}
	}()

	<-ctx.Done()
	srv.Close()
}

func parseHandshakeMode(s string) (config.HandshakeMode, error) {
	switch s {
	case "fast":
		return config.Fast, nil
	case "consistent":
		return config.Consistent, nil
	default:
		return 0, fmt.Errorf("unknown handshake mode %q", s)
	}
}

func drainBlindRelay(ch <-chan []byte, logf logger.Logf) {
	for pkt := range ch {
		logf("dropping %d bytes of non-TCP traffic: no blind relay transport wired up", len(pkt))
	}
}

func discardEgress(ch <-chan []byte) {
	for range ch {
	}
}
