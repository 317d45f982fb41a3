package engine

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"inet.af/netstack/tcpip"

	"github.com/mciart/prism/internal/config"
	"github.com/mciart/prism/internal/handshake"
	"github.com/mciart/prism/internal/registry"
	"github.com/mciart/prism/relayer"
)

func buildIPv4Packet(t *testing.T, protocol byte, payload []byte) []byte {
	t.Helper()
	pkt := make([]byte, 20+len(payload))
	pkt[0] = 0x45
	pkt[9] = protocol
	pkt[12], pkt[13], pkt[14], pkt[15] = 10, 0, 0, 1
	pkt[16], pkt[17], pkt[18], pkt[19] = 10, 0, 0, 2
	copy(pkt[20:], payload)
	return pkt
}

func buildPureSYN(t *testing.T) []byte {
	t.Helper()
	tcpHeader := make([]byte, 20)
	tcpHeader[0], tcpHeader[1] = 0x1f, 0x90 // src port 8080
	tcpHeader[2], tcpHeader[3] = 0x00, 0x50 // dst port 80
	tcpHeader[12] = 5 << 4                  // data offset = 20 bytes, no options
	tcpHeader[13] = 0x02                    // SYN
	return buildIPv4Packet(t, 6, tcpHeader)
}

func buildUDPPacket(t *testing.T) []byte {
	t.Helper()
	udpHeader := make([]byte, 8)
	return buildIPv4Packet(t, 17, udpHeader)
}

func newTestEngine(t *testing.T, requests chan<- relayer.Request, blindRelay chan<- []byte) *Engine {
	t.Helper()
	cfg := config.New(config.Fast)
	e, err := New(cfg, requests, blindRelay, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func TestAddrFromTCPIPAddressIPv4(t *testing.T) {
	got := addrFromTCPIPAddress(tcpip.Address([]byte{10, 0, 0, 1}))
	want := netip.MustParseAddr("10.0.0.1")
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestAddrFromTCPIPAddressIPv6(t *testing.T) {
	want := netip.MustParseAddr("fd00::1")
	got := addrFromTCPIPAddress(tcpip.Address(want.AsSlice()))
	if got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestAddrFromTCPIPAddressInvalidLength(t *testing.T) {
	got := addrFromTCPIPAddress(tcpip.Address([]byte{1, 2, 3}))
	if got.IsValid() {
		t.Fatalf("got valid addr %v from malformed input, want zero value", got)
	}
}

func TestHandlePacketRoutesNonTCPToBlindRelay(t *testing.T) {
	blind := make(chan []byte, 1)
	e := newTestEngine(t, make(chan relayer.Request, 1), blind)

	e.handlePacket(context.Background(), buildUDPPacket(t))

	select {
	case <-blind:
	case <-time.After(time.Second):
		t.Fatalf("UDP packet never reached the blind relay")
	}
}

func TestHandlePacketDropsNonTCPWhenBlindRelayFull(t *testing.T) {
	blind := make(chan []byte) // unbuffered, nobody reading
	e := newTestEngine(t, make(chan relayer.Request, 1), blind)

	// Must not block or panic even though nothing drains blind.
	done := make(chan struct{})
	go func() {
		e.handlePacket(context.Background(), buildUDPPacket(t))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("handlePacket blocked instead of dropping")
	}
}

func TestHandlePacketDispatchesSYNToHandshakeController(t *testing.T) {
	requests := make(chan relayer.Request, 1)
	e := newTestEngine(t, requests, nil)

	e.handlePacket(context.Background(), buildPureSYN(t))

	select {
	case o := <-e.hs.Outcomes():
		if !o.Accept {
			t.Fatalf("Accept = false, want true for an admitted Fast-mode request")
		}
	case <-time.After(time.Second):
		t.Fatalf("no handshake outcome was produced for a pure SYN")
	}
}

func TestHandleOutcomeStashesAcceptedDestination(t *testing.T) {
	e := newTestEngine(t, make(chan relayer.Request, 1), nil)
	dst := netip.MustParseAddrPort("10.0.0.2:80")

	e.handleOutcome(fakeOutcome(dst, true, buildPureSYN(t)))

	e.mu.Lock()
	_, ok := e.pendingAccepts[dst]
	e.mu.Unlock()
	if !ok {
		t.Fatalf("accepted outcome was not stashed in pendingAccepts")
	}
}

func TestHandleOutcomeIgnoresDroppedDecision(t *testing.T) {
	e := newTestEngine(t, make(chan relayer.Request, 1), nil)
	dst := netip.MustParseAddrPort("10.0.0.2:80")

	e.handleOutcome(fakeOutcome(dst, false, buildPureSYN(t)))

	e.mu.Lock()
	_, ok := e.pendingAccepts[dst]
	e.mu.Unlock()
	if ok {
		t.Fatalf("dropped outcome must not be stashed in pendingAccepts")
	}
}

func TestReapStaleRemovesHandlesWithoutLiveConns(t *testing.T) {
	e := newTestEngine(t, make(chan relayer.Request, 1), nil)
	h := registry.Handle{LocalPort: 1, RemotePort: 2}
	e.reg.Register(h, make(chan []byte, 1), make(chan []byte, 1))

	if e.reg.Len() != 1 {
		t.Fatalf("registry.Len() = %d, want 1 before reap", e.reg.Len())
	}
	e.reapStale()
	if e.reg.Len() != 0 {
		t.Fatalf("registry.Len() = %d, want 0 after reaping a handle with no conn", e.reg.Len())
	}
}

func TestReapStaleKeepsHandlesWithLiveConns(t *testing.T) {
	e := newTestEngine(t, make(chan relayer.Request, 1), nil)
	h := registry.Handle{LocalPort: 1, RemotePort: 2}
	e.reg.Register(h, make(chan []byte, 1), make(chan []byte, 1))

	e.mu.Lock()
	e.conns[h] = nil // presence in the map is what reapStale checks
	e.mu.Unlock()

	e.reapStale()
	if e.reg.Len() != 1 {
		t.Fatalf("registry.Len() = %d, want 1: a handle with a live conn must survive reaping", e.reg.Len())
	}
}

func fakeOutcome(dst netip.AddrPort, accept bool, packet []byte) handshake.Outcome {
	return handshake.Outcome{Dst: dst, Packet: packet, In: make(chan []byte, 1), Out: make(chan []byte, 1), Accept: accept}
}
