package handshake

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/mciart/prism/internal/config"
	"github.com/mciart/prism/internal/trap"
	"github.com/mciart/prism/relayer"
)

func waitOutcome(t *testing.T, c *Controller) Outcome {
	t.Helper()
	select {
	case o := <-c.Outcomes():
		return o
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for an outcome")
		return Outcome{}
	}
}

func TestFastModeAcceptsWhenRequestAdmitted(t *testing.T) {
	requests := make(chan relayer.Request, 1)
	c := New(config.Fast, requests, 16, 16, nil, nil)

	ev := trap.Event{Dst: netip.MustParseAddrPort("10.0.0.1:80"), Packet: []byte("syn")}
	c.HandleSYN(context.Background(), ev)

	o := waitOutcome(t, c)
	if !o.Accept {
		t.Fatalf("Accept = false, want true")
	}
	if o.Dst != ev.Dst || string(o.Packet) != "syn" {
		t.Fatalf("outcome = %+v, want Dst=%v Packet=syn", o, ev.Dst)
	}

	select {
	case req := <-requests:
		if req.Target != ev.Dst {
			t.Fatalf("request.Target = %v, want %v", req.Target, ev.Dst)
		}
		if req.Response != nil {
			t.Fatalf("fast mode must not set Response")
		}
	default:
		t.Fatalf("no tunnel request was submitted")
	}
}

func TestFastModeDropsWhenRequestQueueFull(t *testing.T) {
	requests := make(chan relayer.Request) // unbuffered, nobody reading -> try-send always fails
	c := New(config.Fast, requests, 16, 16, nil, nil)

	ev := trap.Event{Dst: netip.MustParseAddrPort("10.0.0.1:80"), Packet: []byte("syn")}
	c.HandleSYN(context.Background(), ev)

	o := waitOutcome(t, c)
	if o.Accept {
		t.Fatalf("Accept = true, want false when the request queue is full")
	}
}

func TestConsistentModeAcceptsAfterPositiveFeedback(t *testing.T) {
	requests := make(chan relayer.Request, 1)
	c := New(config.Consistent, requests, 16, 16, nil, nil)

	ev := trap.Event{Dst: netip.MustParseAddrPort("10.0.0.1:443"), Packet: []byte("syn")}
	c.HandleSYN(context.Background(), ev)

	var req relayer.Request
	select {
	case req = <-requests:
	case <-time.After(time.Second):
		t.Fatalf("no tunnel request was submitted")
	}
	if req.Response == nil {
		t.Fatalf("consistent mode must set Response")
	}

	// Nothing should be on Outcomes() until the relayer replies.
	select {
	case o := <-c.Outcomes():
		t.Fatalf("got premature outcome %+v before tunnel confirmed readiness", o)
	case <-time.After(50 * time.Millisecond):
	}

	req.Response <- true

	o := waitOutcome(t, c)
	if !o.Accept || o.Dst != ev.Dst {
		t.Fatalf("outcome = %+v, want Accept=true Dst=%v", o, ev.Dst)
	}
}

func TestConsistentModeDropsAfterNegativeFeedback(t *testing.T) {
	requests := make(chan relayer.Request, 1)
	c := New(config.Consistent, requests, 16, 16, nil, nil)

	ev := trap.Event{Dst: netip.MustParseAddrPort("10.0.0.1:443"), Packet: []byte("syn")}
	c.HandleSYN(context.Background(), ev)

	req := <-requests
	req.Response <- false

	o := waitOutcome(t, c)
	if o.Accept {
		t.Fatalf("Accept = true, want false after negative feedback")
	}
}

func TestConsistentModeDropsWhenContextCanceled(t *testing.T) {
	requests := make(chan relayer.Request, 1)
	c := New(config.Consistent, requests, 16, 16, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	ev := trap.Event{Dst: netip.MustParseAddrPort("10.0.0.1:443"), Packet: []byte("syn")}
	c.HandleSYN(ctx, ev)
	<-requests
	cancel()

	o := waitOutcome(t, c)
	if o.Accept {
		t.Fatalf("Accept = true, want false after context cancellation")
	}
}
