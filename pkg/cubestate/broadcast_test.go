package cubestate

import (
	"testing"

	"github.com/r2northstar/cubenet/pkg/cubeaddr"
	"github.com/r2northstar/cubenet/pkg/cubemsg"
	"github.com/r2northstar/cubenet/pkg/dispatch"
)

// TestBroadcastProcessDeliversLocallyOnce covers the "exactly-once local
// delivery" invariant from spec.md §4.3/§8: a BCAST_PROCESS destination
// pushes exactly one inbox entry regardless of how many live links forward.
func TestBroadcastProcessDeliversLocallyOnce(t *testing.T) {
	s := newTestState(0, 2)
	s.AddNeighbor(0, 100)
	s.AddNeighbor(1, 200)
	sender := &fakeSender{}
	r := NewRouter(s, sender)

	r.SendBroadcast([]byte("hello"))

	d, ok := s.Inbox.RecvNow()
	if !ok || string(d.Msg.Data) != "hello" {
		t.Fatalf("expected one local delivery, got %+v ok=%v", d, ok)
	}
	if _, ok := s.Inbox.RecvNow(); ok {
		t.Fatal("expected exactly one local delivery, got a second")
	}
}

// TestBroadcastForwardSplitsTravelVector is the spec's literal "broadcast
// exactly-once" scenario worked through by hand: a 2-dimensional node with
// both links live must forward the lower-numbered link's copy with the
// higher link's bit already stripped, so the far corner of the cube is
// never delivered the same broadcast twice from two different paths.
func TestBroadcastForwardSplitsTravelVector(t *testing.T) {
	s := newTestState(0, 2)
	s.AddNeighbor(0, 100)
	s.AddNeighbor(1, 200)
	sender := &fakeSender{}
	r := NewRouter(s, sender)

	r.SendBroadcast(nil)

	if len(sender.sent) != 2 {
		t.Fatalf("expected forwards on both live links, got %d", len(sender.sent))
	}
	byLink := map[dispatch.LinkID]cubemsg.Message{}
	for _, s := range sender.sent {
		byLink[s.id] = s.msg
	}

	link0 := byLink[100]
	if link0.Travel != 0 {
		t.Fatalf("link 0's copy should carry an empty onward travel vector, got %v", link0.Travel)
	}
	link1 := byLink[200]
	if link1.Travel != cubeaddr.BitVec(1) {
		t.Fatalf("link 1's copy should still owe link 0, got travel %v", link1.Travel)
	}
	for _, m := range byLink {
		if m.Dst != cubeaddr.BcastForward {
			t.Fatalf("forwarded copies must use BcastForward, got %v", m.Dst)
		}
	}
}

// TestBroadcastIncompleteCubeLeavesGapForNeighbor covers the incomplete-cube
// handling described in spec.md §4.3: a link this node doesn't have keeps
// its travel bit set in every onward copy, on the chance some other node
// covers that branch.
func TestBroadcastIncompleteCubeLeavesGapForNeighbor(t *testing.T) {
	s := newTestState(0, 2)
	s.AddNeighbor(0, 100) // link 1 is vacant: an incomplete cube
	sender := &fakeSender{}
	r := NewRouter(s, sender)

	r.SendBroadcast(nil)

	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one forward (link 0), got %d", len(sender.sent))
	}
	fwd := sender.sent[0].msg
	if !fwd.Travel.Bit(1) {
		t.Fatal("travel vector must still carry the vacant link's bit forward")
	}
}

// TestBroadcastIdempotenceLaw: re-broadcasting with an already-empty travel
// vector forwards nothing further (spec.md §8 "broadcast idempotence law").
func TestBroadcastIdempotenceLaw(t *testing.T) {
	s := newTestState(0, 2)
	s.AddNeighbor(0, 100)
	s.AddNeighbor(1, 200)
	sender := &fakeSender{}
	r := NewRouter(s, sender)

	m := cubemsg.Message{Src: 0, Dst: cubeaddr.BcastForward, Travel: 0, Type: cubemsg.BroadcastMsg}
	r.Broadcast(m)

	if len(sender.sent) != 0 {
		t.Fatalf("an empty travel vector must forward nothing, got %d sends", len(sender.sent))
	}
	if _, ok := s.Inbox.RecvNow(); ok {
		t.Fatal("BcastForward must never deliver locally")
	}
}
