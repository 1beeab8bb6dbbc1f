package cubestate

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/r2northstar/cubenet/pkg/cubeaddr"
	"github.com/r2northstar/cubenet/pkg/cubemsg"
	"github.com/r2northstar/cubenet/pkg/dispatch"
)

// fakeSender records every Send call instead of touching a real link, so
// router tests can assert exactly which link a message was forwarded on.
type fakeSender struct {
	sent []struct {
		id  dispatch.LinkID
		msg cubemsg.Message
	}
	fail map[dispatch.LinkID]bool
}

func (f *fakeSender) Send(id dispatch.LinkID, m cubemsg.Message) error {
	if f.fail[id] {
		return errSendFailed
	}
	f.sent = append(f.sent, struct {
		id  dispatch.LinkID
		msg cubemsg.Message
	}{id, m})
	return nil
}

var errSendFailed = &sendError{}

type sendError struct{}

func (*sendError) Error() string { return "fake send failure" }

func newTestState(addr cubeaddr.Addr, dim uint32) *CubeState {
	return New(addr, dim, zerolog.Nop())
}

// TestUnicastLoopback exercises the dst==self.addr branch of spec.md §4.2:
// delivery never touches the network.
func TestUnicastLoopback(t *testing.T) {
	s := newTestState(5, 3)
	sender := &fakeSender{}
	r := NewRouter(s, sender)

	m := cubemsg.Message{Src: 5, Dst: 5, Type: cubemsg.UnicastMsg, Data: []byte("self")}
	if !r.RouteUnicast(m) {
		t.Fatal("loopback delivery should always succeed")
	}
	if len(sender.sent) != 0 {
		t.Fatalf("loopback must not forward, got %d sends", len(sender.sent))
	}
	d, ok := s.Inbox.RecvNow()
	if !ok || string(d.Msg.Data) != "self" {
		t.Fatalf("expected loopback delivery in inbox, got %+v ok=%v", d, ok)
	}
}

// TestUnicastTwoHopper is the spec's literal end-to-end scenario (§8):
// node 0b000 wants to reach 0b011 and has live links to 0b001 and 0b010;
// the message must be forwarded on the lowest differing live bit (link 0).
func TestUnicastTwoHopper(t *testing.T) {
	s := newTestState(0, 2)
	s.AddNeighbor(0, 100) // neighbor at address 0b001
	s.AddNeighbor(1, 200) // neighbor at address 0b010

	sender := &fakeSender{}
	r := NewRouter(s, sender)

	m := cubemsg.Message{Src: 0, Dst: 3, Type: cubemsg.UnicastMsg} // dst 0b011
	if !r.RouteUnicast(m) {
		t.Fatal("expected forward to succeed")
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one forward, got %d", len(sender.sent))
	}
	if sender.sent[0].id != 100 {
		t.Fatalf("expected forward on link 0 (id 100), got id %d", sender.sent[0].id)
	}
}

// TestUnicastNoRouteGeneratesInvalidAddress covers spec.md §4.2/§7: when no
// live link covers any differing bit, and the message originated elsewhere,
// an INVALID_ADDRESS reply is routed back toward the original sender.
func TestUnicastNoRouteGeneratesInvalidAddress(t *testing.T) {
	s := newTestState(0, 1)
	s.AddNeighbor(0, 100) // only neighbor is 0b001

	sender := &fakeSender{}
	r := NewRouter(s, sender)

	// src=1 (our only neighbor), dst=2 (unreachable: bit 1 not live).
	m := cubemsg.Message{Src: 1, Dst: 2, Type: cubemsg.UnicastMsg, Data: []byte("x")}
	if r.RouteUnicast(m) {
		t.Fatal("expected routing to fail")
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one INVALID_ADDRESS reply forward, got %d", len(sender.sent))
	}
	reply := sender.sent[0].msg
	if reply.Type != cubemsg.InvalidAddress {
		t.Fatalf("expected INVALID_ADDRESS reply, got %v", reply.Type)
	}
	if reply.Dst != 1 {
		t.Fatalf("reply should route back to original sender 1, got dst %v", reply.Dst)
	}
	origType, origData, ok := cubemsg.DecodeFailurePayload(reply.Data)
	if !ok || origType != cubemsg.UnicastMsg || string(origData) != "x" {
		t.Fatalf("unexpected failure payload: %v %q ok=%v", origType, origData, ok)
	}
}

// TestUnicastNoRouteLocalOriginDeliversSyntheticFailure covers the other
// §4.2/§7 outcome: a locally originated send that can't be routed produces a
// synthetic failure entry in the inbox instead of a wire reply to self.
func TestUnicastNoRouteLocalOriginDeliversSyntheticFailure(t *testing.T) {
	s := newTestState(0, 0) // no links at all
	sender := &fakeSender{}
	r := NewRouter(s, sender)

	m := cubemsg.Message{Src: 0, Dst: 7, Type: cubemsg.UnicastMsg}
	if r.RouteUnicast(m) {
		t.Fatal("expected routing to fail")
	}
	if len(sender.sent) != 0 {
		t.Fatalf("a locally originated failure must never hit the wire, got %d sends", len(sender.sent))
	}
	d, ok := s.Inbox.RecvNow()
	if !ok || !d.Failed || d.Err == nil {
		t.Fatalf("expected a failed synthetic inbox entry, got %+v ok=%v", d, ok)
	}
}

// TestFailureNeverBounces ensures an unroutable INVALID_ADDRESS reply is
// dropped rather than regenerating another failure reply forever.
func TestFailureNeverBounces(t *testing.T) {
	s := newTestState(0, 0)
	sender := &fakeSender{}
	r := NewRouter(s, sender)

	m := cubemsg.Message{Src: 9, Dst: 1, Type: cubemsg.InvalidAddress}
	if r.RouteUnicast(m) {
		t.Fatal("expected routing to fail")
	}
	if len(sender.sent) != 0 {
		t.Fatalf("a failure reply to a failure must be dropped, got %d sends", len(sender.sent))
	}
	if _, ok := s.Inbox.RecvNow(); ok {
		t.Fatal("dropped failure-of-a-failure must not reach the inbox either")
	}
}
