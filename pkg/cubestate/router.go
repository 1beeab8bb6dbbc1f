package cubestate

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"

	"github.com/r2northstar/cubenet/pkg/cubeaddr"
	"github.com/r2northstar/cubenet/pkg/cubemsg"
	"github.com/r2northstar/cubenet/pkg/dispatch"
)

// Sender is the subset of *dispatch.Dispatcher the router needs: a
// non-blocking, best-effort per-link send.
type Sender interface {
	Send(id dispatch.LinkID, m cubemsg.Message) error
}

// Router implements unicast send (Katseff Algorithm 3, LSB variant) and
// broadcast send (Algorithm 6) over a CubeState, plus the loopback
// short-circuit (spec.md §2 item 6 / §4.2 / §4.3 / §4.6).
type Router struct {
	State  *CubeState
	Sender Sender

	m routerMetrics
}

type routerMetrics struct {
	set              *metrics.Set
	unicastDelivered *metrics.Counter
	unicastForwarded *metrics.Counter
	unicastInvalid   *metrics.Counter
	broadcastSeen    *metrics.Counter
	broadcastFanout  *metrics.Histogram
}

// NewRouter creates a Router over state, sending link frames through sender.
func NewRouter(state *CubeState, sender Sender) *Router {
	r := &Router{State: state, Sender: sender}
	r.m.set = metrics.NewSet()
	r.m.unicastDelivered = r.m.set.NewCounter("cube_router_unicast_delivered_total")
	r.m.unicastForwarded = r.m.set.NewCounter("cube_router_unicast_forwarded_total")
	r.m.unicastInvalid = r.m.set.NewCounter("cube_router_unicast_invalid_total")
	r.m.broadcastSeen = r.m.set.NewCounter("cube_router_broadcast_seen_total")
	r.m.broadcastFanout = r.m.set.NewHistogram("cube_router_broadcast_fanout_seconds")
	return r
}

// MetricsSet exposes the router's VictoriaMetrics set.
func (r *Router) MetricsSet() *metrics.Set { return r.m.set }

// RouteUnicast implements spec.md §4.2. It returns true if m was delivered
// locally or forwarded onto a live link, and false if routing failed (an
// INVALID_ADDRESS was generated instead, or — if m originated locally — a
// synthetic failure entry was pushed to the inbox).
func (r *Router) RouteUnicast(m cubemsg.Message) bool {
	self := r.State.Addr()
	if m.Dst == self {
		r.m.unicastDelivered.Inc()
		r.State.Inbox.Push(Delivered{Msg: m})
		return true
	}

	links := r.State.Links()
	mask := cubeaddr.BitVec(self.Xor(m.Dst)) & links

	if mask == 0 {
		r.m.unicastInvalid.Inc()
		r.routingFailed(m)
		return false
	}

	link := lowestSetBit(mask)
	id, ok := r.State.NeighborAt(link)
	if !ok {
		// links snapshot raced with a concurrent disconnect; treat as
		// unroutable rather than panic.
		r.m.unicastInvalid.Inc()
		r.routingFailed(m)
		return false
	}
	if err := r.Sender.Send(id, m); err != nil {
		r.m.unicastInvalid.Inc()
		r.routingFailed(m)
		return false
	}
	r.m.unicastForwarded.Inc()
	return true
}

// routingFailed implements the two outcomes of an unroutable destination
// (spec.md §4.2/§7): reply to the original sender with INVALID_ADDRESS, or —
// if the unroutable message was originated locally — deliver a synthetic
// failure entry to the inbox so the application can correlate it with the
// send() call that produced m.
func (r *Router) routingFailed(m cubemsg.Message) {
	self := r.State.Addr()
	if m.Src == self {
		r.State.Inbox.Push(Delivered{Msg: m, Failed: true, Err: fmt.Errorf("cubestate: no route to %v", m.Dst)})
		return
	}
	if m.Type.IsFailure() {
		return // never bounce a failure reply off another failure
	}
	reply := cubemsg.Message{
		Src:  self,
		Dst:  m.Src,
		Type: cubemsg.InvalidAddress,
		Data: cubemsg.EncodeFailurePayload(m.Type, m.Data),
	}
	r.RouteUnicast(reply)
}

// lowestSetBit returns the index of the least-significant set bit of mask,
// the Katseff LSB tie-break (spec.md §4.2): deterministic regardless of
// which node computes it for the same (src, dst) pair.
func lowestSetBit(mask cubeaddr.BitVec) int {
	for i := 0; i < cubeaddr.MaxDim; i++ {
		if mask.Bit(i) {
			return i
		}
	}
	panic("cubestate: lowestSetBit called with zero mask")
}
