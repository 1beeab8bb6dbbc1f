package cubestate

import (
	"time"

	"github.com/r2northstar/cubenet/pkg/cubeaddr"
	"github.com/r2northstar/cubenet/pkg/cubemsg"
)

// Broadcast implements spec.md §4.3 (Katseff Algorithm 6): process m locally
// if its destination calls for it, then forward a copy on every live link
// the travel vector still asks to cover, each carrying a narrowed onward
// travel vector so no node receives the same broadcast twice.
//
// Reception at a node with dimension dim and live-link bitmap links:
//
//  1. newtravel := (travel | ^links) restricted to the low dim bits — for
//     any link the node doesn't have, leave its travel bit set, since this
//     node cannot personally cover that branch of an incomplete cube and the
//     obligation must be left for whichever neighbor can.
//  2. For link i from dim-1 down to 0: if link i is live, clear bit i of
//     newtravel (this node is about to take responsibility for it, or
//     already has). If, in addition, the original travel vector asked for
//     link i (travel.Bit(i)) and link i is live, forward a copy with the
//     travel vector as it stands right after that clear — i.e. with bits
//     i..dim-1 already stripped, so the recipient only forwards strictly
//     lower-numbered links and no node receives two copies of the same
//     broadcast along different paths of a complete subcube.
func (r *Router) Broadcast(m cubemsg.Message) {
	r.m.broadcastSeen.Inc()
	start := time.Now()
	defer func() { r.m.broadcastFanout.Update(time.Since(start).Seconds()) }()

	if m.Dst == cubeaddr.BcastProcess {
		r.State.Inbox.Push(Delivered{Msg: m})
	}

	dim := r.State.Dim()
	links := r.State.Links()
	full := cubeaddr.Full(dim)
	newtravel := m.Travel.Or(full.AndNot(links)).And(full)

	for i := int(dim) - 1; i >= 0; i-- {
		if !links.Bit(i) {
			continue
		}
		newtravel = newtravel.Clear(i)
		if m.Travel.Bit(i) {
			fwd := m
			fwd.Dst = cubeaddr.BcastForward
			fwd.Travel = newtravel
			if id, ok := r.State.NeighborAt(i); ok {
				_ = r.Sender.Send(id, fwd)
			}
		}
	}
}

// SendBroadcast originates a new broadcast from this node (spec.md §4.8):
// it is processed locally and forwarded along every live link, exactly as if
// it had arrived from a neighbor with a full travel vector.
func (r *Router) SendBroadcast(payload []byte) {
	dim := r.State.Dim()
	m := cubemsg.Message{
		Src:    r.State.Addr(),
		Dst:    cubeaddr.BcastProcess,
		Travel: cubeaddr.Full(dim),
		Type:   cubemsg.BroadcastMsg,
		Data:   payload,
	}
	r.Broadcast(m)
}
