package admission

import (
	"github.com/r2northstar/cubenet/pkg/cubeaddr"
	"github.com/r2northstar/cubenet/pkg/dispatch"
)

// narrowBroadcast mirrors cubestate.Router.Broadcast's travel-vector
// narrowing (spec.md §4.3), returning the onward travel vector and the set
// of live links to forward to. It is kept separate from the application
// broadcast forwarder because CONN_INN_GEN_ANN broadcasts are admission
// control, not application data, and must never reach the inbox.
func narrowBroadcast(dim uint32, links, travel cubeaddr.BitVec) (newtravel cubeaddr.BitVec, forwardOn []int) {
	full := cubeaddr.Full(dim)
	newtravel = travel.Or(full.AndNot(links)).And(full)
	for i := int(dim) - 1; i >= 0; i-- {
		if !links.Bit(i) {
			continue
		}
		newtravel = newtravel.Clear(i)
		if travel.Bit(i) {
			forwardOn = append(forwardOn, i)
		}
	}
	return newtravel, forwardOn
}

// liveLinkIDs resolves a set of link indices to dispatch.LinkIDs via the
// CubeState neighbor table, skipping (silently) any that raced with a
// concurrent disconnect.
func (e *Engine) liveLinkIDs(links []int) map[int]dispatch.LinkID {
	out := make(map[int]dispatch.LinkID, len(links))
	for _, i := range links {
		if id, ok := e.State.NeighborAt(i); ok {
			out[i] = id
		}
	}
	return out
}
