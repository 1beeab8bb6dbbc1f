package admission

import (
	"github.com/r2northstar/cubenet/pkg/cubeaddr"
	"github.com/r2northstar/cubenet/pkg/cubemsg"
	"github.com/r2northstar/cubenet/pkg/dispatch"
)

// handleInnAnnHandoff starts Phase 2: this node has been chosen as ANN for
// client, and must pick and offer it a cube address.
func (e *Engine) handleInnAnnHandoff(id dispatch.LinkID, m cubemsg.Message) {
	client := m.Peer
	innAddr := m.Src

	occupied, err := decodeOccupied(m.Data)
	if err != nil {
		e.Logger.Debug().Err(err).Msg("admission: malformed occupied payload in handoff")
		return
	}

	link, ok := e.State.Vacancy()
	var candidate cubeaddr.Addr
	annDim := e.State.Dim()
	if ok {
		candidate = e.State.Addr().FollowLink(link)
	} else {
		// No vacancy: this ANN expands its own dimension to host the new
		// peer as its sole neighbor (spec.md §4.6 edge path, reused here
		// when tryANN's candidate happens to have just filled up).
		candidate = e.State.Addr() | cubeaddr.Addr(1<<annDim)
		annDim++
	}

	dialed, err := e.Dialer.Dial(client)
	if err != nil {
		e.Logger.Debug().Err(err).Msg("admission: ANN dial to EXT failed")
		e.failToINN(innAddr, client)
		return
	}
	clientLink := e.adoptLink(dialed, client)

	rec := &annRecord{
		id: randomAdmissionID(), peer: client, innAddr: innAddr, candidate: candidate, dim: annDim,
		clientLink: clientLink, lastSent: cubemsg.ConnAnnExtOffer, occupied: occupied,
	}
	e.mu.Lock()
	e.ann[client] = rec
	e.mu.Unlock()

	_ = e.Dispatcher.Send(clientLink, cubemsg.Message{
		Src: cubeaddr.Invalid, Dst: candidate, Type: cubemsg.ConnAnnExtOffer, Data: cubemsg.EncodeDim(rec.dim),
	})
}

func (e *Engine) failToINN(innAddr cubeaddr.Addr, client connKey) {
	if !innAddr.IsUnicast() {
		return
	}
	e.Router.RouteUnicast(cubemsg.Message{
		Src: e.State.Addr(), Dst: innAddr, Type: cubemsg.ConnAnnInnFail, Peer: client,
	})
}

// handleExtAnnAccept completes Phase 2's happy path: the candidate accepted
// its offered address. If the candidate's only prospective neighbor is the
// ANN itself, take the single-neighbor fast path; otherwise begin Phase 3.
func (e *Engine) handleExtAnnAccept(id dispatch.LinkID, m cubemsg.Message) {
	client := e.addrOf(id)
	e.mu.Lock()
	rec, ok := e.ann[client]
	if !ok || rec.clientLink != id {
		e.mu.Unlock()
		return
	}
	if err := checkPrev(m.Type, rec.lastSent, true); err != nil {
		e.mu.Unlock()
		_ = e.Dispatcher.Send(id, stateReject(m, rec.lastSent))
		return
	}
	rec.invalid = soleInvalidMask(rec.dim, e.State.Addr(), rec.candidate, rec.occupied)
	solo := onlyOneProspectiveNeighbor(rec.dim, rec.invalid)
	rec.soleNbr = solo
	e.mu.Unlock()

	if solo {
		e.annSingleNeighborFastPath(rec)
		return
	}
	e.startPhase3(rec)
}

// soleInvalidMask marks, among the dim prospective neighbor positions of
// candidate, which link indices are not actually occupied nodes this ANN can
// ask to become a neighbor: the ANN's own position is always live by
// construction, and any other position is live only if the INN's Phase 1
// aggregate (occupied) says a node actually answered at that address. A
// prospective neighbor address with no bit set in occupied never reported
// in, so it isn't a real node to connect — not merely "not the ANN".
func soleInvalidMask(dim uint32, annAddr, candidate cubeaddr.Addr, occupied cubeaddr.BitVec) cubeaddr.BitVec {
	var invalid cubeaddr.BitVec
	for i := 0; i < int(dim); i++ {
		nbr := candidate.FollowLink(i)
		if nbr == annAddr {
			continue // the ANN itself fills this position
		}
		if nbr.IsUnicast() && int(nbr) < cubeaddr.MaxDim && occupied.Bit(int(nbr)) {
			continue // a live node reported in at this address
		}
		invalid = invalid.Set(i)
	}
	return invalid
}

func onlyOneProspectiveNeighbor(dim uint32, invalid cubeaddr.BitVec) bool {
	return invalid.CountOnes() >= int(dim)-1
}

// handleExtAnnDecline implements Phase 2's unhappy path.
func (e *Engine) handleExtAnnDecline(id dispatch.LinkID, m cubemsg.Message) {
	client := e.addrOf(id)
	e.mu.Lock()
	rec, ok := e.ann[client]
	if ok {
		delete(e.ann, client)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	e.closeClientLink(rec.clientLink)
	e.failToINN(rec.innAddr, client)
}
