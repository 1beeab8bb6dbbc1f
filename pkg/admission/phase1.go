package admission

import (
	"net/netip"
	"time"

	"github.com/r2northstar/cubenet/pkg/cubeaddr"
	"github.com/r2northstar/cubenet/pkg/cubemsg"
	"github.com/r2northstar/cubenet/pkg/dispatch"
)

// selfContribution computes this node's own (unwilling, able, occupied) bit,
// set at its own cube address, per spec.md §4.6 Phase 1: "computed from its
// own ability (vacancy()) and willingness (am_willing(addr))". occupied is
// set unconditionally — every node that reports in is, by definition, a
// live node at its own address, regardless of whether it is willing or has
// vacancy — so the INN can later tell an address that never answered from
// one that answered full (see soleInvalidMask). Aggregated bitmaps are
// indexed by cube address rather than by link number, since the later
// ANN-selection pair check (tryANN) tests specific prospective neighbor
// addresses, not link positions (see DESIGN.md "Avail bitmap indexing").
func (e *Engine) selfContribution(client netip.AddrPort) (unwilling, able, occupied cubeaddr.BitVec) {
	addr := e.State.Addr()
	if !addr.IsUnicast() || int(addr) >= cubeaddr.MaxDim {
		return 0, 0, 0
	}
	occupied = occupied.Set(int(addr))
	if !e.Policy.amWilling(client) {
		unwilling = unwilling.Set(int(addr))
	}
	if _, ok := e.State.Vacancy(); ok {
		able = able.Set(int(addr))
	}
	return unwilling, able, occupied
}

// handleExtInnAttach starts Phase 1: this node becomes the INN for a newly
// attaching candidate.
func (e *Engine) handleExtInnAttach(id dispatch.LinkID, m cubemsg.Message) {
	client := e.addrOf(id)

	if !compatibleVersion(m.Data) {
		e.Logger.Warn().Bytes("version", m.Data).Msg("admission: rejecting CONN_EXT_INN_ATTACH with incompatible protocol version")
		_ = e.Dispatcher.Send(id, cubemsg.Message{Src: cubeaddr.Invalid, Dst: cubeaddr.Invalid, Type: cubemsg.ConnInnExtConnRefused})
		e.closeClientLink(id)
		return
	}

	dim := e.State.Dim()

	if dim == 0 && e.Policy.amWilling(client) {
		e.startEdgeAttach(id, client)
		return
	}

	links := e.State.Links()
	_, forwardOn := narrowBroadcast(dim, links, cubeaddr.Full(dim))
	ids := e.liveLinkIDs(forwardOn)

	rec := &innRecord{
		id:         randomAdmissionID(),
		peer:       client,
		clientLink: id,
		pending:    make(map[int]bool, len(ids)),
		lastSent:   cubemsg.ConnInnGenAnn,
		startedAt:  time.Now(),
	}
	for i := range ids {
		rec.pending[i] = true
	}

	e.mu.Lock()
	e.inn[client] = rec
	e.mu.Unlock()
	e.Logger.Debug().Str("admission_id", rec.id).Stringer("client", netip.AddrPort(client)).Msg("admission: starting INN Phase 1")

	if len(ids) == 0 {
		e.finishINNPhase1(rec)
		return
	}
	for _, childID := range ids {
		_ = e.Dispatcher.Send(childID, cubemsg.Message{
			Src: cubeaddr.Invalid, Dst: cubeaddr.BcastForward,
			Travel: cubeaddr.Full(dim), Type: cubemsg.ConnInnGenAnn, Peer: client,
		})
	}
}

// handleInnGenAnn implements the generic-node (GEN) side of Phase 1's
// reverse-broadcast aggregation, for every node — including the INN itself
// receiving its own broadcast — that isn't the attach point.
func (e *Engine) handleInnGenAnn(id dispatch.LinkID, m cubemsg.Message) {
	client := m.Peer
	selfUnwilling, selfAble, selfOccupied := e.selfContribution(client)

	dim := e.State.Dim()
	links := e.State.Links()
	newtravel, forwardOn := narrowBroadcast(dim, links, m.Travel)
	ids := e.liveLinkIDs(forwardOn)

	if len(ids) == 0 {
		e.sendGenReply(id, client, selfUnwilling, selfAble, selfOccupied)
		return
	}

	rec := &genRecord{
		peer: client, fromLink: id, pending: make(map[int]bool, len(ids)),
		unwilling: selfUnwilling, able: selfAble, occupied: selfOccupied,
	}
	for i := range ids {
		rec.pending[i] = true
	}
	e.mu.Lock()
	e.gen[client] = rec
	e.mu.Unlock()

	for _, childID := range ids {
		_ = e.Dispatcher.Send(childID, cubemsg.Message{
			Src: cubeaddr.Invalid, Dst: cubeaddr.BcastForward,
			Travel: newtravel, Type: cubemsg.ConnInnGenAnn, Peer: client,
		})
	}
}

func (e *Engine) sendGenReply(toLink dispatch.LinkID, client connKey, unwilling, able, occupied cubeaddr.BitVec) {
	_ = e.Dispatcher.Send(toLink, cubemsg.Message{
		Src: cubeaddr.Invalid, Dst: cubeaddr.Invalid,
		Type: cubemsg.ConnGenInnAvail, Peer: client, Data: encodeAvail(unwilling, able, occupied),
	})
}

// handleGenInnAvail aggregates one child's reply, whether this node is the
// originating INN or an interior GEN node forwarding the aggregate further
// upstream.
func (e *Engine) handleGenInnAvail(id dispatch.LinkID, m cubemsg.Message) {
	client := m.Peer
	unwilling, able, occupied, err := decodeAvail(m.Data)
	if err != nil {
		e.Logger.Debug().Err(err).Msg("admission: malformed avail payload")
		return
	}
	linkIdx, found := e.linkIndexOf(id)

	e.mu.Lock()
	if rec, ok := e.inn[client]; ok {
		if err := checkPrev(m.Type, rec.lastSent, true); err != nil {
			e.mu.Unlock()
			_ = e.Dispatcher.Send(id, stateReject(m, rec.lastSent))
			return
		}
		rec.unwilling = rec.unwilling.Or(unwilling)
		rec.able = rec.able.Or(able)
		rec.occupied = rec.occupied.Or(occupied)
		if found {
			delete(rec.pending, linkIdx)
		}
		done := len(rec.pending) == 0
		e.mu.Unlock()
		if done {
			e.finishINNPhase1(rec)
		}
		return
	}
	if rec, ok := e.gen[client]; ok {
		rec.unwilling = rec.unwilling.Or(unwilling)
		rec.able = rec.able.Or(able)
		rec.occupied = rec.occupied.Or(occupied)
		if found {
			delete(rec.pending, linkIdx)
		}
		done := len(rec.pending) == 0
		if done {
			delete(e.gen, client)
		}
		e.mu.Unlock()
		if done {
			e.sendGenReply(rec.fromLink, client, rec.unwilling, rec.able, rec.occupied)
		}
		return
	}
	e.mu.Unlock()
}

// linkIndexOf finds the link number currently holding id among this node's
// live neighbors, used to check a pending-child off the aggregation set.
func (e *Engine) linkIndexOf(id dispatch.LinkID) (int, bool) {
	for i, nid := range e.State.Neighbors() {
		if nid == id {
			return i, true
		}
	}
	return 0, false
}

// finishINNPhase1 runs ANN selection once every subtree has reported
// (spec.md §4.6 Phase 1 termination: "the INN then folds in its own
// willingness/ability and runs ANN selection").
func (e *Engine) finishINNPhase1(rec *innRecord) {
	selfUnwilling, selfAble, selfOccupied := e.selfContribution(rec.peer)
	rec.unwilling = rec.unwilling.Or(selfUnwilling)
	rec.able = rec.able.Or(selfAble)
	rec.occupied = rec.occupied.Or(selfOccupied)

	candidate, ok := e.tryANN(rec)
	if !ok {
		e.expandDimension(rec)
		return
	}
	rec.lastSent = cubemsg.ConnInnAnnHandoff
	handoff := cubemsg.Message{
		Src: e.State.Addr(), Dst: candidate, Type: cubemsg.ConnInnAnnHandoff, Peer: rec.peer,
		Data: encodeOccupied(rec.occupied),
	}
	e.Router.RouteUnicast(handoff)
}

// tryANN implements spec.md §4.6's ANN-selection loop: repeatedly pick a
// random candidate from the able set, verify every prospective neighbor of
// that candidate address is willing, and retry on failure.
func (e *Engine) tryANN(rec *innRecord) (cubeaddr.Addr, bool) {
	remaining := rec.able
	dim := int(e.State.Dim())
	for remaining != 0 {
		bit, ok := pickRandomBit(remaining)
		if !ok {
			break
		}
		a := cubeaddr.Addr(bit)
		good := true
		for i := 0; i < dim && good; i++ {
			for j := i + 1; j < dim; j++ {
				n := a.FollowLink(i).FollowLink(j)
				if n.IsUnicast() && int(n) < cubeaddr.MaxDim && rec.unwilling.Bit(int(n)) {
					good = false
					break
				}
			}
		}
		if good {
			return a, true
		}
		remaining = remaining.Clear(bit)
	}
	return 0, false
}

// stateReject builds the INVALID_STATE reply spec.md §6/§7 specifies:
// source and destination swapped, type replaced, and the current/attempted
// tags carried as data for diagnostics.
func stateReject(m cubemsg.Message, current cubemsg.Type) cubemsg.Message {
	return cubemsg.Message{
		Src:  m.Dst,
		Dst:  m.Src,
		Type: cubemsg.InvalidState,
		Data: []byte{byte(current), byte(m.Type)},
	}
}
