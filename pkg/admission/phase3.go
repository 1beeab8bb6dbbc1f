package admission

import (
	"github.com/r2northstar/cubenet/pkg/cubeaddr"
	"github.com/r2northstar/cubenet/pkg/cubemsg"
	"github.com/r2northstar/cubenet/pkg/dispatch"
)

// startPhase3 broadcasts CONN_ANN_NBR_CONNECT to every prospective neighbor
// position of the candidate, skipping the ANN's own position and any
// position already known invalid (spec.md §4.6 Phase 3).
func (e *Engine) startPhase3(rec *annRecord) {
	e.mu.Lock()
	rec.pending = make(map[int]bool)
	for i := 0; i < int(rec.dim); i++ {
		if rec.invalid.Bit(i) {
			continue
		}
		nbrAddr := rec.candidate.FollowLink(i)
		if nbrAddr == e.State.Addr() {
			continue
		}
		rec.pending[i] = true
	}
	rec.lastSent = cubemsg.ConnAnnNbrConnect
	e.mu.Unlock()

	if len(rec.pending) == 0 {
		e.finishPhase3(rec)
		return
	}
	for i := range rec.pending {
		nbrAddr := rec.candidate.FollowLink(i)
		e.Router.RouteUnicast(cubemsg.Message{
			Src: e.State.Addr(), Dst: nbrAddr, Type: cubemsg.ConnAnnNbrConnect, Peer: rec.peer,
			Data: encodeAddr(rec.candidate),
		})
	}
}

// handleAnnNbrConnect is the prospective neighbor's side of Phase 3: dial
// the candidate directly and offer it a link.
func (e *Engine) handleAnnNbrConnect(id dispatch.LinkID, m cubemsg.Message) {
	client := m.Peer
	annAddr := m.Src
	candidate, err := decodeAddr(m.Data)
	if err != nil {
		e.Logger.Debug().Err(err).Msg("admission: malformed CONN_ANN_NBR_CONNECT payload")
		return
	}

	dialed, dialErr := e.Dialer.Dial(client)
	if dialErr != nil {
		e.Logger.Debug().Err(dialErr).Msg("admission: NBR dial to EXT failed")
		e.Router.RouteUnicast(cubemsg.Message{Src: e.State.Addr(), Dst: annAddr, Type: cubemsg.ConnNbrAnnDisconnected, Peer: client})
		return
	}
	clientLink := e.adoptLink(dialed, client)

	rec := &nbrRecord{id: randomAdmissionID(), peer: client, annAddr: annAddr, candidate: candidate, clientLink: clientLink, lastSent: cubemsg.ConnNbrExtOffer}
	e.mu.Lock()
	e.nbr[client] = rec
	e.mu.Unlock()

	_ = e.Dispatcher.Send(clientLink, cubemsg.Message{
		Src: cubeaddr.Invalid, Dst: cubeaddr.Invalid, Type: cubemsg.ConnNbrExtOffer, Data: cubemsg.EncodeDim(e.State.Dim()),
	})
}

// handleExtNbrAccept/Decline are received over the direct NBR<->EXT link.
func (e *Engine) handleExtNbrAccept(id dispatch.LinkID, m cubemsg.Message) {
	client := e.addrOf(id)
	e.mu.Lock()
	rec, ok := e.nbr[client]
	e.mu.Unlock()
	if !ok || rec.clientLink != id {
		return
	}
	// spec.md §4.6 Phase 3: connected iff "src is a valid neighbor of the
	// NBR" — the candidate's claimed address must actually be adjacent to
	// this node.
	if _, valid := e.State.Addr().RelativeLink(m.Src); !valid {
		e.Logger.Debug().Stringer("src", m.Src).Msg("admission: CONN_EXT_NBR_ACCEPT src is not a neighbor of this node")
		return
	}
	e.Router.RouteUnicast(cubemsg.Message{
		Src: e.State.Addr(), Dst: rec.annAddr, Type: cubemsg.ConnNbrAnnConnected, Peer: client,
	})
}

func (e *Engine) handleExtNbrDecline(id dispatch.LinkID, m cubemsg.Message) {
	client := e.addrOf(id)
	e.mu.Lock()
	rec, ok := e.nbr[client]
	if ok {
		delete(e.nbr, client)
	}
	e.mu.Unlock()
	if !ok || rec.clientLink != id {
		return
	}
	e.closeClientLink(rec.clientLink)
	e.Router.RouteUnicast(cubemsg.Message{
		Src: e.State.Addr(), Dst: rec.annAddr, Type: cubemsg.ConnNbrAnnDisconnected, Peer: client,
	})
}

// handleNbrAnnConnectedOrDisconnected is the ANN's side of Phase 3
// termination/bail.
func (e *Engine) handleNbrAnnConnectedOrDisconnected(id dispatch.LinkID, m cubemsg.Message) {
	client := m.Peer
	nbrAddr := m.Src

	e.mu.Lock()
	rec, ok := e.ann[client]
	if !ok {
		e.mu.Unlock()
		return
	}
	if err := checkPrev(m.Type, rec.lastSent, true); err != nil {
		e.mu.Unlock()
		_ = e.Dispatcher.Send(id, stateReject(m, rec.lastSent))
		return
	}
	link, found := nbrAddr.RelativeLink(rec.candidate)
	if !found {
		e.mu.Unlock()
		return
	}
	if m.Type == cubemsg.ConnNbrAnnDisconnected {
		delete(e.ann, client)
		e.mu.Unlock()
		e.bailPhase3(rec, link)
		return
	}
	delete(rec.pending, link)
	done := len(rec.pending) == 0
	e.mu.Unlock()

	if done {
		e.finishPhase3(rec)
	}
}

// finishPhase3 moves on to Phase 4 once every prospective neighbor has
// confirmed (or been skipped as invalid/self).
func (e *Engine) finishPhase3(rec *annRecord) {
	e.startPhase4(rec)
}

// bailPhase3 implements spec.md §4.6's bail procedure: fail every
// already-connected NBR, the client, and the INN, then discard the record.
func (e *Engine) bailPhase3(rec *annRecord, failedLink int) {
	for i := 0; i < int(rec.dim); i++ {
		if i == failedLink || rec.invalid.Bit(i) {
			continue
		}
		nbrAddr := rec.candidate.FollowLink(i)
		if nbrAddr == e.State.Addr() {
			continue
		}
		e.Router.RouteUnicast(cubemsg.Message{Src: e.State.Addr(), Dst: nbrAddr, Type: cubemsg.ConnAnnNbrFail, Peer: rec.peer})
	}
	_ = e.Dispatcher.Send(rec.clientLink, cubemsg.Message{Src: e.State.Addr(), Dst: cubeaddr.Invalid, Type: cubemsg.ConnAnnExtFail})
	e.closeClientLink(rec.clientLink)
	e.failToINN(rec.innAddr, rec.peer)
}
