package admission

import (
	"github.com/r2northstar/cubenet/pkg/cubeaddr"
	"github.com/r2northstar/cubenet/pkg/cubemsg"
	"github.com/r2northstar/cubenet/pkg/dispatch"
)

// startPhase4 unicasts CONN_ANN_NBR_IDENTIFY to every involved NBR (spec.md
// §4.6 Phase 4).
func (e *Engine) startPhase4(rec *annRecord) {
	e.mu.Lock()
	rec.pending = make(map[int]bool)
	for i := 0; i < int(rec.dim); i++ {
		if rec.invalid.Bit(i) {
			continue
		}
		if rec.candidate.FollowLink(i) == e.State.Addr() {
			continue
		}
		rec.pending[i] = true
	}
	rec.lastSent = cubemsg.ConnAnnNbrIdentify
	e.mu.Unlock()

	if len(rec.pending) == 0 {
		e.finishPhase4(rec)
		return
	}
	for i := range rec.pending {
		e.Router.RouteUnicast(cubemsg.Message{
			Src: e.State.Addr(), Dst: rec.candidate.FollowLink(i), Type: cubemsg.ConnAnnNbrIdentify, Peer: rec.peer,
		})
	}
}

// handleAnnNbrIdentify is the NBR's side of Phase 4: announce its own
// address to the client over the direct link, confirm to the ANN, and
// adopt the link as a live neighbor.
func (e *Engine) handleAnnNbrIdentify(id dispatch.LinkID, m cubemsg.Message) {
	client := m.Peer
	annAddr := m.Src

	e.mu.Lock()
	rec, ok := e.nbr[client]
	e.mu.Unlock()
	if !ok {
		return
	}

	_ = e.Dispatcher.Send(rec.clientLink, cubemsg.Message{
		Src: e.State.Addr(), Dst: cubeaddr.Invalid, Type: cubemsg.ConnNbrExtIdentify,
	})
	e.Router.RouteUnicast(cubemsg.Message{
		Src: e.State.Addr(), Dst: annAddr, Type: cubemsg.ConnNbrAnnIdentified, Peer: client,
	})

	if link, ok := e.State.Addr().RelativeLink(rec.candidate); ok {
		e.State.AddNeighbor(link, rec.clientLink)
	}
	e.mu.Lock()
	delete(e.nbr, client)
	e.mu.Unlock()
}

// handleNbrAnnIdentified aggregates Phase 4 confirmations at the ANN.
func (e *Engine) handleNbrAnnIdentified(id dispatch.LinkID, m cubemsg.Message) {
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
	delete(rec.pending, link)
	done := len(rec.pending) == 0
	e.mu.Unlock()

	if done {
		e.finishPhase4(rec)
	}
}

// finishPhase4 concludes the ANN's role: identify itself to the client,
// announce success on both sides, adopt its own link as a neighbor, and
// tell the INN to clean up.
func (e *Engine) finishPhase4(rec *annRecord) {
	_ = e.Dispatcher.Send(rec.clientLink, cubemsg.Message{
		Src: e.State.Addr(), Dst: cubeaddr.Invalid, Type: cubemsg.ConnNbrExtIdentify,
	})
	_ = e.Dispatcher.Send(rec.clientLink, cubemsg.Message{
		Src: e.State.Addr(), Dst: cubeaddr.Invalid, Type: cubemsg.ConnAnnExtSuccess,
	})
	e.Router.RouteUnicast(cubemsg.Message{
		Src: e.State.Addr(), Dst: rec.innAddr, Type: cubemsg.ConnAnnInnSuccess, Peer: rec.peer,
	})
	if link, ok := e.State.Addr().RelativeLink(rec.candidate); ok {
		e.State.AddNeighbor(link, rec.clientLink)
	}
	e.mu.Lock()
	delete(e.ann, rec.peer)
	e.mu.Unlock()
}

// handleAnnInnSuccess is the INN's terminal step: close the initial attach
// socket and broadcast cleanup to every GEN record.
func (e *Engine) handleAnnInnSuccess(id dispatch.LinkID, m cubemsg.Message) {
	client := m.Peer
	e.mu.Lock()
	rec, ok := e.inn[client]
	if ok {
		delete(e.inn, client)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	e.observeAdmissionDuration(rec.startedAt)
	e.closeClientLink(rec.clientLink)
	e.broadcastCleanup(client)
}

func (e *Engine) broadcastCleanup(client connKey) {
	dim := e.State.Dim()
	links := e.State.Links()
	_, forwardOn := narrowBroadcast(dim, links, cubeaddr.Full(dim))
	for _, id := range e.liveLinkIDs(forwardOn) {
		_ = e.Dispatcher.Send(id, cubemsg.Message{
			Src: cubeaddr.Invalid, Dst: cubeaddr.BcastForward, Travel: cubeaddr.Full(dim), Type: cubemsg.ConnInnGenCleanup, Peer: client,
		})
	}
}

// handleInnGenCleanup garbage-collects a GEN record and propagates the
// cleanup to any remaining children, same travel-vector narrowing as the
// original ANN announcement.
func (e *Engine) handleInnGenCleanup(id dispatch.LinkID, m cubemsg.Message) {
	client := m.Peer
	e.mu.Lock()
	delete(e.gen, client)
	e.mu.Unlock()

	dim := e.State.Dim()
	links := e.State.Links()
	newtravel, forwardOn := narrowBroadcast(dim, links, m.Travel)
	for _, childID := range e.liveLinkIDs(forwardOn) {
		_ = e.Dispatcher.Send(childID, cubemsg.Message{
			Src: cubeaddr.Invalid, Dst: cubeaddr.BcastForward, Travel: newtravel, Type: cubemsg.ConnInnGenCleanup, Peer: client,
		})
	}
}
