package admission

import (
	"github.com/r2northstar/cubenet/pkg/cubeaddr"
	"github.com/r2northstar/cubenet/pkg/cubemsg"
	"github.com/r2northstar/cubenet/pkg/dispatch"
)

// handleAnnInnFail is the INN's recovery path when an ANN it handed a
// candidate off to could not complete admission: per spec.md §7, "admission
// failures fall back to ANN re-selection at the INN then to dimension
// expansion then to refusal."
func (e *Engine) handleAnnInnFail(id dispatch.LinkID, m cubemsg.Message) {
	client := m.Peer
	e.mu.Lock()
	rec, ok := e.inn[client]
	if ok && m.Src.IsUnicast() && int(m.Src) < cubeaddr.MaxDim {
		rec.triedANN = rec.triedANN.Set(int(m.Src))
		rec.able = rec.able.AndNot(rec.triedANN)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	if candidate, found := e.tryANN(rec); found {
		rec.lastSent = cubemsg.ConnInnAnnHandoff
		e.Router.RouteUnicast(cubemsg.Message{
			Src: e.State.Addr(), Dst: candidate, Type: cubemsg.ConnInnAnnHandoff, Peer: client,
			Data: encodeOccupied(rec.occupied),
		})
		return
	}
	e.expandDimension(rec)
}

// handleAnnNbrFail is a prospective neighbor's cleanup when the ANN bailed
// on the admission it was part of.
func (e *Engine) handleAnnNbrFail(id dispatch.LinkID, m cubemsg.Message) {
	client := m.Peer
	e.mu.Lock()
	rec, ok := e.nbr[client]
	if ok {
		delete(e.nbr, client)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	e.closeClientLink(rec.clientLink)
}
