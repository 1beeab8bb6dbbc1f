package admission

import (
	"net/netip"
	"time"

	"github.com/r2northstar/cubenet/pkg/cubeaddr"
	"github.com/r2northstar/cubenet/pkg/cubemsg"
	"github.com/r2northstar/cubenet/pkg/dispatch"
)

// startEdgeAttach implements spec.md §4.6's single-node fast path: a node at
// dim 0, willing to accept the candidate, skips Phase 1 entirely and acts as
// its own sole ANN.
func (e *Engine) startEdgeAttach(innLink dispatch.LinkID, client netip.AddrPort) {
	rec := &annRecord{
		id: randomAdmissionID(), peer: client, innAddr: e.State.Addr(), candidate: e.State.Addr() | 1,
		dim: 1, clientLink: innLink, lastSent: cubemsg.ConnAnnExtOffer, soleNbr: true,
		startedAt: time.Now(),
	}
	e.mu.Lock()
	e.ann[client] = rec
	e.mu.Unlock()

	_ = e.Dispatcher.Send(innLink, cubemsg.Message{
		Src: cubeaddr.Invalid, Dst: rec.candidate, Type: cubemsg.ConnAnnExtOffer, Data: cubemsg.EncodeDim(rec.dim),
	})
}

// expandDimension implements spec.md §4.6's dimension-expansion edge path:
// no existing node is an acceptable ANN, so the INN attaches the peer
// itself, growing its own dimension.
func (e *Engine) expandDimension(rec *innRecord) {
	e.mu.Lock()
	candidate := e.State.Addr() | cubeaddr.Addr(1<<e.State.Dim())
	newDim := e.State.Dim() + 1
	ann := &annRecord{
		id: randomAdmissionID(), peer: rec.peer, innAddr: e.State.Addr(), candidate: candidate,
		dim: newDim, clientLink: rec.clientLink, lastSent: cubemsg.ConnAnnExtOffer, soleNbr: true,
		startedAt: rec.startedAt,
	}
	e.ann[rec.peer] = ann
	delete(e.inn, rec.peer)
	e.mu.Unlock()

	_ = e.Dispatcher.Send(ann.clientLink, cubemsg.Message{
		Src: cubeaddr.Invalid, Dst: candidate, Type: cubemsg.ConnAnnExtOffer, Data: cubemsg.EncodeDim(newDim),
	})
}

// annSingleNeighborFastPath implements the rest of spec.md §4.6's edge path
// once the candidate has accepted: no Phase 3 is needed (there are no other
// neighbors), so go straight to identification.
func (e *Engine) annSingleNeighborFastPath(rec *annRecord) {
	_ = e.Dispatcher.Send(rec.clientLink, cubemsg.Message{
		Src: e.State.Addr(), Dst: cubeaddr.Invalid, Type: cubemsg.ConnNbrExtIdentify,
	})
	_ = e.Dispatcher.Send(rec.clientLink, cubemsg.Message{
		Src: e.State.Addr(), Dst: cubeaddr.Invalid, Type: cubemsg.ConnAnnExtSuccess,
	})

	if rec.innAddr == e.State.Addr() {
		// This node is also the INN (true single-node/dimension-expansion
		// path): no cube-internal success/cleanup round trip is needed,
		// there is nothing else in the cube yet to clean up.
		e.observeAdmissionDuration(rec.startedAt)
		e.mu.Lock()
		delete(e.inn, rec.peer)
		delete(e.ann, rec.peer)
		e.mu.Unlock()
	} else {
		e.Router.RouteUnicast(cubemsg.Message{
			Src: e.State.Addr(), Dst: rec.innAddr, Type: cubemsg.ConnAnnInnSuccess, Peer: rec.peer,
		})
		e.mu.Lock()
		delete(e.ann, rec.peer)
		e.mu.Unlock()
	}

	if link, ok := e.State.Addr().RelativeLink(rec.candidate); ok {
		e.State.AddNeighbor(link, rec.clientLink)
	}
}
