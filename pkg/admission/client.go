package admission

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/r2northstar/cubenet/pkg/cubeaddr"
	"github.com/r2northstar/cubenet/pkg/cubemsg"
	"github.com/r2northstar/cubenet/pkg/dispatch"
)

// Connect implements the EXT (candidate) side of admission (spec.md §6
// `connect(inn_addr)`): dial innAddr, attach, and block until the ANN
// reports success or failure. Only one Connect may be outstanding per
// Engine at a time, matching the single in-progress-connect completion
// flag spec.md §9 describes.
func (e *Engine) Connect(ctx context.Context, innAddr netip.AddrPort) (cubeaddr.Addr, error) {
	e.mu.Lock()
	if e.ext != nil {
		e.mu.Unlock()
		return 0, fmt.Errorf("admission: a connect is already in progress")
	}
	rec := &extRecord{innAddr: innAddr, nbrLinks: make(map[dispatch.LinkID]bool), lastSentNbr: make(map[dispatch.LinkID]cubemsg.Type), done: make(chan error, 1)}
	e.ext = rec
	e.mu.Unlock()

	link, err := e.Dialer.Dial(innAddr)
	if err != nil {
		e.mu.Lock()
		e.ext = nil
		e.mu.Unlock()
		return 0, fmt.Errorf("admission: dial INN: %w", err)
	}
	id := e.adoptLink(link, innAddr)
	rec.annLink = id

	if err := e.Dispatcher.Send(id, cubemsg.Message{
		Src: cubeaddr.Invalid, Dst: cubeaddr.Invalid, Type: cubemsg.ConnExtInnAttach, Data: []byte(ProtocolVersion),
	}); err != nil {
		e.mu.Lock()
		e.ext = nil
		e.mu.Unlock()
		return 0, fmt.Errorf("admission: send attach: %w", err)
	}

	select {
	case err := <-rec.done:
		if err != nil {
			return 0, err
		}
		return rec.assignedAddr, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// handleAnnExtOffer is the candidate's receipt of an offered address
// (spec.md §4.6 Phase 2). The offering link becomes the ANN link for the
// remainder of this admission, whether it is the original INN link (edge
// path) or a freshly dialed-in ANN link (general path).
func (e *Engine) handleAnnExtOffer(id dispatch.LinkID, m cubemsg.Message) {
	e.mu.Lock()
	rec := e.ext
	if rec == nil {
		e.mu.Unlock()
		return
	}
	rec.annLink = id
	rec.assignedAddr = m.Dst
	rec.lastSentANN = cubemsg.ConnExtAnnAccept
	e.mu.Unlock()

	willing := e.Policy.amWilling(e.addrOf(id))
	if !willing {
		_ = e.Dispatcher.Send(id, cubemsg.Message{Src: cubeaddr.Invalid, Dst: cubeaddr.Invalid, Type: cubemsg.ConnExtAnnDecline})
		return
	}
	_ = e.Dispatcher.Send(id, cubemsg.Message{Src: cubeaddr.Invalid, Dst: cubeaddr.Invalid, Type: cubemsg.ConnExtAnnAccept})
}

// handleNbrExtOffer is the candidate's receipt of a prospective neighbor's
// offer to connect (spec.md §4.6 Phase 3), arriving on a freshly
// dialed-in NBR link.
func (e *Engine) handleNbrExtOffer(id dispatch.LinkID, m cubemsg.Message) {
	e.mu.Lock()
	rec := e.ext
	if rec == nil {
		e.mu.Unlock()
		return
	}
	rec.nbrLinks[id] = true
	rec.lastSentNbr[id] = cubemsg.ConnExtNbrAccept
	addr := rec.assignedAddr
	e.mu.Unlock()

	if !e.Policy.amWilling(e.addrOf(id)) {
		_ = e.Dispatcher.Send(id, cubemsg.Message{Src: addr, Dst: addr, Type: cubemsg.ConnExtNbrDecline})
		e.mu.Lock()
		delete(rec.nbrLinks, id)
		delete(rec.lastSentNbr, id)
		e.mu.Unlock()
		e.closeClientLink(id)
		// The ANN bails the whole admission once it sees the resulting
		// CONN_NBR_ANN_DISCONNECTED (spec.md §4.6 Phase 3 bail); Connect
		// unblocks when its CONN_ANN_EXT_FAIL arrives via handleAnnExtFail,
		// not here.
		return
	}
	// src carries the candidate's own assigned address so the NBR can
	// confirm it is addressing a valid neighbor of itself (spec.md §4.6
	// Phase 3: "the client accepts with CONN_EXT_NBR_ACCEPT whose src is a
	// valid neighbor of the NBR").
	_ = e.Dispatcher.Send(id, cubemsg.Message{Src: addr, Dst: addr, Type: cubemsg.ConnExtNbrAccept})
}

// handleNbrExtIdentify handles a neighbor's finalized cube address. It is
// sent once by the ANN (in the single-neighbor/edge path or when Phase 4
// finishes) and once by each other NBR in the general path; this handler
// only logs it.
func (e *Engine) handleNbrExtIdentify(id dispatch.LinkID, m cubemsg.Message) {
	e.Logger.Debug().Stringer("from", m.Src).Msg("admission: neighbor identified")
}

// handleAnnExtSuccess completes Connect successfully.
func (e *Engine) handleAnnExtSuccess(id dispatch.LinkID, m cubemsg.Message) {
	e.mu.Lock()
	rec := e.ext
	if rec == nil || rec.annLink != id {
		e.mu.Unlock()
		return
	}
	e.ext = nil
	e.mu.Unlock()
	select {
	case rec.done <- nil:
	default:
	}
}

// handleAnnExtFail aborts a pending Connect.
func (e *Engine) handleAnnExtFail(id dispatch.LinkID, m cubemsg.Message) {
	e.abortConnect(fmt.Errorf("admission: connection refused"))
}

// handleInnExtConnRefused aborts Connect when the INN rejects this node's
// protocol version before admission even begins (spec.md §6/§7).
func (e *Engine) handleInnExtConnRefused(id dispatch.LinkID, m cubemsg.Message) {
	e.abortConnect(fmt.Errorf("admission: INN refused connection (incompatible protocol version)"))
}

func (e *Engine) abortConnect(err error) {
	e.mu.Lock()
	rec := e.ext
	if rec == nil {
		e.mu.Unlock()
		return
	}
	e.ext = nil
	links := make([]dispatch.LinkID, 0, len(rec.nbrLinks)+1)
	links = append(links, rec.annLink)
	for l := range rec.nbrLinks {
		links = append(links, l)
	}
	e.mu.Unlock()

	for _, l := range links {
		e.closeClientLink(l)
	}
	select {
	case rec.done <- err:
	default:
	}
}
