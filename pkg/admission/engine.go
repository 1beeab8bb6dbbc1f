package admission

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/valyala/fastrand"

	"github.com/r2northstar/cubenet/pkg/cubeaddr"
	"github.com/r2northstar/cubenet/pkg/cubemsg"
	"github.com/r2northstar/cubenet/pkg/cubestate"
	"github.com/r2northstar/cubenet/pkg/dispatch"
	"github.com/r2northstar/cubenet/pkg/transport"
)

// Sender is the subset of *dispatch.Dispatcher the admission engine needs to
// write frames.
type Sender interface {
	Send(id dispatch.LinkID, m cubemsg.Message) error
}

// LinkRegistrar is the subset of *dispatch.Dispatcher the admission engine
// needs to register ad hoc ANN/NBR <-> EXT links it dials out itself
// (spec.md §4.6 Phases 2-3).
type LinkRegistrar interface {
	Sender
	Add(l transport.Link) dispatch.LinkID
	Remove(id dispatch.LinkID)
}

// Policy holds the two out-of-protocol hooks spec.md §6 defines.
type Policy struct {
	// AmWilling decides whether this node accepts a candidate at the given
	// transport address as a neighbor. Defaults to always true.
	AmWilling func(addr netip.AddrPort) bool
	// NeighborDisconnected is not called by the Engine itself; cubenode.Node
	// registers the same function with CubeState.OnDisconnect, which calls
	// it on every neighbor link transitioning from present to absent.
	NeighborDisconnected func(link int)
}

func (p Policy) amWilling(addr netip.AddrPort) bool {
	if p.AmWilling == nil {
		return true
	}
	return p.AmWilling(addr)
}

// genRecord is the per-admission state a generic cube node keeps while a
// CONN_INN_GEN_ANN broadcast it received is still being aggregated
// (spec.md §4.6 Phase 1 / §4.7).
type genRecord struct {
	peer      connKey
	fromLink  dispatch.LinkID // reply one hop back along this link when done
	pending   map[int]bool    // link indices (children) not yet reported
	unwilling cubeaddr.BitVec
	able      cubeaddr.BitVec
	occupied  cubeaddr.BitVec // every reporting node's own address bit, regardless of willingness/vacancy
}

// innRecord is the INN's bookkeeping for a pending admission it originated
// (spec.md §4.6 Phase 1).
type innRecord struct {
	id         string // log-correlation id, see randomAdmissionID
	peer       connKey
	clientLink dispatch.LinkID
	pending    map[int]bool
	unwilling  cubeaddr.BitVec
	able       cubeaddr.BitVec
	occupied   cubeaddr.BitVec
	lastSent   cubemsg.Type
	triedANN   cubeaddr.BitVec // ANN candidates that already failed this admission, by address bit; handleAnnInnFail removes them from able before re-running tryANN
	startedAt  time.Time
}

// annRecord is the ANN's bookkeeping for a candidate it is sponsoring
// (spec.md §4.6 Phases 2-4).
type annRecord struct {
	id         string // log-correlation id, see randomAdmissionID
	peer       connKey
	innAddr    cubeaddr.Addr
	candidate  cubeaddr.Addr
	dim        uint32
	clientLink dispatch.LinkID
	occupied   cubeaddr.BitVec // prospective-neighbor addresses known live, from the INN's Phase 1 aggregate
	invalid    cubeaddr.BitVec // prospective-neighbor positions known absent
	pending    map[int]bool    // NBR positions awaiting CONN_NBR_ANN_CONNECTED
	lastSent   cubemsg.Type
	soleNbr    bool // single-neighbor fast path: ANN itself is the only neighbor
	startedAt  time.Time
}

// nbrRecord is a prospective neighbor's bookkeeping for one admission
// (spec.md §4.6 Phases 3-4).
type nbrRecord struct {
	id         string // log-correlation id, see randomAdmissionID
	peer       connKey
	annAddr    cubeaddr.Addr
	candidate  cubeaddr.Addr // the new peer's assigned cube address
	clientLink dispatch.LinkID
	lastSent   cubemsg.Type
}

// extRecord is this node's own bookkeeping when it is the external
// candidate connecting into the overlay (spec.md §4.6, client side).
type extRecord struct {
	innAddr      netip.AddrPort
	annLink      dispatch.LinkID
	nbrLinks     map[dispatch.LinkID]bool
	lastSentANN  cubemsg.Type
	lastSentNbr  map[dispatch.LinkID]cubemsg.Type
	assignedAddr cubeaddr.Addr
	done         chan error
}

// Engine implements the four-phase admission protocol over a CubeState and
// Router, dialing out ad hoc transport links for the out-of-band EXT/NBR/ANN
// connections spec.md §4.6 describes, and adopting successful NBR links as
// CubeState neighbors once identification completes.
type Engine struct {
	Logger zerolog.Logger
	Policy Policy

	State      *cubestate.CubeState
	Router     *cubestate.Router
	Dispatcher LinkRegistrar
	Dialer     transport.Dialer

	// linkAddr maps a dispatch.LinkID back to the transport address it was
	// dialed to or accepted from, since several admission messages must be
	// replied to "on the link it arrived on" rather than routed by cube
	// address (spec.md §4.3's reverse-broadcast single hop, and every
	// direct EXT<->{INN,ANN,NBR} exchange).
	linkAddr map[dispatch.LinkID]netip.AddrPort

	mu  sync.Mutex
	gen map[connKey]*genRecord
	inn map[connKey]*innRecord
	ann map[connKey]*annRecord
	nbr map[connKey]*nbrRecord
	ext *extRecord

	m engineMetrics
}

type engineMetrics struct {
	set               *metrics.Set
	admissionDuration *metrics.Histogram
}

// New creates an admission Engine. dialer is used to open the out-of-band
// ANN/NBR <-> EXT transport links Phase 2/3 require.
func New(state *cubestate.CubeState, router *cubestate.Router, sender LinkRegistrar, dialer transport.Dialer, policy Policy, logger zerolog.Logger) *Engine {
	e := &Engine{
		Logger:     logger,
		Policy:     policy,
		State:      state,
		Router:     router,
		Dispatcher: sender,
		Dialer:     dialer,
		linkAddr:   make(map[dispatch.LinkID]netip.AddrPort),
		gen:        make(map[connKey]*genRecord),
		inn:        make(map[connKey]*innRecord),
		ann:        make(map[connKey]*annRecord),
		nbr:        make(map[connKey]*nbrRecord),
	}
	e.m.set = metrics.NewSet()
	e.m.admissionDuration = e.m.set.NewHistogram("cube_admission_duration_seconds")
	return e
}

// MetricsSet exposes the admission engine's VictoriaMetrics set, covering
// the full INN-observed admission latency (spec.md §4.6 Phases 1-4 end to
// end, from CONN_EXT_INN_ATTACH to success or forced dimension expansion).
func (e *Engine) MetricsSet() *metrics.Set { return e.m.set }

// observeAdmissionDuration records one completed admission's wall-clock
// duration. start is the zero Time for admissions this node only
// participates in as ANN/NBR/GEN, which don't see the whole round trip.
func (e *Engine) observeAdmissionDuration(start time.Time) {
	if start.IsZero() {
		return
	}
	e.m.admissionDuration.Update(time.Since(start).Seconds())
}

// NoteLink records the transport address a freshly registered link
// corresponds to, so later handlers can reply "on the same link". Node
// wiring calls this immediately after dispatcher.Add for both accepted and
// dialed links.
func (e *Engine) NoteLink(id dispatch.LinkID, addr netip.AddrPort) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.linkAddr[id] = addr
}

// addrOf returns the transport address recorded for link id, if any.
func (e *Engine) addrOf(id dispatch.LinkID) netip.AddrPort {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.linkAddr[id]
}

// ForgetLink drops bookkeeping for a closed link.
func (e *Engine) ForgetLink(id dispatch.LinkID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.linkAddr, id)
}

// adoptLink registers a freshly dialed out-of-band link (ANN/NBR -> EXT)
// with the dispatcher and records its transport address.
func (e *Engine) adoptLink(l transport.Link, addr connKey) dispatch.LinkID {
	id := e.Dispatcher.Add(l)
	e.NoteLink(id, addr)
	return id
}

// closeClientLink tears down an out-of-band admission link once its
// transaction concludes, successfully or not.
func (e *Engine) closeClientLink(id dispatch.LinkID) {
	e.ForgetLink(id)
	e.Dispatcher.Remove(id)
}

// Handle is the admission engine's entry point, called by Node for every
// frame whose Type is a connection-control tag (everything except
// UNICAST_MSG/BROADCAST_MSG/REVERSE_BROADCAST_MSG/NODE_SHUTDOWN, which go to
// the Router instead).
func (e *Engine) Handle(id dispatch.LinkID, m cubemsg.Message) {
	if err := cubemsg.Validate(m); err != nil {
		e.Logger.Debug().Err(err).Stringer("type", m.Type).Msg("admission: format violation")
		_ = e.Dispatcher.Send(id, cubemsg.FormatReply(m))
		return
	}

	switch m.Type {
	case cubemsg.ConnExtInnAttach:
		e.handleExtInnAttach(id, m)
	case cubemsg.ConnInnExtConnRefused:
		e.handleInnExtConnRefused(id, m)
	case cubemsg.ConnInnGenAnn:
		e.handleInnGenAnn(id, m)
	case cubemsg.ConnGenInnAvail:
		e.handleGenInnAvail(id, m)
	case cubemsg.ConnInnAnnHandoff:
		e.handleInnAnnHandoff(id, m)
	case cubemsg.ConnAnnExtOffer:
		e.handleAnnExtOffer(id, m)
	case cubemsg.ConnExtAnnAccept:
		e.handleExtAnnAccept(id, m)
	case cubemsg.ConnExtAnnDecline:
		e.handleExtAnnDecline(id, m)
	case cubemsg.ConnAnnNbrConnect:
		e.handleAnnNbrConnect(id, m)
	case cubemsg.ConnNbrExtOffer:
		e.handleNbrExtOffer(id, m)
	case cubemsg.ConnExtNbrAccept:
		e.handleExtNbrAccept(id, m)
	case cubemsg.ConnExtNbrDecline:
		e.handleExtNbrDecline(id, m)
	case cubemsg.ConnNbrAnnConnected, cubemsg.ConnNbrAnnDisconnected:
		e.handleNbrAnnConnectedOrDisconnected(id, m)
	case cubemsg.ConnAnnNbrIdentify:
		e.handleAnnNbrIdentify(id, m)
	case cubemsg.ConnNbrExtIdentify:
		e.handleNbrExtIdentify(id, m)
	case cubemsg.ConnNbrAnnIdentified:
		e.handleNbrAnnIdentified(id, m)
	case cubemsg.ConnAnnExtSuccess:
		e.handleAnnExtSuccess(id, m)
	case cubemsg.ConnAnnInnSuccess:
		e.handleAnnInnSuccess(id, m)
	case cubemsg.ConnInnGenCleanup:
		e.handleInnGenCleanup(id, m)
	case cubemsg.ConnAnnInnFail:
		e.handleAnnInnFail(id, m)
	case cubemsg.ConnAnnNbrFail:
		e.handleAnnNbrFail(id, m)
	case cubemsg.ConnAnnExtFail:
		e.handleAnnExtFail(id, m)
	default:
		e.Logger.Warn().Stringer("type", m.Type).Msg("admission: unexpected message type")
	}
}

// randomAdmissionID mints the id attached to a connection-state record for
// log correlation only — it never appears on the wire or gates any
// transition (checkPrev/requiredPrev are what govern protocol state).
func randomAdmissionID() string { return xid.New().String() }

// pickRandomBit picks a uniformly random set bit of v using valyala/fastrand,
// the Katseff-selection random source spec.md §4.6 Phase 1 calls for
// ("pick a random bit of able").
func pickRandomBit(v cubeaddr.BitVec) (int, bool) {
	return v.RandomSetBit(func(n int) int { return int(fastrand.Uint32n(uint32(n))) })
}

func connKeyOf(addr netip.AddrPort) connKey { return addr }

func fmtConnKey(k connKey) string { return fmt.Sprintf("%s", netip.AddrPort(k)) }
