// Package cubestate implements node-local overlay state (spec.md §2 item 5 /
// §3 "CubeState"): the node's own cube address and dimension, its per-link
// neighbor table and link bitmap, and the application inbox — plus the
// unicast/broadcast router built on top of them (spec.md §4.2/§4.3).
package cubestate

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/r2northstar/cubenet/pkg/cubeaddr"
	"github.com/r2northstar/cubenet/pkg/dispatch"
)

// DisconnectFunc is called whenever neighbors[i] transitions from present to
// absent, including transitions caused by admission-time transport errors
// (spec.md §9 design note: broader than the original source's behavior).
type DisconnectFunc func(link int)

// CubeState holds one node's view of the overlay: its own address and
// dimension, its live neighbors, and the inbox application code reads from.
//
// Invariant: Links.CountOnes() == the number of indices < Dim with a
// non-nil neighbor entry; for every live link i, the peer reachable there
// has cube address Addr.FollowLink(i) (spec.md §3).
type CubeState struct {
	Logger zerolog.Logger

	mu        sync.RWMutex
	addr      cubeaddr.Addr
	dim       uint32
	neighbors []dispatch.LinkID
	links     cubeaddr.BitVec

	onDisconnect DisconnectFunc

	Inbox *Inbox
}

// New creates node-local state for a node at addr with the given initial
// dimension (0 for a freshly bootstrapped single-node cube).
func New(addr cubeaddr.Addr, dim uint32, logger zerolog.Logger) *CubeState {
	return &CubeState{
		Logger:    logger,
		addr:      addr,
		dim:       dim,
		neighbors: make([]dispatch.LinkID, dim),
		Inbox:     NewInbox(),
	}
}

// OnDisconnect registers the neighbor-disconnect policy hook.
func (s *CubeState) OnDisconnect(f DisconnectFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = f
}

// Addr returns the node's own cube address.
func (s *CubeState) Addr() cubeaddr.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Dim returns the node's current hypercube dimension.
func (s *CubeState) Dim() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

// Links returns a snapshot of the live-link bitmap.
func (s *CubeState) Links() cubeaddr.BitVec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.links
}

// Neighbors returns a snapshot of the dispatch.LinkID for every live link,
// indexed by link number.
func (s *CubeState) Neighbors() map[int]dispatch.LinkID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]dispatch.LinkID, s.links.CountOnes())
	for i := 0; i < int(s.dim); i++ {
		if s.links.Bit(i) {
			out[i] = s.neighbors[i]
		}
	}
	return out
}

// NeighborAt returns the link id at link i, if live.
func (s *CubeState) NeighborAt(i int) (dispatch.LinkID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.neighbors) || !s.links.Bit(i) {
		return 0, false
	}
	return s.neighbors[i], true
}

// Vacancy returns the lowest link number with no live neighbor, within the
// current dimension, and true — or (0, false) if every link 0..dim-1 is
// live (the node has no vacancy to offer a new neighbor without expanding).
func (s *CubeState) Vacancy() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := 0; i < int(s.dim); i++ {
		if !s.links.Bit(i) {
			return i, true
		}
	}
	return 0, false
}

// AddNeighbor adopts id as the neighbor at link, growing Dim to link+1 if
// necessary (spec.md §4.6 edge path: "add_neighbor(dim, link), which also
// increments dim when link >= dim").
func (s *CubeState) AddNeighbor(link int, id dispatch.LinkID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if uint32(link) >= s.dim {
		s.dim = uint32(link) + 1
	}
	for len(s.neighbors) < int(s.dim) {
		s.neighbors = append(s.neighbors, 0)
	}
	s.neighbors[link] = id
	s.links = s.links.Set(link)
}

// RemoveNeighbor clears the neighbor at link, if present, and fires the
// disconnect hook. Safe to call on an already-absent link (no-op).
func (s *CubeState) RemoveNeighbor(link int) {
	s.mu.Lock()
	if link < 0 || link >= len(s.neighbors) || !s.links.Bit(link) {
		s.mu.Unlock()
		return
	}
	s.neighbors[link] = 0
	s.links = s.links.Clear(link)
	hook := s.onDisconnect
	s.mu.Unlock()

	if hook != nil {
		hook(link)
	}
}

// RemoveByLinkID clears whichever link entry currently holds id, if any,
// and fires the disconnect hook. Used by the dispatcher's close callback,
// which only knows the LinkID, not the link number.
func (s *CubeState) RemoveByLinkID(id dispatch.LinkID) {
	s.mu.RLock()
	link := -1
	for i := 0; i < int(s.dim); i++ {
		if s.links.Bit(i) && s.neighbors[i] == id {
			link = i
			break
		}
	}
	s.mu.RUnlock()
	if link >= 0 {
		s.RemoveNeighbor(link)
	}
}

// String renders a short diagnostic summary.
func (s *CubeState) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("cube(addr=%v dim=%d links=%0*b)", s.addr, s.dim, s.dim, uint64(s.links))
}
