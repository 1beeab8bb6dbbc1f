package admission

import (
	"encoding/binary"
	"fmt"

	"github.com/r2northstar/cubenet/pkg/cubeaddr"
)

// encodeAvail packs the (unwilling, able, occupied) bitmap triple carried as
// the data payload of CONN_GEN_INN_AVAIL (spec.md §4.6/§4.7). occupied is
// set unconditionally by every contributing node at its own address —
// unlike unwilling/able, it doesn't depend on willingness or vacancy, so it
// is the INN's only accurate view of which prospective-neighbor addresses
// are actually live nodes (see DESIGN.md "Avail bitmap indexing").
func encodeAvail(unwilling, able, occupied cubeaddr.BitVec) []byte {
	b := make([]byte, 24)
	binary.BigEndian.PutUint64(b[0:8], uint64(unwilling))
	binary.BigEndian.PutUint64(b[8:16], uint64(able))
	binary.BigEndian.PutUint64(b[16:24], uint64(occupied))
	return b
}

func decodeAvail(data []byte) (unwilling, able, occupied cubeaddr.BitVec, err error) {
	if len(data) != 24 {
		return 0, 0, 0, fmt.Errorf("admission: avail payload: want 24 bytes, got %d", len(data))
	}
	unwilling = cubeaddr.BitVec(binary.BigEndian.Uint64(data[0:8]))
	able = cubeaddr.BitVec(binary.BigEndian.Uint64(data[8:16]))
	occupied = cubeaddr.BitVec(binary.BigEndian.Uint64(data[16:24]))
	return unwilling, able, occupied, nil
}

// encodeOccupied packs the single occupied bitmap carried as the data
// payload of CONN_INN_ANN_HANDOFF: the INN's aggregated view of which
// prospective-neighbor addresses of the chosen candidate are live, so the
// ANN can tell an absent prospective neighbor from one it must actually
// connect (spec.md §4.6 Phase 2, soleInvalidMask).
func encodeOccupied(occupied cubeaddr.BitVec) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(occupied))
	return b
}

func decodeOccupied(data []byte) (cubeaddr.BitVec, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("admission: occupied payload: want 8 bytes, got %d", len(data))
	}
	return cubeaddr.BitVec(binary.BigEndian.Uint64(data)), nil
}
