package admission

import (
	"encoding/binary"
	"fmt"

	"github.com/r2northstar/cubenet/pkg/cubeaddr"
)

// encodeAddr/decodeAddr carry a cube address inside a message's Data field,
// used by CONN_ANN_NBR_CONNECT to tell a prospective neighbor the new
// peer's assigned address — information the abstract message names in
// spec.md §4.6 don't otherwise have a field for (see DESIGN.md, the entry
// on CONN_ANN_NBR_CONNECT's Data field).
func encodeAddr(a cubeaddr.Addr) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(a))
	return b
}

func decodeAddr(data []byte) (cubeaddr.Addr, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("admission: addr payload: want 8 bytes, got %d", len(data))
	}
	return cubeaddr.Addr(binary.BigEndian.Uint64(data)), nil
}
