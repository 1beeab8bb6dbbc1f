package admission

import (
	"testing"

	"github.com/r2northstar/cubenet/pkg/cubeaddr"
)

func TestEncodeDecodeAvailRoundTrip(t *testing.T) {
	var unwilling, able, occupied cubeaddr.BitVec
	unwilling = unwilling.Set(3).Set(9)
	able = able.Set(0).Set(63)
	occupied = occupied.Set(0).Set(3).Set(9).Set(63)

	data := encodeAvail(unwilling, able, occupied)
	if len(data) != 24 {
		t.Fatalf("expected a 24-byte payload, got %d", len(data))
	}

	gotUnwilling, gotAble, gotOccupied, err := decodeAvail(data)
	if err != nil {
		t.Fatalf("decodeAvail: %v", err)
	}
	if gotUnwilling != unwilling || gotAble != able || gotOccupied != occupied {
		t.Fatalf("round trip mismatch: got (%064b, %064b, %064b), want (%064b, %064b, %064b)",
			gotUnwilling, gotAble, gotOccupied, unwilling, able, occupied)
	}
}

func TestDecodeAvailRejectsShortPayload(t *testing.T) {
	if _, _, _, err := decodeAvail([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error for a short avail payload")
	}
}

// TestAvailAggregationIsOr mirrors the reverse-broadcast combiner spec.md
// §4.3/§4.6 describes: aggregating two children's contributions is a
// bitwise OR on each bitmap independently.
func TestAvailAggregationIsOr(t *testing.T) {
	var u1, a1, o1, u2, a2, o2 cubeaddr.BitVec
	u1 = u1.Set(1)
	a1 = a1.Set(2)
	o1 = o1.Set(1).Set(2)
	u2 = u2.Set(5)
	a2 = a2.Set(2).Set(6)
	o2 = o2.Set(5).Set(2).Set(6)

	combinedU := u1.Or(u2)
	combinedA := a1.Or(a2)
	combinedO := o1.Or(o2)

	if !combinedU.Bit(1) || !combinedU.Bit(5) {
		t.Fatal("combined unwilling must carry both children's bits")
	}
	if !combinedA.Bit(2) || !combinedA.Bit(6) {
		t.Fatal("combined able must carry both children's bits")
	}
	if !combinedO.Bit(1) || !combinedO.Bit(2) || !combinedO.Bit(5) || !combinedO.Bit(6) {
		t.Fatal("combined occupied must carry every reporting node's address bit")
	}
}

func TestEncodeDecodeOccupiedRoundTrip(t *testing.T) {
	var occupied cubeaddr.BitVec
	occupied = occupied.Set(0).Set(4).Set(17)

	data := encodeOccupied(occupied)
	if len(data) != 8 {
		t.Fatalf("expected an 8-byte payload, got %d", len(data))
	}
	got, err := decodeOccupied(data)
	if err != nil {
		t.Fatalf("decodeOccupied: %v", err)
	}
	if got != occupied {
		t.Fatalf("round trip mismatch: got %064b, want %064b", got, occupied)
	}
}

func TestDecodeOccupiedRejectsWrongLength(t *testing.T) {
	if _, err := decodeOccupied([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error for a malformed occupied payload")
	}
}
