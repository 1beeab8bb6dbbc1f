package cubeaddr

import "testing"

func TestFull(t *testing.T) {
	if Full(0) != 0 {
		t.Errorf("Full(0) = %b, want 0", Full(0))
	}
	if Full(3) != 0b111 {
		t.Errorf("Full(3) = %b, want 0b111", Full(3))
	}
}

func TestBitSetClear(t *testing.T) {
	var v BitVec
	v = v.Set(2).Set(5)
	if !v.Bit(2) || !v.Bit(5) {
		t.Fatalf("expected bits 2 and 5 set, got %b", v)
	}
	if v.Bit(0) || v.Bit(3) {
		t.Fatalf("unexpected bit set in %b", v)
	}
	if v.CountOnes() != 2 {
		t.Fatalf("CountOnes = %d, want 2", v.CountOnes())
	}
	v = v.Clear(2)
	if v.Bit(2) {
		t.Fatalf("bit 2 still set after Clear")
	}
}

func TestBroadcastIdempotence(t *testing.T) {
	// Applying travel==0 forwards nothing: this is exercised at the router
	// level (pkg/cubestate), but the underlying law is that an empty BitVec
	// ANDed with anything stays empty.
	var travel BitVec
	if travel.And(Full(8)) != 0 {
		t.Fatalf("travel==0 AND anything should stay 0")
	}
}

func TestRandomSetBit(t *testing.T) {
	v := BitVec(0).Set(1).Set(4).Set(7)
	seen := map[int]bool{}
	for want := 0; want < 3; want++ {
		w := want
		i, ok := v.RandomSetBit(func(n int) int {
			if n != 3 {
				t.Fatalf("popcount = %d, want 3", n)
			}
			return w
		})
		if !ok {
			t.Fatalf("RandomSetBit reported none set")
		}
		seen[i] = true
	}
	if len(seen) != 3 || !seen[1] || !seen[4] || !seen[7] {
		t.Fatalf("expected to see bits {1,4,7}, got %v", seen)
	}

	if _, ok := BitVec(0).RandomSetBit(func(int) int { return 0 }); ok {
		t.Fatalf("RandomSetBit on empty BitVec should report not-ok")
	}
}
