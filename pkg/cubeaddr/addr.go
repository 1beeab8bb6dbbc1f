// Package cubeaddr implements cube addresses and bit vectors for the
// incomplete-hypercube overlay: a node's logical address, the reserved
// broadcast/invalid sentinels, and the link-bitmap arithmetic the router and
// admission engine build on.
package cubeaddr

import (
	"fmt"
	"math/bits"
)

// Addr is a cube address: either a non-negative node address, or one of the
// reserved sentinels below. The zero value is the node at address 0, not
// Invalid — callers that need "no address yet" must use [Invalid] explicitly.
type Addr int64

// Reserved sentinels. These never collide with a real node address since
// node addresses are non-negative.
const (
	Invalid      Addr = -1 // wire placeholder when sender/receiver must stay anonymous
	BcastProcess Addr = -2 // broadcast: deliver locally and forward
	BcastForward Addr = -3 // broadcast: forward only, do not deliver locally
	BcastReverse Addr = -4 // reverse-broadcast (aggregation) toward the originator
)

// MaxDim bounds the hypercube dimension this implementation supports; link
// bitmaps and travel vectors are stored in a single uint64 (see [BitVec]).
const MaxDim = 64

// IsUnicast reports whether a is a real, routable node address.
func (a Addr) IsUnicast() bool {
	return a >= 0
}

// IsBcast reports whether a is one of the three broadcast sentinels.
func (a Addr) IsBcast() bool {
	return a == BcastProcess || a == BcastForward || a == BcastReverse
}

// IsInvalid reports whether a is the anonymity placeholder.
func (a Addr) IsInvalid() bool {
	return a == Invalid
}

// BitLen returns the number of bits needed to represent a as an unsigned
// node address. It panics if a is not unicast.
func (a Addr) BitLen() int {
	if !a.IsUnicast() {
		panic(fmt.Sprintf("cubeaddr: BitLen of non-unicast address %d", a))
	}
	return bits.Len64(uint64(a))
}

// Xor returns a xor b. Both must be unicast addresses.
func (a Addr) Xor(b Addr) Addr {
	return Addr(uint64(a) ^ uint64(b))
}

// BitCount returns the number of set bits in a, treated as an unsigned node
// address (a must be unicast).
func (a Addr) BitCount() int {
	return bits.OnesCount64(uint64(a))
}

// RelativeLink returns the link number (bit index) at which a and other
// differ, if they differ in exactly one bit. It returns false otherwise.
func (a Addr) RelativeLink(other Addr) (link int, ok bool) {
	if !a.IsUnicast() || !other.IsUnicast() {
		return 0, false
	}
	d := uint64(a) ^ uint64(other)
	if d == 0 || d&(d-1) != 0 {
		return 0, false // zero or more than one bit set
	}
	return bits.TrailingZeros64(d), true
}

// FollowLink returns the neighbor address reached by flipping bit i of a.
func (a Addr) FollowLink(i int) Addr {
	if !a.IsUnicast() {
		panic(fmt.Sprintf("cubeaddr: FollowLink of non-unicast address %d", a))
	}
	return Addr(uint64(a) ^ (1 << uint(i)))
}

// String implements fmt.Stringer, rendering sentinels by name.
func (a Addr) String() string {
	switch a {
	case Invalid:
		return "invalid"
	case BcastProcess:
		return "bcast-process"
	case BcastForward:
		return "bcast-forward"
	case BcastReverse:
		return "bcast-reverse"
	default:
		if a.IsUnicast() {
			return fmt.Sprintf("%d", int64(a))
		}
		return fmt.Sprintf("addr(%d)", int64(a))
	}
}
