package cubemsg

import "fmt"

// appendVarInt appends v encoded as a minimal two's-complement byte string
// prefixed by a single length byte, per spec.md §6 ("CubeAddress encodes as
// a signed variable-length integer using two's complement with a leading
// length byte"). BitVec values share the same encoding.
func appendVarInt(b []byte, v int64) []byte {
	raw := twosComplementMinimal(v)
	if len(raw) > 255 {
		panic("cubemsg: varint too long to encode")
	}
	b = append(b, byte(len(raw)))
	return append(b, raw...)
}

// readVarInt reads a varint encoded by appendVarInt from the front of b,
// returning the value and the number of bytes consumed.
func readVarInt(b []byte) (int64, int, error) {
	if len(b) < 1 {
		return 0, 0, fmt.Errorf("cubemsg: truncated varint length")
	}
	n := int(b[0])
	if len(b) < 1+n {
		return 0, 0, fmt.Errorf("cubemsg: truncated varint body (want %d bytes)", n)
	}
	if n == 0 {
		return 0, 1, nil
	}
	raw := b[1 : 1+n]
	v := int64(int8(raw[0])) // sign-extend from the most-significant byte
	for _, x := range raw[1:] {
		v = v<<8 | int64(x)
	}
	return v, 1 + n, nil
}

// twosComplementMinimal returns the shortest big-endian two's-complement
// byte string representing v (at least one byte; 0 encodes as a single zero
// byte).
func twosComplementMinimal(v int64) []byte {
	var full [8]byte
	u := uint64(v)
	for i := 7; i >= 0; i-- {
		full[i] = byte(u)
		u >>= 8
	}
	i := 0
	for i < 7 {
		b0, b1 := full[i], full[i+1]
		if b0 == 0x00 && b1&0x80 == 0 {
			i++
			continue
		}
		if b0 == 0xFF && b1&0x80 != 0 {
			i++
			continue
		}
		break
	}
	out := make([]byte, 8-i)
	copy(out, full[i:])
	return out
}
