package cubemsg

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/r2northstar/cubenet/pkg/cubeaddr"
)

// MaxFrameLen bounds the accepted length of a single frame's payload,
// guarding the dispatcher against a hostile length prefix causing an
// unbounded allocation.
const MaxFrameLen = 1 << 20

// Message is the framed record exchanged between cube nodes (spec.md §3/§6):
// source/destination cube addresses, a broadcast travel vector, a type tag,
// an optional third-party peer transport address (admission protocol only),
// and an optional opaque application payload.
type Message struct {
	Src    cubeaddr.Addr
	Dst    cubeaddr.Addr
	Travel cubeaddr.BitVec
	Type   Type
	Peer   netip.AddrPort // zero value (!IsValid()) means absent
	Data   []byte         // nil means absent
}

// HasPeer reports whether the message carries a peer transport address.
func (m Message) HasPeer() bool { return m.Peer.IsValid() }

// HasData reports whether the message carries an application/opaque payload.
func (m Message) HasData() bool { return m.Data != nil }

// Encode appends the wire encoding of m to b and returns the result. It does
// not include the 4-byte frame length prefix; see the transport package's
// Link.WriteFrame.
func (m Message) Encode(b []byte) []byte {
	b = appendVarInt(b, int64(m.Src))
	b = appendVarInt(b, int64(m.Dst))
	b = appendVarInt(b, int64(m.Travel))
	b = append(b, byte(m.Type))
	if m.HasPeer() {
		b = append(b, 1)
		ip16 := m.Peer.Addr().As16()
		b = append(b, ip16[:]...)
		b = binary.BigEndian.AppendUint16(b, m.Peer.Port())
	} else {
		b = append(b, 0)
	}
	if m.HasData() {
		b = append(b, 1)
		b = binary.BigEndian.AppendUint32(b, uint32(len(m.Data)))
		b = append(b, m.Data...)
	} else {
		b = append(b, 0)
	}
	return b
}

// Decode parses a Message from the front of b, which must contain exactly
// one encoded message (as produced by [Message.Encode]) with no trailing
// bytes.
func Decode(b []byte) (Message, error) {
	var m Message

	src, n, err := readVarInt(b)
	if err != nil {
		return m, fmt.Errorf("decode src: %w", err)
	}
	b = b[n:]
	m.Src = cubeaddr.Addr(src)

	dst, n, err := readVarInt(b)
	if err != nil {
		return m, fmt.Errorf("decode dst: %w", err)
	}
	b = b[n:]
	m.Dst = cubeaddr.Addr(dst)

	travel, n, err := readVarInt(b)
	if err != nil {
		return m, fmt.Errorf("decode travel: %w", err)
	}
	b = b[n:]
	m.Travel = cubeaddr.BitVec(travel)

	if len(b) < 1 {
		return m, fmt.Errorf("decode type: truncated")
	}
	m.Type = Type(b[0])
	b = b[1:]
	if !m.Type.Valid() {
		return m, fmt.Errorf("decode type: unknown tag %d", uint8(m.Type))
	}

	if len(b) < 1 {
		return m, fmt.Errorf("decode peer presence: truncated")
	}
	switch present := b[0]; present {
	case 0:
		b = b[1:]
	case 1:
		b = b[1:]
		if len(b) < 18 {
			return m, fmt.Errorf("decode peer: truncated")
		}
		var ip16 [16]byte
		copy(ip16[:], b[:16])
		port := binary.BigEndian.Uint16(b[16:18])
		b = b[18:]
		addr := netip.AddrFrom16(ip16)
		if v4 := addr.Unmap(); v4.Is4() {
			addr = v4
		}
		m.Peer = netip.AddrPortFrom(addr, port)
	default:
		return m, fmt.Errorf("decode peer presence: invalid tag %d", present)
	}

	if len(b) < 1 {
		return m, fmt.Errorf("decode data presence: truncated")
	}
	switch present := b[0]; present {
	case 0:
		b = b[1:]
	case 1:
		b = b[1:]
		if len(b) < 4 {
			return m, fmt.Errorf("decode data length: truncated")
		}
		dlen := binary.BigEndian.Uint32(b[:4])
		b = b[4:]
		if uint32(len(b)) < dlen {
			return m, fmt.Errorf("decode data: truncated (want %d bytes, have %d)", dlen, len(b))
		}
		m.Data = make([]byte, dlen)
		copy(m.Data, b[:dlen])
		b = b[dlen:]
	default:
		return m, fmt.Errorf("decode data presence: invalid tag %d", present)
	}

	if len(b) != 0 {
		return m, fmt.Errorf("decode: %d trailing bytes", len(b))
	}
	return m, nil
}
