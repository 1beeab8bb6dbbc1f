package cubemsg

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/r2northstar/cubenet/pkg/cubeaddr"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []Message{
		{Src: cubeaddr.Invalid, Dst: cubeaddr.Invalid, Type: ConnExtInnAttach, Data: []byte("v1.0.0")},
		{Src: 0, Dst: cubeaddr.BcastProcess, Travel: cubeaddr.Full(3), Type: BroadcastMsg, Data: []byte("hello")},
		{Src: cubeaddr.Invalid, Dst: 5, Type: ConnAnnExtOffer, Peer: netip.MustParseAddrPort("10.0.0.1:9000"), Data: EncodeDim(3)},
		{Src: 7, Dst: 3, Type: UnicastMsg, Data: []byte{}},
		{Src: 1, Dst: 2, Type: ConnExtNbrAccept, Peer: netip.MustParseAddrPort("[::1]:1234")},
	}
	for i, m := range tests {
		b := m.Encode(nil)
		got, err := Decode(b)
		if err != nil {
			t.Fatalf("case %d: decode: %v", i, err)
		}
		if got.Src != m.Src || got.Dst != m.Dst || got.Travel != m.Travel || got.Type != m.Type {
			t.Fatalf("case %d: round trip mismatch: got %+v, want %+v", i, got, m)
		}
		if got.HasPeer() != m.HasPeer() || (m.HasPeer() && got.Peer != m.Peer) {
			t.Fatalf("case %d: peer mismatch: got %v, want %v", i, got.Peer, m.Peer)
		}
		if got.HasData() != m.HasData() || !bytes.Equal(got.Data, m.Data) {
			t.Fatalf("case %d: data mismatch: got %v, want %v", i, got.Data, m.Data)
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	m := Message{Src: 1, Dst: 2, Type: UnicastMsg, Data: []byte("x")}
	b := m.Encode(nil)
	for n := 0; n < len(b); n++ {
		if _, err := Decode(b[:n]); err == nil {
			t.Fatalf("Decode accepted truncated input of length %d (full length %d)", n, len(b))
		}
	}
}

func TestDecodeTrailingBytes(t *testing.T) {
	m := Message{Src: 1, Dst: 2, Type: UnicastMsg}
	b := m.Encode(nil)
	b = append(b, 0xFF)
	if _, err := Decode(b); err == nil {
		t.Fatalf("Decode accepted trailing garbage")
	}
}

func TestVarIntNegative(t *testing.T) {
	for _, v := range []int64{-1, -2, -128, -129, 0, 1, 127, 128, 255, 256, 1 << 40} {
		b := appendVarInt(nil, v)
		got, n, err := readVarInt(b)
		if err != nil {
			t.Fatalf("v=%d: readVarInt: %v", v, err)
		}
		if n != len(b) {
			t.Fatalf("v=%d: consumed %d bytes, want %d", v, n, len(b))
		}
		if got != v {
			t.Fatalf("v=%d: round trip got %d", v, got)
		}
	}
}
