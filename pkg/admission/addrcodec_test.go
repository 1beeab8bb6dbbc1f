package admission

import (
	"testing"

	"github.com/r2northstar/cubenet/pkg/cubeaddr"
)

func TestEncodeDecodeAddrRoundTrip(t *testing.T) {
	for _, want := range []cubeaddr.Addr{0, 1, 63, 1 << 40} {
		data := encodeAddr(want)
		if len(data) != 8 {
			t.Fatalf("encodeAddr(%v): expected 8 bytes, got %d", want, len(data))
		}
		got, err := decodeAddr(data)
		if err != nil {
			t.Fatalf("decodeAddr: %v", err)
		}
		if got != want {
			t.Fatalf("round trip mismatch: got %v, want %v", got, want)
		}
	}
}

func TestDecodeAddrRejectsWrongLength(t *testing.T) {
	if _, err := decodeAddr([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error for a malformed address payload")
	}
}
