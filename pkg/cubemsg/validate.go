package cubemsg

import (
	"encoding/binary"
	"fmt"

	"github.com/r2northstar/cubenet/pkg/cubeaddr"
)

// shape describes the expected form of a message of a given type, per
// spec.md §6 ("format validator"). Every connection-control message has a
// fixed shape; application messages only constrain src/dst/peer-absence.
type shape struct {
	srcInvalid bool // src must be cubeaddr.Invalid
	srcUnicast bool // src must be a real node address
	dstInvalid bool
	dstUnicast bool
	dstBcast   bool
	noPeer     bool
	wantPeer   bool
	noData     bool
	wantData   bool
	dataIsDim  bool // data, if present, must decode as a 4-byte dimension
}

// shapes is indexed by Type; entries left zero (no constraint bits set)
// impose no shape requirement beyond Type.Valid().
var shapes = map[Type]shape{
	ConnExtInnAttach:      {srcInvalid: true, dstInvalid: true, noPeer: true, wantData: true},
	ConnInnGenAnn:         {srcInvalid: true, dstBcast: true, wantPeer: true, noData: true},
	ConnGenInnAvail:       {srcInvalid: true, dstInvalid: true, wantPeer: true, wantData: true},
	ConnInnAnnHandoff:     {srcUnicast: true, dstUnicast: true, wantPeer: true, wantData: true},
	ConnAnnExtOffer:       {srcInvalid: true, dstUnicast: true, noPeer: true, wantData: true, dataIsDim: true},
	ConnExtAnnAccept:      {dstInvalid: true, noPeer: true},
	ConnExtAnnDecline:     {dstInvalid: true, noPeer: true},
	ConnAnnNbrConnect:      {srcUnicast: true, dstUnicast: true, wantPeer: true, wantData: true},
	ConnNbrExtOffer:        {srcInvalid: true, dstInvalid: true, wantData: true, dataIsDim: true},
	ConnExtNbrAccept:       {dstUnicast: true},
	ConnExtNbrDecline:      {dstUnicast: true},
	ConnNbrAnnConnected:    {srcUnicast: true, dstUnicast: true, wantPeer: true, noData: true},
	ConnNbrAnnDisconnected: {srcUnicast: true, dstUnicast: true, wantPeer: true, noData: true},
	ConnAnnNbrIdentify:     {srcUnicast: true, dstUnicast: true, wantPeer: true, noData: true},
	ConnNbrExtIdentify:    {srcUnicast: true, dstInvalid: true, noPeer: true, noData: true},
	ConnNbrAnnIdentified:  {srcUnicast: true, dstUnicast: true, wantPeer: true, noData: true},
	ConnAnnExtSuccess:     {srcUnicast: true, dstInvalid: true, noPeer: true},
	ConnAnnInnSuccess:     {srcUnicast: true, dstUnicast: true, wantPeer: true, noData: true},
	ConnInnGenCleanup:     {srcInvalid: true, dstBcast: true, wantPeer: true, noData: true},
	ConnAnnInnFail:        {dstUnicast: true, wantPeer: true, noData: true},
	ConnAnnNbrFail:        {srcUnicast: true, dstUnicast: true, noData: true},
	ConnAnnExtFail:        {dstInvalid: true, noPeer: true},
	ConnInnExtConnRefused: {srcInvalid: true, dstInvalid: true, noPeer: true, noData: true},
}

// Validate checks that m's fields match the expected shape for m.Type, per
// the format validator in spec.md §6. It returns a description of the first
// violation found, or nil if m is well-formed.
func Validate(m Message) error {
	if !m.Type.Valid() {
		return fmt.Errorf("unknown type %d", m.Type)
	}
	s, ok := shapes[m.Type]
	if !ok {
		return nil // application/failure types: only Type.Valid() is required
	}
	switch {
	case s.srcInvalid && m.Src != cubeaddr.Invalid:
		return fmt.Errorf("%s: src must be invalid, got %v", m.Type, m.Src)
	case s.srcUnicast && !m.Src.IsUnicast():
		return fmt.Errorf("%s: src must be unicast, got %v", m.Type, m.Src)
	case s.dstInvalid && m.Dst != cubeaddr.Invalid:
		return fmt.Errorf("%s: dst must be invalid, got %v", m.Type, m.Dst)
	case s.dstUnicast && !m.Dst.IsUnicast():
		return fmt.Errorf("%s: dst must be unicast, got %v", m.Type, m.Dst)
	case s.dstBcast && !m.Dst.IsBcast():
		return fmt.Errorf("%s: dst must be a broadcast sentinel, got %v", m.Type, m.Dst)
	case s.noPeer && m.HasPeer():
		return fmt.Errorf("%s: peer must be absent", m.Type)
	case s.wantPeer && !m.HasPeer():
		return fmt.Errorf("%s: peer must be present", m.Type)
	case s.noData && m.HasData():
		return fmt.Errorf("%s: data must be absent", m.Type)
	case s.wantData && !m.HasData():
		return fmt.Errorf("%s: data must be present", m.Type)
	}
	if s.dataIsDim && m.HasData() && len(m.Data) != 4 {
		return fmt.Errorf("%s: data must encode a 4-byte dimension, got %d bytes", m.Type, len(m.Data))
	}
	return nil
}

// EncodeDim encodes a dimension as the 4-byte big-endian data payload used by
// CONN_ANN_EXT_OFFER and CONN_NBR_EXT_OFFER.
func EncodeDim(dim uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, dim)
	return b
}

// DecodeDim is the inverse of EncodeDim.
func DecodeDim(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("cubemsg: DecodeDim: want 4 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

// FormatReply constructs the INVALID_FORMAT reply for an ill-formed message,
// per spec.md §6: "a reply with the sender's and receiver's src/dst swapped,
// type replaced by INVALID_FORMAT".
func FormatReply(m Message) Message {
	return Message{
		Src:  m.Dst,
		Dst:  m.Src,
		Type: InvalidFormat,
	}
}
