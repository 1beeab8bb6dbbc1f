// Package cubemsg implements the framed wire message that flows between
// cube nodes: source/destination cube addresses, the broadcast travel
// vector, the closed message-type enumeration, and the admission protocol's
// peer-address and application payload fields.
package cubemsg

import "fmt"

// Type is a message-type tag from the closed enumeration. The wire encoding
// is a single byte; values are stable across protocol versions.
type Type uint8

const (
	// Phase 1 — locating an attachment point.
	ConnExtInnAttach Type = iota
	ConnInnGenAnn
	ConnGenInnAvail
	ConnInnAnnHandoff

	// Phase 2 — offering an address.
	ConnAnnExtOffer
	ConnExtAnnAccept
	ConnExtAnnDecline

	// Phase 3 — neighbors connect.
	ConnAnnNbrConnect
	ConnNbrExtOffer
	ConnExtNbrAccept
	ConnExtNbrDecline
	ConnNbrAnnConnected
	ConnNbrAnnDisconnected

	// Phase 4 — identification.
	ConnAnnNbrIdentify
	ConnNbrExtIdentify
	ConnNbrAnnIdentified
	ConnAnnExtSuccess
	ConnAnnInnSuccess
	ConnInnGenCleanup

	// Failures.
	InvalidFormat
	InvalidAddress
	InvalidState
	InvalidData
	ConnInnExtConnRefused
	ConnAnnInnFail
	ConnAnnNbrFail
	ConnAnnExtFail

	// Application.
	UnicastMsg
	BroadcastMsg
	ReverseBroadcastMsg
	NodeShutdown

	typeCount
)

var typeNames = [typeCount]string{
	ConnExtInnAttach:       "CONN_EXT_INN_ATTACH",
	ConnInnGenAnn:          "CONN_INN_GEN_ANN",
	ConnGenInnAvail:        "CONN_GEN_INN_AVAIL",
	ConnInnAnnHandoff:      "CONN_INN_ANN_HANDOFF",
	ConnAnnExtOffer:        "CONN_ANN_EXT_OFFER",
	ConnExtAnnAccept:       "CONN_EXT_ANN_ACCEPT",
	ConnExtAnnDecline:      "CONN_EXT_ANN_DECLINE",
	ConnAnnNbrConnect:      "CONN_ANN_NBR_CONNECT",
	ConnNbrExtOffer:        "CONN_NBR_EXT_OFFER",
	ConnExtNbrAccept:       "CONN_EXT_NBR_ACCEPT",
	ConnExtNbrDecline:      "CONN_EXT_NBR_DECLINE",
	ConnNbrAnnConnected:    "CONN_NBR_ANN_CONNECTED",
	ConnNbrAnnDisconnected: "CONN_NBR_ANN_DISCONNECTED",
	ConnAnnNbrIdentify:     "CONN_ANN_NBR_IDENTIFY",
	ConnNbrExtIdentify:     "CONN_NBR_EXT_IDENTIFY",
	ConnNbrAnnIdentified:   "CONN_NBR_ANN_IDENTIFIED",
	ConnAnnExtSuccess:      "CONN_ANN_EXT_SUCCESS",
	ConnAnnInnSuccess:      "CONN_ANN_INN_SUCCESS",
	ConnInnGenCleanup:      "CONN_INN_GEN_CLEANUP",
	InvalidFormat:          "INVALID_FORMAT",
	InvalidAddress:         "INVALID_ADDRESS",
	InvalidState:           "INVALID_STATE",
	InvalidData:            "INVALID_DATA",
	ConnInnExtConnRefused:  "CONN_INN_EXT_CONN_REFUSED",
	ConnAnnInnFail:         "CONN_ANN_INN_FAIL",
	ConnAnnNbrFail:         "CONN_ANN_NBR_FAIL",
	ConnAnnExtFail:         "CONN_ANN_EXT_FAIL",
	UnicastMsg:             "UNICAST_MSG",
	BroadcastMsg:           "BROADCAST_MSG",
	ReverseBroadcastMsg:    "REVERSE_BROADCAST_MSG",
	NodeShutdown:           "NODE_SHUTDOWN",
}

// String implements fmt.Stringer.
func (t Type) String() string {
	if t < typeCount {
		if n := typeNames[t]; n != "" {
			return n
		}
	}
	return fmt.Sprintf("Type(%d)", t)
}

// Valid reports whether t is a member of the closed enumeration.
func (t Type) Valid() bool {
	return t < typeCount
}

// IsFailure reports whether t is one of the failure/error tags (§7).
func (t Type) IsFailure() bool {
	switch t {
	case InvalidFormat, InvalidAddress, InvalidState, InvalidData,
		ConnInnExtConnRefused, ConnAnnInnFail, ConnAnnNbrFail, ConnAnnExtFail:
		return true
	default:
		return false
	}
}
