// Package admission implements the four-phase AdmissionEngine (spec.md §4.6):
// the protocol by which a new peer locates an attachment point (INN), is
// offered a cube address (ANN), connects to its prospective neighbors (NBR),
// and is identified and adopted into the overlay.
package admission

import (
	"fmt"
	"net/netip"

	"github.com/r2northstar/cubenet/pkg/cubemsg"
)

// Role names the part a node plays in a single pending admission. A node can
// simultaneously hold records for several roles (e.g. GEN for one admission
// and ANN for another), but never two roles for the same admission.
type Role int

const (
	RoleINN Role = iota
	RoleGEN
	RoleANN
	RoleNBR
	RoleEXT
)

func (r Role) String() string {
	switch r {
	case RoleINN:
		return "INN"
	case RoleGEN:
		return "GEN"
	case RoleANN:
		return "ANN"
	case RoleNBR:
		return "NBR"
	case RoleEXT:
		return "EXT"
	default:
		return "role?"
	}
}

// connKey correlates every message of a single pending admission. It is the
// external candidate's transport address, which is present (as Message.Peer
// or implicitly as the link's remote address) on every message of the
// exchange.
type connKey = netip.AddrPort

// requiredPrev is the state-transition table from spec.md §4.6: the type
// this node must have most recently SENT on this connection for the type on
// the left to be accepted. The table is enforced through checkPrev only by
// the handlers of CONN_GEN_INN_AVAIL, CONN_EXT_ANN_ACCEPT,
// CONN_NBR_ANN_CONNECTED/DISCONNECTED and CONN_NBR_ANN_IDENTIFIED: there a
// message whose record's last-sent type doesn't match is rejected with
// INVALID_STATE and does not mutate state. The handlers of the other types
// in the table do not consult it, and a message for a connection with no
// record is dropped without a reply.
var requiredPrev = map[cubemsg.Type]cubemsg.Type{
	cubemsg.ConnGenInnAvail:        cubemsg.ConnInnGenAnn,
	cubemsg.ConnAnnInnSuccess:      cubemsg.ConnInnAnnHandoff,
	cubemsg.ConnAnnInnFail:         cubemsg.ConnInnAnnHandoff,
	cubemsg.ConnInnAnnHandoff:      cubemsg.ConnGenInnAvail,
	cubemsg.ConnExtAnnAccept:       cubemsg.ConnAnnExtOffer,
	cubemsg.ConnExtAnnDecline:      cubemsg.ConnAnnExtOffer,
	cubemsg.ConnNbrAnnConnected:    cubemsg.ConnAnnNbrConnect,
	cubemsg.ConnNbrAnnDisconnected: cubemsg.ConnAnnNbrConnect,
	cubemsg.ConnNbrAnnIdentified:   cubemsg.ConnAnnNbrIdentify,
	cubemsg.ConnInnGenCleanup:      cubemsg.ConnGenInnAvail,
	cubemsg.ConnExtNbrAccept:       cubemsg.ConnNbrExtOffer,
	cubemsg.ConnExtNbrDecline:      cubemsg.ConnNbrExtOffer,
	cubemsg.ConnAnnNbrIdentify:     cubemsg.ConnNbrAnnConnected,
	cubemsg.ConnAnnExtOffer:        cubemsg.ConnExtInnAttach,
	cubemsg.ConnNbrExtOffer:        cubemsg.ConnExtAnnAccept,
	cubemsg.ConnNbrExtIdentify:     cubemsg.ConnExtAnnAccept,
	cubemsg.ConnAnnExtSuccess:      cubemsg.ConnExtAnnAccept,
	cubemsg.ConnAnnExtFail:         cubemsg.ConnExtAnnAccept,
}

// checkPrev reports whether received is acceptable given the type last sent
// on this connection by this node (lastSent); haveRecord=false means the
// connection has no record yet, which fails every constrained type.
func checkPrev(received, lastSent cubemsg.Type, haveRecord bool) error {
	want, constrained := requiredPrev[received]
	if !constrained {
		return nil // entry messages (e.g. CONN_EXT_INN_ATTACH) have no prerequisite
	}
	if !haveRecord || lastSent != want {
		return fmt.Errorf("admission: %s requires prior %s, have record=%v lastSent=%s", received, want, haveRecord, lastSent)
	}
	return nil
}
