package admission

import (
	"testing"

	"github.com/r2northstar/cubenet/pkg/cubemsg"
)

// TestCheckPrevTable exercises the "state-table closure" law spec.md §8
// asserts: every constrained message type is accepted only after its
// required predecessor was the last thing sent on that connection, and
// rejected otherwise, with or without an existing record.
func TestCheckPrevTable(t *testing.T) {
	cases := []struct {
		name       string
		received   cubemsg.Type
		lastSent   cubemsg.Type
		haveRecord bool
		wantErr    bool
	}{
		{"matches required prev", cubemsg.ConnGenInnAvail, cubemsg.ConnInnGenAnn, true, false},
		{"wrong prev rejected", cubemsg.ConnGenInnAvail, cubemsg.ConnAnnExtOffer, true, true},
		{"no record rejected", cubemsg.ConnGenInnAvail, cubemsg.ConnInnGenAnn, false, true},
		{"unconstrained entry message always ok", cubemsg.ConnExtInnAttach, cubemsg.Type(0), false, false},
		{"unconstrained even with a stale record", cubemsg.ConnInnGenAnn, cubemsg.ConnGenInnAvail, true, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := checkPrev(c.received, c.lastSent, c.haveRecord)
			if (err != nil) != c.wantErr {
				t.Fatalf("checkPrev(%v, %v, %v) = %v, wantErr=%v", c.received, c.lastSent, c.haveRecord, err, c.wantErr)
			}
		})
	}
}

// TestRequiredPrevTableIsClosed checks that every type named on the
// right-hand side of requiredPrev is itself a real cubemsg.Type the table
// can be satisfied by, catching typos that would make a transition
// permanently unreachable.
func TestRequiredPrevTableIsClosed(t *testing.T) {
	for received, want := range requiredPrev {
		if err := checkPrev(received, want, true); err != nil {
			t.Fatalf("requiredPrev[%v] = %v is not self-satisfying: %v", received, want, err)
		}
	}
}

func TestRoleString(t *testing.T) {
	cases := map[Role]string{RoleINN: "INN", RoleGEN: "GEN", RoleANN: "ANN", RoleNBR: "NBR", RoleEXT: "EXT"}
	for r, want := range cases {
		if got := r.String(); got != want {
			t.Fatalf("Role(%d).String() = %q, want %q", r, got, want)
		}
	}
}
