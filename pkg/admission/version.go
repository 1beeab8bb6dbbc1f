package admission

import "golang.org/x/mod/semver"

// ProtocolVersion is this build's admission protocol version, carried as the
// CONN_EXT_INN_ATTACH payload (spec.md §6: the attach message "carries
// whatever the client wishes to identify itself with").
const ProtocolVersion = "v1.0.0"

// MinProtocolVersion is the oldest client version an INN will admit.
// Bumped whenever a wire-incompatible change lands; candidates below it are
// refused before they consume an admission-state slot.
const MinProtocolVersion = "v1.0.0"

// compatibleVersion reports whether the CONN_EXT_INN_ATTACH payload v names
// a protocol version this node accepts, the same gate
// pkg/atlas/server.go applies to API0_MinimumLauncherVersion via
// semver.Compare.
func compatibleVersion(v []byte) bool {
	s := string(v)
	if !semver.IsValid(s) {
		return false
	}
	return semver.Compare(s, MinProtocolVersion) >= 0
}
