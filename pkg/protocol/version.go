package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ProtocolVersion represents a protocol version as major.minor.patch.
type ProtocolVersion struct {
	Major uint16
	Minor uint16
	Patch uint16
}

// CurrentVersion is the current protocol version.
//
// Minor history:
//   - 1.0: STATE_UPDATE had no "mode" (always a full replacement)
//   - 1.1: "mode" added, delta updates allowed
//   - 1.2: PERFORMANCE_SAMPLE added
var CurrentVersion = ProtocolVersion{Major: 1, Minor: 2, Patch: 0}

// String returns the semantic version string.
func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// ParseVersion parses "major.minor.patch". The patch component may be
// omitted ("1.2"). Pre-release and build suffixes are ignored.
func ParseVersion(s string) (ProtocolVersion, error) {
	raw := strings.TrimSpace(s)
	raw = strings.TrimPrefix(raw, "v")
	if i := strings.IndexAny(raw, "-+"); i >= 0 {
		raw = raw[:i]
	}
	parts := strings.Split(raw, ".")
	if raw == "" || len(parts) < 2 || len(parts) > 3 {
		return ProtocolVersion{}, fmt.Errorf("protocol: malformed version %q", s)
	}

	nums := make([]uint16, 3)
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return ProtocolVersion{}, fmt.Errorf("protocol: malformed version %q", s)
		}
		nums[i] = uint16(n)
	}
	return ProtocolVersion{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// Compatible reports whether an envelope at version v can be decoded by a
// peer running current. Only the major component must match.
func (v ProtocolVersion) Compatible(current ProtocolVersion) bool {
	return v.Major == current.Major
}

// Older reports whether v is an older minor release of the same major.
func (v ProtocolVersion) Older(current ProtocolVersion) bool {
	return v.Major == current.Major && v.Minor < current.Minor
}
