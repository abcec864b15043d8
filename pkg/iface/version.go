package iface

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is the semantic version of a service interface.
type Version struct {
	Major int `cbor:"1,keyasint" yaml:"major"`
	Minor int `cbor:"2,keyasint" yaml:"minor"`
	Patch int `cbor:"3,keyasint" yaml:"patch"`
}

// ParseVersion parses "major.minor.patch". Missing trailing parts are zero.
func ParseVersion(s string) (Version, error) {
	var v Version
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return v, fmt.Errorf("empty version")
	}
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return v, fmt.Errorf("invalid version %q", s)
	}
	dst := []*int{&v.Major, &v.Minor, &v.Patch}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid version %q", s)
		}
		*dst[i] = n
	}
	return v, nil
}

// String returns "major.minor.patch".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compatible reports whether a provider implementing v can serve a consumer
// built against want: same major version and at least the wanted minor.
func (v Version) Compatible(want Version) bool {
	return v.Major == want.Major && v.Minor >= want.Minor
}
