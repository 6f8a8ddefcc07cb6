// Package version exposes the running client version and comparison helpers.
package version

import (
	"strings"

	"golang.org/x/mod/semver"
)

// Client is the version reported to remote servers and checked against
// organizational policy minimums. Overridden at build time via -ldflags.
var Client = "0.12.0"

// AtLeast reports whether current satisfies the minimum version. Both
// values accept a leading "v" or bare "major.minor.patch" form. Malformed
// versions compare as not-satisfied so callers fail closed.
func AtLeast(current, minimum string) bool {
	c := canonical(current)
	m := canonical(minimum)
	if c == "" || m == "" {
		return false
	}
	return semver.Compare(c, m) >= 0
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return v
}
