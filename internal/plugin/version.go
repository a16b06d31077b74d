package plugin

import (
	"fmt"
	"strconv"
	"strings"
)

// versionRange is a parsed dependency constraint. Supported forms are
// "" / "*" (any), "^x.y.z" (same major, at least x.y.z), "~x.y.z" (same
// major.minor, at least x.y.z), ">=x.y.z", and a bare version (exact).
// Anything else is rejected at validation time rather than guessed at.
type versionRange struct {
	op      string
	version semver
}

type semver struct {
	major, minor, patch int
}

func parseVersionRange(s string) (versionRange, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return versionRange{op: "*"}, nil
	}

	op := ""
	switch {
	case strings.HasPrefix(s, ">="):
		op, s = ">=", s[2:]
	case strings.HasPrefix(s, "^"):
		op, s = "^", s[1:]
	case strings.HasPrefix(s, "~"):
		op, s = "~", s[1:]
	}

	v, err := parseSemver(strings.TrimSpace(s))
	if err != nil {
		return versionRange{}, fmt.Errorf("unsupported version range %q", s)
	}
	return versionRange{op: op, version: v}, nil
}

func parseSemver(s string) (semver, error) {
	// Prerelease and build metadata do not participate in range checks.
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		s = s[:i]
	}

	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return semver{}, fmt.Errorf("not a semver triple: %q", s)
	}

	var v semver
	var err error
	if v.major, err = strconv.Atoi(parts[0]); err != nil {
		return semver{}, fmt.Errorf("bad major version: %q", s)
	}
	if v.minor, err = strconv.Atoi(parts[1]); err != nil {
		return semver{}, fmt.Errorf("bad minor version: %q", s)
	}
	if v.patch, err = strconv.Atoi(parts[2]); err != nil {
		return semver{}, fmt.Errorf("bad patch version: %q", s)
	}
	return v, nil
}

// compare returns -1, 0, or 1.
func (v semver) compare(o semver) int {
	switch {
	case v.major != o.major:
		return sign(v.major - o.major)
	case v.minor != o.minor:
		return sign(v.minor - o.minor)
	default:
		return sign(v.patch - o.patch)
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

// satisfiedBy reports whether an installed version meets the range.
func (r versionRange) satisfiedBy(installed string) bool {
	if r.op == "*" {
		return true
	}

	v, err := parseSemver(installed)
	if err != nil {
		return false
	}

	switch r.op {
	case ">=":
		return v.compare(r.version) >= 0
	case "^":
		return v.major == r.version.major && v.compare(r.version) >= 0
	case "~":
		return v.major == r.version.major && v.minor == r.version.minor && v.compare(r.version) >= 0
	default:
		return v.compare(r.version) == 0
	}
}
