package models

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseVersion splits a MAJOR.MINOR.PATCH version string.
func ParseVersion(v string) (major, minor, patch int, err error) {
	parts := strings.Split(strings.TrimPrefix(v, "v"), ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("invalid version %q", v)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, convErr := strconv.Atoi(p)
		if convErr != nil || n < 0 {
			return 0, 0, 0, fmt.Errorf("invalid version %q", v)
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}

// BumpMinor returns the next minor version (resets patch). Used for accepted
// improvements.
func BumpMinor(v string) (string, error) {
	major, minor, _, err := ParseVersion(v)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d.%d.0", major, minor+1), nil
}

// BumpPatch returns the next patch version. Used for rollbacks so the version
// stays monotonic while the content reverts.
func BumpPatch(v string) (string, error) {
	major, minor, patch, err := ParseVersion(v)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d.%d.%d", major, minor, patch+1), nil
}

// VersionLess reports whether a precedes b in semantic order.
func VersionLess(a, b string) bool {
	am, an, ap, errA := ParseVersion(a)
	bm, bn, bp, errB := ParseVersion(b)
	if errA != nil || errB != nil {
		return a < b
	}
	if am != bm {
		return am < bm
	}
	if an != bn {
		return an < bn
	}
	return ap < bp
}
