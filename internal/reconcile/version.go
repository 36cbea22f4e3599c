package reconcile

import (
	"strconv"
	"strings"
)

// version is a parsed dotted release, e.g. "1.15.3". Non-numeric trailing
// segments (rc1, post0) are kept verbatim and compared lexically after the
// numeric prefix.
type version struct {
	raw  string
	nums []int
	tail string
}

func parseVersion(s string) version {
	v := version{raw: strings.TrimSpace(s)}
	rest := v.raw
	for rest != "" {
		seg := rest
		if i := strings.IndexByte(rest, '.'); i >= 0 {
			seg, rest = rest[:i], rest[i+1:]
		} else {
			rest = ""
		}
		n, err := strconv.Atoi(seg)
		if err != nil {
			// first non-numeric segment ends the release part
			v.tail = seg
			if rest != "" {
				v.tail += "." + rest
			}
			break
		}
		v.nums = append(v.nums, n)
	}
	return v
}

// compareVersions orders a against b: -1, 0, or 1. Shorter releases are
// zero-padded; a version with a non-numeric tail sorts before its bare
// release (1.0rc1 < 1.0), which matches pip for the pre-release cases the
// requirement files in the wild actually use.
func compareVersions(a, b string) int {
	va, vb := parseVersion(a), parseVersion(b)
	n := len(va.nums)
	if len(vb.nums) > n {
		n = len(vb.nums)
	}
	for i := 0; i < n; i++ {
		x, y := 0, 0
		if i < len(va.nums) {
			x = va.nums[i]
		}
		if i < len(vb.nums) {
			y = vb.nums[i]
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	switch {
	case va.tail == vb.tail:
		return 0
	case va.tail == "":
		return 1
	case vb.tail == "":
		return -1
	case va.tail < vb.tail:
		return -1
	default:
		return 1
	}
}

// nextBoundary computes the exclusive upper bound implied by ~=V: the
// second-to-last release component is bumped (1.15.3 -> 1.16); a single
// component bumps the major (2 -> 3).
func nextBoundary(v string) string {
	p := parseVersion(v)
	if len(p.nums) <= 1 {
		n := 0
		if len(p.nums) == 1 {
			n = p.nums[0]
		}
		return strconv.Itoa(n + 1)
	}
	keep := p.nums[:len(p.nums)-1]
	parts := make([]string, len(keep))
	for i, n := range keep {
		parts[i] = strconv.Itoa(n)
	}
	parts[len(parts)-1] = strconv.Itoa(keep[len(keep)-1] + 1)
	return strings.Join(parts, ".")
}
