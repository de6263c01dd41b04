package update

import (
	"strconv"
	"strings"
)

// components splits a version into numeric dot-separated parts with
// non-digit characters stripped. ok is false when the string carries no
// digits at all.
func components(v string) ([]int64, bool) {
	parts := strings.Split(strings.TrimSpace(v), ".")
	out := make([]int64, 0, len(parts))
	digits := false

	for _, p := range parts {
		var b strings.Builder
		for _, r := range p {
			if r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
		if b.Len() == 0 {
			out = append(out, 0)
			continue
		}
		n, err := strconv.ParseInt(b.String(), 10, 64)
		if err != nil {
			return nil, false
		}
		digits = true
		out = append(out, n)
	}
	return out, digits
}

// Compare orders two versions numerically, zero-padding the shorter one.
// ok is false when either side has no numeric content.
func Compare(a, b string) (cmp int, ok bool) {
	ca, okA := components(a)
	cb, okB := components(b)
	if !okA || !okB {
		return 0, false
	}

	n := len(ca)
	if len(cb) > n {
		n = len(cb)
	}
	for i := 0; i < n; i++ {
		var x, y int64
		if i < len(ca) {
			x = ca[i]
		}
		if i < len(cb) {
			y = cb[i]
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
	}
	return 0, true
}

// IsNewer reports whether latest should replace current. Versions that
// cannot be compared numerically count as newer whenever they differ.
func IsNewer(current, latest string) bool {
	if cmp, ok := Compare(current, latest); ok {
		return cmp < 0
	}
	return strings.TrimSpace(current) != strings.TrimSpace(latest)
}
