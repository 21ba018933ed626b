package release

import (
	"strconv"
	"strings"
)

// CompareVersions compares two dotted version strings component-wise as
// integers, treating missing trailing components as 0. A leading "v" and any
// non-numeric suffix inside a component ("3-beta" reads as 3) are ignored.
// Returns -1, 0, or 1.
func CompareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(strings.TrimSpace(a), "v"), ".")
	bs := strings.Split(strings.TrimPrefix(strings.TrimSpace(b), "v"), ".")

	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(as) {
			av = componentInt(as[i])
		}
		if i < len(bs) {
			bv = componentInt(bs[i])
		}
		if av < bv {
			return -1
		}
		if av > bv {
			return 1
		}
	}
	return 0
}

func componentInt(s string) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	// Keep the leading digit run, e.g. "3-beta" -> 3.
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, _ := strconv.Atoi(s[:end])
	return n
}
