// Package vercmp compares dotted-numeric version strings component-wise,
// treating a shorter vector as zero-padded.
package vercmp

import (
	"strconv"
	"strings"
)

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater than b.
// Non-numeric components compare as 0 (the corrected reading of the source's
// permissive tokenizer: it never rejects a version string outright).
func Compare(a, b string) int {
	av := split(a)
	bv := split(b)

	n := len(av)
	if len(bv) > n {
		n = len(bv)
	}

	for i := 0; i < n; i++ {
		var x, y int
		if i < len(av) {
			x = av[i]
		}
		if i < len(bv) {
			y = bv[i]
		}
		if x < y {
			return -1
		}
		if x > y {
			return 1
		}
	}
	return 0
}

func split(v string) []int {
	parts := strings.Split(v, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			n = 0
		}
		out[i] = n
	}
	return out
}
