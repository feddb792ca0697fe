package pdfops

import (
	"strconv"
	"strings"
)

// maxPageRange bounds the pages a single range may expand to.
const maxPageRange = 1 << 20

// ParsePageRanges parses a page selection such as "1-3,5" into page
// numbers in order of appearance, without duplicates. An empty selection
// yields nil, which means every page.
func ParsePageRanges(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []int
	seen := make(map[int]bool)
	add := func(n int) {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := pageNumber(lo)
		if err != nil {
			return nil, invalid("pages", "%q: %v", part, err)
		}
		last := first
		if isRange {
			if last, err = pageNumber(hi); err != nil {
				return nil, invalid("pages", "%q: %v", part, err)
			}
			if last < first {
				return nil, invalid("pages", "%q: range is reversed", part)
			}
			if last-first >= maxPageRange {
				return nil, invalid("pages", "%q: range too large", part)
			}
		}
		for n := first; n <= last; n++ {
			add(n)
		}
	}
	return out, nil
}

func pageNumber(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, strconv.ErrRange
	}
	return n, nil
}
