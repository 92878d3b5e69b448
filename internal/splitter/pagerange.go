package splitter

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidPageRange is returned for malformed or out-of-bounds page ranges.
var ErrInvalidPageRange = errors.New("invalid page range")

// ParsePageRange expands a selection like "1-3,7,10-" into sorted, distinct
// 1-based page numbers within [1, total]. An empty spec selects every page.
// Open ends are allowed: "-3" is 1-3, "5-" is 5 to the last page.
func ParsePageRange(spec string, total int) ([]int, error) {
	if total <= 0 {
		return nil, ErrNoPages
	}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		all := make([]int, total)
		for i := range all {
			all[i] = i + 1
		}
		return all, nil
	}

	seen := make(map[int]bool)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, err := parseSpan(part, total)
		if err != nil {
			return nil, err
		}
		for p := lo; p <= hi; p++ {
			seen[p] = true
		}
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("%w: %q selects no pages", ErrInvalidPageRange, spec)
	}

	pages := make([]int, 0, len(seen))
	for p := range seen {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages, nil
}

// ValidatePageRange checks spec syntax without knowing the page count.
func ValidatePageRange(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	selected := false
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, _, err := parseSpan(part, math.MaxInt32); err != nil {
			return err
		}
		selected = true
	}
	if !selected {
		return fmt.Errorf("%w: %q selects no pages", ErrInvalidPageRange, spec)
	}
	return nil
}

func parseSpan(part string, total int) (int, int, error) {
	lo, hi := 1, total
	if i := strings.Index(part, "-"); i >= 0 {
		left, right := strings.TrimSpace(part[:i]), strings.TrimSpace(part[i+1:])
		if left == "" && right == "" {
			return 0, 0, fmt.Errorf("%w: %q", ErrInvalidPageRange, part)
		}
		var err error
		if left != "" {
			if lo, err = pageNumber(left); err != nil {
				return 0, 0, err
			}
		}
		if right != "" {
			if hi, err = pageNumber(right); err != nil {
				return 0, 0, err
			}
		}
	} else {
		n, err := pageNumber(part)
		if err != nil {
			return 0, 0, err
		}
		lo, hi = n, n
	}

	if lo > hi {
		return 0, 0, fmt.Errorf("%w: %q is reversed", ErrInvalidPageRange, part)
	}
	if lo > total {
		return 0, 0, fmt.Errorf("%w: %q is past the last page (%d)", ErrInvalidPageRange, part, total)
	}
	if hi > total {
		hi = total
	}
	return lo, hi, nil
}

func pageNumber(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %q is not a page number", ErrInvalidPageRange, s)
	}
	return n, nil
}
