package flag

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseCPUList parses a CPU list such as "0-2,5" into a bitmap with one
// bit per CPU id, little endian bytes, sized to the highest id named.
func ParseCPUList(s string) ([]byte, error) {
	maxCPU := -1
	var ids []int

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		lo, hi, err := parseRange(part)
		if err != nil {
			return nil, err
		}

		for id := lo; id <= hi; id++ {
			ids = append(ids, id)
			if id > maxCPU {
				maxCPU = id
			}
		}
	}

	if maxCPU < 0 {
		return nil, fmt.Errorf("%q: empty cpu list: %w", s, strconv.ErrSyntax)
	}

	bitmap := make([]byte, maxCPU/8+1)
	for _, id := range ids {
		bitmap[id/8] |= 1 << (id % 8)
	}

	return bitmap, nil
}

func parseRange(s string) (int, int, error) {
	lo, hi, found := strings.Cut(s, "-")

	l, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("%q: can't parse as cpu id: %w", s, err)
	}

	h := l

	if found {
		h, err = strconv.ParseUint(strings.TrimSpace(hi), 10, 16)
		if err != nil {
			return 0, 0, fmt.Errorf("%q: can't parse as cpu range: %w", s, err)
		}
	}

	if h < l {
		return 0, 0, fmt.Errorf("%q: descending cpu range: %w", s, strconv.ErrSyntax)
	}

	return int(l), int(h), nil
}
