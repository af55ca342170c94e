package bot

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseIndexArg extracts a 1-based list index from a command argument string.
func ParseIndexArg(args string) (int, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return 0, fmt.Errorf("search number is required")
	}
	idx, err := strconv.Atoi(strings.Fields(s)[0])
	if err != nil {
		return 0, fmt.Errorf("invalid search number %q", s)
	}
	return idx, nil
}

// ParsePriceArg parses a price filter argument. "off", "none" and an empty
// argument clear the filter.
func ParsePriceArg(args string) (price float64, clear bool, err error) {
	s := strings.ToLower(strings.TrimSpace(args))
	switch s {
	case "", "off", "none":
		return 0, true, nil
	}
	price, err = strconv.ParseFloat(strings.Fields(s)[0], 64)
	if err != nil || price < 0 {
		return 0, false, fmt.Errorf("invalid price %q", args)
	}
	return price, false, nil
}
