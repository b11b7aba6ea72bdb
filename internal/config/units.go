package config

import (
	"fmt"
	"strconv"
	"strings"
)

type unit struct {
	suffix     string
	multiplier float64
}

// ParseBandwidth parses a rate such as "100k", "20m" or "1g" into bits per
// second. Units are decimal. Bare numbers are rejected except zero.
func ParseBandwidth(s string) (uint64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "0" || s == "0.0" {
		return 0, nil
	}
	v, ok, err := parseScaled(s, []unit{{"k", 1e3}, {"m", 1e6}, {"g", 1e9}})
	if err != nil {
		return 0, fmt.Errorf("invalid bandwidth value: %q", s)
	}
	if !ok {
		return 0, fmt.Errorf("bandwidth must include unit suffix (k/m/g): %q", s)
	}
	return uint64(v), nil
}

// ParseSize parses a byte size such as "4096", "4kb" or "1mb".
func ParseSize(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	v, ok, err := parseScaled(s, []unit{{"kb", 1e3}, {"mb", 1e6}, {"kib", 1 << 10}, {"mib", 1 << 20}})
	if !ok && err == nil {
		v, err = parseNumber(s)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %q", s)
	}
	return int(v), nil
}

func parseScaled(s string, units []unit) (float64, bool, error) {
	for _, u := range units {
		num, found := strings.CutSuffix(s, u.suffix)
		if !found {
			continue
		}
		v, err := parseNumber(strings.TrimSpace(num))
		if err != nil {
			return 0, true, err
		}
		return v * u.multiplier, true, nil
	}
	return 0, false, nil
}

func parseNumber(s string) (float64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("negative value")
	}
	return v, nil
}
