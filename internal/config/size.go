package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Longer suffixes first so "mib" is not read as "b".
var byteUnits = []struct {
	suffix string
	factor float64
}{
	{"gib", 1 << 30},
	{"gb", 1e9},
	{"mib", 1 << 20},
	{"mb", 1e6},
	{"kib", 1 << 10},
	{"kb", 1e3},
	{"b", 1},
}

// ParseSize converts strings such as "64MiB" or "500kb" into bytes.
func ParseSize(value string, fallback int64) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback, nil
	}

	lower := strings.ToLower(trimmed)
	factor := 1.0
	for _, unit := range byteUnits {
		if strings.HasSuffix(lower, unit.suffix) {
			factor = unit.factor
			lower = strings.TrimSpace(strings.TrimSuffix(lower, unit.suffix))
			break
		}
	}

	num, err := strconv.ParseFloat(lower, 64)
	if err != nil || num < 0 {
		return 0, fmt.Errorf("parse size %q: invalid quantity", value)
	}
	return int64(num * factor), nil
}
