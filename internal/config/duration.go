package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses one duration key. An empty value is zero;
// negative values are rejected. path names the key in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: must be >= 0, got %s", path, d)
	}
	return d, nil
}

// durationOr backs the accessors. An unset key takes def. An explicit zero
// takes def too unless zeroOK, for keys where "0s" turns a wait off.
// Validate has rejected malformed values already, so they fall back to def.
func durationOr(raw string, def time.Duration, zeroOK bool) time.Duration {
	if strings.TrimSpace(raw) == "" {
		return def
	}
	d, err := ParseDurationField("", raw)
	if err != nil || (d == 0 && !zeroOK) {
		return def
	}
	return d
}
