package config

import (
	"fmt"
	"strings"
	"time"

	"drillbot/internal/profile"
)

// ParseDurationField parses a non-negative Go duration. Empty means 0.
// Errors name the config path, e.g. "profiles.alice.api_timeout".
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParseRange turns a [min, max] pair into a profile.Range. An empty min is 0;
// an empty max equals min.
func ParseRange(path string, r DelayRange) (profile.Range, error) {
	lo, err := ParseDurationField(path+".min", r.Min)
	if err != nil {
		return profile.Range{}, err
	}
	if strings.TrimSpace(r.Max) == "" {
		return profile.Range{Min: lo, Max: lo}, nil
	}
	hi, err := ParseDurationField(path+".max", r.Max)
	if err != nil {
		return profile.Range{}, err
	}
	if hi < lo {
		return profile.Range{}, fmt.Errorf("%s: max %s is below min %s", path, hi, lo)
	}
	return profile.Range{Min: lo, Max: hi}, nil
}
