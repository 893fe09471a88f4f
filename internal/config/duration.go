package config

import (
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// ParseDurationField parses a Go duration setting at key. Empty means zero.
func ParseDurationField(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, goerr.Wrap(err, key+": invalid duration", goerr.V("value", raw))
	}
	if d < 0 {
		return 0, goerr.New(key+": duration must be >= 0", goerr.V("value", raw))
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero values.
func ParseDurationOrDefault(key, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(key, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
