package config

import (
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetDuration retrieves an environment variable as a duration. Both Go
// duration strings ("1m30s") and interval strings ("10s", "1w") are accepted.
func GetDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	if parsed, err := ParseInterval(value); err == nil {
		return parsed
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		log.Printf("invalid value for %s: %v", key, err)
		return fallback
	}
	return parsed
}

// GetList retrieves a comma separated environment variable.
func GetList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// IntervalFormat is the accepted shape for interval strings such as "5s" or "1w".
const IntervalFormat = `^\s*(\d+)(ms|h|m|s|d|w)\s*$`

var intervalPattern = regexp.MustCompile(IntervalFormat)

// InvalidIntervalError reports an interval string that does not match IntervalFormat.
type InvalidIntervalError struct {
	Interval string
}

func (e *InvalidIntervalError) Error() string {
	return "invalid interval specified: " + e.Interval + ". interval should match format: " + IntervalFormat
}

// ParseInterval converts an interval string into a duration.
func ParseInterval(interval string) (time.Duration, error) {
	match := intervalPattern.FindStringSubmatch(interval)
	if len(match) != 3 {
		return 0, &InvalidIntervalError{Interval: interval}
	}
	n, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, &InvalidIntervalError{Interval: interval}
	}
	unit := time.Millisecond
	switch match[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	case "w":
		unit = 7 * 24 * time.Hour
	}
	return time.Duration(n) * unit, nil
}
