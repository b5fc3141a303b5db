package utils

import (
	"regexp"
	"strings"
	"time"
)

// ParseDuration safely parses a duration string like "5m", returning fallback
// when it is empty or malformed.
func ParseDuration(d string, fallback time.Duration) time.Duration {
	if d == "" {
		return fallback
	}
	duration, err := time.ParseDuration(d)
	if err != nil || duration <= 0 {
		return fallback
	}
	return duration
}

var (
	whitespace = regexp.MustCompile(`\s+`)
	nonSlug    = regexp.MustCompile(`[^a-z0-9-]`)
)

// Slugify lowercases s, turns whitespace runs into hyphens and strips every
// other character outside [a-z0-9-].
func Slugify(s string) string {
	s = strings.ToLower(s)
	s = whitespace.ReplaceAllString(s, "-")
	return nonSlug.ReplaceAllString(s, "")
}
