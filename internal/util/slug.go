package util

import (
	"regexp"
	"strings"
)

var nonSlugRunRegex = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases s, collapses every run of characters outside [a-z0-9]
// into a single hyphen and strips leading and trailing hyphens.
func Slugify(s string) string {
	slug := nonSlugRunRegex.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "-")
	return strings.Trim(slug, "-")
}
