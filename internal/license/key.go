package license

import (
	"regexp"
	"strings"
)

// keyPattern matches the textual key format: four dash-separated groups of
// four uppercase alphanumerics.
var keyPattern = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

var whitespaceReplacer = strings.NewReplacer(" ", "", "\t", "", "\n", "", "\r", "")

// NormalizeKey strips all whitespace and upper-cases the raw input.
func NormalizeKey(rawKey string) string {
	return strings.ToUpper(whitespaceReplacer.Replace(rawKey))
}

// ValidKeyFormat reports whether a normalized key matches the expected
// textual format. Malformed keys are rejected before any remote lookup.
func ValidKeyFormat(key string) bool {
	return keyPattern.MatchString(key)
}
