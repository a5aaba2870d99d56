package tract

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// UnknownOwner is the grouping key for parcels with no usable owner string.
const UnknownOwner = "UNKNOWN OWNER"

// NormalizeOwner canonicalizes a raw owner string into a grouping key.
// Surrounding whitespace is trimmed and the result is upper-cased; empty or
// whitespace-only input collapses to UnknownOwner.
func NormalizeOwner(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UnknownOwner
	}
	// A Caser carries state, so one is built per call.
	return cases.Upper(language.Und).String(trimmed)
}
