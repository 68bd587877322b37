package privacy

import (
	"strings"

	"pickuprelay/internal/constants"
)

// MaskRecipientKey masks a recipient verkey showing only the last 4 characters
// Example: "3Dg5rSdqXkLB7V92sEpNQy" -> "******************sEpNQy" truncated form
func MaskRecipientKey(key string) string {
	return maskString(key, constants.DefaultKeyMaskLength)
}

// MaskIdent masks a message identity while keeping enough of the tail for
// log correlation
func MaskIdent(ident string) string {
	return maskString(ident, constants.DefaultIdentMaskLength)
}

func maskString(s string, visible int) string {
	if s == "" {
		return ""
	}
	if len(s) <= visible {
		return strings.Repeat("*", len(s))
	}
	// Cap the mask run so long keys don't blow up log lines
	masked := len(s) - visible
	if masked > 8 {
		masked = 8
	}
	return strings.Repeat("*", masked) + s[len(s)-visible:]
}
