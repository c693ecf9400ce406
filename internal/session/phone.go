package session

import (
	"fmt"
	"strings"

	"github.com/hpratama/wagate/internal/domain"
)

const (
	trunkPrefix = "0"
	countryCode = "62"
	chatSuffix  = "@c.us"
)

// NormalizeRecipient converts a raw phone number into a deliverable
// individual-chat address. Non-digits are stripped, a leading local trunk
// "0" is replaced with the country calling code, and the result must start
// with the country code or normalization fails.
func NormalizeRecipient(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	if strings.HasPrefix(digits, trunkPrefix) {
		digits = countryCode + digits[len(trunkPrefix):]
	}

	if !strings.HasPrefix(digits, countryCode) {
		return "", fmt.Errorf("%q: %w", raw, domain.ErrInvalidRecipient)
	}

	return digits + chatSuffix, nil
}
