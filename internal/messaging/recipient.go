package messaging

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/badoux/checkmail"
)

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// MinPhoneDigits is the shortest phone number accepted after canonicalization.
const MinPhoneDigits = 6

// CanonicalizePhone strips everything but digits from a phone number.
func CanonicalizePhone(recipient string) (string, error) {
	if strings.TrimSpace(recipient) == "" {
		return "", fmt.Errorf("%w: phone number cannot be empty", ErrInvalidRecipient)
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("%w: no digits found in %q", ErrInvalidRecipient, recipient)
	}
	if len(canonical) < MinPhoneDigits {
		return "", fmt.Errorf("%w: %q is too short (minimum %d digits required)", ErrInvalidRecipient, canonical, MinPhoneDigits)
	}
	return canonical, nil
}

// E164 returns the canonical phone number with a leading "+".
func E164(recipient string) (string, error) {
	digits, err := CanonicalizePhone(recipient)
	if err != nil {
		return "", err
	}
	return "+" + digits, nil
}

// CanonicalizeEmail trims the address and checks its syntax.
func CanonicalizeEmail(recipient string) (string, error) {
	addr := strings.TrimSpace(recipient)
	if addr == "" {
		return "", fmt.Errorf("%w: email cannot be empty", ErrInvalidRecipient)
	}
	if err := checkmail.ValidateFormat(addr); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidRecipient, addr, err)
	}
	return addr, nil
}
