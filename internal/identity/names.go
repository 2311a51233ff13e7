package identity

import (
	"fmt"
	"unicode"

	"github.com/epam/modular-api/pkg/errors"
)

// ValidateName rejects entity names containing whitespace or control
// characters. Names are case-sensitive and compared byte-for-byte.
func ValidateName(field, name string) error {
	if name == "" {
		return fmt.Errorf("%w: %s must not be empty", errors.ErrInvalidPayload, field)
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %s must not contain whitespace or control characters",
				errors.ErrInvalidPayload, field)
		}
	}
	return nil
}
