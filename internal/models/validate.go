package models

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultMaxBodyLength is the body limit used when none is configured.
const DefaultMaxBodyLength = 4096

// ValidateBody rejects bodies that are empty after trimming or longer than
// maxLen runes. maxLen <= 0 selects DefaultMaxBodyLength.
func ValidateBody(body string, maxLen int) error {
	if maxLen <= 0 {
		maxLen = DefaultMaxBodyLength
	}
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("%w: message is empty", ErrValidation)
	}
	if n := utf8.RuneCountInString(body); n > maxLen {
		return fmt.Errorf("%w: message is %d characters, limit is %d", ErrValidation, n, maxLen)
	}
	return nil
}

// ValidateParties checks the sender and recipient ids of a message.
func ValidateParties(from, to string) error {
	if from == "" {
		return fmt.Errorf("%w: from is required", ErrValidation)
	}
	if to == "" {
		return fmt.Errorf("%w: to is required", ErrValidation)
	}
	if from == to {
		return fmt.Errorf("%w: cannot send a message to yourself", ErrValidation)
	}
	return nil
}
