// Package uuid generates idempotency keys and record identifiers.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Accepts the dashed RFC 9562 form for versions 4 and 7 with variant bits 10xx.
var keyRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[47][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a random UUID v4, used for record and notice ids.
func New() string {
	return uuid.New().String()
}

// NewKey generates a time-ordered UUID v7, used as a mutation idempotency key.
// Keys created later sort after keys created earlier, which keeps log output
// and server-side dedupe tables roughly insertion ordered.
func NewKey() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Parse parses a generated key and reports its version.
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID: %w", err)
	}
	if v := id.Version(); v != 4 && v != 7 {
		return uuid.Nil, fmt.Errorf("expected UUID v4 or v7, got v%d", v)
	}
	return id, nil
}

// IsValid checks if a string is a dashed UUID v4 or v7.
func IsValid(s string) bool {
	return keyRegex.MatchString(s)
}

// Validate returns an error if the string is not a dashed UUID v4 or v7.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID format: %q", s)
	}
	return nil
}
