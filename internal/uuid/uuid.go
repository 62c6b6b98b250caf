// Package uuid mints and validates the v4 identifiers used for queued
// actions and conflict records.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Action and conflict IDs travel over the wire as idempotency keys, so the
// format check is strict: dashes required, version nibble 4, variant [89ab].
var v4Pattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New returns a fresh UUID v4 string.
func New() string {
	return uuid.New().String()
}

// IsValid reports whether s is a well-formed UUID v4.
func IsValid(s string) bool {
	return v4Pattern.MatchString(s)
}

// Validate returns an error when s is not a well-formed UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid identifier %q: want UUID v4", s)
	}
	return nil
}
