// Package uuid generates the opaque identifiers used for CA, certificate,
// CRL and audit records.
package uuid

import "github.com/google/uuid"

// New returns a random (version 4) UUID in its canonical string form.
func New() string {
	return uuid.NewString()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
