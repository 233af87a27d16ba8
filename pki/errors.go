package pki

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Error categories
// ---------------------------------------------------------------------------

var (
	// ErrValidation marks caller-correctable input errors: malformed names,
	// bad serial formats, algorithm mismatches. Never retried automatically.
	ErrValidation = errors.New("validation error")

	// ErrFormat marks malformed PEM/DER input for certificates, CSRs and
	// CRLs. Not retryable.
	ErrFormat = errors.New("format error")

	// ErrStateInvariant marks an operation that would break a persistent
	// invariant, such as a duplicate serial or a CRL number regression.
	// Fatal to the current operation and never silently corrected.
	ErrStateInvariant = errors.New("state invariant violation")
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrInvalidName                 = categorized(ErrValidation, "invalid distinguished name")
	ErrUnsupportedAlgorithm        = categorized(ErrValidation, "unsupported key algorithm")
	ErrInvalidSignatureAlgorithm   = categorized(ErrValidation, "invalid signature algorithm")
	ErrAlgorithmMismatch           = categorized(ErrValidation, "signature algorithm does not match signing key")
	ErrInvalidExtensionCombination = categorized(ErrValidation, "invalid extension combination")
	ErrInvalidSerial               = categorized(ErrValidation, "invalid serial number")
	ErrKeyMismatch                 = categorized(ErrValidation, "public key does not match signing key")
	ErrInvalidValidity             = categorized(ErrValidation, "invalid validity window")
	ErrInvalidUpdateWindow         = categorized(ErrValidation, "nextUpdate must be after thisUpdate")
	ErrInvalidRevocationReason     = categorized(ErrValidation, "invalid revocation reason")
	ErrInvalidCRLNumber            = categorized(ErrValidation, "CRL number must be positive")
	ErrMissingSigner               = categorized(ErrValidation, "signer is required")
	ErrMissingIssuer               = categorized(ErrValidation, "issuer certificate is required")
	ErrInvalidSAN                  = categorized(ErrValidation, "invalid subject alternative name")

	ErrMalformedCertificate = categorized(ErrFormat, "malformed certificate")
	ErrMalformedCSR         = categorized(ErrFormat, "malformed certificate request")
	ErrMalformedCRL         = categorized(ErrFormat, "malformed CRL")
	ErrInvalidPEM           = categorized(ErrFormat, "invalid PEM data")
	ErrUnsupportedFormat    = categorized(ErrFormat, "unsupported artifact format")
	ErrCSRSignature         = categorized(ErrFormat, "certificate request signature does not verify")

	ErrDuplicateSerial     = categorized(ErrStateInvariant, "serial number already issued by this CA")
	ErrCRLNumberRegression = categorized(ErrStateInvariant, "CRL number is not the successor of the latest CRL")
)

// categorizedError is a sentinel that also matches its category through
// errors.Is.
type categorizedError struct {
	category error
	msg      string
}

func categorized(category error, msg string) error {
	return &categorizedError{category: category, msg: msg}
}

func (e *categorizedError) Error() string { return e.msg }

func (e *categorizedError) Unwrap() error { return e.category }

// fieldError annotates err with the offending field.
func fieldError(err error, field string, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", err, field, fmt.Sprintf(format, args...))
}
