package pki

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/jmcleod/ironca/internal/util"
)

// SerialLength is the number of random bytes drawn for a serial.
const SerialLength = 20

// maxSerialOctets is the RFC 5280 upper bound on serial number length.
const maxSerialOctets = 20

// GenerateSerial draws a fresh random serial number and returns it in
// canonical form. The top bit is cleared so the DER INTEGER stays positive
// within 20 octets. Randomness makes collisions improbable; callers that
// need uniqueness must still check the issuing CA's records.
func GenerateSerial() (string, error) {
	for {
		b, err := util.RandomBytes(SerialLength)
		if err != nil {
			return "", fmt.Errorf("generating serial: %w", err)
		}
		b[0] &= 0x7f
		n := new(big.Int).SetBytes(b)
		if n.Sign() > 0 {
			return FormatSerial(n), nil
		}
	}
}

// FormatSerial renders n as lowercase hex without leading zero bytes, the
// canonical serial form used throughout the package.
func FormatSerial(n *big.Int) string {
	return util.HexEncode(n.Bytes())
}

// ParseSerial accepts a hex string, optionally separated by colons or
// spaces, and returns its value.
func ParseSerial(s string) (*big.Int, error) {
	clean := strings.NewReplacer(":", "", " ", "").Replace(strings.TrimSpace(s))
	if clean == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSerial)
	}
	if len(clean)%2 == 1 {
		clean = "0" + clean
	}
	b, err := util.HexDecode(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not hex", ErrInvalidSerial, s)
	}
	n := new(big.Int).SetBytes(b)
	if !ValidSerialNumber(n) {
		return nil, fmt.Errorf("%w: %q must be positive and at most %d octets", ErrInvalidSerial, s, maxSerialOctets)
	}
	return n, nil
}

// NormalizeSerial returns the canonical form of s.
func NormalizeSerial(s string) (string, error) {
	n, err := ParseSerial(s)
	if err != nil {
		return "", err
	}
	return FormatSerial(n), nil
}

// ValidSerial reports whether s is an acceptable serial: hex digits with
// optional colon or space separators. Decimal digit strings are a subset
// of this form and are accepted as well.
func ValidSerial(s string) bool {
	_, err := ParseSerial(s)
	return err == nil
}

// ValidSerialNumber reports whether n is a positive integer whose DER
// encoding fits in 20 octets.
func ValidSerialNumber(n *big.Int) bool {
	if n == nil || n.Sign() <= 0 {
		return false
	}
	// DER needs a leading zero octet when the high bit is set.
	octets := (n.BitLen() + 8) / 8
	return octets <= maxSerialOctets
}
