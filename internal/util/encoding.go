package util

import (
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize returns s in Unicode normalization form C, the form used for
// directory string attribute values.
func Normalize(s string) string {
	return norm.NFC.String(s)
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

// HexDecode decodes s, tolerating upper-case digits.
func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(strings.ToLower(s))
}
