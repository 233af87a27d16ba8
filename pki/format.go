package pki

import (
	"bytes"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
)

// Format is a serialized artifact form.
type Format int

const (
	// FormatPEM is RFC 7468 textual encoding.
	FormatPEM Format = iota + 1
	// FormatDER is DER re-expressed as standard base64 text.
	FormatDER
)

func (f Format) String() string {
	switch f {
	case FormatPEM:
		return "PEM"
	case FormatDER:
		return "DER"
	default:
		return "UNKNOWN"
	}
}

// PEM block types.
const (
	pemCertificate = "CERTIFICATE"
	pemCSR         = "CERTIFICATE REQUEST"
	pemCSRLegacy   = "NEW CERTIFICATE REQUEST"
	pemCRL         = "X509 CRL"
)

func encodePEM(blockType string, der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}))
}

func encodeBase64(der []byte) string {
	return base64.StdEncoding.EncodeToString(der)
}

// decodeArtifact extracts DER bytes from PEM text, base64 DER text or raw
// DER. PEM input must carry one of the accepted block types.
func decodeArtifact(data []byte, malformed error, pemTypes ...string) ([]byte, error) {
	// DER always starts with a SEQUENCE tag. Its trailing bytes are
	// signature bits and may look like whitespace, so it is never trimmed.
	if len(data) > 0 && data[0] == 0x30 {
		return data, nil
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty input", malformed)
	}
	if bytes.HasPrefix(trimmed, []byte("-----BEGIN")) {
		block, _ := pem.Decode(trimmed)
		if block == nil {
			return nil, fmt.Errorf("%w: %w", malformed, ErrInvalidPEM)
		}
		for _, t := range pemTypes {
			if block.Type == t {
				return block.Bytes, nil
			}
		}
		return nil, fmt.Errorf("%w: unexpected PEM block %q", malformed, block.Type)
	}
	if trimmed[0] == 0x30 {
		return bytes.TrimLeft(data, " \t\r\n\v\f"), nil
	}
	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(string(trimmed)), ""))
	if err != nil || len(der) == 0 || der[0] != 0x30 {
		return nil, fmt.Errorf("%w: input is neither PEM nor DER", malformed)
	}
	return der, nil
}

// convertArtifact re-encodes the DER inside data into target.
func convertArtifact(data []byte, target Format, malformed error, parse func([]byte) error, pemType string, pemTypes ...string) (string, error) {
	der, err := decodeArtifact(data, malformed, pemTypes...)
	if err != nil {
		return "", err
	}
	if err := parse(der); err != nil {
		return "", fmt.Errorf("%w: %v", malformed, err)
	}
	switch target {
	case FormatPEM:
		return encodePEM(pemType, der), nil
	case FormatDER:
		return encodeBase64(der), nil
	default:
		return "", fmt.Errorf("%w: %v", ErrUnsupportedFormat, target)
	}
}
