package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"strings"
)

// KeyType is the algorithm family of a key.
type KeyType int

const (
	KeyTypeUnknown KeyType = iota
	KeyTypeRSA
	KeyTypeECDSA
)

func (t KeyType) String() string {
	switch t {
	case KeyTypeRSA:
		return "RSA"
	case KeyTypeECDSA:
		return "ECDSA"
	default:
		return "UNKNOWN"
	}
}

// KeyAlgorithm is the closed set of key algorithms a CA issues for.
type KeyAlgorithm int

const (
	KeyAlgorithmUnknown KeyAlgorithm = iota
	RSA2048
	RSA4096
	ECDSAP256
	ECDSAP384
)

var keyAlgorithmNames = map[KeyAlgorithm]string{
	RSA2048:   "RSA-2048",
	RSA4096:   "RSA-4096",
	ECDSAP256: "ECDSA-P256",
	ECDSAP384: "ECDSA-P384",
}

func (a KeyAlgorithm) String() string {
	if s, ok := keyAlgorithmNames[a]; ok {
		return s
	}
	return "UNKNOWN"
}

// MarshalText implements encoding.TextMarshaler.
func (a KeyAlgorithm) MarshalText() ([]byte, error) {
	if _, ok := keyAlgorithmNames[a]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedAlgorithm, int(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *KeyAlgorithm) UnmarshalText(b []byte) error {
	v, err := ParseKeyAlgorithm(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseKeyAlgorithm parses names such as "RSA-4096" or "ECDSA-P256".
func ParseKeyAlgorithm(s string) (KeyAlgorithm, error) {
	for a, name := range keyAlgorithmNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return a, nil
		}
	}
	return KeyAlgorithmUnknown, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, s)
}

// KeySpec is the concrete shape of a key algorithm.
type KeySpec struct {
	Type  KeyType
	Bits  int
	Curve elliptic.Curve // nil for RSA
}

// Resolve maps a key algorithm to its key type, size and curve.
func Resolve(a KeyAlgorithm) (KeySpec, error) {
	switch a {
	case RSA2048:
		return KeySpec{Type: KeyTypeRSA, Bits: 2048}, nil
	case RSA4096:
		return KeySpec{Type: KeyTypeRSA, Bits: 4096}, nil
	case ECDSAP256:
		return KeySpec{Type: KeyTypeECDSA, Bits: 256, Curve: elliptic.P256()}, nil
	case ECDSAP384:
		return KeySpec{Type: KeyTypeECDSA, Bits: 384, Curve: elliptic.P384()}, nil
	default:
		return KeySpec{}, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, a)
	}
}

// KeyTypeOf returns the algorithm family of pub.
func KeyTypeOf(pub crypto.PublicKey) KeyType {
	switch pub.(type) {
	case *rsa.PublicKey:
		return KeyTypeRSA
	case *ecdsa.PublicKey:
		return KeyTypeECDSA
	default:
		return KeyTypeUnknown
	}
}

// KeyAlgorithmOf identifies which supported algorithm pub belongs to.
func KeyAlgorithmOf(pub crypto.PublicKey) (KeyAlgorithm, error) {
	for _, a := range []KeyAlgorithm{RSA2048, RSA4096, ECDSAP256, ECDSAP384} {
		if ValidateKeyAlgorithm(pub, a) {
			return a, nil
		}
	}
	return KeyAlgorithmUnknown, fmt.Errorf("%w: %T", ErrUnsupportedAlgorithm, pub)
}

// ValidateKeyAlgorithm reports whether pub has the type and size of
// expected. ECDSA keys must be on the expected curve.
func ValidateKeyAlgorithm(pub crypto.PublicKey, expected KeyAlgorithm) bool {
	spec, err := Resolve(expected)
	if err != nil {
		return false
	}
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return spec.Type == KeyTypeRSA && k.N != nil && k.N.BitLen() == spec.Bits
	case *ecdsa.PublicKey:
		return spec.Type == KeyTypeECDSA && k.Curve != nil && k.Curve.Params().Name == spec.Curve.Params().Name
	default:
		return false
	}
}

// ---------------------------------------------------------------------------
// Signature algorithms
// ---------------------------------------------------------------------------

// SignatureAlgorithm is the closed set of supported hash/key pairings.
type SignatureAlgorithm int

const (
	SignatureAlgorithmUnknown SignatureAlgorithm = iota
	SHA256WithRSA
	SHA384WithRSA
	SHA512WithRSA
	ECDSAWithSHA256
	ECDSAWithSHA384
	ECDSAWithSHA512
)

type signatureInfo struct {
	name    string
	hash    crypto.Hash
	keyType KeyType
	x509    x509.SignatureAlgorithm
}

var signatureAlgorithms = map[SignatureAlgorithm]signatureInfo{
	SHA256WithRSA:   {"SHA256-RSA", crypto.SHA256, KeyTypeRSA, x509.SHA256WithRSA},
	SHA384WithRSA:   {"SHA384-RSA", crypto.SHA384, KeyTypeRSA, x509.SHA384WithRSA},
	SHA512WithRSA:   {"SHA512-RSA", crypto.SHA512, KeyTypeRSA, x509.SHA512WithRSA},
	ECDSAWithSHA256: {"SHA256-ECDSA", crypto.SHA256, KeyTypeECDSA, x509.ECDSAWithSHA256},
	ECDSAWithSHA384: {"SHA384-ECDSA", crypto.SHA384, KeyTypeECDSA, x509.ECDSAWithSHA384},
	ECDSAWithSHA512: {"SHA512-ECDSA", crypto.SHA512, KeyTypeECDSA, x509.ECDSAWithSHA512},
}

func (s SignatureAlgorithm) String() string {
	if info, ok := signatureAlgorithms[s]; ok {
		return info.name
	}
	return "UNKNOWN"
}

// Hash returns the digest algorithm, or 0 for an unknown value.
func (s SignatureAlgorithm) Hash() crypto.Hash {
	return signatureAlgorithms[s].hash
}

// KeyType returns the key family the algorithm signs with.
func (s SignatureAlgorithm) KeyType() KeyType {
	return signatureAlgorithms[s].keyType
}

// X509 returns the crypto/x509 equivalent.
func (s SignatureAlgorithm) X509() x509.SignatureAlgorithm {
	return signatureAlgorithms[s].x509
}

// MarshalText implements encoding.TextMarshaler.
func (s SignatureAlgorithm) MarshalText() ([]byte, error) {
	if _, ok := signatureAlgorithms[s]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSignatureAlgorithm, int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *SignatureAlgorithm) UnmarshalText(b []byte) error {
	v, err := ParseSignatureAlgorithm(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSignatureAlgorithm parses "<HASH>-<KEYTYPE>", e.g. "SHA384-RSA".
// The value must contain exactly two hyphen-delimited tokens.
func ParseSignatureAlgorithm(s string) (SignatureAlgorithm, error) {
	tokens := strings.Split(strings.TrimSpace(s), "-")
	if len(tokens) != 2 || tokens[0] == "" || tokens[1] == "" {
		return SignatureAlgorithmUnknown, fmt.Errorf("%w: %q", ErrInvalidSignatureAlgorithm, s)
	}
	name := strings.ToUpper(tokens[0]) + "-" + strings.ToUpper(tokens[1])
	for alg, info := range signatureAlgorithms {
		if info.name == name {
			return alg, nil
		}
	}
	return SignatureAlgorithmUnknown, fmt.Errorf("%w: %q", ErrInvalidSignatureAlgorithm, s)
}

// DefaultSignatureAlgorithm pairs larger keys with larger digests.
func DefaultSignatureAlgorithm(a KeyAlgorithm) (SignatureAlgorithm, error) {
	switch a {
	case RSA2048:
		return SHA256WithRSA, nil
	case RSA4096:
		return SHA384WithRSA, nil
	case ECDSAP256:
		return ECDSAWithSHA256, nil
	case ECDSAP384:
		return ECDSAWithSHA384, nil
	default:
		return SignatureAlgorithmUnknown, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, a)
	}
}

// SignatureAlgorithmFromX509 maps a parsed certificate's algorithm back
// onto the closed set.
func SignatureAlgorithmFromX509(x x509.SignatureAlgorithm) SignatureAlgorithm {
	for alg, info := range signatureAlgorithms {
		if info.x509 == x {
			return alg
		}
	}
	return SignatureAlgorithmUnknown
}

// CheckCompatible verifies that sig can be produced by a key like pub.
func CheckCompatible(sig SignatureAlgorithm, pub crypto.PublicKey) error {
	if _, ok := signatureAlgorithms[sig]; !ok {
		return fmt.Errorf("%w: %v", ErrInvalidSignatureAlgorithm, sig)
	}
	if kt := KeyTypeOf(pub); kt != sig.KeyType() {
		return fmt.Errorf("%w: %s cannot be produced by a %s key", ErrAlgorithmMismatch, sig, kt)
	}
	return nil
}

// signatureAlgorithmFor returns sig, or the default for the signer's key
// when sig is unset, after checking compatibility.
func signatureAlgorithmFor(sig SignatureAlgorithm, pub crypto.PublicKey) (SignatureAlgorithm, error) {
	if sig == SignatureAlgorithmUnknown {
		alg, err := KeyAlgorithmOf(pub)
		if err != nil {
			return SignatureAlgorithmUnknown, err
		}
		return DefaultSignatureAlgorithm(alg)
	}
	if err := CheckCompatible(sig, pub); err != nil {
		return SignatureAlgorithmUnknown, err
	}
	return sig, nil
}
