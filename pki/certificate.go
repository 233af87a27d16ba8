package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/jmcleod/ironca/internal/util"
)

// DefaultCertificateValidityYears applies when neither NotAfter nor
// ValidityYears is given.
const DefaultCertificateValidityYears = 1

// CertificateParams describes a certificate to encode.
type CertificateParams struct {
	Subject Name
	// Issuer names the signing CA. Ignored when SelfSigned or when
	// IssuerCertificate is set.
	Issuer Name
	// IssuerCertificate is the signing CA's certificate. When set, its
	// encoded subject and key identifier are used verbatim.
	IssuerCertificate *x509.Certificate
	SerialNumber      string
	NotBefore         time.Time
	NotAfter          time.Time
	ValidityYears     int
	PublicKey         crypto.PublicKey
	Extensions        Extensions
	// SignatureAlgorithm defaults to the signer key's default pairing.
	SignatureAlgorithm SignatureAlgorithm
	// Signer holds the issuer's private key, or the subject's own key when
	// SelfSigned.
	Signer     crypto.Signer
	SelfSigned bool
}

// CertificateMetadata is what a decoded certificate exposes.
type CertificateMetadata struct {
	SerialNumber       string             `json:"serial_number"`
	Subject            Name               `json:"subject"`
	Issuer             Name               `json:"issuer"`
	NotBefore          time.Time          `json:"not_before"`
	NotAfter           time.Time          `json:"not_after"`
	KeyAlgorithm       KeyAlgorithm       `json:"-"`
	SignatureAlgorithm SignatureAlgorithm `json:"-"`
	PublicKey          crypto.PublicKey   `json:"-"`
	Extensions         Extensions         `json:"extensions"`
	FingerprintSHA256  string             `json:"fingerprint_sha256"`
}

// Certificate is an issued, immutable certificate artifact.
type Certificate struct {
	CertificateMetadata
	PEM string
	// DER is the DER encoding as base64 text.
	DER string
	Raw []byte
}

// EncodeCertificate builds and signs an X.509v3 certificate.
func EncodeCertificate(p CertificateParams) (*Certificate, error) {
	if p.Signer == nil {
		return nil, ErrMissingSigner
	}
	if err := p.Subject.Validate(); err != nil {
		return nil, err
	}
	if p.PublicKey == nil {
		p.PublicKey = p.Signer.Public()
	}
	if p.SelfSigned && !publicKeysEqual(p.PublicKey, p.Signer.Public()) {
		return nil, fmt.Errorf("%w: self-signed certificate must embed the signer's key", ErrKeyMismatch)
	}
	if _, err := KeyAlgorithmOf(p.PublicKey); err != nil {
		return nil, err
	}
	sigAlg, err := signatureAlgorithmFor(p.SignatureAlgorithm, p.Signer.Public())
	if err != nil {
		return nil, err
	}
	serial, err := ParseSerial(p.SerialNumber)
	if err != nil {
		return nil, err
	}
	if err := p.Extensions.Validate(); err != nil {
		return nil, err
	}
	notBefore, notAfter, err := validityWindow(p.NotBefore, p.NotAfter, p.ValidityYears)
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber:       serial,
		Subject:            p.Subject.PKIX(),
		NotBefore:          notBefore,
		NotAfter:           notAfter,
		SignatureAlgorithm: sigAlg.X509(),
	}
	var issuerKey crypto.PublicKey
	if p.IssuerCertificate == nil {
		issuerKey = p.Signer.Public()
	}
	if err := p.Extensions.applyToTemplate(template, p.PublicKey, issuerKey); err != nil {
		return nil, err
	}

	parent := template
	switch {
	case p.SelfSigned:
	case p.IssuerCertificate != nil:
		if !publicKeysEqual(p.IssuerCertificate.PublicKey, p.Signer.Public()) {
			return nil, fmt.Errorf("%w: signer does not hold the issuer certificate's key", ErrKeyMismatch)
		}
		parent = p.IssuerCertificate
	default:
		if err := p.Issuer.ValidateAttributes(); err != nil {
			return nil, err
		}
		parent = &x509.Certificate{Subject: p.Issuer.PKIX()}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, p.PublicKey, p.Signer)
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}
	return certificateFromDER(der)
}

// DecodeCertificate parses a PEM, base64 DER or raw DER certificate.
func DecodeCertificate(data []byte) (*CertificateMetadata, error) {
	cert, err := ParseX509Certificate(data)
	if err != nil {
		return nil, err
	}
	md := metadataFromX509(cert)
	return &md, nil
}

// ParseCertificate decodes data into a full artifact.
func ParseCertificate(data []byte) (*Certificate, error) {
	der, err := decodeArtifact(data, ErrMalformedCertificate, pemCertificate)
	if err != nil {
		return nil, err
	}
	return certificateFromDER(der)
}

// ParseX509Certificate decodes data into the crypto/x509 representation.
func ParseX509Certificate(data []byte) (*x509.Certificate, error) {
	der, err := decodeArtifact(data, ErrMalformedCertificate, pemCertificate)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCertificate, err)
	}
	return cert, nil
}

// ConvertCertificateFormat re-encodes the same DER bytes as PEM or base64
// DER.
func ConvertCertificateFormat(data []byte, target Format) (string, error) {
	return convertArtifact(data, target, ErrMalformedCertificate, func(der []byte) error {
		_, err := x509.ParseCertificate(der)
		return err
	}, pemCertificate, pemCertificate)
}

// VerifyCertificateSignature reports whether cert was signed by the
// private key matching issuerPublicKey. Parse failures also yield false.
func VerifyCertificateSignature(cert []byte, issuerPublicKey crypto.PublicKey) bool {
	c, err := ParseX509Certificate(cert)
	if err != nil {
		return false
	}
	return checkSignature(issuerPublicKey, c.SignatureAlgorithm, c.RawTBSCertificate, c.Signature)
}

// IsCertificateExpired reports whether at is past the certificate's
// notAfter.
func IsCertificateExpired(md *CertificateMetadata, at time.Time) bool {
	return at.After(md.NotAfter)
}

// ExtractSANs returns the subject alternative names of cert. Absent kinds
// are returned as empty lists.
func ExtractSANs(cert []byte) (SubjectAltNames, error) {
	c, err := ParseX509Certificate(cert)
	if err != nil {
		return SubjectAltNames{}, err
	}
	return sansFrom(c.DNSNames, c.IPAddresses, c.EmailAddresses, c.URIs), nil
}

func certificateFromDER(der []byte) (*Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCertificate, err)
	}
	return &Certificate{
		CertificateMetadata: metadataFromX509(cert),
		PEM:                 encodePEM(pemCertificate, der),
		DER:                 encodeBase64(der),
		Raw:                 util.CopyBytes(der),
	}, nil
}

func metadataFromX509(c *x509.Certificate) CertificateMetadata {
	// Unsupported key types still decode; the algorithm is left unknown.
	keyAlg, _ := KeyAlgorithmOf(c.PublicKey)
	fingerprint := sha256.Sum256(c.Raw)
	return CertificateMetadata{
		SerialNumber:       FormatSerial(c.SerialNumber),
		Subject:            NameFromPKIX(c.Subject),
		Issuer:             NameFromPKIX(c.Issuer),
		NotBefore:          c.NotBefore.UTC(),
		NotAfter:           c.NotAfter.UTC(),
		KeyAlgorithm:       keyAlg,
		SignatureAlgorithm: SignatureAlgorithmFromX509(c.SignatureAlgorithm),
		PublicKey:          c.PublicKey,
		Extensions:         extensionsFromCertificate(c),
		FingerprintSHA256:  util.HexEncode(fingerprint[:]),
	}
}

// validityWindow fills in defaults and truncates to the one-second
// resolution the encoding carries.
func validityWindow(notBefore, notAfter time.Time, years int) (time.Time, time.Time, error) {
	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	notBefore = notBefore.UTC().Truncate(time.Second)
	if notAfter.IsZero() {
		if years <= 0 {
			years = DefaultCertificateValidityYears
		}
		notAfter = notBefore.AddDate(years, 0, 0)
	}
	notAfter = notAfter.UTC().Truncate(time.Second)
	if notAfter.Before(notBefore) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: notAfter %s precedes notBefore %s",
			ErrInvalidValidity, notAfter.Format(time.RFC3339), notBefore.Format(time.RFC3339))
	}
	return notBefore, notAfter, nil
}

type equalKey interface {
	Equal(crypto.PublicKey) bool
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	k, ok := a.(equalKey)
	return ok && k.Equal(b)
}

// checkSignature verifies signature over signed with pub, never failing
// loudly.
func checkSignature(pub crypto.PublicKey, alg x509.SignatureAlgorithm, signed, signature []byte) bool {
	if pub == nil {
		return false
	}
	verifier := &x509.Certificate{PublicKey: pub}
	return verifier.CheckSignature(alg, signed, signature) == nil
}
