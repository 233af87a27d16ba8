package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"fmt"

	"github.com/jmcleod/ironca/internal/util"
)

// CSRParams describes a certificate signing request.
type CSRParams struct {
	Subject   Name
	PublicKey crypto.PublicKey
	// Extensions are requested from the issuing CA; they carry no weight
	// until the request's self-signature verifies.
	Extensions         Extensions
	SignatureAlgorithm SignatureAlgorithm
	// Signer is the requester's private key.
	Signer crypto.Signer
}

// CSRMetadata is what a decoded request exposes.
type CSRMetadata struct {
	Subject            Name
	PublicKey          crypto.PublicKey
	KeyAlgorithm       KeyAlgorithm
	SignatureAlgorithm SignatureAlgorithm
	Extensions         Extensions
}

// CSR is an encoded certificate signing request.
type CSR struct {
	CSRMetadata
	PEM string
	DER string
	Raw []byte
}

// EncodeCSR builds a PKCS#10 request self-signed by p.Signer.
func EncodeCSR(p CSRParams) (*CSR, error) {
	if p.Signer == nil {
		return nil, ErrMissingSigner
	}
	if p.PublicKey == nil {
		p.PublicKey = p.Signer.Public()
	}
	if !publicKeysEqual(p.PublicKey, p.Signer.Public()) {
		return nil, ErrKeyMismatch
	}
	if err := p.Subject.Validate(); err != nil {
		return nil, err
	}
	sigAlg, err := signatureAlgorithmFor(p.SignatureAlgorithm, p.Signer.Public())
	if err != nil {
		return nil, err
	}
	if err := p.Extensions.Validate(); err != nil {
		return nil, err
	}
	extra, err := requestedExtensions(p.Extensions)
	if err != nil {
		return nil, err
	}
	template := &x509.CertificateRequest{
		Subject:            p.Subject.PKIX(),
		SignatureAlgorithm: sigAlg.X509(),
		ExtraExtensions:    extra,
	}
	p.Extensions.SubjectAltNames.apply(&template.DNSNames, &template.IPAddresses, &template.EmailAddresses, &template.URIs)

	der, err := x509.CreateCertificateRequest(rand.Reader, template, p.Signer)
	if err != nil {
		return nil, fmt.Errorf("signing certificate request: %w", err)
	}
	return csrFromDER(der)
}

// VerifyCSR reports whether the request's self-signature validates
// against its embedded public key.
func VerifyCSR(data []byte) bool {
	csr, err := parseX509CSR(data)
	if err != nil {
		return false
	}
	return csr.CheckSignature() == nil
}

// DecodeCSR parses a PEM, base64 DER or raw DER request.
func DecodeCSR(data []byte) (*CSRMetadata, error) {
	csr, err := parseX509CSR(data)
	if err != nil {
		return nil, err
	}
	md, err := csrMetadata(csr)
	if err != nil {
		return nil, err
	}
	return &md, nil
}

// ParseCSR decodes data into a full artifact.
func ParseCSR(data []byte) (*CSR, error) {
	der, err := decodeArtifact(data, ErrMalformedCSR, pemCSR, pemCSRLegacy)
	if err != nil {
		return nil, err
	}
	return csrFromDER(der)
}

// ConvertCSRFormat re-encodes the same DER bytes as PEM or base64 DER.
func ConvertCSRFormat(data []byte, target Format) (string, error) {
	return convertArtifact(data, target, ErrMalformedCSR, func(der []byte) error {
		_, err := x509.ParseCertificateRequest(der)
		return err
	}, pemCSR, pemCSR, pemCSRLegacy)
}

// ExtractCSRExtensions returns the requested extensions after checking
// the request's signature.
func ExtractCSRExtensions(data []byte) (Extensions, error) {
	csr, err := parseX509CSR(data)
	if err != nil {
		return Extensions{}, err
	}
	if err := csr.CheckSignature(); err != nil {
		return Extensions{}, fmt.Errorf("%w: %v", ErrCSRSignature, err)
	}
	return parseRequestedExtensions(csr)
}

func parseX509CSR(data []byte) (*x509.CertificateRequest, error) {
	der, err := decodeArtifact(data, ErrMalformedCSR, pemCSR, pemCSRLegacy)
	if err != nil {
		return nil, err
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCSR, err)
	}
	return csr, nil
}

func csrFromDER(der []byte) (*CSR, error) {
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCSR, err)
	}
	md, err := csrMetadata(csr)
	if err != nil {
		return nil, err
	}
	return &CSR{
		CSRMetadata: md,
		PEM:         encodePEM(pemCSR, der),
		DER:         encodeBase64(der),
		Raw:         util.CopyBytes(der),
	}, nil
}

func csrMetadata(csr *x509.CertificateRequest) (CSRMetadata, error) {
	exts, err := parseRequestedExtensions(csr)
	if err != nil {
		return CSRMetadata{}, err
	}
	keyAlg, _ := KeyAlgorithmOf(csr.PublicKey)
	return CSRMetadata{
		Subject:            NameFromPKIX(csr.Subject),
		PublicKey:          csr.PublicKey,
		KeyAlgorithm:       keyAlg,
		SignatureAlgorithm: SignatureAlgorithmFromX509(csr.SignatureAlgorithm),
		Extensions:         exts,
	}, nil
}
