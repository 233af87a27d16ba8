package pki

import (
	"crypto"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/bits"
	"net"
	"net/mail"
	"net/url"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// SubjectAltNames lists the alternative identities of a subject. IP
// addresses are kept in their canonical textual form.
type SubjectAltNames struct {
	DNS   []string `json:"dns"`
	IP    []string `json:"ip"`
	Email []string `json:"email"`
	URI   []string `json:"uri"`
}

// Empty reports whether no alternative name is present.
func (s SubjectAltNames) Empty() bool {
	return len(s.DNS)+len(s.IP)+len(s.Email)+len(s.URI) == 0
}

// BasicConstraints marks a CA certificate. PathLen is only meaningful
// when CA is true.
type BasicConstraints struct {
	CA      bool `json:"ca"`
	PathLen *int `json:"path_len,omitempty"`
}

// Extensions is the X.509v3 extension set the codecs understand. A nil
// BasicConstraints omits the extension.
//
// When encoding, SubjectKeyID and AuthorityKeyID only force the key
// identifiers on. A false value does not suppress them: CA certificates
// always get a subject key identifier, and the authority key identifier
// is copied from any issuer that has one. When decoding, both report
// whether the extension is present.
type Extensions struct {
	KeyUsage         x509.KeyUsage      `json:"key_usage"`
	ExtKeyUsage      []x509.ExtKeyUsage `json:"ext_key_usage,omitempty"`
	SubjectAltNames  SubjectAltNames    `json:"subject_alt_names"`
	BasicConstraints *BasicConstraints  `json:"basic_constraints,omitempty"`
	SubjectKeyID     bool               `json:"subject_key_id"`
	AuthorityKeyID   bool               `json:"authority_key_id"`
}

// IsCA reports whether the extensions describe a CA certificate.
func (e Extensions) IsCA() bool {
	return e.BasicConstraints != nil && e.BasicConstraints.CA
}

// Validate checks the invariants between key usage and basic constraints
// and the syntax of every alternative name.
func (e Extensions) Validate() error {
	certSign := e.KeyUsage&x509.KeyUsageCertSign != 0
	switch {
	case e.IsCA() && !certSign:
		return fmt.Errorf("%w: CA certificate requires keyCertSign", ErrInvalidExtensionCombination)
	case !e.IsCA() && certSign:
		return fmt.Errorf("%w: keyCertSign is reserved for CA certificates", ErrInvalidExtensionCombination)
	}
	if bc := e.BasicConstraints; bc != nil && bc.PathLen != nil {
		if !bc.CA {
			return fmt.Errorf("%w: path length requires the CA flag", ErrInvalidExtensionCombination)
		}
		if *bc.PathLen < 0 {
			return fmt.Errorf("%w: negative path length %d", ErrInvalidExtensionCombination, *bc.PathLen)
		}
	}
	return e.SubjectAltNames.validate()
}

func (s SubjectAltNames) validate() error {
	var errs []error
	for _, d := range s.DNS {
		if strings.TrimSpace(d) == "" || strings.ContainsAny(d, " ,") {
			errs = append(errs, fmt.Errorf("%w: dns %q", ErrInvalidSAN, d))
		}
	}
	for _, ip := range s.IP {
		if net.ParseIP(ip) == nil {
			errs = append(errs, fmt.Errorf("%w: ip %q", ErrInvalidSAN, ip))
		}
	}
	for _, em := range s.Email {
		if _, err := mail.ParseAddress(em); err != nil || strings.ContainsAny(em, "<> ") {
			errs = append(errs, fmt.Errorf("%w: email %q", ErrInvalidSAN, em))
		}
	}
	for _, u := range s.URI {
		if parsed, err := url.Parse(u); err != nil || parsed.Scheme == "" {
			errs = append(errs, fmt.Errorf("%w: uri %q", ErrInvalidSAN, u))
		}
	}
	return errors.Join(errs...)
}

// apply copies the alternative names into an x509 template.
func (s SubjectAltNames) apply(dns *[]string, ips *[]net.IP, emails *[]string, uris *[]*url.URL) {
	*dns = lo.Uniq(s.DNS)
	*emails = lo.Uniq(s.Email)
	for _, ip := range lo.Uniq(s.IP) {
		*ips = append(*ips, net.ParseIP(ip))
	}
	for _, u := range lo.Uniq(s.URI) {
		parsed, _ := url.Parse(u)
		*uris = append(*uris, parsed)
	}
}

func sansFrom(dns []string, ips []net.IP, emails []string, uris []*url.URL) SubjectAltNames {
	return SubjectAltNames{
		DNS:   append([]string{}, dns...),
		IP:    lo.Map(ips, func(ip net.IP, _ int) string { return ip.String() }),
		Email: append([]string{}, emails...),
		URI:   lo.Map(uris, func(u *url.URL, _ int) string { return u.String() }),
	}
}

// applyToTemplate configures the certificate template. issuerKey is used
// for the authority key identifier when the issuer certificate does not
// carry one.
func (e Extensions) applyToTemplate(t *x509.Certificate, subjectKey, issuerKey crypto.PublicKey) error {
	t.KeyUsage = e.KeyUsage
	t.ExtKeyUsage = append([]x509.ExtKeyUsage(nil), e.ExtKeyUsage...)
	e.SubjectAltNames.apply(&t.DNSNames, &t.IPAddresses, &t.EmailAddresses, &t.URIs)
	t.MaxPathLen = -1
	if bc := e.BasicConstraints; bc != nil {
		t.BasicConstraintsValid = true
		t.IsCA = bc.CA
		if bc.PathLen != nil {
			t.MaxPathLen = *bc.PathLen
			t.MaxPathLenZero = *bc.PathLen == 0
		}
	}
	if e.SubjectKeyID {
		ski, err := keyIdentifier(subjectKey)
		if err != nil {
			return err
		}
		t.SubjectKeyId = ski
	}
	if e.AuthorityKeyID && issuerKey != nil {
		aki, err := keyIdentifier(issuerKey)
		if err != nil {
			return err
		}
		t.AuthorityKeyId = aki
	}
	return nil
}

func extensionsFromCertificate(c *x509.Certificate) Extensions {
	e := Extensions{
		KeyUsage:        c.KeyUsage,
		ExtKeyUsage:     c.ExtKeyUsage,
		SubjectAltNames: sansFrom(c.DNSNames, c.IPAddresses, c.EmailAddresses, c.URIs),
		SubjectKeyID:    len(c.SubjectKeyId) > 0,
		AuthorityKeyID:  len(c.AuthorityKeyId) > 0,
	}
	if c.BasicConstraintsValid {
		bc := &BasicConstraints{CA: c.IsCA}
		if c.IsCA && (c.MaxPathLen > 0 || c.MaxPathLenZero) {
			pathLen := c.MaxPathLen
			bc.PathLen = &pathLen
		}
		e.BasicConstraints = bc
	}
	return e
}

// keyIdentifier derives the RFC 5280 method 1 key identifier: the SHA-1
// of the subjectPublicKey bit string.
func keyIdentifier(pub crypto.PublicKey) ([]byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, err)
	}
	input := cryptobyte.String(spki)
	var (
		inner     cryptobyte.String
		publicKey asn1.BitString
	)
	if !input.ReadASN1(&inner, cbasn1.SEQUENCE) ||
		!inner.SkipASN1(cbasn1.SEQUENCE) ||
		!inner.ReadASN1BitString(&publicKey) {
		return nil, errors.New("malformed subject public key info")
	}
	sum := sha1.Sum(publicKey.Bytes)
	return sum[:], nil
}

// ---------------------------------------------------------------------------
// Requested extension bodies (CSR path)
// ---------------------------------------------------------------------------

var (
	oidExtKeyUsage         = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidExtBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidExtExtendedKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 37}
	oidExtSubjectAltName   = asn1.ObjectIdentifier{2, 5, 29, 17}
)

var extKeyUsageOIDs = map[x509.ExtKeyUsage]asn1.ObjectIdentifier{
	x509.ExtKeyUsageAny:             {2, 5, 29, 37, 0},
	x509.ExtKeyUsageServerAuth:      {1, 3, 6, 1, 5, 5, 7, 3, 1},
	x509.ExtKeyUsageClientAuth:      {1, 3, 6, 1, 5, 5, 7, 3, 2},
	x509.ExtKeyUsageCodeSigning:     {1, 3, 6, 1, 5, 5, 7, 3, 3},
	x509.ExtKeyUsageEmailProtection: {1, 3, 6, 1, 5, 5, 7, 3, 4},
	x509.ExtKeyUsageTimeStamping:    {1, 3, 6, 1, 5, 5, 7, 3, 8},
	x509.ExtKeyUsageOCSPSigning:     {1, 3, 6, 1, 5, 5, 7, 3, 9},
}

// requestedExtensions encodes the extensions x509 does not emit for
// certificate requests on its own.
func requestedExtensions(e Extensions) ([]pkix.Extension, error) {
	var exts []pkix.Extension
	if e.KeyUsage != 0 {
		b := cryptobyte.NewBuilder(nil)
		addKeyUsage(b, e.KeyUsage)
		der, err := b.Bytes()
		if err != nil {
			return nil, fmt.Errorf("encoding key usage: %w", err)
		}
		exts = append(exts, pkix.Extension{Id: oidExtKeyUsage, Critical: true, Value: der})
	}
	if len(e.ExtKeyUsage) > 0 {
		b := cryptobyte.NewBuilder(nil)
		var encErr error
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			for _, u := range e.ExtKeyUsage {
				oid, ok := extKeyUsageOIDs[u]
				if !ok {
					encErr = fmt.Errorf("%w: unsupported extended key usage %d", ErrInvalidExtensionCombination, u)
					return
				}
				b.AddASN1ObjectIdentifier(oid)
			}
		})
		if encErr != nil {
			return nil, encErr
		}
		der, err := b.Bytes()
		if err != nil {
			return nil, fmt.Errorf("encoding extended key usage: %w", err)
		}
		exts = append(exts, pkix.Extension{Id: oidExtExtendedKeyUsage, Value: der})
	}
	if bc := e.BasicConstraints; bc != nil {
		b := cryptobyte.NewBuilder(nil)
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			if bc.CA {
				b.AddASN1Boolean(true)
			}
			if bc.PathLen != nil {
				b.AddASN1Int64(int64(*bc.PathLen))
			}
		})
		der, err := b.Bytes()
		if err != nil {
			return nil, fmt.Errorf("encoding basic constraints: %w", err)
		}
		exts = append(exts, pkix.Extension{Id: oidExtBasicConstraints, Critical: true, Value: der})
	}
	return exts, nil
}

// addKeyUsage writes the named bit list with bit 0 as the most
// significant bit of the first octet and trailing zero bits trimmed.
func addKeyUsage(b *cryptobyte.Builder, ku x509.KeyUsage) {
	octets := []byte{bits.Reverse8(byte(ku)), bits.Reverse8(byte(ku >> 8))}
	for len(octets) > 0 && octets[len(octets)-1] == 0 {
		octets = octets[:len(octets)-1]
	}
	unused := 0
	if len(octets) > 0 {
		unused = bits.TrailingZeros8(octets[len(octets)-1])
	}
	b.AddASN1(cbasn1.BIT_STRING, func(b *cryptobyte.Builder) {
		b.AddUint8(uint8(unused))
		b.AddBytes(octets)
	})
}

// parseRequestedExtensions decodes the extension set of a certificate
// request. Subject alternative names come from x509, which already parsed
// them into the request.
func parseRequestedExtensions(csr *x509.CertificateRequest) (Extensions, error) {
	e := Extensions{
		SubjectAltNames: sansFrom(csr.DNSNames, csr.IPAddresses, csr.EmailAddresses, csr.URIs),
	}
	for _, ext := range csr.Extensions {
		input := cryptobyte.String(ext.Value)
		switch {
		case ext.Id.Equal(oidExtKeyUsage):
			var bs asn1.BitString
			if !input.ReadASN1BitString(&bs) || !input.Empty() {
				return Extensions{}, fmt.Errorf("%w: key usage", ErrMalformedCSR)
			}
			for i := 0; i < 9; i++ {
				if bs.At(i) != 0 {
					e.KeyUsage |= 1 << uint(i)
				}
			}
		case ext.Id.Equal(oidExtExtendedKeyUsage):
			var seq cryptobyte.String
			if !input.ReadASN1(&seq, cbasn1.SEQUENCE) {
				return Extensions{}, fmt.Errorf("%w: extended key usage", ErrMalformedCSR)
			}
			for !seq.Empty() {
				var oid asn1.ObjectIdentifier
				if !seq.ReadASN1ObjectIdentifier(&oid) {
					return Extensions{}, fmt.Errorf("%w: extended key usage", ErrMalformedCSR)
				}
				for u, known := range extKeyUsageOIDs {
					if known.Equal(oid) {
						e.ExtKeyUsage = append(e.ExtKeyUsage, u)
					}
				}
			}
		case ext.Id.Equal(oidExtBasicConstraints):
			var seq cryptobyte.String
			if !input.ReadASN1(&seq, cbasn1.SEQUENCE) {
				return Extensions{}, fmt.Errorf("%w: basic constraints", ErrMalformedCSR)
			}
			bc := &BasicConstraints{}
			if seq.PeekASN1Tag(cbasn1.BOOLEAN) && !seq.ReadASN1Boolean(&bc.CA) {
				return Extensions{}, fmt.Errorf("%w: basic constraints", ErrMalformedCSR)
			}
			if seq.PeekASN1Tag(cbasn1.INTEGER) {
				var pathLen int
				if !seq.ReadASN1Integer(&pathLen) {
					return Extensions{}, fmt.Errorf("%w: basic constraints", ErrMalformedCSR)
				}
				bc.PathLen = &pathLen
			}
			e.BasicConstraints = bc
		case ext.Id.Equal(oidExtSubjectAltName):
			// Already decoded by x509.
		}
	}
	return e, nil
}
