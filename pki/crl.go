package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/ironca/internal/util"
)

// DefaultCRLValidity is the nextUpdate offset applied when none is given.
const DefaultCRLValidity = 7 * 24 * time.Hour

// RevocationReason is the RFC 5280 CRLReason enumeration. Value 7 is not
// assigned.
type RevocationReason int

const (
	ReasonUnspecified          RevocationReason = 0
	ReasonKeyCompromise        RevocationReason = 1
	ReasonCACompromise         RevocationReason = 2
	ReasonAffiliationChanged   RevocationReason = 3
	ReasonSuperseded           RevocationReason = 4
	ReasonCessationOfOperation RevocationReason = 5
	ReasonCertificateHold      RevocationReason = 6
	ReasonRemoveFromCRL        RevocationReason = 8
	ReasonPrivilegeWithdrawn   RevocationReason = 9
	ReasonAACompromise         RevocationReason = 10
)

var reasonNames = map[RevocationReason]string{
	ReasonUnspecified:          "unspecified",
	ReasonKeyCompromise:        "keyCompromise",
	ReasonCACompromise:         "cACompromise",
	ReasonAffiliationChanged:   "affiliationChanged",
	ReasonSuperseded:           "superseded",
	ReasonCessationOfOperation: "cessationOfOperation",
	ReasonCertificateHold:      "certificateHold",
	ReasonRemoveFromCRL:        "removeFromCRL",
	ReasonPrivilegeWithdrawn:   "privilegeWithdrawn",
	ReasonAACompromise:         "aACompromise",
}

// Valid reports whether r is an assigned reason code.
func (r RevocationReason) Valid() bool {
	_, ok := reasonNames[r]
	return ok
}

func (r RevocationReason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return "reason(" + strconv.Itoa(int(r)) + ")"
}

// IsCompromise reports whether the reason signals key compromise.
func (r RevocationReason) IsCompromise() bool {
	return r == ReasonKeyCompromise || r == ReasonCACompromise || r == ReasonAACompromise
}

// MarshalText implements encoding.TextMarshaler.
func (r RevocationReason) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRevocationReason, int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RevocationReason) UnmarshalText(b []byte) error {
	v, err := ParseRevocationReason(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// ParseRevocationReason accepts the RFC 5280 name (case-insensitive) or
// the numeric code.
func ParseRevocationReason(s string) (RevocationReason, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if r := RevocationReason(n); r.Valid() {
			return r, nil
		}
		return 0, fmt.Errorf("%w: %d", ErrInvalidRevocationReason, n)
	}
	for r, name := range reasonNames {
		if strings.EqualFold(name, s) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidRevocationReason, s)
}

// CRLEntry is one revoked serial.
type CRLEntry struct {
	SerialNumber string           `json:"serial_number"`
	RevokedAt    time.Time        `json:"revoked_at"`
	Reason       RevocationReason `json:"reason"`
}

// CRLParams describes a CRL to encode.
type CRLParams struct {
	IssuerCertificate *x509.Certificate
	// Number must be positive. Monotonicity is enforced by the caller.
	Number     uint64
	ThisUpdate time.Time
	NextUpdate time.Time
	// Validity sets nextUpdate when NextUpdate is zero.
	Validity           time.Duration
	Entries            []CRLEntry
	SignatureAlgorithm SignatureAlgorithm
	Signer             crypto.Signer
}

// CRLMetadata is what a decoded CRL exposes.
type CRLMetadata struct {
	Issuer             Name
	Number             uint64
	ThisUpdate         time.Time
	NextUpdate         time.Time
	Entries            []CRLEntry
	SignatureAlgorithm SignatureAlgorithm
}

// CRL is a signed revocation list artifact.
type CRL struct {
	CRLMetadata
	PEM string
	DER string
	Raw []byte
}

// EncodeCRL builds and signs a revocation list. Entries repeating a serial
// replace the earlier entry in place.
func EncodeCRL(p CRLParams) (*CRL, error) {
	if p.Signer == nil {
		return nil, ErrMissingSigner
	}
	if p.IssuerCertificate == nil {
		return nil, ErrMissingIssuer
	}
	if p.Number == 0 {
		return nil, ErrInvalidCRLNumber
	}
	if !publicKeysEqual(p.IssuerCertificate.PublicKey, p.Signer.Public()) {
		return nil, fmt.Errorf("%w: signer does not hold the issuer certificate's key", ErrKeyMismatch)
	}
	sigAlg, err := signatureAlgorithmFor(p.SignatureAlgorithm, p.Signer.Public())
	if err != nil {
		return nil, err
	}

	thisUpdate := p.ThisUpdate
	if thisUpdate.IsZero() {
		thisUpdate = time.Now()
	}
	thisUpdate = thisUpdate.UTC().Truncate(time.Second)
	nextUpdate := p.NextUpdate
	if nextUpdate.IsZero() {
		validity := p.Validity
		if validity <= 0 {
			validity = DefaultCRLValidity
		}
		nextUpdate = thisUpdate.Add(validity)
	}
	nextUpdate = nextUpdate.UTC().Truncate(time.Second)
	if !nextUpdate.After(thisUpdate) {
		return nil, fmt.Errorf("%w: thisUpdate %s, nextUpdate %s", ErrInvalidUpdateWindow,
			thisUpdate.Format(time.RFC3339), nextUpdate.Format(time.RFC3339))
	}

	entries, err := normalizeEntries(p.Entries, thisUpdate)
	if err != nil {
		return nil, err
	}
	revoked := make([]x509.RevocationListEntry, 0, len(entries))
	for _, e := range entries {
		serial, _ := ParseSerial(e.SerialNumber)
		revoked = append(revoked, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: e.RevokedAt,
			ReasonCode:     int(e.Reason),
		})
	}

	template := &x509.RevocationList{
		Number:                    new(big.Int).SetUint64(p.Number),
		ThisUpdate:                thisUpdate,
		NextUpdate:                nextUpdate,
		RevokedCertificateEntries: revoked,
		SignatureAlgorithm:        sigAlg.X509(),
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, p.IssuerCertificate, p.Signer)
	if err != nil {
		return nil, fmt.Errorf("signing CRL: %w", err)
	}
	return crlFromDER(der)
}

// DecodeCRL parses a PEM, base64 DER or raw DER revocation list.
func DecodeCRL(data []byte) (*CRLMetadata, error) {
	crl, err := ParseCRL(data)
	if err != nil {
		return nil, err
	}
	return &crl.CRLMetadata, nil
}

// ParseCRL decodes data into a full artifact.
func ParseCRL(data []byte) (*CRL, error) {
	der, err := decodeArtifact(data, ErrMalformedCRL, pemCRL)
	if err != nil {
		return nil, err
	}
	return crlFromDER(der)
}

// ConvertCRLFormat re-encodes the same DER bytes as PEM or base64 DER.
func ConvertCRLFormat(data []byte, target Format) (string, error) {
	return convertArtifact(data, target, ErrMalformedCRL, func(der []byte) error {
		_, err := x509.ParseRevocationList(der)
		return err
	}, pemCRL, pemCRL)
}

// VerifyCRL reports whether the CRL was signed by the private key matching
// issuerPublicKey. Parse failures also yield false.
func VerifyCRL(data []byte, issuerPublicKey crypto.PublicKey) bool {
	der, err := decodeArtifact(data, ErrMalformedCRL, pemCRL)
	if err != nil {
		return false
	}
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return false
	}
	return checkSignature(issuerPublicKey, crl.SignatureAlgorithm, crl.RawTBSRevocationList, crl.Signature)
}

// IsRevoked reports whether serial is listed in crl.
func IsRevoked(crl *CRLMetadata, serial string) bool {
	_, ok := findEntry(crl, serial)
	return ok
}

// IsRevokedAt reports whether serial is listed with a revocation date at
// or before at.
func IsRevokedAt(crl *CRLMetadata, serial string, at time.Time) bool {
	e, ok := findEntry(crl, serial)
	return ok && !e.RevokedAt.After(at)
}

// IsCRLExpired reports whether at is past the CRL's nextUpdate.
func IsCRLExpired(crl *CRLMetadata, at time.Time) bool {
	return at.After(crl.NextUpdate)
}

// CountRevoked returns the number of entries in crl.
func CountRevoked(crl *CRLMetadata) int {
	return len(crl.Entries)
}

// Entry returns the entry for serial, if any.
func (m *CRLMetadata) Entry(serial string) (CRLEntry, bool) {
	return findEntry(m, serial)
}

func findEntry(crl *CRLMetadata, serial string) (CRLEntry, bool) {
	if crl == nil {
		return CRLEntry{}, false
	}
	canonical, err := NormalizeSerial(serial)
	if err != nil {
		return CRLEntry{}, false
	}
	for _, e := range crl.Entries {
		if e.SerialNumber == canonical {
			return e, true
		}
	}
	return CRLEntry{}, false
}

// normalizeEntries validates entries, canonicalises serials and keeps the
// last entry for each serial at the position of its first occurrence.
func normalizeEntries(entries []CRLEntry, defaultDate time.Time) ([]CRLEntry, error) {
	out := make([]CRLEntry, 0, len(entries))
	index := make(map[string]int, len(entries))
	for _, e := range entries {
		serial, err := NormalizeSerial(e.SerialNumber)
		if err != nil {
			return nil, err
		}
		if !e.Reason.Valid() {
			return nil, fmt.Errorf("%w: %d for serial %s", ErrInvalidRevocationReason, int(e.Reason), serial)
		}
		e.SerialNumber = serial
		if e.RevokedAt.IsZero() {
			e.RevokedAt = defaultDate
		}
		e.RevokedAt = e.RevokedAt.UTC().Truncate(time.Second)
		if i, ok := index[serial]; ok {
			out[i] = e
			continue
		}
		index[serial] = len(out)
		out = append(out, e)
	}
	return out, nil
}

func crlFromDER(der []byte) (*CRL, error) {
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCRL, err)
	}
	var number uint64
	if crl.Number != nil {
		if !crl.Number.IsUint64() {
			return nil, fmt.Errorf("%w: CRL number %s out of range", ErrMalformedCRL, crl.Number)
		}
		number = crl.Number.Uint64()
	}
	entries := make([]CRLEntry, 0, len(crl.RevokedCertificateEntries))
	for _, e := range crl.RevokedCertificateEntries {
		entries = append(entries, CRLEntry{
			SerialNumber: FormatSerial(e.SerialNumber),
			RevokedAt:    e.RevocationTime.UTC(),
			Reason:       RevocationReason(e.ReasonCode),
		})
	}
	return &CRL{
		CRLMetadata: CRLMetadata{
			Issuer:             NameFromPKIX(crl.Issuer),
			Number:             number,
			ThisUpdate:         crl.ThisUpdate.UTC(),
			NextUpdate:         crl.NextUpdate.UTC(),
			Entries:            entries,
			SignatureAlgorithm: SignatureAlgorithmFromX509(crl.SignatureAlgorithm),
		},
		PEM: encodePEM(pemCRL, der),
		DER: encodeBase64(der),
		Raw: util.CopyBytes(der),
	}, nil
}
