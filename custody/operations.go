package custody

import (
	"crypto"
	"fmt"
	"time"

	"github.com/jmcleod/ironca/pki"
)

// Operation is the closed set of operations the protocol carries.
type Operation uint32

const (
	OpCreateKeyPair Operation = 0x02
	OpCertify       Operation = 0x06
	OpGet           Operation = 0x0A
	OpRevoke        Operation = 0x13
	OpDestroy       Operation = 0x14
)

func (o Operation) String() string {
	switch o {
	case OpCreateKeyPair:
		return "CreateKeyPair"
	case OpCertify:
		return "Certify"
	case OpGet:
		return "Get"
	case OpRevoke:
		return "Revoke"
	case OpDestroy:
		return "Destroy"
	default:
		return fmt.Sprintf("Operation(0x%02x)", uint32(o))
	}
}

// Supported reports whether o belongs to the protocol.
func (o Operation) Supported() bool {
	switch o {
	case OpCreateKeyPair, OpCertify, OpGet, OpRevoke, OpDestroy:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// CreateKeyPair
// ---------------------------------------------------------------------------

// CreateKeyPairRequest asks the authority for a new key pair. Length is
// the RSA modulus size; Curve applies to ECDSA only.
type CreateKeyPairRequest struct {
	Algorithm CryptographicAlgorithm
	Length    int32
	Curve     RecommendedCurve
	Label     string
}

// KeyPairRequestFor maps a registry algorithm onto a request.
func KeyPairRequestFor(alg pki.KeyAlgorithm, label string) (CreateKeyPairRequest, error) {
	spec, err := pki.Resolve(alg)
	if err != nil {
		return CreateKeyPairRequest{}, err
	}
	req := CreateKeyPairRequest{Length: int32(spec.Bits), Label: label}
	switch alg {
	case pki.RSA2048, pki.RSA4096:
		req.Algorithm = AlgorithmRSA
	case pki.ECDSAP256:
		req.Algorithm, req.Curve = AlgorithmECDSA, CurveP256
	case pki.ECDSAP384:
		req.Algorithm, req.Curve = AlgorithmECDSA, CurveP384
	}
	return req, nil
}

// KeyAlgorithm maps the request back onto the registry.
func (r CreateKeyPairRequest) KeyAlgorithm() (pki.KeyAlgorithm, error) {
	switch {
	case r.Algorithm == AlgorithmRSA && r.Length == 2048:
		return pki.RSA2048, nil
	case r.Algorithm == AlgorithmRSA && r.Length == 4096:
		return pki.RSA4096, nil
	case r.Algorithm == AlgorithmECDSA && r.Curve == CurveP256:
		return pki.ECDSAP256, nil
	case r.Algorithm == AlgorithmECDSA && r.Curve == CurveP384:
		return pki.ECDSAP384, nil
	}
	return pki.KeyAlgorithmUnknown, fmt.Errorf("%w: algorithm 0x%02x length %d curve 0x%02x",
		pki.ErrUnsupportedAlgorithm, uint32(r.Algorithm), r.Length, uint32(r.Curve))
}

// Payload returns the request payload children.
func (r CreateKeyPairRequest) Payload() []Item {
	items := []Item{
		Enum(TagCryptographicAlgorithm, r.Algorithm),
		Integer(TagCryptographicLength, r.Length),
	}
	if r.Curve != 0 {
		items = append(items, Enum(TagRecommendedCurve, r.Curve))
	}
	if r.Label != "" {
		items = append(items, Text(TagName, r.Label))
	}
	return items
}

// ParseCreateKeyPairRequest decodes a CreateKeyPair request payload.
func ParseCreateKeyPairRequest(payload Item) (CreateKeyPairRequest, error) {
	var r CreateKeyPairRequest
	alg, err := payload.enum(TagCryptographicAlgorithm)
	if err != nil {
		return r, err
	}
	r.Algorithm = CryptographicAlgorithm(alg)
	if r.Length, err = payload.integer(TagCryptographicLength); err != nil {
		return r, err
	}
	if c, ok, err := payload.optionalChild(TagRecommendedCurve, TypeEnumeration); err != nil {
		return r, err
	} else if ok {
		r.Curve = RecommendedCurve(c.Int)
	}
	if n, ok, err := payload.optionalChild(TagName, TypeTextString); err != nil {
		return r, err
	} else if ok {
		r.Label = n.Text
	}
	return r, nil
}

// KeyPairHandles are the opaque identifiers of a custody-held key pair.
type KeyPairHandles struct {
	PrivateKeyID string `json:"private_key_id"`
	PublicKeyID  string `json:"public_key_id"`
}

// IDs lists the non-empty handles, private key first.
func (h KeyPairHandles) IDs() []string {
	var ids []string
	for _, id := range []string{h.PrivateKeyID, h.PublicKeyID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Payload returns the response payload children.
func (h KeyPairHandles) Payload() []Item {
	return []Item{
		Text(TagPrivateKeyUniqueID, h.PrivateKeyID),
		Text(TagPublicKeyUniqueID, h.PublicKeyID),
	}
}

// ParseKeyPairHandles decodes a CreateKeyPair response payload.
func ParseKeyPairHandles(payload Item) (KeyPairHandles, error) {
	var h KeyPairHandles
	var err error
	if h.PrivateKeyID, err = payload.text(TagPrivateKeyUniqueID); err != nil {
		return h, err
	}
	if h.PublicKeyID, err = payload.text(TagPublicKeyUniqueID); err != nil {
		return h, err
	}
	if h.PrivateKeyID == "" || h.PublicKeyID == "" {
		return h, fmt.Errorf("%w: empty key handle", ErrMalformedMessage)
	}
	return h, nil
}

// ---------------------------------------------------------------------------
// Get
// ---------------------------------------------------------------------------

// GetRequest retrieves a managed object. A zero Format lets the
// authority choose.
type GetRequest struct {
	ID     string
	Format KeyFormat
}

// Payload returns the request payload children.
func (r GetRequest) Payload() []Item {
	items := []Item{Text(TagUniqueIdentifier, r.ID)}
	if r.Format != 0 {
		items = append(items, Enum(TagKeyFormatType, r.Format))
	}
	return items
}

// ParseGetRequest decodes a Get request payload.
func ParseGetRequest(payload Item) (GetRequest, error) {
	var r GetRequest
	var err error
	if r.ID, err = payload.text(TagUniqueIdentifier); err != nil {
		return r, err
	}
	if f, ok, err := payload.optionalChild(TagKeyFormatType, TypeEnumeration); err != nil {
		return r, err
	} else if ok {
		r.Format = KeyFormat(f.Int)
	}
	return r, nil
}

// Object is a managed object returned by Get. Material is a DER
// SubjectPublicKeyInfo for public keys, PKCS#8 for exported private keys
// and the certificate DER for certificates.
type Object struct {
	ID       string
	Type     ObjectType
	State    KeyState
	Format   KeyFormat
	Material []byte
}

// Payload returns the response payload children.
func (o Object) Payload() []Item {
	items := []Item{
		Enum(TagObjectType, o.Type),
		Text(TagUniqueIdentifier, o.ID),
	}
	if o.State != 0 {
		items = append(items, Enum(TagState, o.State))
	}
	return append(items,
		Enum(TagKeyFormatType, o.Format),
		ByteString(TagKeyMaterial, o.Material),
	)
}

// ParseObject decodes a Get response payload.
func ParseObject(payload Item) (Object, error) {
	var o Object
	typ, err := payload.enum(TagObjectType)
	if err != nil {
		return o, err
	}
	o.Type = ObjectType(typ)
	if o.ID, err = payload.text(TagUniqueIdentifier); err != nil {
		return o, err
	}
	if s, ok, err := payload.optionalChild(TagState, TypeEnumeration); err != nil {
		return o, err
	} else if ok {
		o.State = KeyState(s.Int)
	}
	format, err := payload.enum(TagKeyFormatType)
	if err != nil {
		return o, err
	}
	o.Format = KeyFormat(format)
	if o.Material, err = payload.bytes(TagKeyMaterial); err != nil {
		return o, err
	}
	return o, nil
}

// ---------------------------------------------------------------------------
// Certify
// ---------------------------------------------------------------------------

// CertifyRequest asks the authority to sign Data, a digest computed with
// Hashing, using the private key ID.
type CertifyRequest struct {
	ID        string
	Hashing   HashingAlgorithm
	Signature DigitalSignatureAlgorithm
	Data      []byte
}

// Payload returns the request payload children.
func (r CertifyRequest) Payload() []Item {
	return []Item{
		Text(TagUniqueIdentifier, r.ID),
		Structure(TagCryptographicParameters,
			Enum(TagHashingAlgorithm, r.Hashing),
			Enum(TagDigitalSignatureAlgorithm, r.Signature),
		),
		ByteString(TagData, r.Data),
	}
}

// ParseCertifyRequest decodes a Certify request payload.
func ParseCertifyRequest(payload Item) (CertifyRequest, error) {
	var r CertifyRequest
	var err error
	if r.ID, err = payload.text(TagUniqueIdentifier); err != nil {
		return r, err
	}
	params, err := payload.child(TagCryptographicParameters, TypeStructure)
	if err != nil {
		return r, err
	}
	h, err := params.enum(TagHashingAlgorithm)
	if err != nil {
		return r, err
	}
	s, err := params.enum(TagDigitalSignatureAlgorithm)
	if err != nil {
		return r, err
	}
	r.Hashing, r.Signature = HashingAlgorithm(h), DigitalSignatureAlgorithm(s)
	if r.Data, err = payload.bytes(TagData); err != nil {
		return r, err
	}
	return r, nil
}

// CertifyResponse carries the signature produced by the authority.
type CertifyResponse struct {
	ID        string
	Signature []byte
}

// Payload returns the response payload children.
func (r CertifyResponse) Payload() []Item {
	return []Item{
		Text(TagUniqueIdentifier, r.ID),
		ByteString(TagSignatureData, r.Signature),
	}
}

// ParseCertifyResponse decodes a Certify response payload.
func ParseCertifyResponse(payload Item) (CertifyResponse, error) {
	var r CertifyResponse
	var err error
	if r.ID, err = payload.text(TagUniqueIdentifier); err != nil {
		return r, err
	}
	if r.Signature, err = payload.bytes(TagSignatureData); err != nil {
		return r, err
	}
	if len(r.Signature) == 0 {
		return r, fmt.Errorf("%w: empty signature", ErrMalformedMessage)
	}
	return r, nil
}

var hashAlgorithms = map[crypto.Hash]HashingAlgorithm{
	crypto.SHA256: HashSHA256,
	crypto.SHA384: HashSHA384,
	crypto.SHA512: HashSHA512,
}

// HashingAlgorithmFor maps a crypto.Hash onto the protocol enumeration.
func HashingAlgorithmFor(h crypto.Hash) (HashingAlgorithm, bool) {
	v, ok := hashAlgorithms[h]
	return v, ok
}

// Hash maps the enumeration back onto crypto.Hash.
func (h HashingAlgorithm) Hash() (crypto.Hash, bool) {
	for k, v := range hashAlgorithms {
		if v == h {
			return k, true
		}
	}
	return 0, false
}

var signatureAlgorithms = map[pki.SignatureAlgorithm]DigitalSignatureAlgorithm{
	pki.SHA256WithRSA:   SignatureSHA256WithRSA,
	pki.SHA384WithRSA:   SignatureSHA384WithRSA,
	pki.SHA512WithRSA:   SignatureSHA512WithRSA,
	pki.ECDSAWithSHA256: SignatureECDSAWithSHA256,
	pki.ECDSAWithSHA384: SignatureECDSAWithSHA384,
	pki.ECDSAWithSHA512: SignatureECDSAWithSHA512,
}

// SignatureAlgorithmFor maps a registry signature algorithm onto the
// protocol enumeration.
func SignatureAlgorithmFor(alg pki.SignatureAlgorithm) (DigitalSignatureAlgorithm, bool) {
	v, ok := signatureAlgorithms[alg]
	return v, ok
}

// SignatureAlgorithm maps the enumeration back onto the registry.
func (d DigitalSignatureAlgorithm) SignatureAlgorithm() pki.SignatureAlgorithm {
	for k, v := range signatureAlgorithms {
		if v == d {
			return k
		}
	}
	return pki.SignatureAlgorithmUnknown
}

// ---------------------------------------------------------------------------
// Revoke / Destroy
// ---------------------------------------------------------------------------

// RevokeRequest revokes one managed object. CompromiseDate is only sent
// for compromise reasons.
type RevokeRequest struct {
	ID             string
	Reason         RevocationReasonCode
	Message        string
	CompromiseDate time.Time
}

// Payload returns the request payload children.
func (r RevokeRequest) Payload() []Item {
	reason := Structure(TagRevocationReason, Enum(TagRevocationReasonCode, r.Reason))
	if r.Message != "" {
		reason.Children = append(reason.Children, Text(TagRevocationMessage, r.Message))
	}
	items := []Item{Text(TagUniqueIdentifier, r.ID), reason}
	if r.Reason.Compromised() && !r.CompromiseDate.IsZero() {
		items = append(items, DateTime(TagCompromiseOccurrenceDate, r.CompromiseDate))
	}
	return items
}

// ParseRevokeRequest decodes a Revoke request payload.
func ParseRevokeRequest(payload Item) (RevokeRequest, error) {
	var r RevokeRequest
	var err error
	if r.ID, err = payload.text(TagUniqueIdentifier); err != nil {
		return r, err
	}
	reason, err := payload.child(TagRevocationReason, TypeStructure)
	if err != nil {
		return r, err
	}
	code, err := reason.enum(TagRevocationReasonCode)
	if err != nil {
		return r, err
	}
	r.Reason = RevocationReasonCode(code)
	if m, ok, err := reason.optionalChild(TagRevocationMessage, TypeTextString); err != nil {
		return r, err
	} else if ok {
		r.Message = m.Text
	}
	if d, ok, err := payload.optionalChild(TagCompromiseOccurrenceDate, TypeDateTime); err != nil {
		return r, err
	} else if ok {
		r.CompromiseDate = d.Time
	}
	return r, nil
}

// IDPayload is the payload of a Destroy request and of Revoke and
// Destroy responses.
func IDPayload(id string) []Item {
	return []Item{Text(TagUniqueIdentifier, id)}
}

// ParseID decodes a payload that carries only a unique identifier.
func ParseID(payload Item) (string, error) {
	return payload.text(TagUniqueIdentifier)
}

// RevocationReasonFor maps an RFC 5280 reason onto the custody-side code.
func RevocationReasonFor(r pki.RevocationReason) RevocationReasonCode {
	switch r {
	case pki.ReasonKeyCompromise:
		return RevocationKeyCompromise
	case pki.ReasonCACompromise, pki.ReasonAACompromise:
		return RevocationCACompromise
	case pki.ReasonAffiliationChanged:
		return RevocationAffiliationChanged
	case pki.ReasonSuperseded:
		return RevocationSuperseded
	case pki.ReasonCessationOfOperation:
		return RevocationCessationOfOperation
	case pki.ReasonPrivilegeWithdrawn:
		return RevocationPrivilegeWithdrawn
	default:
		return RevocationUnspecified
	}
}
