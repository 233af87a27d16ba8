package custody

// Tag identifies a TTLV item. Tags occupy three bytes; every tag used by
// the protocol lives in the 0x42xxxx range.
type Tag uint32

const (
	TagBatchCount                Tag = 0x42000D
	TagBatchItem                 Tag = 0x42000F
	TagCompromiseOccurrenceDate  Tag = 0x420021
	TagCryptographicAlgorithm    Tag = 0x420028
	TagCryptographicLength       Tag = 0x42002A
	TagCryptographicParameters   Tag = 0x42002B
	TagHashingAlgorithm          Tag = 0x420038
	TagKeyFormatType             Tag = 0x420042
	TagKeyMaterial               Tag = 0x420043
	TagName                      Tag = 0x420053
	TagObjectType                Tag = 0x420057
	TagOperation                 Tag = 0x42005C
	TagPrivateKeyUniqueID        Tag = 0x420066
	TagProtocolVersion           Tag = 0x420069
	TagProtocolVersionMajor      Tag = 0x42006A
	TagProtocolVersionMinor      Tag = 0x42006B
	TagPublicKeyUniqueID         Tag = 0x42006F
	TagRecommendedCurve          Tag = 0x420075
	TagRequestHeader             Tag = 0x420077
	TagRequestMessage            Tag = 0x420078
	TagRequestPayload            Tag = 0x420079
	TagResponseHeader            Tag = 0x42007A
	TagResponseMessage           Tag = 0x42007B
	TagResponsePayload           Tag = 0x42007C
	TagResultMessage             Tag = 0x42007D
	TagResultReason              Tag = 0x42007E
	TagResultStatus              Tag = 0x42007F
	TagRevocationMessage         Tag = 0x420080
	TagRevocationReason          Tag = 0x420081
	TagRevocationReasonCode      Tag = 0x420082
	TagState                     Tag = 0x42008D
	TagTimeStamp                 Tag = 0x420092
	TagUniqueIdentifier          Tag = 0x420094
	TagDigitalSignatureAlgorithm Tag = 0x4200AE
	TagData                      Tag = 0x4200C2
	TagSignatureData             Tag = 0x4200C3
)

const tagPrefix = 0x42

// valid reports whether t is in the protocol's tag range.
func (t Tag) valid() bool {
	return t>>16 == tagPrefix
}

// CryptographicAlgorithm names the key family of a key pair.
type CryptographicAlgorithm uint32

const (
	AlgorithmRSA   CryptographicAlgorithm = 0x04
	AlgorithmECDSA CryptographicAlgorithm = 0x06
)

// RecommendedCurve names an elliptic curve.
type RecommendedCurve uint32

const (
	CurveP256 RecommendedCurve = 0x07
	CurveP384 RecommendedCurve = 0x0A
)

// HashingAlgorithm names the digest a Certify request was computed with.
type HashingAlgorithm uint32

const (
	HashSHA256 HashingAlgorithm = 0x06
	HashSHA384 HashingAlgorithm = 0x07
	HashSHA512 HashingAlgorithm = 0x08
)

// DigitalSignatureAlgorithm names the signature scheme of a Certify
// request.
type DigitalSignatureAlgorithm uint32

const (
	SignatureSHA256WithRSA   DigitalSignatureAlgorithm = 0x05
	SignatureSHA384WithRSA   DigitalSignatureAlgorithm = 0x06
	SignatureSHA512WithRSA   DigitalSignatureAlgorithm = 0x07
	SignatureECDSAWithSHA256 DigitalSignatureAlgorithm = 0x10
	SignatureECDSAWithSHA384 DigitalSignatureAlgorithm = 0x11
	SignatureECDSAWithSHA512 DigitalSignatureAlgorithm = 0x12
)

// ObjectType classifies a managed object.
type ObjectType uint32

const (
	ObjectCertificate ObjectType = 0x01
	ObjectPublicKey   ObjectType = 0x03
	ObjectPrivateKey  ObjectType = 0x04
)

func (o ObjectType) String() string {
	switch o {
	case ObjectCertificate:
		return "Certificate"
	case ObjectPublicKey:
		return "PublicKey"
	case ObjectPrivateKey:
		return "PrivateKey"
	default:
		return "Unknown"
	}
}

// KeyFormat is the encoding of returned key material.
type KeyFormat uint32

const (
	// FormatPKCS8 is a DER PKCS#8 private key.
	FormatPKCS8 KeyFormat = 0x04
	// FormatX509 is a DER SubjectPublicKeyInfo or certificate.
	FormatX509 KeyFormat = 0x05
)

// RevocationReasonCode is the custody-side reason a key is revoked.
type RevocationReasonCode uint32

const (
	RevocationUnspecified          RevocationReasonCode = 0x01
	RevocationKeyCompromise        RevocationReasonCode = 0x02
	RevocationCACompromise         RevocationReasonCode = 0x03
	RevocationAffiliationChanged   RevocationReasonCode = 0x04
	RevocationSuperseded           RevocationReasonCode = 0x05
	RevocationCessationOfOperation RevocationReasonCode = 0x06
	RevocationPrivilegeWithdrawn   RevocationReasonCode = 0x07
)

// Compromised reports whether the reason moves a key to a compromised
// state.
func (r RevocationReasonCode) Compromised() bool {
	return r == RevocationKeyCompromise || r == RevocationCACompromise
}

// ResultStatus is the outcome of a batch item.
type ResultStatus uint32

const (
	StatusSuccess         ResultStatus = 0x00
	StatusOperationFailed ResultStatus = 0x01
)

// ResultReason qualifies a failed batch item.
type ResultReason uint32

const (
	ReasonItemNotFound          ResultReason = 0x01
	ReasonInvalidMessage        ResultReason = 0x04
	ReasonOperationNotSupported ResultReason = 0x05
	ReasonMissingData           ResultReason = 0x06
	ReasonInvalidField          ResultReason = 0x07
	ReasonCryptographicFailure  ResultReason = 0x0A
	ReasonPermissionDenied      ResultReason = 0x0C
	ReasonWrongKeyState         ResultReason = 0x0E
	ReasonNotExtractable        ResultReason = 0x17
	ReasonGeneralFailure        ResultReason = 0x0100
)

var reasonNames = map[ResultReason]string{
	ReasonItemNotFound:          "item not found",
	ReasonInvalidMessage:        "invalid message",
	ReasonOperationNotSupported: "operation not supported",
	ReasonMissingData:           "missing data",
	ReasonInvalidField:          "invalid field",
	ReasonCryptographicFailure:  "cryptographic failure",
	ReasonPermissionDenied:      "permission denied",
	ReasonWrongKeyState:         "wrong key lifecycle state",
	ReasonNotExtractable:        "not extractable",
	ReasonGeneralFailure:        "general failure",
}

func (r ResultReason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return "unknown reason"
}
