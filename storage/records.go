package storage

import (
	"time"

	"github.com/jmcleod/ironca/custody"
	"github.com/jmcleod/ironca/pki"
)

// CAStatus is the lifecycle state of a certificate authority.
type CAStatus string

const (
	CAActive  CAStatus = "active"
	CARevoked CAStatus = "revoked"
)

// CertificateStatus is the lifecycle state of an issued certificate.
type CertificateStatus string

const (
	StatusActive     CertificateStatus = "active"
	StatusRevoked    CertificateStatus = "revoked"
	StatusExpired    CertificateStatus = "expired"
	StatusSuperseded CertificateStatus = "superseded"
)

// CARecord is a certificate authority. Its private key is held by the
// custody authority under KeyHandles.
type CARecord struct {
	ID                 string                 `json:"id"`
	ParentID           string                 `json:"parent_id,omitempty"`
	Subject            string                 `json:"subject"`
	CertificateID      string                 `json:"certificate_id"`
	SerialNumber       string                 `json:"serial_number"`
	KeyAlgorithm       pki.KeyAlgorithm       `json:"key_algorithm"`
	SignatureAlgorithm pki.SignatureAlgorithm `json:"signature_algorithm"`
	KeyHandles         custody.KeyPairHandles `json:"key_handles"`
	CertificatePEM     string                 `json:"certificate_pem"`
	NotBefore          time.Time              `json:"not_before"`
	NotAfter           time.Time              `json:"not_after"`
	Status             CAStatus               `json:"status"`
	KeysDestroyed      bool                   `json:"keys_destroyed,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
}

// CertificateRecord is a certificate issued by a CA, including the CA's
// own certificate.
type CertificateRecord struct {
	ID               string                  `json:"id"`
	CAID             string                  `json:"ca_id"`
	SerialNumber     string                  `json:"serial_number"`
	Subject          string                  `json:"subject"`
	Issuer           string                  `json:"issuer"`
	Status           CertificateStatus       `json:"status"`
	NotBefore        time.Time               `json:"not_before"`
	NotAfter         time.Time               `json:"not_after"`
	KeyAlgorithm     pki.KeyAlgorithm        `json:"key_algorithm"`
	KeyHandles       *custody.KeyPairHandles `json:"key_handles,omitempty"`
	PEM              string                  `json:"pem"`
	IsCA             bool                    `json:"is_ca,omitempty"`
	Supersedes       string                  `json:"supersedes,omitempty"`
	SupersededBy     string                  `json:"superseded_by,omitempty"`
	RevokedAt        *time.Time              `json:"revoked_at,omitempty"`
	RevocationReason *pki.RevocationReason   `json:"revocation_reason,omitempty"`
	KeysDestroyed    bool                    `json:"keys_destroyed,omitempty"`
	CreatedAt        time.Time               `json:"created_at"`
}

// RevocationRecord is one entry of a CA's revocation list. There is at
// most one per serial.
type RevocationRecord struct {
	CAID          string               `json:"ca_id"`
	SerialNumber  string               `json:"serial_number"`
	CertificateID string               `json:"certificate_id"`
	RevokedAt     time.Time            `json:"revoked_at"`
	Reason        pki.RevocationReason `json:"reason"`
}

// CRLEntry converts the record into a CRL entry.
func (r *RevocationRecord) CRLEntry() pki.CRLEntry {
	return pki.CRLEntry{SerialNumber: r.SerialNumber, RevokedAt: r.RevokedAt, Reason: r.Reason}
}

// CRLRecord is a published revocation list.
type CRLRecord struct {
	ID         string    `json:"id"`
	CAID       string    `json:"ca_id"`
	Number     uint64    `json:"number"`
	ThisUpdate time.Time `json:"this_update"`
	NextUpdate time.Time `json:"next_update"`
	EntryCount int       `json:"entry_count"`
	PEM        string    `json:"pem"`
	CreatedAt  time.Time `json:"created_at"`
}
