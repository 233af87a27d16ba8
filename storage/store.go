package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/goccy/go-json"

	"github.com/jmcleod/ironca/pki"
)

var (
	// ErrExists is returned when inserting a record whose ID is taken.
	ErrExists = errors.New("record already exists")

	// ErrDuplicateSerial is returned when a CA already issued a
	// certificate with the same serial number.
	ErrDuplicateSerial = pki.ErrDuplicateSerial

	// ErrCRLNumberConflict is returned when a CRL number is not the
	// successor of the CA's latest CRL number.
	ErrCRLNumberConflict = pki.ErrCRLNumberRegression
)

// Store is the persistence contract of the issuance service. Every
// method is atomic. Serial numbers are unique per CA and CRL numbers
// per CA grow by exactly one.
type Store interface {
	InsertCA(ctx context.Context, ca *CARecord) error
	// InsertCAWithCertificate stores a new CA together with its own
	// certificate. Either both records are written or neither is.
	InsertCAWithCertificate(ctx context.Context, ca *CARecord, cert *CertificateRecord) error
	FindCA(ctx context.Context, id string) (*CARecord, error)
	ListCAs(ctx context.Context) ([]*CARecord, error)
	UpdateCA(ctx context.Context, ca *CARecord) error

	InsertCertificate(ctx context.Context, cert *CertificateRecord) error
	FindCertificate(ctx context.Context, caID, id string) (*CertificateRecord, error)
	FindCertificateBySerial(ctx context.Context, caID, serial string) (*CertificateRecord, error)
	ListCertificates(ctx context.Context, caID string) ([]*CertificateRecord, error)
	UpdateCertificate(ctx context.Context, cert *CertificateRecord) error
	// Supersede links a renewed certificate to its predecessor and marks
	// the predecessor superseded.
	Supersede(ctx context.Context, caID, oldID, newID string) error

	// RecordRevocation stores cert and replaces the revocation entry for
	// its serial in one step.
	RecordRevocation(ctx context.Context, cert *CertificateRecord, rev *RevocationRecord) error
	ListRevocations(ctx context.Context, caID string) ([]*RevocationRecord, error)

	// LatestCRL returns ErrNotFound when the CA has not published a CRL.
	LatestCRL(ctx context.Context, caID string) (*CRLRecord, error)
	InsertCRL(ctx context.Context, crl *CRLRecord) error
}

// Scope and record type names used on the Backend.
const (
	scopeAuthorities = "authorities"

	typeCA         = "ca"
	typeCert       = "cert"
	typeSerial     = "serial"
	typeRevocation = "revocation"
	typeCRL        = "crl"
	typeCRLHead    = "crl-head"

	crlHeadID = "latest"
)

// RecordStore implements Store on any Backend. CA records live in one
// scope; certificates, revocations and CRLs live in a scope per CA.
type RecordStore struct {
	backend Backend
}

var _ Store = (*RecordStore)(nil)

// New returns a Store backed by b.
func New(b Backend) *RecordStore {
	return &RecordStore{backend: b}
}

func encode(v any) (*Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return &Record{Data: data}, nil
}

func decode[T any](rec *Record) (*T, error) {
	v := new(T)
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return v, nil
}

func crlKey(number uint64) string {
	// Zero padding keeps lexical and numeric order the same.
	return fmt.Sprintf("%020d", number)
}

// serialKey normalises serial so that equivalent spellings collide.
func serialKey(serial string) (string, error) {
	return pki.NormalizeSerial(serial)
}

// InsertCA stores a new CA record.
func (s *RecordStore) InsertCA(ctx context.Context, ca *CARecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, err := encode(ca)
	if err != nil {
		return err
	}
	rec.Version = 1
	if err := s.backend.PutCAS(scopeAuthorities, typeCA, ca.ID, 0, rec); err != nil {
		if errors.Is(err, ErrCASFailed) {
			return fmt.Errorf("CA %s: %w", ca.ID, ErrExists)
		}
		return err
	}
	return nil
}

// FindCA loads a CA record.
func (s *RecordStore) FindCA(ctx context.Context, id string) (*CARecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := s.backend.Get(scopeAuthorities, typeCA, id)
	if err != nil {
		return nil, fmt.Errorf("CA %s: %w", id, err)
	}
	return decode[CARecord](rec)
}

// ListCAs returns every CA ordered by creation time.
func (s *RecordStore) ListCAs(ctx context.Context) ([]*CARecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, err := s.backend.List(scopeAuthorities, typeCA)
	if err != nil {
		return nil, err
	}
	cas := make([]*CARecord, 0, len(ids))
	for _, id := range ids {
		ca, err := s.FindCA(ctx, id)
		if err != nil {
			return nil, err
		}
		cas = append(cas, ca)
	}
	slices.SortFunc(cas, func(a, b *CARecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return cas, nil
}

// UpdateCA replaces an existing CA record.
func (s *RecordStore) UpdateCA(ctx context.Context, ca *CARecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.backend.Batch(scopeAuthorities, func(tx BatchTx) error {
		return replace(tx, typeCA, ca.ID, ca)
	})
}

// replace overwrites an existing record, bumping its version.
func replace(tx BatchTx, recordType, id string, v any) error {
	existing, err := tx.Get(recordType, id)
	if err != nil {
		return fmt.Errorf("%s %s: %w", recordType, id, err)
	}
	rec, err := encode(v)
	if err != nil {
		return err
	}
	rec.Version = existing.Version + 1
	return tx.PutCAS(recordType, id, existing.Version, rec)
}

// InsertCertificate stores a new certificate and claims its serial
// number within the CA.
func (s *RecordStore) InsertCertificate(ctx context.Context, cert *CertificateRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	put, err := certificateWriter(cert)
	if err != nil {
		return err
	}
	return s.backend.Batch(cert.CAID, put)
}

// InsertCAWithCertificate stores ca and its certificate, which lives in
// the scope of the issuing CA, in one batch.
func (s *RecordStore) InsertCAWithCertificate(ctx context.Context, ca *CARecord, cert *CertificateRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ca.CertificateID != cert.ID {
		return fmt.Errorf("%w: CA %s does not reference certificate %s", pki.ErrStateInvariant, ca.ID, cert.ID)
	}
	rec, err := encode(ca)
	if err != nil {
		return err
	}
	rec.Version = 1
	put, err := certificateWriter(cert)
	if err != nil {
		return err
	}
	return s.backend.Batch(scopeAuthorities, func(tx BatchTx) error {
		if err := tx.PutCAS(typeCA, ca.ID, 0, rec); err != nil {
			if errors.Is(err, ErrCASFailed) {
				return fmt.Errorf("CA %s: %w", ca.ID, ErrExists)
			}
			return err
		}
		certTx, err := tx.Scope(cert.CAID)
		if err != nil {
			return err
		}
		return put(certTx)
	})
}

// certificateWriter returns a batch function that claims the serial of
// cert and stores it.
func certificateWriter(cert *CertificateRecord) (func(tx BatchTx) error, error) {
	serial, err := serialKey(cert.SerialNumber)
	if err != nil {
		return nil, err
	}
	rec, err := encode(cert)
	if err != nil {
		return nil, err
	}
	rec.Version = 1
	return func(tx BatchTx) error {
		if err := tx.PutCAS(typeSerial, serial, 0, &Record{Version: 1, Data: []byte(cert.ID)}); err != nil {
			if errors.Is(err, ErrCASFailed) {
				return fmt.Errorf("%w: %s", ErrDuplicateSerial, serial)
			}
			return err
		}
		if err := tx.PutCAS(typeCert, cert.ID, 0, rec); err != nil {
			if errors.Is(err, ErrCASFailed) {
				return fmt.Errorf("certificate %s: %w", cert.ID, ErrExists)
			}
			return err
		}
		return nil
	}, nil
}

// FindCertificate loads a certificate by ID.
func (s *RecordStore) FindCertificate(ctx context.Context, caID, id string) (*CertificateRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := s.backend.Get(caID, typeCert, id)
	if err != nil {
		return nil, fmt.Errorf("certificate %s: %w", id, err)
	}
	return decode[CertificateRecord](rec)
}

// FindCertificateBySerial loads a certificate by serial number.
func (s *RecordStore) FindCertificateBySerial(ctx context.Context, caID, serial string) (*CertificateRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := serialKey(serial)
	if err != nil {
		return nil, err
	}
	idx, err := s.backend.Get(caID, typeSerial, key)
	if err != nil {
		return nil, fmt.Errorf("serial %s: %w", key, err)
	}
	return s.FindCertificate(ctx, caID, string(idx.Data))
}

// ListCertificates returns the certificates of a CA ordered by creation
// time.
func (s *RecordStore) ListCertificates(ctx context.Context, caID string) ([]*CertificateRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, err := s.backend.List(caID, typeCert)
	if err != nil {
		return nil, err
	}
	certs := make([]*CertificateRecord, 0, len(ids))
	for _, id := range ids {
		c, err := s.FindCertificate(ctx, caID, id)
		if err != nil {
			return nil, err
		}
		certs = append(certs, c)
	}
	slices.SortFunc(certs, func(a, b *CertificateRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return certs, nil
}

// UpdateCertificate replaces an existing certificate record. The serial
// number cannot change.
func (s *RecordStore) UpdateCertificate(ctx context.Context, cert *CertificateRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.backend.Batch(cert.CAID, func(tx BatchTx) error {
		return updateCertificate(tx, cert)
	})
}

func updateCertificate(tx BatchTx, cert *CertificateRecord) error {
	existing, err := tx.Get(typeCert, cert.ID)
	if err != nil {
		return fmt.Errorf("certificate %s: %w", cert.ID, err)
	}
	prev, err := decode[CertificateRecord](existing)
	if err != nil {
		return err
	}
	if prev.SerialNumber != cert.SerialNumber {
		return fmt.Errorf("%w: certificate %s serial cannot change", pki.ErrStateInvariant, cert.ID)
	}
	return replace(tx, typeCert, cert.ID, cert)
}

// Supersede marks oldID superseded by newID.
func (s *RecordStore) Supersede(ctx context.Context, caID, oldID, newID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.backend.Batch(caID, func(tx BatchTx) error {
		oldRec, err := tx.Get(typeCert, oldID)
		if err != nil {
			return fmt.Errorf("certificate %s: %w", oldID, err)
		}
		newRec, err := tx.Get(typeCert, newID)
		if err != nil {
			return fmt.Errorf("certificate %s: %w", newID, err)
		}
		prev, err := decode[CertificateRecord](oldRec)
		if err != nil {
			return err
		}
		next, err := decode[CertificateRecord](newRec)
		if err != nil {
			return err
		}
		if prev.Status == StatusActive {
			prev.Status = StatusSuperseded
		}
		prev.SupersededBy = newID
		next.Supersedes = oldID
		if err := replace(tx, typeCert, oldID, prev); err != nil {
			return err
		}
		return replace(tx, typeCert, newID, next)
	})
}

// RecordRevocation stores the revoked certificate and its revocation
// entry together.
func (s *RecordStore) RecordRevocation(ctx context.Context, cert *CertificateRecord, rev *RevocationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	serial, err := serialKey(rev.SerialNumber)
	if err != nil {
		return err
	}
	if cert.CAID != rev.CAID || cert.ID != rev.CertificateID {
		return fmt.Errorf("%w: revocation does not belong to certificate %s", pki.ErrStateInvariant, cert.ID)
	}
	rec, err := encode(rev)
	if err != nil {
		return err
	}
	return s.backend.Batch(cert.CAID, func(tx BatchTx) error {
		if err := updateCertificate(tx, cert); err != nil {
			return err
		}
		return tx.Put(typeRevocation, serial, rec)
	})
}

// ListRevocations returns the revocation entries of a CA ordered by
// revocation date.
func (s *RecordStore) ListRevocations(ctx context.Context, caID string) ([]*RevocationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	serials, err := s.backend.List(caID, typeRevocation)
	if err != nil {
		return nil, err
	}
	revs := make([]*RevocationRecord, 0, len(serials))
	for _, serial := range serials {
		rec, err := s.backend.Get(caID, typeRevocation, serial)
		if err != nil {
			return nil, fmt.Errorf("revocation %s: %w", serial, err)
		}
		rev, err := decode[RevocationRecord](rec)
		if err != nil {
			return nil, err
		}
		revs = append(revs, rev)
	}
	slices.SortFunc(revs, func(a, b *RevocationRecord) int {
		if c := a.RevokedAt.Compare(b.RevokedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SerialNumber, b.SerialNumber)
	})
	return revs, nil
}

// LatestCRL returns the CRL with the highest number.
func (s *RecordStore) LatestCRL(ctx context.Context, caID string) (*CRLRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	head, err := s.backend.Get(caID, typeCRLHead, crlHeadID)
	if err != nil {
		return nil, fmt.Errorf("CRL for CA %s: %w", caID, err)
	}
	rec, err := s.backend.Get(caID, typeCRL, crlKey(head.Version))
	if err != nil {
		return nil, fmt.Errorf("CRL %d: %w", head.Version, err)
	}
	return decode[CRLRecord](rec)
}

// InsertCRL stores a CRL whose number must be the successor of the
// latest one; the first CRL is number 1.
func (s *RecordStore) InsertCRL(ctx context.Context, crl *CRLRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if crl.Number == 0 {
		return pki.ErrInvalidCRLNumber
	}
	rec, err := encode(crl)
	if err != nil {
		return err
	}
	return s.backend.Batch(crl.CAID, func(tx BatchTx) error {
		head := &Record{Version: crl.Number, Data: []byte(crl.ID)}
		if err := tx.PutCAS(typeCRLHead, crlHeadID, crl.Number-1, head); err != nil {
			if errors.Is(err, ErrCASFailed) {
				return fmt.Errorf("%w: CRL number %d", ErrCRLNumberConflict, crl.Number)
			}
			return err
		}
		return tx.Put(typeCRL, crlKey(crl.Number), rec)
	})
}
