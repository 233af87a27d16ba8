package ca

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jmcleod/ironca/audit"
	"github.com/jmcleod/ironca/internal/uuid"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
)

// CRLResult is a published revocation list.
type CRLResult struct {
	CRL    *pki.CRL
	Record *storage.CRLRecord
}

// GenerateCRL signs a CRL over the CA's full revocation set. Its number
// is the latest number plus one, starting at 1; a concurrent publisher
// claiming the same number makes the store reject this one with
// storage.ErrCRLNumberConflict.
func (s *Service) GenerateCRL(ctx context.Context, caID string) (res *CRLResult, err error) {
	ctx, span := s.startSpan(ctx, "GenerateCRL", attribute.String("ca_id", caID))
	defer func() { endSpan(span, err) }()

	entry := audit.Entry{Event: audit.EventCRLGenerated, CAID: caID}
	defer func() { s.record(ctx, entry, err) }()

	now := s.now().UTC()
	iss, err := s.loadIssuer(ctx, caID, now)
	if err != nil {
		return nil, err
	}

	number := uint64(1)
	latest, err := s.store.LatestCRL(ctx, caID)
	switch {
	case err == nil:
		number = latest.Number + 1
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("loading latest CRL: %w", err)
	}

	revs, err := s.store.ListRevocations(ctx, caID)
	if err != nil {
		return nil, fmt.Errorf("listing revocations: %w", err)
	}
	entries := lo.Map(revs, func(r *storage.RevocationRecord, _ int) pki.CRLEntry { return r.CRLEntry() })

	signer, release, err := s.signer(ctx, caID, iss.record.KeyHandles, iss.cert.PublicKey)
	if err != nil {
		return nil, err
	}
	crl, err := pki.EncodeCRL(pki.CRLParams{
		IssuerCertificate:  iss.cert,
		Number:             number,
		ThisUpdate:         now,
		Validity:           s.crlValidity,
		Entries:            entries,
		SignatureAlgorithm: iss.record.SignatureAlgorithm,
		Signer:             signer,
	})
	release()
	if err != nil {
		return nil, s.signingFailure(ctx, "signing CRL", err)
	}

	record := &storage.CRLRecord{
		ID:         uuid.New(),
		CAID:       caID,
		Number:     crl.Number,
		ThisUpdate: crl.ThisUpdate,
		NextUpdate: crl.NextUpdate,
		EntryCount: pki.CountRevoked(&crl.CRLMetadata),
		PEM:        crl.PEM,
		CreatedAt:  now,
	}
	if err := s.store.InsertCRL(ctx, record); err != nil {
		return nil, fmt.Errorf("storing CRL %d: %w", number, err)
	}

	entry.Attrs = map[string]string{
		"crl_number": strconv.FormatUint(number, 10),
		"entries":    strconv.Itoa(record.EntryCount),
	}
	s.metrics.crlGenerated(ctx, caID)
	s.logger.InfoContext(ctx, "CRL published", "ca_id", caID, "number", number, "entries", record.EntryCount)
	return &CRLResult{CRL: crl, Record: record}, nil
}

// LatestCRL returns the CA's most recent CRL, or ErrNoCRL.
func (s *Service) LatestCRL(ctx context.Context, caID string) (*CRLResult, error) {
	if _, err := s.GetCA(ctx, caID); err != nil {
		return nil, err
	}
	record, err := s.store.LatestCRL(ctx, caID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: CA %s", ErrNoCRL, caID)
		}
		return nil, fmt.Errorf("loading latest CRL: %w", err)
	}
	crl, err := pki.ParseCRL([]byte(record.PEM))
	if err != nil {
		return nil, fmt.Errorf("CRL %d: %w", record.Number, err)
	}
	return &CRLResult{CRL: crl, Record: record}, nil
}

// IsCertificateRevoked reports whether serial is listed in the CA's latest
// CRL with a revocation date at or before now.
func (s *Service) IsCertificateRevoked(ctx context.Context, caID, serial string) (bool, error) {
	if !pki.ValidSerial(serial) {
		return false, fmt.Errorf("%w: %q", pki.ErrInvalidSerial, serial)
	}
	latest, err := s.LatestCRL(ctx, caID)
	if err != nil {
		return false, err
	}
	return pki.IsRevokedAt(&latest.CRL.CRLMetadata, serial, s.now()), nil
}
