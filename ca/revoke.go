package ca

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jmcleod/ironca/audit"
	"github.com/jmcleod/ironca/custody"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
)

// RevokeRequest names a certificate by ID or, when CertificateID is
// empty, by serial number.
type RevokeRequest struct {
	CAID          string
	CertificateID string
	SerialNumber  string
	Reason        pki.RevocationReason
	// RevokedAt is the effective revocation date. Default: now.
	RevokedAt time.Time
	// Immediate publishes a new CRL after recording the revocation.
	Immediate bool
}

// RevokeResult is a recorded revocation. CRL is set for immediate
// revocations.
type RevokeResult struct {
	Certificate *storage.CertificateRecord
	Revocation  *storage.RevocationRecord
	CRL         *CRLResult
}

// RevokeCertificate records a revocation in the CA's revocation set. The
// CRL is not regenerated unless the request is Immediate. A certificate
// on hold may be revoked again with a final reason; any other revoked
// certificate yields ErrAlreadyRevoked.
func (s *Service) RevokeCertificate(ctx context.Context, req RevokeRequest) (res *RevokeResult, err error) {
	ctx, span := s.startSpan(ctx, "RevokeCertificate",
		attribute.String("ca_id", req.CAID), attribute.String("reason", req.Reason.String()))
	defer func() { endSpan(span, err) }()

	entry := audit.Entry{
		Event:        audit.EventCertRevoked,
		CAID:         req.CAID,
		CertID:       req.CertificateID,
		SerialNumber: req.SerialNumber,
		Reason:       req.Reason.String(),
	}
	defer func() { s.record(ctx, entry, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.GetCA(ctx, req.CAID); err != nil {
		return nil, err
	}
	cert, err := s.findCertificate(ctx, req.CAID, req.CertificateID, req.SerialNumber)
	if err != nil {
		return nil, err
	}
	entry.CertID, entry.SerialNumber, entry.Subject = cert.ID, cert.SerialNumber, cert.Subject

	if cert.Status == storage.StatusRevoked {
		onHold := cert.RevocationReason != nil && *cert.RevocationReason == pki.ReasonCertificateHold
		if !onHold || req.Reason == pki.ReasonCertificateHold {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRevoked, cert.ID)
		}
	}

	now := s.now().UTC()
	revokedAt := req.RevokedAt
	if revokedAt.IsZero() {
		revokedAt = now
	}
	revokedAt = revokedAt.UTC().Truncate(time.Second)

	// Custody is told before the store. If the store write then fails the
	// certificate stays active and the request can be repeated, since
	// revoking a compromised key again succeeds.
	if req.Reason.IsCompromise() && cert.KeyHandles != nil && !cert.KeysDestroyed {
		if err := s.markCompromised(ctx, *cert.KeyHandles, req.Reason, revokedAt); err != nil {
			return nil, err
		}
	}

	cert.Status = storage.StatusRevoked
	cert.RevokedAt = &revokedAt
	cert.RevocationReason = lo.ToPtr(req.Reason)
	rev := &storage.RevocationRecord{
		CAID:          req.CAID,
		SerialNumber:  cert.SerialNumber,
		CertificateID: cert.ID,
		RevokedAt:     revokedAt,
		Reason:        req.Reason,
	}
	if err := s.store.RecordRevocation(ctx, cert, rev); err != nil {
		return nil, fmt.Errorf("recording revocation: %w", err)
	}
	if cert.IsCA {
		if err := s.revokeAuthority(ctx, cert); err != nil {
			return nil, err
		}
	}

	s.metrics.certificateRevoked(ctx, req.CAID, req.Reason.String())
	s.logger.InfoContext(ctx, "certificate revoked", "ca_id", req.CAID, "certificate_id", cert.ID,
		"serial", cert.SerialNumber, "reason", req.Reason.String())

	res = &RevokeResult{Certificate: cert, Revocation: rev}
	if req.Immediate {
		crl, err := s.GenerateCRL(ctx, req.CAID)
		if err != nil {
			return res, fmt.Errorf("revocation recorded, publishing CRL: %w", err)
		}
		res.CRL = crl
	}
	return res, nil
}

// markCompromised tells custody the certificate's key is compromised so
// it can no longer sign.
func (s *Service) markCompromised(ctx context.Context, handles custody.KeyPairHandles, reason pki.RevocationReason, at time.Time) error {
	err := s.custody.Revoke(ctx, custody.RevokeRequest{
		ID:             handles.PrivateKeyID,
		Reason:         custody.RevocationReasonFor(reason),
		CompromiseDate: at,
	})
	if err != nil && !custody.HasReason(err, custody.ReasonWrongKeyState) && !custody.HasReason(err, custody.ReasonItemNotFound) {
		return s.custodyFailure(ctx, "revoking compromised key", err)
	}
	return nil
}

// revokeAuthority marks the CA certified by cert as revoked.
func (s *Service) revokeAuthority(ctx context.Context, cert *storage.CertificateRecord) error {
	cas, err := s.store.ListCAs(ctx)
	if err != nil {
		return fmt.Errorf("listing CAs: %w", err)
	}
	ca, ok := lo.Find(cas, func(ca *storage.CARecord) bool { return ca.CertificateID == cert.ID })
	if !ok || ca.Status == storage.CARevoked {
		return nil
	}
	ca.Status = storage.CARevoked
	if err := s.store.UpdateCA(ctx, ca); err != nil {
		return fmt.Errorf("updating CA %s: %w", ca.ID, err)
	}
	s.logger.WarnContext(ctx, "CA revoked", "ca_id", ca.ID, "certificate_id", cert.ID)
	return nil
}
