package ca

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jmcleod/ironca/audit"
	"github.com/jmcleod/ironca/custody"
	"github.com/jmcleod/ironca/pki"
)

// DestroyRequest names the key material to destroy: the CA's own key pair
// when CertificateID is empty, otherwise the custody-held key of an
// end-entity certificate.
type DestroyRequest struct {
	CAID          string
	CertificateID string
	// Reason is sent with the custody Revoke that precedes Destroy.
	Reason pki.RevocationReason
}

// DestroyKeyMaterial revokes then destroys the key pair in custody and
// flags the owning record. Repeating it after success is a no-op.
func (s *Service) DestroyKeyMaterial(ctx context.Context, req DestroyRequest) (err error) {
	ctx, span := s.startSpan(ctx, "DestroyKeyMaterial",
		attribute.String("ca_id", req.CAID), attribute.String("certificate_id", req.CertificateID))
	defer func() { endSpan(span, err) }()

	entry := audit.Entry{Event: audit.EventKeysDestroyed, CAID: req.CAID, CertID: req.CertificateID, Reason: req.Reason.String()}
	defer func() { s.record(ctx, entry, err) }()

	if err := req.Validate(); err != nil {
		return err
	}
	ca, err := s.GetCA(ctx, req.CAID)
	if err != nil {
		return err
	}

	if req.CertificateID == "" {
		entry.Subject = ca.Subject
		if err := s.destroyHandles(ctx, ca.KeyHandles, req.Reason); err != nil {
			return err
		}
		if ca.KeysDestroyed {
			return nil
		}
		ca.KeysDestroyed = true
		if err := s.store.UpdateCA(ctx, ca); err != nil {
			return fmt.Errorf("updating CA %s: %w", ca.ID, err)
		}
		s.logger.WarnContext(ctx, "CA key material destroyed", "ca_id", ca.ID)
		return nil
	}

	cert, err := s.GetCertificate(ctx, req.CAID, req.CertificateID)
	if err != nil {
		return err
	}
	entry.Subject, entry.SerialNumber = cert.Subject, cert.SerialNumber
	switch {
	case cert.IsCA:
		return fmt.Errorf("%w: certificate %s belongs to a CA; destroy through the CA", pki.ErrValidation, cert.ID)
	case cert.KeyHandles == nil:
		return fmt.Errorf("%w: certificate %s has no custody-held key", pki.ErrValidation, cert.ID)
	}
	if err := s.destroyHandles(ctx, *cert.KeyHandles, req.Reason); err != nil {
		return err
	}
	if cert.KeysDestroyed {
		return nil
	}
	cert.KeysDestroyed = true
	if err := s.store.UpdateCertificate(ctx, cert); err != nil {
		return fmt.Errorf("updating certificate %s: %w", cert.ID, err)
	}
	s.logger.InfoContext(ctx, "certificate key material destroyed", "ca_id", req.CAID, "certificate_id", cert.ID)
	return nil
}

// DestroyHandles revokes and destroys a key pair no record refers to, such
// as one orphaned by an abandoned request.
func (s *Service) DestroyHandles(ctx context.Context, handles custody.KeyPairHandles, reason pki.RevocationReason) error {
	return s.destroyHandles(ctx, handles, reason)
}

// destroyHandles runs Revoke then Destroy on every handle. Objects that
// are already deactivated, destroyed or unknown count as done.
func (s *Service) destroyHandles(ctx context.Context, handles custody.KeyPairHandles, reason pki.RevocationReason) error {
	code := custody.RevocationReasonFor(reason)
	for _, id := range handles.IDs() {
		rreq := custody.RevokeRequest{ID: id, Reason: code}
		if code.Compromised() {
			rreq.CompromiseDate = s.now().UTC()
		}
		err := s.custody.Revoke(ctx, rreq)
		if err != nil && !custody.HasReason(err, custody.ReasonWrongKeyState) && !custody.HasReason(err, custody.ReasonItemNotFound) {
			return s.custodyFailure(ctx, "revoking key", err)
		}
		if err := s.custody.Destroy(ctx, id); err != nil && !custody.HasReason(err, custody.ReasonItemNotFound) {
			return s.custodyFailure(ctx, "destroying key", err)
		}
	}
	s.metrics.keyPairDestroyed(ctx)
	return nil
}
