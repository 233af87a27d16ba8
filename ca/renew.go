package ca

import (
	"context"
	"crypto"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jmcleod/ironca/audit"
	"github.com/jmcleod/ironca/custody"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
)

// RenewRequest re-issues a certificate with a new serial. Without
// GenerateNewKey the caller names the key to certify through PublicKey or
// KeyHandles; the previous key is never assumed.
type RenewRequest struct {
	CAID           string
	CertificateID  string
	GenerateNewKey bool
	// KeyAlgorithm applies to a new key. It defaults to the previous
	// certificate's algorithm.
	KeyAlgorithm pki.KeyAlgorithm
	PublicKey    crypto.PublicKey
	KeyHandles   *custody.KeyPairHandles
	// ValidityDays defaults to the previous certificate's lifetime.
	ValidityDays int
	// RevokePrevious revokes the old certificate with reason superseded.
	RevokePrevious bool
}

// RenewCertificate issues a successor for a certificate, carrying over its
// subject and extensions, and marks the predecessor superseded.
func (s *Service) RenewCertificate(ctx context.Context, req RenewRequest) (res *IssueResult, err error) {
	ctx, span := s.startSpan(ctx, "RenewCertificate",
		attribute.String("ca_id", req.CAID), attribute.String("certificate_id", req.CertificateID))
	defer func() { endSpan(span, err) }()

	entry := audit.Entry{
		Event: audit.EventCertRenewed,
		CAID:  req.CAID,
		Attrs: map[string]string{"previous_certificate_id": req.CertificateID},
	}
	defer func() { s.record(ctx, entry, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !req.GenerateNewKey && req.PublicKey == nil && req.KeyHandles == nil {
		return nil, ErrPublicKeyRequired
	}

	old, err := s.GetCertificate(ctx, req.CAID, req.CertificateID)
	if err != nil {
		return nil, err
	}
	switch {
	case old.IsCA:
		return nil, fmt.Errorf("%w: certificate %s belongs to a CA", pki.ErrValidation, old.ID)
	case old.Status == storage.StatusRevoked:
		return nil, fmt.Errorf("%w: certificate %s is revoked", pki.ErrValidation, old.ID)
	case old.SupersededBy != "":
		return nil, fmt.Errorf("%w: certificate %s was already renewed by %s", pki.ErrValidation, old.ID, old.SupersededBy)
	}
	prev, err := pki.ParseCertificate([]byte(old.PEM))
	if err != nil {
		return nil, fmt.Errorf("certificate %s: %w", old.ID, err)
	}
	entry.Subject = prev.Subject.String()

	now := s.now().UTC()
	iss, err := s.loadIssuer(ctx, req.CAID, now)
	if err != nil {
		return nil, err
	}

	var key *subjectKey
	if req.GenerateNewKey {
		alg := req.KeyAlgorithm
		if alg == pki.KeyAlgorithmUnknown {
			alg = old.KeyAlgorithm
		}
		key, err = s.resolveSubjectKey(ctx, alg, nil, nil, "")
	} else {
		key, err = s.resolveSubjectKey(ctx, req.KeyAlgorithm, req.PublicKey, req.KeyHandles, "")
	}
	if err != nil {
		return nil, err
	}
	defer key.cleanup(ctx, s, &err)

	days := req.ValidityDays
	var notAfter time.Time
	if days <= 0 {
		notAfter = now.Add(prev.NotAfter.Sub(prev.NotBefore))
	}
	exts := prev.Extensions
	exts.SubjectKeyID, exts.AuthorityKeyID = true, true

	res, err = s.issue(ctx, &issuance{
		kind:       "renewal",
		issuer:     iss,
		subject:    prev.Subject,
		key:        key,
		notAfter:   notAfter,
		days:       days,
		now:        now,
		extensions: exts,
	})
	if err != nil {
		return nil, err
	}
	entry.CertID, entry.SerialNumber = res.Record.ID, res.Record.SerialNumber

	// The successor is stored; failures from here on leave it in place and
	// are reported to the caller.
	if err := s.store.Supersede(ctx, req.CAID, old.ID, res.Record.ID); err != nil {
		return res, fmt.Errorf("superseding certificate %s: %w", old.ID, err)
	}
	res.Record.Supersedes = old.ID

	if req.RevokePrevious {
		if _, err := s.RevokeCertificate(ctx, RevokeRequest{
			CAID:          req.CAID,
			CertificateID: old.ID,
			Reason:        pki.ReasonSuperseded,
		}); err != nil {
			return res, fmt.Errorf("revoking certificate %s: %w", old.ID, err)
		}
	}
	return res, nil
}
