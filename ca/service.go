// Package ca orchestrates certificate authorities whose private keys are
// held by a custody authority. It combines the custody client, the pki
// codecs and a storage.Store into the issuance verbs: create a CA, issue,
// renew and revoke certificates, publish CRLs and destroy key material.
//
// The service owns no locks. Serial uniqueness and CRL numbering are
// enforced by the store, so several Service values may share one store.
package ca

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jmcleod/ironca/audit"
	"github.com/jmcleod/ironca/custody"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
)

const instrumentationName = "github.com/jmcleod/ironca/ca"

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

var (
	ErrCANotFound        = errors.New("certificate authority not found")
	ErrCertNotFound      = errors.New("certificate not found")
	ErrNoCRL             = errors.New("no CRL has been generated")
	ErrCAInactive        = fmt.Errorf("%w: certificate authority cannot sign", pki.ErrValidation)
	ErrAlreadyRevoked    = fmt.Errorf("%w: certificate already revoked", pki.ErrValidation)
	ErrRemoveFromCRL     = fmt.Errorf("%w: removeFromCRL cannot revoke a certificate", pki.ErrValidation)
	ErrPublicKeyRequired = fmt.Errorf("%w: renewal without a new key needs an explicit public key or key handles", pki.ErrValidation)
	ErrKeyNotLocal       = errors.New("signing key is not a crypto.Signer")
)

// ---------------------------------------------------------------------------
// Service
// ---------------------------------------------------------------------------

// Service runs the issuance verbs. It is safe for concurrent use.
type Service struct {
	store   storage.Store
	custody *custody.Client
	audit   audit.Sink
	logger  *slog.Logger
	now     func() time.Time
	tracer  trace.Tracer
	metrics *metrics

	meterProvider metric.MeterProvider

	policy              SigningPolicy
	defaultKeyAlgorithm pki.KeyAlgorithm
	certValidityDays    int
	caValidityYears     int
	crlValidity         time.Duration
}

// New returns a Service persisting to store and holding keys through
// client.
func New(store storage.Store, client *custody.Client, opts ...Option) *Service {
	s := &Service{
		store:               store,
		custody:             client,
		audit:               audit.Discard,
		logger:              slog.Default(),
		now:                 time.Now,
		tracer:              otel.Tracer(instrumentationName),
		policy:              SigningRemote,
		defaultKeyAlgorithm: pki.ECDSAP256,
		certValidityDays:    DefaultCertificateValidityDays,
		caValidityYears:     DefaultCAValidityYears,
		crlValidity:         pki.DefaultCRLValidity,
	}
	meters := otel.GetMeterProvider()
	for _, opt := range opts {
		opt(s)
	}
	if s.meterProvider != nil {
		meters = s.meterProvider
	}
	s.metrics = newMetrics(meters.Meter(instrumentationName), s.logger)
	s.logger = s.logger.With("component", "ca")
	return s
}

// ---------------------------------------------------------------------------
// Lookups
// ---------------------------------------------------------------------------

// GetCA returns a CA record.
func (s *Service) GetCA(ctx context.Context, id string) (*storage.CARecord, error) {
	ca, err := s.store.FindCA(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCANotFound, id)
		}
		return nil, fmt.Errorf("loading CA %s: %w", id, err)
	}
	return ca, nil
}

// ListCAs returns every CA.
func (s *Service) ListCAs(ctx context.Context) ([]*storage.CARecord, error) {
	return s.store.ListCAs(ctx)
}

// GetCertificate returns a certificate issued by caID.
func (s *Service) GetCertificate(ctx context.Context, caID, id string) (*storage.CertificateRecord, error) {
	cert, err := s.store.FindCertificate(ctx, caID, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCertNotFound, id)
		}
		return nil, fmt.Errorf("loading certificate %s: %w", id, err)
	}
	return cert, nil
}

// ListCertificates returns every certificate issued by caID.
func (s *Service) ListCertificates(ctx context.Context, caID string) ([]*storage.CertificateRecord, error) {
	if _, err := s.GetCA(ctx, caID); err != nil {
		return nil, err
	}
	return s.store.ListCertificates(ctx, caID)
}

// findCertificate resolves a certificate by ID, or by serial number when
// id is empty.
func (s *Service) findCertificate(ctx context.Context, caID, id, serial string) (*storage.CertificateRecord, error) {
	if id != "" {
		return s.GetCertificate(ctx, caID, id)
	}
	cert, err := s.store.FindCertificateBySerial(ctx, caID, serial)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: serial %s", ErrCertNotFound, serial)
		}
		return nil, fmt.Errorf("loading certificate %s: %w", serial, err)
	}
	return cert, nil
}

// issuer is a CA ready to sign.
type issuer struct {
	record *storage.CARecord
	cert   *x509.Certificate
}

// loadIssuer returns the CA with its parsed certificate after checking
// that it may still sign at now.
func (s *Service) loadIssuer(ctx context.Context, caID string, now time.Time) (*issuer, error) {
	ca, err := s.GetCA(ctx, caID)
	if err != nil {
		return nil, err
	}
	switch {
	case ca.Status != storage.CAActive:
		return nil, fmt.Errorf("%w: CA %s is %s", ErrCAInactive, ca.ID, ca.Status)
	case ca.KeysDestroyed:
		return nil, fmt.Errorf("%w: CA %s keys are destroyed", ErrCAInactive, ca.ID)
	case now.After(ca.NotAfter):
		return nil, fmt.Errorf("%w: CA %s expired at %s", ErrCAInactive, ca.ID, ca.NotAfter.Format(time.RFC3339))
	}
	cert, err := pki.ParseX509Certificate([]byte(ca.CertificatePEM))
	if err != nil {
		return nil, fmt.Errorf("CA %s certificate: %w", ca.ID, err)
	}
	return &issuer{record: ca, cert: cert}, nil
}

// ---------------------------------------------------------------------------
// Observability helpers
// ---------------------------------------------------------------------------

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "ca."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// custodyFailure annotates a custody error and counts it.
func (s *Service) custodyFailure(ctx context.Context, step string, err error) error {
	if errors.Is(err, custody.ErrUnavailable) || errors.Is(err, custody.ErrRejected) {
		s.metrics.custodyFailure(ctx, step, custody.IsRetryable(err))
	}
	return fmt.Errorf("%s: %w", step, err)
}

// record sends an audit entry with the outcome implied by err.
func (s *Service) record(ctx context.Context, e audit.Entry, err error) {
	e.Outcome = audit.OutcomeSuccess
	if err != nil {
		e.Outcome = audit.OutcomeFailure
		if e.Attrs == nil {
			e.Attrs = map[string]string{}
		}
		e.Attrs["error"] = err.Error()
	}
	s.audit.Record(ctx, e)
}

// destroyOrphan removes a key pair created for a verb that then failed.
// The caller's context may already be canceled, so cleanup detaches from
// it.
func (s *Service) destroyOrphan(ctx context.Context, handles custody.KeyPairHandles) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), orphanCleanupTimeout)
	defer cancel()
	if err := s.destroyHandles(ctx, handles, pki.ReasonCessationOfOperation); err != nil {
		s.logger.WarnContext(ctx, "orphaned custody key pair left behind",
			"private_key_id", handles.PrivateKeyID, "public_key_id", handles.PublicKeyID, "error", err)
	}
}

const orphanCleanupTimeout = 30 * time.Second
