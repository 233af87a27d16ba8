package ca

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jmcleod/ironca/audit"
	"github.com/jmcleod/ironca/pki"
)

const (
	// DefaultCertificateValidityDays applies to end-entity certificates
	// issued without an explicit validity.
	DefaultCertificateValidityDays = 365
	// DefaultCAValidityYears applies to CA certificates.
	DefaultCAValidityYears = 10
)

// SigningPolicy selects where CA signatures are computed.
type SigningPolicy int

const (
	// SigningRemote asks the custody authority to sign every digest. The
	// private key never leaves custody.
	SigningRemote SigningPolicy = iota
	// SigningLocal exports the CA key through the authority's authorised
	// export path and signs in process. The PKCS#8 encoding lives in a
	// locked buffer for the duration of one signature; the parsed key does
	// not.
	SigningLocal
)

func (p SigningPolicy) String() string {
	if p == SigningLocal {
		return "local"
	}
	return "remote"
}

// ParseSigningPolicy parses "remote" or "local".
func ParseSigningPolicy(s string) (SigningPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "remote":
		return SigningRemote, nil
	case "local":
		return SigningLocal, nil
	default:
		return SigningRemote, fmt.Errorf("%w: unknown signing policy %q", pki.ErrValidation, s)
	}
}

// Option configures a Service.
type Option func(*Service)

// WithAudit sets the audit sink. Default: audit.Discard.
func WithAudit(sink audit.Sink) Option {
	return func(s *Service) {
		s.audit = sink
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithTracerProvider sets the provider for verb spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) {
		s.tracer = tp.Tracer(instrumentationName)
	}
}

// WithMeterProvider sets the provider for issuance counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) {
		s.meterProvider = mp
	}
}

// WithSigningPolicy selects remote or local signing. Default:
// SigningRemote.
func WithSigningPolicy(p SigningPolicy) Option {
	return func(s *Service) {
		s.policy = p
	}
}

// WithDefaultKeyAlgorithm sets the algorithm used when a request names
// none. Default: ECDSA-P256.
func WithDefaultKeyAlgorithm(alg pki.KeyAlgorithm) Option {
	return func(s *Service) {
		s.defaultKeyAlgorithm = alg
	}
}

// WithCertificateValidity sets the default end-entity validity in days.
func WithCertificateValidity(days int) Option {
	return func(s *Service) {
		if days > 0 {
			s.certValidityDays = days
		}
	}
}

// WithCAValidity sets the default CA validity in years.
func WithCAValidity(years int) Option {
	return func(s *Service) {
		if years > 0 {
			s.caValidityYears = years
		}
	}
}

// WithCRLValidity sets the distance between a CRL's thisUpdate and
// nextUpdate.
func WithCRLValidity(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.crlValidity = d
		}
	}
}
