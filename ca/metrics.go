package ca

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// metrics holds the service counters. Instruments that fail to register
// fall back to no-ops.
type metrics struct {
	issued          metric.Int64Counter
	revoked         metric.Int64Counter
	crls            metric.Int64Counter
	keysDestroyed   metric.Int64Counter
	custodyFailures metric.Int64Counter
}

func newMetrics(meter metric.Meter, logger *slog.Logger) *metrics {
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Warn("registering counter", "name", name, "error", err)
			c, _ = noop.NewMeterProvider().Meter(instrumentationName).Int64Counter(name)
		}
		return c
	}
	return &metrics{
		issued:          counter("ironca.certificates.issued", "The total number of certificates issued"),
		revoked:         counter("ironca.certificates.revoked", "The total number of certificates revoked"),
		crls:            counter("ironca.crls.generated", "The total number of CRLs published"),
		keysDestroyed:   counter("ironca.keys.destroyed", "The total number of custody key pairs destroyed"),
		custodyFailures: counter("ironca.custody.failures", "The total number of failed custody requests"),
	}
}

func (m *metrics) certificateIssued(ctx context.Context, caID, kind string) {
	m.issued.Add(ctx, 1, metric.WithAttributes(attribute.String("ca_id", caID), attribute.String("kind", kind)))
}

func (m *metrics) certificateRevoked(ctx context.Context, caID, reason string) {
	m.revoked.Add(ctx, 1, metric.WithAttributes(attribute.String("ca_id", caID), attribute.String("reason", reason)))
}

func (m *metrics) crlGenerated(ctx context.Context, caID string) {
	m.crls.Add(ctx, 1, metric.WithAttributes(attribute.String("ca_id", caID)))
}

func (m *metrics) keyPairDestroyed(ctx context.Context) {
	m.keysDestroyed.Add(ctx, 1)
}

func (m *metrics) custodyFailure(ctx context.Context, step string, retryable bool) {
	m.custodyFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step), attribute.Bool("retryable", retryable)))
}
