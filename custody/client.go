package custody

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const instrumentationName = "github.com/jmcleod/ironca/custody"

// Client issues protocol requests over a Transport. It is safe for
// concurrent use; each call is an independent request/response unit.
type Client struct {
	transport Transport
	limiter   *rate.Limiter
	tracer    trace.Tracer
	logger    *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRateLimit caps the request rate sent to the authority.
func WithRateLimit(limit rate.Limit, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(limit, burst) }
}

// WithTracerProvider sets the tracer provider used for request spans.
func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *Client) { c.tracer = tp.Tracer(instrumentationName) }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient returns a client for t. Without WithRateLimit requests are
// not throttled.
func NewClient(t Transport, opts ...ClientOption) *Client {
	c := &Client{
		transport: t,
		limiter:   rate.NewLimiter(rate.Inf, 0),
		tracer:    otel.Tracer(instrumentationName),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "custody-client")
	return c
}

// do sends one request and returns the response payload of a successful
// reply.
func (c *Client) do(ctx context.Context, op Operation, payload []Item) (Item, error) {
	ctx, span := c.tracer.Start(ctx, "custody."+op.String(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("custody.operation", op.String())),
	)
	defer span.End()

	resp, err := c.roundTrip(ctx, op, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Item{}, err
	}
	return resp.Payload, nil
}

func (c *Client) roundTrip(ctx context.Context, op Operation, payload []Item) (Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Response{}, unavailable(op, err)
	}
	req, err := NewRequest(op, payload...).Marshal()
	if err != nil {
		return Response{}, fmt.Errorf("encoding %s request: %w", op, err)
	}
	start := time.Now()
	raw, err := c.transport.RoundTrip(ctx, req)
	if err != nil {
		c.logger.WarnContext(ctx, "custody request failed", "operation", op.String(), "error", err)
		return Response{}, unavailable(op, err)
	}
	resp, err := ParseResponse(raw)
	if err != nil {
		return Response{}, unavailable(op, err)
	}
	if resp.Operation != 0 && resp.Operation != op {
		return Response{}, unavailable(op, fmt.Errorf("%w: response for %s", ErrMalformedMessage, resp.Operation))
	}
	if err := resp.Err(); err != nil {
		if ce, ok := err.(*Error); ok {
			ce.Operation = op
		}
		c.logger.DebugContext(ctx, "custody request rejected", "operation", op.String(),
			"reason", resp.Reason.String(), "message", resp.Message)
		return Response{}, err
	}
	c.logger.DebugContext(ctx, "custody request completed", "operation", op.String(),
		"duration", time.Since(start))
	return resp, nil
}

// CreateKeyPair creates a key pair and returns its handles.
func (c *Client) CreateKeyPair(ctx context.Context, req CreateKeyPairRequest) (KeyPairHandles, error) {
	payload, err := c.do(ctx, OpCreateKeyPair, req.Payload())
	if err != nil {
		return KeyPairHandles{}, err
	}
	h, err := ParseKeyPairHandles(payload)
	if err != nil {
		return KeyPairHandles{}, unavailable(OpCreateKeyPair, err)
	}
	return h, nil
}

// GetObject retrieves a managed object.
func (c *Client) GetObject(ctx context.Context, req GetRequest) (Object, error) {
	payload, err := c.do(ctx, OpGet, req.Payload())
	if err != nil {
		return Object{}, err
	}
	obj, err := ParseObject(payload)
	if err != nil {
		return Object{}, unavailable(OpGet, err)
	}
	return obj, nil
}

// GetPublicKey retrieves and parses a public key object.
func (c *Client) GetPublicKey(ctx context.Context, id string) (crypto.PublicKey, error) {
	obj, err := c.GetObject(ctx, GetRequest{ID: id, Format: FormatX509})
	if err != nil {
		return nil, err
	}
	if obj.Type != ObjectPublicKey {
		return nil, fmt.Errorf("custody object %s is a %s, not a public key", id, obj.Type)
	}
	pub, err := x509.ParsePKIXPublicKey(obj.Material)
	if err != nil {
		return nil, fmt.Errorf("parsing custody public key %s: %w", id, err)
	}
	return pub, nil
}

// GetCertificate retrieves and parses a certificate object.
func (c *Client) GetCertificate(ctx context.Context, id string) (*x509.Certificate, error) {
	obj, err := c.GetObject(ctx, GetRequest{ID: id, Format: FormatX509})
	if err != nil {
		return nil, err
	}
	if obj.Type != ObjectCertificate {
		return nil, fmt.Errorf("custody object %s is a %s, not a certificate", id, obj.Type)
	}
	return x509.ParseCertificate(obj.Material)
}

// ExportPrivateKey retrieves a private key through the authority's
// export path. The caller owns the returned PKCS#8 bytes and should wipe
// them after use.
func (c *Client) ExportPrivateKey(ctx context.Context, id string) ([]byte, error) {
	obj, err := c.GetObject(ctx, GetRequest{ID: id, Format: FormatPKCS8})
	if err != nil {
		return nil, err
	}
	if obj.Type != ObjectPrivateKey || obj.Format != FormatPKCS8 {
		return nil, fmt.Errorf("custody object %s is not an exportable private key", id)
	}
	return obj.Material, nil
}

// Certify asks the authority to sign a digest with a held private key.
func (c *Client) Certify(ctx context.Context, req CertifyRequest) ([]byte, error) {
	payload, err := c.do(ctx, OpCertify, req.Payload())
	if err != nil {
		return nil, err
	}
	resp, err := ParseCertifyResponse(payload)
	if err != nil {
		return nil, unavailable(OpCertify, err)
	}
	return resp.Signature, nil
}

// Revoke revokes a managed object.
func (c *Client) Revoke(ctx context.Context, req RevokeRequest) error {
	_, err := c.do(ctx, OpRevoke, req.Payload())
	return err
}

// Destroy destroys a managed object.
func (c *Client) Destroy(ctx context.Context, id string) error {
	_, err := c.do(ctx, OpDestroy, IDPayload(id))
	return err
}
