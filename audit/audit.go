// Package audit records security-relevant actions of the issuance
// engine. Recording is fire-and-forget: a Sink never fails or blocks the
// operation it describes.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmcleod/ironca/internal/uuid"
)

// Event identifies the type of action being recorded.
type Event string

const (
	EventCACreated          Event = "ca_created"
	EventCertIssued         Event = "cert_issued"
	EventCSRSigned          Event = "csr_signed"
	EventCertRenewed        Event = "cert_renewed"
	EventCertRevoked        Event = "cert_revoked"
	EventCRLGenerated       Event = "crl_generated"
	EventKeysDestroyed      Event = "keys_destroyed"
	EventPrivateKeyAccessed Event = "private_key_accessed"
)

// Outcome is the result of the recorded action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Entry is one audit record. Entries never carry key material.
type Entry struct {
	ID           string            `json:"id"`
	Time         time.Time         `json:"time"`
	Event        Event             `json:"event"`
	Outcome      Outcome           `json:"outcome"`
	CAID         string            `json:"ca_id,omitempty"`
	CertID       string            `json:"certificate_id,omitempty"`
	SerialNumber string            `json:"serial_number,omitempty"`
	Subject      string            `json:"subject,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Attrs        map[string]string `json:"attrs,omitempty"`
	// PrevHash links the entry to its predecessor in a JSON log.
	PrevHash string `json:"prev_hash,omitempty"`
}

// Sink accepts audit entries. Record returns the entry's identifier and
// must not block on slow storage or report failure.
type Sink interface {
	Record(ctx context.Context, e Entry) string
}

// Writer persists entries. Errors are handled by the Recorder.
type Writer interface {
	Write(ctx context.Context, e Entry) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, e Entry) error

func (f WriterFunc) Write(ctx context.Context, e Entry) error { return f(ctx, e) }

// Recorder is the Sink used by the service. It assigns identifiers and
// timestamps and swallows writer failures after logging them.
type Recorder struct {
	w      Writer
	logger *slog.Logger
	now    func() time.Time
}

var _ Sink = (*Recorder)(nil)

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithLogger sets the logger used for writer failures.
func WithLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = logger }
}

// WithClock overrides the entry timestamp source.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder returns a Recorder writing to w.
func NewRecorder(w Writer, opts ...RecorderOption) *Recorder {
	r := &Recorder{w: w, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "audit")
	return r
}

// Record implements Sink.
func (r *Recorder) Record(ctx context.Context, e Entry) string {
	if e.ID == "" {
		e.ID = uuid.New()
	}
	if e.Time.IsZero() {
		e.Time = r.now().UTC()
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	if r.w == nil {
		return e.ID
	}
	if err := r.w.Write(ctx, e); err != nil {
		r.logger.WarnContext(ctx, "audit write failed", "event", string(e.Event), "entry_id", e.ID, "error", err)
	}
	return e.ID
}

// Discard is a Sink that drops every entry.
var Discard Sink = NewRecorder(nil)
