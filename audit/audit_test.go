package audit_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/audit"
	"github.com/jmcleod/ironca/internal/uuid"
)

type memoryWriter struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memoryWriter) Write(_ context.Context, e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memoryWriter) all() []audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Entry(nil), m.entries...)
}

func TestRecorder_FillsEntry(t *testing.T) {
	now := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	w := &memoryWriter{}
	r := audit.NewRecorder(w, audit.WithClock(func() time.Time { return now }))

	id := r.Record(t.Context(), audit.Entry{Event: audit.EventCertIssued, CAID: "ca-1", SerialNumber: "01"})
	assert.True(t, uuid.Valid(id))

	entries := w.all()
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.Equal(t, now, entries[0].Time)
	assert.Equal(t, audit.OutcomeSuccess, entries[0].Outcome)

	id = r.Record(t.Context(), audit.Entry{ID: "fixed", Event: audit.EventCRLGenerated, Outcome: audit.OutcomeFailure})
	assert.Equal(t, "fixed", id)
	assert.Equal(t, audit.OutcomeFailure, w.all()[1].Outcome)
}

func TestRecorder_SwallowsWriterFailure(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	failing := audit.WriterFunc(func(context.Context, audit.Entry) error { return errors.New("disk full") })
	r := audit.NewRecorder(failing, audit.WithLogger(logger))

	id := r.Record(t.Context(), audit.Entry{Event: audit.EventCertRevoked})
	assert.NotEmpty(t, id)
	assert.Contains(t, logs.String(), "disk full")
	assert.Contains(t, logs.String(), "component=audit")

	assert.NotEmpty(t, audit.Discard.Record(t.Context(), audit.Entry{Event: audit.EventCACreated}))
}

func TestQueue_DeliversInOrder(t *testing.T) {
	w := &memoryWriter{}
	q := audit.NewQueue(w, 16, nil)
	for i := range 10 {
		require.NoError(t, q.Write(t.Context(), audit.Entry{ID: string(rune('a' + i))}))
	}
	q.Close()

	entries := w.all()
	require.Len(t, entries, 10)
	assert.Equal(t, "a", entries[0].ID)
	assert.Equal(t, "j", entries[9].ID)
	assert.Equal(t, int64(0), q.Dropped())

	assert.ErrorIs(t, q.Write(t.Context(), audit.Entry{}), audit.ErrQueueFull)
	q.Close()
}

func TestQueue_DropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	blocking := audit.WriterFunc(func(context.Context, audit.Entry) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	q := audit.NewQueue(blocking, 1, nil)

	require.NoError(t, q.Write(t.Context(), audit.Entry{ID: "1"}))
	<-started
	require.NoError(t, q.Write(t.Context(), audit.Entry{ID: "2"}))

	start := time.Now()
	err := q.Write(t.Context(), audit.Entry{ID: "3"})
	assert.ErrorIs(t, err, audit.ErrQueueFull)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int64(1), q.Dropped())

	close(release)
	q.Close()
}

func TestLogWriter(t *testing.T) {
	var buf bytes.Buffer
	w := audit.NewLogWriter(slog.New(slog.NewJSONHandler(&buf, nil)))
	err := w.Write(t.Context(), audit.Entry{
		ID:           "e1",
		Event:        audit.EventCertRevoked,
		Outcome:      audit.OutcomeSuccess,
		Time:         time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		SerialNumber: "0a",
		Reason:       "keyCompromise",
		Attrs:        map[string]string{"immediate": "true"},
	})
	require.NoError(t, err)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "audit", rec["msg"])
	assert.Equal(t, "cert_revoked", rec["event"])
	assert.Equal(t, "2025-01-02T03:04:05Z", rec["timestamp"])
	assert.Equal(t, "keyCompromise", rec["reason"])
	assert.NotContains(t, rec, "ca_id")
	assert.Equal(t, map[string]any{"immediate": "true"}, rec["attrs"])
}

func TestJSONWriterAndMulti(t *testing.T) {
	var buf bytes.Buffer
	jw := audit.NewJSONWriter(&buf)
	mem := &memoryWriter{}
	failing := audit.WriterFunc(func(context.Context, audit.Entry) error { return errors.New("boom") })

	err := audit.MultiWriter(jw, mem, failing).Write(t.Context(), audit.Entry{ID: "x", Event: audit.EventKeysDestroyed})
	assert.EqualError(t, err, "boom")
	assert.Len(t, mem.all(), 1)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var got audit.Entry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
	assert.Equal(t, audit.EventKeysDestroyed, got.Event)
}
