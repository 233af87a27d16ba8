package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/samber/lo"
)

// LogWriter writes entries as structured log records.
type LogWriter struct {
	logger *slog.Logger
}

// NewLogWriter returns a LogWriter on logger.
func NewLogWriter(logger *slog.Logger) *LogWriter {
	return &LogWriter{logger: logger.With("component", "audit")}
}

// Write implements Writer.
func (w *LogWriter) Write(ctx context.Context, e Entry) error {
	attrs := []slog.Attr{
		slog.String("id", e.ID),
		slog.String("event", string(e.Event)),
		slog.String("outcome", string(e.Outcome)),
		slog.String("timestamp", e.Time.UTC().Format(time.RFC3339)),
	}
	for _, a := range []struct{ key, value string }{
		{"ca_id", e.CAID},
		{"certificate_id", e.CertID},
		{"serial_number", e.SerialNumber},
		{"subject", e.Subject},
		{"reason", e.Reason},
	} {
		if a.value != "" {
			attrs = append(attrs, slog.String(a.key, a.value))
		}
	}
	if len(e.Attrs) > 0 {
		keys := lo.Keys(e.Attrs)
		slices.Sort(keys)
		group := make([]any, 0, len(keys))
		for _, k := range keys {
			group = append(group, slog.String(k, e.Attrs[k]))
		}
		attrs = append(attrs, slog.Group("attrs", group...))
	}
	w.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}

// JSONWriter appends entries as JSON lines to an io.Writer. Each line
// carries the chain hash of the line before it, starting from GenesisHash.
type JSONWriter struct {
	mu   sync.Mutex
	out  io.Writer
	prev string
}

// NewJSONWriter returns a JSONWriter starting a new chain on out.
func NewJSONWriter(out io.Writer) *JSONWriter {
	return &JSONWriter{out: out, prev: GenesisHash}
}

// Resume continues the chain of an existing log read from r.
func (w *JSONWriter) Resume(r io.Reader) error {
	entries, err := ReadLog(r)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(entries) > 0 {
		w.prev = ChainHash(entries[len(entries)-1])
	}
	return nil
}

// Write implements Writer.
func (w *JSONWriter) Write(_ context.Context, e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	e.PrevHash = w.prev
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := w.out.Write(append(line, '\n')); err != nil {
		return err
	}
	w.prev = ChainHash(e)
	return nil
}

// MultiWriter fans entries out to every writer and joins their errors.
func MultiWriter(writers ...Writer) Writer {
	return WriterFunc(func(ctx context.Context, e Entry) error {
		var errs []error
		for _, w := range writers {
			if err := w.Write(ctx, e); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
