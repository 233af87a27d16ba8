package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	bolt "go.etcd.io/bbolt"

	"github.com/jmcleod/ironca/audit"
	"github.com/jmcleod/ironca/ca"
	"github.com/jmcleod/ironca/config"
	"github.com/jmcleod/ironca/custody"
	"github.com/jmcleod/ironca/storage"
	boltstorage "github.com/jmcleod/ironca/storage/bbolt"
	"github.com/jmcleod/ironca/storage/memory"
)

var auditLogPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&auditLogPath, "audit-log", "", "Append hash-chained audit entries to this JSON lines file")
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// runtime is the wiring shared by commands that drive the issuance service.
type runtime struct {
	svc     *ca.Service
	store   storage.Store
	closers []func() error
}

func (r *runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}

func openStore(fs afero.Fs, c *config.Config) (storage.Store, func() error, error) {
	switch c.Storage.Driver {
	case config.DriverMemory:
		return memory.NewStore(), func() error { return nil }, nil
	case config.DriverBolt:
		if err := fs.MkdirAll(filepath.Dir(c.Storage.Path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		backend, err := boltstorage.Open(c.Storage.Path, &bolt.Options{Timeout: 5 * time.Second})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open record store: %w", err)
		}
		return storage.New(backend), backend.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
}

// openAudit returns the audit sink. Entries always go to the structured
// log; with path set they are also appended to a hash-chained JSON log,
// continuing the chain of the existing file.
func openAudit(fs afero.Fs, path string, l *slog.Logger) (audit.Sink, func() error, error) {
	writers := []audit.Writer{audit.NewLogWriter(l)}
	closeFile := func() error { return nil }
	if path != "" {
		if err := fs.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
		f, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		jw := audit.NewJSONWriter(f)
		if err := resumeChain(fs, path, jw); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("audit log %s: %w", path, err)
		}
		writers = append(writers, jw)
		closeFile = f.Close
	}
	q := audit.NewQueue(audit.MultiWriter(writers...), 0, l)
	closeAll := func() error {
		q.Close()
		if n := q.Dropped(); n > 0 {
			l.Warn("audit entries dropped", "count", n)
		}
		return closeFile()
	}
	return audit.NewRecorder(q, audit.WithLogger(l)), closeAll, nil
}

func resumeChain(fs afero.Fs, path string, jw *audit.JSONWriter) error {
	r, err := fs.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()
	return jw.Resume(r)
}

// newRuntime connects to the custody authority and opens the record
// store and audit sink described by c.
func newRuntime(fs afero.Fs, c *config.Config, l *slog.Logger) (*runtime, error) {
	rt := &runtime{}
	store, closeStore, err := openStore(fs, c)
	if err != nil {
		return nil, err
	}
	rt.store = store
	rt.closers = append(rt.closers, closeStore)

	sink, closeAudit, err := openAudit(fs, auditLogPath, l)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, closeAudit)

	opts, err := c.ServiceOptions(l)
	if err != nil {
		rt.Close()
		return nil, err
	}
	opts = append(opts, ca.WithAudit(sink))

	client := custody.NewClient(c.Transport(), c.ClientOptions(l)...)
	rt.svc = ca.New(store, client, opts...)
	return rt, nil
}
