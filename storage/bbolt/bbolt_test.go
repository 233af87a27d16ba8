package bbolt

import (
	"errors"
	"path/filepath"
	"testing"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/ironca/storage"
)

func newTestDB(t *testing.T) *bbolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ironca-test.db")
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBBoltBackend(t *testing.T) {
	b := New(newTestDB(t))
	scope := "ca-1"
	recordType := "cert"
	recordID := "c1"
	rec := &storage.Record{Version: 1, Data: []byte(`{"id":"c1"}`)}

	t.Run("PutGet", func(t *testing.T) {
		if err := b.Put(scope, recordType, recordID, rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := b.Get(scope, recordType, recordID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Version != rec.Version || string(got.Data) != string(rec.Data) {
			t.Errorf("unexpected record %+v", got)
		}
	})

	t.Run("List", func(t *testing.T) {
		b.Put(scope, recordType, "c2", rec)
		b.Put(scope, "serial", "01", rec)
		ids, err := b.List(scope, recordType)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(ids) != 2 {
			t.Errorf("expected 2 IDs, got %v", ids)
		}
	})

	t.Run("PutCAS create-only", func(t *testing.T) {
		if err := b.PutCAS(scope, recordType, "cas1", 0, rec); err != nil {
			t.Fatalf("PutCAS (new) failed: %v", err)
		}
		if err := b.PutCAS(scope, recordType, "cas1", 0, rec); err != storage.ErrCASFailed {
			t.Errorf("expected ErrCASFailed, got %v", err)
		}
	})

	t.Run("PutCAS version match", func(t *testing.T) {
		b.Put(scope, recordType, "cas2", &storage.Record{Version: 1, Data: []byte("v1")})
		if err := b.PutCAS(scope, recordType, "cas2", 1, &storage.Record{Version: 2, Data: []byte("v2")}); err != nil {
			t.Fatalf("PutCAS (version match) failed: %v", err)
		}
		got, _ := b.Get(scope, recordType, "cas2")
		if got.Version != 2 {
			t.Errorf("expected version 2, got %d", got.Version)
		}
	})

	t.Run("PutCAS version mismatch", func(t *testing.T) {
		b.Put(scope, recordType, "cas3", &storage.Record{Version: 5})
		if err := b.PutCAS(scope, recordType, "cas3", 3, &storage.Record{Version: 6}); err != storage.ErrCASFailed {
			t.Errorf("expected ErrCASFailed, got %v", err)
		}
	})

	t.Run("PutCAS non-zero on missing record", func(t *testing.T) {
		if err := b.PutCAS(scope, recordType, "cas-missing", 1, rec); err != storage.ErrCASFailed {
			t.Errorf("expected ErrCASFailed for non-zero version on missing record, got %v", err)
		}
	})

	t.Run("Get Errors", func(t *testing.T) {
		if _, err := b.Get("nonexistent-scope", recordType, recordID); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for nonexistent scope, got %v", err)
		}
		if _, err := b.Get(scope, recordType, "nonexistent-record"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for nonexistent record, got %v", err)
		}
	})

	t.Run("List Nonexistent Scope", func(t *testing.T) {
		ids, err := b.List("nonexistent-scope", recordType)
		if err != nil {
			t.Errorf("expected no error for nonexistent scope in List, got %v", err)
		}
		if len(ids) != 0 {
			t.Errorf("expected 0 ids, got %d", len(ids))
		}
	})

	t.Run("List handles non-matching shorter keys without panic", func(t *testing.T) {
		if err := b.Put(scope, "c", "", rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		ids, err := b.List(scope, recordType)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		for _, id := range ids {
			if id == "" {
				t.Fatal("unexpected empty ID from non-matching key prefix")
			}
		}
	})
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "open.db")
	b, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer b.Close()
	if b.db == nil {
		t.Error("b.db is nil")
	}

	if _, err := Open("/nonexistent/path/to/db", nil); err == nil {
		t.Error("expected error for invalid path")
	}
}

func TestBBoltBatch(t *testing.T) {
	b := New(newTestDB(t))
	scope := "ca-1"

	t.Run("atomic batch write", func(t *testing.T) {
		err := b.Batch(scope, func(tx storage.BatchTx) error {
			if err := tx.Put("cert", "b1", &storage.Record{Data: []byte("a")}); err != nil {
				return err
			}
			if err := tx.PutCAS("crl-head", "latest", 0, &storage.Record{Version: 1}); err != nil {
				return err
			}
			head, err := tx.Get("crl-head", "latest")
			if err != nil {
				return err
			}
			return tx.PutCAS("crl-head", "latest", head.Version, &storage.Record{Version: 2})
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		got, err := b.Get(scope, "crl-head", "latest")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Version != 2 {
			t.Errorf("expected version 2, got %d", got.Version)
		}
	})

	t.Run("batch rollback on error", func(t *testing.T) {
		err := b.Batch(scope, func(tx storage.BatchTx) error {
			tx.Put("cert", "rollback-test", &storage.Record{Data: []byte("should-not-exist")})
			return storage.ErrCASFailed
		})
		if err != storage.ErrCASFailed {
			t.Fatalf("expected ErrCASFailed, got %v", err)
		}
		if _, err := b.Get(scope, "cert", "rollback-test"); err == nil {
			t.Error("expected record to not exist after rollback")
		}
	})

	t.Run("cross-scope batch", func(t *testing.T) {
		err := b.Batch("authorities", func(tx storage.BatchTx) error {
			if err := tx.Put("ca", "ca-2", &storage.Record{Version: 1}); err != nil {
				return err
			}
			other, err := tx.Scope("ca-2")
			if err != nil {
				return err
			}
			return other.PutCAS("cert", "c2", 0, &storage.Record{Version: 1})
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		if _, err := b.Get("ca-2", "cert", "c2"); err != nil {
			t.Errorf("expected c2 in scope ca-2: %v", err)
		}

		err = b.Batch("authorities", func(tx storage.BatchTx) error {
			if err := tx.Put("ca", "ca-3", &storage.Record{Version: 1}); err != nil {
				return err
			}
			other, err := tx.Scope("ca-2")
			if err != nil {
				return err
			}
			return other.PutCAS("cert", "c2", 0, &storage.Record{Version: 1})
		})
		if !errors.Is(err, storage.ErrCASFailed) {
			t.Fatalf("expected ErrCASFailed, got %v", err)
		}
		if _, err := b.Get("authorities", "ca", "ca-3"); err == nil {
			t.Error("expected ca-3 to not exist after rollback")
		}
	})
}
