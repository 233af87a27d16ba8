// Package memory provides a thread-safe in-memory implementation of
// storage.Backend.
package memory

import (
	"sort"
	"strings"
	"sync"

	"github.com/jmcleod/ironca/storage"
)

// Backend is a thread-safe in-memory implementation of storage.Backend.
// Suitable for testing, demos, and single-process use cases.
type Backend struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Record
}

var _ storage.Backend = (*Backend)(nil)

// New creates a new empty in-memory Backend.
func New() *Backend {
	return &Backend{data: make(map[string]map[string]*storage.Record)}
}

// NewStore returns a storage.Store kept entirely in memory.
func NewStore() *storage.RecordStore {
	return storage.New(New())
}

func makeKey(recordType, recordID string) string {
	return recordType + ":" + recordID
}

func (b *Backend) Put(scope, recordType, recordID string, rec *storage.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.putLocked(scope, recordType, recordID, rec)
}

func (b *Backend) putLocked(scope, recordType, recordID string, rec *storage.Record) error {
	if _, ok := b.data[scope]; !ok {
		b.data[scope] = make(map[string]*storage.Record)
	}
	b.data[scope][makeKey(recordType, recordID)] = rec.Clone()
	return nil
}

func (b *Backend) Get(scope, recordType, recordID string) (*storage.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.getLocked(scope, recordType, recordID)
}

func (b *Backend) getLocked(scope, recordType, recordID string) (*storage.Record, error) {
	rec, ok := b.data[scope][makeKey(recordType, recordID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec.Clone(), nil
}

// List returns the record IDs of recordType in scope, sorted.
func (b *Backend) List(scope, recordType string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var ids []string
	prefix := recordType + ":"
	for k := range b.data[scope] {
		if id, ok := strings.CutPrefix(k, prefix); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *Backend) PutCAS(scope, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.putCASLocked(scope, recordType, recordID, expectedVersion, rec)
}

func (b *Backend) putCASLocked(scope, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	existing, err := b.getLocked(scope, recordType, recordID)
	if err != nil {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		return b.putLocked(scope, recordType, recordID, rec)
	}
	if expectedVersion == 0 || existing.Version != expectedVersion {
		return storage.ErrCASFailed
	}
	return b.putLocked(scope, recordType, recordID, rec)
}

// Batch executes fn within a batch transaction. On error, all writes are
// rolled back in every scope the batch touched.
func (b *Backend) Batch(scope string, fn func(tx storage.BatchTx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshots := make(map[string]map[string]*storage.Record)
	tx := b.batchTx(scope, snapshots)
	if err := fn(tx); err != nil {
		for s, snapshot := range snapshots {
			b.restoreScope(s, snapshot)
		}
		return err
	}
	return nil
}

func (b *Backend) batchTx(scope string, snapshots map[string]map[string]*storage.Record) *memoryBatchTx {
	if _, ok := snapshots[scope]; !ok {
		snapshots[scope] = b.snapshotScope(scope)
	}
	return &memoryBatchTx{backend: b, scope: scope, snapshots: snapshots}
}

func (b *Backend) snapshotScope(scope string) map[string]*storage.Record {
	original, ok := b.data[scope]
	if !ok {
		return nil
	}
	cp := make(map[string]*storage.Record, len(original))
	for k, v := range original {
		cp[k] = v.Clone()
	}
	return cp
}

func (b *Backend) restoreScope(scope string, snapshot map[string]*storage.Record) {
	if snapshot == nil {
		delete(b.data, scope)
	} else {
		b.data[scope] = snapshot
	}
}

type memoryBatchTx struct {
	backend   *Backend
	scope     string
	snapshots map[string]map[string]*storage.Record
}

func (tx *memoryBatchTx) Scope(scope string) (storage.BatchTx, error) {
	return tx.backend.batchTx(scope, tx.snapshots), nil
}

func (tx *memoryBatchTx) Get(recordType, recordID string) (*storage.Record, error) {
	return tx.backend.getLocked(tx.scope, recordType, recordID)
}

func (tx *memoryBatchTx) Put(recordType, recordID string, rec *storage.Record) error {
	return tx.backend.putLocked(tx.scope, recordType, recordID, rec)
}

func (tx *memoryBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return tx.backend.putCASLocked(tx.scope, recordType, recordID, expectedVersion, rec)
}
