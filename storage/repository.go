// Package storage provides the persistence contract of the issuance
// engine: a record-level Backend with compare-and-swap and atomic
// batches, and the domain Store built on top of it.
package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// Record is one stored value. Version is owned by the caller and checked
// by PutCAS.
type Record struct {
	Version uint64 `json:"version,omitempty"`
	Data    []byte `json:"data"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{Version: r.Version, Data: append([]byte(nil), r.Data...)}
}

// BatchTx provides reads and writes within an atomic transaction.
// The scope is fixed by the batch, so methods don't require it.
type BatchTx interface {
	Get(recordType, recordID string) (*Record, error)
	Put(recordType, recordID string, rec *Record) error
	PutCAS(recordType, recordID string, expectedVersion uint64, rec *Record) error
	// Scope returns a view of another scope inside the same transaction.
	Scope(scope string) (BatchTx, error)
}

// Backend is the record storage a Store runs on. Records are grouped in
// scopes; every CA gets its own scope.
//
// PutCAS with expectedVersion 0 only succeeds when the record does not
// exist yet. Batch applies all writes of fn or none of them, including
// writes made through BatchTx.Scope.
type Backend interface {
	Put(scope, recordType, recordID string, rec *Record) error
	Get(scope, recordType, recordID string) (*Record, error)
	List(scope, recordType string) ([]string, error)
	PutCAS(scope, recordType, recordID string, expectedVersion uint64, rec *Record) error
	Batch(scope string, fn func(tx BatchTx) error) error
}
