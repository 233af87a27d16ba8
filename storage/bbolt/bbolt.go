// Package bbolt provides a BBolt-backed storage.Backend. Each scope is a
// bucket; record keys are "<type>:<id>".
package bbolt

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/ironca/storage"
)

// Backend implements storage.Backend on a BBolt database.
type Backend struct {
	db *bbolt.DB
}

var _ storage.Backend = (*Backend)(nil)

// New returns a Backend on the given BBolt database.
func New(db *bbolt.DB) *Backend {
	return &Backend{db: db}
}

// Open opens a BBolt database at the given path and returns a Backend
// on it.
func Open(path string, options *bbolt.Options) (*Backend, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return New(db), nil
}

// Close closes the underlying BBolt database.
func (b *Backend) Close() error {
	return b.db.Close()
}

func recordKey(recordType, recordID string) []byte {
	return []byte(recordType + ":" + recordID)
}

func (b *Backend) Put(scope, recordType, recordID string, rec *storage.Record) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(scope))
		if err != nil {
			return err
		}
		return putInBucket(bucket, recordType, recordID, rec)
	})
}

func (b *Backend) Get(scope, recordType, recordID string) (*storage.Record, error) {
	var rec *storage.Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(scope))
		if bucket == nil {
			return fmt.Errorf("%s/%s/%s: %w", scope, recordType, recordID, storage.ErrNotFound)
		}
		var err error
		rec, err = getFromBucket(bucket, recordType, recordID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (b *Backend) List(scope, recordType string) ([]string, error) {
	var ids []string
	prefix := []byte(recordType + ":")
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(scope))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, string(k[len(prefix):]))
		}
		return nil
	})
	return ids, err
}

func (b *Backend) PutCAS(scope, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(scope))
		if err != nil {
			return err
		}
		return putCASInBucket(bucket, recordType, recordID, expectedVersion, rec)
	})
}

// Batch runs fn in a single write transaction; returning an error rolls
// every write back.
func (b *Backend) Batch(scope string, fn func(tx storage.BatchTx) error) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(scope))
		if err != nil {
			return err
		}
		return fn(&boltBatchTx{tx: tx, bucket: bucket})
	})
}

func putInBucket(bucket *bbolt.Bucket, recordType, recordID string, rec *storage.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return bucket.Put(recordKey(recordType, recordID), data)
}

func getFromBucket(bucket *bbolt.Bucket, recordType, recordID string) (*storage.Record, error) {
	data := bucket.Get(recordKey(recordType, recordID))
	if data == nil {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func putCASInBucket(bucket *bbolt.Bucket, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	existingData := bucket.Get(recordKey(recordType, recordID))

	if expectedVersion == 0 {
		if existingData != nil {
			return storage.ErrCASFailed
		}
	} else {
		if existingData == nil {
			return storage.ErrCASFailed
		}
		var existing storage.Record
		if err := json.Unmarshal(existingData, &existing); err != nil {
			return err
		}
		if existing.Version != expectedVersion {
			return storage.ErrCASFailed
		}
	}
	return putInBucket(bucket, recordType, recordID, rec)
}

type boltBatchTx struct {
	tx     *bbolt.Tx
	bucket *bbolt.Bucket
}

func (tx *boltBatchTx) Scope(scope string) (storage.BatchTx, error) {
	bucket, err := tx.tx.CreateBucketIfNotExists([]byte(scope))
	if err != nil {
		return nil, err
	}
	return &boltBatchTx{tx: tx.tx, bucket: bucket}, nil
}

func (tx *boltBatchTx) Get(recordType, recordID string) (*storage.Record, error) {
	return getFromBucket(tx.bucket, recordType, recordID)
}

func (tx *boltBatchTx) Put(recordType, recordID string, rec *storage.Record) error {
	return putInBucket(tx.bucket, recordType, recordID, rec)
}

func (tx *boltBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return putCASInBucket(tx.bucket, recordType, recordID, expectedVersion, rec)
}
