package storage_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/custody"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
	boltstore "github.com/jmcleod/ironca/storage/bbolt"
	"github.com/jmcleod/ironca/storage/memory"
)

func backends(t *testing.T) map[string]func(t *testing.T) storage.Store {
	return map[string]func(t *testing.T) storage.Store{
		"memory": func(t *testing.T) storage.Store { return memory.NewStore() },
		"bbolt": func(t *testing.T) storage.Store {
			b, err := boltstore.Open(filepath.Join(t.TempDir(), "store.db"), nil)
			require.NoError(t, err)
			t.Cleanup(func() { b.Close() })
			return storage.New(b)
		},
	}
}

func eachStore(t *testing.T, fn func(t *testing.T, s storage.Store)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) { fn(t, open(t)) })
	}
}

var created = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newCA(id string) *storage.CARecord {
	return &storage.CARecord{
		ID:                 id,
		Subject:            "CN=" + id,
		KeyAlgorithm:       pki.ECDSAP256,
		SignatureAlgorithm: pki.ECDSAWithSHA256,
		KeyHandles:         custody.KeyPairHandles{PrivateKeyID: id + "-priv", PublicKeyID: id + "-pub"},
		Status:             storage.CAActive,
		CreatedAt:          created,
	}
}

func newCert(caID, id, serial string) *storage.CertificateRecord {
	return &storage.CertificateRecord{
		ID:           id,
		CAID:         caID,
		SerialNumber: serial,
		Subject:      "CN=" + id,
		Status:       storage.StatusActive,
		KeyAlgorithm: pki.ECDSAP256,
		CreatedAt:    created,
	}
}

func TestStore_CA(t *testing.T) {
	eachStore(t, func(t *testing.T, s storage.Store) {
		ctx := t.Context()
		require.NoError(t, s.InsertCA(ctx, newCA("root")))
		assert.ErrorIs(t, s.InsertCA(ctx, newCA("root")), storage.ErrExists)

		got, err := s.FindCA(ctx, "root")
		require.NoError(t, err)
		assert.Equal(t, pki.ECDSAWithSHA256, got.SignatureAlgorithm)
		assert.Equal(t, "root-priv", got.KeyHandles.PrivateKeyID)
		assert.True(t, created.Equal(got.CreatedAt))

		got.KeysDestroyed = true
		require.NoError(t, s.UpdateCA(ctx, got))
		got, err = s.FindCA(ctx, "root")
		require.NoError(t, err)
		assert.True(t, got.KeysDestroyed)

		assert.ErrorIs(t, s.UpdateCA(ctx, newCA("ghost")), storage.ErrNotFound)
		_, err = s.FindCA(ctx, "ghost")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, s.InsertCA(ctx, newCA("issuing")))
		cas, err := s.ListCAs(ctx)
		require.NoError(t, err)
		require.Len(t, cas, 2)
		assert.Equal(t, "issuing", cas[0].ID)
	})
}

func TestStore_InsertCAWithCertificate(t *testing.T) {
	eachStore(t, func(t *testing.T, s storage.Store) {
		ctx := t.Context()
		root := newCA("root")
		rootCert := newCert("root", "root-cert", "01")
		root.CertificateID = rootCert.ID
		require.NoError(t, s.InsertCAWithCertificate(ctx, root, rootCert))

		got, err := s.FindCA(ctx, "root")
		require.NoError(t, err)
		assert.Equal(t, "root-cert", got.CertificateID)
		_, err = s.FindCertificate(ctx, "root", "root-cert")
		require.NoError(t, err)

		// The intermediate's certificate lives under the root. A serial
		// clash there leaves neither record behind.
		issuing := newCA("issuing")
		clash := newCert("root", "issuing-cert", "01")
		issuing.CertificateID = clash.ID
		err = s.InsertCAWithCertificate(ctx, issuing, clash)
		assert.ErrorIs(t, err, storage.ErrDuplicateSerial)
		_, err = s.FindCA(ctx, "issuing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.FindCertificate(ctx, "root", "issuing-cert")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		// An existing CA ID leaves no certificate behind.
		dup := newCert("root", "dup-cert", "02")
		again := newCA("root")
		again.CertificateID = dup.ID
		err = s.InsertCAWithCertificate(ctx, again, dup)
		assert.ErrorIs(t, err, storage.ErrExists)
		certs, err := s.ListCertificates(ctx, "root")
		require.NoError(t, err)
		assert.Len(t, certs, 1)

		mismatched := newCA("loose")
		err = s.InsertCAWithCertificate(ctx, mismatched, newCert("root", "loose-cert", "03"))
		assert.ErrorIs(t, err, pki.ErrStateInvariant)
	})
}

func TestStore_SerialUniqueness(t *testing.T) {
	eachStore(t, func(t *testing.T, s storage.Store) {
		ctx := t.Context()
		require.NoError(t, s.InsertCertificate(ctx, newCert("ca", "c1", "0a1b")))

		err := s.InsertCertificate(ctx, newCert("ca", "c2", "0A:1B"))
		assert.ErrorIs(t, err, storage.ErrDuplicateSerial)
		assert.ErrorIs(t, err, pki.ErrStateInvariant)
		_, err = s.FindCertificate(ctx, "ca", "c2")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		// Serials are scoped per CA.
		require.NoError(t, s.InsertCertificate(ctx, newCert("other-ca", "c3", "0a1b")))

		got, err := s.FindCertificateBySerial(ctx, "ca", "0a:1b")
		require.NoError(t, err)
		assert.Equal(t, "c1", got.ID)

		_, err = s.FindCertificateBySerial(ctx, "ca", "ff")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.FindCertificateBySerial(ctx, "ca", "not-hex")
		assert.ErrorIs(t, err, pki.ErrInvalidSerial)

		certs, err := s.ListCertificates(ctx, "ca")
		require.NoError(t, err)
		assert.Len(t, certs, 1)
	})
}

func TestStore_ConcurrentSerialClaims(t *testing.T) {
	eachStore(t, func(t *testing.T, s storage.Store) {
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				cert := newCert("ca", "c"+string(rune('a'+i)), "7f")
				if s.InsertCertificate(context.Background(), cert) == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}

func TestStore_UpdateAndSupersede(t *testing.T) {
	eachStore(t, func(t *testing.T, s storage.Store) {
		ctx := t.Context()
		require.NoError(t, s.InsertCertificate(ctx, newCert("ca", "old", "01")))
		require.NoError(t, s.InsertCertificate(ctx, newCert("ca", "new", "02")))
		require.NoError(t, s.Supersede(ctx, "ca", "old", "new"))

		old, err := s.FindCertificate(ctx, "ca", "old")
		require.NoError(t, err)
		assert.Equal(t, storage.StatusSuperseded, old.Status)
		assert.Equal(t, "new", old.SupersededBy)
		renewed, err := s.FindCertificate(ctx, "ca", "new")
		require.NoError(t, err)
		assert.Equal(t, "old", renewed.Supersedes)
		assert.Equal(t, storage.StatusActive, renewed.Status)

		assert.ErrorIs(t, s.Supersede(ctx, "ca", "old", "missing"), storage.ErrNotFound)

		old.SerialNumber = "03"
		assert.ErrorIs(t, s.UpdateCertificate(ctx, old), pki.ErrStateInvariant)
	})
}

func TestStore_Revocations(t *testing.T) {
	eachStore(t, func(t *testing.T, s storage.Store) {
		ctx := t.Context()
		cert := newCert("ca", "c1", "01")
		require.NoError(t, s.InsertCertificate(ctx, cert))

		at := created.Add(time.Hour)
		hold := pki.ReasonCertificateHold
		cert.Status, cert.RevokedAt, cert.RevocationReason = storage.StatusRevoked, &at, &hold
		rev := &storage.RevocationRecord{CAID: "ca", SerialNumber: "01", CertificateID: "c1", RevokedAt: at, Reason: hold}
		require.NoError(t, s.RecordRevocation(ctx, cert, rev))

		// A second revocation of the same serial replaces the entry.
		compromise := pki.ReasonKeyCompromise
		cert.RevocationReason = &compromise
		rev2 := *rev
		rev2.Reason = compromise
		require.NoError(t, s.RecordRevocation(ctx, cert, &rev2))

		revs, err := s.ListRevocations(ctx, "ca")
		require.NoError(t, err)
		require.Len(t, revs, 1)
		assert.Equal(t, pki.ReasonKeyCompromise, revs[0].Reason)
		assert.Equal(t, pki.CRLEntry{SerialNumber: "01", RevokedAt: at, Reason: compromise}, revs[0].CRLEntry())

		got, err := s.FindCertificate(ctx, "ca", "c1")
		require.NoError(t, err)
		assert.Equal(t, storage.StatusRevoked, got.Status)
		require.NotNil(t, got.RevocationReason)
		assert.Equal(t, compromise, *got.RevocationReason)

		missing := newCert("ca", "ghost", "02")
		err = s.RecordRevocation(ctx, missing, &storage.RevocationRecord{CAID: "ca", SerialNumber: "02", CertificateID: "ghost"})
		assert.ErrorIs(t, err, storage.ErrNotFound)
		revs, err = s.ListRevocations(ctx, "ca")
		require.NoError(t, err)
		assert.Len(t, revs, 1)

		err = s.RecordRevocation(ctx, cert, &storage.RevocationRecord{CAID: "ca", SerialNumber: "01", CertificateID: "other"})
		assert.ErrorIs(t, err, pki.ErrStateInvariant)
	})
}

func TestStore_CRLNumbering(t *testing.T) {
	eachStore(t, func(t *testing.T, s storage.Store) {
		ctx := t.Context()
		_, err := s.LatestCRL(ctx, "ca")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		crl := func(n uint64) *storage.CRLRecord {
			return &storage.CRLRecord{ID: "crl-" + string(rune('0'+n)), CAID: "ca", Number: n, CreatedAt: created}
		}
		assert.ErrorIs(t, s.InsertCRL(ctx, crl(2)), storage.ErrCRLNumberConflict)
		assert.ErrorIs(t, s.InsertCRL(ctx, crl(0)), pki.ErrInvalidCRLNumber)
		require.NoError(t, s.InsertCRL(ctx, crl(1)))
		require.NoError(t, s.InsertCRL(ctx, crl(2)))

		err = s.InsertCRL(ctx, crl(2))
		assert.ErrorIs(t, err, storage.ErrCRLNumberConflict)
		assert.ErrorIs(t, err, pki.ErrStateInvariant)
		assert.ErrorIs(t, s.InsertCRL(ctx, crl(4)), storage.ErrCRLNumberConflict)

		latest, err := s.LatestCRL(ctx, "ca")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), latest.Number)
	})
}

func TestStore_CanceledContext(t *testing.T) {
	s := memory.NewStore()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	assert.ErrorIs(t, s.InsertCA(ctx, newCA("x")), context.Canceled)
	assert.ErrorIs(t, s.InsertCAWithCertificate(ctx, newCA("x"), newCert("x", "", "01")), context.Canceled)
	_, err := s.ListCAs(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
