package ca_test

import (
	"context"
	"crypto/x509"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/audit"
	"github.com/jmcleod/ironca/ca"
	"github.com/jmcleod/ironca/custody"
	"github.com/jmcleod/ironca/custody/authority"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
	"github.com/jmcleod/ironca/storage/memory"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// auditLog is an audit.Writer that keeps every entry.
type auditLog struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (l *auditLog) Write(_ context.Context, e audit.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

func (l *auditLog) last(t *testing.T) audit.Entry {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	require.NotEmpty(t, l.entries)
	return l.entries[len(l.entries)-1]
}

func (l *auditLog) count(event audit.Event) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.Event == event {
			n++
		}
	}
	return n
}

type testEnv struct {
	svc   *ca.Service
	srv   *authority.Server
	store storage.Store
	audit *auditLog
}

func newEnv(t *testing.T, opts ...ca.Option) *testEnv {
	t.Helper()
	srv := authority.New(authority.NewSoftwareKeyStore(), authority.WithExport(true))
	return newEnvWith(t, srv, memory.NewStore(), srv, opts...)
}

// newEnvWith builds a service over transport and store. srv is the
// authority behind transport, used for key state assertions.
func newEnvWith(t *testing.T, transport custody.Transport, store storage.Store, srv *authority.Server, opts ...ca.Option) *testEnv {
	t.Helper()
	log := &auditLog{}
	base := []ca.Option{
		ca.WithClock(func() time.Time { return testNow }),
		ca.WithAudit(audit.NewRecorder(log)),
	}
	svc := ca.New(store, custody.NewClient(transport), append(base, opts...)...)
	return &testEnv{svc: svc, srv: srv, store: store, audit: log}
}

func mustName(t *testing.T, s string) pki.Name {
	t.Helper()
	n, err := pki.ParseName(s)
	require.NoError(t, err)
	return n
}

func createRoot(t *testing.T, env *testEnv, alg pki.KeyAlgorithm) *ca.CAResult {
	t.Helper()
	res, err := env.svc.CreateCA(t.Context(), ca.CreateCARequest{
		Subject:      mustName(t, "CN=Unit Root,O=Acme,C=US"),
		KeyAlgorithm: alg,
	})
	require.NoError(t, err)
	return res
}

func keyState(t *testing.T, env *testEnv, id string) custody.KeyState {
	t.Helper()
	state, ok := env.srv.State(id)
	require.True(t, ok, "object %s", id)
	return state
}

func TestCreateCA_RootScenario(t *testing.T) {
	env := newEnv(t)
	res, err := env.svc.CreateCA(t.Context(), ca.CreateCARequest{
		Subject:      mustName(t, "CN=Test Root,O=Acme,C=US"),
		KeyAlgorithm: pki.RSA4096,
	})
	require.NoError(t, err)

	cert := res.Certificate
	require.NotNil(t, cert.Extensions.BasicConstraints)
	assert.True(t, cert.Extensions.BasicConstraints.CA)
	assert.NotZero(t, cert.Extensions.KeyUsage&x509.KeyUsageCertSign)
	assert.NotZero(t, cert.Extensions.KeyUsage&x509.KeyUsageCRLSign)
	assert.True(t, cert.Subject.Equal(cert.Issuer))
	assert.True(t, pki.VerifyCertificateSignature(cert.Raw, cert.PublicKey))
	assert.Equal(t, pki.RSA4096, cert.KeyAlgorithm)
	assert.Equal(t, pki.SHA384WithRSA, res.CA.SignatureAlgorithm)
	assert.Equal(t, testNow, cert.NotBefore)
	assert.Equal(t, testNow.AddDate(ca.DefaultCAValidityYears, 0, 0), cert.NotAfter)

	stored, err := env.svc.GetCA(t.Context(), res.CA.ID)
	require.NoError(t, err)
	assert.Equal(t, cert.PEM, stored.CertificatePEM)
	assert.Equal(t, storage.CAActive, stored.Status)
	assert.Empty(t, stored.ParentID)

	rec, err := env.svc.GetCertificate(t.Context(), res.CA.ID, res.CA.CertificateID)
	require.NoError(t, err)
	assert.True(t, rec.IsCA)
	assert.Equal(t, cert.SerialNumber, rec.SerialNumber)
	require.NotNil(t, rec.KeyHandles)
	assert.Equal(t, res.CA.KeyHandles, *rec.KeyHandles)

	assert.Equal(t, custody.StateActive, keyState(t, env, res.CA.KeyHandles.PrivateKeyID))

	last := env.audit.last(t)
	assert.Equal(t, audit.EventCACreated, last.Event)
	assert.Equal(t, audit.OutcomeSuccess, last.Outcome)
	assert.Equal(t, res.CA.ID, last.CAID)
	assert.Equal(t, "CN=Test Root,O=Acme,C=US", last.Subject)
}

func TestCreateCA_Intermediate(t *testing.T) {
	env := newEnv(t)
	root := createRoot(t, env, pki.ECDSAP384)

	zero := 0
	res, err := env.svc.CreateCA(t.Context(), ca.CreateCARequest{
		Subject:       mustName(t, "CN=Issuing CA,O=Acme,C=US"),
		KeyAlgorithm:  pki.ECDSAP256,
		ParentCAID:    root.CA.ID,
		ValidityYears: 50,
		PathLen:       &zero,
	})
	require.NoError(t, err)

	cert := res.Certificate
	assert.True(t, cert.Issuer.Equal(root.Certificate.Subject))
	assert.True(t, pki.VerifyCertificateSignature(cert.Raw, root.Certificate.PublicKey))
	assert.False(t, pki.VerifyCertificateSignature(cert.Raw, cert.PublicKey))
	assert.Equal(t, pki.ECDSAWithSHA384, cert.SignatureAlgorithm)
	assert.Equal(t, pki.ECDSAWithSHA256, res.CA.SignatureAlgorithm)
	assert.Equal(t, root.CA.NotAfter, cert.NotAfter, "validity is clamped to the parent")
	require.NotNil(t, cert.Extensions.BasicConstraints.PathLen)
	assert.Equal(t, 0, *cert.Extensions.BasicConstraints.PathLen)
	assert.Equal(t, root.CA.ID, res.CA.ParentID)

	// The intermediate's certificate is issued by, and stored under, the root.
	rec, err := env.svc.GetCertificate(t.Context(), root.CA.ID, res.CA.CertificateID)
	require.NoError(t, err)
	assert.True(t, rec.IsCA)

	_, err = env.svc.CreateCA(t.Context(), ca.CreateCARequest{
		Subject:    mustName(t, "CN=Too Deep"),
		ParentCAID: res.CA.ID,
	})
	assert.ErrorIs(t, err, pki.ErrInvalidExtensionCombination)
}

func TestCreateCA_Validation(t *testing.T) {
	env := newEnv(t)
	negative := -1
	tests := []struct {
		name string
		req  ca.CreateCARequest
		want error
	}{
		{"missing subject", ca.CreateCARequest{}, pki.ErrValidation},
		{"missing common name", ca.CreateCARequest{Subject: pki.Name{pki.AttrO: "Acme"}}, pki.ErrValidation},
		{"bad country", ca.CreateCARequest{Subject: pki.Name{pki.AttrCN: "x", pki.AttrC: "USA"}}, pki.ErrValidation},
		{"unknown algorithm", ca.CreateCARequest{Subject: pki.Name{pki.AttrCN: "x"}, KeyAlgorithm: pki.KeyAlgorithm(42)}, pki.ErrValidation},
		{"negative path length", ca.CreateCARequest{Subject: pki.Name{pki.AttrCN: "x"}, PathLen: &negative}, pki.ErrValidation},
		{"mismatched signature", ca.CreateCARequest{
			Subject:            pki.Name{pki.AttrCN: "x"},
			KeyAlgorithm:       pki.ECDSAP256,
			SignatureAlgorithm: pki.SHA256WithRSA,
		}, pki.ErrAlgorithmMismatch},
		{"unknown parent", ca.CreateCARequest{Subject: pki.Name{pki.AttrCN: "x"}, ParentCAID: "missing"}, ca.ErrCANotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.CreateCA(t.Context(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, audit.OutcomeFailure, env.audit.last(t).Outcome)
		})
	}

	cas, err := env.svc.ListCAs(t.Context())
	require.NoError(t, err)
	assert.Empty(t, cas)
}

func TestCreateCA_MismatchedSignatureDestroysKey(t *testing.T) {
	keys := authority.NewSoftwareKeyStore()
	srv := authority.New(keys)
	env := newEnvWith(t, srv, memory.NewStore(), srv)

	_, err := env.svc.CreateCA(t.Context(), ca.CreateCARequest{
		Subject:            pki.Name{pki.AttrCN: "x"},
		KeyAlgorithm:       pki.ECDSAP256,
		SignatureAlgorithm: pki.SHA256WithRSA,
	})
	require.ErrorIs(t, err, pki.ErrAlgorithmMismatch)
	assert.Zero(t, keys.Len(), "the key pair created for the failed CA is destroyed")
}

func TestCreateCA_DefaultsAndOptions(t *testing.T) {
	env := newEnv(t,
		ca.WithDefaultKeyAlgorithm(pki.RSA2048),
		ca.WithCAValidity(3),
	)
	res, err := env.svc.CreateCA(t.Context(), ca.CreateCARequest{Subject: pki.Name{pki.AttrCN: "Defaults"}})
	require.NoError(t, err)
	assert.Equal(t, pki.RSA2048, res.CA.KeyAlgorithm)
	assert.Equal(t, pki.SHA256WithRSA, res.CA.SignatureAlgorithm)
	assert.Equal(t, testNow.AddDate(3, 0, 0), res.CA.NotAfter)
}

func TestCreateCA_LocalSigning(t *testing.T) {
	env := newEnv(t, ca.WithSigningPolicy(ca.SigningLocal))
	root := createRoot(t, env, pki.ECDSAP256)
	assert.True(t, pki.VerifyCertificateSignature(root.Certificate.Raw, root.Certificate.PublicKey))
	assert.Equal(t, 1, env.audit.count(audit.EventPrivateKeyAccessed))

	issued, err := env.svc.IssueCertificate(t.Context(), ca.IssueRequest{
		CAID:    root.CA.ID,
		Subject: pki.Name{pki.AttrCN: "local.example.com"},
	})
	require.NoError(t, err)
	assert.True(t, pki.VerifyCertificateSignature(issued.Certificate.Raw, root.Certificate.PublicKey))
	assert.Equal(t, 2, env.audit.count(audit.EventPrivateKeyAccessed))
}

func TestCreateCA_LocalSigningRequiresExport(t *testing.T) {
	keys := authority.NewSoftwareKeyStore()
	srv := authority.New(keys)
	env := newEnvWith(t, srv, memory.NewStore(), srv, ca.WithSigningPolicy(ca.SigningLocal))

	_, err := env.svc.CreateCA(t.Context(), ca.CreateCARequest{Subject: pki.Name{pki.AttrCN: "x"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, custody.ErrRejected)
	assert.Zero(t, keys.Len())
}

// flakyTransport fails every request for one operation.
type flakyTransport struct {
	next custody.Transport
	op   custody.Operation
}

func (f *flakyTransport) RoundTrip(ctx context.Context, req []byte) ([]byte, error) {
	parsed, err := custody.ParseRequest(req)
	if err == nil && parsed.Operation == f.op {
		return nil, errors.New("connection reset by peer")
	}
	return f.next.RoundTrip(ctx, req)
}

func TestCreateCA_CustodyUnavailable(t *testing.T) {
	keys := authority.NewSoftwareKeyStore()
	srv := authority.New(keys)
	store := memory.NewStore()
	env := newEnvWith(t, &flakyTransport{next: srv, op: custody.OpCertify}, store, srv)

	_, err := env.svc.CreateCA(t.Context(), ca.CreateCARequest{Subject: pki.Name{pki.AttrCN: "x"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, custody.ErrUnavailable)
	assert.True(t, custody.IsRetryable(err))

	cas, err := store.ListCAs(t.Context())
	require.NoError(t, err)
	assert.Empty(t, cas, "nothing is stored when custody fails")
	assert.Zero(t, keys.Len())
}

func TestLookups(t *testing.T) {
	env := newEnv(t)
	root := createRoot(t, env, pki.ECDSAP256)

	_, err := env.svc.GetCA(t.Context(), "missing")
	assert.ErrorIs(t, err, ca.ErrCANotFound)
	_, err = env.svc.GetCertificate(t.Context(), root.CA.ID, "missing")
	assert.ErrorIs(t, err, ca.ErrCertNotFound)
	_, err = env.svc.ListCertificates(t.Context(), "missing")
	assert.ErrorIs(t, err, ca.ErrCANotFound)

	certs, err := env.svc.ListCertificates(t.Context(), root.CA.ID)
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, root.CA.CertificateID, certs[0].ID)
}
