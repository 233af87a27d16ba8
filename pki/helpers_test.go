package pki_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/pki"
)

func newECKey(t *testing.T, curve elliptic.Curve) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	require.NoError(t, err)
	return key
}

func newRSAKey(t *testing.T, bits int) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, bits)
	require.NoError(t, err)
	return key
}

func newSerial(t *testing.T) string {
	t.Helper()
	serial, err := pki.GenerateSerial()
	require.NoError(t, err)
	return serial
}

// testCA is a self-signed P-256 CA used to sign leaves and CRLs.
type testCA struct {
	key  *ecdsa.PrivateKey
	cert *pki.Certificate
	x509 *x509.Certificate
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	key := newECKey(t, elliptic.P256())
	cert, err := pki.EncodeCertificate(pki.CertificateParams{
		Subject:       pki.Name{pki.AttrCN: "Test CA", pki.AttrO: "Acme", pki.AttrC: "US"},
		SerialNumber:  newSerial(t),
		ValidityYears: 5,
		Signer:        key,
		SelfSigned:    true,
		Extensions: pki.Extensions{
			KeyUsage:         x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
			BasicConstraints: &pki.BasicConstraints{CA: true},
			SubjectKeyID:     true,
		},
	})
	require.NoError(t, err)
	parsed, err := pki.ParseX509Certificate([]byte(cert.PEM))
	require.NoError(t, err)
	return &testCA{key: key, cert: cert, x509: parsed}
}

func (ca *testCA) issueLeaf(t *testing.T, cn string, notAfter time.Time) *pki.Certificate {
	t.Helper()
	leafKey := newECKey(t, elliptic.P256())
	cert, err := pki.EncodeCertificate(pki.CertificateParams{
		Subject:           pki.Name{pki.AttrCN: cn},
		IssuerCertificate: ca.x509,
		SerialNumber:      newSerial(t),
		NotAfter:          notAfter,
		PublicKey:         leafKey.Public(),
		Signer:            ca.key,
		Extensions: pki.Extensions{
			KeyUsage:    x509.KeyUsageDigitalSignature,
			ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		},
	})
	require.NoError(t, err)
	return cert
}
