package pki_test

import (
	"crypto/elliptic"
	"crypto/x509"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/pki"
)

func TestEncodeCertificate_SelfSignedRoot(t *testing.T) {
	key := newRSAKey(t, 4096)
	subject, err := pki.ParseName("CN=Test Root,O=Acme,C=US")
	require.NoError(t, err)

	cert, err := pki.EncodeCertificate(pki.CertificateParams{
		Subject:       subject,
		SerialNumber:  newSerial(t),
		ValidityYears: 10,
		Signer:        key,
		SelfSigned:    true,
		Extensions: pki.Extensions{
			KeyUsage:         x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
			BasicConstraints: &pki.BasicConstraints{CA: true},
			SubjectKeyID:     true,
		},
	})
	require.NoError(t, err)

	md, err := pki.DecodeCertificate([]byte(cert.PEM))
	require.NoError(t, err)
	require.NotNil(t, md.Extensions.BasicConstraints)
	assert.True(t, md.Extensions.BasicConstraints.CA)
	assert.NotZero(t, md.Extensions.KeyUsage&x509.KeyUsageCertSign)
	assert.True(t, md.Subject.Equal(md.Issuer))
	assert.True(t, md.Subject.Equal(subject))
	assert.Equal(t, pki.RSA4096, md.KeyAlgorithm)
	assert.Equal(t, pki.SHA384WithRSA, md.SignatureAlgorithm)
	assert.True(t, md.Extensions.SubjectKeyID)
	assert.True(t, pki.VerifyCertificateSignature([]byte(cert.PEM), md.PublicKey))
	assert.Equal(t, md.NotBefore.AddDate(10, 0, 0), md.NotAfter)
}

func TestEncodeCertificate_ServerSANs(t *testing.T) {
	ca := newTestCA(t)
	leafKey := newECKey(t, elliptic.P256())

	cert, err := pki.EncodeCertificate(pki.CertificateParams{
		Subject:           pki.Name{pki.AttrCN: "example.com"},
		IssuerCertificate: ca.x509,
		SerialNumber:      newSerial(t),
		NotAfter:          time.Now().Add(90 * 24 * time.Hour),
		PublicKey:         leafKey.Public(),
		Signer:            ca.key,
		Extensions: pki.Extensions{
			KeyUsage:        x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
			ExtKeyUsage:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
			SubjectAltNames: pki.SubjectAltNames{DNS: []string{"example.com", "www.example.com"}},
		},
	})
	require.NoError(t, err)

	sans, err := pki.ExtractSANs([]byte(cert.PEM))
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com", "www.example.com"}, sans.DNS)
	assert.Empty(t, sans.IP)
	assert.Empty(t, sans.Email)
	assert.Empty(t, sans.URI)
	assert.NotNil(t, sans.IP, "absent kinds are empty lists")

	assert.True(t, cert.Issuer.Equal(ca.cert.Subject))
	assert.True(t, cert.Extensions.AuthorityKeyID)
	assert.True(t, pki.VerifyCertificateSignature([]byte(cert.PEM), ca.key.Public()))
	assert.False(t, pki.VerifyCertificateSignature([]byte(cert.PEM), leafKey.Public()))
	assert.Nil(t, cert.Extensions.BasicConstraints)
}

func TestEncodeCertificate_AllSANKinds(t *testing.T) {
	ca := newTestCA(t)
	want := pki.SubjectAltNames{
		DNS:   []string{"svc.internal"},
		IP:    []string{"10.0.0.1", "2001:db8::1"},
		Email: []string{"ops@example.com"},
		URI:   []string{"spiffe://example.com/svc"},
	}
	cert, err := pki.EncodeCertificate(pki.CertificateParams{
		Subject:           pki.Name{pki.AttrCN: "svc"},
		IssuerCertificate: ca.x509,
		SerialNumber:      newSerial(t),
		PublicKey:         newECKey(t, elliptic.P256()).Public(),
		Signer:            ca.key,
		Extensions:        pki.Extensions{KeyUsage: x509.KeyUsageDigitalSignature, SubjectAltNames: want},
	})
	require.NoError(t, err)
	assert.Equal(t, want, cert.Extensions.SubjectAltNames)
}

func TestEncodeCertificate_Defaults(t *testing.T) {
	ca := newTestCA(t)
	before := time.Now().Add(-time.Second)
	cert := ca.issueLeaf(t, "defaults", time.Time{})

	assert.False(t, cert.NotBefore.Before(before.Truncate(time.Second)))
	assert.Equal(t, cert.NotBefore.AddDate(pki.DefaultCertificateValidityYears, 0, 0), cert.NotAfter)
	assert.Equal(t, pki.ECDSAWithSHA256, cert.SignatureAlgorithm)
	assert.NotEmpty(t, cert.FingerprintSHA256)
}

func TestEncodeCertificate_Errors(t *testing.T) {
	ca := newTestCA(t)
	ecKey := newECKey(t, elliptic.P256())
	base := func() pki.CertificateParams {
		return pki.CertificateParams{
			Subject:      pki.Name{pki.AttrCN: "leaf"},
			Issuer:       ca.cert.Subject,
			SerialNumber: newSerial(t),
			PublicKey:    ecKey.Public(),
			Signer:       ca.key,
			Extensions:   pki.Extensions{KeyUsage: x509.KeyUsageDigitalSignature},
		}
	}

	t.Run("AlgorithmMismatch", func(t *testing.T) {
		p := base()
		p.SignatureAlgorithm = pki.SHA256WithRSA
		_, err := pki.EncodeCertificate(p)
		assert.ErrorIs(t, err, pki.ErrAlgorithmMismatch)
		assert.ErrorIs(t, err, pki.ErrValidation)
	})

	t.Run("CAWithoutCertSign", func(t *testing.T) {
		p := base()
		p.Extensions.BasicConstraints = &pki.BasicConstraints{CA: true}
		_, err := pki.EncodeCertificate(p)
		assert.ErrorIs(t, err, pki.ErrInvalidExtensionCombination)
	})

	t.Run("EndEntityWithCertSign", func(t *testing.T) {
		p := base()
		p.Extensions.KeyUsage |= x509.KeyUsageCertSign
		_, err := pki.EncodeCertificate(p)
		assert.ErrorIs(t, err, pki.ErrInvalidExtensionCombination)
	})

	t.Run("PathLenWithoutCA", func(t *testing.T) {
		p := base()
		zero := 0
		p.Extensions.BasicConstraints = &pki.BasicConstraints{PathLen: &zero}
		_, err := pki.EncodeCertificate(p)
		assert.ErrorIs(t, err, pki.ErrInvalidExtensionCombination)
	})

	t.Run("SelfSignedKeyMismatch", func(t *testing.T) {
		p := base()
		p.SelfSigned = true
		_, err := pki.EncodeCertificate(p)
		assert.ErrorIs(t, err, pki.ErrKeyMismatch)
	})

	t.Run("IssuerCertificateKeyMismatch", func(t *testing.T) {
		p := base()
		p.IssuerCertificate = ca.x509
		p.Signer = ecKey
		_, err := pki.EncodeCertificate(p)
		assert.ErrorIs(t, err, pki.ErrKeyMismatch)
	})

	t.Run("BadSerial", func(t *testing.T) {
		p := base()
		p.SerialNumber = "not-hex"
		_, err := pki.EncodeCertificate(p)
		assert.ErrorIs(t, err, pki.ErrInvalidSerial)
	})

	t.Run("MissingCN", func(t *testing.T) {
		p := base()
		p.Subject = pki.Name{pki.AttrO: "Acme"}
		_, err := pki.EncodeCertificate(p)
		assert.ErrorIs(t, err, pki.ErrInvalidName)
	})

	t.Run("InvertedValidity", func(t *testing.T) {
		p := base()
		p.NotBefore = time.Now()
		p.NotAfter = p.NotBefore.Add(-time.Hour)
		_, err := pki.EncodeCertificate(p)
		assert.ErrorIs(t, err, pki.ErrInvalidValidity)
	})

	t.Run("BadSAN", func(t *testing.T) {
		p := base()
		p.Extensions.SubjectAltNames.IP = []string{"300.1.1.1"}
		_, err := pki.EncodeCertificate(p)
		assert.ErrorIs(t, err, pki.ErrInvalidSAN)
	})

	t.Run("NoSigner", func(t *testing.T) {
		p := base()
		p.Signer = nil
		_, err := pki.EncodeCertificate(p)
		assert.ErrorIs(t, err, pki.ErrMissingSigner)
	})
}

func TestCertificateFormatRoundTrip(t *testing.T) {
	ca := newTestCA(t)
	cert := ca.issueLeaf(t, "round-trip", time.Now().Add(24*time.Hour))

	fromPEM, err := pki.DecodeCertificate([]byte(cert.PEM))
	require.NoError(t, err)

	der, err := pki.ConvertCertificateFormat([]byte(cert.PEM), pki.FormatDER)
	require.NoError(t, err)
	assert.Equal(t, cert.DER, der)
	fromDER, err := pki.DecodeCertificate([]byte(der))
	require.NoError(t, err)
	assert.Equal(t, fromPEM, fromDER)

	back, err := pki.ConvertCertificateFormat([]byte(der), pki.FormatPEM)
	require.NoError(t, err)
	assert.Equal(t, cert.PEM, back)

	// Raw DER bytes decode as well.
	raw, err := base64.StdEncoding.DecodeString(der)
	require.NoError(t, err)
	fromRaw, err := pki.DecodeCertificate(raw)
	require.NoError(t, err)
	assert.Equal(t, fromPEM, fromRaw)

	_, err = pki.ConvertCertificateFormat([]byte(cert.PEM), pki.Format(42))
	assert.ErrorIs(t, err, pki.ErrUnsupportedFormat)
}

func TestDecodeCertificate_Malformed(t *testing.T) {
	inputs := [][]byte{
		nil,
		[]byte("garbage"),
		[]byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"),
		[]byte("-----BEGIN X509 CRL-----\nMAA=\n-----END X509 CRL-----\n"),
		{0x30, 0x03, 0x02, 0x01, 0x01},
	}
	for _, in := range inputs {
		_, err := pki.DecodeCertificate(in)
		assert.ErrorIs(t, err, pki.ErrMalformedCertificate)
		assert.ErrorIs(t, err, pki.ErrFormat)
		assert.False(t, pki.VerifyCertificateSignature(in, nil))
	}
}

func TestIsCertificateExpired(t *testing.T) {
	ca := newTestCA(t)
	now := time.Now()
	expired, err := pki.EncodeCertificate(pki.CertificateParams{
		Subject:           pki.Name{pki.AttrCN: "expired"},
		IssuerCertificate: ca.x509,
		SerialNumber:      newSerial(t),
		NotBefore:         now.Add(-48 * time.Hour),
		NotAfter:          now.Add(-24 * time.Hour),
		PublicKey:         newECKey(t, elliptic.P256()).Public(),
		Signer:            ca.key,
		Extensions:        pki.Extensions{KeyUsage: x509.KeyUsageDigitalSignature},
	})
	require.NoError(t, err)

	assert.True(t, pki.IsCertificateExpired(&expired.CertificateMetadata, now))
	assert.False(t, pki.IsCertificateExpired(&expired.CertificateMetadata, now.Add(-36*time.Hour)))
	// Exactly notAfter is not yet expired.
	assert.False(t, pki.IsCertificateExpired(&expired.CertificateMetadata, expired.NotAfter))
}

func TestEncodeCertificate_Intermediate(t *testing.T) {
	root := newTestCA(t)
	interKey := newECKey(t, elliptic.P384())
	pathLen := 0
	inter, err := pki.EncodeCertificate(pki.CertificateParams{
		Subject:           pki.Name{pki.AttrCN: "Issuing CA", pki.AttrO: "Acme"},
		IssuerCertificate: root.x509,
		SerialNumber:      newSerial(t),
		PublicKey:         interKey.Public(),
		Signer:            root.key,
		Extensions: pki.Extensions{
			KeyUsage:         x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
			BasicConstraints: &pki.BasicConstraints{CA: true, PathLen: &pathLen},
			SubjectKeyID:     true,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, inter.Extensions.BasicConstraints.PathLen)
	assert.Equal(t, 0, *inter.Extensions.BasicConstraints.PathLen)
	assert.Equal(t, pki.ECDSAP384, inter.KeyAlgorithm)

	parsed, err := pki.ParseX509Certificate([]byte(inter.PEM))
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(root.x509)
	_, err = parsed.Verify(x509.VerifyOptions{Roots: pool})
	assert.NoError(t, err)
}

func TestEncodeCertificate_KeyIdentifierFlagsOnlyForceOn(t *testing.T) {
	ca := newTestCA(t)

	// The leaf does not ask for an AKI, but its issuer has an SKI.
	leaf := ca.issueLeaf(t, "leaf", time.Now().Add(time.Hour))
	assert.False(t, leaf.Extensions.SubjectKeyID)
	assert.True(t, leaf.Extensions.AuthorityKeyID)

	// A CA certificate always carries an SKI.
	key := newECKey(t, elliptic.P256())
	sub, err := pki.EncodeCertificate(pki.CertificateParams{
		Subject:           pki.Name{pki.AttrCN: "Sub CA"},
		IssuerCertificate: ca.x509,
		SerialNumber:      newSerial(t),
		NotAfter:          time.Now().Add(time.Hour),
		PublicKey:         key.Public(),
		Signer:            ca.key,
		Extensions: pki.Extensions{
			KeyUsage:         x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
			BasicConstraints: &pki.BasicConstraints{CA: true},
		},
	})
	require.NoError(t, err)
	assert.True(t, sub.Extensions.SubjectKeyID)
	assert.True(t, sub.Extensions.AuthorityKeyID)
}
