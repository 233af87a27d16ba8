package pki_test

import (
	"crypto/elliptic"
	"crypto/x509"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/pki"
)

func TestEncodeCSR_RoundTrip(t *testing.T) {
	key := newECKey(t, elliptic.P384())
	exts := pki.Extensions{
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyAgreement,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		SubjectAltNames: pki.SubjectAltNames{
			DNS: []string{"api.example.com"},
			IP:  []string{"192.0.2.10"},
		},
	}
	csr, err := pki.EncodeCSR(pki.CSRParams{
		Subject:    pki.Name{pki.AttrCN: "api.example.com", pki.AttrO: "Acme"},
		Extensions: exts,
		Signer:     key,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(csr.PEM, "-----BEGIN CERTIFICATE REQUEST-----"))

	assert.True(t, pki.VerifyCSR([]byte(csr.PEM)))

	md, err := pki.DecodeCSR([]byte(csr.PEM))
	require.NoError(t, err)
	assert.Equal(t, "api.example.com", md.Subject.CommonName())
	assert.Equal(t, pki.ECDSAP384, md.KeyAlgorithm)
	assert.Equal(t, pki.ECDSAWithSHA384, md.SignatureAlgorithm)
	assert.True(t, key.PublicKey.Equal(md.PublicKey))

	got, err := pki.ExtractCSRExtensions([]byte(csr.PEM))
	require.NoError(t, err)
	assert.Equal(t, exts.KeyUsage, got.KeyUsage)
	assert.ElementsMatch(t, exts.ExtKeyUsage, got.ExtKeyUsage)
	assert.Equal(t, []string{"api.example.com"}, got.SubjectAltNames.DNS)
	assert.Equal(t, []string{"192.0.2.10"}, got.SubjectAltNames.IP)
	assert.Nil(t, got.BasicConstraints)
}

func TestEncodeCSR_CARequest(t *testing.T) {
	key := newRSAKey(t, 2048)
	pathLen := 1
	csr, err := pki.EncodeCSR(pki.CSRParams{
		Subject: pki.Name{pki.AttrCN: "Sub CA"},
		Extensions: pki.Extensions{
			KeyUsage:         x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
			BasicConstraints: &pki.BasicConstraints{CA: true, PathLen: &pathLen},
		},
		SignatureAlgorithm: pki.SHA512WithRSA,
		Signer:             key,
	})
	require.NoError(t, err)
	assert.Equal(t, pki.SHA512WithRSA, csr.SignatureAlgorithm)
	assert.Equal(t, pki.RSA2048, csr.KeyAlgorithm)

	got, err := pki.ExtractCSRExtensions([]byte(csr.DER))
	require.NoError(t, err)
	require.NotNil(t, got.BasicConstraints)
	assert.True(t, got.BasicConstraints.CA)
	require.NotNil(t, got.BasicConstraints.PathLen)
	assert.Equal(t, 1, *got.BasicConstraints.PathLen)
	assert.Equal(t, x509.KeyUsageCertSign|x509.KeyUsageCRLSign, got.KeyUsage)
}

func TestEncodeCSR_Errors(t *testing.T) {
	key := newECKey(t, elliptic.P256())
	other := newECKey(t, elliptic.P256())

	_, err := pki.EncodeCSR(pki.CSRParams{Subject: pki.Name{pki.AttrCN: "x"}})
	assert.ErrorIs(t, err, pki.ErrMissingSigner)

	_, err = pki.EncodeCSR(pki.CSRParams{Subject: pki.Name{pki.AttrCN: "x"}, PublicKey: other.Public(), Signer: key})
	assert.ErrorIs(t, err, pki.ErrKeyMismatch)

	_, err = pki.EncodeCSR(pki.CSRParams{Subject: pki.Name{pki.AttrCN: "x"}, Signer: key, SignatureAlgorithm: pki.SHA384WithRSA})
	assert.ErrorIs(t, err, pki.ErrAlgorithmMismatch)

	_, err = pki.EncodeCSR(pki.CSRParams{Subject: pki.Name{pki.AttrCN: " x"}, Signer: key})
	assert.ErrorIs(t, err, pki.ErrInvalidName)
}

func TestCSR_TamperedSignature(t *testing.T) {
	key := newECKey(t, elliptic.P256())
	csr, err := pki.EncodeCSR(pki.CSRParams{Subject: pki.Name{pki.AttrCN: "tamper"}, Signer: key})
	require.NoError(t, err)

	raw := append([]byte(nil), csr.Raw...)
	// The last byte sits inside the signature value.
	raw[len(raw)-1] ^= 0xff
	assert.False(t, pki.VerifyCSR(raw))

	_, err = pki.ExtractCSRExtensions(raw)
	assert.ErrorIs(t, err, pki.ErrCSRSignature)
	assert.ErrorIs(t, err, pki.ErrFormat)

	// Decoding does not check the signature.
	md, err := pki.DecodeCSR(raw)
	require.NoError(t, err)
	assert.Equal(t, "tamper", md.Subject.CommonName())
}

func TestCSRFormatRoundTrip(t *testing.T) {
	key := newECKey(t, elliptic.P256())
	csr, err := pki.EncodeCSR(pki.CSRParams{Subject: pki.Name{pki.AttrCN: "fmt"}, Signer: key})
	require.NoError(t, err)

	der, err := pki.ConvertCSRFormat([]byte(csr.PEM), pki.FormatDER)
	require.NoError(t, err)
	assert.Equal(t, csr.DER, der)
	back, err := pki.ConvertCSRFormat([]byte(der), pki.FormatPEM)
	require.NoError(t, err)
	assert.Equal(t, csr.PEM, back)

	legacy := strings.ReplaceAll(csr.PEM, "CERTIFICATE REQUEST", "NEW CERTIFICATE REQUEST")
	parsed, err := pki.ParseCSR([]byte(legacy))
	require.NoError(t, err)
	assert.Equal(t, csr.Raw, parsed.Raw)
	assert.Equal(t, csr.PEM, parsed.PEM)
}

func TestDecodeCSR_Malformed(t *testing.T) {
	for _, in := range []string{"", "not a request", "-----BEGIN CERTIFICATE REQUEST-----\nAAAA\n-----END CERTIFICATE REQUEST-----\n"} {
		_, err := pki.DecodeCSR([]byte(in))
		assert.ErrorIs(t, err, pki.ErrMalformedCSR, "input %q", in)
		assert.False(t, pki.VerifyCSR([]byte(in)))
	}
}
