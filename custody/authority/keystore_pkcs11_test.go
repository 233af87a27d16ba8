//go:build pkcs11

package authority_test

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/custody"
	"github.com/jmcleod/ironca/custody/authority"
	"github.com/jmcleod/ironca/pki"
)

// softhsmAvailable returns true if SoftHSM2 is configured for testing.
func softhsmAvailable() bool {
	return os.Getenv("SOFTHSM2_MODULE") != "" &&
		os.Getenv("SOFTHSM2_TOKEN_LABEL") != "" &&
		os.Getenv("SOFTHSM2_PIN") != ""
}

func newPKCS11KeyStore(t *testing.T) *authority.PKCS11KeyStore {
	t.Helper()
	if !softhsmAvailable() {
		t.Skip("SoftHSM2 not configured (set SOFTHSM2_MODULE, SOFTHSM2_TOKEN_LABEL, SOFTHSM2_PIN)")
	}
	ks, err := authority.NewPKCS11KeyStore(authority.PKCS11Config{
		ModulePath: os.Getenv("SOFTHSM2_MODULE"),
		TokenLabel: os.Getenv("SOFTHSM2_TOKEN_LABEL"),
		PIN:        os.Getenv("SOFTHSM2_PIN"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { ks.Close() })
	return ks
}

func TestPKCS11KeyStore_GenerateAndSign(t *testing.T) {
	ks := newPKCS11KeyStore(t)

	keyID, err := ks.GenerateKey(pki.ECDSAP256, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(keyID, "pkcs11-ironca-"))

	signer, err := ks.Signer(keyID)
	require.NoError(t, err)
	assert.True(t, pki.ValidateKeyAlgorithm(signer.Public(), pki.ECDSAP256))
	digest := sha256.Sum256([]byte("hsm"))
	_, err = signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	require.NoError(t, err)

	_, err = ks.ExportPKCS8(keyID)
	assert.ErrorIs(t, err, authority.ErrKeyNotExportable)

	require.NoError(t, ks.Delete(keyID))
}

func TestPKCS11KeyStore_SignerNotFound(t *testing.T) {
	ks := newPKCS11KeyStore(t)
	_, err := ks.Signer("pkcs11-nonexistent-key")
	assert.ErrorIs(t, err, authority.ErrKeyNotFound)
}

func TestPKCS11KeyStore_ExportIsNotExtractable(t *testing.T) {
	srv := authority.New(newPKCS11KeyStore(t), authority.WithExport(true))
	c := custody.NewClient(srv)
	req, err := custody.KeyPairRequestFor(pki.ECDSAP256, "hsm")
	require.NoError(t, err)
	handles, err := c.CreateKeyPair(t.Context(), req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Destroy(t.Context(), handles.PrivateKeyID) })

	_, err = c.ExportPrivateKey(t.Context(), handles.PrivateKeyID)
	assert.True(t, custody.HasReason(err, custody.ReasonNotExtractable))
}
