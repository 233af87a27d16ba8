//go:build !pkcs11

package authority

import (
	"crypto"
	"errors"

	"github.com/jmcleod/ironca/pki"
)

var errPKCS11NotCompiled = errors.New("PKCS#11 support not compiled; rebuild with: go build -tags pkcs11")

// PKCS11Config holds the configuration for connecting to a PKCS#11 token.
type PKCS11Config struct {
	ModulePath string
	TokenLabel string
	PIN        string
	SlotNumber *int
}

// PKCS11KeyStore is a placeholder when the pkcs11 build tag is not set.
// Every method fails.
type PKCS11KeyStore struct{}

var _ KeyStore = (*PKCS11KeyStore)(nil)

// NewPKCS11KeyStore fails unless built with -tags pkcs11.
func NewPKCS11KeyStore(PKCS11Config) (*PKCS11KeyStore, error) {
	return nil, errPKCS11NotCompiled
}

func (p *PKCS11KeyStore) Close() error { return nil }

func (p *PKCS11KeyStore) GenerateKey(pki.KeyAlgorithm, string) (string, error) {
	return "", errPKCS11NotCompiled
}

func (p *PKCS11KeyStore) Signer(string) (crypto.Signer, error) {
	return nil, errPKCS11NotCompiled
}

func (p *PKCS11KeyStore) ExportPKCS8(string) ([]byte, error) {
	return nil, errPKCS11NotCompiled
}

func (p *PKCS11KeyStore) Delete(string) error {
	return errPKCS11NotCompiled
}
