package authority

import (
	"crypto"
	"errors"

	"github.com/jmcleod/ironca/pki"
)

// KeyStore holds the private keys behind the authority's managed objects.
// A keyID is opaque and implementation-defined: a map key for software
// keys, a token label for PKCS#11 keys.
type KeyStore interface {
	// GenerateKey creates a key pair of the given algorithm. label is a
	// human-readable hint and may be empty.
	GenerateKey(alg pki.KeyAlgorithm, label string) (keyID string, err error)

	// Signer returns a crypto.Signer for keyID. For hardware backends the
	// signature is computed on the device.
	Signer(keyID string) (crypto.Signer, error)

	// ExportPKCS8 returns the private key as DER PKCS#8, or
	// ErrKeyNotExportable when the backend keeps key material on device.
	ExportPKCS8(keyID string) ([]byte, error)

	// Delete destroys the key. Deleting an unknown key is not an error.
	Delete(keyID string) error
}

var (
	// ErrKeyNotExportable is returned by ExportPKCS8 when key material may
	// not leave the backend.
	ErrKeyNotExportable = errors.New("private key is not exportable")

	// ErrKeyNotFound is returned when keyID does not exist.
	ErrKeyNotFound = errors.New("key not found")
)
