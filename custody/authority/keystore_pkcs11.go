//go:build pkcs11

package authority

import (
	"crypto"
	"fmt"
	"strings"
	"sync"

	"github.com/ThalesIgnite/crypto11"

	"github.com/jmcleod/ironca/internal/uuid"
	"github.com/jmcleod/ironca/pki"
)

// PKCS11Config holds the configuration for connecting to a PKCS#11 token.
type PKCS11Config struct {
	// ModulePath is the path to the PKCS#11 shared library
	// (e.g., /usr/lib/softhsm/libsofthsm2.so).
	ModulePath string
	TokenLabel string
	PIN        string
	// SlotNumber overrides TokenLabel for slot selection when set.
	SlotNumber *int
}

// PKCS11KeyStore keeps private keys on a PKCS#11 token. Key IDs are
// "pkcs11-<label>" and key material never leaves the device.
type PKCS11KeyStore struct {
	ctx *crypto11.Context
	mu  sync.Mutex
}

var _ KeyStore = (*PKCS11KeyStore)(nil)

// NewPKCS11KeyStore connects to the configured token. The caller must
// call Close when finished.
func NewPKCS11KeyStore(cfg PKCS11Config) (*PKCS11KeyStore, error) {
	ctx, err := crypto11.Configure(&crypto11.Config{
		Path:       cfg.ModulePath,
		TokenLabel: cfg.TokenLabel,
		Pin:        cfg.PIN,
		SlotNumber: cfg.SlotNumber,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring PKCS#11: %w", err)
	}
	return &PKCS11KeyStore{ctx: ctx}, nil
}

// Close releases the PKCS#11 context.
func (p *PKCS11KeyStore) Close() error {
	if p.ctx != nil {
		return p.ctx.Close()
	}
	return nil
}

// GenerateKey creates a key pair on the token under a fresh label.
func (p *PKCS11KeyStore) GenerateKey(alg pki.KeyAlgorithm, _ string) (string, error) {
	spec, err := pki.Resolve(alg)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	label := "ironca-" + uuid.New()
	labelBytes := []byte(label)
	switch spec.Type {
	case pki.KeyTypeRSA:
		_, err = p.ctx.GenerateRSAKeyPairWithLabel(labelBytes, labelBytes, spec.Bits)
	case pki.KeyTypeECDSA:
		_, err = p.ctx.GenerateECDSAKeyPairWithLabel(labelBytes, labelBytes, spec.Curve)
	}
	if err != nil {
		return "", fmt.Errorf("generating %v key on token: %w", alg, err)
	}
	return "pkcs11-" + label, nil
}

// Signer returns a token-backed signer.
func (p *PKCS11KeyStore) Signer(keyID string) (crypto.Signer, error) {
	signer, err := p.find(keyID)
	if err != nil {
		return nil, err
	}
	if signer == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return signer, nil
}

// ExportPKCS8 always fails; token keys are not extractable.
func (p *PKCS11KeyStore) ExportPKCS8(keyID string) ([]byte, error) {
	return nil, fmt.Errorf("%w: %s is held on a PKCS#11 token", ErrKeyNotExportable, keyID)
}

// Delete removes the key pair from the token.
func (p *PKCS11KeyStore) Delete(keyID string) error {
	signer, err := p.find(keyID)
	if err != nil {
		return fmt.Errorf("finding key for deletion: %w", err)
	}
	if signer == nil {
		return nil
	}
	return signer.Delete()
}

func (p *PKCS11KeyStore) find(keyID string) (crypto11.Signer, error) {
	label := strings.TrimPrefix(keyID, "pkcs11-")
	signer, err := p.ctx.FindKeyPair(nil, []byte(label))
	if err != nil {
		return nil, fmt.Errorf("%w: %s (token: %v)", ErrKeyNotFound, keyID, err)
	}
	return signer, nil
}
