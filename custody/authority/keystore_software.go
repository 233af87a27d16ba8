package authority

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"io"
	"sync"

	"github.com/jmcleod/ironca/pki"
)

// SoftwareKeyStore keeps RSA and ECDSA private keys in process memory.
// Keys do not survive a restart.
type SoftwareKeyStore struct {
	mu   sync.RWMutex
	keys map[string]crypto.Signer
	rand io.Reader
	seq  int
}

var _ KeyStore = (*SoftwareKeyStore)(nil)

// NewSoftwareKeyStore returns an empty SoftwareKeyStore.
func NewSoftwareKeyStore() *SoftwareKeyStore {
	return &SoftwareKeyStore{
		keys: make(map[string]crypto.Signer),
		rand: rand.Reader,
	}
}

// GenerateKey implements KeyStore.
func (s *SoftwareKeyStore) GenerateKey(alg pki.KeyAlgorithm, _ string) (string, error) {
	spec, err := pki.Resolve(alg)
	if err != nil {
		return "", err
	}
	var priv crypto.Signer
	switch spec.Type {
	case pki.KeyTypeRSA:
		priv, err = rsa.GenerateKey(s.rand, spec.Bits)
	case pki.KeyTypeECDSA:
		priv, err = ecdsa.GenerateKey(spec.Curve, s.rand)
	default:
		return "", fmt.Errorf("%w: %v", pki.ErrUnsupportedAlgorithm, alg)
	}
	if err != nil {
		return "", fmt.Errorf("generating %v key: %w", alg, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("sw-%d", s.seq)
	s.keys[id] = priv
	return id, nil
}

// Signer implements KeyStore.
func (s *SoftwareKeyStore) Signer(keyID string) (crypto.Signer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	priv, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return priv, nil
}

// ExportPKCS8 implements KeyStore.
func (s *SoftwareKeyStore) ExportPKCS8(keyID string) ([]byte, error) {
	priv, err := s.Signer(keyID)
	if err != nil {
		return nil, err
	}
	return x509.MarshalPKCS8PrivateKey(priv)
}

// Delete implements KeyStore.
func (s *SoftwareKeyStore) Delete(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyID)
	return nil
}

// Len returns the number of keys held.
func (s *SoftwareKeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
