package ca

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/ironca/audit"
	"github.com/jmcleod/ironca/custody"
)

// signer returns a crypto.Signer for the custody key pair handles whose
// public half is pub, according to the signing policy. release must be
// called when signing is done.
func (s *Service) signer(ctx context.Context, caID string, handles custody.KeyPairHandles, pub crypto.PublicKey) (crypto.Signer, func(), error) {
	if s.policy != SigningLocal {
		return s.custody.SignerWithPublicKey(ctx, handles, pub), func() {}, nil
	}
	return s.localSigner(ctx, caID, handles)
}

// localSigner exports the private key and keeps the PKCS#8 encoding in a
// locked buffer until release. The parsed signer is an ordinary heap
// value: release wipes the buffer but not the key material held by the
// signer, which is left to the garbage collector.
func (s *Service) localSigner(ctx context.Context, caID string, handles custody.KeyPairHandles) (crypto.Signer, func(), error) {
	der, err := s.custody.ExportPrivateKey(ctx, handles.PrivateKeyID)
	s.record(ctx, audit.Entry{
		Event: audit.EventPrivateKeyAccessed,
		CAID:  caID,
		Attrs: map[string]string{"private_key_id": handles.PrivateKeyID},
	}, err)
	if err != nil {
		return nil, nil, s.custodyFailure(ctx, "exporting signing key", err)
	}
	if len(der) == 0 {
		return nil, nil, errors.New("custody returned an empty private key")
	}

	// NewEnclave wipes der.
	buf, err := memguard.NewEnclave(der).Open()
	if err != nil {
		return nil, nil, fmt.Errorf("opening key enclave: %w", err)
	}
	key, err := x509.ParsePKCS8PrivateKey(buf.Bytes())
	if err != nil {
		buf.Destroy()
		return nil, nil, fmt.Errorf("parsing exported key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		buf.Destroy()
		return nil, nil, fmt.Errorf("%w: %T", ErrKeyNotLocal, key)
	}
	s.logger.DebugContext(ctx, "signing locally", "ca_id", caID)
	return signer, buf.Destroy, nil
}
