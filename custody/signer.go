package custody

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"

	"github.com/jmcleod/ironca/pki"
)

// ErrUnsupportedSignature is returned by a remote signer for signature
// schemes the protocol cannot express.
var ErrUnsupportedSignature = errors.New("unsupported signature scheme for remote signing")

// RemoteSigner is a crypto.Signer whose private key stays in custody.
// Every Sign call is one Certify round trip.
type RemoteSigner struct {
	// ctx is used for the Certify requests; crypto.Signer carries none.
	ctx     context.Context
	client  *Client
	handles KeyPairHandles
	public  crypto.PublicKey
}

var _ crypto.Signer = (*RemoteSigner)(nil)

// Signer fetches the public half of handles and returns a signer bound to
// ctx.
func (c *Client) Signer(ctx context.Context, handles KeyPairHandles) (*RemoteSigner, error) {
	pub, err := c.GetPublicKey(ctx, handles.PublicKeyID)
	if err != nil {
		return nil, err
	}
	return c.SignerWithPublicKey(ctx, handles, pub), nil
}

// SignerWithPublicKey returns a signer for a key whose public half is
// already known, for instance from the CA certificate.
func (c *Client) SignerWithPublicKey(ctx context.Context, handles KeyPairHandles, pub crypto.PublicKey) *RemoteSigner {
	return &RemoteSigner{ctx: ctx, client: c, handles: handles, public: pub}
}

// Public implements crypto.Signer.
func (s *RemoteSigner) Public() crypto.PublicKey { return s.public }

// Handles returns the custody handles the signer uses.
func (s *RemoteSigner) Handles() KeyPairHandles { return s.handles }

// Sign implements crypto.Signer. Only PKCS#1 v1.5 RSA and ECDSA
// signatures over SHA-256, SHA-384 and SHA-512 are supported.
func (s *RemoteSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if _, ok := opts.(*rsa.PSSOptions); ok {
		return nil, fmt.Errorf("%w: RSA-PSS", ErrUnsupportedSignature)
	}
	hash := opts.HashFunc()
	hashing, ok := HashingAlgorithmFor(hash)
	if !ok {
		return nil, fmt.Errorf("%w: hash %v", ErrUnsupportedSignature, hash)
	}
	if len(digest) != hash.Size() {
		return nil, fmt.Errorf("%w: digest of %d bytes for %v", ErrUnsupportedSignature, len(digest), hash)
	}
	sigAlg, err := signatureAlgorithmForKey(s.public, hash)
	if err != nil {
		return nil, err
	}
	return s.client.Certify(s.ctx, CertifyRequest{
		ID:        s.handles.PrivateKeyID,
		Hashing:   hashing,
		Signature: sigAlg,
		Data:      digest,
	})
}

func signatureAlgorithmForKey(pub crypto.PublicKey, hash crypto.Hash) (DigitalSignatureAlgorithm, error) {
	var alg pki.SignatureAlgorithm
	switch pub.(type) {
	case *rsa.PublicKey:
		switch hash {
		case crypto.SHA256:
			alg = pki.SHA256WithRSA
		case crypto.SHA384:
			alg = pki.SHA384WithRSA
		case crypto.SHA512:
			alg = pki.SHA512WithRSA
		}
	case *ecdsa.PublicKey:
		switch hash {
		case crypto.SHA256:
			alg = pki.ECDSAWithSHA256
		case crypto.SHA384:
			alg = pki.ECDSAWithSHA384
		case crypto.SHA512:
			alg = pki.ECDSAWithSHA512
		}
	default:
		return 0, fmt.Errorf("%w: key type %T", ErrUnsupportedSignature, pub)
	}
	d, ok := SignatureAlgorithmFor(alg)
	if !ok {
		return 0, fmt.Errorf("%w: hash %v", ErrUnsupportedSignature, hash)
	}
	return d, nil
}
