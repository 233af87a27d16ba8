package ca

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jmcleod/ironca/audit"
	"github.com/jmcleod/ironca/custody"
	"github.com/jmcleod/ironca/internal/uuid"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
)

// ---------------------------------------------------------------------------
// Request and result types
// ---------------------------------------------------------------------------

// CreateCARequest describes a new certificate authority. An empty
// ParentCAID creates a self-signed root.
type CreateCARequest struct {
	Subject      pki.Name
	KeyAlgorithm pki.KeyAlgorithm
	// SignatureAlgorithm is what the new CA signs with. It defaults to the
	// pairing of its key algorithm.
	SignatureAlgorithm pki.SignatureAlgorithm
	ValidityYears      int
	ParentCAID         string
	PathLen            *int
	// Label is attached to the custody key pair.
	Label string
}

// CAResult is a created certificate authority.
type CAResult struct {
	CA          *storage.CARecord
	Certificate *pki.Certificate
}

// IssueRequest describes an end-entity certificate. The subject key is
// taken from PublicKey, then KeyHandles, and is otherwise created in
// custody with KeyAlgorithm.
type IssueRequest struct {
	CAID               string
	Subject            pki.Name
	KeyAlgorithm       pki.KeyAlgorithm
	SignatureAlgorithm pki.SignatureAlgorithm
	PublicKey          crypto.PublicKey
	KeyHandles         *custody.KeyPairHandles
	NotBefore          time.Time
	ValidityDays       int
	KeyUsage           x509.KeyUsage
	ExtKeyUsage        []x509.ExtKeyUsage
	SubjectAltNames    pki.SubjectAltNames
	Label              string
}

// SignCSRRequest issues a certificate for the key in a certificate
// signing request. KeyUsage, ExtKeyUsage and SubjectAltNames override
// what the request asks for when set.
type SignCSRRequest struct {
	CAID               string
	CSR                []byte
	SignatureAlgorithm pki.SignatureAlgorithm
	NotBefore          time.Time
	ValidityDays       int
	KeyUsage           x509.KeyUsage
	ExtKeyUsage        []x509.ExtKeyUsage
	SubjectAltNames    *pki.SubjectAltNames
}

// IssueResult is an issued certificate. KeyHandles is nil when the
// subject key is not held in custody.
type IssueResult struct {
	Certificate *pki.Certificate
	Record      *storage.CertificateRecord
	KeyHandles  *custody.KeyPairHandles
}

// ---------------------------------------------------------------------------
// CA creation
// ---------------------------------------------------------------------------

// CreateCA creates a key pair in custody and certifies it as a CA, either
// self-signed or under ParentCAID.
func (s *Service) CreateCA(ctx context.Context, req CreateCARequest) (res *CAResult, err error) {
	ctx, span := s.startSpan(ctx, "CreateCA", attribute.String("parent_ca_id", req.ParentCAID))
	defer func() { endSpan(span, err) }()

	entry := audit.Entry{Event: audit.EventCACreated, Subject: req.Subject.String()}
	defer func() { s.record(ctx, entry, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	alg := req.KeyAlgorithm
	if alg == pki.KeyAlgorithmUnknown {
		alg = s.defaultKeyAlgorithm
	}
	sigAlg := req.SignatureAlgorithm
	if sigAlg == pki.SignatureAlgorithmUnknown {
		if sigAlg, err = pki.DefaultSignatureAlgorithm(alg); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	var parent *issuer
	if req.ParentCAID != "" {
		if parent, err = s.loadIssuer(ctx, req.ParentCAID, now); err != nil {
			return nil, err
		}
		if parent.cert.MaxPathLenZero {
			return nil, fmt.Errorf("%w: CA %s may not certify further CAs", pki.ErrInvalidExtensionCombination, parent.record.ID)
		}
	}

	handles, pub, err := s.createKeyPair(ctx, alg, req.Label)
	if err != nil {
		return nil, err
	}
	if err := pki.CheckCompatible(sigAlg, pub); err != nil {
		s.destroyOrphan(ctx, handles)
		return nil, err
	}
	defer func() {
		if err != nil {
			s.destroyOrphan(ctx, handles)
		}
	}()

	serial, err := pki.GenerateSerial()
	if err != nil {
		return nil, err
	}
	years := req.ValidityYears
	if years <= 0 {
		years = s.caValidityYears
	}
	notAfter := now.AddDate(years, 0, 0)

	params := pki.CertificateParams{
		Subject:      req.Subject,
		SerialNumber: serial,
		NotBefore:    now,
		PublicKey:    pub,
		Extensions: pki.Extensions{
			KeyUsage:         x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
			BasicConstraints: &pki.BasicConstraints{CA: true, PathLen: req.PathLen},
			SubjectKeyID:     true,
			AuthorityKeyID:   parent != nil,
		},
	}
	caID := uuid.New()
	var (
		signerHandles = handles
		signerKey     = pub
		signerCA      = caID
	)
	if parent == nil {
		params.SelfSigned = true
		params.SignatureAlgorithm = sigAlg
	} else {
		params.IssuerCertificate = parent.cert
		params.SignatureAlgorithm = parent.record.SignatureAlgorithm
		notAfter = clampNotAfter(notAfter, parent.record.NotAfter)
		signerHandles, signerKey, signerCA = parent.record.KeyHandles, parent.cert.PublicKey, parent.record.ID
	}
	params.NotAfter = notAfter

	signer, release, err := s.signer(ctx, signerCA, signerHandles, signerKey)
	if err != nil {
		return nil, err
	}
	cert, err := pki.EncodeCertificate(withSigner(params, signer))
	release()
	if err != nil {
		return nil, s.signingFailure(ctx, "signing CA certificate", err)
	}

	issuerID := caID
	if parent != nil {
		issuerID = parent.record.ID
	}
	certRecord := newCertificateRecord(uuid.New(), issuerID, cert, &handles, now)
	certRecord.IsCA = true
	caRecord := &storage.CARecord{
		ID:                 caID,
		ParentID:           req.ParentCAID,
		Subject:            cert.Subject.String(),
		CertificateID:      certRecord.ID,
		SerialNumber:       cert.SerialNumber,
		KeyAlgorithm:       alg,
		SignatureAlgorithm: sigAlg,
		KeyHandles:         handles,
		CertificatePEM:     cert.PEM,
		NotBefore:          cert.NotBefore,
		NotAfter:           cert.NotAfter,
		Status:             storage.CAActive,
		CreatedAt:          now,
	}
	if err := s.store.InsertCAWithCertificate(ctx, caRecord, certRecord); err != nil {
		return nil, fmt.Errorf("storing CA: %w", err)
	}

	entry.CAID, entry.CertID, entry.SerialNumber = caID, certRecord.ID, cert.SerialNumber
	entry.Attrs = map[string]string{"key_algorithm": alg.String(), "parent_ca_id": req.ParentCAID}
	s.metrics.certificateIssued(ctx, issuerID, "ca")
	s.logger.InfoContext(ctx, "CA created", "ca_id", caID, "subject", caRecord.Subject,
		"key_algorithm", alg.String(), "parent_ca_id", req.ParentCAID)
	return &CAResult{CA: caRecord, Certificate: cert}, nil
}

// ---------------------------------------------------------------------------
// End-entity issuance
// ---------------------------------------------------------------------------

// IssueCertificate issues an end-entity certificate signed by the CA's
// custody-held key.
func (s *Service) IssueCertificate(ctx context.Context, req IssueRequest) (res *IssueResult, err error) {
	ctx, span := s.startSpan(ctx, "IssueCertificate", attribute.String("ca_id", req.CAID))
	defer func() { endSpan(span, err) }()

	entry := audit.Entry{Event: audit.EventCertIssued, CAID: req.CAID, Subject: req.Subject.String()}
	defer func() { s.record(ctx, entry, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	iss, err := s.loadIssuer(ctx, req.CAID, now)
	if err != nil {
		return nil, err
	}
	key, err := s.resolveSubjectKey(ctx, req.KeyAlgorithm, req.PublicKey, req.KeyHandles, req.Label)
	if err != nil {
		return nil, err
	}
	defer key.cleanup(ctx, s, &err)

	res, err = s.issue(ctx, &issuance{
		kind:      "certificate",
		issuer:    iss,
		subject:   req.Subject,
		key:       key,
		sigAlg:    req.SignatureAlgorithm,
		notBefore: req.NotBefore,
		days:      req.ValidityDays,
		now:       now,
		extensions: pki.Extensions{
			KeyUsage:         defaultKeyUsage(req.KeyUsage),
			ExtKeyUsage:      req.ExtKeyUsage,
			SubjectAltNames:  req.SubjectAltNames,
			BasicConstraints: &pki.BasicConstraints{},
			SubjectKeyID:     true,
			AuthorityKeyID:   true,
		},
	})
	if err != nil {
		return nil, err
	}
	entry.CertID, entry.SerialNumber = res.Record.ID, res.Record.SerialNumber
	return res, nil
}

// SignCSR issues a certificate for the public key of a verified
// certificate signing request.
func (s *Service) SignCSR(ctx context.Context, req SignCSRRequest) (res *IssueResult, err error) {
	ctx, span := s.startSpan(ctx, "SignCSR", attribute.String("ca_id", req.CAID))
	defer func() { endSpan(span, err) }()

	entry := audit.Entry{Event: audit.EventCSRSigned, CAID: req.CAID}
	defer func() { s.record(ctx, entry, err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	csr, err := pki.ParseCSR(req.CSR)
	if err != nil {
		return nil, err
	}
	entry.Subject = csr.Subject.String()
	if !pki.VerifyCSR(csr.Raw) {
		return nil, pki.ErrCSRSignature
	}
	if csr.KeyAlgorithm == pki.KeyAlgorithmUnknown {
		return nil, fmt.Errorf("%w: CSR public key", pki.ErrUnsupportedAlgorithm)
	}
	if csr.Extensions.IsCA() {
		return nil, fmt.Errorf("%w: CSR asks for a CA certificate", pki.ErrInvalidExtensionCombination)
	}

	now := s.now().UTC()
	iss, err := s.loadIssuer(ctx, req.CAID, now)
	if err != nil {
		return nil, err
	}

	exts := pki.Extensions{
		KeyUsage:         defaultKeyUsage(csr.Extensions.KeyUsage),
		ExtKeyUsage:      csr.Extensions.ExtKeyUsage,
		SubjectAltNames:  csr.Extensions.SubjectAltNames,
		BasicConstraints: &pki.BasicConstraints{},
		SubjectKeyID:     true,
		AuthorityKeyID:   true,
	}
	if req.KeyUsage != 0 {
		exts.KeyUsage = req.KeyUsage
	}
	if req.ExtKeyUsage != nil {
		exts.ExtKeyUsage = req.ExtKeyUsage
	}
	if req.SubjectAltNames != nil {
		exts.SubjectAltNames = *req.SubjectAltNames
	}

	res, err = s.issue(ctx, &issuance{
		kind:       "csr",
		issuer:     iss,
		subject:    csr.Subject,
		key:        &subjectKey{public: csr.PublicKey},
		sigAlg:     req.SignatureAlgorithm,
		notBefore:  req.NotBefore,
		days:       req.ValidityDays,
		now:        now,
		extensions: exts,
	})
	if err != nil {
		return nil, err
	}
	entry.CertID, entry.SerialNumber = res.Record.ID, res.Record.SerialNumber
	return res, nil
}

// ---------------------------------------------------------------------------
// Shared issuance path
// ---------------------------------------------------------------------------

// issuance is the resolved input of one certificate.
type issuance struct {
	kind       string
	issuer     *issuer
	subject    pki.Name
	key        *subjectKey
	sigAlg     pki.SignatureAlgorithm
	notBefore  time.Time
	notAfter   time.Time
	days       int
	now        time.Time
	extensions pki.Extensions
}

// issue allocates a serial, signs with the issuing CA and stores the
// record. Every custody call happens before the store write.
func (s *Service) issue(ctx context.Context, in *issuance) (*IssueResult, error) {
	ca := in.issuer.record
	sigAlg := in.sigAlg
	if sigAlg == pki.SignatureAlgorithmUnknown {
		sigAlg = ca.SignatureAlgorithm
	}
	keyAlg, err := pki.KeyAlgorithmOf(in.key.public)
	if err != nil {
		return nil, err
	}

	notBefore := in.notBefore
	if notBefore.IsZero() {
		notBefore = in.now
	}
	notAfter := in.notAfter
	if notAfter.IsZero() {
		days := in.days
		if days <= 0 {
			days = s.certValidityDays
		}
		notAfter = notBefore.AddDate(0, 0, days)
	}
	notAfter = clampNotAfter(notAfter, ca.NotAfter)

	serial, err := pki.GenerateSerial()
	if err != nil {
		return nil, err
	}

	signer, release, err := s.signer(ctx, ca.ID, ca.KeyHandles, in.issuer.cert.PublicKey)
	if err != nil {
		return nil, err
	}
	cert, err := pki.EncodeCertificate(pki.CertificateParams{
		Subject:            in.subject,
		IssuerCertificate:  in.issuer.cert,
		SerialNumber:       serial,
		NotBefore:          notBefore,
		NotAfter:           notAfter,
		PublicKey:          in.key.public,
		Extensions:         in.extensions,
		SignatureAlgorithm: sigAlg,
		Signer:             signer,
	})
	release()
	if err != nil {
		return nil, s.signingFailure(ctx, "signing certificate", err)
	}

	record := newCertificateRecord(uuid.New(), ca.ID, cert, in.key.handles, in.now)
	record.KeyAlgorithm = keyAlg
	if err := s.store.InsertCertificate(ctx, record); err != nil {
		return nil, fmt.Errorf("storing certificate: %w", err)
	}
	// The stored certificate now owns the key pair.
	in.key.created = false

	s.metrics.certificateIssued(ctx, ca.ID, in.kind)
	s.logger.InfoContext(ctx, "certificate issued", "ca_id", ca.ID, "certificate_id", record.ID,
		"serial", record.SerialNumber, "subject", record.Subject, "kind", in.kind)
	return &IssueResult{Certificate: cert, Record: record, KeyHandles: in.key.handles}, nil
}

// subjectKey is the public key being certified and, when custody holds
// it, its handles.
type subjectKey struct {
	public  crypto.PublicKey
	handles *custody.KeyPairHandles
	// created is set when the verb made the key pair and must destroy it
	// on failure.
	created bool
}

// cleanup destroys a key pair created by a verb that failed.
func (k *subjectKey) cleanup(ctx context.Context, s *Service, err *error) {
	if *err != nil && k.created && k.handles != nil {
		s.destroyOrphan(ctx, *k.handles)
	}
}

// resolveSubjectKey resolves the key to certify: an explicit public key, the
// public half of existing handles, or a new custody key pair.
func (s *Service) resolveSubjectKey(ctx context.Context, alg pki.KeyAlgorithm, pub crypto.PublicKey, handles *custody.KeyPairHandles, label string) (*subjectKey, error) {
	if handles != nil {
		held, err := s.custody.GetPublicKey(ctx, handles.PublicKeyID)
		if err != nil {
			return nil, s.custodyFailure(ctx, "fetching subject public key", err)
		}
		if pub != nil && !sameKey(pub, held) {
			return nil, fmt.Errorf("%w: public key does not belong to the key handles", pki.ErrKeyMismatch)
		}
		pub = held
	}
	if pub != nil {
		if alg != pki.KeyAlgorithmUnknown && !pki.ValidateKeyAlgorithm(pub, alg) {
			return nil, fmt.Errorf("%w: public key is not %s", pki.ErrAlgorithmMismatch, alg)
		}
		if _, err := pki.KeyAlgorithmOf(pub); err != nil {
			return nil, err
		}
		return &subjectKey{public: pub, handles: handles}, nil
	}

	if alg == pki.KeyAlgorithmUnknown {
		alg = s.defaultKeyAlgorithm
	}
	created, pub, err := s.createKeyPair(ctx, alg, label)
	if err != nil {
		return nil, err
	}
	return &subjectKey{public: pub, handles: &created, created: true}, nil
}

// createKeyPair creates a key pair in custody and fetches its public half.
func (s *Service) createKeyPair(ctx context.Context, alg pki.KeyAlgorithm, label string) (custody.KeyPairHandles, crypto.PublicKey, error) {
	kreq, err := custody.KeyPairRequestFor(alg, label)
	if err != nil {
		return custody.KeyPairHandles{}, nil, err
	}
	handles, err := s.custody.CreateKeyPair(ctx, kreq)
	if err != nil {
		return custody.KeyPairHandles{}, nil, s.custodyFailure(ctx, "creating key pair", err)
	}
	pub, err := s.custody.GetPublicKey(ctx, handles.PublicKeyID)
	if err != nil {
		s.destroyOrphan(ctx, handles)
		return custody.KeyPairHandles{}, nil, s.custodyFailure(ctx, "fetching public key", err)
	}
	if !pki.ValidateKeyAlgorithm(pub, alg) {
		s.destroyOrphan(ctx, handles)
		return custody.KeyPairHandles{}, nil, fmt.Errorf("%w: custody returned a key that is not %s", pki.ErrAlgorithmMismatch, alg)
	}
	return handles, pub, nil
}

// signingFailure classifies an encoding error: custody failures raised by
// a remote signer are counted, codec errors pass through.
func (s *Service) signingFailure(ctx context.Context, step string, err error) error {
	var ce *custody.Error
	if errors.As(err, &ce) {
		return s.custodyFailure(ctx, step, err)
	}
	return err
}

func newCertificateRecord(id, caID string, cert *pki.Certificate, handles *custody.KeyPairHandles, now time.Time) *storage.CertificateRecord {
	return &storage.CertificateRecord{
		ID:           id,
		CAID:         caID,
		SerialNumber: cert.SerialNumber,
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		Status:       storage.StatusActive,
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		KeyAlgorithm: cert.KeyAlgorithm,
		KeyHandles:   handles,
		PEM:          cert.PEM,
		CreatedAt:    now,
	}
}

func withSigner(p pki.CertificateParams, signer crypto.Signer) pki.CertificateParams {
	p.Signer = signer
	return p
}

func defaultKeyUsage(ku x509.KeyUsage) x509.KeyUsage {
	if ku == 0 {
		return x509.KeyUsageDigitalSignature
	}
	return ku
}

// clampNotAfter keeps a certificate inside its issuer's validity.
func clampNotAfter(notAfter, issuerNotAfter time.Time) time.Time {
	if notAfter.After(issuerNotAfter) {
		return issuerNotAfter
	}
	return notAfter
}

type equalKey interface {
	Equal(crypto.PublicKey) bool
}

func sameKey(a, b crypto.PublicKey) bool {
	k, ok := a.(equalKey)
	return ok && k.Equal(b)
}
