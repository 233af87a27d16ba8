// Package authority is a reference key custody authority speaking the
// custody wire protocol. It backs tests and development deployments; its
// private keys live in a KeyStore.
package authority

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jmcleod/ironca/custody"
	"github.com/jmcleod/ironca/internal/uuid"
	"github.com/jmcleod/ironca/pki"
)

// object is one managed object. A key pair is two objects linked to
// each other and sharing keyID.
type object struct {
	id         string
	typ        custody.ObjectType
	state      custody.KeyState
	keyID      string
	link       string
	label      string
	material   []byte
	compromise time.Time
}

// Server is an in-memory custody authority. It is safe for concurrent
// use.
type Server struct {
	keys   KeyStore
	export bool
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	objects map[string]*object

	connMu    sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	closed    bool
	wg        sync.WaitGroup
}

var _ custody.Transport = (*Server)(nil)

// Option configures a Server.
type Option func(*Server)

// WithExport allows private keys to be exported through Get.
func WithExport(allow bool) Option {
	return func(s *Server) { s.export = allow }
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithClock overrides the time source used for response timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New returns a Server backed by keys.
func New(keys KeyStore, opts ...Option) *Server {
	s := &Server{
		keys:      keys,
		logger:    slog.Default(),
		now:       time.Now,
		objects:   make(map[string]*object),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "custody-authority")
	return s
}

// RoundTrip implements custody.Transport in process. Protocol failures
// are reported inside the response; the error is only set when the
// response itself cannot be encoded.
func (s *Server) RoundTrip(ctx context.Context, request []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Handle(request).Marshal()
}

// Handle processes one encoded request.
func (s *Server) Handle(request []byte) custody.Response {
	req, err := custody.ParseRequest(request)
	if err != nil {
		return custody.NewFailure(0, s.now(), custody.ReasonInvalidMessage, err.Error())
	}
	if !req.Operation.Supported() {
		return custody.NewFailure(req.Operation, s.now(), custody.ReasonOperationNotSupported,
			fmt.Sprintf("operation %s is not supported", req.Operation))
	}

	var payload []custody.Item
	switch req.Operation {
	case custody.OpCreateKeyPair:
		payload, err = s.createKeyPair(req.Payload)
	case custody.OpGet:
		payload, err = s.get(req.Payload)
	case custody.OpCertify:
		payload, err = s.certify(req.Payload)
	case custody.OpRevoke:
		payload, err = s.revoke(req.Payload)
	case custody.OpDestroy:
		payload, err = s.destroy(req.Payload)
	}
	if err != nil {
		var f *failure
		if !errors.As(err, &f) {
			f = &failure{reason: custody.ReasonInvalidMessage, msg: err.Error()}
		}
		s.logger.Debug("request failed", "operation", req.Operation.String(), "reason", f.reason.String(), "message", f.msg)
		return custody.NewFailure(req.Operation, s.now(), f.reason, f.msg)
	}
	return custody.NewResponse(req.Operation, s.now(), payload...)
}

type failure struct {
	reason custody.ResultReason
	msg    string
}

func (f *failure) Error() string { return f.reason.String() + ": " + f.msg }

func fail(reason custody.ResultReason, format string, args ...any) error {
	return &failure{reason: reason, msg: fmt.Sprintf(format, args...)}
}

func (s *Server) createKeyPair(payload custody.Item) ([]custody.Item, error) {
	req, err := custody.ParseCreateKeyPairRequest(payload)
	if err != nil {
		return nil, err
	}
	alg, err := req.KeyAlgorithm()
	if err != nil {
		return nil, fail(custody.ReasonInvalidField, "%v", err)
	}
	keyID, err := s.keys.GenerateKey(alg, req.Label)
	if err != nil {
		return nil, fail(custody.ReasonCryptographicFailure, "generating key: %v", err)
	}
	signer, err := s.keys.Signer(keyID)
	if err != nil {
		return nil, fail(custody.ReasonCryptographicFailure, "%v", err)
	}
	spki, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return nil, fail(custody.ReasonCryptographicFailure, "encoding public key: %v", err)
	}

	priv := &object{id: uuid.New(), typ: custody.ObjectPrivateKey, state: custody.StatePreActive, keyID: keyID, label: req.Label}
	pub := &object{id: uuid.New(), typ: custody.ObjectPublicKey, state: custody.StatePreActive, keyID: keyID, label: req.Label, material: spki}
	priv.link, pub.link = pub.id, priv.id
	for _, o := range []*object{priv, pub} {
		if o.state, err = o.state.Next(custody.OpCreateKeyPair, false); err != nil {
			return nil, fail(custody.ReasonWrongKeyState, "%v", err)
		}
	}

	s.mu.Lock()
	s.objects[priv.id] = priv
	s.objects[pub.id] = pub
	s.mu.Unlock()

	s.logger.Info("key pair created", "algorithm", alg.String(), "private_key_id", priv.id, "public_key_id", pub.id)
	return custody.KeyPairHandles{PrivateKeyID: priv.id, PublicKeyID: pub.id}.Payload(), nil
}

func (s *Server) lookup(id string) (*object, error) {
	o, ok := s.objects[id]
	if !ok {
		return nil, fail(custody.ReasonItemNotFound, "object %s not found", id)
	}
	return o, nil
}

func (s *Server) get(payload custody.Item) ([]custody.Item, error) {
	req, err := custody.ParseGetRequest(payload)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.lookup(req.ID)
	if err != nil {
		return nil, err
	}
	if o.state.Terminal() {
		return nil, fail(custody.ReasonWrongKeyState, "object %s is %s", o.id, o.state)
	}

	obj := custody.Object{ID: o.id, Type: o.typ, State: o.state}
	switch o.typ {
	case custody.ObjectPublicKey, custody.ObjectCertificate:
		if req.Format != 0 && req.Format != custody.FormatX509 {
			return nil, fail(custody.ReasonInvalidField, "format 0x%02x not available for %s", uint32(req.Format), o.typ)
		}
		obj.Format, obj.Material = custody.FormatX509, o.material
	case custody.ObjectPrivateKey:
		if req.Format != 0 && req.Format != custody.FormatPKCS8 {
			return nil, fail(custody.ReasonInvalidField, "format 0x%02x not available for private keys", uint32(req.Format))
		}
		if !s.export {
			return nil, fail(custody.ReasonPermissionDenied, "private key export is disabled")
		}
		der, err := s.keys.ExportPKCS8(o.keyID)
		if errors.Is(err, ErrKeyNotExportable) {
			return nil, fail(custody.ReasonNotExtractable, "%v", err)
		}
		if err != nil {
			return nil, fail(custody.ReasonCryptographicFailure, "%v", err)
		}
		obj.Format, obj.Material = custody.FormatPKCS8, der
		s.logger.Warn("private key exported", "id", o.id)
	}
	return obj.Payload(), nil
}

func (s *Server) certify(payload custody.Item) ([]custody.Item, error) {
	req, err := custody.ParseCertifyRequest(payload)
	if err != nil {
		return nil, err
	}
	hash, ok := req.Hashing.Hash()
	if !ok {
		return nil, fail(custody.ReasonInvalidField, "hashing algorithm 0x%02x", uint32(req.Hashing))
	}
	if len(req.Data) != hash.Size() {
		return nil, fail(custody.ReasonInvalidField, "digest of %d bytes for %v", len(req.Data), hash)
	}

	s.mu.Lock()
	o, err := s.lookup(req.ID)
	var keyID string
	if err == nil {
		switch {
		case o.typ != custody.ObjectPrivateKey:
			err = fail(custody.ReasonInvalidField, "object %s is a %s", o.id, o.typ)
		case !o.state.CanSign():
			err = fail(custody.ReasonWrongKeyState, "object %s is %s", o.id, o.state)
		default:
			keyID = o.keyID
		}
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	signer, err := s.keys.Signer(keyID)
	if err != nil {
		return nil, fail(custody.ReasonCryptographicFailure, "%v", err)
	}
	want := req.Signature.SignatureAlgorithm()
	if want.KeyType() != pki.KeyTypeOf(signer.Public()) || want.Hash() != hash {
		return nil, fail(custody.ReasonInvalidField, "signature algorithm %v does not fit the key", want)
	}
	sig, err := signer.Sign(rand.Reader, req.Data, hash)
	if err != nil {
		return nil, fail(custody.ReasonCryptographicFailure, "signing: %v", err)
	}
	return custody.CertifyResponse{ID: req.ID, Signature: sig}.Payload(), nil
}

func (s *Server) revoke(payload custody.Item) ([]custody.Item, error) {
	req, err := custody.ParseRevokeRequest(payload)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.lookup(req.ID)
	if err != nil {
		return nil, err
	}
	next, err := o.state.Next(custody.OpRevoke, req.Reason.Compromised())
	if err != nil {
		return nil, fail(custody.ReasonWrongKeyState, "%v", err)
	}
	if next == custody.StateCompromised && o.compromise.IsZero() {
		o.compromise = req.CompromiseDate
	}
	if next != o.state {
		s.logger.Info("object revoked", "id", o.id, "from", o.state.String(), "to", next.String())
	}
	o.state = next
	return custody.IDPayload(o.id), nil
}

func (s *Server) destroy(payload custody.Item) ([]custody.Item, error) {
	id, err := custody.ParseID(payload)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if o.state.Terminal() {
		return custody.IDPayload(o.id), nil
	}
	next, err := o.state.Next(custody.OpDestroy, false)
	if err != nil {
		return nil, fail(custody.ReasonWrongKeyState, "%v", err)
	}
	if o.typ == custody.ObjectPrivateKey {
		if err := s.keys.Delete(o.keyID); err != nil {
			return nil, fail(custody.ReasonCryptographicFailure, "deleting key: %v", err)
		}
	}
	o.state = next
	o.material = nil
	s.logger.Info("object destroyed", "id", o.id, "state", next.String())
	return custody.IDPayload(o.id), nil
}

// RegisterCertificate stores a certificate object linked to linkID and
// returns its identifier.
func (s *Server) RegisterCertificate(der []byte, linkID string) (string, error) {
	if _, err := x509.ParseCertificate(der); err != nil {
		return "", fmt.Errorf("registering certificate: %w", err)
	}
	o := &object{id: uuid.New(), typ: custody.ObjectCertificate, state: custody.StateActive, link: linkID, material: der}
	s.mu.Lock()
	s.objects[o.id] = o
	s.mu.Unlock()
	return o.id, nil
}

// State returns the lifecycle state of an object.
func (s *Server) State(id string) (custody.KeyState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[id]
	if !ok {
		return 0, false
	}
	return o.state, true
}

// ---------------------------------------------------------------------------
// TCP listener
// ---------------------------------------------------------------------------

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("custody authority closed")

// Serve accepts connections on l and answers framed requests until Close.
func (s *Server) Serve(l net.Listener) error {
	s.connMu.Lock()
	if s.closed {
		s.connMu.Unlock()
		return ErrServerClosed
	}
	s.listeners[l] = struct{}{}
	s.connMu.Unlock()

	s.logger.Info("listening", "address", l.Addr().String())
	for {
		conn, err := l.Accept()
		if err != nil {
			s.connMu.Lock()
			closed := s.closed
			delete(s.listeners, l)
			s.connMu.Unlock()
			if closed {
				return ErrServerClosed
			}
			return err
		}
		if !s.track(conn) {
			conn.Close()
			return ErrServerClosed
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConn(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
	conn.Close()
}

func (s *Server) serveConn(conn net.Conn) {
	for {
		frame, err := custody.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("closing connection", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}
		resp, err := s.Handle(frame).Marshal()
		if err != nil {
			s.logger.Error("encoding response", "error", err)
			return
		}
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

// Close stops every listener, closes open connections and waits for
// connection handlers to return.
func (s *Server) Close() error {
	s.connMu.Lock()
	s.closed = true
	var errs []error
	for l := range s.listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for c := range s.conns {
		c.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
	return errors.Join(errs...)
}
