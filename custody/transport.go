package custody

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/cryptobyte"
)

// MaxMessageSize bounds a single framed message, header included.
const MaxMessageSize = 1 << 20

// Transport carries one encoded request to the authority and returns the
// encoded response.
type Transport interface {
	RoundTrip(ctx context.Context, request []byte) ([]byte, error)
}

// TCPTransport dials the authority for every request. The connection is
// plain TCP.
type TCPTransport struct {
	Address string
	// Timeout bounds a round trip when ctx carries no earlier deadline.
	Timeout time.Duration
	Dialer  net.Dialer
}

// DefaultTimeout applies when TCPTransport.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// RoundTrip implements Transport.
func (t *TCPTransport) RoundTrip(ctx context.Context, request []byte) ([]byte, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := t.Dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", t.Address, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}
	// Unblock pending I/O as soon as the caller gives up.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if _, err := conn.Write(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	resp, err := ReadFrame(conn)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return resp, nil
}

// ReadFrame reads one complete top-level TTLV item from r. The value must
// be a structure no larger than MaxMessageSize.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	var (
		s      = cryptobyte.String(header)
		tag    uint32
		typ    uint8
		length uint32
	)
	s.ReadUint24(&tag)
	s.ReadUint8(&typ)
	s.ReadUint32(&length)
	if !Tag(tag).valid() || Type(typ) != TypeStructure {
		return nil, fmt.Errorf("%w: frame does not start with a structure", ErrMalformedMessage)
	}
	if uint64(length)+headerLen > MaxMessageSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrMalformedMessage, length, MaxMessageSize)
	}
	frame := make([]byte, headerLen+int(length))
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[headerLen:]); err != nil {
		return nil, err
	}
	return frame, nil
}
