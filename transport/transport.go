// Package transport abstracts the per-eye connection: a listener whose
// Accept can time out (so the rendezvous loop can re-check cancellation)
// and a dialer for the camera side. TCP is the default and what existing
// camera firmware speaks; SRT and QUIC are available for lossy or routed links.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/zsiec/stereocast/certs"
)

var (
	// ErrAcceptTimeout is returned by AcceptTimeout when no connection
	// arrived in time. It is a retry signal, not a failure.
	ErrAcceptTimeout = errors.New("transport: accept timed out")

	// ErrListenerClosed is returned by AcceptTimeout after Close.
	ErrListenerClosed = errors.New("transport: listener closed")
)

// DefaultDialTimeout bounds Dial when Options.DialTimeout is zero.
const DefaultDialTimeout = 10 * time.Second

// Conn is one established per-eye byte stream.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

// Listener accepts inbound per-eye connections.
type Listener interface {
	// AcceptTimeout waits up to d for a connection. A non-positive d waits
	// until a connection arrives or the listener is closed.
	AcceptTimeout(d time.Duration) (Conn, error)
	Addr() net.Addr
	Close() error
}

// Dialer establishes outbound per-eye connections.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// Kind selects the transport implementation.
type Kind string

const (
	KindTCP  Kind = "tcp"
	KindSRT  Kind = "srt"
	KindQUIC Kind = "quic"
)

// IsValid reports whether k is a recognised transport kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindTCP, KindSRT, KindQUIC:
		return true
	}
	return false
}

// Options carries transport-specific settings. Zero values are usable.
type Options struct {
	// Cert is presented by QUIC listeners. When nil a fresh self-signed
	// certificate is generated and its fingerprint logged.
	Cert *certs.CertInfo

	// PinnedFingerprint, when set, is the SHA-256 of the viewer certificate
	// a QUIC dialer must see.
	PinnedFingerprint *[32]byte

	// DialTimeout bounds connection establishment. Zero selects
	// DefaultDialTimeout.
	DialTimeout time.Duration

	Logger *slog.Logger
}

func (o Options) dialTimeout() time.Duration {
	if o.DialTimeout <= 0 {
		return DefaultDialTimeout
	}
	return o.DialTimeout
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// Listen opens a listener of the given kind on addr. An empty kind selects
// TCP.
func Listen(kind Kind, addr string, opts Options) (Listener, error) {
	var (
		l   Listener
		err error
	)
	switch kind {
	case "", KindTCP:
		l, err = ListenTCP(addr)
	case KindSRT:
		l, err = ListenSRT(addr, opts)
	case KindQUIC:
		l, err = ListenQUIC(addr, opts)
	default:
		return nil, fmt.Errorf("transport: unknown kind %q", kind)
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

// NewDialer returns a dialer of the given kind. An empty kind selects TCP.
func NewDialer(kind Kind, opts Options) (Dialer, error) {
	switch kind {
	case "", KindTCP:
		return &TCPDialer{Timeout: opts.dialTimeout()}, nil
	case KindSRT:
		return &SRTDialer{Timeout: opts.dialTimeout(), log: opts.logger()}, nil
	case KindQUIC:
		return &QUICDialer{Timeout: opts.dialTimeout(), TLS: certs.ClientTLSConfig(opts.PinnedFingerprint)}, nil
	}
	return nil, fmt.Errorf("transport: unknown kind %q", kind)
}
