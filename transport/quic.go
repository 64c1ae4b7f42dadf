package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/stereocast/certs"
)

// quicCloseNormal is the application error code sent when a channel closes
// cleanly.
const quicCloseNormal quic.ApplicationErrorCode = 0

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 5 * time.Second,
	}
}

// quicConn carries one eye over a single bidirectional QUIC stream.
type quicConn struct {
	conn   quic.Connection
	stream quic.Stream
}

func (q *quicConn) Read(p []byte) (int, error)  { return q.stream.Read(p) }
func (q *quicConn) Write(p []byte) (int, error) { return q.stream.Write(p) }
func (q *quicConn) RemoteAddr() net.Addr        { return q.conn.RemoteAddr() }

// Close finishes the send side and tears down the connection, which also
// unblocks a pending Read.
func (q *quicConn) Close() error {
	_ = q.stream.Close()
	return q.conn.CloseWithError(quicCloseNormal, "channel closed")
}

// ListenQUIC opens a QUIC listener on addr. The peer's stream is only
// visible once the sender writes its first frame, so on QUIC a channel
// becomes Connected with that frame rather than at handshake time.
func ListenQUIC(addr string, opts Options) (Listener, error) {
	cert := opts.Cert
	if cert == nil {
		var err error
		cert, err = certs.Generate(0)
		if err != nil {
			return nil, fmt.Errorf("QUIC certificate: %w", err)
		}
	}

	l, err := quic.ListenAddr(addr, cert.ServerTLSConfig(), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC listen on %s: %w", addr, err)
	}
	opts.logger().Info("QUIC listening",
		"component", "quic-listener",
		"addr", l.Addr(),
		"fingerprint", cert.FingerprintBase64(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	accept := func() (Conn, error) {
		conn, err := l.Accept(ctx)
		if err != nil {
			return nil, fmt.Errorf("QUIC accept: %w", err)
		}
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			_ = conn.CloseWithError(quicCloseNormal, "no stream")
			return nil, fmt.Errorf("QUIC accept stream: %w", err)
		}
		return &quicConn{conn: conn, stream: stream}, nil
	}
	closeFn := func() error {
		cancel()
		return l.Close()
	}
	return newAsyncListener(l.Addr(), accept, closeFn), nil
}

// QUICDialer opens one QUIC connection and stream per channel.
type QUICDialer struct {
	Timeout time.Duration
	TLS     *tls.Config
}

// Dial implements Dialer.
func (d *QUICDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	conn, err := quic.DialAddr(ctx, addr, d.TLS, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(quicCloseNormal, "open stream failed")
		return nil, fmt.Errorf("QUIC open stream: %w", err)
	}
	return &quicConn{conn: conn, stream: stream}, nil
}
