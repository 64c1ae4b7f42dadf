package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// TCPListener wraps a *net.TCPListener, implementing the accept timeout
// with a listener deadline.
type TCPListener struct {
	l *net.TCPListener
}

// ListenTCP binds a TCP listener on addr.
func ListenTCP(addr string) (*TCPListener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen on %s: %w", addr, err)
	}
	return &TCPListener{l: l.(*net.TCPListener)}, nil
}

// AcceptTimeout implements Listener.
func (t *TCPListener) AcceptTimeout(d time.Duration) (Conn, error) {
	var deadline time.Time
	if d > 0 {
		deadline = time.Now().Add(d)
	}
	if err := t.l.SetDeadline(deadline); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, fmt.Errorf("tcp set accept deadline: %w", err)
	}

	c, err := t.l.AcceptTCP()
	if err != nil {
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			return nil, ErrAcceptTimeout
		case errors.Is(err, net.ErrClosed):
			return nil, ErrListenerClosed
		}
		return nil, fmt.Errorf("tcp accept: %w", err)
	}
	// Frames are latency sensitive; do not let Nagle coalesce them.
	_ = c.SetNoDelay(true)
	return c, nil
}

// Addr implements Listener.
func (t *TCPListener) Addr() net.Addr { return t.l.Addr() }

// Close implements Listener.
func (t *TCPListener) Close() error { return t.l.Close() }

// TCPDialer dials plain TCP connections.
type TCPDialer struct {
	Timeout time.Duration
}

// Dial implements Dialer.
func (d *TCPDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	c, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", addr, err)
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return c, nil
}
