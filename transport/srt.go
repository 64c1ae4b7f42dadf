package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// srtLatencyNs is the SRT receiver latency in nanoseconds (120ms), a
// compromise between loss recovery and glass-to-glass delay on Wi-Fi.
const srtLatencyNs = 120_000_000

// srtPayloadSize is the largest message SRT live mode carries. Frames are
// larger than this, so writes are split; the length prefix restores
// frame boundaries on the reader.
const srtPayloadSize = 1316

// srtStreamID tags stereocast connections so unrelated SRT callers are
// rejected during the handshake.
const srtStreamID = "stereocast"

// srtConn adapts *srtgo.Conn to Conn. Live mode delivers whole messages
// and truncates any that do not fit the read buffer, so reads go through a
// message-sized buffer and the unread tail is served on the next Read.
type srtConn struct {
	c       messageConn
	buf     []byte
	partial []byte
}

// messageConn is the part of *srtgo.Conn that srtConn uses.
type messageConn interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

func newSRTConn(c messageConn) *srtConn {
	return &srtConn{c: c, buf: make([]byte, srtPayloadSize)}
}

func (s *srtConn) Read(p []byte) (int, error) {
	if len(s.partial) == 0 {
		n, err := s.c.Read(s.buf)
		if n == 0 {
			return 0, err
		}
		s.partial = s.buf[:n]
	}
	n := copy(p, s.partial)
	s.partial = s.partial[n:]
	return n, nil
}

func (s *srtConn) Write(p []byte) (int, error) {
	return writeChunked(s.c, p, srtPayloadSize)
}

func (s *srtConn) Close() error {
	return s.c.Close()
}

func (s *srtConn) RemoteAddr() net.Addr { return s.c.RemoteAddr() }

// writeChunked writes p in pieces of at most size bytes.
func writeChunked(w io.Writer, p []byte, size int) (int, error) {
	written := 0
	for written < len(p) {
		end := written + size
		if end > len(p) {
			end = len(p)
		}
		n, err := w.Write(p[written:end])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

// ListenSRT opens an SRT listener on addr that only accepts callers
// presenting the stereocast stream ID.
func ListenSRT(addr string, opts Options) (Listener, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("SRT listen on %s: %w", addr, err)
	}

	log := opts.logger().With("component", "srt-listener")
	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if !strings.HasPrefix(strings.TrimPrefix(req.StreamID, "/"), srtStreamID) {
			log.Warn("rejecting SRT caller", "stream_id", req.StreamID)
			return srtgo.RejPeer
		}
		return 0
	})
	log.Info("listening", "addr", l.Addr().String())

	accept := func() (Conn, error) {
		c, err := l.Accept()
		if err != nil {
			return nil, fmt.Errorf("SRT accept: %w", err)
		}
		return newSRTConn(c), nil
	}
	closeFn := func() error {
		l.Close()
		return nil
	}
	return newAsyncListener(l.Addr(), accept, closeFn), nil
}

// SRTDialer dials SRT listeners in caller mode.
type SRTDialer struct {
	Timeout time.Duration
	log     *slog.Logger
}

// Dial implements Dialer. srtgo.Dial has no context, so the dial runs in a
// goroutine and a connection that completes after the deadline is closed.
func (d *SRTDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = srtStreamID

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(addr, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(d.Timeout)
	defer timer.Stop()

	drain := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial %s: %w", addr, res.err)
		}
		if d.log != nil {
			d.log.Debug("SRT connected", "addr", addr)
		}
		return newSRTConn(res.conn), nil
	case <-timer.C:
		drain()
		return nil, fmt.Errorf("SRT dial %s timed out after %s", addr, d.Timeout)
	case <-ctx.Done():
		drain()
		return nil, ctx.Err()
	}
}
