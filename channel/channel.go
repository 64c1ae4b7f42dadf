// Package channel implements one logical stereo side: a connection, its
// frame queue, and the socket reader and writer loops that move frames
// between the two.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/stereocast/media"
	"github.com/zsiec/stereocast/queue"
	"github.com/zsiec/stereocast/transport"
	"github.com/zsiec/stereocast/wire"
)

var (
	// ErrChannelLost wraps every mid-stream failure of a channel loop.
	ErrChannelLost = errors.New("channel lost")

	// ErrClosedByPeer marks a clean EOF from the remote side. It is always
	// returned wrapped together with ErrChannelLost.
	ErrClosedByPeer = errors.New("channel closed by peer")
)

// State is the connection state of a Channel.
type State int32

const (
	StateUnconnected State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Observer receives per-frame accounting. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	RecordReceived(ctx context.Context, role media.Role, bytes int)
	RecordSent(ctx context.Context, role media.Role, bytes int)
	RecordDropped(ctx context.Context, role media.Role)
}

// Stats is a point-in-time snapshot of a channel.
type Stats struct {
	Role        string `json:"role"`
	Rank        int    `json:"rank"`
	State       string `json:"state"`
	Frames      int64  `json:"frames"`
	Bytes       int64  `json:"bytes"`
	Dropped     int64  `json:"dropped"`
	QueueDepth  int    `json:"queueDepth"`
	ConnectedAt int64  `json:"connectedAt,omitempty"`
	UptimeMs    int64  `json:"uptimeMs,omitempty"`
	RemoteAddr  string `json:"remoteAddr,omitempty"`
}

// Config holds the parameters for a new Channel.
type Config struct {
	Role media.Role

	// Rank is the rendezvous order: 1 for the first accepted connection,
	// 2 for the second. Outbound channels use 1 for left and 2 for right.
	Rank int

	Conn     transport.Conn
	Queue    *queue.Queue
	Observer Observer
	Logger   *slog.Logger
}

// Channel owns one connection and one queue exclusively.
type Channel struct {
	role     media.Role
	rank     int
	log      *slog.Logger
	conn     transport.Conn
	queue    *queue.Queue
	observer Observer

	state       atomic.Int32
	connectedAt atomic.Int64
	closeOnce   sync.Once
	closeErr    error

	seq     atomic.Uint64
	frames  atomic.Int64
	bytes   atomic.Int64
	dropped atomic.Int64
}

// New creates an unconnected Channel.
func New(cfg Config) *Channel {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		role:     cfg.Role,
		rank:     cfg.Rank,
		log:      log.With("component", "channel", "role", cfg.Role.String()),
		conn:     cfg.Conn,
		queue:    cfg.Queue,
		observer: cfg.Observer,
	}
}

// Role returns the stereo side this channel carries.
func (c *Channel) Role() media.Role { return c.role }

// Rank returns the rendezvous order.
func (c *Channel) Rank() int { return c.rank }

// Queue returns the channel's frame queue.
func (c *Channel) Queue() *queue.Queue { return c.queue }

// State returns the current connection state.
func (c *Channel) State() State { return State(c.state.Load()) }

// MarkConnected moves the channel from Unconnected to Connected. It returns
// false if the channel was not Unconnected.
func (c *Channel) MarkConnected() bool {
	if !c.state.CompareAndSwap(int32(StateUnconnected), int32(StateConnected)) {
		return false
	}
	c.connectedAt.Store(time.Now().UnixNano())
	addr := ""
	if ra := c.conn.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	c.log.Info("connected", "rank", c.rank, "remote", addr)
	return true
}

// ConnectedAt returns when MarkConnected succeeded, or the zero time.
func (c *Channel) ConnectedAt() time.Time {
	ns := c.connectedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// CloseQueue signals end-of-stream on the queue without touching the
// connection, letting a writer drain what is already buffered.
func (c *Channel) CloseQueue() {
	c.queue.Close()
}

// Close marks the channel Closed, closes its queue and its connection. It
// is idempotent and returns the connection close error from the first call.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.queue.Close()
		if c.conn != nil {
			c.closeErr = c.conn.Close()
		}
	})
	return c.closeErr
}

// closedLocally reports whether a loop error was caused by our own
// shutdown rather than the peer or the network.
func (c *Channel) closedLocally(ctx context.Context) bool {
	return ctx.Err() != nil || c.State() == StateClosed
}

// RunReader is the socket reader loop: it reads frames from the connection
// and enqueues them, numbering them in arrival order. It returns nil on
// local shutdown, an error wrapping ErrChannelLost and ErrClosedByPeer on
// EOF, and an error wrapping ErrChannelLost on any other read failure.
func (c *Channel) RunReader(ctx context.Context, framer wire.Framer) error {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	fr := framer.NewReader(c.conn)
	for {
		payload, err := fr.ReadFrame()
		if err != nil {
			if c.closedLocally(ctx) {
				c.log.Debug("reader stopped", "frames", c.frames.Load())
				return nil
			}
			if errors.Is(err, io.EOF) {
				c.log.Info("closed by peer", "frames", c.frames.Load())
				return fmt.Errorf("%s: %w: %w", c.role, ErrChannelLost, ErrClosedByPeer)
			}
			return fmt.Errorf("%s read: %w: %w", c.role, ErrChannelLost, err)
		}

		c.frames.Add(1)
		c.bytes.Add(int64(len(payload)))
		if c.observer != nil {
			c.observer.RecordReceived(ctx, c.role, len(payload))
		}

		f := media.Frame{Seq: c.seq.Add(1), Payload: payload, Captured: time.Now()}
		res, err := c.queue.Enqueue(ctx, f)
		if err != nil {
			c.log.Debug("reader stopped while enqueueing", "error", err)
			return nil
		}
		if res == queue.Dropped {
			c.recordDrop(ctx)
		}
	}
}

type flusher interface {
	Flush() error
}

// RunWriter is the socket writer loop: it dequeues frames and writes each
// one whole. It returns nil once the queue is closed and drained or ctx
// ends, and an error wrapping ErrChannelLost if a write fails. It never
// reconnects.
func (c *Channel) RunWriter(ctx context.Context, framer wire.Framer) error {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	for {
		f, err := c.queue.Dequeue(ctx)
		if err != nil {
			c.log.Debug("writer stopped", "reason", err, "frames", c.frames.Load())
			return nil
		}

		err = framer.WriteFrame(c.conn, f.Payload)
		if err == nil {
			if fl, ok := c.conn.(flusher); ok {
				err = fl.Flush()
			}
		}
		if err != nil {
			if c.closedLocally(ctx) {
				return nil
			}
			return fmt.Errorf("%s write: %w: %w", c.role, ErrChannelLost, err)
		}

		c.frames.Add(1)
		c.bytes.Add(int64(len(f.Payload)))
		if c.observer != nil {
			c.observer.RecordSent(ctx, c.role, len(f.Payload))
		}
	}
}

// RecordDrop counts a frame the producer could not hand to the queue.
func (c *Channel) RecordDrop(ctx context.Context) {
	c.recordDrop(ctx)
}

func (c *Channel) recordDrop(ctx context.Context) {
	c.dropped.Add(1)
	if c.observer != nil {
		c.observer.RecordDropped(ctx, c.role)
	}
}

// Stats returns a snapshot of channel metrics.
func (c *Channel) Stats() Stats {
	s := Stats{
		Role:       c.role.String(),
		Rank:       c.rank,
		State:      c.State().String(),
		Frames:     c.frames.Load(),
		Bytes:      c.bytes.Load(),
		Dropped:    c.dropped.Load(),
		QueueDepth: c.queue.Len(),
	}
	if at := c.ConnectedAt(); !at.IsZero() {
		s.ConnectedAt = at.UnixMilli()
		s.UptimeMs = time.Since(at).Milliseconds()
	}
	if c.conn != nil {
		if ra := c.conn.RemoteAddr(); ra != nil {
			s.RemoteAddr = ra.String()
		}
	}
	return s
}
