// Package rendezvous pairs two independent inbound connections into the
// left and right channels of a stereo pipeline. The first connection
// accepted becomes Left; the Right accept is only issued once Left is
// Connected, so the two decode paths are bound to stable roles before any
// frame flows.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/stereocast/channel"
	"github.com/zsiec/stereocast/media"
	"github.com/zsiec/stereocast/transport"
)

// DefaultAcceptTimeout is how long one accept attempt waits before the
// coordinator re-checks for cancellation.
const DefaultAcceptTimeout = 5 * time.Second

var (
	// ErrCancelled is returned by Pair after Cancel or context cancellation.
	ErrCancelled = errors.New("rendezvous: cancelled")

	// ErrAlreadyUsed is returned by a second call to Pair.
	ErrAlreadyUsed = errors.New("rendezvous: Pair already called")
)

// State is the rendezvous progress.
type State int

const (
	StateAwaitingFirst State = iota
	StateAwaitingSecond
	StatePaired
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateAwaitingFirst:
		return "awaiting-first"
	case StateAwaitingSecond:
		return "awaiting-second"
	case StatePaired:
		return "paired"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Config tunes a Coordinator.
type Config struct {
	// AcceptTimeout bounds each accept attempt. Zero selects
	// DefaultAcceptTimeout.
	AcceptTimeout time.Duration
	Logger        *slog.Logger
}

// NewChannelFunc wraps an accepted connection in a Channel for role.
type NewChannelFunc func(role media.Role, rank int, conn transport.Conn) *channel.Channel

// Coordinator runs one rendezvous. It is single use.
type Coordinator struct {
	left    transport.Listener
	right   transport.Listener
	timeout time.Duration
	log     *slog.Logger

	mu              sync.Mutex
	state           State
	used            bool
	pairing         bool
	leftConnectedAt time.Time
	rightAcceptedAt time.Time

	leftConnected chan struct{}
	leftOnce      sync.Once
	cancelled     chan struct{}
	cancelOnce    sync.Once
	closeOnce     sync.Once
}

// New creates a Coordinator. A nil right listener means both eyes connect
// to left (single-port mode).
func New(left, right transport.Listener, cfg Config) *Coordinator {
	if right == nil {
		right = left
	}
	timeout := cfg.AcceptTimeout
	if timeout <= 0 {
		timeout = DefaultAcceptTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		left:          left,
		right:         right,
		timeout:       timeout,
		log:           log.With("component", "rendezvous"),
		leftConnected: make(chan struct{}),
		cancelled:     make(chan struct{}),
	}
}

// State returns the current rendezvous state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LeftConnected is closed exactly once, when the Left channel becomes
// Connected.
func (c *Coordinator) LeftConnected() <-chan struct{} { return c.leftConnected }

// LeftConnectedAt returns when Left became Connected, or the zero time.
func (c *Coordinator) LeftConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leftConnectedAt
}

// RightAcceptedAt returns when the Right accept completed, or the zero time.
func (c *Coordinator) RightAcceptedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rightAcceptedAt
}

// Cancel aborts a pending Pair. It is idempotent and safe from any
// goroutine. A parked Right waiter is released immediately and the
// listeners of a pairing in progress are closed, which ends any pending
// accept.
func (c *Coordinator) Cancel() {
	c.cancelOnce.Do(func() { close(c.cancelled) })
	c.interrupt()
}

// interrupt closes the listeners if a Pair is running.
func (c *Coordinator) interrupt() {
	c.mu.Lock()
	active := c.pairing
	c.mu.Unlock()
	if !active {
		return
	}
	c.closeOnce.Do(func() {
		c.log.Debug("closing listeners to end pending accepts")
		_ = c.left.Close()
		if c.right != c.left {
			_ = c.right.Close()
		}
	})
}

func (c *Coordinator) checkCancel(ctx context.Context) error {
	select {
	case <-c.cancelled:
		return ErrCancelled
	default:
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return nil
}

// Pair accepts the Left then the Right connection and returns both
// channels, Connected. On any error both channels, if created, are closed.
func (c *Coordinator) Pair(ctx context.Context, newChannel NewChannelFunc) (left, right *channel.Channel, err error) {
	c.mu.Lock()
	if c.used {
		c.mu.Unlock()
		return nil, nil, ErrAlreadyUsed
	}
	c.used = true
	c.pairing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pairing = false
		c.mu.Unlock()
	}()

	// fctx ends on ctx cancellation or on the first failed accept; either
	// way the other accept must not sit out its timeout.
	fctx, fail := context.WithCancel(ctx)
	defer fail()
	stopInterrupt := context.AfterFunc(fctx, c.interrupt)
	defer stopInterrupt()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		conn, err := c.accept(gctx, c.left, media.RoleLeft)
		if err != nil {
			fail()
			return err
		}
		left = newChannel(media.RoleLeft, 1, conn)
		left.MarkConnected()

		c.mu.Lock()
		c.state = StateAwaitingSecond
		c.leftConnectedAt = left.ConnectedAt()
		c.mu.Unlock()
		c.leftOnce.Do(func() { close(c.leftConnected) })
		return nil
	})

	g.Go(func() error {
		select {
		case <-c.leftConnected:
		case <-c.cancelled:
			return ErrCancelled
		case <-gctx.Done():
			return fmt.Errorf("%w: %w", ErrCancelled, gctx.Err())
		}

		conn, err := c.accept(gctx, c.right, media.RoleRight)
		if err != nil {
			fail()
			return err
		}
		c.mu.Lock()
		c.rightAcceptedAt = time.Now()
		c.mu.Unlock()

		right = newChannel(media.RoleRight, 2, conn)
		right.MarkConnected()
		return nil
	})

	if err := g.Wait(); err != nil {
		if left != nil {
			left.Close()
		}
		if right != nil {
			right.Close()
		}
		if errors.Is(err, ErrCancelled) {
			c.setState(StateCancelled)
			c.log.Debug("rendezvous cancelled")
		}
		return nil, nil, err
	}

	c.setState(StatePaired)
	c.log.Info("paired", "elapsed", time.Since(start))
	return left, right, nil
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// accept waits for one connection, retrying on accept timeout and
// re-checking cancellation between attempts.
func (c *Coordinator) accept(ctx context.Context, l transport.Listener, role media.Role) (transport.Conn, error) {
	for {
		if err := c.checkCancel(ctx); err != nil {
			return nil, err
		}
		conn, err := l.AcceptTimeout(c.timeout)
		if errors.Is(err, transport.ErrAcceptTimeout) {
			c.log.Debug("accept timed out, waiting again", "role", role.String())
			continue
		}
		if err != nil {
			if cerr := c.checkCancel(ctx); cerr != nil {
				return nil, cerr
			}
			return nil, fmt.Errorf("rendezvous: accept %s: %w", role, err)
		}
		if cerr := c.checkCancel(ctx); cerr != nil {
			conn.Close()
			return nil, cerr
		}
		c.log.Debug("accepted", "role", role.String(), "remote", conn.RemoteAddr())
		return conn, nil
	}
}
