// Package queue implements the bounded frame queue that sits between a
// producer (encoder or socket reader) and a consumer (socket writer or
// decoder). Capacity is deliberately small; the full-queue behaviour is an
// explicit per-direction Policy rather than an accident of API choice.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zsiec/stereocast/media"
)

// ErrClosed is returned by Enqueue on a closed queue and by Dequeue once a
// closed queue has been drained.
var ErrClosed = errors.New("queue: closed")

// Policy selects what Enqueue does when the queue is full.
type Policy int

const (
	// PolicyBlock suspends the producer until space frees up. Used on the
	// receive path, where losing a frame corrupts decoder state.
	PolicyBlock Policy = iota

	// PolicyDropNewest rejects the incoming frame immediately. Used on the
	// transmit path so a stalled socket never stalls the encoder.
	PolicyDropNewest
)

func (p Policy) String() string {
	switch p {
	case PolicyBlock:
		return "block"
	case PolicyDropNewest:
		return "drop-newest"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy converts a config string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "block":
		return PolicyBlock, nil
	case "drop-newest":
		return PolicyDropNewest, nil
	}
	return 0, fmt.Errorf("queue: unknown policy %q (want block or drop-newest)", s)
}

// Result reports the outcome of an Enqueue.
type Result int

const (
	Accepted Result = iota
	Dropped
)

func (r Result) String() string {
	if r == Accepted {
		return "accepted"
	}
	return "dropped"
}

// Queue is a bounded FIFO of frames guarded by a mutex and two condition
// variables. One producer and one consumer per queue is the intended use,
// but concurrent callers are safe.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	slots    []media.Frame
	head     int
	count    int
	closed   bool
	policy   Policy

	accepted atomic.Int64
	dropped  atomic.Int64
}

// New creates a Queue holding at most capacity frames. A capacity below one
// is raised to one.
func New(capacity int, policy Policy) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{
		slots:  make([]media.Frame, capacity),
		policy: policy,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Enqueue hands f to the queue. On a full queue it either blocks
// (PolicyBlock) or returns Dropped with a nil error (PolicyDropNewest); a
// drop is backpressure, not a failure. A blocked Enqueue returns ErrClosed
// if the queue is closed and ctx.Err() if ctx ends first.
func (q *Queue) Enqueue(ctx context.Context, f media.Frame) (Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Dropped, ErrClosed
	}

	if q.count == len(q.slots) {
		if q.policy == PolicyDropNewest {
			q.dropped.Add(1)
			return Dropped, nil
		}

		stop := q.wakeOnDone(ctx, q.notFull)
		defer stop()
		for q.count == len(q.slots) && !q.closed && ctx.Err() == nil {
			q.notFull.Wait()
		}
		if q.closed {
			return Dropped, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return Dropped, err
		}
	}

	q.slots[(q.head+q.count)%len(q.slots)] = f
	q.count++
	q.accepted.Add(1)
	q.notEmpty.Signal()
	return Accepted, nil
}

// Dequeue removes and returns the oldest frame, blocking until one is
// available. Frames buffered before Close are still delivered; after that
// Dequeue returns ErrClosed. It returns ctx.Err() if ctx ends while waiting.
func (q *Queue) Dequeue(ctx context.Context) (media.Frame, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 && !q.closed {
		stop := q.wakeOnDone(ctx, q.notEmpty)
		defer stop()
		for q.count == 0 && !q.closed && ctx.Err() == nil {
			q.notEmpty.Wait()
		}
	}

	if q.count > 0 {
		f := q.slots[q.head]
		q.slots[q.head] = media.Frame{}
		q.head = (q.head + 1) % len(q.slots)
		q.count--
		q.notFull.Signal()
		return f, nil
	}
	if q.closed {
		return media.Frame{}, ErrClosed
	}
	return media.Frame{}, ctx.Err()
}

// wakeOnDone broadcasts cond when ctx ends so a waiter re-checks ctx.Err().
// The broadcast happens under q.mu, so it cannot slip in between a waiter's
// check and its Wait.
func (q *Queue) wakeOnDone(ctx context.Context, cond *sync.Cond) func() bool {
	return context.AfterFunc(ctx, func() {
		q.mu.Lock()
		cond.Broadcast()
		q.mu.Unlock()
	})
}

// Close marks the queue closed and wakes every blocked caller. It is safe
// to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Discard drops every buffered frame and returns how many were removed.
func (q *Queue) Discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.count
	for i := range q.slots {
		q.slots[i] = media.Frame{}
	}
	q.head, q.count = 0, 0
	q.notFull.Broadcast()
	return n
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of buffered frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return len(q.slots) }

// Policy returns the full-queue policy.
func (q *Queue) Policy() Policy { return q.policy }

// Accepted returns the number of frames accepted so far.
func (q *Queue) Accepted() int64 { return q.accepted.Load() }

// Dropped returns the number of frames rejected under PolicyDropNewest.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }
