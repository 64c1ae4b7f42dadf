package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/stereocast/media"
)

// EventKind tags a lifecycle or data-path event.
type EventKind int

const (
	// EventStarted fires once per cycle, after the pipeline reaches STARTED.
	EventStarted EventKind = iota + 1
	// EventStopped fires once per cycle, after a started pipeline returns
	// to STOPPED.
	EventStopped
	// EventFrameDropped reports a frame shed by a drop-newest queue.
	EventFrameDropped
	// EventChannelLost reports a mid-stream failure of one eye. It is always
	// followed by EventStopped.
	EventChannelLost
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventFrameDropped:
		return "frame-dropped"
	case EventChannelLost:
		return "channel-lost"
	}
	return "unknown"
}

// Event is delivered to subscribers. Role and Seq are set for
// EventFrameDropped; Role and Err for EventChannelLost.
type Event struct {
	Kind EventKind
	Role media.Role
	Seq  uint64
	Err  error
	At   time.Time
}

// lifecycle reports whether k must reach every subscriber.
func (k EventKind) lifecycle() bool {
	return k != EventFrameDropped
}

// broker fans events out to subscribers without ever blocking the
// publisher. Each subscriber has an ordered backlog drained by its own
// goroutine; once the backlog holds buffer events, further FrameDropped
// events are shed for that subscriber. Started, Stopped and ChannelLost are
// always queued.
type broker struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]*subscriber
	dropped atomic.Int64
}

type subscriber struct {
	out  chan Event
	max  int
	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	backlog []Event
}

func newBroker() *broker {
	return &broker{subs: make(map[int]*subscriber)}
}

func (b *broker) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscriber{
		out:  make(chan Event, buffer),
		max:  buffer,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go sub.forward()

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.out, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.done)
		})
	}
}

func (b *broker) publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if !sub.push(e) {
			b.dropped.Add(1)
		}
	}
}

// push appends e to the backlog. It reports false when e was shed.
func (s *subscriber) push(e Event) bool {
	s.mu.Lock()
	if !e.Kind.lifecycle() && len(s.backlog) >= s.max {
		s.mu.Unlock()
		return false
	}
	s.backlog = append(s.backlog, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// forward moves the backlog to out in publish order until unsubscribed,
// then closes out.
func (s *subscriber) forward() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.backlog) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		e := s.backlog[0]
		s.backlog[0] = Event{}
		s.backlog = s.backlog[1:]
		s.mu.Unlock()

		select {
		case s.out <- e:
		case <-s.done:
			return
		}
	}
}
