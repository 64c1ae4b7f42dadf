package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/stereocast/channel"
	"github.com/zsiec/stereocast/media"
	"github.com/zsiec/stereocast/queue"
	"github.com/zsiec/stereocast/rendezvous"
	"github.com/zsiec/stereocast/transport"
	"github.com/zsiec/stereocast/wire"
)

// cycle holds everything created for one STARTING..STOPPED run. Channels
// are indexed by media.Role.
type cycle struct {
	ctx       context.Context
	cancel    context.CancelFunc
	channels  [2]*channel.Channel
	codecs    [2]Codec
	listeners []transport.Listener
	seq       [2]atomic.Uint64

	loops   sync.WaitGroup
	spawned bool
	done    chan struct{}
}

// Supervisor runs the stereo pair lifecycle. All transitions happen under a
// single mutex; the slow parts of starting and stopping run outside it with
// the state parked in STARTING or STOPPING, which makes concurrent Start and
// Stop calls no-ops.
type Supervisor struct {
	cfg    Config
	framer wire.Framer
	log    *slog.Logger
	events *broker

	mu    sync.Mutex
	state atomic.Int32
	cur   *cycle
	addrs []net.Addr

	cycles atomic.Int64
}

// New creates a stopped Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.Framer == nil {
		cfg.Framer = wire.LengthPrefixed{MaxSize: media.MaxFrameSize}
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = media.DefaultQueueCapacity
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	cfg.Logger = log
	if cfg.TransportOptions.Logger == nil {
		cfg.TransportOptions.Logger = log
	}
	return &Supervisor{
		cfg:    cfg,
		framer: cfg.Framer,
		log:    log.With("component", "supervisor", "mode", cfg.Mode.String()),
		events: newBroker(),
	}
}

// State returns the lifecycle state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// IsRunning reports whether the pipeline is STARTED.
func (s *Supervisor) IsRunning() bool { return s.State() == StateStarted }

// Subscribe registers for events. The returned function unsubscribes and
// closes the channel. Events that do not fit in buffer are dropped for this
// subscriber only.
func (s *Supervisor) Subscribe(buffer int) (<-chan Event, func()) {
	return s.events.subscribe(buffer)
}

// Addrs returns the addresses the receiver bound for the current cycle. It
// is populated as soon as listening begins, before pairing completes, and
// cleared once the cycle is back in STOPPED.
func (s *Supervisor) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]net.Addr(nil), s.addrs...)
}

// Start brings the pipeline up. It is a no-op unless the state is STOPPED.
// ctx bounds setup only: once STARTED the pipeline runs until Stop or a
// channel is lost. On failure every partially created resource is released,
// the state returns to STOPPED and no Stopped event fires.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if st := s.State(); st != StateStopped {
		s.mu.Unlock()
		s.log.Debug("start ignored", "state", st.String())
		return nil
	}
	s.state.Store(int32(StateStarting))
	s.addrs = nil
	s.mu.Unlock()

	s.log.Info("starting")
	c, err := s.setup(ctx)
	if err != nil {
		s.mu.Lock()
		s.addrs = nil
		s.state.Store(int32(StateStopped))
		s.mu.Unlock()
		s.log.Warn("start failed", "error", err)
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}

	c.loops.Add(len(c.channels))
	c.spawned = true

	s.mu.Lock()
	s.cur = c
	s.state.Store(int32(StateStarted))
	s.mu.Unlock()

	s.cycles.Add(1)
	for _, ch := range c.channels {
		if s.cfg.Observer != nil {
			s.cfg.Observer.RecordChannelActive(c.ctx, ch.Role(), 1)
		}
	}
	s.log.Info("started")
	s.events.publish(Event{Kind: EventStarted})

	for _, ch := range c.channels {
		go s.runLoop(c, ch)
	}
	go func() {
		c.loops.Wait()
		close(c.done)
	}()
	return nil
}

// Stop tears the pipeline down. It is only effective from STARTED; calls in
// any other state are ignored. A sender first lets its writers flush what is
// already queued, bounded by the drain timeout. Stop is safe to call from
// any goroutine.
func (s *Supervisor) Stop() error {
	c, ok := s.beginStop(nil)
	if !ok {
		s.log.Debug("stop ignored", "state", s.State().String())
		return nil
	}
	return s.terminate(c, true)
}

func (s *Supervisor) runLoop(c *cycle, ch *channel.Channel) {
	defer c.loops.Done()

	var err error
	if s.cfg.Mode == ModeSender {
		err = ch.RunWriter(c.ctx, s.framer)
	} else {
		err = ch.RunReader(c.ctx, s.framer)
	}
	if err != nil {
		s.lose(c, ch.Role(), err)
	}
}

// beginStop moves the current started cycle to STOPPING and returns it.
// A non-nil want must be that cycle. Exactly one caller per cycle wins.
func (s *Supervisor) beginStop(want *cycle) (*cycle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cur
	if c == nil || s.State() != StateStarted || (want != nil && want != c) {
		return nil, false
	}
	s.state.Store(int32(StateStopping))
	return c, true
}

// lose handles a mid-stream failure of one eye: a one-eyed stream is not a
// supported mode, so the whole pipeline stops. Only the first failure of a
// cycle is reported.
func (s *Supervisor) lose(c *cycle, role media.Role, err error) {
	if _, ok := s.beginStop(c); !ok {
		return
	}

	s.log.Warn("channel lost", "role", role.String(), "error", err)
	if s.cfg.Observer != nil {
		s.cfg.Observer.RecordChannelLost(c.ctx, role)
	}
	s.events.publish(Event{Kind: EventChannelLost, Role: role, Err: err})

	// terminate waits for every loop, including the caller's.
	go s.terminate(c, false)
}

// terminate runs the stop sequence for c, which beginStop has already
// moved to STOPPING.
func (s *Supervisor) terminate(c *cycle, drain bool) error {
	s.log.Info("stopping", "drain", drain && s.cfg.Mode == ModeSender)

	if drain && s.cfg.Mode == ModeSender {
		for _, ch := range c.channels {
			ch.CloseQueue()
		}
		timer := time.NewTimer(s.cfg.DrainTimeout)
		select {
		case <-c.done:
		case <-timer.C:
			s.log.Warn("drain timed out, discarding queued frames", "timeout", s.cfg.DrainTimeout)
		}
		timer.Stop()
	}

	err := s.release(c)
	if s.cfg.Observer != nil {
		for _, ch := range c.channels {
			s.cfg.Observer.RecordChannelActive(context.Background(), ch.Role(), -1)
		}
	}

	s.mu.Lock()
	s.cur = nil
	s.addrs = nil
	s.state.Store(int32(StateStopped))
	s.mu.Unlock()

	s.log.Info("stopped")
	s.events.publish(Event{Kind: EventStopped})
	return err
}

// release closes everything c owns and waits for its loops. Connection
// close errors are logged; codec close errors are returned.
func (s *Supervisor) release(c *cycle) error {
	for _, ch := range c.channels {
		if ch == nil {
			continue
		}
		if n := ch.Queue().Discard(); n > 0 {
			s.log.Debug("discarded queued frames", "role", ch.Role().String(), "frames", n)
		}
		if err := ch.Close(); err != nil {
			s.log.Debug("close channel", "role", ch.Role().String(), "error", err)
		}
	}
	c.cancel()
	if c.spawned {
		<-c.done
	}

	for _, l := range c.listeners {
		if err := l.Close(); err != nil {
			s.log.Debug("close listener", "error", err)
		}
	}
	c.listeners = nil

	var errs []error
	for role, codec := range c.codecs {
		if codec == nil {
			continue
		}
		if err := codec.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s codec: %w", media.Role(role), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) setup(ctx context.Context) (_ *cycle, err error) {
	c := &cycle{done: make(chan struct{})}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	defer func() {
		if err != nil {
			if rerr := s.release(c); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
	}()

	if s.cfg.Codecs != nil {
		for _, role := range media.Roles {
			codec, err := s.cfg.Codecs.Open(ctx, role)
			if err != nil {
				return nil, fmt.Errorf("open %s codec: %w", role, err)
			}
			c.codecs[role] = codec
		}
	}

	switch s.cfg.Mode {
	case ModeReceiver:
		err = s.accept(ctx, c)
	case ModeSender:
		err = s.dial(ctx, c)
	default:
		err = fmt.Errorf("unknown mode %s", s.cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// accept binds the receiver's listener(s) and pairs the two inbound
// connections. The listeners are closed once both eyes are bound.
func (s *Supervisor) accept(ctx context.Context, c *cycle) error {
	left, err := transport.Listen(s.cfg.Transport, s.cfg.ListenAddr, s.cfg.TransportOptions)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	c.listeners = append(c.listeners, left)
	addrs := []net.Addr{left.Addr()}

	var right transport.Listener
	if s.cfg.ListenRightAddr != "" {
		right, err = transport.Listen(s.cfg.Transport, s.cfg.ListenRightAddr, s.cfg.TransportOptions)
		if err != nil {
			return fmt.Errorf("listen right: %w", err)
		}
		c.listeners = append(c.listeners, right)
		addrs = append(addrs, right.Addr())
	}

	s.mu.Lock()
	s.addrs = addrs
	s.mu.Unlock()

	coord := rendezvous.New(left, right, rendezvous.Config{
		AcceptTimeout: s.cfg.AcceptTimeout,
		Logger:        s.cfg.Logger,
	})
	start := time.Now()
	l, r, err := coord.Pair(ctx, s.newChannel)
	if err != nil {
		return err
	}
	c.channels[media.RoleLeft] = l
	c.channels[media.RoleRight] = r
	if s.cfg.Observer != nil {
		s.cfg.Observer.RecordRendezvous(ctx, time.Since(start))
	}

	for _, ln := range c.listeners {
		ln.Close()
	}
	c.listeners = nil
	return nil
}

// dial connects left then right, so a single-port receiver sees them in
// rendezvous order.
func (s *Supervisor) dial(ctx context.Context, c *cycle) error {
	if s.cfg.LeftAddr == "" {
		return errors.New("sender has no left address")
	}
	d, err := transport.NewDialer(s.cfg.Transport, s.cfg.TransportOptions)
	if err != nil {
		return err
	}
	addrs := [2]string{s.cfg.LeftAddr, s.cfg.RightAddr}
	if addrs[media.RoleRight] == "" {
		addrs[media.RoleRight] = s.cfg.LeftAddr
	}

	for i, role := range media.Roles {
		conn, err := d.Dial(ctx, addrs[role])
		if err != nil {
			return fmt.Errorf("dial %s eye at %s: %w", role, addrs[role], err)
		}
		ch := s.newChannel(role, i+1, conn)
		c.channels[role] = ch
		ch.MarkConnected()
	}
	return nil
}

func (s *Supervisor) newChannel(role media.Role, rank int, conn transport.Conn) *channel.Channel {
	var obs channel.Observer
	if s.cfg.Observer != nil {
		obs = s.cfg.Observer
	}
	return channel.New(channel.Config{
		Role:     role,
		Rank:     rank,
		Conn:     conn,
		Queue:    queue.New(s.cfg.QueueCapacity, s.cfg.Policy),
		Observer: obs,
		Logger:   s.cfg.Logger,
	})
}

// started returns the current cycle if the pipeline is STARTED.
func (s *Supervisor) started() (*cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateStarted || s.cur == nil {
		return nil, ErrNotRunning
	}
	return s.cur, nil
}

func checkRole(role media.Role) error {
	if role != media.RoleLeft && role != media.RoleRight {
		return fmt.Errorf("pipeline: invalid role %d", int(role))
	}
	return nil
}

// Submit hands one encoded frame for role to the sender. The frame is
// numbered in submission order. Under drop-newest a full queue yields
// queue.Dropped and an EventFrameDropped, never an error. The caller must
// not modify payload afterwards.
func (s *Supervisor) Submit(ctx context.Context, role media.Role, payload []byte) (queue.Result, error) {
	if s.cfg.Mode != ModeSender {
		return queue.Dropped, ErrWrongMode
	}
	if err := checkRole(role); err != nil {
		return queue.Dropped, err
	}
	c, err := s.started()
	if err != nil {
		return queue.Dropped, err
	}

	ch := c.channels[role]
	seq := c.seq[role].Add(1)
	res, err := ch.Queue().Enqueue(ctx, media.Frame{Seq: seq, Payload: payload, Captured: time.Now()})
	if err != nil {
		return queue.Dropped, fmt.Errorf("submit %s frame %d: %w", role, seq, err)
	}
	if res == queue.Dropped {
		ch.RecordDrop(ctx)
		s.events.publish(Event{Kind: EventFrameDropped, Role: role, Seq: seq})
	}
	return res, nil
}

// Next blocks until the receiver has a frame for role, in arrival order.
// It returns queue.ErrClosed once the cycle stops and the queue is drained.
func (s *Supervisor) Next(ctx context.Context, role media.Role) (media.Frame, error) {
	if s.cfg.Mode != ModeReceiver {
		return media.Frame{}, ErrWrongMode
	}
	if err := checkRole(role); err != nil {
		return media.Frame{}, err
	}
	c, err := s.started()
	if err != nil {
		return media.Frame{}, err
	}
	return c.channels[role].Queue().Dequeue(ctx)
}

// Codec returns the codec bound to role in the current cycle, or nil.
func (s *Supervisor) Codec(role media.Role) Codec {
	if checkRole(role) != nil {
		return nil
	}
	c, err := s.started()
	if err != nil {
		return nil
	}
	return c.codecs[role]
}

// Stats returns a snapshot of the supervisor and, while running, both
// channels.
func (s *Supervisor) Stats() Snapshot {
	s.mu.Lock()
	c := s.cur
	s.mu.Unlock()

	snap := Snapshot{
		Mode:          s.cfg.Mode.String(),
		State:         s.State().String(),
		Cycles:        s.cycles.Load(),
		EventsDropped: s.events.dropped.Load(),
	}
	if c != nil {
		for _, ch := range c.channels {
			snap.Channels = append(snap.Channels, ch.Stats())
		}
	}
	return snap
}
