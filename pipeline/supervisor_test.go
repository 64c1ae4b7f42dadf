package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/stereocast/channel"
	"github.com/zsiec/stereocast/media"
	"github.com/zsiec/stereocast/queue"
	"github.com/zsiec/stereocast/rendezvous"
	"github.com/zsiec/stereocast/wire"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func receiverConfig() Config {
	cfg := DefaultConfig(ModeReceiver)
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.AcceptTimeout = 50 * time.Millisecond
	cfg.Logger = discardLogger
	return cfg
}

// startReceiver starts s in the background and returns its bound address
// once listening, plus the eventual Start result.
func startReceiver(t *testing.T, s *Supervisor) (string, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})

	errc := make(chan error, 1)
	go func() { errc <- s.Start(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for len(s.Addrs()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("receiver never started listening")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return s.Addrs()[0].String(), errc
}

// dialPair connects left then right to addr, the way a sender does.
func dialPair(t *testing.T, addr string) (net.Conn, net.Conn) {
	t.Helper()
	var conns [2]net.Conn
	for i := range conns {
		c, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		t.Cleanup(func() { c.Close() })
		conns[i] = c
	}
	return conns[0], conns[1]
}

func waitStart(t *testing.T, errc <-chan error) {
	t.Helper()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
	}
}

func waitEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed waiting for %s", kind)
			}
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

// drainEvents collects events until none arrives for a short quiet period
// or the stream closes.
func drainEvents(events <-chan Event) []Event {
	var out []Event
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

type fakeCodec struct {
	closed atomic.Int32
	err    error
}

func (c *fakeCodec) Close() error {
	c.closed.Add(1)
	return c.err
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"receiver", ModeReceiver, false},
		{"sender", ModeSender, false},
		{"viewer", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseMode(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestDefaultConfigPolicies(t *testing.T) {
	t.Parallel()

	if p := DefaultConfig(ModeReceiver).Policy; p != queue.PolicyBlock {
		t.Errorf("receiver policy = %s, want block", p)
	}
	if p := DefaultConfig(ModeSender).Policy; p != queue.PolicyDropNewest {
		t.Errorf("sender policy = %s, want drop-newest", p)
	}
}

func TestStopWhenStoppedIsNoop(t *testing.T) {
	t.Parallel()

	s := New(receiverConfig())
	events, unsubscribe := s.Subscribe(4)
	defer unsubscribe()

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.State() != StateStopped || s.IsRunning() {
		t.Fatalf("state = %s", s.State())
	}
	if evs := drainEvents(events); len(evs) != 0 {
		t.Fatalf("unexpected events %v", evs)
	}
}

func TestLifecycleGating(t *testing.T) {
	t.Parallel()

	s := New(receiverConfig())
	addr, errc := startReceiver(t, s)

	if s.State() != StateStarting {
		t.Fatalf("state while pairing = %s, want starting", s.State())
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start while starting: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop while starting: %v", err)
	}
	if s.State() != StateStarting {
		t.Fatalf("Stop changed state to %s during STARTING", s.State())
	}

	left, _ := dialPair(t, addr)
	waitStart(t, errc)

	if !s.IsRunning() {
		t.Fatalf("state after pairing = %s", s.State())
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start while started: %v", err)
	}
	snap := s.Stats()
	if snap.Cycles != 1 || len(snap.Channels) != 2 {
		t.Fatalf("Stats = %+v, want one cycle with two channels", snap)
	}

	if err := (wire.LengthPrefixed{}).WriteFrame(left, []byte("au-1")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := s.Next(ctx, media.RoleLeft)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if f.Seq != 1 || string(f.Payload) != "au-1" {
		t.Fatalf("frame = %d %q", f.Seq, f.Payload)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	s := New(receiverConfig())
	events, unsubscribe := s.Subscribe(16)
	defer unsubscribe()

	addr, errc := startReceiver(t, s)
	dialPair(t, addr)
	waitStart(t, errc)

	if err := s.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if s.State() != StateStopped {
		t.Fatalf("state = %s", s.State())
	}

	var started, stopped int
	for _, e := range drainEvents(events) {
		switch e.Kind {
		case EventStarted:
			started++
		case EventStopped:
			stopped++
		}
	}
	if started != 1 || stopped != 1 {
		t.Fatalf("started=%d stopped=%d, want 1 each", started, stopped)
	}
	if _, err := s.Next(context.Background(), media.RoleLeft); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Next after Stop = %v, want ErrNotRunning", err)
	}
}

func TestRestartAfterStop(t *testing.T) {
	t.Parallel()

	s := New(receiverConfig())
	for i := range 2 {
		addr, errc := startReceiver(t, s)
		dialPair(t, addr)
		waitStart(t, errc)
		if err := s.Stop(); err != nil {
			t.Fatalf("cycle %d Stop: %v", i, err)
		}
	}
	if got := s.Stats().Cycles; got != 2 {
		t.Fatalf("Cycles = %d, want 2", got)
	}
}

func TestChannelLossStopsPipeline(t *testing.T) {
	t.Parallel()

	s := New(receiverConfig())
	events, unsubscribe := s.Subscribe(16)
	defer unsubscribe()

	addr, errc := startReceiver(t, s)
	_, right := dialPair(t, addr)
	waitStart(t, errc)
	waitEvent(t, events, EventStarted)

	right.Close()

	lost := waitEvent(t, events, EventChannelLost)
	if lost.Role != media.RoleRight {
		t.Fatalf("lost role = %s, want right", lost.Role)
	}
	if !errors.Is(lost.Err, channel.ErrClosedByPeer) {
		t.Fatalf("lost err = %v, want ErrClosedByPeer", lost.Err)
	}
	waitEvent(t, events, EventStopped)

	if s.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", s.State())
	}
	if evs := drainEvents(events); len(evs) != 0 {
		t.Fatalf("extra events after stop: %v", evs)
	}
}

func TestSimultaneousLossReportedOnce(t *testing.T) {
	t.Parallel()

	s := New(receiverConfig())
	events, unsubscribe := s.Subscribe(16)
	defer unsubscribe()

	addr, errc := startReceiver(t, s)
	dialPair(t, addr)
	waitStart(t, errc)
	waitEvent(t, events, EventStarted)

	s.mu.Lock()
	c := s.cur
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, role := range media.Roles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.lose(c, role, channel.ErrChannelLost)
		}()
	}
	wg.Wait()

	var lost int
	deadline := time.After(5 * time.Second)
	for stopped := false; !stopped; {
		select {
		case e := <-events:
			switch e.Kind {
			case EventChannelLost:
				lost++
			case EventStopped:
				stopped = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for stopped")
		}
	}
	if lost != 1 {
		t.Fatalf("ChannelLost fired %d times, want 1", lost)
	}
	if evs := drainEvents(events); len(evs) != 0 {
		t.Fatalf("extra events after stop: %v", evs)
	}
}

func TestSetupFailureRollsBack(t *testing.T) {
	t.Parallel()

	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer occupied.Close()

	closedPort, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	deadAddr := closedPort.Addr().String()
	closedPort.Close()

	leftCodec := &fakeCodec{}
	failingCodecs := CodecFactoryFunc(func(_ context.Context, role media.Role) (Codec, error) {
		if role == media.RoleRight {
			return nil, errors.New("no decoder for right surface")
		}
		return leftCodec, nil
	})

	tests := []struct {
		name   string
		config func() Config
	}{
		{"listen in use", func() Config {
			cfg := receiverConfig()
			cfg.ListenAddr = occupied.Addr().String()
			return cfg
		}},
		{"right listen in use", func() Config {
			cfg := receiverConfig()
			cfg.ListenRightAddr = occupied.Addr().String()
			return cfg
		}},
		{"codec open fails", func() Config {
			cfg := receiverConfig()
			cfg.Codecs = failingCodecs
			return cfg
		}},
		{"sender without address", func() Config {
			cfg := DefaultConfig(ModeSender)
			cfg.Logger = discardLogger
			return cfg
		}},
		{"sender dial refused", func() Config {
			cfg := DefaultConfig(ModeSender)
			cfg.LeftAddr = deadAddr
			cfg.TransportOptions.DialTimeout = time.Second
			cfg.Logger = discardLogger
			return cfg
		}},
	}
	for _, tt := range tests {
		s := New(tt.config())
		events, unsubscribe := s.Subscribe(4)

		err := s.Start(context.Background())
		if !errors.Is(err, ErrSetup) {
			t.Errorf("%s: Start err = %v, want ErrSetup", tt.name, err)
		}
		if s.State() != StateStopped {
			t.Errorf("%s: state = %s, want stopped", tt.name, s.State())
		}
		if evs := drainEvents(events); len(evs) != 0 {
			t.Errorf("%s: events %v, want none", tt.name, evs)
		}
		unsubscribe()
	}

	if got := leftCodec.closed.Load(); got != 1 {
		t.Fatalf("left codec closed %d times, want 1", got)
	}
}

func TestStartCancelledDuringRendezvous(t *testing.T) {
	t.Parallel()

	s := New(receiverConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := s.Start(ctx)
	if !errors.Is(err, ErrSetup) || !errors.Is(err, rendezvous.ErrCancelled) {
		t.Fatalf("Start err = %v, want ErrSetup wrapping ErrCancelled", err)
	}
	if s.State() != StateStopped {
		t.Fatalf("state = %s", s.State())
	}
}

func TestCodecsClosedOnStop(t *testing.T) {
	t.Parallel()

	var opened [2]*fakeCodec
	cfg := receiverConfig()
	cfg.Codecs = CodecFactoryFunc(func(_ context.Context, role media.Role) (Codec, error) {
		c := &fakeCodec{}
		if role == media.RoleRight {
			c.err = errors.New("surface already released")
		}
		opened[role] = c
		return c, nil
	})
	s := New(cfg)

	addr, errc := startReceiver(t, s)
	dialPair(t, addr)
	waitStart(t, errc)

	if s.Codec(media.RoleLeft) != Codec(opened[media.RoleLeft]) {
		t.Fatal("Codec(left) does not return the opened codec")
	}

	err := s.Stop()
	if err == nil {
		t.Fatal("Stop should report the right codec close error")
	}
	for role, c := range opened {
		if got := c.closed.Load(); got != 1 {
			t.Errorf("%s codec closed %d times, want 1", media.Role(role), got)
		}
	}
	if s.State() != StateStopped {
		t.Fatalf("state = %s", s.State())
	}
}

func TestWrongModeAndNotRunning(t *testing.T) {
	t.Parallel()

	recv := New(receiverConfig())
	if _, err := recv.Submit(context.Background(), media.RoleLeft, []byte("x")); !errors.Is(err, ErrWrongMode) {
		t.Errorf("receiver Submit = %v, want ErrWrongMode", err)
	}
	if _, err := recv.Next(context.Background(), media.RoleLeft); !errors.Is(err, ErrNotRunning) {
		t.Errorf("stopped Next = %v, want ErrNotRunning", err)
	}

	send := New(DefaultConfig(ModeSender))
	if _, err := send.Next(context.Background(), media.RoleLeft); !errors.Is(err, ErrWrongMode) {
		t.Errorf("sender Next = %v, want ErrWrongMode", err)
	}
	if _, err := send.Submit(context.Background(), media.RoleRight, []byte("x")); !errors.Is(err, ErrNotRunning) {
		t.Errorf("stopped Submit = %v, want ErrNotRunning", err)
	}
	if _, err := send.Submit(context.Background(), media.Role(7), []byte("x")); err == nil {
		t.Error("Submit with invalid role should fail")
	}
}

func TestBrokerShedsOnlyFrameDrops(t *testing.T) {
	t.Parallel()

	b := newBroker()
	slow, unsubSlow := b.subscribe(1)
	fast, unsubFast := b.subscribe(64)
	defer unsubFast()

	const drops = 50
	b.publish(Event{Kind: EventStarted})
	for i := range drops {
		b.publish(Event{Kind: EventFrameDropped, Seq: uint64(i + 1)})
	}
	b.publish(Event{Kind: EventChannelLost, Role: media.RoleRight})
	b.publish(Event{Kind: EventStopped})

	if got := len(drainEvents(fast)); got != drops+3 {
		t.Fatalf("fast subscriber got %d events, want %d", got, drops+3)
	}

	evs := drainEvents(slow)
	if len(evs) < 3 {
		t.Fatalf("slow subscriber got %v", evs)
	}
	if evs[0].Kind != EventStarted {
		t.Fatalf("first event = %s, want started", evs[0].Kind)
	}
	tail := evs[len(evs)-2:]
	if tail[0].Kind != EventChannelLost || tail[1].Kind != EventStopped {
		t.Fatalf("last events = %s, %s; want channel-lost, stopped", tail[0].Kind, tail[1].Kind)
	}
	var lastSeq uint64
	for _, e := range evs[1 : len(evs)-2] {
		if e.Kind != EventFrameDropped || e.Seq <= lastSeq {
			t.Fatalf("out of order event %s seq %d after %d", e.Kind, e.Seq, lastSeq)
		}
		lastSeq = e.Seq
	}
	if shed := b.dropped.Load(); shed == 0 || int(shed)+len(evs) != drops+3 {
		t.Fatalf("shed = %d with %d delivered, want them to sum to %d", shed, len(evs), drops+3)
	}

	unsubSlow()
	unsubSlow()
	select {
	case _, ok := <-slow:
		if ok {
			t.Fatal("event delivered after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("unsubscribed channel not closed")
	}
	b.publish(Event{Kind: EventStarted})
}

func TestStoppedReachesSubscriberUnderBackpressure(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	accepted := make(chan net.Conn, 2)
	go func() {
		// The viewer accepts both eyes and never reads.
		for range 2 {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()
	defer func() {
		ln.Close()
		for range len(accepted) {
			(<-accepted).Close()
		}
	}()

	cfg := DefaultConfig(ModeSender)
	cfg.LeftAddr = ln.Addr().String()
	cfg.DrainTimeout = 100 * time.Millisecond
	cfg.Logger = discardLogger
	s := New(cfg)
	events, unsubscribe := s.Subscribe(16)
	defer unsubscribe()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	payload := make([]byte, 256<<10)
	var dropped int
	for range 200 {
		for _, role := range media.Roles {
			res, err := s.Submit(context.Background(), role, payload)
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if res == queue.Dropped {
				dropped++
			}
		}
	}
	if dropped == 0 {
		t.Fatal("expected drops against a peer that never reads")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	waitEvent(t, events, EventStopped)
	if s.State() != StateStopped {
		t.Fatalf("state = %s", s.State())
	}
}
