// Package pipeline owns the lifecycle of a stereo pair: two channels, their
// socket loops, and the codec handles bound to each eye. A Supervisor moves
// through STOPPED, STARTING, STARTED and STOPPING, and a failure of either
// eye stops the whole pair.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/stereocast/channel"
	"github.com/zsiec/stereocast/media"
	"github.com/zsiec/stereocast/queue"
	"github.com/zsiec/stereocast/transport"
	"github.com/zsiec/stereocast/wire"
)

// DefaultDrainTimeout bounds how long Stop waits for a sender to flush
// frames that were already queued.
const DefaultDrainTimeout = 2 * time.Second

var (
	// ErrSetup wraps every failure that aborts Start.
	ErrSetup = errors.New("pipeline: setup failed")

	// ErrNotRunning is returned by Submit and Next outside a started cycle.
	ErrNotRunning = errors.New("pipeline: not running")

	// ErrWrongMode is returned by Submit on a receiver and Next on a sender.
	ErrWrongMode = errors.New("pipeline: operation not valid in this mode")
)

// Mode selects which side of the link the supervisor runs.
type Mode int

const (
	// ModeReceiver accepts both eyes and feeds frames to a consumer.
	ModeReceiver Mode = iota
	// ModeSender dials both eyes and ships frames from a producer.
	ModeSender
)

func (m Mode) String() string {
	switch m {
	case ModeReceiver:
		return "receiver"
	case ModeSender:
		return "sender"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode converts a config string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "receiver":
		return ModeReceiver, nil
	case "sender":
		return ModeSender, nil
	}
	return 0, fmt.Errorf("pipeline: unknown mode %q (want receiver or sender)", s)
}

// State is the supervisor lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateStarted
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// Codec is an encoder or decoder handle bound to one eye for one cycle.
// The pipeline only manages its lifetime; frames flow through Submit and
// Next.
type Codec interface {
	Close() error
}

// CodecFactory opens the codec for a role during STARTING. An error aborts
// Start.
type CodecFactory interface {
	Open(ctx context.Context, role media.Role) (Codec, error)
}

// CodecFactoryFunc adapts a function to CodecFactory.
type CodecFactoryFunc func(ctx context.Context, role media.Role) (Codec, error)

// Open implements CodecFactory.
func (f CodecFactoryFunc) Open(ctx context.Context, role media.Role) (Codec, error) {
	return f(ctx, role)
}

// Observer extends channel accounting with pipeline-level events.
type Observer interface {
	channel.Observer
	RecordChannelLost(ctx context.Context, role media.Role)
	RecordChannelActive(ctx context.Context, role media.Role, delta int64)
	RecordRendezvous(ctx context.Context, d time.Duration)
}

// Config configures a Supervisor. Use DefaultConfig for per-mode defaults.
type Config struct {
	Mode Mode

	Transport        transport.Kind
	TransportOptions transport.Options

	// Framer delimits frames on the wire. Nil selects length-prefixed.
	Framer wire.Framer

	QueueCapacity int

	// Policy is the queue policy for this direction. DefaultConfig picks
	// block for receivers and drop-newest for senders.
	Policy queue.Policy

	// ListenAddr is the receiver's listen address. When ListenRightAddr is
	// set the left eye connects to ListenAddr and the right eye to
	// ListenRightAddr; otherwise both share ListenAddr.
	ListenAddr      string
	ListenRightAddr string

	// LeftAddr and RightAddr are the sender's remote addresses. They may be
	// equal for a single-port receiver.
	LeftAddr  string
	RightAddr string

	AcceptTimeout time.Duration
	DrainTimeout  time.Duration

	Codecs   CodecFactory
	Observer Observer
	Logger   *slog.Logger
}

// DefaultConfig returns a Config with defaults for mode.
func DefaultConfig(mode Mode) Config {
	cfg := Config{
		Mode:          mode,
		Transport:     transport.KindTCP,
		QueueCapacity: media.DefaultQueueCapacity,
		DrainTimeout:  DefaultDrainTimeout,
		ListenAddr:    fmt.Sprintf(":%d", media.DefaultPort),
	}
	if mode == ModeSender {
		cfg.Policy = queue.PolicyDropNewest
	} else {
		cfg.Policy = queue.PolicyBlock
	}
	return cfg
}

// Snapshot is a point-in-time view of the supervisor.
type Snapshot struct {
	Mode          string          `json:"mode"`
	State         string          `json:"state"`
	Cycles        int64           `json:"cycles"`
	EventsDropped int64           `json:"eventsDropped"`
	Channels      []channel.Stats `json:"channels,omitempty"`
}
