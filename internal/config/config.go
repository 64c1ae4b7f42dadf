// Package config defines the stereocast YAML configuration, its defaults,
// validation, and the mapping onto a pipeline.Config.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/stereocast/certs"
	"github.com/zsiec/stereocast/media"
	"github.com/zsiec/stereocast/pipeline"
	"github.com/zsiec/stereocast/queue"
	"github.com/zsiec/stereocast/rendezvous"
	"github.com/zsiec/stereocast/transport"
	"github.com/zsiec/stereocast/wire"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Mode selects the side of the link this process runs.
type Mode string

const (
	ModeReceiver Mode = "receiver"
	ModeSender   Mode = "sender"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeReceiver || m == ModeSender
}

// Config is the root of stereocast.yaml.
type Config struct {
	LogLevel  LogLevel        `yaml:"log_level"`
	Mode      Mode            `yaml:"mode"`
	Transport TransportConfig `yaml:"transport"`
	Receiver  ReceiverConfig  `yaml:"receiver"`
	Sender    SenderConfig    `yaml:"sender"`
	Queue     QueueConfig     `yaml:"queue"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// TransportConfig selects and tunes the per-eye connections.
type TransportConfig struct {
	// Kind is tcp, srt or quic.
	Kind transport.Kind `yaml:"kind"`

	// Framing is length-prefixed or raw. Raw only works where one write
	// arrives as one read, which in practice means TCP on a quiet LAN.
	Framing string `yaml:"framing"`

	AcceptTimeout time.Duration `yaml:"accept_timeout"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`

	// Fingerprint pins the receiver's QUIC certificate on the sender
	// (base64 SHA-256, as logged by the receiver).
	Fingerprint string `yaml:"fingerprint"`
}

// ReceiverConfig holds the listen addresses. Either Listen (one port for
// both eyes) or ListenLeft and ListenRight (one port per eye) is used.
// TwoPort with no addresses selects the well-known left and right ports.
type ReceiverConfig struct {
	Listen      string `yaml:"listen"`
	ListenLeft  string `yaml:"listen_left"`
	ListenRight string `yaml:"listen_right"`
	TwoPort     bool   `yaml:"two_port"`
}

// SenderConfig holds the receiver addresses for each eye. RightAddr
// defaults to LeftAddr for a single-port receiver.
type SenderConfig struct {
	LeftAddr  string `yaml:"left_addr"`
	RightAddr string `yaml:"right_addr"`
}

// QueueConfig sets the per-eye queue depth and the policy per direction.
type QueueConfig struct {
	Capacity      int    `yaml:"capacity"`
	ReceivePolicy string `yaml:"receive_policy"`
	SendPolicy    string `yaml:"send_policy"`
}

// TelemetryConfig controls the /metrics, /healthz, /readyz and /status
// server. An empty Listen disables it.
type TelemetryConfig struct {
	Listen string `yaml:"listen"`
}

// Defaults.
const (
	DefaultTelemetryListen = ":9353"
	DefaultDialTimeout     = transport.DefaultDialTimeout
)

// ApplyDefaults fills every unset field.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = transport.KindTCP
	}
	if cfg.Transport.Framing == "" {
		cfg.Transport.Framing = wire.NameLengthPrefixed
	}
	if cfg.Transport.AcceptTimeout == 0 {
		cfg.Transport.AcceptTimeout = rendezvous.DefaultAcceptTimeout
	}
	if cfg.Transport.DialTimeout == 0 {
		cfg.Transport.DialTimeout = DefaultDialTimeout
	}
	if cfg.Transport.DrainTimeout == 0 {
		cfg.Transport.DrainTimeout = pipeline.DefaultDrainTimeout
	}
	if r := &cfg.Receiver; r.Listen == "" && r.ListenLeft == "" && r.ListenRight == "" {
		if r.TwoPort {
			r.ListenLeft = fmt.Sprintf(":%d", media.DefaultLeftPort)
			r.ListenRight = fmt.Sprintf(":%d", media.DefaultRightPort)
		} else {
			r.Listen = fmt.Sprintf(":%d", media.DefaultPort)
		}
	}
	if cfg.Sender.RightAddr == "" {
		cfg.Sender.RightAddr = cfg.Sender.LeftAddr
	}
	if cfg.Queue.Capacity == 0 {
		cfg.Queue.Capacity = media.DefaultQueueCapacity
	}
	if cfg.Queue.ReceivePolicy == "" {
		cfg.Queue.ReceivePolicy = queue.PolicyBlock.String()
	}
	if cfg.Queue.SendPolicy == "" {
		cfg.Queue.SendPolicy = queue.PolicyDropNewest.String()
	}
	if cfg.Telemetry.Listen == "" {
		cfg.Telemetry.Listen = DefaultTelemetryListen
	}
}

// PipelineConfig maps cfg onto a pipeline.Config. cfg must have passed
// Validate.
func (cfg *Config) PipelineConfig(log *slog.Logger, obs pipeline.Observer) (pipeline.Config, error) {
	mode, err := pipeline.ParseMode(string(cfg.Mode))
	if err != nil {
		return pipeline.Config{}, err
	}
	framer, err := wire.Parse(cfg.Transport.Framing)
	if err != nil {
		return pipeline.Config{}, err
	}
	policyName := cfg.Queue.ReceivePolicy
	if mode == pipeline.ModeSender {
		policyName = cfg.Queue.SendPolicy
	}
	policy, err := queue.ParsePolicy(policyName)
	if err != nil {
		return pipeline.Config{}, err
	}

	opts := transport.Options{
		DialTimeout: cfg.Transport.DialTimeout,
		Logger:      log,
	}
	if cfg.Transport.Fingerprint != "" {
		fp, err := certs.ParseFingerprint(cfg.Transport.Fingerprint)
		if err != nil {
			return pipeline.Config{}, err
		}
		opts.PinnedFingerprint = &fp
	}

	pc := pipeline.DefaultConfig(mode)
	pc.Transport = cfg.Transport.Kind
	pc.TransportOptions = opts
	pc.Framer = framer
	pc.QueueCapacity = cfg.Queue.Capacity
	pc.Policy = policy
	pc.AcceptTimeout = cfg.Transport.AcceptTimeout
	pc.DrainTimeout = cfg.Transport.DrainTimeout
	pc.Observer = obs
	pc.Logger = log

	if cfg.Receiver.ListenLeft != "" {
		pc.ListenAddr = cfg.Receiver.ListenLeft
		pc.ListenRightAddr = cfg.Receiver.ListenRight
	} else {
		pc.ListenAddr = cfg.Receiver.Listen
	}
	pc.LeftAddr = cfg.Sender.LeftAddr
	pc.RightAddr = cfg.Sender.RightAddr
	return pc, nil
}
