package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/stereocast/certs"
	"github.com/zsiec/stereocast/queue"
	"github.com/zsiec/stereocast/transport"
	"github.com/zsiec/stereocast/wire"
)

// Load reads, defaults and validates the YAML file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r, rejecting unknown fields, then applies
// defaults and validates.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg for coherence and returns every problem found as a
// joined error.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}
	if !cfg.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("mode %q is invalid; valid values: receiver, sender", cfg.Mode))
	}

	if !cfg.Transport.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("transport.kind %q is invalid; valid values: tcp, srt, quic", cfg.Transport.Kind))
	}
	if _, err := wire.Parse(cfg.Transport.Framing); err != nil {
		errs = append(errs, fmt.Errorf("transport.framing: %w", err))
	} else if cfg.Transport.Framing == wire.NameRaw && cfg.Transport.Kind != transport.KindTCP {
		slog.Warn("raw framing over a message or multiplexed transport will split and merge frames",
			"kind", cfg.Transport.Kind)
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"transport.accept_timeout", cfg.Transport.AcceptTimeout},
		{"transport.dial_timeout", cfg.Transport.DialTimeout},
		{"transport.drain_timeout", cfg.Transport.DrainTimeout},
	} {
		if d.val < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", d.name, d.val))
		}
	}
	if cfg.Transport.Fingerprint != "" {
		if _, err := certs.ParseFingerprint(cfg.Transport.Fingerprint); err != nil {
			errs = append(errs, fmt.Errorf("transport.fingerprint: %w", err))
		}
		if cfg.Transport.Kind != transport.KindQUIC {
			slog.Warn("transport.fingerprint is only used by quic", "kind", cfg.Transport.Kind)
		}
	}

	if cfg.Queue.Capacity < 1 {
		errs = append(errs, fmt.Errorf("queue.capacity must be at least 1, got %d", cfg.Queue.Capacity))
	}
	if _, err := queue.ParsePolicy(cfg.Queue.ReceivePolicy); err != nil {
		errs = append(errs, fmt.Errorf("queue.receive_policy: %w", err))
	}
	if _, err := queue.ParsePolicy(cfg.Queue.SendPolicy); err != nil {
		errs = append(errs, fmt.Errorf("queue.send_policy: %w", err))
	}

	switch cfg.Mode {
	case ModeReceiver:
		r := cfg.Receiver
		if (r.ListenLeft == "") != (r.ListenRight == "") {
			errs = append(errs, errors.New("receiver.listen_left and receiver.listen_right must be set together"))
		}
		if r.ListenLeft != "" && r.Listen != "" {
			errs = append(errs, errors.New("receiver.listen cannot be combined with listen_left/listen_right"))
		}
		if r.TwoPort && r.Listen != "" {
			errs = append(errs, errors.New("receiver.two_port cannot be combined with receiver.listen"))
		}
		if r.ListenLeft != "" && r.ListenLeft == r.ListenRight {
			errs = append(errs, errors.New("receiver.listen_left and listen_right must differ; use receiver.listen for a single port"))
		}
	case ModeSender:
		if cfg.Sender.LeftAddr == "" {
			errs = append(errs, errors.New("sender.left_addr is required in sender mode"))
		}
	}

	return errors.Join(errs...)
}
