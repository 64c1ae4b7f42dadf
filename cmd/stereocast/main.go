package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/stereocast/certs"
	"github.com/zsiec/stereocast/internal/config"
	"github.com/zsiec/stereocast/internal/health"
	"github.com/zsiec/stereocast/internal/observe"
	"github.com/zsiec/stereocast/media"
	"github.com/zsiec/stereocast/pipeline"
	"github.com/zsiec/stereocast/queue"
	"github.com/zsiec/stereocast/transport"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "stereocast.yaml", "path to the YAML configuration file")
	outDir := flag.String("out-dir", "", "receiver: directory for left.frames and right.frames (empty discards frames)")
	inLeft := flag.String("in-left", "", "sender: length-prefixed .frames file for the left eye (empty sends a test pattern)")
	inRight := flag.String("in-right", "", "sender: length-prefixed .frames file for the right eye (empty sends a test pattern)")
	fps := flag.Int("fps", 30, "sender: frames per second per eye")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	level := cfg.LogLevel.Level()
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, runOptions{
		outDir: *outDir,
		inputs: [2]string{*inLeft, *inRight},
		fps:    *fps,
	}, log); err != nil {
		log.Error("stereocast failed", "error", err)
		os.Exit(1)
	}
}

type runOptions struct {
	outDir string
	inputs [2]string
	fps    int
}

func run(ctx context.Context, cfg *config.Config, opts runOptions, log *slog.Logger) error {
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("metrics provider: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = shutdownMetrics(sctx)
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	pc, err := cfg.PipelineConfig(log, metrics)
	if err != nil {
		return err
	}
	if pc.Mode == pipeline.ModeReceiver {
		pc.Codecs = sinkFactory{dir: opts.outDir}
		if cfg.Transport.Kind == transport.KindQUIC {
			cert, err := certs.Generate(14 * 24 * time.Hour)
			if err != nil {
				return fmt.Errorf("generate certificate: %w", err)
			}
			log.Info("certificate generated",
				"fingerprint", cert.FingerprintBase64(),
				"expires", cert.NotAfter.Format(time.RFC3339),
			)
			pc.TransportOptions.Cert = cert
		}
	} else {
		pc.Codecs = sourceFactory{paths: opts.inputs}
	}
	sup := pipeline.New(pc)

	log.Info("stereocast starting",
		"version", version,
		"mode", pc.Mode.String(),
		"transport", string(pc.Transport),
		"framing", pc.Framer.Name(),
		"telemetry", cfg.Telemetry.Listen,
	)

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if cfg.Telemetry.Listen != "" {
		srv := telemetryServer(cfg.Telemetry.Listen, sup, metrics, log)
		g.Go(func() error {
			log.Info("telemetry server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("telemetry server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		// A clean sender exit must also take the telemetry server down.
		defer stop()
		if pc.Mode == pipeline.ModeReceiver {
			return runReceiver(ctx, sup, log)
		}
		return runSender(ctx, sup, opts.fps, log)
	})

	return g.Wait()
}

func telemetryServer(addr string, sup *pipeline.Supervisor, metrics *observe.Metrics, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(
		func() any { return sup.Stats() },
		health.RunningChecker("pipeline", sup.IsRunning),
	).Register(mux)

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics, log)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// runReceiver pairs both eyes, drains their frames into the sinks until the
// pipeline stops, then waits for the cameras to pair again. It returns when
// ctx is cancelled.
func runReceiver(ctx context.Context, sup *pipeline.Supervisor, log *slog.Logger) error {
	events, unsubscribe := sup.Subscribe(64)
	defer unsubscribe()

	for {
		log.Info("waiting for both cameras")
		if err := sup.Start(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var sinks errgroup.Group
		for _, role := range media.Roles {
			sinks.Go(func() error { return drainEye(ctx, sup, role) })
		}

		waitStopped(ctx, sup, events, log)
		if err := sinks.Wait(); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// drainEye hands every frame of role to its sink until the cycle ends.
func drainEye(ctx context.Context, sup *pipeline.Supervisor, role media.Role) error {
	sink, _ := sup.Codec(role).(*fileSink)
	for {
		f, err := sup.Next(ctx, role)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || errors.Is(err, pipeline.ErrNotRunning) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s eye: %w", role, err)
		}
		if sink == nil {
			continue
		}
		if err := sink.WriteFrame(f.Payload); err != nil {
			if errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("%s sink: %w", role, err)
		}
	}
}

// waitStopped blocks until the current cycle stops on its own or ctx ends,
// in which case it stops the pipeline.
func waitStopped(ctx context.Context, sup *pipeline.Supervisor, events <-chan pipeline.Event, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			if err := sup.Stop(); err != nil {
				log.Warn("stop", "error", err)
			}
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Kind {
			case pipeline.EventChannelLost:
				log.Warn("camera lost", "role", e.Role.String(), "error", e.Err)
			case pipeline.EventStopped:
				return
			}
		}
	}
}

// runSender connects both eyes and submits one frame per eye per tick until
// the sources run out, ctx ends or the link is lost.
func runSender(ctx context.Context, sup *pipeline.Supervisor, fps int, log *slog.Logger) error {
	if fps < 1 {
		fps = 1
	}
	if err := sup.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sup.Stop(); err != nil {
			log.Warn("stop", "error", err)
		}
	}()

	var sources [2]*fileSource
	for _, role := range media.Roles {
		src, ok := sup.Codec(role).(*fileSource)
		if !ok {
			return fmt.Errorf("%s eye has no frame source", role)
		}
		sources[role] = src
	}

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for _, role := range media.Roles {
			payload, err := sources[role].Next()
			if errors.Is(err, errSourceDone) {
				log.Info("input exhausted", "role", role.String())
				return nil
			}
			if err != nil {
				return fmt.Errorf("%s source: %w", role, err)
			}
			if _, err := sup.Submit(ctx, role, payload); err != nil {
				if errors.Is(err, pipeline.ErrNotRunning) {
					return errors.New("link to viewer lost")
				}
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}
