// Model Bridge Daemon
//
// Long-running bridge between AI-agent producers and a modeling host.
// Producers submit commands over HTTP and await results; the host either
// polls for work remotely or runs in process in loopback mode.
//
// Usage:
//
//	go run ./cmd/bridged                       # Defaults, :8787, remote mode
//	go run ./cmd/bridged -mode loopback        # In-process dev handlers
//	go run ./cmd/bridged -config bridge.yaml   # File config + hot reload
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/atelier-systems/modelbridge/bridgecore/config"
	"github.com/atelier-systems/modelbridge/bridgecore/executor"
	"github.com/atelier-systems/modelbridge/bridgecore/httpapi"
	"github.com/atelier-systems/modelbridge/bridgecore/observability"
	"github.com/atelier-systems/modelbridge/bridgecore/registry"
	"github.com/atelier-systems/modelbridge/bridgecore/session"
)

// slogLogger adapts log/slog to the per-package Logger interfaces.
type slogLogger struct {
	sl *slog.Logger
}

func (l *slogLogger) Debug(msg string, keysAndValues ...any) { l.sl.Debug(msg, keysAndValues...) }
func (l *slogLogger) Info(msg string, keysAndValues ...any)  { l.sl.Info(msg, keysAndValues...) }
func (l *slogLogger) Warn(msg string, keysAndValues ...any)  { l.sl.Warn(msg, keysAndValues...) }
func (l *slogLogger) Error(msg string, keysAndValues ...any) { l.sl.Error(msg, keysAndValues...) }

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// applyEnvOverrides layers BRIDGE_* environment variables over the file
// config. Flags still win over both.
func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("BRIDGE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("BRIDGE_DATA_DIR"); v != "" {
		cfg.Registry.DataDir = v
	}
	if v := os.Getenv("BRIDGE_MODE"); v != "" {
		cfg.Host.Mode = v
	}
	if v := os.Getenv("BRIDGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BRIDGE_OTLP_ENDPOINT"); v != "" {
		cfg.Observability.OTLPEndpoint = v
	}
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	dataDir := flag.String("data-dir", "", "registry data directory (overrides config)")
	mode := flag.String("mode", "", "host mode: remote or loopback (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	flag.Parse()

	if err := run(*configPath, *addr, *dataDir, *mode, *logLevel); err != nil {
		fmt.Fprintln(os.Stderr, "bridged:", err)
		os.Exit(1)
	}
}

func run(configPath, addr, dataDir, mode, logLevel string) error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	applyEnvOverrides(cfg)
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if dataDir != "" {
		cfg.Registry.DataDir = dataDir
	}
	if mode != "" {
		cfg.Host.Mode = mode
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(parseLevel(cfg.LogLevel))
	logger := &slogLogger{sl: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))}

	logger.Info("bridged_starting",
		"addr", cfg.Server.Addr,
		"mode", cfg.Host.Mode,
		"data_dir", cfg.Registry.DataDir,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing is optional; without an endpoint spans stay no-ops.
	if cfg.Observability.OTLPEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(cfg.Observability.ServiceName, cfg.Observability.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			if err := shutdownTracer(flushCtx); err != nil {
				logger.Warn("tracer_shutdown_failed", "error", err)
			}
		}()
		logger.Info("tracing_enabled", "endpoint", cfg.Observability.OTLPEndpoint)
	}

	// The registry is durable when a data dir is configured.
	var reg *registry.Registry
	var err error
	if cfg.Registry.DataDir != "" {
		reg, err = registry.Open(cfg.Registry.DataDir, cfg.Registry.SnapshotThreshold, logger)
		if err != nil {
			return fmt.Errorf("open registry: %w", err)
		}
	} else {
		reg = registry.NewInMemory(logger)
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Warn("registry_close_failed", "error", err)
		}
	}()

	sess := session.New(logger, &session.Config{
		AwaitTimeout:    cfg.Bridge.AwaitTimeout(),
		ResultRetention: cfg.Bridge.ResultRetention(),
		FeedBuffer:      cfg.Bridge.FeedBuffer,
		TypeHints:       cfg.Registry.TypeHints,
	}, reg)
	defer sess.Close()

	// A protocol violation latches the session halted and brings the
	// process down with the diagnostic. In-flight requests drain first,
	// answering with the halted error.
	fatalCh := make(chan error, 1)
	sess.OnFatal(func(err error) {
		select {
		case fatalCh <- err:
		default:
		}
	})

	stopJanitor := sess.StartJanitor(session.JanitorConfig{
		Interval:            cfg.Bridge.JanitorInterval(),
		StuckExecutingAfter: cfg.Bridge.StuckExecutingAfter(),
	})
	defer stopJanitor()

	monitor := executor.NewHostMonitor(executor.HealthPolicy{
		SuspectAfter:           cfg.Host.SuspectAfter(),
		DeadAfter:              cfg.Host.DeadAfter(),
		CheckInterval:          cfg.Host.CheckInterval(),
		MaxConsecutiveFailures: cfg.Host.MaxConsecutiveFailures,
		RetryBackoff:           cfg.Host.RetryBackoff(),
	}, sess.Feed(), logger)
	stopMonitor := monitor.Start()
	defer stopMonitor()

	if cfg.Host.Mode == config.ModeLoopback {
		owner := executor.NewOwnerThread(logger)
		owner.Start()
		defer owner.Stop()

		if err := registerDevHandlers(sess.Dispatch(), logger); err != nil {
			return err
		}

		exec := executor.NewHostExecutor(sess, sess.Dispatch(), owner, monitor, &executor.Config{
			PollInterval:   cfg.Bridge.PollInterval(),
			DrainBatchSize: cfg.Bridge.DrainBatchSize,
			MarshalTimeout: cfg.Bridge.MarshalTimeout(),
		}, logger)

		go func() {
			if err := exec.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("loopback_executor_exited", "error", err)
			}
		}()
		logger.Info("loopback_executor_started",
			"handlers", sess.Dispatch().KnownTypes())
	}

	handler := httpapi.NewHandler(httpapi.HandlerConfig{
		Session:         sess,
		Monitor:         monitor,
		MaxDrainBatch:   cfg.Server.MaxDrainBatch,
		MaxAwaitTimeout: cfg.Server.MaxAwaitTimeout(),
		Logger:          logger,
	})
	srv, err := httpapi.NewServer(httpapi.ServerConfig{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout(),
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Start() }()

	// Hot reload covers the tunables that apply without a restart.
	if configPath != "" {
		go watchConfig(ctx, configPath, levelVar, sess, logger)
	}

	logger.Info("bridged_ready", "addr", srv.Addr(), "mode", cfg.Host.Mode)
	fmt.Printf("modelbridge listening on %s (%s mode)\n", srv.Addr(), cfg.Host.Mode)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var fatalErr error
	select {
	case sig := <-sigCh:
		logger.Info("shutdown_signal_received", "signal", sig.String())
	case fatalErr = <-fatalCh:
		logger.Error("halting_on_protocol_violation", "error", fatalErr)
	case err := <-serveDone:
		return fmt.Errorf("http server exited: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("http_shutdown_incomplete", "error", err)
	}
	cancel()

	if fatalErr != nil {
		return fmt.Errorf("bridge halted: %w", fatalErr)
	}
	logger.Info("bridged_stopped")
	return nil
}

// watchConfig applies the reloadable subset when the file changes: log
// level and the default await timeout. Everything else needs a restart.
func watchConfig(ctx context.Context, path string, levelVar *slog.LevelVar, sess *session.Session, logger *slogLogger) {
	for range config.Watch(ctx, path) {
		cfg, err := config.Load(path)
		if err != nil {
			logger.Warn("config_reload_rejected", "error", err)
			continue
		}
		levelVar.Set(parseLevel(cfg.LogLevel))
		sess.SetAwaitTimeout(cfg.Bridge.AwaitTimeout())
		logger.Info("config_reloaded",
			"log_level", cfg.LogLevel,
			"await_timeout", cfg.Bridge.AwaitTimeout().String())
	}
}
