package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/atelier-systems/modelbridge/bridgecore/observability"
	"github.com/atelier-systems/modelbridge/commbridge"
)

var tracer = otel.Tracer("modelbridge/executor")

// ErrAlreadyRunning is returned by Run when the executor is active.
var ErrAlreadyRunning = errors.New("executor already running")

// Session is the bridge surface the executor drives.
type Session interface {
	Drain(maxN int) ([]*commbridge.Command, error)
	PublishResult(res *commbridge.Result) error
	Err() error
}

// Config configures the host executor.
type Config struct {
	// PollInterval is the idle sleep between empty drains.
	PollInterval time.Duration
	// DrainBatchSize is how many commands to pull per poll.
	DrainBatchSize int
	// MarshalTimeout bounds each owner-thread invocation.
	MarshalTimeout time.Duration
}

// DefaultConfig returns default executor configuration.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:   50 * time.Millisecond,
		DrainBatchSize: 16,
		MarshalTimeout: 2 * time.Minute,
	}
}

// HostExecutor is the loopback consumer: it polls the session the way a
// remote host would poll the HTTP API, runs each command on the owner
// thread, and publishes exactly one result per command.
type HostExecutor struct {
	sess    Session
	table   commbridge.Dispatcher
	owner   *OwnerThread
	monitor *HostMonitor
	config  *Config
	logger  Logger
	running atomic.Bool
}

// NewHostExecutor creates an executor. The owner thread must be started
// separately.
func NewHostExecutor(sess Session, table commbridge.Dispatcher, owner *OwnerThread, monitor *HostMonitor, config *Config, logger Logger) *HostExecutor {
	if config == nil {
		config = DefaultConfig()
	}
	return &HostExecutor{
		sess:    sess,
		table:   table,
		owner:   owner,
		monitor: monitor,
		config:  config,
		logger:  logger,
	}
}

// Run polls and executes until ctx is done or the session halts.
func (e *HostExecutor) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	if e.logger != nil {
		e.logger.Info("executor_started",
			"poll_interval", e.config.PollInterval.String(),
			"drain_batch_size", e.config.DrainBatchSize,
			"marshal_timeout", e.config.MarshalTimeout.String())
	}

	for {
		select {
		case <-ctx.Done():
			if e.logger != nil {
				e.logger.Info("executor_stopped")
			}
			return ctx.Err()
		default:
		}

		if err := e.sess.Err(); err != nil {
			if e.logger != nil {
				e.logger.Error("executor_halted", "error", err)
			}
			return err
		}

		if pause := e.monitor.PauseRemaining(); pause > 0 {
			if !e.sleep(ctx, minDuration(pause, e.config.PollInterval)) {
				return ctx.Err()
			}
			continue
		}

		batch, err := e.sess.Drain(e.config.DrainBatchSize)
		if err != nil {
			if e.logger != nil {
				e.logger.Error("executor_drain_failed", "error", err)
			}
			return err
		}
		e.monitor.RecordPoll()

		if len(batch) == 0 {
			if !e.sleep(ctx, e.config.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		for _, cmd := range batch {
			e.execute(ctx, cmd)
		}
	}
}

// execute runs one command and publishes its result.
func (e *HostExecutor) execute(ctx context.Context, cmd *commbridge.Command) {
	ctx, span := tracer.Start(ctx, "executor.execute",
		trace.WithAttributes(
			attribute.String("bridge.command.id", cmd.ID),
			attribute.String("bridge.command.type", cmd.Type),
		))
	defer span.End()

	if e.logger != nil {
		e.logger.Debug("command_received",
			"command_id", cmd.ID,
			"command_type", cmd.Type)
	}
	startTime := time.Now()

	handlerResult, err := e.owner.Invoke(ctx, cmd.ID, e.config.MarshalTimeout, func() (*commbridge.HandlerResult, error) {
		return e.table.Dispatch(ctx, cmd)
	})

	durationMS := int(time.Since(startTime).Milliseconds())
	res := e.classify(ctx, cmd, handlerResult, err)
	res.DurationMS = int64(durationMS)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "completed")
	}
	span.SetAttributes(attribute.Int("duration_ms", durationMS))

	status := "completed"
	if !res.Success {
		status = "failed"
	}
	observability.RecordCommandExecution(cmd.Type, status, durationMS)

	if pubErr := e.sess.PublishResult(res); pubErr != nil {
		var unknown *commbridge.UnknownCommandError
		if errors.As(pubErr, &unknown) {
			// The ledger forgot the command, likely a reset mid-flight.
			if e.logger != nil {
				e.logger.Warn("publish_for_forgotten_command", "command_id", cmd.ID)
			}
			return
		}
		if e.logger != nil {
			e.logger.Error("result_publish_failed",
				"command_id", cmd.ID,
				"error", pubErr)
		}
	}
}

// classify turns an invocation outcome into the one result this command
// will ever get.
func (e *HostExecutor) classify(ctx context.Context, cmd *commbridge.Command, handlerResult *commbridge.HandlerResult, err error) *commbridge.Result {
	if err == nil {
		e.monitor.RecordRecovered()
		return commbridge.NewSuccessResult(cmd.ID, handlerResult)
	}

	var timeout *MarshalTimeoutError
	switch {
	case errors.As(err, &timeout):
		// The host never answered. The handler may still be running; its
		// late completion will be discarded by the owner thread.
		e.monitor.RecordMarshalTimeout()
		if e.logger != nil {
			e.logger.Warn("owner_thread_timeout",
				"command_id", cmd.ID,
				"timeout", timeout.Timeout.String())
		}
		return commbridge.NewFailedResult(cmd.ID, &commbridge.ErrorInfo{
			Kind:    commbridge.KindOperationError,
			Message: err.Error(),
		})

	case errors.Is(err, ErrStopped), errors.Is(err, ErrNotStarted):
		return commbridge.NewFailedResult(cmd.ID, &commbridge.ErrorInfo{
			Kind:    commbridge.KindOperationError,
			Message: "owner thread unavailable: " + err.Error(),
		})

	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return commbridge.NewFailedResult(cmd.ID, &commbridge.ErrorInfo{
			Kind:    commbridge.KindOperationError,
			Message: "bridge shut down before the command completed",
		})

	default:
		// The host answered with a failure: handler error, unknown type,
		// or a recovered panic. The host itself is fine.
		e.monitor.RecordRecovered()
		return commbridge.NewFailedResult(cmd.ID, commbridge.ErrorInfoFrom(err))
	}
}

// sleep waits for d or until ctx is done. Returns false when ctx ended.
func (e *HostExecutor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
