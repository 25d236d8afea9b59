package commbridge

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// =============================================================================
// MIDDLEWARE
// =============================================================================

// Middleware wraps a Handler with cross-cutting behavior.
type Middleware func(Handler) Handler

// Chain applies middlewares to a handler. The first middleware in the list
// is the outermost wrapper, so it sees the command first and the outcome
// last.
func Chain(handler Handler, middlewares ...Middleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// LoggingMiddleware logs the start, duration, and outcome of each handler
// invocation.
func LoggingMiddleware(logger Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, cmd *Command) (*HandlerResult, error) {
			start := time.Now()

			if logger != nil {
				logger.Debug("handler_started",
					"command_id", cmd.ID,
					"command_type", cmd.Type,
				)
			}

			result, err := next(ctx, cmd)

			duration := time.Since(start)
			if err != nil {
				if logger != nil {
					logger.Error("handler_failed",
						"command_id", cmd.ID,
						"command_type", cmd.Type,
						"duration_ms", duration.Milliseconds(),
						"error", err.Error(),
					)
				}
			} else if logger != nil {
				logger.Debug("handler_completed",
					"command_id", cmd.ID,
					"command_type", cmd.Type,
					"duration_ms", duration.Milliseconds(),
				)
			}

			return result, err
		}
	}
}

// RecoveryMiddleware converts handler panics into UnexpectedError so one
// bad handler never crashes the host. The stack is captured at the recovery
// site and truncated to the wire limit.
func RecoveryMiddleware(logger Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, cmd *Command) (result *HandlerResult, err error) {
			defer func() {
				if r := recover(); r != nil {
					stack := debug.Stack()
					if logger != nil {
						logger.Error("handler_panic_recovered",
							"command_id", cmd.ID,
							"command_type", cmd.Type,
							"panic", fmt.Sprintf("%v", r),
							"stack", string(stack),
						)
					}
					result = nil
					err = NewUnexpectedError(
						fmt.Sprintf("panic in handler for %s: %v", cmd.Type, r),
						TruncateStack(stack),
					)
				}
			}()
			return next(ctx, cmd)
		}
	}
}

// SlowHandlerMiddleware warns when a handler exceeds threshold. Commands
// cannot be cancelled once a handler is running, so a warning is the only
// lever; it points at the command holding the owner thread.
func SlowHandlerMiddleware(logger Logger, threshold time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, cmd *Command) (*HandlerResult, error) {
			start := time.Now()
			result, err := next(ctx, cmd)
			if elapsed := time.Since(start); elapsed > threshold && logger != nil {
				logger.Warn("handler_slow",
					"command_id", cmd.ID,
					"command_type", cmd.Type,
					"duration_ms", elapsed.Milliseconds(),
					"threshold_ms", threshold.Milliseconds(),
				)
			}
			return result, err
		}
	}
}
