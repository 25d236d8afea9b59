// Package executor runs drained commands against the modeling host.
//
// The host is single threaded: every handler must run on the one goroutine
// that owns the host, pinned to its OS thread. Producers and transport
// goroutines hand work across via Invoke, which bounds how long they wait.
// A wait that expires abandons the invocation; if the handler later
// finishes anyway, its result is discarded with a warning rather than
// published against a command the bridge already answered.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/atelier-systems/modelbridge/commbridge"
)

// Logger interface for the executor.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Owner thread lifecycle errors.
var (
	ErrNotStarted = errors.New("owner thread not started")
	ErrStopped    = errors.New("owner thread stopped")
)

// MarshalTimeoutError indicates the owner thread did not produce a result
// within the bounded wait. The command's fate on the host is unknown.
type MarshalTimeoutError struct {
	CommandID string
	Timeout   time.Duration
}

func (e *MarshalTimeoutError) Error() string {
	return fmt.Sprintf("owner thread did not answer for command %s within %s", e.CommandID, e.Timeout)
}

// invokeOutcome is what the owner thread reports back for one invocation.
type invokeOutcome struct {
	result *commbridge.HandlerResult
	err    error
}

// invocation carries one handler call onto the owner thread.
type invocation struct {
	commandID string
	fn        func() (*commbridge.HandlerResult, error)
	// resultCh is buffered so the owner thread never blocks on a waiter
	// that gave up.
	resultCh  chan invokeOutcome
	abandoned atomic.Bool
}

// OwnerThread serializes handler execution onto a single OS thread.
type OwnerThread struct {
	jobs    chan *invocation
	stopCh  chan struct{}
	started atomic.Bool
	stopped atomic.Bool
	logger  Logger
}

// NewOwnerThread creates an owner thread. Call Start before Invoke.
func NewOwnerThread(logger Logger) *OwnerThread {
	return &OwnerThread{
		jobs:   make(chan *invocation),
		stopCh: make(chan struct{}),
		logger: logger,
	}
}

// Start launches the owner goroutine and pins it to its OS thread.
func (o *OwnerThread) Start() {
	if !o.started.CompareAndSwap(false, true) {
		return
	}

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		if o.logger != nil {
			o.logger.Info("owner_thread_started")
		}

		for {
			select {
			case inv := <-o.jobs:
				o.run(inv)
			case <-o.stopCh:
				if o.logger != nil {
					o.logger.Info("owner_thread_stopped")
				}
				return
			}
		}
	}()
}

// Stop shuts the owner thread down. A handler already running completes
// and its outcome is delivered; queued waiters are refused.
func (o *OwnerThread) Stop() {
	if !o.stopped.CompareAndSwap(false, true) {
		return
	}
	close(o.stopCh)
}

// run executes one invocation on the owner thread.
func (o *OwnerThread) run(inv *invocation) {
	if o.logger != nil {
		o.logger.Debug("invocation_picked_up", "command_id", inv.commandID)
	}

	outcome := o.safeInvoke(inv)

	if inv.abandoned.Load() {
		// The waiter timed out and the bridge already published an
		// answer for this command. Delivering now would be a duplicate.
		if o.logger != nil {
			o.logger.Warn("abandoned_invocation_completed",
				"command_id", inv.commandID,
				"had_error", outcome.err != nil)
		}
		return
	}
	inv.resultCh <- outcome
}

// safeInvoke runs the handler function, converting panics into typed errors.
func (o *OwnerThread) safeInvoke(inv *invocation) (outcome invokeOutcome) {
	defer func() {
		if r := recover(); r != nil {
			stack := commbridge.TruncateStack(debug.Stack())
			if o.logger != nil {
				o.logger.Error("invocation_panic_recovered",
					"command_id", inv.commandID,
					"panic", fmt.Sprintf("%v", r))
			}
			outcome = invokeOutcome{
				err: commbridge.NewUnexpectedError(
					fmt.Sprintf("panic while executing command %s: %v", inv.commandID, r), stack),
			}
		}
	}()

	result, err := inv.fn()
	return invokeOutcome{result: result, err: err}
}

// Invoke runs fn on the owner thread and waits for its outcome.
//
// The timeout spans both the handoff and the execution. When it expires
// the invocation is abandoned: Invoke returns a MarshalTimeoutError and a
// late completion is discarded by the owner thread. Context cancellation
// abandons the same way.
func (o *OwnerThread) Invoke(ctx context.Context, commandID string, timeout time.Duration, fn func() (*commbridge.HandlerResult, error)) (*commbridge.HandlerResult, error) {
	if !o.started.Load() {
		return nil, ErrNotStarted
	}

	inv := &invocation{
		commandID: commandID,
		fn:        fn,
		resultCh:  make(chan invokeOutcome, 1),
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Handoff: an unbuffered send, so success means the owner thread has
	// the invocation.
	select {
	case o.jobs <- inv:
	case <-timer.C:
		return nil, &MarshalTimeoutError{CommandID: commandID, Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-o.stopCh:
		return nil, ErrStopped
	}

	select {
	case outcome := <-inv.resultCh:
		return outcome.result, outcome.err
	case <-timer.C:
		inv.abandoned.Store(true)
		return nil, &MarshalTimeoutError{CommandID: commandID, Timeout: timeout}
	case <-ctx.Done():
		inv.abandoned.Store(true)
		return nil, ctx.Err()
	}
}
