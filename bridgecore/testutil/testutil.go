// Package testutil provides shared fakes and wiring helpers for bridge
// integration tests.
//
// The fakes stand in for the modeling host so session, transport, and
// client behavior can be tested without a real single-threaded program on
// the other side.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-systems/modelbridge/bridgecore/executor"
	"github.com/atelier-systems/modelbridge/bridgecore/registry"
	"github.com/atelier-systems/modelbridge/bridgecore/session"
	"github.com/atelier-systems/modelbridge/bridgecore/typeutil"
	"github.com/atelier-systems/modelbridge/commbridge"
)

// =============================================================================
// RECORDING LOGGER
// =============================================================================

// RecordingLogger captures log calls for assertion. It satisfies the
// Logger interfaces across the bridge packages.
type RecordingLogger struct {
	mu   sync.Mutex
	logs []LogEntry
}

// LogEntry is one captured log call.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// NewRecordingLogger creates a RecordingLogger.
func NewRecordingLogger() *RecordingLogger {
	return &RecordingLogger{}
}

func (l *RecordingLogger) Debug(msg string, keysAndValues ...any) { l.log("debug", msg, keysAndValues...) }
func (l *RecordingLogger) Info(msg string, keysAndValues ...any)  { l.log("info", msg, keysAndValues...) }
func (l *RecordingLogger) Warn(msg string, keysAndValues ...any)  { l.log("warn", msg, keysAndValues...) }
func (l *RecordingLogger) Error(msg string, keysAndValues ...any) { l.log("error", msg, keysAndValues...) }

func (l *RecordingLogger) log(level, msg string, keysAndValues ...any) {
	fields := make(map[string]any)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, LogEntry{Level: level, Message: msg, Fields: fields})
}

// GetLogs returns a copy of the captured entries.
func (l *RecordingLogger) GetLogs() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	copied := make([]LogEntry, len(l.logs))
	copy(copied, l.logs)
	return copied
}

// HasLog reports whether a message was logged at the given level.
func (l *RecordingLogger) HasLog(level, message string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range l.logs {
		if entry.Level == level && entry.Message == message {
			return true
		}
	}
	return false
}

// HasMessage reports whether a message was logged at any level.
func (l *RecordingLogger) HasMessage(message string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range l.logs {
		if entry.Message == message {
			return true
		}
	}
	return false
}

// Clear removes all captured entries.
func (l *RecordingLogger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = nil
}

// =============================================================================
// STUB HOST
// =============================================================================

// StubHost is a configurable stand-in for the modeling program. Configure
// per-type results or errors, then register it on a dispatch table.
type StubHost struct {
	// Results maps command types to canned handler results.
	Results map[string]*commbridge.HandlerResult

	// Errors maps command types to errors they should return.
	Errors map[string]error

	// Delay simulates host latency per invocation.
	Delay time.Duration

	// Calls records every dispatched command for assertion.
	Calls []HostCall

	mu sync.Mutex
}

// HostCall records a single dispatched command.
type HostCall struct {
	CommandType string
	Parameters  map[string]any
}

// NewStubHost creates a StubHost with no canned behavior: every command
// succeeds with its parameters echoed back.
func NewStubHost() *StubHost {
	return &StubHost{
		Results: make(map[string]*commbridge.HandlerResult),
		Errors:  make(map[string]error),
	}
}

// WithResult adds a canned result for a command type.
func (h *StubHost) WithResult(commandType string, result *commbridge.HandlerResult) *StubHost {
	h.Results[commandType] = result
	return h
}

// WithError configures a command type to fail.
func (h *StubHost) WithError(commandType string, err error) *StubHost {
	h.Errors[commandType] = err
	return h
}

// WithDelay adds latency simulation.
func (h *StubHost) WithDelay(d time.Duration) *StubHost {
	h.Delay = d
	return h
}

// Handler returns the commbridge.Handler backed by this stub.
func (h *StubHost) Handler() commbridge.Handler {
	return func(ctx context.Context, cmd *commbridge.Command) (*commbridge.HandlerResult, error) {
		h.mu.Lock()
		h.Calls = append(h.Calls, HostCall{CommandType: cmd.Type, Parameters: cmd.Parameters})
		delay := h.Delay
		canned, hasResult := h.Results[cmd.Type]
		cannedErr, hasErr := h.Errors[cmd.Type]
		h.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if hasErr {
			return nil, cannedErr
		}
		if hasResult {
			return canned, nil
		}
		return &commbridge.HandlerResult{Data: cmd.Parameters}, nil
	}
}

// RegisterAll registers the stub for every configured command type.
func (h *StubHost) RegisterAll(table *commbridge.DispatchTable) error {
	handler := h.Handler()
	for commandType := range h.Results {
		if err := table.Register(commandType, handler); err != nil {
			return err
		}
	}
	for commandType := range h.Errors {
		if table.Has(commandType) {
			continue
		}
		if err := table.Register(commandType, handler); err != nil {
			return err
		}
	}
	return nil
}

// CallCount returns the number of dispatched commands.
func (h *StubHost) CallCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.Calls)
}

// CallsFor returns the recorded calls for one command type.
func (h *StubHost) CallsFor(commandType string) []HostCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	var calls []HostCall
	for _, call := range h.Calls {
		if call.CommandType == commandType {
			calls = append(calls, call)
		}
	}
	return calls
}

// Reset clears the call history.
func (h *StubHost) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Calls = nil
}

// =============================================================================
// HANDLER FACTORIES
// =============================================================================

// EchoHandler returns a handler that succeeds with the command parameters
// as its data.
func EchoHandler() commbridge.Handler {
	return func(ctx context.Context, cmd *commbridge.Command) (*commbridge.HandlerResult, error) {
		return &commbridge.HandlerResult{Data: cmd.Parameters}, nil
	}
}

// FailingHandler returns a handler that always fails with err.
func FailingHandler(err error) commbridge.Handler {
	return func(ctx context.Context, cmd *commbridge.Command) (*commbridge.HandlerResult, error) {
		return nil, err
	}
}

// PanickingHandler returns a handler that panics with message.
func PanickingHandler(message string) commbridge.Handler {
	return func(ctx context.Context, cmd *commbridge.Command) (*commbridge.HandlerResult, error) {
		panic(message)
	}
}

// SlowHandler returns a handler that sleeps for d before succeeding, or
// returns early when the context ends.
func SlowHandler(d time.Duration) commbridge.Handler {
	return func(ctx context.Context, cmd *commbridge.Command) (*commbridge.HandlerResult, error) {
		select {
		case <-time.After(d):
			return &commbridge.HandlerResult{Data: map[string]any{"slept": d.String()}}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// BlockingHandler returns a handler that waits on gate before succeeding.
// Close the gate to release it.
func BlockingHandler(gate <-chan struct{}) commbridge.Handler {
	return func(ctx context.Context, cmd *commbridge.Command) (*commbridge.HandlerResult, error) {
		select {
		case <-gate:
			return &commbridge.HandlerResult{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// CreatingHandler returns a handler that reports one created entity per
// call. The id comes from the "entity_id" parameter when present,
// otherwise a fresh one is generated.
func CreatingHandler(entityType string) commbridge.Handler {
	return func(ctx context.Context, cmd *commbridge.Command) (*commbridge.HandlerResult, error) {
		id := typeutil.SafeStringDefault(cmd.Parameters["entity_id"], "")
		if id == "" {
			id = fmt.Sprintf("%s-%s", entityType, uuid.NewString()[:8])
		}
		return &commbridge.HandlerResult{
			Data:    map[string]any{"entity_id": id},
			Created: []commbridge.EntityRef{{EntityID: id, EntityType: entityType}},
		}, nil
	}
}

// TouchingHandler returns a handler that reports the "entity_id"
// parameter as modified.
func TouchingHandler() commbridge.Handler {
	return func(ctx context.Context, cmd *commbridge.Command) (*commbridge.HandlerResult, error) {
		id, ok := typeutil.SafeString(cmd.Parameters["entity_id"])
		if !ok || id == "" {
			return nil, commbridge.NewArgumentError("entity_id is required", nil)
		}
		return &commbridge.HandlerResult{
			Data:     map[string]any{"entity_id": id},
			Modified: []string{id},
		}, nil
	}
}

// =============================================================================
// TEST BRIDGE
// =============================================================================

// TestBridge wires a complete in-process bridge: session, registry,
// owner thread, monitor, and a running loopback executor. Everything is
// torn down by t.Cleanup.
type TestBridge struct {
	Session  *session.Session
	Registry *registry.Registry
	Table    *commbridge.DispatchTable
	Owner    *executor.OwnerThread
	Monitor  *executor.HostMonitor
	Executor *executor.HostExecutor
	Logger   *RecordingLogger
}

// NewTestBridge builds and starts a TestBridge with short timeouts suited
// to tests.
func NewTestBridge(t testing.TB) *TestBridge {
	t.Helper()
	logger := NewRecordingLogger()

	reg := registry.NewInMemory(logger)
	sess := session.New(logger, &session.Config{
		AwaitTimeout:    2 * time.Second,
		ResultRetention: time.Minute,
		FeedBuffer:      commbridge.DefaultFeedBuffer,
	}, reg)

	owner := executor.NewOwnerThread(logger)
	owner.Start()

	monitor := executor.NewHostMonitor(executor.DefaultHealthPolicy(), sess.Feed(), logger)
	exec := executor.NewHostExecutor(sess, sess.Dispatch(), owner, monitor, &executor.Config{
		PollInterval:   5 * time.Millisecond,
		DrainBatchSize: 16,
		MarshalTimeout: 2 * time.Second,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = exec.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-runDone
		owner.Stop()
		sess.Close()
	})

	return &TestBridge{
		Session:  sess,
		Registry: reg,
		Table:    sess.Dispatch(),
		Owner:    owner,
		Monitor:  monitor,
		Executor: exec,
		Logger:   logger,
	}
}

// Register adds a handler, failing the test on a duplicate type.
func (b *TestBridge) Register(t testing.TB, commandType string, handler commbridge.Handler) {
	t.Helper()
	if err := b.Table.Register(commandType, handler); err != nil {
		t.Fatalf("register %s: %v", commandType, err)
	}
}

// RunCommand submits a command and waits for its result.
func (b *TestBridge) RunCommand(t testing.TB, commandType string, parameters map[string]any) *commbridge.Result {
	t.Helper()
	id, err := b.Session.Submit(commandType, parameters)
	if err != nil {
		t.Fatalf("submit %s: %v", commandType, err)
	}
	res, err := b.Session.Await(context.Background(), id, 2*time.Second)
	if err != nil {
		t.Fatalf("await %s: %v", id, err)
	}
	return res
}

// =============================================================================
// ASSERTION HELPERS
// =============================================================================

// AssertSuccess checks that a result succeeded.
func AssertSuccess(res *commbridge.Result) error {
	if res == nil {
		return fmt.Errorf("expected a result, got nil")
	}
	if !res.Success {
		if res.Error != nil {
			return fmt.Errorf("expected success, got %s: %s", res.Error.Kind, res.Error.Message)
		}
		return fmt.Errorf("expected success, got failure without error info")
	}
	return nil
}

// AssertFailedWithKind checks that a result failed with the given kind.
func AssertFailedWithKind(res *commbridge.Result, kind commbridge.ErrorKind) error {
	if res == nil {
		return fmt.Errorf("expected a result, got nil")
	}
	if res.Success {
		return fmt.Errorf("expected failure with kind %s, got success", kind)
	}
	if res.Error == nil {
		return fmt.Errorf("failed result has no error info")
	}
	if res.Error.Kind != kind {
		return fmt.Errorf("expected kind %s, got %s (%s)", kind, res.Error.Kind, res.Error.Message)
	}
	return nil
}
