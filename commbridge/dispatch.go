package commbridge

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// =============================================================================
// DISPATCH TABLE
// =============================================================================

// DispatchTable maps command types to handlers.
//
// Registration is static: the host registers every handler it supports at
// startup, and dispatch is a plain map lookup with no reflection. The table
// is safe for concurrent use, though in practice registration happens before
// the executor starts and dispatch happens only on the owner thread.
type DispatchTable struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   Logger

	dispatchedTotal atomic.Uint64
	unknownTotal    atomic.Uint64
}

var _ Dispatcher = (*DispatchTable)(nil)

// NewDispatchTable creates an empty table. A nil logger disables logging.
func NewDispatchTable(logger Logger) *DispatchTable {
	return &DispatchTable{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register binds a handler to a command type. Re-registering a type replaces
// the previous handler; the last registration wins and the replacement is
// logged as a warning so accidental collisions are visible.
func (t *DispatchTable) Register(commandType string, handler Handler) error {
	if commandType == "" {
		return NewInvalidCommandError("command type is required")
	}
	if handler == nil {
		return NewInvalidCommandError("handler is nil for " + commandType)
	}

	t.mu.Lock()
	_, replaced := t.handlers[commandType]
	t.handlers[commandType] = handler
	t.mu.Unlock()

	if t.logger != nil {
		if replaced {
			t.logger.Warn("handler_replaced", "command_type", commandType)
		} else {
			t.logger.Debug("handler_registered", "command_type", commandType)
		}
	}
	return nil
}

// Dispatch invokes the handler registered for cmd.Type. An unknown type
// returns NotRegisteredError carrying the sorted list of known types, which
// the executor publishes as a structured failed result.
//
// The handler runs outside the table lock, so a slow handler never blocks
// registration or lookups.
func (t *DispatchTable) Dispatch(ctx context.Context, cmd *Command) (*HandlerResult, error) {
	if cmd == nil {
		return nil, NewInvalidCommandError("command is nil")
	}

	t.mu.RLock()
	handler, ok := t.handlers[cmd.Type]
	t.mu.RUnlock()

	if !ok {
		t.unknownTotal.Add(1)
		if t.logger != nil {
			t.logger.Warn("dispatch_unknown_type",
				"command_id", cmd.ID,
				"command_type", cmd.Type,
			)
		}
		return nil, NewNotRegisteredError(cmd.Type, t.KnownTypes())
	}

	t.dispatchedTotal.Add(1)
	return handler(ctx, cmd)
}

// Has reports whether a handler is registered for commandType.
func (t *DispatchTable) Has(commandType string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.handlers[commandType]
	return ok
}

// KnownTypes returns the sorted list of registered command types.
func (t *DispatchTable) KnownTypes() []string {
	t.mu.RLock()
	types := make([]string, 0, len(t.handlers))
	for commandType := range t.handlers {
		types = append(types, commandType)
	}
	t.mu.RUnlock()

	sort.Strings(types)
	return types
}

// Clear removes all registered handlers.
func (t *DispatchTable) Clear() {
	t.mu.Lock()
	count := len(t.handlers)
	t.handlers = make(map[string]Handler)
	t.mu.Unlock()

	if t.logger != nil && count > 0 {
		t.logger.Info("dispatch_table_cleared", "removed", count)
	}
}

// GetStats returns dispatch statistics for monitoring.
func (t *DispatchTable) GetStats() map[string]any {
	t.mu.RLock()
	registered := len(t.handlers)
	t.mu.RUnlock()
	return map[string]any{
		"registered_types": registered,
		"dispatched_total": t.dispatchedTotal.Load(),
		"unknown_total":    t.unknownTotal.Load(),
	}
}
