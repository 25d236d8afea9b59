package commbridge

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// COMMAND LIFECYCLE
// =============================================================================

// CommandState represents the lifecycle state of a command.
// Transitions are monotonic: Pending -> Executing -> {Completed, Failed}.
type CommandState string

const (
	// StatePending indicates the command is queued, not yet drained.
	StatePending CommandState = "pending"
	// StateExecuting indicates the command was drained by the consumer.
	StateExecuting CommandState = "executing"
	// StateCompleted indicates a successful result was published.
	StateCompleted CommandState = "completed"
	// StateFailed indicates a failed result was published.
	StateFailed CommandState = "failed"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[CommandState]map[CommandState]bool{
	StatePending: {
		StateExecuting: true,
	},
	StateExecuting: {
		StateCompleted: true,
		StateFailed:    true,
	},
	StateCompleted: {},
	StateFailed:    {},
}

// IsValidTransition checks if a state transition is allowed.
func IsValidTransition(from, to CommandState) bool {
	if targets, ok := validTransitions[from]; ok {
		return targets[to]
	}
	return false
}

// IsTerminal reports whether the state is final. Terminal states never
// change.
func (s CommandState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether s is a known lifecycle state.
func (s CommandState) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// String returns the wire form of the state.
func (s CommandState) String() string {
	return string(s)
}

// =============================================================================
// COMMAND ENVELOPE
// =============================================================================

// Command is the envelope a producer submits to the bridge.
//
// The id is globally unique and immutable. Parameters are an opaque JSON-like
// map the bridge never interprets; only the host handler reads them.
type Command struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Status     CommandState   `json:"status"`
}

// NewCommand creates a pending command with a fresh id.
func NewCommand(commandType string, parameters map[string]any) *Command {
	return &Command{
		ID:         uuid.New().String(),
		Type:       commandType,
		Parameters: parameters,
		CreatedAt:  time.Now().UTC(),
		Status:     StatePending,
	}
}

// Validate checks the envelope is well-formed.
func (c *Command) Validate() error {
	if c.Type == "" {
		return NewInvalidCommandError("command type is required")
	}
	return nil
}

// Clone creates a deep copy of the command. The queue clones on enqueue and
// drain so producers, ledger, and consumer never share mutable state.
func (c *Command) Clone() *Command {
	return &Command{
		ID:         c.ID,
		Type:       c.Type,
		Parameters: deepCopyAnyMap(c.Parameters),
		CreatedAt:  c.CreatedAt,
		Status:     c.Status,
	}
}

// =============================================================================
// RESULTS
// =============================================================================

// EntityRef identifies one entity affected by a command, as reported by the
// host in creation order.
type EntityRef struct {
	EntityID   string `json:"entity_id"`
	EntityType string `json:"entity_type"`
}

// Result is the published outcome of one command. Exactly one result exists
// per executed command; publication is first-writer-wins.
type Result struct {
	CommandID string `json:"command_id"`
	Success   bool   `json:"success"`
	// Data is the opaque payload produced by the handler.
	Data any `json:"data,omitempty"`
	// Error is populated on failure with a classified, structured payload.
	Error *ErrorInfo `json:"error,omitempty"`
	// Created lists entities the command created, in creation order.
	Created []EntityRef `json:"created_entities,omitempty"`
	// Modified lists ids of existing entities the command touched.
	Modified []string `json:"modified_entities,omitempty"`

	CompletedAt time.Time `json:"completed_at"`
	DurationMS  int64     `json:"duration_ms,omitempty"`
}

// NewSuccessResult wraps a handler outcome into a publishable result.
func NewSuccessResult(commandID string, hr *HandlerResult) *Result {
	res := &Result{
		CommandID:   commandID,
		Success:     true,
		CompletedAt: time.Now().UTC(),
	}
	if hr != nil {
		res.Data = hr.Data
		res.Created = hr.Created
		res.Modified = hr.Modified
	}
	return res
}

// NewFailedResult wraps a classified error into a publishable result.
func NewFailedResult(commandID string, info *ErrorInfo) *Result {
	return &Result{
		CommandID:   commandID,
		Success:     false,
		Error:       info,
		CompletedAt: time.Now().UTC(),
	}
}

// TerminalState returns the command state this result implies.
func (r *Result) TerminalState() CommandState {
	if r.Success {
		return StateCompleted
	}
	return StateFailed
}

// =============================================================================
// DEEP COPY HELPERS
// =============================================================================

func deepCopyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = deepCopyValue(v)
	}
	return result
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyAnyMap(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = deepCopyValue(item)
		}
		return result
	case []string:
		result := make([]string, len(val))
		copy(result, val)
		return result
	default:
		return v // Primitives are copied by value
	}
}
