package commbridge

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// ERROR KINDS
// =============================================================================

// ErrorKind is the canonical classification of a bridge failure. Kinds travel
// on the wire inside ErrorInfo, so producers in any language can switch on a
// stable string instead of parsing messages.
type ErrorKind string

const (
	// KindInvalidCommand indicates a malformed command (missing type).
	KindInvalidCommand ErrorKind = "invalid_command"
	// KindNotRegistered indicates no handler exists for the command type.
	KindNotRegistered ErrorKind = "not_registered"
	// KindArgumentError indicates the handler rejected the parameters.
	KindArgumentError ErrorKind = "argument_error"
	// KindOperationError indicates the host operation itself failed.
	KindOperationError ErrorKind = "operation_error"
	// KindUnexpectedError indicates a handler panic or unclassified failure.
	KindUnexpectedError ErrorKind = "unexpected_error"
	// KindDuplicateResult indicates a second publication for a command id.
	KindDuplicateResult ErrorKind = "duplicate_result"
	// KindTimedOut indicates an await elapsed before the result arrived.
	KindTimedOut ErrorKind = "timed_out"
	// KindUnknownCommand indicates a result for an id the ledger never saw.
	KindUnknownCommand ErrorKind = "unknown_command"
	// KindAmbiguous indicates a reference hint matched multiple entity types.
	KindAmbiguous ErrorKind = "ambiguous"
	// KindNotFound indicates no entity matched a reference or lookup.
	KindNotFound ErrorKind = "not_found"
)

// String returns the wire form of the kind.
func (k ErrorKind) String() string {
	return string(k)
}

// Fatal reports whether the kind is a protocol violation that must halt the
// bridge rather than be returned to a producer as an ordinary failure.
func (k ErrorKind) Fatal() bool {
	return k == KindDuplicateResult
}

// ErrorInfo is the structured error payload carried by a failed Result.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	// Class names the concrete error or panic value type, for diagnosis.
	Class string `json:"class,omitempty"`
	// Stack is a truncated stack trace, populated for unexpected errors.
	Stack string `json:"stack,omitempty"`
	// Available lists the registered command types, populated when the
	// failure kind is not_registered so producers can self-correct.
	Available []string `json:"available_commands,omitempty"`
}

// =============================================================================
// EXCEPTIONS
// =============================================================================

// BridgeError is the base error type for bridge errors.
type BridgeError struct {
	Message string
	Cause   error
}

func (e *BridgeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *BridgeError) Unwrap() error {
	return e.Cause
}

// InvalidCommandError is raised when a command fails envelope validation.
// It is the only error Enqueue may return.
type InvalidCommandError struct {
	Reason string
}

func (e *InvalidCommandError) Error() string {
	return fmt.Sprintf("invalid command: %s", e.Reason)
}

// NewInvalidCommandError creates a new InvalidCommandError.
func NewInvalidCommandError(reason string) *InvalidCommandError {
	return &InvalidCommandError{Reason: reason}
}

// NotRegisteredError is raised when no handler is registered for a command
// type. Available carries the known types so the failed result can tell the
// producer what the host actually supports.
type NotRegisteredError struct {
	CommandType string
	Available   []string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("no handler registered for %q (%d known types)",
		e.CommandType, len(e.Available))
}

// NewNotRegisteredError creates a new NotRegisteredError.
func NewNotRegisteredError(commandType string, available []string) *NotRegisteredError {
	return &NotRegisteredError{CommandType: commandType, Available: available}
}

// DuplicateResultError is raised on a second publication for the same command
// id. First writer wins; a duplicate is a protocol violation fatal to the
// bridge.
type DuplicateResultError struct {
	CommandID string
}

func (e *DuplicateResultError) Error() string {
	return fmt.Sprintf("duplicate result for command %s: result already published", e.CommandID)
}

// NewDuplicateResultError creates a new DuplicateResultError.
func NewDuplicateResultError(commandID string) *DuplicateResultError {
	return &DuplicateResultError{CommandID: commandID}
}

// UnknownCommandError is raised when a result arrives for a command id the
// ledger does not know, typically after a session reset. It is logged and
// rejected but is not fatal.
type UnknownCommandError struct {
	CommandID string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command %s: not present in the session ledger", e.CommandID)
}

// NewUnknownCommandError creates a new UnknownCommandError.
func NewUnknownCommandError(commandID string) *UnknownCommandError {
	return &UnknownCommandError{CommandID: commandID}
}

// AwaitTimeoutError is raised when an await elapses before the result is
// published. The timeout is not terminal: the command keeps executing and its
// result remains publishable and retrievable afterwards.
type AwaitTimeoutError struct {
	CommandID string
	Timeout   time.Duration
}

func (e *AwaitTimeoutError) Error() string {
	return fmt.Sprintf("await for command %s timed out after %s", e.CommandID, e.Timeout)
}

// NewAwaitTimeoutError creates a new AwaitTimeoutError.
func NewAwaitTimeoutError(commandID string, timeout time.Duration) *AwaitTimeoutError {
	return &AwaitTimeoutError{CommandID: commandID, Timeout: timeout}
}

// TransitionError is raised on an invalid command state transition. A
// transition error during result publication indicates ledger corruption and
// is fatal.
type TransitionError struct {
	CommandID string
	From      CommandState
	To        CommandState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("command %s cannot transition %s -> %s", e.CommandID, e.From, e.To)
}

// NewTransitionError creates a new TransitionError.
func NewTransitionError(commandID string, from, to CommandState) *TransitionError {
	return &TransitionError{CommandID: commandID, From: from, To: to}
}

// ArgumentError classifies a handler failure caused by bad command
// parameters. Handlers return it (or wrap it) to signal the producer sent
// something unusable.
type ArgumentError struct {
	Message string
	Cause   error
}

func (e *ArgumentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("argument error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("argument error: %s", e.Message)
}

func (e *ArgumentError) Unwrap() error {
	return e.Cause
}

// NewArgumentError creates a new ArgumentError.
func NewArgumentError(message string, cause error) *ArgumentError {
	return &ArgumentError{Message: message, Cause: cause}
}

// OperationError classifies a handler failure where the parameters were
// acceptable but the host operation itself failed.
type OperationError struct {
	Message string
	Cause   error
}

func (e *OperationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("operation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("operation error: %s", e.Message)
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// NewOperationError creates a new OperationError.
func NewOperationError(message string, cause error) *OperationError {
	return &OperationError{Message: message, Cause: cause}
}

// UnexpectedError classifies a handler panic or any failure outside the
// argument/operation taxonomy. Stack holds a truncated stack trace captured
// at the recovery site.
type UnexpectedError struct {
	Message string
	Stack   string
}

func (e *UnexpectedError) Error() string {
	return fmt.Sprintf("unexpected error: %s", e.Message)
}

// NewUnexpectedError creates a new UnexpectedError.
func NewUnexpectedError(message, stack string) *UnexpectedError {
	return &UnexpectedError{Message: message, Stack: stack}
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// maxStackBytes bounds the stack trace carried inside an ErrorInfo so failed
// results stay wire-friendly.
const maxStackBytes = 4096

// TruncateStack trims a captured stack trace to the wire limit.
func TruncateStack(stack []byte) string {
	if len(stack) <= maxStackBytes {
		return string(stack)
	}
	return string(stack[:maxStackBytes]) + "\n... (truncated)"
}

// ErrorInfoFrom classifies err into the structured payload carried by a
// failed Result. Typed bridge errors map to their kind; handler errors
// without a bridge type default to operation_error, since the envelope was
// well-formed and dispatch succeeded, so the host operation is what failed.
func ErrorInfoFrom(err error) *ErrorInfo {
	if err == nil {
		return nil
	}

	var (
		invalidErr    *InvalidCommandError
		notRegistered *NotRegisteredError
		argErr        *ArgumentError
		opErr         *OperationError
		unexpectedErr *UnexpectedError
		duplicateErr  *DuplicateResultError
		unknownErr    *UnknownCommandError
		timeoutErr    *AwaitTimeoutError
	)

	switch {
	case errors.As(err, &invalidErr):
		return &ErrorInfo{Kind: KindInvalidCommand, Message: invalidErr.Error(), Class: "InvalidCommandError"}
	case errors.As(err, &notRegistered):
		return &ErrorInfo{
			Kind:      KindNotRegistered,
			Message:   notRegistered.Error(),
			Class:     "NotRegisteredError",
			Available: notRegistered.Available,
		}
	case errors.As(err, &argErr):
		return &ErrorInfo{Kind: KindArgumentError, Message: argErr.Error(), Class: "ArgumentError"}
	case errors.As(err, &opErr):
		return &ErrorInfo{Kind: KindOperationError, Message: opErr.Error(), Class: "OperationError"}
	case errors.As(err, &unexpectedErr):
		return &ErrorInfo{
			Kind:    KindUnexpectedError,
			Message: unexpectedErr.Error(),
			Class:   "UnexpectedError",
			Stack:   unexpectedErr.Stack,
		}
	case errors.As(err, &duplicateErr):
		return &ErrorInfo{Kind: KindDuplicateResult, Message: duplicateErr.Error(), Class: "DuplicateResultError"}
	case errors.As(err, &unknownErr):
		return &ErrorInfo{Kind: KindUnknownCommand, Message: unknownErr.Error(), Class: "UnknownCommandError"}
	case errors.As(err, &timeoutErr):
		return &ErrorInfo{Kind: KindTimedOut, Message: timeoutErr.Error(), Class: "AwaitTimeoutError"}
	default:
		return &ErrorInfo{
			Kind:    KindOperationError,
			Message: err.Error(),
			Class:   fmt.Sprintf("%T", err),
		}
	}
}
