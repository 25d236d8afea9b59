// Package commbridge provides the command bridge protocols and in-memory
// implementations.
//
// This module defines the CANONICAL protocols for the entire bridge. All
// components depend on these protocols, not implementations.
//
// Protocol Categories:
//   - Bridge Protocols: Queue, Store, Dispatcher, Middleware
//   - Handler Protocols: Handler, HandlerResult
//   - Infrastructure Protocols: Logger
//
// The reference deployment wires the in-memory CommandQueue and ResultStore
// behind an HTTP polling transport; alternative transports (message broker,
// embedded) substitute their own Queue/Store implementations without touching
// producer or executor code.
package commbridge

import (
	"context"
	"time"
)

// =============================================================================
// BRIDGE PROTOCOLS
// =============================================================================

// Queue is the protocol for the producer-to-host command queue.
//
// Enqueue must never block and never fail for a well-formed command; the only
// enqueue error is an invalid command (missing type). Drain removes up to maxN
// commands in FIFO order and atomically transitions them Pending -> Executing,
// so a command can never be delivered to the consumer twice.
type Queue interface {
	// Enqueue validates and accepts a command, returning its id.
	Enqueue(cmd *Command) (string, error)

	// Drain removes up to maxN pending commands in FIFO order.
	Drain(maxN int) []*Command

	// Status reports the current lifecycle state of a known command id.
	Status(commandID string) (CommandState, bool)

	// Transition moves a known command to a new lifecycle state.
	Transition(commandID string, to CommandState) error

	// Len returns the number of commands waiting to be drained.
	Len() int

	// Clear removes all pending commands and ledger entries, returning the
	// number of ledger entries dropped.
	Clear() int
}

// Store is the protocol for the result store.
//
// Publish is first-writer-wins: a second publication for the same command id
// is a protocol violation and returns a DuplicateResultError. Await blocks
// until the result arrives or the timeout elapses; a timeout is not terminal,
// the result remains publishable and retrievable afterwards.
type Store interface {
	// Publish stores a result. Exactly one publication per command id.
	Publish(res *Result) error

	// Await blocks until a result for commandID is published or the timeout
	// elapses. A non-positive timeout selects the store default.
	Await(ctx context.Context, commandID string, timeout time.Duration) (*Result, error)

	// Get returns a published result without blocking.
	Get(commandID string) (*Result, bool)

	// Clear drops all stored results, returning the number dropped.
	Clear() int
}

// Dispatcher is the protocol for the command dispatch table.
type Dispatcher interface {
	// Register binds a handler to a command type. Last registration wins.
	Register(commandType string, handler Handler) error

	// Dispatch invokes the handler for cmd.Type.
	Dispatch(ctx context.Context, cmd *Command) (*HandlerResult, error)

	// Has reports whether a handler is registered for commandType.
	Has(commandType string) bool

	// KnownTypes returns the sorted list of registered command types.
	KnownTypes() []string
}

// =============================================================================
// HANDLER PROTOCOLS
// =============================================================================

// Handler executes one command on behalf of the host and reports its outcome.
//
// Handlers run on the host owner thread. They return a HandlerResult on
// success, or an error which the executor classifies into a structured failed
// result. Handlers must not publish results themselves.
type Handler func(ctx context.Context, cmd *Command) (*HandlerResult, error)

// HandlerResult is the raw outcome of a handler invocation, before it is
// wrapped into a published Result.
type HandlerResult struct {
	// Data is the opaque payload returned to the producer.
	Data any

	// Created lists entities the handler created, in creation order. The
	// registry records them in order, so the last entry becomes the most
	// recent entity of its type.
	Created []EntityRef

	// Modified lists ids of existing entities the handler touched.
	Modified []string
}

// =============================================================================
// INFRASTRUCTURE PROTOCOLS
// =============================================================================

// Logger is the protocol for structured logging.
// Components nil-check their logger, so a nil Logger disables logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}
