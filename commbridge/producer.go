package commbridge

import (
	"context"
	"time"
)

// =============================================================================
// PRODUCER
// =============================================================================

// Producer is the submit/await facade used by in-process producers. It works
// against the Queue and Store protocols, so it is transport-agnostic: the
// same calls run over the in-memory implementations or any substitute.
//
// Submit returns immediately with a command id; Await blocks for the result.
// The two halves are deliberately separate so an agent can issue several
// commands and await them out of order.
type Producer struct {
	queue  Queue
	store  Store
	logger Logger
}

// NewProducer creates a producer over a queue and a result store.
func NewProducer(queue Queue, store Store, logger Logger) *Producer {
	return &Producer{queue: queue, store: store, logger: logger}
}

// Submit builds a command envelope and enqueues it, returning the command
// id. The only failure is a malformed command (missing type).
func (p *Producer) Submit(commandType string, parameters map[string]any) (string, error) {
	cmd := NewCommand(commandType, parameters)
	id, err := p.queue.Enqueue(cmd)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("submit_rejected", "command_type", commandType, "error", err.Error())
		}
		return "", err
	}
	return id, nil
}

// Await blocks until the result for commandID is published or the timeout
// elapses. A non-positive timeout selects the store default. A timeout is
// not terminal; the caller may await again or poll later.
func (p *Producer) Await(ctx context.Context, commandID string, timeout time.Duration) (*Result, error) {
	return p.store.Await(ctx, commandID, timeout)
}

// SubmitAndAwait submits a command and blocks for its result in one call.
func (p *Producer) SubmitAndAwait(ctx context.Context, commandType string, parameters map[string]any, timeout time.Duration) (*Result, error) {
	id, err := p.Submit(commandType, parameters)
	if err != nil {
		return nil, err
	}
	return p.Await(ctx, id, timeout)
}

// GetResult returns a published result without blocking.
func (p *Producer) GetResult(commandID string) (*Result, bool) {
	return p.store.Get(commandID)
}
