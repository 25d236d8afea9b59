package commbridge

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// COMMAND QUEUE
// =============================================================================

// ledgerEntry tracks one command for the lifetime of the session (or until
// the janitor evicts it after its result has been retrieved and expired).
type ledgerEntry struct {
	cmd        *Command
	enqueuedAt time.Time
	drainedAt  time.Time
	finishedAt time.Time
}

// CommandQueue is the in-memory FIFO between producers and the single host
// consumer.
//
// Concurrency model: one mutex covers both the FIFO and the ledger, so a
// drain pops commands and transitions them Pending -> Executing in the same
// critical section. That makes delivery at-most-once: a command handed to the
// consumer is no longer pending, and a second drain can never observe it.
//
// The queue is unbounded. Producers are trusted and the host is the only
// consumer, so Enqueue never blocks and never fails for a well-formed
// command.
type CommandQueue struct {
	mu      sync.Mutex
	pending []*Command
	ledger  map[string]*ledgerEntry
	logger  Logger

	enqueuedTotal uint64
	drainedTotal  uint64
}

var _ Queue = (*CommandQueue)(nil)

// NewCommandQueue creates an empty queue. A nil logger disables logging.
func NewCommandQueue(logger Logger) *CommandQueue {
	return &CommandQueue{
		ledger: make(map[string]*ledgerEntry),
		logger: logger,
	}
}

// Enqueue validates and accepts a command, returning its id.
//
// The command is cloned on the way in: the caller keeps its copy, the queue
// owns the canonical one. Missing type is the only rejection.
func (q *CommandQueue) Enqueue(cmd *Command) (string, error) {
	if cmd == nil {
		return "", NewInvalidCommandError("command is nil")
	}
	if err := cmd.Validate(); err != nil {
		return "", err
	}

	canonical := cmd.Clone()
	if canonical.ID == "" {
		canonical.ID = uuid.New().String()
	}
	if canonical.CreatedAt.IsZero() {
		canonical.CreatedAt = time.Now().UTC()
	}
	canonical.Status = StatePending

	q.mu.Lock()
	if _, exists := q.ledger[canonical.ID]; exists {
		q.mu.Unlock()
		return "", NewInvalidCommandError("command id already enqueued: " + canonical.ID)
	}
	q.ledger[canonical.ID] = &ledgerEntry{cmd: canonical, enqueuedAt: time.Now().UTC()}
	q.pending = append(q.pending, canonical)
	q.enqueuedTotal++
	depth := len(q.pending)
	q.mu.Unlock()

	if q.logger != nil {
		q.logger.Debug("command_enqueued",
			"command_id", canonical.ID,
			"command_type", canonical.Type,
			"queue_depth", depth,
		)
	}
	return canonical.ID, nil
}

// Drain removes up to maxN pending commands in FIFO order and transitions
// each one Pending -> Executing under the same lock as the dequeue. The
// returned commands are clones; the ledger keeps the canonical state.
func (q *CommandQueue) Drain(maxN int) []*Command {
	if maxN <= 0 {
		return nil
	}

	q.mu.Lock()
	n := maxN
	if n > len(q.pending) {
		n = len(q.pending)
	}
	if n == 0 {
		q.mu.Unlock()
		return nil
	}

	now := time.Now().UTC()
	out := make([]*Command, 0, n)
	for _, canonical := range q.pending[:n] {
		canonical.Status = StateExecuting
		if entry, ok := q.ledger[canonical.ID]; ok {
			entry.drainedAt = now
		}
		out = append(out, canonical.Clone())
	}
	// Drop the drained prefix without keeping it reachable through the
	// backing array.
	remaining := make([]*Command, len(q.pending)-n)
	copy(remaining, q.pending[n:])
	q.pending = remaining
	q.drainedTotal += uint64(n)
	q.mu.Unlock()

	if q.logger != nil {
		q.logger.Debug("commands_drained", "count", n, "requested", maxN)
	}
	return out
}

// Status reports the lifecycle state of a known command id.
func (q *CommandQueue) Status(commandID string) (CommandState, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.ledger[commandID]
	if !ok {
		return "", false
	}
	return entry.cmd.Status, true
}

// Get returns a clone of a known command.
func (q *CommandQueue) Get(commandID string) (*Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.ledger[commandID]
	if !ok {
		return nil, false
	}
	return entry.cmd.Clone(), true
}

// Transition moves a known command to a new lifecycle state, enforcing the
// monotonic state machine. Unknown ids return UnknownCommandError; invalid
// transitions return TransitionError.
func (q *CommandQueue) Transition(commandID string, to CommandState) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.ledger[commandID]
	if !ok {
		return NewUnknownCommandError(commandID)
	}
	from := entry.cmd.Status
	if !IsValidTransition(from, to) {
		return NewTransitionError(commandID, from, to)
	}
	entry.cmd.Status = to
	if to.IsTerminal() {
		entry.finishedAt = time.Now().UTC()
	}
	return nil
}

// Len returns the number of commands waiting to be drained.
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Clear removes all pending commands and ledger entries, returning the
// number of ledger entries dropped. Used by session reset.
func (q *CommandQueue) Clear() int {
	q.mu.Lock()
	dropped := len(q.ledger)
	q.pending = nil
	q.ledger = make(map[string]*ledgerEntry)
	q.mu.Unlock()

	if q.logger != nil && dropped > 0 {
		q.logger.Info("queue_cleared", "dropped", dropped)
	}
	return dropped
}

// Evict removes a terminal ledger entry. The janitor calls this once the
// command's result has been retrieved and its retention window has expired.
// Non-terminal entries are never evicted.
func (q *CommandQueue) Evict(commandID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.ledger[commandID]
	if !ok || !entry.cmd.Status.IsTerminal() {
		return false
	}
	delete(q.ledger, commandID)
	return true
}

// TerminalIDs returns the ids of ledger entries in a terminal state.
func (q *CommandQueue) TerminalIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []string
	for id, entry := range q.ledger {
		if entry.cmd.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// ExecutingLongerThan returns the ids of commands that were drained more
// than age ago and still have no published result. The bridge cannot cancel
// them (the host offers no interrupt primitive); the janitor logs them so a
// stuck host is visible.
func (q *CommandQueue) ExecutingLongerThan(age time.Duration) []string {
	cutoff := time.Now().UTC().Add(-age)

	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []string
	for id, entry := range q.ledger {
		if entry.cmd.Status == StateExecuting && !entry.drainedAt.IsZero() && entry.drainedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// GetStats returns queue statistics for monitoring.
func (q *CommandQueue) GetStats() map[string]any {
	q.mu.Lock()
	defer q.mu.Unlock()

	byState := map[string]int{}
	for _, entry := range q.ledger {
		byState[entry.cmd.Status.String()]++
	}
	return map[string]any{
		"pending_depth":  len(q.pending),
		"ledger_size":    len(q.ledger),
		"by_state":       byState,
		"enqueued_total": q.enqueuedTotal,
		"drained_total":  q.drainedTotal,
	}
}
