// Package session provides the bridge session, the unified coordination
// surface over queue, result store, dispatch table, entity registry, and
// reference resolver.
//
// The Session composes:
//   - CommandQueue (producer submissions, host drain)
//   - ResultStore (first-writer-wins publication, producer awaits)
//   - DispatchTable (command type handlers, loopback mode)
//   - Registry (entity recency index)
//   - Resolver (vague reference resolution)
//   - Feed (bridge event fan-out)
//
// All session operations hold a read lock so they interleave freely with
// each other; Reset takes the write lock and therefore observes no
// in-flight operation. Detecting a protocol violation (a duplicate result,
// a corrupt ledger transition) halts the session permanently.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/atelier-systems/modelbridge/bridgecore/observability"
	"github.com/atelier-systems/modelbridge/bridgecore/registry"
	"github.com/atelier-systems/modelbridge/bridgecore/resolver"
	"github.com/atelier-systems/modelbridge/commbridge"
)

// Logger interface for the session.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// SESSION CONFIGURATION
// =============================================================================

// Config configures the session.
type Config struct {
	// AwaitTimeout is the default producer wait for a result.
	AwaitTimeout time.Duration
	// ResultRetention is how long a result stays readable after first retrieval.
	ResultRetention time.Duration
	// FeedBuffer is the per-subscriber event channel depth.
	FeedBuffer int
	// TypeHints adds resolver keywords over the built-in modeling nouns.
	TypeHints map[string]string
}

// DefaultConfig returns default session configuration.
func DefaultConfig() *Config {
	return &Config{
		AwaitTimeout:    commbridge.DefaultAwaitTimeout,
		ResultRetention: commbridge.DefaultResultRetention,
		FeedBuffer:      commbridge.DefaultFeedBuffer,
	}
}

// =============================================================================
// SESSION
// =============================================================================

// Session is the central coordinator between producers and the host.
type Session struct {
	config *Config
	logger Logger

	// Subsystems
	queue    *commbridge.CommandQueue
	store    *commbridge.ResultStore
	table    *commbridge.DispatchTable
	feed     *commbridge.Feed
	producer *commbridge.Producer
	registry *registry.Registry
	resolver *resolver.Resolver

	// Reset exclusion: operations hold the read side, Reset the write side.
	mu sync.RWMutex

	// Fatal state is guarded separately so it can be set from inside an
	// operation that already holds the read lock.
	fatalMu  sync.Mutex
	fatalErr error
	onFatal  []func(error)

	startedAt time.Time
}

// New creates a session over the given registry.
func New(logger Logger, config *Config, reg *registry.Registry) *Session {
	if config == nil {
		config = DefaultConfig()
	}

	queue := commbridge.NewCommandQueue(logger)
	store := commbridge.NewResultStore(logger, config.AwaitTimeout, config.ResultRetention)
	table := commbridge.NewDispatchTable(logger)
	feed := commbridge.NewFeed(config.FeedBuffer, logger)

	s := &Session{
		config:    config,
		logger:    logger,
		queue:     queue,
		store:     store,
		table:     table,
		feed:      feed,
		producer:  commbridge.NewProducer(queue, store, logger),
		registry:  reg,
		resolver:  resolver.New(reg, config.TypeHints, logger),
		startedAt: time.Now().UTC(),
	}

	if logger != nil {
		logger.Info("session_initialized",
			"await_timeout", config.AwaitTimeout.String(),
			"result_retention", config.ResultRetention.String(),
			"registry_entities", reg.Count(),
		)
	}
	return s
}

// =============================================================================
// SUBSYSTEM ACCESS
// =============================================================================

// Queue returns the command queue.
func (s *Session) Queue() *commbridge.CommandQueue { return s.queue }

// Results returns the result store.
func (s *Session) Results() *commbridge.ResultStore { return s.store }

// Dispatch returns the dispatch table.
func (s *Session) Dispatch() *commbridge.DispatchTable { return s.table }

// Registry returns the entity registry.
func (s *Session) Registry() *registry.Registry { return s.registry }

// Resolver returns the reference resolver.
func (s *Session) Resolver() *resolver.Resolver { return s.resolver }

// Feed returns the bridge event feed.
func (s *Session) Feed() *commbridge.Feed { return s.feed }

// OnFatal registers a handler invoked once when the session halts.
// Handlers run on the goroutine that detected the violation and must not
// call back into session operations.
func (s *Session) OnFatal(fn func(error)) {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	s.onFatal = append(s.onFatal, fn)
}

// =============================================================================
// PRODUCER SIDE
// =============================================================================

// Submit enqueues a new command and returns its id.
func (s *Session) Submit(commandType string, parameters map[string]any) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.Err(); err != nil {
		return "", err
	}

	commandID, err := s.producer.Submit(commandType, parameters)
	if err != nil {
		return "", err
	}

	observability.RecordCommandEnqueued(commandType)
	observability.SetQueueDepth(s.queue.Len())

	s.feed.Publish(commbridge.Event{
		Type:        commbridge.EventCommandEnqueued,
		Timestamp:   time.Now().UTC(),
		CommandID:   commandID,
		CommandType: commandType,
	})
	return commandID, nil
}

// Await blocks until the command's result is published, the timeout
// elapses, or ctx is done. The session lock is not held while blocking,
// so a Reset can proceed; awaiting producers then run into their timeout.
func (s *Session) Await(ctx context.Context, commandID string, timeout time.Duration) (*commbridge.Result, error) {
	if err := s.Err(); err != nil {
		return nil, err
	}

	res, err := s.store.Await(ctx, commandID, timeout)
	if err != nil {
		if _, timedOut := err.(*commbridge.AwaitTimeoutError); timedOut {
			observability.RecordAwaitTimeout()
		}
		return nil, err
	}
	return res, nil
}

// SetAwaitTimeout replaces the default wait applied when Await is called
// without an explicit timeout. Config reloads use this; awaits already
// blocking keep their original window.
func (s *Session) SetAwaitTimeout(d time.Duration) {
	s.store.SetDefaultTimeout(d)
	if s.logger != nil {
		s.logger.Info("await_timeout_updated", "await_timeout", d.String())
	}
}

// GetResult retrieves a published result without blocking.
func (s *Session) GetResult(commandID string) (*commbridge.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.Get(commandID)
}

// CommandStatus reports a command's lifecycle state.
func (s *Session) CommandStatus(commandID string) (commbridge.CommandState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queue.Status(commandID)
}

// =============================================================================
// HOST SIDE
// =============================================================================

// Drain hands up to maxN pending commands to the host, transitioning each
// to executing. At-most-once: a drained command is never handed out again.
func (s *Session) Drain(maxN int) ([]*commbridge.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.Err(); err != nil {
		return nil, err
	}

	drained := s.queue.Drain(maxN)
	observability.SetQueueDepth(s.queue.Len())

	for _, cmd := range drained {
		s.feed.Publish(commbridge.NewCommandEvent(commbridge.EventCommandDrained, cmd))
	}
	return drained, nil
}

// PublishResult accepts a host result for a drained command.
//
// Order of checks:
//  1. unknown command id: warned and rejected, not fatal (the ledger entry
//     may have been garbage collected, or the host is confused)
//  2. command already terminal: a duplicate result, which is a protocol
//     violation and halts the session
//  3. store publication (first writer wins; a concurrent duplicate loses
//     here and also halts the session)
//  4. ledger transition to the terminal state
//  5. registry effects: created entities recorded in order, modified
//     entities touched
func (s *Session) PublishResult(res *commbridge.Result) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.Err(); err != nil {
		return err
	}
	if res == nil || res.CommandID == "" {
		return commbridge.NewInvalidCommandError("result requires a command id")
	}

	state, known := s.queue.Status(res.CommandID)
	if !known {
		if s.logger != nil {
			s.logger.Warn("result_for_unknown_command", "command_id", res.CommandID)
		}
		return commbridge.NewUnknownCommandError(res.CommandID)
	}
	if state.IsTerminal() {
		dup := commbridge.NewDuplicateResultError(res.CommandID)
		s.Fail(dup)
		return dup
	}

	if err := s.store.Publish(res); err != nil {
		if _, isDup := err.(*commbridge.DuplicateResultError); isDup {
			s.Fail(err)
		}
		return err
	}

	if err := s.queue.Transition(res.CommandID, res.TerminalState()); err != nil {
		// The store accepted the result but the ledger refused the
		// transition: the two views disagree, which is unrecoverable.
		s.Fail(err)
		return err
	}

	s.applyEntityEffects(res)

	eventType := commbridge.EventCommandCompleted
	if !res.Success {
		eventType = commbridge.EventCommandFailed
	}
	s.feed.Publish(commbridge.Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		CommandID: res.CommandID,
	})
	observability.RecordResultPublished(res.Success)
	return nil
}

// applyEntityEffects records created entities and touches modified ones.
// Registry failures degrade to warnings: the result is already published
// and producers must not be blocked by bookkeeping.
func (s *Session) applyEntityEffects(res *commbridge.Result) {
	if !res.Success {
		return
	}

	// Creation order matters: the last created entity ends up most recent.
	for _, ref := range res.Created {
		if _, err := s.registry.Record(ref.EntityID, ref.EntityType, res.CommandID); err != nil {
			if s.logger != nil {
				s.logger.Warn("entity_record_failed",
					"entity_id", ref.EntityID,
					"command_id", res.CommandID,
					"error", err)
			}
			continue
		}
		s.feed.Publish(commbridge.NewEntityEvent(
			commbridge.EventEntityRecorded, ref.EntityID, ref.EntityType, res.CommandID))
	}

	for _, entityID := range res.Modified {
		entity, err := s.registry.Touch(entityID, res.CommandID)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("entity_touch_failed",
					"entity_id", entityID,
					"command_id", res.CommandID,
					"error", err)
			}
			continue
		}
		s.feed.Publish(commbridge.NewEntityEvent(
			commbridge.EventEntityTouched, entity.EntityID, entity.EntityType, res.CommandID))
	}
}

// =============================================================================
// REFERENCE RESOLUTION
// =============================================================================

// ResolveReference maps a vague reference to a concrete entity.
func (s *Session) ResolveReference(hint string, entityType string) (*registry.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.Err(); err != nil {
		return nil, err
	}
	return s.resolver.Resolve(hint, entityType)
}

// GetEntity returns an entity by id.
func (s *Session) GetEntity(entityID string) (*registry.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry.Get(entityID)
}

// ListEntities returns all entities ordered by activity.
func (s *Session) ListEntities() []*registry.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry.List()
}

// =============================================================================
// RESET AND FATAL STATE
// =============================================================================

// Reset atomically clears the queue, results, and registry.
//
// The write lock excludes every other operation, so no command is half
// published across the boundary. Producers blocked in Await are not
// signalled; their commands are gone and they run into their timeout.
// A halted session stays halted across Reset.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	droppedCommands := s.queue.Clear()
	droppedResults := s.store.Clear()
	if err := s.registry.Clear(); err != nil {
		return err
	}

	observability.RecordSessionReset()
	observability.SetQueueDepth(0)

	s.feed.Publish(commbridge.Event{
		Type:      commbridge.EventSessionReset,
		Timestamp: time.Now().UTC(),
		Detail: map[string]any{
			"dropped_commands": droppedCommands,
			"dropped_results":  droppedResults,
		},
	})

	if s.logger != nil {
		s.logger.Info("session_reset",
			"dropped_commands", droppedCommands,
			"dropped_results", droppedResults)
	}
	return nil
}

// Fail halts the session permanently. The first error wins; later calls
// are ignored. Fatal handlers run once, after the state is recorded.
func (s *Session) Fail(err error) {
	if err == nil {
		return
	}

	s.fatalMu.Lock()
	if s.fatalErr != nil {
		s.fatalMu.Unlock()
		return
	}
	s.fatalErr = err
	handlers := make([]func(error), len(s.onFatal))
	copy(handlers, s.onFatal)
	s.fatalMu.Unlock()

	info := commbridge.ErrorInfoFrom(err)
	observability.RecordProtocolViolation(string(info.Kind))

	if s.logger != nil {
		s.logger.Error("bridge_halted",
			"kind", string(info.Kind),
			"error", err)
	}
	s.feed.Publish(commbridge.Event{
		Type:      commbridge.EventProtocolViolation,
		Timestamp: time.Now().UTC(),
		Detail:    map[string]any{"kind": string(info.Kind), "message": info.Message},
	})

	for _, fn := range handlers {
		fn(err)
	}
}

// Err returns the fatal error that halted the session, or nil.
func (s *Session) Err() error {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	return s.fatalErr
}

// =============================================================================
// STATUS
// =============================================================================

// GetStats returns overall session statistics.
func (s *Session) GetStats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]any{
		"queue":          s.queue.GetStats(),
		"results":        s.store.GetStats(),
		"dispatch":       s.table.GetStats(),
		"registry":       s.registry.GetStats(),
		"feed":           s.feed.GetStats(),
		"halted":         s.Err() != nil,
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	}
}

// Close shuts down the event feed. The registry is owned by the caller
// and closed separately.
func (s *Session) Close() {
	s.feed.Close()
	if s.logger != nil {
		s.logger.Info("session_closed")
	}
}
