package commbridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// =============================================================================
// RESULT STORE
// =============================================================================

// DefaultAwaitTimeout bounds an await when the caller does not supply a
// timeout. Long enough for typical host operations, short enough that an
// agent notices a stalled host.
const DefaultAwaitTimeout = 8 * time.Second

// DefaultResultRetention is how long a result stays retrievable after it was
// first retrieved.
const DefaultResultRetention = 5 * time.Minute

// ResultStore holds published results and wakes blocked awaiters.
//
// Publication is first-writer-wins: the second publish for a command id
// returns DuplicateResultError, which the session treats as a fatal protocol
// violation.
//
// Results live in two tiers. A fresh result sits in the primary map until a
// producer retrieves it, then moves to a TTL cache for the retention window
// so repeated reads keep succeeding. Both tiers count for duplicate
// detection. A result nobody ever retrieves stays in the primary tier until
// the session is reset.
type ResultStore struct {
	mu       sync.Mutex
	results  map[string]*Result
	retained *cache.Cache
	waiters  map[string][]chan *Result
	logger   Logger

	defaultTimeout time.Duration
	retention      time.Duration

	publishedTotal atomic.Uint64
	timeoutsTotal  atomic.Uint64
}

var _ Store = (*ResultStore)(nil)

// NewResultStore creates a store. Non-positive durations select the
// defaults. A nil logger disables logging.
func NewResultStore(logger Logger, defaultTimeout, retention time.Duration) *ResultStore {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultAwaitTimeout
	}
	if retention <= 0 {
		retention = DefaultResultRetention
	}
	return &ResultStore{
		results:        make(map[string]*Result),
		retained:       cache.New(retention, retention),
		waiters:        make(map[string][]chan *Result),
		logger:         logger,
		defaultTimeout: defaultTimeout,
		retention:      retention,
	}
}

// Publish stores a result and wakes every awaiter blocked on its command id.
// The first writer wins; any later publication for the same id returns
// DuplicateResultError, including publications that arrive after the result
// moved to the retained tier.
func (s *ResultStore) Publish(res *Result) error {
	if res == nil || res.CommandID == "" {
		return NewInvalidCommandError("result missing command_id")
	}
	if res.CompletedAt.IsZero() {
		res.CompletedAt = time.Now().UTC()
	}

	s.mu.Lock()
	if _, exists := s.results[res.CommandID]; exists {
		s.mu.Unlock()
		return NewDuplicateResultError(res.CommandID)
	}
	if _, exists := s.retained.Get(res.CommandID); exists {
		s.mu.Unlock()
		return NewDuplicateResultError(res.CommandID)
	}
	s.results[res.CommandID] = res
	s.publishedTotal.Add(1)
	waiters := s.waiters[res.CommandID]
	delete(s.waiters, res.CommandID)
	s.mu.Unlock()

	// Waiter channels are buffered, so delivery never blocks the publisher.
	for _, ch := range waiters {
		ch <- res
	}

	if s.logger != nil {
		s.logger.Debug("result_published",
			"command_id", res.CommandID,
			"success", res.Success,
			"awaiters_woken", len(waiters),
		)
	}
	return nil
}

// SetDefaultTimeout replaces the default await wait. Awaits already in
// flight keep the timeout they started with.
func (s *ResultStore) SetDefaultTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.defaultTimeout = d
	s.mu.Unlock()
}

// Await blocks until a result for commandID is published, the timeout
// elapses, or ctx is cancelled. A non-positive timeout selects the store
// default.
//
// A timeout is not terminal: the command keeps executing, a late result is
// still publishable, and a later Await or Get for the same id succeeds.
func (s *ResultStore) Await(ctx context.Context, commandID string, timeout time.Duration) (*Result, error) {
	ch := make(chan *Result, 1)

	s.mu.Lock()
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	if res, ok := s.takeLocked(commandID); ok {
		s.mu.Unlock()
		return res, nil
	}
	s.waiters[commandID] = append(s.waiters[commandID], ch)
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		s.markRetrieved(commandID)
		return res, nil
	case <-timer.C:
		s.removeWaiter(commandID, ch)
		s.timeoutsTotal.Add(1)
		if s.logger != nil {
			s.logger.Debug("await_timed_out", "command_id", commandID, "timeout", timeout.String())
		}
		return nil, NewAwaitTimeoutError(commandID, timeout)
	case <-ctx.Done():
		s.removeWaiter(commandID, ch)
		return nil, ctx.Err()
	}
}

// Get returns a published result without blocking. Retrieval moves the
// result into the retained tier, starting its retention window.
func (s *ResultStore) Get(commandID string) (*Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeLocked(commandID)
}

// Has reports whether a result exists in either tier without starting its
// retention window. The janitor uses this to decide when a ledger entry can
// be evicted.
func (s *ResultStore) Has(commandID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[commandID]; ok {
		return true
	}
	_, ok := s.retained.Get(commandID)
	return ok
}

// Clear drops all stored results and forgets all waiters, returning the
// number of results dropped. Outstanding awaits are left to expire by their
// own timeouts; after a reset there is nothing to wake them with.
func (s *ResultStore) Clear() int {
	s.mu.Lock()
	dropped := len(s.results) + s.retained.ItemCount()
	s.results = make(map[string]*Result)
	s.retained.Flush()
	orphanedWaiters := len(s.waiters)
	s.waiters = make(map[string][]chan *Result)
	s.mu.Unlock()

	if s.logger != nil && (dropped > 0 || orphanedWaiters > 0) {
		s.logger.Info("result_store_cleared",
			"dropped", dropped,
			"orphaned_waiters", orphanedWaiters,
		)
	}
	return dropped
}

// GetStats returns store statistics for monitoring.
func (s *ResultStore) GetStats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	waiting := 0
	for _, ws := range s.waiters {
		waiting += len(ws)
	}
	return map[string]any{
		"unretrieved_results": len(s.results),
		"retained_results":    s.retained.ItemCount(),
		"active_waiters":      waiting,
		"published_total":     s.publishedTotal.Load(),
		"timeouts_total":      s.timeoutsTotal.Load(),
	}
}

// takeLocked finds a result in either tier and, on a primary-tier hit, moves
// it into the retained tier. Callers must hold s.mu; the move happens inside
// the critical section so a concurrent Publish can never miss it during its
// duplicate check.
func (s *ResultStore) takeLocked(commandID string) (*Result, bool) {
	if res, ok := s.results[commandID]; ok {
		delete(s.results, commandID)
		s.retained.Set(commandID, res, cache.DefaultExpiration)
		return res, true
	}
	if v, ok := s.retained.Get(commandID); ok {
		return v.(*Result), true
	}
	return nil, false
}

// markRetrieved moves a result delivered through a waiter channel into the
// retained tier. The first awaiter to return performs the move; the rest
// find the primary tier already empty.
func (s *ResultStore) markRetrieved(commandID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.results[commandID]; ok {
		delete(s.results, commandID)
		s.retained.Set(commandID, res, cache.DefaultExpiration)
	}
}

// removeWaiter unregisters a waiter channel after a timeout or cancellation.
func (s *ResultStore) removeWaiter(commandID string, ch chan *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws := s.waiters[commandID]
	for i, w := range ws {
		if w == ch {
			s.waiters[commandID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(s.waiters[commandID]) == 0 {
		delete(s.waiters, commandID)
	}
}
