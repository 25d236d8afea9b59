package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-systems/modelbridge/bridgecore/registry"
	"github.com/atelier-systems/modelbridge/commbridge"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// recordingLogger captures log event names for assertions.
type recordingLogger struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingLogger) log(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, msg)
}

func (l *recordingLogger) Debug(msg string, keysAndValues ...any) { l.log(msg) }
func (l *recordingLogger) Info(msg string, keysAndValues ...any)  { l.log(msg) }
func (l *recordingLogger) Warn(msg string, keysAndValues ...any)  { l.log(msg) }
func (l *recordingLogger) Error(msg string, keysAndValues ...any) { l.log(msg) }

func (l *recordingLogger) has(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == msg {
			return true
		}
	}
	return false
}

// newTestSession builds a session over an in-memory registry with short
// timeouts suitable for tests.
func newTestSession(logger Logger) *Session {
	cfg := DefaultConfig()
	cfg.AwaitTimeout = 2 * time.Second
	cfg.ResultRetention = time.Minute
	return New(logger, cfg, registry.NewInMemory(nil))
}

// runCommand drives one command through submit, drain, and publish.
func runCommand(t *testing.T, s *Session, commandType string, res func(commandID string) *commbridge.Result) string {
	t.Helper()

	commandID, err := s.Submit(commandType, nil)
	require.NoError(t, err)

	drained, err := s.Drain(10)
	require.NoError(t, err)
	require.NotEmpty(t, drained)

	require.NoError(t, s.PublishResult(res(commandID)))
	return commandID
}

// successCreating builds a success result that creates the given entities.
func successCreating(refs ...commbridge.EntityRef) func(string) *commbridge.Result {
	return func(commandID string) *commbridge.Result {
		return commbridge.NewSuccessResult(commandID, &commbridge.HandlerResult{
			Data:    map[string]any{"ok": true},
			Created: refs,
		})
	}
}

// =============================================================================
// COMMAND FLOW
// =============================================================================

func TestSubmitDrainPublishAwait(t *testing.T) {
	s := newTestSession(nil)
	defer s.Close()

	commandID, err := s.Submit("model.draw_curve", map[string]any{"degree": 3})
	require.NoError(t, err)

	state, ok := s.CommandStatus(commandID)
	require.True(t, ok)
	assert.Equal(t, commbridge.StatePending, state)

	drained, err := s.Drain(10)
	require.NoError(t, err)
	require.Len(t, drained, 1)
	assert.Equal(t, commandID, drained[0].ID)
	assert.Equal(t, commbridge.StateExecuting, drained[0].Status)

	require.NoError(t, s.PublishResult(commbridge.NewSuccessResult(commandID, &commbridge.HandlerResult{
		Data: map[string]any{"length": 12.5},
	})))

	res, err := s.Await(context.Background(), commandID, time.Second)
	require.NoError(t, err)
	assert.True(t, res.Success)

	state, ok = s.CommandStatus(commandID)
	require.True(t, ok)
	assert.Equal(t, commbridge.StateCompleted, state)
}

func TestAwaitBeforePublishWakes(t *testing.T) {
	s := newTestSession(nil)
	defer s.Close()

	commandID, err := s.Submit("model.draw_curve", nil)
	require.NoError(t, err)

	done := make(chan *commbridge.Result, 1)
	go func() {
		res, err := s.Await(context.Background(), commandID, 2*time.Second)
		assert.NoError(t, err)
		done <- res
	}()

	// The host drains and publishes while the producer is waiting.
	_, err = s.Drain(1)
	require.NoError(t, err)
	require.NoError(t, s.PublishResult(commbridge.NewSuccessResult(commandID, nil)))

	select {
	case res := <-done:
		assert.True(t, res.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("await did not wake on publish")
	}
}

func TestFailedResultMarksCommandFailed(t *testing.T) {
	s := newTestSession(nil)
	defer s.Close()

	commandID := runCommand(t, s, "model.extrude", func(id string) *commbridge.Result {
		return commbridge.NewFailedResult(id, &commbridge.ErrorInfo{
			Kind:    commbridge.KindArgumentError,
			Message: "height must be positive",
		})
	})

	state, ok := s.CommandStatus(commandID)
	require.True(t, ok)
	assert.Equal(t, commbridge.StateFailed, state)

	res, ok := s.GetResult(commandID)
	require.True(t, ok)
	assert.False(t, res.Success)
	assert.Equal(t, commbridge.KindArgumentError, res.Error.Kind)
}

// =============================================================================
// ENTITY EFFECTS
// =============================================================================

func TestPublishRecordsCreatedEntitiesInOrder(t *testing.T) {
	// The last created entity must end up most recent.
	s := newTestSession(nil)
	defer s.Close()

	commandID := runCommand(t, s, "model.loft", successCreating(
		commbridge.EntityRef{EntityID: "curve-1", EntityType: "curve"},
		commbridge.EntityRef{EntityID: "surface-1", EntityType: "surface"},
	))

	entity, err := s.GetEntity("curve-1")
	require.NoError(t, err)
	assert.Equal(t, commandID, entity.OwningCommand)

	recent, err := s.ResolveReference("", "")
	require.NoError(t, err)
	assert.Equal(t, "surface-1", recent.EntityID)
}

func TestPublishTouchesModifiedEntities(t *testing.T) {
	s := newTestSession(nil)
	defer s.Close()

	runCommand(t, s, "model.draw_curve", successCreating(
		commbridge.EntityRef{EntityID: "curve-1", EntityType: "curve"},
	))
	runCommand(t, s, "model.draw_curve", successCreating(
		commbridge.EntityRef{EntityID: "curve-2", EntityType: "curve"},
	))

	// Modifying curve-1 pulls it back to the front.
	runCommand(t, s, "model.smooth", func(id string) *commbridge.Result {
		res := commbridge.NewSuccessResult(id, nil)
		res.Modified = []string{"curve-1"}
		return res
	})

	recent, err := s.ResolveReference("the curve", "")
	require.NoError(t, err)
	assert.Equal(t, "curve-1", recent.EntityID)
}

func TestCreateThenVagueModify(t *testing.T) {
	// The flagship flow: draw something, then refer to it vaguely.
	s := newTestSession(nil)
	defer s.Close()

	runCommand(t, s, "model.draw_curve", successCreating(
		commbridge.EntityRef{EntityID: "crv-77", EntityType: "curve"},
	))

	entity, err := s.ResolveReference("mirror the curve you just drew", "")
	require.NoError(t, err)
	assert.Equal(t, "crv-77", entity.EntityID)

	// Follow-up command against the resolved id modifies it.
	runCommand(t, s, "model.mirror", func(id string) *commbridge.Result {
		res := commbridge.NewSuccessResult(id, nil)
		res.Modified = []string{entity.EntityID}
		return res
	})

	again, err := s.ResolveReference("the curve", "")
	require.NoError(t, err)
	assert.Equal(t, "crv-77", again.EntityID)
}

func TestFailedResultHasNoEntityEffects(t *testing.T) {
	s := newTestSession(nil)
	defer s.Close()

	runCommand(t, s, "model.draw_curve", func(id string) *commbridge.Result {
		res := commbridge.NewFailedResult(id, &commbridge.ErrorInfo{
			Kind:    commbridge.KindOperationError,
			Message: "kernel rejected the curve",
		})
		// Effects on a failed result are bogus host output; they are ignored.
		res.Created = []commbridge.EntityRef{{EntityID: "ghost", EntityType: "curve"}}
		return res
	})

	_, err := s.GetEntity("ghost")
	assert.Error(t, err)
}

func TestUnknownModifiedEntityIsWarnedNotFatal(t *testing.T) {
	logger := &recordingLogger{}
	s := newTestSession(logger)
	defer s.Close()

	runCommand(t, s, "model.smooth", func(id string) *commbridge.Result {
		res := commbridge.NewSuccessResult(id, nil)
		res.Modified = []string{"never-recorded"}
		return res
	})

	assert.True(t, logger.has("entity_touch_failed"))
	assert.NoError(t, s.Err())
}

// =============================================================================
// PROTOCOL VIOLATIONS
// =============================================================================

func TestPublishForUnknownCommandIsRejectedNotFatal(t *testing.T) {
	logger := &recordingLogger{}
	s := newTestSession(logger)
	defer s.Close()

	err := s.PublishResult(commbridge.NewSuccessResult("never-submitted", nil))
	require.Error(t, err)

	var unknown *commbridge.UnknownCommandError
	assert.True(t, errors.As(err, &unknown))
	assert.True(t, logger.has("result_for_unknown_command"))
	assert.NoError(t, s.Err())
}

func TestDuplicateResultHaltsSession(t *testing.T) {
	logger := &recordingLogger{}
	s := newTestSession(logger)
	defer s.Close()

	var fatalCount atomic.Int32
	s.OnFatal(func(err error) { fatalCount.Add(1) })

	commandID := runCommand(t, s, "model.draw_curve", func(id string) *commbridge.Result {
		return commbridge.NewSuccessResult(id, nil)
	})

	err := s.PublishResult(commbridge.NewSuccessResult(commandID, nil))
	require.Error(t, err)

	var dup *commbridge.DuplicateResultError
	require.True(t, errors.As(err, &dup))

	// The session is halted: all operations now refuse.
	require.Error(t, s.Err())
	assert.True(t, logger.has("bridge_halted"))
	assert.Equal(t, int32(1), fatalCount.Load())

	_, err = s.Submit("model.draw_curve", nil)
	assert.Error(t, err)
	_, err = s.Drain(1)
	assert.Error(t, err)
	_, err = s.ResolveReference("the curve", "")
	assert.Error(t, err)
}

func TestFirstFatalErrorWins(t *testing.T) {
	s := newTestSession(nil)
	defer s.Close()

	var calls atomic.Int32
	s.OnFatal(func(err error) { calls.Add(1) })

	first := commbridge.NewDuplicateResultError("cmd-a")
	second := commbridge.NewDuplicateResultError("cmd-b")
	s.Fail(first)
	s.Fail(second)

	assert.Same(t, error(first), s.Err())
	assert.Equal(t, int32(1), calls.Load())
}

// =============================================================================
// RESET
// =============================================================================

func TestResetClearsEverything(t *testing.T) {
	s := newTestSession(nil)
	defer s.Close()

	runCommand(t, s, "model.draw_curve", successCreating(
		commbridge.EntityRef{EntityID: "curve-1", EntityType: "curve"},
	))
	_, err := s.Submit("model.extrude", nil)
	require.NoError(t, err)

	require.NoError(t, s.Reset())

	assert.Equal(t, 0, s.Queue().Len())
	assert.Empty(t, s.ListEntities())
	_, err = s.ResolveReference("the curve", "")
	assert.Error(t, err)

	// The session keeps working after a reset.
	runCommand(t, s, "model.draw_curve", successCreating(
		commbridge.EntityRef{EntityID: "curve-2", EntityType: "curve"},
	))
	entity, err := s.ResolveReference("the curve", "")
	require.NoError(t, err)
	assert.Equal(t, "curve-2", entity.EntityID)
}

func TestResetDoesNotClearFatalState(t *testing.T) {
	s := newTestSession(nil)
	defer s.Close()

	s.Fail(commbridge.NewDuplicateResultError("cmd-1"))
	require.NoError(t, s.Reset())

	assert.Error(t, s.Err())
	_, err := s.Submit("model.draw_curve", nil)
	assert.Error(t, err)
}

func TestAwaitTimesOutAcrossReset(t *testing.T) {
	// Reset drops pending commands without signalling waiting producers;
	// the producer runs into its own timeout.
	s := newTestSession(nil)
	defer s.Close()

	commandID, err := s.Submit("model.draw_curve", nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Await(context.Background(), commandID, 300*time.Millisecond)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Reset())

	select {
	case err := <-done:
		var timeout *commbridge.AwaitTimeoutError
		assert.True(t, errors.As(err, &timeout))
	case <-time.After(2 * time.Second):
		t.Fatal("await did not return after reset")
	}
}

func TestConcurrentOperationsAcrossReset(t *testing.T) {
	// Submissions racing a reset must land entirely before or entirely
	// after it; nothing may deadlock or half-exist.
	s := newTestSession(nil)
	defer s.Close()

	const producers = 8
	const perProducer = 25

	var wg sync.WaitGroup
	var submitted sync.Map
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				id, err := s.Submit("model.draw_curve", map[string]any{"n": i})
				if err == nil {
					submitted.Store(id, true)
				}
			}
		}(p)
	}

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Reset())
	wg.Wait()

	// Every surviving command must be fully present in the ledger.
	survivors := 0
	submitted.Range(func(key, _ any) bool {
		if _, ok := s.CommandStatus(key.(string)); ok {
			survivors++
		}
		return true
	})
	assert.Equal(t, s.Queue().Len(), survivors)

	// And the session still accepts work.
	_, err := s.Submit("model.draw_curve", nil)
	assert.NoError(t, err)
}

// =============================================================================
// EVENTS
// =============================================================================

func TestFeedReceivesLifecycleEvents(t *testing.T) {
	s := newTestSession(nil)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := s.Feed().Subscribe(ctx)

	runCommand(t, s, "model.draw_curve", successCreating(
		commbridge.EntityRef{EntityID: "curve-1", EntityType: "curve"},
	))

	seen := make(map[commbridge.EventType]bool)
	deadline := time.After(2 * time.Second)
	for len(seen) < 4 {
		select {
		case ev := <-sub:
			seen[ev.Type] = true
		case <-deadline:
			t.Fatalf("missing events, saw %v", seen)
		}
	}

	assert.True(t, seen[commbridge.EventCommandEnqueued])
	assert.True(t, seen[commbridge.EventCommandDrained])
	assert.True(t, seen[commbridge.EventCommandCompleted])
	assert.True(t, seen[commbridge.EventEntityRecorded])
}

// =============================================================================
// JANITOR
// =============================================================================

func TestJanitorEvictsConsumedLedgerEntries(t *testing.T) {
	// Once a result has been retrieved and its retention expired, the
	// ledger entry is the only trace left; the janitor evicts it.
	cfg := DefaultConfig()
	cfg.AwaitTimeout = time.Second
	cfg.ResultRetention = 30 * time.Millisecond
	s := New(nil, cfg, registry.NewInMemory(nil))
	defer s.Close()

	commandID := runCommand(t, s, "model.draw_curve", func(id string) *commbridge.Result {
		return commbridge.NewSuccessResult(id, nil)
	})

	// First retrieval starts the retention clock.
	_, ok := s.GetResult(commandID)
	require.True(t, ok)

	stop := s.StartJanitor(JanitorConfig{
		Interval:            10 * time.Millisecond,
		StuckExecutingAfter: time.Hour,
	})
	defer stop()

	require.Eventually(t, func() bool {
		_, ok := s.CommandStatus(commandID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	// A stray publish for the forgotten command is now merely unknown.
	err := s.PublishResult(commbridge.NewSuccessResult(commandID, nil))
	var unknown *commbridge.UnknownCommandError
	assert.True(t, errors.As(err, &unknown))
	assert.NoError(t, s.Err())
}

func TestJanitorKeepsEntriesWhileResultRetained(t *testing.T) {
	// While the store still holds the result, the ledger entry stays so
	// late duplicates can be detected.
	s := newTestSession(nil)
	defer s.Close()

	commandID := runCommand(t, s, "model.draw_curve", func(id string) *commbridge.Result {
		return commbridge.NewSuccessResult(id, nil)
	})

	s.runJanitorCycle(DefaultJanitorConfig())

	_, ok := s.CommandStatus(commandID)
	assert.True(t, ok)
}

func TestJanitorReportsStuckExecuting(t *testing.T) {
	logger := &recordingLogger{}
	s := newTestSession(logger)
	defer s.Close()

	_, err := s.Submit("model.simulate", nil)
	require.NoError(t, err)
	_, err = s.Drain(1)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	s.runJanitorCycle(JanitorConfig{
		Interval:            time.Minute,
		StuckExecutingAfter: time.Millisecond,
	})

	assert.True(t, logger.has("command_stuck_executing"))
}

// =============================================================================
// STATS
// =============================================================================

func TestGetStats(t *testing.T) {
	s := newTestSession(nil)
	defer s.Close()

	runCommand(t, s, "model.draw_curve", successCreating(
		commbridge.EntityRef{EntityID: "curve-1", EntityType: "curve"},
	))

	stats := s.GetStats()
	require.Contains(t, stats, "queue")
	require.Contains(t, stats, "results")
	require.Contains(t, stats, "registry")
	assert.Equal(t, false, stats["halted"])

	queueStats := stats["queue"].(map[string]any)
	assert.Equal(t, 0, queueStats["pending_depth"])

	registryStats := stats["registry"].(map[string]any)
	assert.Equal(t, 1, registryStats["entity_count"])
}

func TestStatsReflectHaltedState(t *testing.T) {
	s := newTestSession(nil)
	defer s.Close()

	s.Fail(fmt.Errorf("synthetic failure"))
	stats := s.GetStats()
	assert.Equal(t, true, stats["halted"])
}
