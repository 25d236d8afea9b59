package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

// recordN registers n entities of the given type and returns their ids.
func recordN(t *testing.T, r *Registry, entityType string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%d", entityType, i)
		_, err := r.Record(id, entityType, "cmd-"+id)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

// =============================================================================
// RECORD / TOUCH / GET
// =============================================================================

func TestRecordAndGet(t *testing.T) {
	r := NewInMemory(nil)

	recorded, err := r.Record("curve-1", "curve", "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, "curve-1", recorded.EntityID)
	assert.Equal(t, "curve", recorded.EntityType)
	assert.Equal(t, "cmd-1", recorded.OwningCommand)
	assert.Equal(t, uint64(1), recorded.Seq)
	assert.False(t, recorded.CreatedAt.IsZero())

	got, err := r.Get("curve-1")
	require.NoError(t, err)
	assert.Equal(t, recorded.Seq, got.Seq)
}

func TestRecordRejectsMissingFields(t *testing.T) {
	r := NewInMemory(nil)

	_, err := r.Record("", "curve", "cmd-1")
	assert.Error(t, err)

	_, err = r.Record("curve-1", "", "cmd-1")
	assert.Error(t, err)
}

func TestRecordDuplicateBecomesTouch(t *testing.T) {
	// Re-recording an existing id is a modification: the activity sequence
	// advances, but type and creation time stay with the original.
	logger := &recordingLogger{}
	r := NewInMemory(logger)

	first, err := r.Record("curve-1", "curve", "cmd-1")
	require.NoError(t, err)

	second, err := r.Record("curve-1", "surface", "cmd-2")
	require.NoError(t, err)

	assert.True(t, logger.has("entity_rerecorded"))
	assert.Equal(t, "curve", second.EntityType)
	assert.Greater(t, second.Seq, first.Seq)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, 1, r.Count())
}

func TestTouchBumpsRecency(t *testing.T) {
	r := NewInMemory(nil)

	recorded, err := r.Record("curve-1", "curve", "cmd-1")
	require.NoError(t, err)

	touched, err := r.Touch("curve-1", "cmd-2")
	require.NoError(t, err)

	assert.Greater(t, touched.Seq, recorded.Seq)
	// The owning command stays with the creator.
	assert.Equal(t, "cmd-1", touched.OwningCommand)
}

func TestTouchUnknownEntity(t *testing.T) {
	r := NewInMemory(nil)

	_, err := r.Touch("ghost", "cmd-1")
	require.Error(t, err)

	var notFound *NotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "ghost", notFound.EntityID)
}

func TestGetUnknownEntity(t *testing.T) {
	r := NewInMemory(nil)

	_, err := r.Get("ghost")
	var notFound *NotFoundError
	require.True(t, errors.As(err, &notFound))
}

func TestGetReturnsClone(t *testing.T) {
	// Mutating a returned entity must not leak into the registry.
	r := NewInMemory(nil)
	_, err := r.Record("curve-1", "curve", "cmd-1")
	require.NoError(t, err)

	got, err := r.Get("curve-1")
	require.NoError(t, err)
	got.EntityType = "mangled"

	again, err := r.Get("curve-1")
	require.NoError(t, err)
	assert.Equal(t, "curve", again.EntityType)
}

// =============================================================================
// RECENCY
// =============================================================================

func TestMostRecentOverall(t *testing.T) {
	r := NewInMemory(nil)
	recordN(t, r, "curve", 3)

	got, err := r.MostRecent("")
	require.NoError(t, err)
	assert.Equal(t, "curve-2", got.EntityID)
}

func TestMostRecentWithTypeFilter(t *testing.T) {
	r := NewInMemory(nil)
	recordN(t, r, "curve", 2)
	recordN(t, r, "surface", 1)

	// Overall most recent is the surface, but the filter narrows to curves.
	got, err := r.MostRecent("curve")
	require.NoError(t, err)
	assert.Equal(t, "curve-1", got.EntityID)
}

func TestMostRecentIsActivityBased(t *testing.T) {
	// Touching an older entity makes it the most recent of its type.
	r := NewInMemory(nil)
	recordN(t, r, "curve", 2)

	_, err := r.Touch("curve-0", "cmd-touch")
	require.NoError(t, err)

	got, err := r.MostRecent("curve")
	require.NoError(t, err)
	assert.Equal(t, "curve-0", got.EntityID)
}

func TestMostRecentEmptyRegistry(t *testing.T) {
	r := NewInMemory(nil)

	_, err := r.MostRecent("")
	var notFound *NotFoundError
	require.True(t, errors.As(err, &notFound))
}

func TestMostRecentUnknownType(t *testing.T) {
	r := NewInMemory(nil)
	recordN(t, r, "curve", 2)

	_, err := r.MostRecent("solid")
	var notFound *NotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "solid", notFound.EntityType)
}

// =============================================================================
// LIST / COUNT / CLEAR
// =============================================================================

func TestListOrderedBySeq(t *testing.T) {
	r := NewInMemory(nil)
	recordN(t, r, "curve", 3)

	// Touch the first entity so it moves to the end of the activity order.
	_, err := r.Touch("curve-0", "cmd-touch")
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "curve-1", list[0].EntityID)
	assert.Equal(t, "curve-2", list[1].EntityID)
	assert.Equal(t, "curve-0", list[2].EntityID)
}

func TestClearDropsEverythingAndRestartsSeq(t *testing.T) {
	r := NewInMemory(nil)
	recordN(t, r, "curve", 5)

	require.NoError(t, r.Clear())
	assert.Equal(t, 0, r.Count())

	recorded, err := r.Record("fresh", "curve", "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), recorded.Seq)
}

func TestStats(t *testing.T) {
	r := NewInMemory(nil)
	recordN(t, r, "curve", 2)
	recordN(t, r, "surface", 1)
	_, err := r.Touch("curve-0", "cmd-touch")
	require.NoError(t, err)

	stats := r.GetStats()
	assert.Equal(t, 3, stats["entity_count"])
	assert.Equal(t, uint64(3), stats["records_total"])
	assert.Equal(t, uint64(1), stats["touches_total"])
	assert.Equal(t, false, stats["persistent"])

	byType := stats["by_type"].(map[string]int)
	assert.Equal(t, 2, byType["curve"])
	assert.Equal(t, 1, byType["surface"])
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestConcurrentRecordAndLookup(t *testing.T) {
	r := NewInMemory(nil)

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id := fmt.Sprintf("w%d-e%d", w, i)
				_, err := r.Record(id, "curve", "cmd")
				assert.NoError(t, err)
			}
		}(w)
	}

	// Readers run concurrently with the writers.
	var readers sync.WaitGroup
	for g := 0; g < 4; g++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for i := 0; i < 100; i++ {
				_, _ = r.MostRecent("")
				_ = r.Count()
				_ = r.List()
			}
		}()
	}

	wg.Wait()
	readers.Wait()

	assert.Equal(t, writers*perWriter, r.Count())

	// Every seq must be unique and the max must equal the mutation count.
	seen := make(map[uint64]bool)
	var maxSeq uint64
	for _, e := range r.List() {
		assert.False(t, seen[e.Seq], "duplicate seq %d", e.Seq)
		seen[e.Seq] = true
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	assert.Equal(t, uint64(writers*perWriter), maxSeq)
}
