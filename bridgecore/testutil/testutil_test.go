package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-systems/modelbridge/commbridge"
)

// =============================================================================
// TEST BRIDGE TESTS
// =============================================================================

func TestBridgeRoundTrip(t *testing.T) {
	b := NewTestBridge(t)
	b.Register(t, "model.echo", EchoHandler())

	res := b.RunCommand(t, "model.echo", map[string]any{"radius": 2.5})

	require.NoError(t, AssertSuccess(res))
	assert.Equal(t, 2.5, res.Data.(map[string]any)["radius"])
	assert.GreaterOrEqual(t, res.DurationMS, int64(0))
}

func TestBridgeRecordsCreatedEntities(t *testing.T) {
	b := NewTestBridge(t)
	b.Register(t, "model.create_curve", CreatingHandler("curve"))

	res := b.RunCommand(t, "model.create_curve", map[string]any{"entity_id": "crv-9"})
	require.NoError(t, AssertSuccess(res))

	// The created entity is in the registry and resolvable by a vague hint.
	entity, err := b.Session.GetEntity("crv-9")
	require.NoError(t, err)
	assert.Equal(t, "curve", entity.EntityType)

	resolved, err := b.Session.ResolveReference("the curve you just drew", "")
	require.NoError(t, err)
	assert.Equal(t, "crv-9", resolved.EntityID)
}

func TestBridgeFailedCommand(t *testing.T) {
	b := NewTestBridge(t)
	b.Register(t, "model.reject", FailingHandler(commbridge.NewArgumentError("bad input", nil)))

	res := b.RunCommand(t, "model.reject", nil)
	require.NoError(t, AssertFailedWithKind(res, commbridge.KindArgumentError))
}

func TestBridgeSlowHandlerCompletes(t *testing.T) {
	b := NewTestBridge(t)
	b.Register(t, "model.slow", SlowHandler(20*time.Millisecond))

	res := b.RunCommand(t, "model.slow", nil)
	require.NoError(t, AssertSuccess(res))
}

// =============================================================================
// STUB HOST TESTS
// =============================================================================

func TestStubHostCannedBehavior(t *testing.T) {
	b := NewTestBridge(t)

	host := NewStubHost().
		WithResult("model.extrude", &commbridge.HandlerResult{
			Data:    map[string]any{"height": 10},
			Created: []commbridge.EntityRef{{EntityID: "solid-1", EntityType: "solid"}},
		}).
		WithError("model.boom", commbridge.NewOperationError("kernel refused", nil))
	require.NoError(t, host.RegisterAll(b.Table))

	res := b.RunCommand(t, "model.extrude", map[string]any{"height": 10})
	require.NoError(t, AssertSuccess(res))
	require.Len(t, res.Created, 1)
	assert.Equal(t, "solid-1", res.Created[0].EntityID)

	res = b.RunCommand(t, "model.boom", nil)
	require.NoError(t, AssertFailedWithKind(res, commbridge.KindOperationError))

	// Every dispatch is recorded.
	assert.Equal(t, 2, host.CallCount())
	require.Len(t, host.CallsFor("model.extrude"), 1)
	assert.Equal(t, 10, host.CallsFor("model.extrude")[0].Parameters["height"])

	host.Reset()
	assert.Zero(t, host.CallCount())
}

func TestStubHostDefaultsToEcho(t *testing.T) {
	b := NewTestBridge(t)

	host := NewStubHost()
	b.Register(t, "model.anything", host.Handler())

	res := b.RunCommand(t, "model.anything", map[string]any{"k": "v"})
	require.NoError(t, AssertSuccess(res))
	assert.Equal(t, "v", res.Data.(map[string]any)["k"])
}

// =============================================================================
// LOGGER TESTS
// =============================================================================

func TestRecordingLogger(t *testing.T) {
	logger := NewRecordingLogger()

	logger.Info("session_initialized", "await_timeout", "8s")
	logger.Warn("entity_rerecorded", "entity_id", "crv-1")

	assert.True(t, logger.HasLog("info", "session_initialized"))
	assert.True(t, logger.HasLog("warn", "entity_rerecorded"))
	assert.False(t, logger.HasLog("error", "session_initialized"))
	assert.True(t, logger.HasMessage("entity_rerecorded"))

	logs := logger.GetLogs()
	require.Len(t, logs, 2)
	assert.Equal(t, "8s", logs[0].Fields["await_timeout"])
	assert.Equal(t, "crv-1", logs[1].Fields["entity_id"])

	logger.Clear()
	assert.Empty(t, logger.GetLogs())
}

// =============================================================================
// ASSERTION HELPER TESTS
// =============================================================================

func TestAssertionHelpers(t *testing.T) {
	success := commbridge.NewSuccessResult("cmd-1", &commbridge.HandlerResult{})
	failed := commbridge.NewFailedResult("cmd-2", &commbridge.ErrorInfo{
		Kind:    commbridge.KindArgumentError,
		Message: "bad input",
	})

	assert.NoError(t, AssertSuccess(success))
	assert.Error(t, AssertSuccess(failed))
	assert.Error(t, AssertSuccess(nil))

	assert.NoError(t, AssertFailedWithKind(failed, commbridge.KindArgumentError))
	assert.Error(t, AssertFailedWithKind(failed, commbridge.KindOperationError))
	assert.Error(t, AssertFailedWithKind(success, commbridge.KindArgumentError))
}
