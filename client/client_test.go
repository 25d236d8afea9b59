package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-systems/modelbridge/bridgecore/executor"
	"github.com/atelier-systems/modelbridge/bridgecore/httpapi"
	"github.com/atelier-systems/modelbridge/bridgecore/registry"
	"github.com/atelier-systems/modelbridge/bridgecore/resolver"
	"github.com/atelier-systems/modelbridge/bridgecore/session"
	"github.com/atelier-systems/modelbridge/bridgecore/testutil"
	"github.com/atelier-systems/modelbridge/commbridge"
)

// =============================================================================
// HARNESS
// =============================================================================

// newBridgeClient serves a live session with no executor behind it, so
// tests control the host side explicitly.
func newBridgeClient(t *testing.T) (*Client, *session.Session) {
	t.Helper()

	logger := testutil.NewRecordingLogger()
	reg := registry.NewInMemory(logger)
	sess := session.New(logger, &session.Config{
		AwaitTimeout:    500 * time.Millisecond,
		ResultRetention: time.Minute,
		FeedBuffer:      commbridge.DefaultFeedBuffer,
	}, reg)
	t.Cleanup(sess.Close)

	monitor := executor.NewHostMonitor(executor.DefaultHealthPolicy(), sess.Feed(), logger)
	handler := httpapi.NewHandler(httpapi.HandlerConfig{
		Session: sess,
		Monitor: monitor,
		Logger:  logger,
	})

	ts := httptest.NewServer(handler.Routes())
	t.Cleanup(ts.Close)

	c := New(&Config{BaseURL: ts.URL, Timeout: 5 * time.Second, Logger: logger})
	return c, sess
}

// newLoopbackClient serves a full bridge with the in-process executor
// running, for end-to-end paths.
func newLoopbackClient(t *testing.T) (*Client, *testutil.TestBridge) {
	t.Helper()

	bridge := testutil.NewTestBridge(t)
	handler := httpapi.NewHandler(httpapi.HandlerConfig{
		Session: bridge.Session,
		Monitor: bridge.Monitor,
		Logger:  bridge.Logger,
	})

	ts := httptest.NewServer(handler.Routes())
	t.Cleanup(ts.Close)

	c := New(&Config{BaseURL: ts.URL, Timeout: 5 * time.Second})
	return c, bridge
}

func completeCommand(t *testing.T, sess *session.Session, id string, data map[string]any) {
	t.Helper()

	batch, err := sess.Drain(16)
	require.NoError(t, err)

	found := false
	for _, cmd := range batch {
		if cmd.ID == id {
			found = true
		}
	}
	require.True(t, found, "command %s was not pending", id)

	require.NoError(t, sess.PublishResult(&commbridge.Result{
		CommandID: id,
		Success:   true,
		Data:      data,
	}))
}

// =============================================================================
// PRODUCER SIDE
// =============================================================================

func TestSubmitAndAwaitRoundTrip(t *testing.T) {
	c, bridge := newLoopbackClient(t)
	bridge.Register(t, "model.echo", testutil.EchoHandler())

	res, err := c.SubmitAndAwait(context.Background(), "model.echo",
		map[string]any{"shape": "torus", "radius": 2.5}, 2*time.Second)

	require.NoError(t, err)
	assert.True(t, res.Success)
	data := res.Data.(map[string]any)
	assert.Equal(t, "torus", data["shape"])
	assert.Equal(t, 2.5, data["radius"])
}

func TestAwaitTimeoutIsTypedAndNonTerminal(t *testing.T) {
	c, sess := newBridgeClient(t)

	id, err := c.Submit(context.Background(), "model.extrude", map[string]any{"height": 10})
	require.NoError(t, err)

	_, err = c.Await(context.Background(), id, 50*time.Millisecond)
	var timedOut *commbridge.AwaitTimeoutError
	require.ErrorAs(t, err, &timedOut)
	assert.Equal(t, id, timedOut.CommandID)

	// The host answers later; the same id then yields the real result.
	completeCommand(t, sess, id, map[string]any{"solid_id": "sld-1"})

	res, err := c.Await(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "sld-1", res.Data.(map[string]any)["solid_id"])
}

func TestAwaitUnknownCommand(t *testing.T) {
	c, _ := newBridgeClient(t)

	_, err := c.Await(context.Background(), "ghost", 50*time.Millisecond)

	var unknown *commbridge.UnknownCommandError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "ghost", unknown.CommandID)
}

func TestGetResultNonBlocking(t *testing.T) {
	c, sess := newBridgeClient(t)

	id, err := c.Submit(context.Background(), "model.extrude", nil)
	require.NoError(t, err)

	_, ok, err := c.GetResult(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok)

	completeCommand(t, sess, id, map[string]any{"n": 1.0})

	res, ok, err := c.GetResult(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, res.Success)
}

func TestCommandStatus(t *testing.T) {
	c, _ := newBridgeClient(t)

	id, err := c.Submit(context.Background(), "model.extrude", nil)
	require.NoError(t, err)

	state, err := c.CommandStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, commbridge.StatePending, state)

	_, err = c.CommandStatus(context.Background(), "ghost")
	var unknown *commbridge.UnknownCommandError
	require.ErrorAs(t, err, &unknown)
}

func TestResolveReferenceTypedErrors(t *testing.T) {
	c, sess := newBridgeClient(t)

	// Empty registry: nothing to resolve.
	_, err := c.ResolveReference(context.Background(), "the curve you just drew", "")
	var notFound *registry.NotFoundError
	require.ErrorAs(t, err, &notFound)

	_, err = sess.Registry().Record("crv-1", "curve", "cmd-1")
	require.NoError(t, err)
	_, err = sess.Registry().Record("srf-1", "surface", "cmd-2")
	require.NoError(t, err)

	entity, err := c.ResolveReference(context.Background(), "the curve you just drew", "")
	require.NoError(t, err)
	assert.Equal(t, "crv-1", entity.EntityID)

	// Two type words in one hint: ambiguous, candidates recovered.
	_, err = c.ResolveReference(context.Background(), "put the curve on the surface", "")
	var ambiguous *resolver.AmbiguousError
	require.ErrorAs(t, err, &ambiguous)
	assert.ElementsMatch(t, []string{"curve", "surface"}, ambiguous.Candidates)
}

func TestLookupAndListEntities(t *testing.T) {
	c, sess := newBridgeClient(t)
	_, err := sess.Registry().Record("crv-1", "curve", "cmd-1")
	require.NoError(t, err)
	_, err = sess.Registry().Record("srf-1", "surface", "cmd-2")
	require.NoError(t, err)

	entity, err := c.Lookup(context.Background(), "crv-1")
	require.NoError(t, err)
	assert.Equal(t, "curve", entity.EntityType)

	_, err = c.Lookup(context.Background(), "ghost")
	var notFound *registry.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "ghost", notFound.EntityID)

	entities, err := c.ListEntities(context.Background())
	require.NoError(t, err)
	assert.Len(t, entities, 2)
}

func TestResetSession(t *testing.T) {
	c, sess := newBridgeClient(t)

	id, err := c.Submit(context.Background(), "model.extrude", nil)
	require.NoError(t, err)
	_, err = sess.Registry().Record("crv-1", "curve", id)
	require.NoError(t, err)

	require.NoError(t, c.ResetSession(context.Background()))

	_, err = c.CommandStatus(context.Background(), id)
	var unknown *commbridge.UnknownCommandError
	require.ErrorAs(t, err, &unknown)

	entities, err := c.ListEntities(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entities)
}

// =============================================================================
// HOST SIDE
// =============================================================================

func TestHostPollAndPostResult(t *testing.T) {
	c, _ := newBridgeClient(t)
	ctx := context.Background()

	first, err := c.Submit(ctx, "model.create_curve", map[string]any{"degree": 3})
	require.NoError(t, err)
	second, err := c.Submit(ctx, "model.extrude", nil)
	require.NoError(t, err)

	// FIFO: the poll hands commands back in submission order.
	batch, err := c.PollCommands(ctx, 8)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, first, batch[0].ID)
	assert.Equal(t, second, batch[1].ID)

	require.NoError(t, c.PostResult(ctx, &commbridge.Result{
		CommandID: first,
		Success:   true,
		Data:      map[string]any{"curve_id": "crv-1"},
	}))

	res, err := c.Await(ctx, first, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "crv-1", res.Data.(map[string]any)["curve_id"])
}

func TestPostResultUnknownCommand(t *testing.T) {
	c, _ := newBridgeClient(t)

	err := c.PostResult(context.Background(), &commbridge.Result{
		CommandID: "ghost",
		Success:   true,
	})

	var unknown *commbridge.UnknownCommandError
	require.ErrorAs(t, err, &unknown)
}

func TestDuplicateResultHaltsBridge(t *testing.T) {
	c, _ := newBridgeClient(t)
	ctx := context.Background()

	first, err := c.Submit(ctx, "model.extrude", nil)
	require.NoError(t, err)
	second, err := c.Submit(ctx, "model.tick", nil)
	require.NoError(t, err)

	_, err = c.PollCommands(ctx, 8)
	require.NoError(t, err)

	res := &commbridge.Result{CommandID: first, Success: true}
	require.NoError(t, c.PostResult(ctx, res))

	// The violation itself comes back typed.
	err = c.PostResult(ctx, res)
	var dup *commbridge.DuplicateResultError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first, dup.CommandID)

	// Everything else now hits the halted bridge.
	err = c.PostResult(ctx, &commbridge.Result{CommandID: second, Success: true})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.Halted())

	_, err = c.Submit(ctx, "model.tick", nil)
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.Halted())
}

// =============================================================================
// OPERATIONAL
// =============================================================================

func TestHealthAndStats(t *testing.T) {
	c, _ := newBridgeClient(t)

	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.False(t, health.Halted)
	assert.Contains(t, health.Host, "status")

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Contains(t, stats, "queue")
	assert.Contains(t, stats, "host")
}

func TestUnreachableBridgeIsTransportError(t *testing.T) {
	c := New(&Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})

	_, err := c.Submit(context.Background(), "model.tick", nil)

	require.Error(t, err)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr), "transport failures are not api errors")
}
