package commbridge

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// CHAIN
// =============================================================================

func TestChainOrder(t *testing.T) {
	// The first middleware in the list is the outermost wrapper.
	var order []string
	mark := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, cmd *Command) (*HandlerResult, error) {
				order = append(order, name+"_before")
				res, err := next(ctx, cmd)
				order = append(order, name+"_after")
				return res, err
			}
		}
	}

	handler := Chain(func(ctx context.Context, cmd *Command) (*HandlerResult, error) {
		order = append(order, "handler")
		return nil, nil
	}, mark("outer"), mark("inner"))

	_, err := handler(context.Background(), NewCommand("test.op", nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"outer_before", "inner_before", "handler", "inner_after", "outer_after"}, order)
}

func TestChainEmpty(t *testing.T) {
	var calls int32
	handler := Chain(countingHandler(&calls))
	_, err := handler(context.Background(), NewCommand("test.op", nil))
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

// =============================================================================
// RECOVERY
// =============================================================================

func TestRecoveryMiddlewareConvertsPanic(t *testing.T) {
	// A panicking handler must surface as UnexpectedError, never crash.
	handler := Chain(func(ctx context.Context, cmd *Command) (*HandlerResult, error) {
		panic("owner thread exploded")
	}, RecoveryMiddleware(nil))

	res, err := handler(context.Background(), NewCommand("test.op", nil))
	assert.Nil(t, res)

	var unexpected *UnexpectedError
	require.ErrorAs(t, err, &unexpected)
	assert.Contains(t, unexpected.Message, "owner thread exploded")
	assert.NotEmpty(t, unexpected.Stack)
}

func TestRecoveryMiddlewarePassesThroughSuccess(t *testing.T) {
	handler := Chain(func(ctx context.Context, cmd *Command) (*HandlerResult, error) {
		return &HandlerResult{Data: 42}, nil
	}, RecoveryMiddleware(nil))

	res, err := handler(context.Background(), NewCommand("test.op", nil))
	require.NoError(t, err)
	assert.Equal(t, 42, res.Data)
}

func TestRecoveryMiddlewareLogsPanic(t *testing.T) {
	logger := &recordingLogger{}
	handler := Chain(func(ctx context.Context, cmd *Command) (*HandlerResult, error) {
		panic("boom")
	}, RecoveryMiddleware(logger))

	_, _ = handler(context.Background(), NewCommand("test.op", nil))
	assert.True(t, logger.has("handler_panic_recovered"))
}

// =============================================================================
// LOGGING AND SLOWNESS
// =============================================================================

func TestLoggingMiddlewareEvents(t *testing.T) {
	logger := &recordingLogger{}
	handler := Chain(countingHandler(new(int32)), LoggingMiddleware(logger))

	_, err := handler(context.Background(), NewCommand("test.op", nil))
	require.NoError(t, err)
	assert.True(t, logger.has("handler_started"))
	assert.True(t, logger.has("handler_completed"))
}

func TestLoggingMiddlewareFailureEvent(t *testing.T) {
	logger := &recordingLogger{}
	handler := Chain(failingHandler("boom"), LoggingMiddleware(logger))

	_, err := handler(context.Background(), NewCommand("test.op", nil))
	require.Error(t, err)
	assert.True(t, logger.has("handler_failed"))
}

func TestSlowHandlerMiddlewareWarns(t *testing.T) {
	logger := &recordingLogger{}
	handler := Chain(func(ctx context.Context, cmd *Command) (*HandlerResult, error) {
		time.Sleep(30 * time.Millisecond)
		return nil, nil
	}, SlowHandlerMiddleware(logger, 5*time.Millisecond))

	_, err := handler(context.Background(), NewCommand("test.op", nil))
	require.NoError(t, err)
	assert.True(t, logger.has("handler_slow"))
}

func TestSlowHandlerMiddlewareQuietWhenFast(t *testing.T) {
	logger := &recordingLogger{}
	handler := Chain(countingHandler(new(int32)), SlowHandlerMiddleware(logger, time.Second))

	_, _ = handler(context.Background(), NewCommand("test.op", nil))
	assert.False(t, logger.has("handler_slow"))
}
