package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-systems/modelbridge/bridgecore/typeutil"
	"github.com/atelier-systems/modelbridge/commbridge"
)

// registerDevHandlers installs the loopback development command set. The
// handlers stand in for a real modeling host so the whole submit, drain,
// execute, publish path can be smoke tested in one process.
func registerDevHandlers(table *commbridge.DispatchTable, logger commbridge.Logger) error {
	wrap := func(h commbridge.Handler) commbridge.Handler {
		return commbridge.Chain(h,
			commbridge.RecoveryMiddleware(logger),
			commbridge.LoggingMiddleware(logger),
			commbridge.SlowHandlerMiddleware(logger, time.Second),
		)
	}

	handlers := map[string]commbridge.Handler{
		"bridge.echo":         echoHandler,
		"bridge.sleep":        sleepHandler,
		"bridge.make_entity":  makeEntityHandler,
		"bridge.touch_entity": touchEntityHandler,
		"bridge.fail":         failHandler,
	}
	for commandType, handler := range handlers {
		if err := table.Register(commandType, wrap(handler)); err != nil {
			return fmt.Errorf("register %s: %w", commandType, err)
		}
	}
	return nil
}

func echoHandler(ctx context.Context, cmd *commbridge.Command) (*commbridge.HandlerResult, error) {
	return &commbridge.HandlerResult{Data: cmd.Parameters}, nil
}

// sleepHandler holds the owner thread on purpose. Paired with a short
// marshal timeout it demonstrates the abandonment path.
func sleepHandler(ctx context.Context, cmd *commbridge.Command) (*commbridge.HandlerResult, error) {
	ms := typeutil.SafeIntDefault(cmd.Parameters["duration_ms"], 100)
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &commbridge.HandlerResult{Data: map[string]any{"slept_ms": ms}}, nil
}

func makeEntityHandler(ctx context.Context, cmd *commbridge.Command) (*commbridge.HandlerResult, error) {
	entityType := typeutil.SafeStringDefault(cmd.Parameters["entity_type"], "shape")
	entityID, ok := typeutil.SafeString(cmd.Parameters["entity_id"])
	if !ok || entityID == "" {
		entityID = fmt.Sprintf("%s-%s", entityType, uuid.NewString()[:8])
	}
	return &commbridge.HandlerResult{
		Data:    map[string]any{"entity_id": entityID, "entity_type": entityType},
		Created: []commbridge.EntityRef{{EntityID: entityID, EntityType: entityType}},
	}, nil
}

func touchEntityHandler(ctx context.Context, cmd *commbridge.Command) (*commbridge.HandlerResult, error) {
	entityID, ok := typeutil.SafeString(cmd.Parameters["entity_id"])
	if !ok || entityID == "" {
		return nil, commbridge.NewArgumentError("entity_id is required", nil)
	}
	return &commbridge.HandlerResult{
		Data:     map[string]any{"entity_id": entityID},
		Modified: []string{entityID},
	}, nil
}

// failHandler produces each failure class on demand.
func failHandler(ctx context.Context, cmd *commbridge.Command) (*commbridge.HandlerResult, error) {
	message := typeutil.SafeStringDefault(cmd.Parameters["message"], "requested failure")
	switch typeutil.SafeStringDefault(cmd.Parameters["kind"], "operation") {
	case "argument":
		return nil, commbridge.NewArgumentError(message, nil)
	case "panic":
		panic(message)
	default:
		return nil, commbridge.NewOperationError(message, nil)
	}
}
