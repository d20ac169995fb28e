package cortex_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raro-ai/orchestration-kernel/internal/artifact"
	"github.com/raro-ai/orchestration-kernel/internal/cortex"
)

func TestBridgeLiveLogsRepublishesAsIntermediateLogEvent(t *testing.T) {
	store := artifact.NewMemoryStore()
	bus := cortex.NewBus(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	require.NoError(t, cortex.BridgeLiveLogs(ctx, store, artifact.LiveLogsChannel, bus, zap.NewNop()))

	// Subscribe is asynchronous inside the bridge goroutine; give it a
	// moment to register before publishing.
	time.Sleep(10 * time.Millisecond)

	payload, err := json.Marshal(map[string]string{
		"run_id": "run-1", "agent_id": "writer", "line": "calling tool fs_write",
	})
	require.NoError(t, err)
	require.NoError(t, store.Publish(ctx, artifact.LiveLogsChannel, payload))

	select {
	case event := <-events:
		assert.Equal(t, cortex.EventIntermediateLog, event.Type)
		assert.Equal(t, "run-1", event.RunID)
		assert.Equal(t, "writer", event.AgentID)
		assert.Equal(t, "calling tool fs_write", event.Payload["line"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bridged event")
	}
}

func TestBridgeLiveLogsDropsMessageWithoutRunID(t *testing.T) {
	store := artifact.NewMemoryStore()
	bus := cortex.NewBus(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	require.NoError(t, cortex.BridgeLiveLogs(ctx, store, artifact.LiveLogsChannel, bus, zap.NewNop()))
	time.Sleep(10 * time.Millisecond)

	payload, err := json.Marshal(map[string]string{"line": "no run attribution"})
	require.NoError(t, err)
	require.NoError(t, store.Publish(ctx, artifact.LiveLogsChannel, payload))

	select {
	case event := <-events:
		t.Fatalf("expected no event, got %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}
