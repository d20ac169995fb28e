package cortex

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raro-ai/orchestration-kernel/internal/artifact"
)

// liveLogEntry is the JSON shape a worker publishes on the live-logs
// channel: enough to attribute the line to a run/agent and carry it
// through to the IntermediateLog event payload.
type liveLogEntry struct {
	RunID   string `json:"run_id"`
	AgentID string `json:"agent_id"`
	Line    string `json:"line"`
}

// BridgeLiveLogs subscribes to channel on store and republishes every
// message as an EventIntermediateLog on bus, until ctx is canceled.
// This is the worker bridge named in the persisted-state contract:
// workers never touch the Event Bus directly, they only publish JSON
// lines to the Artifact Store's pub/sub channel, and this bridge is
// what turns those into RuntimeEvents the Pattern Engine and the
// WebSocket log_event stream can see.
func BridgeLiveLogs(ctx context.Context, store artifact.Store, channel string, bus *Bus, log *zap.Logger) error {
	messages, err := store.Subscribe(ctx, channel)
	if err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				bridgeOne(msg, bus, log)
			}
		}
	}()
	return nil
}

func bridgeOne(msg artifact.Message, bus *Bus, log *zap.Logger) {
	var entry liveLogEntry
	if err := json.Unmarshal(msg.Payload, &entry); err != nil {
		log.Warn("live log message malformed, dropping", zap.Error(err))
		return
	}
	if entry.RunID == "" {
		return
	}

	bus.Publish(Event{
		ID:        uuid.NewString(),
		RunID:     entry.RunID,
		AgentID:   entry.AgentID,
		Type:      EventIntermediateLog,
		Timestamp: time.Now(),
		Payload:   map[string]interface{}{"line": entry.Line},
	})
}
