// Package artifact implements the Artifact Store: a durable key-value
// surface with per-key TTL and a pub/sub channel for intermediate log
// events, backed by Redis with an in-memory fallback when REDIS_URL is
// absent or unreachable.
package artifact

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when key has no value (or it has expired).
var ErrNotFound = errors.New("artifact: key not found")

// Message is a single payload delivered to a channel subscriber.
type Message struct {
	Channel string
	Payload []byte
}

// Store is the Artifact Store contract shared by the Redis-backed and
// in-memory implementations: a durable mapping from string keys to
// JSON-serializable values with per-key TTL, plus a pub/sub channel.
type Store interface {
	// Set atomically overwrites key with value, expiring after ttl.
	// ttl <= 0 means no expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get retrieves the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Publish fans a message out to current subscribers of channel.
	// There is no delivery guarantee to subscribers that are not
	// currently listening.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a channel of messages published to channel for
	// the lifetime of ctx. The returned channel is closed when ctx is
	// canceled or the subscription is torn down.
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)

	// Close releases any underlying connections.
	Close() error
}

// Well-known keys and channels, per the persisted-state contract.
const (
	LiveLogsChannel = "raro:live_logs"
	ActiveRunsSet   = "sys:active_runs"
)

// RunStateKey returns the key under which a run's RuntimeState JSON lives.
func RunStateKey(runID string) string {
	return "run:" + runID + ":state"
}

// AgentOutputKey returns the key under which an agent's Artifact JSON lives.
func AgentOutputKey(runID, agentID string) string {
	return "run:" + runID + ":agent:" + agentID + ":output"
}

// Standard retention windows named in the persisted-state contract.
const (
	RunStateTerminalTTL = 24 * time.Hour
	AgentOutputTTL      = 1 * time.Hour
)
