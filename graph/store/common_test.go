package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raro-ai/orchestration-kernel/graph/store"
)

type snapshot struct {
	Counter int    `json:"counter"`
	Message string `json:"message"`
}

// runStoreContract exercises the Store[snapshot] contract the same way
// against every backend, so MemStore and SQLiteStore are held to
// identical behavior.
func runStoreContract(t *testing.T, s store.Store[snapshot]) {
	t.Helper()
	ctx := context.Background()

	_, _, err := s.LoadLatest(ctx, "missing-run")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SaveStep(ctx, "run-1", 1, "node-a", snapshot{Counter: 1, Message: "first"}))
	require.NoError(t, s.SaveStep(ctx, "run-1", 2, "node-b", snapshot{Counter: 2, Message: "second"}))

	state, step, err := s.LoadLatest(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, step)
	assert.Equal(t, snapshot{Counter: 2, Message: "second"}, state)

	// Re-saving the same step overwrites rather than duplicating.
	require.NoError(t, s.SaveStep(ctx, "run-1", 2, "node-b", snapshot{Counter: 3, Message: "updated"}))
	state, step, err = s.LoadLatest(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, step)
	assert.Equal(t, 3, state.Counter)

	_, _, err = s.LoadCheckpoint(ctx, "missing-checkpoint")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SaveCheckpoint(ctx, "cp-1", snapshot{Counter: 42}, 2))
	cpState, cpStep, err := s.LoadCheckpoint(ctx, "cp-1")
	require.NoError(t, err)
	assert.Equal(t, 2, cpStep)
	assert.Equal(t, 42, cpState.Counter)

	require.NoError(t, s.SaveStep(ctx, "run-2", 1, "node-a", snapshot{Counter: 7}))
	ids, err := s.ListRunIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"run-1", "run-2"}, ids)

	require.NoError(t, s.Close())
}
