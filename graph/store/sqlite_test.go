package store_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raro-ai/orchestration-kernel/graph/store"
)

func TestSQLiteStoreContract(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kernel.db")
	s, err := store.NewSQLiteStore[snapshot](dbPath)
	require.NoError(t, err)

	runStoreContract(t, s)
}

func TestSQLiteStoreInMemory(t *testing.T) {
	s, err := store.NewSQLiteStore[snapshot](":memory:")
	require.NoError(t, err)
	defer s.Close()

	runStoreContract(t, s)
}
