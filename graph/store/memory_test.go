package store_test

import (
	"testing"

	"github.com/raro-ai/orchestration-kernel/graph/store"
)

func TestMemStoreContract(t *testing.T) {
	runStoreContract(t, store.NewMemStore[snapshot]())
}
