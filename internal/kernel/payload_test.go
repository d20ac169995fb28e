package kernel

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raro-ai/orchestration-kernel/internal/artifact"
	"github.com/raro-ai/orchestration-kernel/internal/cortex"
	"github.com/raro-ai/orchestration-kernel/internal/runtimestate"
	"github.com/raro-ai/orchestration-kernel/internal/worker"
	"github.com/raro-ai/orchestration-kernel/internal/workflow"
)

func TestPreparePayloadConcatenatesParentOutputAndThreadsSignature(t *testing.T) {
	store := artifact.NewMemoryStore()
	log := zap.NewNop()
	runtime := runtimestate.New(store, log)
	bus := cortex.NewBus(0)
	client := worker.NewClient(worker.Config{Host: "127.0.0.1", Port: 1}, log)
	metrics := NewMetrics(prometheus.NewRegistry())
	e := New(runtime, store, bus, client, metrics, log)

	cfg := workflow.Config{WorkflowID: "wf", Nodes: []workflow.AgentNodeConfig{
		{ID: "p1", Prompt: "first"},
		{ID: "p2", Prompt: "second"},
		{ID: "child", Prompt: "use the parents", DependsOn: []string{"p1", "p2"}, Tools: []string{"search"}},
	}}
	ar := newActiveRun(cfg)

	ctx := context.Background()
	runID, err := runtime.StartWorkflow(ctx, cfg)
	require.NoError(t, err)
	e.runs[runID] = ar

	p1Artifact, _ := json.Marshal(workflow.Artifact{Content: "p1 output", Files: []string{"a.txt"}})
	require.NoError(t, store.Set(ctx, artifact.AgentOutputKey(runID, "p1"), p1Artifact, 0))
	p2Artifact, _ := json.Marshal(workflow.Artifact{Content: "p2 output", Files: []string{"a.txt", "b.txt"}})
	require.NoError(t, store.Set(ctx, artifact.AgentOutputKey(runID, "p2"), p2Artifact, 0))

	require.NoError(t, runtime.SetThoughtSignature(runID, "p2", "sig-from-p2"))
	require.NoError(t, runtime.SetCacheResource(runID, "cache-123"))

	payload, node, err := e.preparePayload(ctx, runID, "child")
	require.NoError(t, err)
	assert.Equal(t, "child", node.ID)
	assert.Contains(t, payload.Prompt, "use the parents")
	assert.Contains(t, payload.Prompt, "OUTPUT FROM p1")
	assert.Contains(t, payload.Prompt, "p1 output")
	assert.Contains(t, payload.Prompt, "OUTPUT FROM p2")
	assert.Contains(t, payload.Prompt, "p2 output")
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, payload.FilePaths)
	require.NotNil(t, payload.ParentSignature)
	assert.Equal(t, "sig-from-p2", *payload.ParentSignature)
	require.NotNil(t, payload.CachedContentID)
	assert.Equal(t, "cache-123", *payload.CachedContentID)
	assert.Equal(t, []string{"search"}, payload.Tools)
}
