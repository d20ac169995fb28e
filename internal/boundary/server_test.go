package boundary_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raro-ai/orchestration-kernel/internal/artifact"
	"github.com/raro-ai/orchestration-kernel/internal/boundary"
	"github.com/raro-ai/orchestration-kernel/internal/cortex"
	"github.com/raro-ai/orchestration-kernel/internal/runtimestate"
	"github.com/raro-ai/orchestration-kernel/internal/workflow"
)

type fakeEngine struct {
	startErr error
	runID    string
}

func (f *fakeEngine) StartRun(ctx context.Context, cfg workflow.Config) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	return f.runID, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *runtimestate.Machine, *fakeEngine) {
	t.Helper()
	store := artifact.NewMemoryStore()
	log := zap.NewNop()
	runtime := runtimestate.New(store, log)
	bus := cortex.NewBus(0)
	engine := &fakeEngine{runID: "run-123"}

	server := boundary.New(engine, runtime, bus, log)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, runtime, engine
}

func TestStartRunValidatesDependencies(t *testing.T) {
	ts, _, _ := newTestServer(t)

	cfg := workflow.Config{WorkflowID: "wf", Nodes: []workflow.AgentNodeConfig{
		{ID: "a", DependsOn: []string{"missing"}},
	}}
	body, _ := json.Marshal(cfg)

	resp, err := http.Post(ts.URL+"/runtime/start", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartRunRejectsEmptyNodeList(t *testing.T) {
	ts, _, _ := newTestServer(t)

	cfg := workflow.Config{WorkflowID: "wf"}
	body, _ := json.Marshal(cfg)

	resp, err := http.Post(ts.URL+"/runtime/start", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartRunReturnsRunID(t *testing.T) {
	ts, _, _ := newTestServer(t)

	cfg := workflow.Config{WorkflowID: "wf", Nodes: []workflow.AgentNodeConfig{{ID: "a"}}}
	body, _ := json.Marshal(cfg)

	resp, err := http.Post(ts.URL+"/runtime/start", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "run-123", out["run_id"])
}

func TestGetStateReturnsSnapshot(t *testing.T) {
	ts, runtime, _ := newTestServer(t)

	runID, err := runtime.StartWorkflow(context.Background(), workflow.Config{WorkflowID: "wf", Nodes: []workflow.AgentNodeConfig{{ID: "a"}}})
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/runtime/state?run_id=" + runID)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var state runtimestate.RuntimeState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.Equal(t, runID, state.RunID)
	assert.Equal(t, runtimestate.StatusRunning, state.Status)
}

func TestResumeRejectsNonAwaitingRun(t *testing.T) {
	ts, runtime, _ := newTestServer(t)

	runID, err := runtime.StartWorkflow(context.Background(), workflow.Config{WorkflowID: "wf", Nodes: []workflow.AgentNodeConfig{{ID: "a"}}})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/runtime/"+runID+"/resume", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStopFailsRun(t *testing.T) {
	ts, runtime, _ := newTestServer(t)

	runID, err := runtime.StartWorkflow(context.Background(), workflow.Config{WorkflowID: "wf", Nodes: []workflow.AgentNodeConfig{{ID: "a"}}})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/runtime/"+runID+"/stop", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	state, err := runtime.GetState(runID)
	require.NoError(t, err)
	assert.Equal(t, runtimestate.StatusFailed, state.Status)
}
