package kernel_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raro-ai/orchestration-kernel/graph/emit"
	"github.com/raro-ai/orchestration-kernel/internal/artifact"
	"github.com/raro-ai/orchestration-kernel/internal/cortex"
	"github.com/raro-ai/orchestration-kernel/internal/kernel"
	"github.com/raro-ai/orchestration-kernel/internal/runtimestate"
	"github.com/raro-ai/orchestration-kernel/internal/worker"
	"github.com/raro-ai/orchestration-kernel/internal/workflow"
)

func newTestEngine(t *testing.T, handler http.HandlerFunc) (*kernel.Engine, *runtimestate.Machine) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	store := artifact.NewMemoryStore()
	log := zap.NewNop()
	runtime := runtimestate.New(store, log)
	bus := cortex.NewBus(0)
	client := worker.NewClient(worker.Config{Host: u.Hostname(), Port: port}, log)
	metrics := kernel.NewMetrics(prometheus.NewRegistry())

	return kernel.New(runtime, store, bus, client, metrics, log), runtime
}

func waitForStatus(t *testing.T, runtime *runtimestate.Machine, runID string, want runtimestate.Status, timeout time.Duration) runtimestate.RuntimeState {
	t.Helper()
	deadline := time.After(timeout)
	for {
		state, err := runtime.GetState(runID)
		require.NoError(t, err)
		if state.Status == want {
			return state
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for status %s, last state: %+v", want, state)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEngineRunsSingleNodeToCompletion(t *testing.T) {
	engine, runtime := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		var payload worker.InvocationPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		resp := worker.RemoteAgentResponse{
			AgentID: payload.AgentID, Success: true,
			Output: &worker.AgentOutput{Content: "done"},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	cfg := workflow.Config{WorkflowID: "wf-1", Nodes: []workflow.AgentNodeConfig{
		{ID: "a", Model: "gpt-4o-mini", Prompt: "do the thing"},
	}}

	runID, err := engine.StartRun(context.Background(), cfg)
	require.NoError(t, err)

	state := waitForStatus(t, runtime, runID, runtimestate.StatusCompleted, 2*time.Second)
	assert.True(t, state.CompletedAgents["a"])
}

func TestEngineRunsChainRespectingDependencies(t *testing.T) {
	var seenB bool
	engine, runtime := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		var payload worker.InvocationPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		if payload.AgentID == "b" {
			seenB = true
			assert.Contains(t, payload.Prompt, "OUTPUT FROM a")
		}
		resp := worker.RemoteAgentResponse{
			AgentID: payload.AgentID, Success: true,
			Output: &worker.AgentOutput{Content: "output-of-" + payload.AgentID},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	cfg := workflow.Config{WorkflowID: "wf-2", Nodes: []workflow.AgentNodeConfig{
		{ID: "a", Model: "gpt-4o-mini", Prompt: "first"},
		{ID: "b", Model: "gpt-4o-mini", Prompt: "second", DependsOn: []string{"a"}},
	}}

	runID, err := engine.StartRun(context.Background(), cfg)
	require.NoError(t, err)

	state := waitForStatus(t, runtime, runID, runtimestate.StatusCompleted, 2*time.Second)
	assert.True(t, state.CompletedAgents["a"])
	assert.True(t, state.CompletedAgents["b"])
	assert.True(t, seenB)
}

func TestEngineFailsRunOnAgentFailure(t *testing.T) {
	engine, runtime := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		errMsg := "model overloaded"
		resp := worker.RemoteAgentResponse{AgentID: "a", Success: false, Error: &errMsg}
		_ = json.NewEncoder(w).Encode(resp)
	})

	cfg := workflow.Config{WorkflowID: "wf-3", Nodes: []workflow.AgentNodeConfig{
		{ID: "a", Model: "gpt-4o-mini", Prompt: "fails"},
	}}

	runID, err := engine.StartRun(context.Background(), cfg)
	require.NoError(t, err)

	state := waitForStatus(t, runtime, runID, runtimestate.StatusFailed, 2*time.Second)
	assert.True(t, state.FailedAgents["a"])
}

func TestEngineEmitsLifecycleEventsToConfiguredEmitter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload worker.InvocationPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		resp := worker.RemoteAgentResponse{AgentID: payload.AgentID, Success: true, Output: &worker.AgentOutput{Content: "done"}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	store := artifact.NewMemoryStore()
	log := zap.NewNop()
	runtime := runtimestate.New(store, log)
	bus := cortex.NewBus(0)
	client := worker.NewClient(worker.Config{Host: u.Hostname(), Port: port}, log)
	metrics := kernel.NewMetrics(prometheus.NewRegistry())
	buffered := emit.NewBufferedEmitter()
	engine := kernel.New(runtime, store, bus, client, metrics, log, kernel.WithEmitter(buffered))

	cfg := workflow.Config{WorkflowID: "wf-emit", Nodes: []workflow.AgentNodeConfig{
		{ID: "a", Model: "gpt-4o-mini", Prompt: "do the thing"},
	}}
	runID, err := engine.StartRun(context.Background(), cfg)
	require.NoError(t, err)
	waitForStatus(t, runtime, runID, runtimestate.StatusCompleted, 2*time.Second)

	history := buffered.GetHistory(runID)
	require.NotEmpty(t, history)
	var sawCompleted bool
	for _, ev := range history {
		if ev.Msg == string(cortex.EventAgentCompleted) {
			sawCompleted = true
		}
	}
	assert.True(t, sawCompleted)
}

func TestEngineRequestsApprovalInsteadOfFailingOnDefaultPattern(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errMsg := "model overloaded"
		resp := worker.RemoteAgentResponse{AgentID: "a", Success: false, Error: &errMsg}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	store := artifact.NewMemoryStore()
	log := zap.NewNop()
	runtime := runtimestate.New(store, log)
	bus := cortex.NewBus(0)
	client := worker.NewClient(worker.Config{Host: u.Hostname(), Port: port}, log)
	metrics := kernel.NewMetrics(prometheus.NewRegistry())
	engine := kernel.New(runtime, store, bus, client, metrics, log)

	patternEngine := cortex.New(bus, runtime, engine, log)
	engine.SetPatternEvaluator(patternEngine)

	cfg := workflow.Config{WorkflowID: "wf-approval", Nodes: []workflow.AgentNodeConfig{
		{ID: "a", Model: "gpt-4o-mini", Prompt: "fails"},
	}}

	runID, err := engine.StartRun(context.Background(), cfg)
	require.NoError(t, err)

	// The default "request approval on agent failure" pattern must pause
	// the run rather than let it fall through to Failed.
	state := waitForStatus(t, runtime, runID, runtimestate.StatusAwaitingApproval, 2*time.Second)
	assert.True(t, state.FailedAgents["a"])
}

func TestEngineInterruptsRunOnFileDeletionToolCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := worker.RemoteAgentResponse{
			AgentID: "a", Success: true,
			Output:    &worker.AgentOutput{Content: "deleted it"},
			ToolCalls: []worker.ToolCallRecord{{Name: "fs_delete", Input: map[string]interface{}{"path": "/tmp/x"}}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	store := artifact.NewMemoryStore()
	log := zap.NewNop()
	runtime := runtimestate.New(store, log)
	bus := cortex.NewBus(0)
	client := worker.NewClient(worker.Config{Host: u.Hostname(), Port: port}, log)
	metrics := kernel.NewMetrics(prometheus.NewRegistry())
	engine := kernel.New(runtime, store, bus, client, metrics, log)

	patternEngine := cortex.New(bus, runtime, engine, log)
	engine.SetPatternEvaluator(patternEngine)

	cfg := workflow.Config{WorkflowID: "wf-interrupt", Nodes: []workflow.AgentNodeConfig{
		{ID: "a", Model: "gpt-4o-mini", Prompt: "delete a file", Tools: []string{"fs_delete"}},
	}}

	runID, err := engine.StartRun(context.Background(), cfg)
	require.NoError(t, err)

	// The default "prevent file deletion" pattern must interrupt the run
	// before the (otherwise successful) response is ever recorded as a
	// completed invocation.
	state := waitForStatus(t, runtime, runID, runtimestate.StatusFailed, 2*time.Second)
	assert.False(t, state.CompletedAgents["a"])
}

func TestEngineAppliesDelegationSplice(t *testing.T) {
	engine, runtime := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		var payload worker.InvocationPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))

		resp := worker.RemoteAgentResponse{AgentID: payload.AgentID, Success: true, Output: &worker.AgentOutput{Content: "ok"}}
		if payload.AgentID == "a" {
			resp.Delegation = &workflow.DelegationRequest{
				Strategy: workflow.StrategyChild,
				NewNodes: []workflow.AgentNodeConfig{{ID: "spawned", Model: "gpt-4o-mini", Prompt: "handle the delegated work"}},
			}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	cfg := workflow.Config{WorkflowID: "wf-4", Nodes: []workflow.AgentNodeConfig{
		{ID: "a", Model: "gpt-4o-mini", Prompt: "delegates"},
	}}

	runID, err := engine.StartRun(context.Background(), cfg)
	require.NoError(t, err)

	state := waitForStatus(t, runtime, runID, runtimestate.StatusCompleted, 2*time.Second)
	assert.True(t, state.CompletedAgents["a"])
	assert.True(t, state.CompletedAgents["spawned"])
}
