package worker_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raro-ai/orchestration-kernel/internal/worker"
)

func parseHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func TestInvokeSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload worker.InvocationPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "agent-1", payload.AgentID)

		resp := worker.RemoteAgentResponse{AgentID: "agent-1", Success: true, TokensUsed: 10}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	host, port := parseHostPort(t, server.URL)
	client := worker.NewClient(worker.Config{Host: host, Port: port}, zap.NewNop())

	resp, err := client.Invoke(context.Background(), worker.InvocationPayload{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 10, resp.TokensUsed)
}

func TestInvokeRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		resp := worker.RemoteAgentResponse{AgentID: "agent-1", Success: true}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	host, port := parseHostPort(t, server.URL)
	client := worker.NewClient(worker.Config{Host: host, Port: port, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, zap.NewNop())

	resp, err := client.Invoke(context.Background(), worker.InvocationPayload{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestInvokeExhaustsRetriesOnPersistentFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	host, port := parseHostPort(t, server.URL)
	client := worker.NewClient(worker.Config{
		Host: host, Port: port, MaxAttempts: 2,
		BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond,
	}, zap.NewNop())

	_, err := client.Invoke(context.Background(), worker.InvocationPayload{AgentID: "agent-1"})
	assert.Error(t, err)
}

func TestInvokeSurfacesAgentLevelFailureWithoutRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		errMsg := "model overloaded"
		resp := worker.RemoteAgentResponse{AgentID: "agent-1", Success: false, Error: &errMsg}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	host, port := parseHostPort(t, server.URL)
	client := worker.NewClient(worker.Config{Host: host, Port: port}, zap.NewNop())

	resp, err := client.Invoke(context.Background(), worker.InvocationPayload{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
