// Package worker implements the outbound half of the worker (LLM
// execution) HTTP contract: it sends an InvocationPayload to the
// configured AGENT_HOST/AGENT_PORT and parses the RemoteAgentResponse.
//
// Retries here cover only failed round trips (connection refused, timeout,
// 5xx, a response body that does not decode) — the Execution Engine itself never retries a failed agent turn;
// remediation is the Pattern Engine's job via a SpawnAgent action.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/raro-ai/orchestration-kernel/internal/workflow"
)

// InvocationPayload is the outbound request body sent to the worker.
type InvocationPayload struct {
	RunID            string                 `json:"run_id"`
	AgentID          string                 `json:"agent_id"`
	Model            string                 `json:"model"`
	Prompt           string                 `json:"prompt"`
	InputData        map[string]interface{} `json:"input_data"`
	ParentSignature  *string                `json:"parent_signature"`
	CachedContentID  *string                `json:"cached_content_id"`
	ThinkingLevel    *int                   `json:"thinking_level"`
	FilePaths        []string               `json:"file_paths"`
	Tools            []string               `json:"tools"`
}

// RemoteAgentResponse is the inbound response body from the worker.
type RemoteAgentResponse struct {
	AgentID          string                      `json:"agent_id"`
	Success          bool                        `json:"success"`
	Output           *AgentOutput                `json:"output"`
	Error            *string                     `json:"error"`
	TokensUsed       int                         `json:"tokens_used"`
	InputTokens      int                         `json:"input_tokens"`
	OutputTokens     int                         `json:"output_tokens"`
	ThoughtSignature *string                     `json:"thought_signature"`
	CachedContentID  *string                     `json:"cached_content_id"`
	LatencyMs        float64                     `json:"latency_ms"`
	Delegation       *workflow.DelegationRequest `json:"delegation"`
	ToolCalls        []ToolCallRecord            `json:"tool_calls"`
}

// AgentOutput carries the worker's structured output.
type AgentOutput struct {
	Content        string   `json:"content"`
	FilesGenerated []string `json:"files_generated"`
	ArtifactStored bool     `json:"artifact_stored"`
}

// ToolCallRecord is one tool invocation the worker performed while
// producing this response, surfaced so the Execution Engine can publish
// a ToolCall event for the Pattern Engine to evaluate — e.g. the
// "prevent file deletion" default pattern — before it acts on the rest
// of the response.
type ToolCallRecord struct {
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// Client sends InvocationPayloads to a worker over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	log        *zap.Logger

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// Config configures a Client.
type Config struct {
	Host        string
	Port        int
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewClient builds a Client targeting http://{Host}:{Port}.
func NewClient(cfg Config, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}

	return &Client{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		baseURL:     fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		log:         log,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
	}
}

// Invoke POSTs payload to the worker's invocation endpoint, retrying
// failed round trips (connection errors, timeouts, 5xx, undecodable
// response bodies) with
// exponential backoff and jitter. A successful HTTP round trip that
// carries success=false in the response body is not retried — that is
// an agent-level failure, not a transport failure, and is the Execution
// Engine's concern to record as a Failed invocation.
func (c *Client) Invoke(ctx context.Context, payload InvocationPayload) (*RemoteAgentResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal invocation payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(computeBackoff(attempt-1, c.baseDelay, c.maxDelay)):
			}
		}

		resp, err := c.doRequest(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		c.log.Warn("worker invocation attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	return nil, fmt.Errorf("worker unreachable after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *Client) doRequest(ctx context.Context, body []byte) (*RemoteAgentResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("worker returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var out RemoteAgentResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("worker response malformed: %w", err)
	}
	return &out, nil
}

// computeBackoff returns exponential backoff with jitter: min(base *
// 2^attempt, maxDelay) + jitter(0, base).
func computeBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	exponential := base * time.Duration(1<<uint(attempt))
	if exponential > maxDelay {
		exponential = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(base) + 1)) // #nosec G404 -- jitter for retry timing, not security
	return exponential + jitter
}
