// Package agentserver implements the inbound half of the worker (LLM
// execution) HTTP contract: it receives an InvocationPayload, runs the
// tool-call loop against a provider-selected ChatModel, and returns a
// RemoteAgentResponse.
package agentserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raro-ai/orchestration-kernel/graph/model"
	"github.com/raro-ai/orchestration-kernel/graph/model/anthropic"
	"github.com/raro-ai/orchestration-kernel/graph/model/google"
	"github.com/raro-ai/orchestration-kernel/graph/model/openai"
	"github.com/raro-ai/orchestration-kernel/graph/tool"
	"github.com/raro-ai/orchestration-kernel/internal/artifact"
	"github.com/raro-ai/orchestration-kernel/internal/worker"
)

// maxToolTurns bounds the tool-call loop so a model that never settles
// on a text answer cannot spin the worker forever.
const maxToolTurns = 6

// Keys holds the provider API keys the reference worker was started with.
type Keys struct {
	OpenAI    string
	Anthropic string
	Google    string
}

// ModelFactory resolves a model name to a ChatModel adapter. Tests
// substitute a fake factory via WithModelFactory to avoid depending on
// real provider credentials.
type ModelFactory func(modelName string) (model.ChatModel, error)

// LogPublisher is the narrow slice of the Artifact Store the worker
// needs to surface progress lines to the kernel's live-logs bridge: a
// single Publish call, so the worker never depends on the rest of the
// Artifact Store's key-value surface.
type LogPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Server is the reference worker: it turns InvocationPayloads into
// ChatModel calls, executing any requested tools locally before
// returning the aggregated response.
type Server struct {
	tools   map[string]tool.Tool
	log     *zap.Logger
	factory ModelFactory
	logs    LogPublisher
}

// Option configures a Server.
type Option func(*Server)

// WithModelFactory overrides the default provider-prefix model selection.
func WithModelFactory(f ModelFactory) Option {
	return func(s *Server) { s.factory = f }
}

// WithLogPublisher wires a channel for the worker to emit intermediate
// progress lines to, republished by the kernel as IntermediateLog
// events. Without it the worker runs as before, silently.
func WithLogPublisher(p LogPublisher) Option {
	return func(s *Server) { s.logs = p }
}

// New builds a Server with the given provider keys and tool set.
func New(keys Keys, tools []tool.Tool, log *zap.Logger, opts ...Option) *Server {
	byName := make(map[string]tool.Tool, len(tools))
	for _, t := range tools {
		byName[t.Name()] = t
	}
	s := &Server{tools: byName, log: log, factory: defaultModelFactory(keys)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the http.Handler exposing POST /invoke.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/invoke", s.handleInvoke)
	return mux
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var payload worker.InvocationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	start := time.Now()
	resp := s.invoke(r.Context(), payload)
	resp.LatencyMs = float64(time.Since(start).Milliseconds())

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) invoke(ctx context.Context, payload worker.InvocationPayload) worker.RemoteAgentResponse {
	chatModel, err := s.factory(payload.Model)
	if err != nil {
		errMsg := err.Error()
		return worker.RemoteAgentResponse{AgentID: payload.AgentID, Success: false, Error: &errMsg}
	}

	messages := []model.Message{{Role: model.RoleUser, Content: payload.Prompt}}
	specs := s.toolSpecs(payload.Tools)

	var filesGenerated []string
	var toolCalls []worker.ToolCallRecord
	inputTokens, outputTokens := 0, 0

	for turn := 0; turn < maxToolTurns; turn++ {
		s.publishLog(ctx, payload, "turn "+strconv.Itoa(turn+1)+": calling model")
		out, err := chatModel.Chat(ctx, messages, specs)
		if err != nil {
			errMsg := err.Error()
			return worker.RemoteAgentResponse{AgentID: payload.AgentID, Success: false, Error: &errMsg, ToolCalls: toolCalls}
		}
		inputTokens += estimateTokens(messages)
		outputTokens += estimateTokens([]model.Message{{Content: out.Text}})

		if len(out.ToolCalls) == 0 {
			s.publishLog(ctx, payload, "settled on a response")
			return worker.RemoteAgentResponse{
				AgentID: payload.AgentID, Success: true,
				Output:       &worker.AgentOutput{Content: out.Text, FilesGenerated: filesGenerated, ArtifactStored: true},
				TokensUsed:   inputTokens + outputTokens,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
				ToolCalls:    toolCalls,
			}
		}

		messages = append(messages, model.Message{Role: model.RoleAssistant, Content: out.Text})
		for _, call := range out.ToolCalls {
			s.publishLog(ctx, payload, "calling tool "+call.Name)
			toolCalls = append(toolCalls, worker.ToolCallRecord{Name: call.Name, Input: call.Input})
			result, err := s.runTool(ctx, call)
			if err != nil {
				messages = append(messages, model.Message{Role: model.RoleUser, Content: call.Name + " failed: " + err.Error()})
				continue
			}
			if path, ok := result["path"].(string); ok && call.Name == "fs_write" {
				filesGenerated = append(filesGenerated, path)
			}
			resultJSON, _ := json.Marshal(result)
			messages = append(messages, model.Message{Role: model.RoleUser, Content: call.Name + " result: " + string(resultJSON)})
		}
	}

	errMsg := "tool-call loop exceeded maximum turns without settling on a response"
	return worker.RemoteAgentResponse{AgentID: payload.AgentID, Success: false, Error: &errMsg, ToolCalls: toolCalls}
}

func (s *Server) runTool(ctx context.Context, call model.ToolCall) (map[string]interface{}, error) {
	t, ok := s.tools[call.Name]
	if !ok {
		return nil, unknownToolError(call.Name)
	}
	return t.Call(ctx, call.Input)
}

func (s *Server) toolSpecs(names []string) []model.ToolSpec {
	specs := make([]model.ToolSpec, 0, len(names))
	for _, name := range names {
		t, ok := s.tools[name]
		if !ok {
			continue
		}
		specs = append(specs, model.ToolSpec{Name: t.Name()})
	}
	return specs
}

// defaultModelFactory picks a ChatModel adapter by the conventional
// provider prefix of the requested model name (gpt-* -> OpenAI,
// claude-* -> Anthropic, gemini-* -> Google).
func defaultModelFactory(keys Keys) ModelFactory {
	return func(modelName string) (model.ChatModel, error) {
		switch {
		case strings.HasPrefix(modelName, "gpt"):
			return openai.NewChatModel(keys.OpenAI, modelName), nil
		case strings.HasPrefix(modelName, "claude"):
			return anthropic.NewChatModel(keys.Anthropic, modelName), nil
		case strings.HasPrefix(modelName, "gemini"):
			return google.NewChatModel(keys.Google, modelName), nil
		default:
			return nil, unsupportedModelError(modelName)
		}
	}
}

// estimateTokens approximates token count at four characters per token,
// a rough heuristic used only for cost accounting since the model
// adapters here report no provider usage data.
func estimateTokens(messages []model.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content) / 4
	}
	return total
}

// publishLog emits a best-effort progress line for payload's run. A nil
// LogPublisher (the common case when the worker runs without an
// Artifact Store configured) makes this a no-op.
func (s *Server) publishLog(ctx context.Context, payload worker.InvocationPayload, line string) {
	if s.logs == nil {
		return
	}
	body, err := json.Marshal(map[string]string{
		"run_id": payload.RunID, "agent_id": payload.AgentID, "line": line,
	})
	if err != nil {
		return
	}
	if err := s.logs.Publish(ctx, artifact.LiveLogsChannel, body); err != nil {
		s.log.Warn("live log publish failed", zap.Error(err))
	}
}

