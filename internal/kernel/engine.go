// Package kernel implements the Execution Engine: the dynamic
// topological-sweep scheduler that picks ready agent nodes, invokes the
// worker, splices delegation requests into the live graph, and records
// every transition to the Runtime State Machine.
package kernel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raro-ai/orchestration-kernel/graph/emit"
	"github.com/raro-ai/orchestration-kernel/internal/artifact"
	"github.com/raro-ai/orchestration-kernel/internal/cortex"
	"github.com/raro-ai/orchestration-kernel/internal/runtimestate"
	"github.com/raro-ai/orchestration-kernel/internal/worker"
	"github.com/raro-ai/orchestration-kernel/internal/workflow"
)

const (
	pollActiveInterval = 100 * time.Millisecond
	pollPausedInterval = 500 * time.Millisecond
)

// PatternEvaluator is the subset of the Pattern Engine the Execution
// Engine calls synchronously for order-sensitive events — ToolCall and
// AgentFailed — so a matched Interrupt/RequestApproval/SpawnAgent
// action lands before the engine's own next step. cortex.Engine
// implements this.
type PatternEvaluator interface {
	Evaluate(ctx context.Context, event cortex.Event)
}

// Engine is the Execution Engine. One Engine serves every run in the
// process; each run gets its own goroutine and its own *activeRun, so
// runs never block each other.
type Engine struct {
	runtime  *runtimestate.Machine
	store    artifact.Store
	bus      *cortex.Bus
	client   *worker.Client
	metrics  *Metrics
	cost     *CostTracker
	emitter  emit.Emitter
	patterns PatternEvaluator
	log      *zap.Logger

	mu   sync.RWMutex
	runs map[string]*activeRun

	step  sync.Mutex
	steps map[string]int
}

// Option configures optional Engine behavior.
type Option func(*Engine)

// WithEmitter routes scheduler lifecycle events to an observability
// backend (graph/emit), in addition to the Event Bus used for pattern
// matching and the WebSocket stream. Defaults to emit.NullEmitter.
func WithEmitter(e emit.Emitter) Option {
	return func(eng *Engine) { eng.emitter = e }
}

// New builds an Engine from its collaborators.
func New(runtime *runtimestate.Machine, store artifact.Store, bus *cortex.Bus, client *worker.Client, metrics *Metrics, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		runtime: runtime,
		store:   store,
		bus:     bus,
		client:  client,
		metrics: metrics,
		cost:    NewCostTracker(),
		emitter: emit.NewNullEmitter(),
		log:     log,
		runs:    make(map[string]*activeRun),
		steps:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetPatternEvaluator wires the Pattern Engine in after construction,
// breaking the construction cycle: the Pattern Engine's Splicer is this
// same Engine, so main.go builds the Engine first, then the Pattern
// Engine, then calls this. A nil evaluator (the default, and what every
// test in this package uses) simply means ToolCall/AgentFailed events
// go unevaluated and the engine falls back to committing Failed itself.
func (e *Engine) SetPatternEvaluator(p PatternEvaluator) {
	e.patterns = p
}

// nextStep returns a monotonically increasing, run-scoped step counter
// for graph/emit.Event.Step.
func (e *Engine) nextStep(runID string) int {
	e.step.Lock()
	defer e.step.Unlock()
	e.steps[runID]++
	return e.steps[runID]
}

// StartRun validates and registers cfg, then launches its scheduler
// loop as an independent goroutine. The loop keeps ctx's values but not
// its cancellation, so it outlives the caller (e.g. an HTTP request).
// It returns the new run_id.
func (e *Engine) StartRun(ctx context.Context, cfg workflow.Config) (string, error) {
	runID, err := e.runtime.StartWorkflow(ctx, cfg)
	if err != nil {
		return "", err
	}

	ar := newActiveRun(cfg)
	e.mu.Lock()
	e.runs[runID] = ar
	e.mu.Unlock()

	e.emitEvent(runID, "", cortex.EventNodeCreated, map[string]interface{}{"node_count": len(cfg.Nodes)})

	go e.loop(context.WithoutCancel(ctx), runID)
	return runID, nil
}

func (e *Engine) getRun(runID string) (*activeRun, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ar, ok := e.runs[runID]
	return ar, ok
}

// loop implements the dynamic topological-sweep scheduling policy.
func (e *Engine) loop(ctx context.Context, runID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		state, err := e.runtime.GetState(runID)
		if err != nil {
			e.log.Warn("scheduler loop: run vanished", zap.String("run_id", runID), zap.Error(err))
			return
		}

		switch state.Status {
		case runtimestate.StatusFailed, runtimestate.StatusCompleted:
			return
		case runtimestate.StatusAwaitingApproval:
			time.Sleep(pollPausedInterval)
			continue
		}

		candidate, ok := e.pickCandidate(runID, state)
		if !ok {
			if len(state.ActiveAgents) > 0 {
				time.Sleep(pollActiveInterval)
				continue
			}
			// Nothing left to schedule. If an agent failed along the way
			// and nothing superseded it (no remediation node cleared the
			// failure), the run as a whole did not succeed — even if a
			// Cortex pause-and-resume got it back to Running in the
			// meantime. Only a run with no failures at all completes.
			final := runtimestate.StatusCompleted
			if len(state.FailedAgents) > 0 {
				final = runtimestate.StatusFailed
			}
			if err := e.runtime.UpdateRunStatus(ctx, runID, final); err != nil {
				e.log.Warn("failed to finalize run", zap.String("run_id", runID), zap.String("status", string(final)), zap.Error(err))
			}
			return
		}

		if err := e.runtime.RecordInvocation(ctx, runID, runtimestate.AgentInvocation{
			ID: uuid.NewString(), AgentID: candidate, Status: runtimestate.InvocationRunning, Timestamp: time.Now(),
		}); err != nil {
			e.log.Warn("failed to record invocation start", zap.String("run_id", runID), zap.Error(err))
			continue
		}
		e.metrics.agentStarted(runID)
		e.emitEvent(runID, candidate, cortex.EventAgentStarted, nil)

		go e.handleInvocation(ctx, runID, candidate)
	}
}

// pickCandidate recomputes the current topological order and returns the
// first node that is not completed, not failed, not active, and whose
// every dependency is completed.
func (e *Engine) pickCandidate(runID string, state runtimestate.RuntimeState) (string, bool) {
	ar, ok := e.getRun(runID)
	if !ok {
		return "", false
	}

	ar.mu.Lock()
	order, err := ar.dag.TopologicalOrder()
	cfg := ar.cfg
	ar.mu.Unlock()
	if err != nil {
		e.log.Error("graph store reports a cycle on an active run", zap.String("run_id", runID), zap.Error(err))
		return "", false
	}

	for _, id := range order {
		if state.CompletedAgents[id] || state.FailedAgents[id] || state.ActiveAgents[id] {
			continue
		}
		node, found := cfg.NodeByID(id)
		if !found {
			continue
		}
		ready := true
		for _, dep := range node.DependsOn {
			if !state.CompletedAgents[dep] {
				ready = false
				break
			}
		}
		if ready {
			return id, true
		}
	}
	return "", false
}

func (e *Engine) emitEvent(runID, agentID string, eventType cortex.EventType, payload map[string]interface{}) {
	e.bus.Publish(cortex.Event{
		ID: uuid.NewString(), RunID: runID, AgentID: agentID,
		Type: eventType, Timestamp: time.Now(), Payload: payload,
	})
	e.emitter.Emit(emit.Event{
		RunID: runID, Step: e.nextStep(runID), NodeID: agentID,
		Msg: string(eventType), Meta: payload,
	})
}

// dispatchControlEvent builds a ToolCall or AgentFailed event and
// synchronously hands it to the Pattern Engine before returning, so a
// matched Interrupt/RequestApproval action is visible to the caller's
// very next state read. Unlike emitEvent, it never publishes to the bus:
// Run's async subscription would otherwise receive the same event a
// second time and re-execute its action (e.g. fail a run twice).
func (e *Engine) dispatchControlEvent(ctx context.Context, runID, agentID string, eventType cortex.EventType, payload map[string]interface{}) {
	event := cortex.Event{
		ID: uuid.NewString(), RunID: runID, AgentID: agentID,
		Type: eventType, Timestamp: time.Now(), Payload: payload,
	}
	e.emitter.Emit(emit.Event{
		RunID: runID, Step: e.nextStep(runID), NodeID: agentID,
		Msg: string(eventType), Meta: payload,
	})
	if e.patterns != nil {
		e.patterns.Evaluate(ctx, event)
	}
}

// runFailed reports whether a run has already been committed to Failed,
// used after dispatchControlEvent to check whether a matched pattern
// (e.g. the "prevent file deletion" Interrupt) already decided the run's
// fate.
func (e *Engine) runFailed(runID string) bool {
	state, err := e.runtime.GetState(runID)
	if err != nil {
		return false
	}
	return state.Status == runtimestate.StatusFailed
}

// handleInvocation runs one agent turn end-to-end: prepare payload, call
// the worker, and handle the response. It is launched as an independent
// goroutine so multiple ready agents execute concurrently.
func (e *Engine) handleInvocation(ctx context.Context, runID, agentID string) {
	defer e.metrics.agentFinished(runID)

	payload, node, err := e.preparePayload(ctx, runID, agentID)
	if err != nil {
		e.fail(ctx, runID, agentID, err.Error())
		return
	}

	resp, err := e.client.Invoke(ctx, payload)
	if err != nil {
		e.metrics.observeInvocation(agentID, "error", 0)
		e.fail(ctx, runID, agentID, err.Error())
		return
	}

	for _, tc := range resp.ToolCalls {
		e.dispatchControlEvent(ctx, runID, agentID, cortex.EventToolCall, map[string]interface{}{
			"tool": tc.Name, "input": tc.Input,
		})
	}
	if e.runFailed(runID) {
		// A pattern (e.g. "prevent file deletion") already interrupted
		// the run for one of the tool calls above; the rest of this
		// response — success or not — no longer matters.
		return
	}

	if !resp.Success {
		reason := "worker reported failure"
		if resp.Error != nil {
			reason = *resp.Error
		}
		e.metrics.observeInvocation(agentID, "failed", resp.LatencyMs)
		e.fail(ctx, runID, agentID, reason)
		return
	}

	e.metrics.observeInvocation(agentID, "success", resp.LatencyMs)

	if resp.Delegation != nil {
		if err := e.splice(ctx, runID, agentID, *resp.Delegation); err != nil {
			e.fail(ctx, runID, agentID, "Delegation created a cycle")
			return
		}
	}

	art := workflow.Artifact{}
	if resp.Output != nil {
		art.Content = resp.Output.Content
		art.Files = dedupe(resp.Output.FilesGenerated)
	}
	artJSON, err := json.Marshal(art)
	if err != nil {
		e.fail(ctx, runID, agentID, "failed to marshal artifact: "+err.Error())
		return
	}
	if err := e.store.Set(ctx, artifact.AgentOutputKey(runID, agentID), artJSON, artifact.AgentOutputTTL); err != nil {
		e.log.Warn("artifact persistence unavailable", zap.String("run_id", runID), zap.String("agent_id", agentID), zap.Error(err))
	}

	if resp.ThoughtSignature != nil {
		_ = e.runtime.SetThoughtSignature(runID, agentID, *resp.ThoughtSignature)
	}
	if resp.CachedContentID != nil {
		_ = e.runtime.SetCacheResource(runID, *resp.CachedContentID)
	}
	e.cost.Record(runID, node.Model, resp.InputTokens, resp.OutputTokens)
	e.metrics.recordTokens(runID, node.Model, resp.TokensUsed)

	if err := e.runtime.RecordInvocation(ctx, runID, runtimestate.AgentInvocation{
		ID: uuid.NewString(), AgentID: agentID, Model: node.Model, Tools: node.Tools,
		Status: runtimestate.InvocationSuccess, Tokens: resp.TokensUsed,
		LatencyMs: resp.LatencyMs, Timestamp: time.Now(),
		ArtifactID: artifact.AgentOutputKey(runID, agentID),
	}); err != nil {
		e.log.Warn("failed to record invocation success", zap.String("run_id", runID), zap.Error(err))
	}
	e.emitEvent(runID, agentID, cortex.EventAgentCompleted, map[string]interface{}{"tokens_used": resp.TokensUsed})
}

// fail records agentID's failed invocation, then gives the Pattern
// Engine a chance to intervene (e.g. "request approval on agent
// failure" pauses instead of killing the run) before committing the
// run to Failed itself. Per §7, a Pattern rule overriding the default
// outcome is the only thing that keeps a failed agent from failing its
// run outright.
func (e *Engine) fail(ctx context.Context, runID, agentID, reason string) {
	if err := e.runtime.RecordInvocation(ctx, runID, runtimestate.AgentInvocation{
		ID: uuid.NewString(), AgentID: agentID, Status: runtimestate.InvocationFailed,
		Error: reason, Timestamp: time.Now(),
	}); err != nil {
		e.log.Warn("failed to record invocation failure", zap.String("run_id", runID), zap.Error(err))
	}

	e.dispatchControlEvent(ctx, runID, agentID, cortex.EventAgentFailed, map[string]interface{}{"reason": reason})

	state, err := e.runtime.GetState(runID)
	if err != nil {
		e.log.Warn("failed to read run state after agent failure", zap.String("run_id", runID), zap.Error(err))
		return
	}
	if state.Status == runtimestate.StatusRunning {
		// The ledger row and failed_agents membership are already
		// recorded above; this only commits the run-level transition,
		// so it must not go through FailRun (which would append a
		// second failure row for the same invocation).
		if err := e.runtime.UpdateRunStatus(ctx, runID, runtimestate.StatusFailed); err != nil {
			e.log.Warn("failed to commit run failed", zap.String("run_id", runID), zap.Error(err))
		}
	}
}

// SpawnAgentSplice implements cortex.Splicer: a pattern-triggered,
// single-node Child delegation that bypasses the normal "only the
// delegating agent's own response can request this" gate.
func (e *Engine) SpawnAgentSplice(ctx context.Context, runID, delegatingAgentID string, config interface{}) error {
	node, ok := config.(workflow.AgentNodeConfig)
	if !ok {
		return ErrDelegationRejected
	}
	req := workflow.DelegationRequest{
		Reason:   "cortex pattern remediation",
		Strategy: workflow.StrategyChild,
		NewNodes: []workflow.AgentNodeConfig{node},
	}
	if err := e.splice(ctx, runID, delegatingAgentID, req); err != nil {
		if ferr := e.runtime.FailRun(ctx, runID, delegatingAgentID, "Delegation created a cycle"); ferr != nil {
			e.log.Warn("failed to fail run after rejected spawn", zap.String("run_id", runID), zap.Error(ferr))
		}
		return err
	}
	e.emitEvent(runID, delegatingAgentID, cortex.EventNodeCreated, map[string]interface{}{"spawned": node.ID})
	return nil
}

func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
