package cortex

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raro-ai/orchestration-kernel/internal/runtimestate"
)

// RunController is the subset of the Runtime State Machine the Pattern
// Engine is allowed to call.
type RunController interface {
	FailRun(ctx context.Context, runID, agentID, reason string) error
	UpdateRunStatus(ctx context.Context, runID string, status runtimestate.Status) error
}

// Splicer performs a single-node delegation splice, bypassing the normal
// permission check, on behalf of a matched SpawnAgent action. The
// Execution Engine implements this.
type Splicer interface {
	SpawnAgentSplice(ctx context.Context, runID, delegatingAgentID string, config interface{}) error
}

// Engine is the Pattern Engine: a long-lived task that subscribes to a
// Bus and, for every event, evaluates registered patterns and executes
// their actions.
type Engine struct {
	bus      *Bus
	runs     RunController
	splicer  Splicer
	log      *zap.Logger
	emit     func(Event)

	mu       sync.RWMutex
	patterns []Pattern
}

// New creates a Pattern Engine with the default pre-registered patterns.
// emit is called to publish a SystemIntervention event back onto the bus
// after an action executes (kept as a callback so Engine doesn't need to
// know about Bus.Publish's exact signature versus a wrapped emitter).
func New(bus *Bus, runs RunController, splicer Splicer, log *zap.Logger) *Engine {
	e := &Engine{
		bus:      bus,
		runs:     runs,
		splicer:  splicer,
		log:      log,
		patterns: DefaultPatterns(),
	}
	e.emit = bus.Publish
	return e
}

// Register adds a pattern to the registry. Safe to call concurrently
// with Run.
func (e *Engine) Register(p Pattern) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.patterns = append(e.patterns, p)
}

// Run subscribes to the bus and evaluates every event against the
// pattern registry until ctx is canceled. ToolCall and AgentFailed
// events never arrive here — the Execution Engine routes those through
// Evaluate directly — so Run in practice serves patterns registered
// against the other trigger types (NodeCreated, AgentStarted,
// AgentCompleted, SystemIntervention, IntermediateLog).
func (e *Engine) Run(ctx context.Context) {
	events, unsubscribe := e.bus.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			e.evaluate(ctx, event)
		}
	}
}

// Evaluate synchronously matches event against the pattern registry and
// executes any matched action before returning. Run provides the same
// evaluation for events reached asynchronously off the bus; the
// Execution Engine calls Evaluate directly for ToolCall and AgentFailed
// — the two MUST-ship default patterns' triggers — so a matched
// Interrupt or RequestApproval lands before the engine's own next step
// (storing an artifact, committing the run to Failed). Those two event
// types are never also published to the bus, so Run never sees them and
// an action is never executed twice for the same event.
func (e *Engine) Evaluate(ctx context.Context, event Event) {
	e.evaluate(ctx, event)
}

func (e *Engine) evaluate(ctx context.Context, event Event) {
	e.mu.RLock()
	patterns := append([]Pattern(nil), e.patterns...)
	e.mu.RUnlock()

	for _, pattern := range patterns {
		if !pattern.Matches(event) {
			continue
		}
		e.execute(ctx, pattern, event)
	}
}

func (e *Engine) execute(ctx context.Context, pattern Pattern, event Event) {
	switch pattern.Action.Kind {
	case ActionInterrupt:
		if err := e.runs.FailRun(ctx, event.RunID, event.AgentID, pattern.Action.Reason); err != nil {
			e.log.Warn("pattern interrupt failed", zap.String("pattern", pattern.ID), zap.Error(err))
			return
		}
		e.emit(Event{
			ID: uuid.NewString(), RunID: event.RunID, Type: EventSystemIntervention,
			Payload: map[string]interface{}{"action": "interrupt", "reason": pattern.Action.Reason},
		})

	case ActionRequestApproval:
		if err := e.runs.UpdateRunStatus(ctx, event.RunID, runtimestate.StatusAwaitingApproval); err != nil {
			e.log.Warn("pattern request-approval failed", zap.String("pattern", pattern.ID), zap.Error(err))
			return
		}
		e.emit(Event{
			ID: uuid.NewString(), RunID: event.RunID, Type: EventSystemIntervention,
			Payload: map[string]interface{}{"action": "pause", "reason": pattern.Action.Reason},
		})

	case ActionSpawnAgent:
		if e.splicer == nil {
			e.log.Warn("pattern spawn_agent has no splicer configured", zap.String("pattern", pattern.ID))
			return
		}
		if err := e.splicer.SpawnAgentSplice(ctx, event.RunID, event.AgentID, pattern.Action.Config); err != nil {
			e.log.Warn("pattern spawn_agent splice failed", zap.String("pattern", pattern.ID), zap.Error(err))
		}
	}
}
