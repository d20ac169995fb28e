package runtimestate

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/raro-ai/orchestration-kernel/graph"
	"github.com/raro-ai/orchestration-kernel/graph/store"
	"github.com/raro-ai/orchestration-kernel/internal/artifact"
	"github.com/raro-ai/orchestration-kernel/internal/workflow"
)

// run bundles one run's mutable state behind its own lock, so runs never
// contend with each other — per-run interior mutability, not a global lock.
type run struct {
	mu         sync.Mutex
	state      RuntimeState
	signatures Signatures
	cacheID    string
	step       int
}

// Machine is the Runtime State Machine. It owns per-run lifecycle state,
// the invocation ledger, the thought-signature registry, and the
// cache-resource registry, and mirrors every mutation to the Artifact
// Store for durability and rehydration.
//
// When a checkpoint store is configured (see WithCheckpointStore), every
// mutation is additionally recorded as a numbered step there. This gives
// operators a local, Redis-independent history of a run's transitions
// for out-of-band inspection; the Artifact Store remains the source of
// truth for rehydration.
type Machine struct {
	store       artifact.Store
	checkpoints store.Store[RuntimeState]
	log         *zap.Logger

	mu   sync.RWMutex
	runs map[string]*run
}

// Option configures optional Machine behavior.
type Option func(*Machine)

// WithCheckpointStore records every state transition as a numbered step
// in a supplementary checkpoint store (graph/store), independent of the
// Artifact Store's rehydration index.
func WithCheckpointStore(s store.Store[RuntimeState]) Option {
	return func(m *Machine) { m.checkpoints = s }
}

// New creates a Machine backed by store for persistence.
func New(s artifact.Store, log *zap.Logger, opts ...Option) *Machine {
	m := &Machine{store: s, log: log, runs: make(map[string]*run)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartWorkflow validates that cfg names at least one node and that
// every depends_on reference names a node in the same workflow, then
// allocates a run id and persists the initial Running state. Both
// checks fail with ErrDependencyNotFound: an empty node list has no
// dependency graph to satisfy, which is the same failure family as a
// depends_on edge to a node that was never declared. A workflow whose
// depends_on edges form a cycle is rejected with graph.ErrCycleDetected.
func (m *Machine) StartWorkflow(ctx context.Context, cfg workflow.Config) (string, error) {
	if len(cfg.Nodes) == 0 {
		return "", ErrDependencyNotFound
	}

	known := make(map[string]bool, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		known[n.ID] = true
	}
	for _, n := range cfg.Nodes {
		for _, dep := range n.DependsOn {
			if !known[dep] {
				return "", ErrDependencyNotFound
			}
		}
	}

	dag := graph.New()
	for _, n := range cfg.Nodes {
		dag.AddNode(n.ID)
	}
	for _, n := range cfg.Nodes {
		for _, dep := range n.DependsOn {
			if err := dag.AddEdge(dep, n.ID); err != nil {
				return "", err
			}
		}
	}

	runID := uuid.NewString()
	r := &run{
		state: RuntimeState{
			RunID:           runID,
			WorkflowID:      cfg.WorkflowID,
			Status:          StatusRunning,
			ActiveAgents:    make(map[string]bool),
			CompletedAgents: make(map[string]bool),
			FailedAgents:    make(map[string]bool),
			StartTime:       time.Now(),
		},
		signatures: make(Signatures),
	}

	m.mu.Lock()
	m.runs[runID] = r
	m.mu.Unlock()

	if err := m.persist(ctx, r, "SYSTEM"); err != nil {
		m.log.Warn("failed to persist new run state", zap.String("run_id", runID), zap.Error(err))
	}
	if err := m.addToActiveRuns(ctx, runID); err != nil {
		m.log.Warn("failed to index active run", zap.String("run_id", runID), zap.Error(err))
	}
	return runID, nil
}

// GetState returns a read-only snapshot of a run's RuntimeState.
func (m *Machine) GetState(runID string) (RuntimeState, error) {
	r, err := m.lookup(runID)
	if err != nil {
		return RuntimeState{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone(), nil
}

// GetSignatures returns a read-only snapshot of a run's ThoughtSignatureStore.
func (m *Machine) GetSignatures(runID string) (Signatures, error) {
	r, err := m.lookup(runID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.signatures.clone(), nil
}

// SetThoughtSignature records agentID's last signature for runID.
func (m *Machine) SetThoughtSignature(runID, agentID, sig string) error {
	r, err := m.lookup(runID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signatures[agentID] = sig
	return nil
}

// GetThoughtSignature returns agentID's last signature for runID, or "".
func (m *Machine) GetThoughtSignature(runID, agentID string) (string, error) {
	r, err := m.lookup(runID)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.signatures[agentID], nil
}

// SetCacheResource records the run-scoped cached-content id.
func (m *Machine) SetCacheResource(runID, cacheID string) error {
	r, err := m.lookup(runID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cacheID = cacheID
	return nil
}

// GetCacheResource returns the run-scoped cached-content id, or "".
func (m *Machine) GetCacheResource(runID string) (string, error) {
	r, err := m.lookup(runID)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cacheID, nil
}

// RecordInvocation appends inv to the run's ledger, atomically updating
// active/completed/failed sets and total_tokens_used according to
// inv.Status, then persists.
func (m *Machine) RecordInvocation(ctx context.Context, runID string, inv AgentInvocation) error {
	r, err := m.lookup(runID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.state.Invocations = append(r.state.Invocations, inv)
	r.state.TotalTokensUsed += inv.Tokens

	switch inv.Status {
	case InvocationRunning:
		r.state.ActiveAgents[inv.AgentID] = true
	case InvocationSuccess:
		delete(r.state.ActiveAgents, inv.AgentID)
		r.state.CompletedAgents[inv.AgentID] = true
	case InvocationFailed:
		delete(r.state.ActiveAgents, inv.AgentID)
		r.state.FailedAgents[inv.AgentID] = true
	}
	snapshot := r.state.clone()
	r.mu.Unlock()

	return m.persistSnapshot(ctx, runID, snapshot, inv.AgentID)
}

// UpdateRunStatus transitions a run's status, refusing to leave a
// terminal status (Completed/Failed are absorbing).
func (m *Machine) UpdateRunStatus(ctx context.Context, runID string, newStatus Status) error {
	r, err := m.lookup(runID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.state.Status == StatusCompleted || r.state.Status == StatusFailed {
		r.mu.Unlock()
		return ErrInvalidTransition
	}
	r.state.Status = newStatus
	terminal := newStatus == StatusCompleted || newStatus == StatusFailed
	if terminal {
		r.state.EndTime = time.Now()
	}
	snapshot := r.state.clone()
	r.mu.Unlock()

	if err := m.persistSnapshot(ctx, runID, snapshot, "SYSTEM"); err != nil {
		return err
	}
	if terminal {
		return m.removeFromActiveRuns(ctx, runID)
	}
	return nil
}

// FailRun atomically transitions a run to Failed, appends a failure
// ledger row for agentID, and drops it from active_agents.
func (m *Machine) FailRun(ctx context.Context, runID, agentID, reason string) error {
	r, err := m.lookup(runID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.state.Status == StatusCompleted {
		r.mu.Unlock()
		return ErrInvalidTransition
	}
	delete(r.state.ActiveAgents, agentID)
	r.state.FailedAgents[agentID] = true
	r.state.Invocations = append(r.state.Invocations, AgentInvocation{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Status:    InvocationFailed,
		Error:     reason,
		Timestamp: time.Now(),
	})
	r.state.Status = StatusFailed
	r.state.EndTime = time.Now()
	snapshot := r.state.clone()
	r.mu.Unlock()

	if err := m.persistSnapshot(ctx, runID, snapshot, agentID); err != nil {
		return err
	}
	return m.removeFromActiveRuns(ctx, runID)
}

func (m *Machine) lookup(runID string) (*run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return r, nil
}

func (m *Machine) persist(ctx context.Context, r *run, nodeID string) error {
	r.mu.Lock()
	snapshot := r.state.clone()
	r.mu.Unlock()
	return m.persistSnapshot(ctx, r.state.RunID, snapshot, nodeID)
}

func (m *Machine) persistSnapshot(ctx context.Context, runID string, snapshot RuntimeState, nodeID string) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	ttl := time.Duration(0)
	if snapshot.Status == StatusCompleted || snapshot.Status == StatusFailed {
		ttl = artifact.RunStateTerminalTTL
	}
	if err := m.store.Set(ctx, artifact.RunStateKey(runID), payload, ttl); err != nil {
		m.log.Warn("runtime state persistence unavailable", zap.String("run_id", runID), zap.Error(err))
	}
	m.recordCheckpointStep(ctx, runID, nodeID, snapshot)
	return nil
}

// recordCheckpointStep is a best-effort mirror of a snapshot into the
// optional checkpoint store; failures are logged, never propagated,
// since the Artifact Store above already holds the durable record.
func (m *Machine) recordCheckpointStep(ctx context.Context, runID, nodeID string, snapshot RuntimeState) {
	if m.checkpoints == nil {
		return
	}

	r, err := m.lookup(runID)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.step++
	step := r.step
	r.mu.Unlock()

	if err := m.checkpoints.SaveStep(ctx, runID, step, nodeID, snapshot); err != nil {
		m.log.Warn("checkpoint step persistence failed", zap.String("run_id", runID), zap.Error(err))
	}
}

func (m *Machine) addToActiveRuns(ctx context.Context, runID string) error {
	return m.mutateActiveRuns(ctx, func(ids map[string]bool) { ids[runID] = true })
}

func (m *Machine) removeFromActiveRuns(ctx context.Context, runID string) error {
	return m.mutateActiveRuns(ctx, func(ids map[string]bool) { delete(ids, runID) })
}

// mutateActiveRuns reads the sys:active_runs index, applies mutate, and
// writes it back. The index is not itself concurrency-sensitive beyond
// what Machine.mu already serializes at the call sites above.
func (m *Machine) mutateActiveRuns(ctx context.Context, mutate func(map[string]bool)) error {
	ids := make(map[string]bool)
	if raw, err := m.store.Get(ctx, artifact.ActiveRunsSet); err == nil {
		_ = json.Unmarshal(raw, &ids)
	}
	mutate(ids)
	payload, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, artifact.ActiveRunsSet, payload, 0)
}

// Rehydrate is called once at kernel startup. Per the rehydration
// contract, any run found Running is not resumed: it is marked Failed
// with a fixed reason, because live resume is a possible future
// extension but not required by the core contract.
func (m *Machine) Rehydrate(ctx context.Context) error {
	raw, err := m.store.Get(ctx, artifact.ActiveRunsSet)
	if err != nil {
		if err == artifact.ErrNotFound {
			return nil
		}
		return err
	}

	var ids map[string]bool
	if err := json.Unmarshal(raw, &ids); err != nil {
		return err
	}

	for runID := range ids {
		stateRaw, err := m.store.Get(ctx, artifact.RunStateKey(runID))
		if err != nil {
			m.log.Warn("rehydration could not load run state", zap.String("run_id", runID), zap.Error(err))
			continue
		}
		var state RuntimeState
		if err := json.Unmarshal(stateRaw, &state); err != nil {
			m.log.Warn("rehydration could not decode run state", zap.String("run_id", runID), zap.Error(err))
			continue
		}

		m.mu.Lock()
		m.runs[runID] = &run{state: state, signatures: make(Signatures)}
		m.mu.Unlock()

		if state.Status == StatusRunning || state.Status == StatusAwaitingApproval {
			m.log.Info("marking interrupted run failed on restart", zap.String("run_id", runID))
			if err := m.FailRun(ctx, runID, "KERNEL", "Kernel restarted unexpectedly"); err != nil {
				m.log.Warn("failed to mark rehydrated run failed", zap.String("run_id", runID), zap.Error(err))
			}
		}
	}
	return nil
}
