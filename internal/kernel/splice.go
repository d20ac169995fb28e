package kernel

import (
	"context"

	"github.com/raro-ai/orchestration-kernel/internal/workflow"
)

// splice applies a delegation request to runID's live graph.
//
// New nodes are always inserted as children of the delegating agent.
// Child and Replace additionally reroute the delegator's former
// children to depend on the new nodes instead of on the delegator
// directly; Sibling leaves the former children's edges untouched, so
// the new nodes run alongside them rather than ahead of them. Replace
// is otherwise identical to Child — the delegator itself is left in
// place rather than removed, so no extra skip logic is needed beyond
// Child's rewiring.
//
// If the splice would introduce a cycle, the graph is rolled back to
// its pre-splice snapshot, the config's node list is truncated back to
// its pre-splice length, and the run is failed.
func (e *Engine) splice(ctx context.Context, runID, delegatorID string, req workflow.DelegationRequest) error {
	ar, ok := e.getRun(runID)
	if !ok {
		return ErrRunNotFound
	}

	ar.mu.Lock()
	defer ar.mu.Unlock()

	if len(req.NewNodes) == 0 {
		return nil
	}

	snapshot := ar.dag.Snapshot()
	preSpliceNodeCount := len(ar.cfg.Nodes)

	formerChildren := ar.dag.Children(delegatorID)

	ar.cfg.Extend(req.NewNodes)
	for _, n := range req.NewNodes {
		ar.dag.AddNode(n.ID)
	}
	for _, n := range req.NewNodes {
		if err := ar.dag.AddEdge(delegatorID, n.ID); err != nil {
			ar.dag.Restore(snapshot)
			ar.cfg.Nodes = ar.cfg.Nodes[:preSpliceNodeCount]
			return err
		}
	}

	if req.Strategy == workflow.StrategyChild || req.Strategy == workflow.StrategyReplace {
		for _, child := range formerChildren {
			for _, n := range req.NewNodes {
				if err := ar.dag.AddEdge(n.ID, child); err != nil {
					ar.dag.Restore(snapshot)
					ar.cfg.Nodes = ar.cfg.Nodes[:preSpliceNodeCount]
					return err
				}
			}
			_ = ar.dag.RemoveEdge(delegatorID, child)
		}
	}

	if _, err := ar.dag.TopologicalOrder(); err != nil {
		ar.dag.Restore(snapshot)
		ar.cfg.Nodes = ar.cfg.Nodes[:preSpliceNodeCount]
		return err
	}

	return nil
}
