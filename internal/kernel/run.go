package kernel

import (
	"sync"

	"github.com/raro-ai/orchestration-kernel/graph"
	"github.com/raro-ai/orchestration-kernel/internal/workflow"
)

// activeRun bundles one run's graph and workflow config behind a single
// lock: delegation splicing mutates both together and must never be
// observed half-applied by the scheduler loop.
type activeRun struct {
	mu  sync.Mutex
	dag *graph.DAG
	cfg workflow.Config
}

func newActiveRun(cfg workflow.Config) *activeRun {
	dag := graph.New()
	for _, n := range cfg.Nodes {
		dag.AddNode(n.ID)
	}
	for _, n := range cfg.Nodes {
		for _, dep := range n.DependsOn {
			// Submission-time validation (StartWorkflow) already
			// rejected unknown dependencies and cycles, so AddEdge
			// does not fail for a config that reached this point.
			_ = dag.AddEdge(dep, n.ID)
		}
	}
	return &activeRun{dag: dag, cfg: cfg}
}
