// Package workflow holds the data types shared across the kernel's
// components: the submission-time WorkflowConfig, the Artifact the
// worker returns per agent, and the DelegationRequest an agent can use
// to splice new nodes into the live graph.
package workflow

// AgentNodeConfig is one agent's static description within a workflow.
type AgentNodeConfig struct {
	ID         string   `json:"id"`
	Role       string   `json:"role"`
	Model      string   `json:"model"`
	Prompt     string   `json:"prompt"`
	DependsOn  []string `json:"depends_on,omitempty"`
	Tools      []string `json:"tools,omitempty"`
}

// Config is the immutable-at-submission description of a run.
//
// It may be extended (never rewritten) by the Execution Engine when a
// delegation request adds new nodes: Nodes only ever grows.
type Config struct {
	WorkflowID  string            `json:"workflow_id"`
	Nodes       []AgentNodeConfig `json:"nodes"`
	TokenBudget int               `json:"token_budget,omitempty"`
	TimeBudget  int64             `json:"time_budget_seconds,omitempty"`
}

// NodeByID returns the node config with the given id, or ok=false.
func (c *Config) NodeByID(id string) (AgentNodeConfig, bool) {
	for _, n := range c.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return AgentNodeConfig{}, false
}

// Extend appends new node configs to the workflow, used by delegation
// splicing. Duplicate ids are skipped (idempotent with respect to retries).
func (c *Config) Extend(nodes []AgentNodeConfig) {
	existing := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		existing[n.ID] = true
	}
	for _, n := range nodes {
		if !existing[n.ID] {
			c.Nodes = append(c.Nodes, n)
			existing[n.ID] = true
		}
	}
}

// DelegationStrategy controls how new nodes are spliced into the graph.
type DelegationStrategy string

const (
	StrategyChild   DelegationStrategy = "child"
	StrategySibling DelegationStrategy = "sibling"
	StrategyReplace DelegationStrategy = "replace"
)

// DelegationRequest is returned by an agent to mutate the graph.
type DelegationRequest struct {
	Reason    string              `json:"reason"`
	Strategy  DelegationStrategy  `json:"strategy"`
	NewNodes  []AgentNodeConfig   `json:"new_nodes"`
}

// Artifact is the structured output of one agent invocation.
type Artifact struct {
	Content string                 `json:"content"`
	Files   []string               `json:"files,omitempty"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}
