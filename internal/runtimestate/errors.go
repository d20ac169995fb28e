package runtimestate

import "errors"

var (
	// ErrRunNotFound is returned when run_id does not correspond to a
	// known run.
	ErrRunNotFound = errors.New("runtimestate: run not found")

	// ErrWorkflowNotFound reports an unknown workflow. No Machine method
	// returns it: StartWorkflow reports an empty node list as
	// ErrDependencyNotFound and a cycle as graph.ErrCycleDetected.
	ErrWorkflowNotFound = errors.New("runtimestate: workflow not found")

	// ErrAgentNotFound reports an agent id not present in a run's graph.
	// No Machine method returns it.
	ErrAgentNotFound = errors.New("runtimestate: agent not found")

	// ErrDependencyNotFound is returned at submission time when an
	// AgentNodeConfig names a depends_on id that is not itself a node
	// in the submitted workflow.
	ErrDependencyNotFound = errors.New("runtimestate: dependency not found")

	// ErrInvalidTransition is returned by UpdateRunStatus when the
	// requested transition would violate the terminal-state invariant.
	ErrInvalidTransition = errors.New("runtimestate: invalid status transition")
)
