package kernel

import "errors"

// ErrDelegationRejected is returned by SpawnAgentSplice when a pattern's
// spawn config is not a workflow.AgentNodeConfig.
var ErrDelegationRejected = errors.New("kernel: delegation rejected")

// ErrRunNotFound is returned when an operation names an unknown run.
var ErrRunNotFound = errors.New("kernel: run not found")
