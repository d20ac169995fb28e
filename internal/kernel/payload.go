package kernel

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/raro-ai/orchestration-kernel/internal/artifact"
	"github.com/raro-ai/orchestration-kernel/internal/worker"
	"github.com/raro-ai/orchestration-kernel/internal/workflow"
)

// preparePayload builds the invocation payload for agentID per the
// context-assembly contract: concatenated parent output, a raw
// input_data map of parent artifacts, the first signed parent's thought
// signature, the run's cached-content id, and the deduplicated union of
// parent file paths.
func (e *Engine) preparePayload(ctx context.Context, runID, agentID string) (worker.InvocationPayload, workflow.AgentNodeConfig, error) {
	ar, ok := e.getRun(runID)
	if !ok {
		return worker.InvocationPayload{}, workflow.AgentNodeConfig{}, ErrRunNotFound
	}

	ar.mu.Lock()
	node, found := ar.cfg.NodeByID(agentID)
	parents := ar.dag.Parents(agentID)
	ar.mu.Unlock()
	if !found {
		return worker.InvocationPayload{}, workflow.AgentNodeConfig{}, fmt.Errorf("kernel: node %q not found in workflow config", agentID)
	}

	prompt := node.Prompt
	inputData := make(map[string]interface{}, len(parents))
	var filePaths []string

	for _, parentID := range parents {
		raw, err := e.store.Get(ctx, artifact.AgentOutputKey(runID, parentID))
		if err != nil {
			e.log.Warn("parent artifact unavailable", zap.String("run_id", runID), zap.String("agent_id", parentID))
			continue
		}
		var art workflow.Artifact
		if err := json.Unmarshal(raw, &art); err != nil {
			continue
		}
		prompt += fmt.Sprintf("\n\n=== OUTPUT FROM %s ===\n%s\n", parentID, art.Content)

		var full map[string]interface{}
		_ = json.Unmarshal(raw, &full)
		inputData[parentID] = full

		filePaths = append(filePaths, art.Files...)
	}

	var parentSignature *string
	for _, parentID := range node.DependsOn {
		sig, err := e.runtime.GetThoughtSignature(runID, parentID)
		if err == nil && sig != "" {
			s := sig
			parentSignature = &s
			break
		}
	}

	var cachedContentID *string
	if id, err := e.runtime.GetCacheResource(runID); err == nil && id != "" {
		cachedContentID = &id
	}

	payload := worker.InvocationPayload{
		RunID:           runID,
		AgentID:         agentID,
		Model:           node.Model,
		Prompt:          prompt,
		InputData:       inputData,
		ParentSignature: parentSignature,
		CachedContentID: cachedContentID,
		FilePaths:       dedupe(filePaths),
		Tools:           node.Tools,
	}
	return payload, node, nil
}
