package agentserver

import (
	"context"
	"fmt"
	"os"

	"github.com/raro-ai/orchestration-kernel/graph/tool"
)

// fsWriteTool writes content to a file under the worker's artifact
// directory. Its reported path is added to an agent's files_generated.
type fsWriteTool struct{ artifactDir string }

func (t fsWriteTool) Name() string { return "fs_write" }

func (t fsWriteTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, _ := input["path"].(string)
	content, _ := input["content"].(string)
	if path == "" {
		return nil, fmt.Errorf("fs_write: path is required")
	}
	full := t.artifactDir + "/" + path
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return nil, err
	}
	return map[string]interface{}{"path": full}, nil
}

// fsDeleteTool deletes a file under the worker's artifact directory.
// This is the tool the kernel's default "prevent file deletion" pattern
// exists to interrupt; the worker still offers it so the pattern has
// something real to guard against.
type fsDeleteTool struct{ artifactDir string }

func (t fsDeleteTool) Name() string { return "fs_delete" }

func (t fsDeleteTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, _ := input["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("fs_delete: path is required")
	}
	full := t.artifactDir + "/" + path
	if err := os.Remove(full); err != nil {
		return nil, err
	}
	return map[string]interface{}{"path": full, "deleted": true}, nil
}

// DefaultTools returns the reference worker's built-in tool set, rooted
// at artifactDir. http_request lets an agent fetch external context
// mid-run; fs_write/fs_delete give it a place to put results.
func DefaultTools(artifactDir string) []tool.Tool {
	return []tool.Tool{
		fsWriteTool{artifactDir: artifactDir},
		fsDeleteTool{artifactDir: artifactDir},
		tool.NewHTTPTool(),
	}
}
