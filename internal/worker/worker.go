// Package worker defines the contract between the orchestration core and the
// externally-provided worker callable. The core never knows how a worker runs
// a task; it only passes the role, the work item, and optional context, and
// passes the result back unchanged.
package worker

import "context"

// Result is what a worker callable returns. The core records it verbatim.
type Result struct {
	Success   bool     `json:"success"`
	Artifacts []string `json:"artifacts,omitempty"`
	Output    string   `json:"output,omitempty"`
	Error     string   `json:"error,omitempty"`
	FilePath  string   `json:"file_path,omitempty"`
}

// Executor is the worker callable. Implementations may block; the core always
// invokes them with a context bounded by the enclosing convoy or step timeout.
type Executor interface {
	Execute(ctx context.Context, agentType, workItemID string, taskCtx map[string]any) (*Result, error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, agentType, workItemID string, taskCtx map[string]any) (*Result, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, agentType, workItemID string, taskCtx map[string]any) (*Result, error) {
	return f(ctx, agentType, workItemID, taskCtx)
}
