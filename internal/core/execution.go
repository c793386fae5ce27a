package core

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the lifecycle state of one design run.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// BlockStatus is the outcome of one block within an execution.
type BlockStatus string

const (
	BlockCompleted BlockStatus = "completed"
	BlockFailed    BlockStatus = "failed"
	BlockSkipped   BlockStatus = "skipped"
)

// AgentOutput is one agent's contribution to a block, in declaration order.
type AgentOutput struct {
	Agent      string `json:"agent"`
	Role       string `json:"role,omitempty"`
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// BlockResult is the composed outcome of one block.
type BlockResult struct {
	BlockID         string        `json:"block_id"`
	Pattern         BlockType     `json:"pattern"`
	Status          BlockStatus   `json:"status"`
	AgentsUsed      []string      `json:"agents_used,omitempty"`
	FinalOutput     string        `json:"final_output,omitempty"`
	PerAgentOutputs []AgentOutput `json:"per_agent_outputs,omitempty"`
	DurationMS      int64         `json:"duration_ms"`
	Error           string        `json:"error,omitempty"`
	SkipReason      string        `json:"skip_reason,omitempty"`
}

// Execution is one run of a design.
type Execution struct {
	ID           string                  `json:"id"`
	DesignID     string                  `json:"design_id"`
	WorkflowID   string                  `json:"workflow_id,omitempty"`
	Status       ExecutionStatus         `json:"status"`
	StartedAt    time.Time               `json:"started_at"`
	FinishedAt   *time.Time              `json:"finished_at,omitempty"`
	BlockResults map[string]*BlockResult `json:"block_results"`
}

// NewExecution creates a pending execution for a design.
func NewExecution(designID, workflowID string) *Execution {
	return &Execution{
		ID:           uuid.NewString(),
		DesignID:     designID,
		WorkflowID:   workflowID,
		Status:       ExecutionPending,
		StartedAt:    time.Now(),
		BlockResults: make(map[string]*BlockResult),
	}
}

// Finish transitions the execution to a terminal status.
func (e *Execution) Finish(status ExecutionStatus) {
	now := time.Now()
	e.Status = status
	e.FinishedAt = &now
}

// Workflow pairs an owner with a repository. Created externally;
// consumed read-only by the engine.
type Workflow struct {
	ID            string `json:"id"`
	OwnerID       string `json:"owner_id"`
	GitRepo       string `json:"git_repo"`
	DefaultBranch string `json:"default_branch"`
}

// WorkspaceMode distinguishes a shared clone from per-agent clones.
type WorkspaceMode string

const (
	WorkspaceShared   WorkspaceMode = "shared"
	WorkspacePerAgent WorkspaceMode = "per_agent"
)

// Workspace is the on-disk working area for one block of one execution.
type Workspace struct {
	ExecutionID   string            `json:"execution_id"`
	BlockID       string            `json:"block_id"`
	RootPath      string            `json:"root_path"`
	Mode          WorkspaceMode     `json:"mode"`
	PerAgentPaths map[string]string `json:"per_agent_paths,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}
