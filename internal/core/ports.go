package core

import (
	"context"
	"time"
)

// =============================================================================
// ModelClient port
// =============================================================================

// MessageRole is the speaker of one conversation message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one turn of conversation sent to the model.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// ToolSpec describes one tool advertised to the model. InputSchema is a
// JSON-Schema object; the bridge owns the catalogue.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ModelEventKind tags events on a model stream.
type ModelEventKind string

const (
	ModelEventChunk    ModelEventKind = "chunk"
	ModelEventToolCall ModelEventKind = "tool_call"
	ModelEventDone     ModelEventKind = "done"
	ModelEventError    ModelEventKind = "error"
)

// ModelEvent is one event on a model stream.
type ModelEvent struct {
	Kind ModelEventKind

	// chunk
	Text string

	// tool_call: the client dispatches tools itself; the event records
	// the invocation for observability.
	ToolName   string
	ToolArgs   map[string]interface{}
	ToolResult string
	ToolErr    string

	// done
	FinalText string
	Usage     *Usage

	// error
	Err error
}

// Usage reports token accounting for one turn.
type Usage struct {
	TokensIn  int `json:"tokens_in"`
	TokensOut int `json:"tokens_out"`
}

// StreamOptions configures one streamed model invocation.
type StreamOptions struct {
	System     string
	Messages   []Message
	Tools      []ToolSpec
	Model      string
	MaxTokens  int
	WorkingDir string
	// Metadata travels to the tool transport (correlation ids, internal
	// token, workflow scope).
	Metadata map[string]string
}

// ModelClient is the single seam to the LLM vendor. Stream returns a
// channel closed after a done or error event; implementations must honor
// ctx cancellation.
type ModelClient interface {
	Stream(ctx context.Context, opts StreamOptions) (<-chan ModelEvent, error)
}

// =============================================================================
// Store port
// =============================================================================

// ExecutionRecord is the persisted summary of a finished execution.
type ExecutionRecord struct {
	ID         string          `json:"id"`
	DesignID   string          `json:"design_id"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	Status     ExecutionStatus `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	EventLog   []byte          `json:"event_log,omitempty"` // JSON array of stream events
}

// Store is the persistence collaborator. The engine consumes workflows
// read-only and writes designs and finished execution logs.
type Store interface {
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	SaveWorkflow(ctx context.Context, w *Workflow) error

	SaveDesign(ctx context.Context, d *Design) error
	GetDesign(ctx context.Context, id string) (*Design, error)

	SaveExecution(ctx context.Context, rec *ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*ExecutionRecord, error)
	ListExecutions(ctx context.Context, limit int) ([]*ExecutionRecord, error)

	Close() error
}
