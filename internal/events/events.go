// Package events provides the typed event stream for executions:
// a pub/sub bus with backpressure control and a per-execution hub
// offering snapshot-then-tail subscriptions.
package events

import "time"

// Event is the base interface for all stream events.
type Event interface {
	EventType() string
	Timestamp() time.Time
	ExecutionID() string
}

// Event type constants.
const (
	TypeExecutionStarted   = "execution_started"
	TypeWorkspaceInfo      = "workspace_info"
	TypeBlockStarted       = "block_started"
	TypeAgentStarted       = "agent_started"
	TypeAgentChunk         = "agent_chunk"
	TypeToolCall           = "tool_call"
	TypeAgentCompleted     = "agent_completed"
	TypeBlockCompleted     = "block_completed"
	TypeExecutionCompleted = "execution_completed"
)

// BaseEvent provides common fields for all events.
type BaseEvent struct {
	Type      string    `json:"type"`
	Time      time.Time `json:"timestamp"`
	Execution string    `json:"execution_id"`
}

func (e BaseEvent) EventType() string    { return e.Type }
func (e BaseEvent) Timestamp() time.Time { return e.Time }
func (e BaseEvent) ExecutionID() string  { return e.Execution }

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType, executionID string) BaseEvent {
	return BaseEvent{Type: eventType, Time: time.Now(), Execution: executionID}
}

// ExecutionStartedEvent opens an execution stream.
type ExecutionStartedEvent struct {
	BaseEvent
	DesignID string `json:"design_id"`
}

// NewExecutionStartedEvent creates an execution_started event.
func NewExecutionStartedEvent(executionID, designID string) ExecutionStartedEvent {
	return ExecutionStartedEvent{
		BaseEvent: NewBaseEvent(TypeExecutionStarted, executionID),
		DesignID:  designID,
	}
}

// AgentPath maps an agent to its working directory.
type AgentPath struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// WorkspaceInfoEvent announces agent working directories for a block.
// The UI uses it to spawn editor panels.
type WorkspaceInfoEvent struct {
	BaseEvent
	BlockID string      `json:"block_id"`
	Mode    string      `json:"mode"`
	Agents  []AgentPath `json:"agents"`
}

// NewWorkspaceInfoEvent creates a workspace_info event.
func NewWorkspaceInfoEvent(executionID, blockID, mode string, agents []AgentPath) WorkspaceInfoEvent {
	return WorkspaceInfoEvent{
		BaseEvent: NewBaseEvent(TypeWorkspaceInfo, executionID),
		BlockID:   blockID,
		Mode:      mode,
		Agents:    agents,
	}
}

// BlockStartedEvent marks a block beginning execution.
type BlockStartedEvent struct {
	BaseEvent
	BlockID string `json:"block_id"`
	Pattern string `json:"pattern"`
}

// NewBlockStartedEvent creates a block_started event.
func NewBlockStartedEvent(executionID, blockID, pattern string) BlockStartedEvent {
	return BlockStartedEvent{
		BaseEvent: NewBaseEvent(TypeBlockStarted, executionID),
		BlockID:   blockID,
		Pattern:   pattern,
	}
}

// AgentStartedEvent marks one agent turn beginning.
type AgentStartedEvent struct {
	BaseEvent
	BlockID string `json:"block_id"`
	Agent   string `json:"agent"`
}

// NewAgentStartedEvent creates an agent_started event.
func NewAgentStartedEvent(executionID, blockID, agent string) AgentStartedEvent {
	return AgentStartedEvent{
		BaseEvent: NewBaseEvent(TypeAgentStarted, executionID),
		BlockID:   blockID,
		Agent:     agent,
	}
}

// AgentChunkEvent carries streamed agent text.
type AgentChunkEvent struct {
	BaseEvent
	BlockID string `json:"block_id"`
	Agent   string `json:"agent"`
	Text    string `json:"text"`
}

// NewAgentChunkEvent creates an agent_chunk event.
func NewAgentChunkEvent(executionID, blockID, agent, text string) AgentChunkEvent {
	return AgentChunkEvent{
		BaseEvent: NewBaseEvent(TypeAgentChunk, executionID),
		BlockID:   blockID,
		Agent:     agent,
		Text:      text,
	}
}

// ToolCallEvent records one tool invocation observed by the bridge.
type ToolCallEvent struct {
	BaseEvent
	BlockID       string `json:"block_id,omitempty"`
	Agent         string `json:"agent,omitempty"`
	Tool          string `json:"name"`
	ArgsSummary   string `json:"args_summary,omitempty"`
	ResultSummary string `json:"result_summary,omitempty"`
	Error         string `json:"error,omitempty"`
}

// NewToolCallEvent creates a tool_call event.
func NewToolCallEvent(executionID, blockID, agent, tool, argsSummary, resultSummary, errMsg string) ToolCallEvent {
	return ToolCallEvent{
		BaseEvent:     NewBaseEvent(TypeToolCall, executionID),
		BlockID:       blockID,
		Agent:         agent,
		Tool:          tool,
		ArgsSummary:   argsSummary,
		ResultSummary: resultSummary,
		Error:         errMsg,
	}
}

// AgentCompletedEvent marks one agent turn finishing.
type AgentCompletedEvent struct {
	BaseEvent
	BlockID    string `json:"block_id"`
	Agent      string `json:"agent"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// NewAgentCompletedEvent creates an agent_completed event.
func NewAgentCompletedEvent(executionID, blockID, agent string, durationMS int64, errMsg string) AgentCompletedEvent {
	return AgentCompletedEvent{
		BaseEvent:  NewBaseEvent(TypeAgentCompleted, executionID),
		BlockID:    blockID,
		Agent:      agent,
		DurationMS: durationMS,
		Error:      errMsg,
	}
}

// BlockCompletedEvent carries a block's result summary.
type BlockCompletedEvent struct {
	BaseEvent
	BlockID       string `json:"block_id"`
	Status        string `json:"status"`
	ResultSummary string `json:"result_summary,omitempty"`
	Error         string `json:"error,omitempty"`
}

// NewBlockCompletedEvent creates a block_completed event.
func NewBlockCompletedEvent(executionID, blockID, status, resultSummary, errMsg string) BlockCompletedEvent {
	return BlockCompletedEvent{
		BaseEvent:     NewBaseEvent(TypeBlockCompleted, executionID),
		BlockID:       blockID,
		Status:        status,
		ResultSummary: resultSummary,
		Error:         errMsg,
	}
}

// ExecutionCompletedEvent is the terminal event on a stream.
type ExecutionCompletedEvent struct {
	BaseEvent
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// NewExecutionCompletedEvent creates an execution_completed event.
func NewExecutionCompletedEvent(executionID, status, errMsg string) ExecutionCompletedEvent {
	return ExecutionCompletedEvent{
		BaseEvent: NewBaseEvent(TypeExecutionCompleted, executionID),
		Status:    status,
		Error:     errMsg,
	}
}
