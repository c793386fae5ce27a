// Package config loads engine configuration from flags, environment,
// and an optional ensemble.yaml file.
package config

import "time"

// Config holds all engine configuration.
type Config struct {
	Log           LogConfig           `mapstructure:"log"`
	Server        ServerConfig        `mapstructure:"server"`
	Editor        EditorConfig        `mapstructure:"editor"`
	Workspace     WorkspaceConfig     `mapstructure:"workspace"`
	Timeouts      TimeoutsConfig      `mapstructure:"timeouts"`
	Bridge        BridgeConfig        `mapstructure:"bridge"`
	Orchestration OrchestrationConfig `mapstructure:"orchestration"`
	Model         ModelConfig         `mapstructure:"model"`
	Store         StoreConfig         `mapstructure:"store"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// EditorConfig bounds file-editor operations.
type EditorConfig struct {
	MaxFileSizeBytes   int64 `mapstructure:"max_file_size_bytes"`
	TreeMaxDepth       int   `mapstructure:"tree_max_depth"`
	TreeMaxNodes       int   `mapstructure:"tree_max_nodes"`
	SearchMaxHits      int   `mapstructure:"search_max_hits"`
	WorkflowCacheTTLS  int   `mapstructure:"workflow_cache_ttl_seconds"`
	RollbackWindowSecs int   `mapstructure:"rollback_window_seconds"`
}

// WorkflowCacheTTL returns the cache TTL as a duration.
func (c EditorConfig) WorkflowCacheTTL() time.Duration {
	return time.Duration(c.WorkflowCacheTTLS) * time.Second
}

// RollbackWindow returns the approved-change rollback window.
func (c EditorConfig) RollbackWindow() time.Duration {
	return time.Duration(c.RollbackWindowSecs) * time.Second
}

// WorkspaceConfig configures temp-root working trees.
type WorkspaceConfig struct {
	IsolatedRootPrefix string `mapstructure:"isolated_root_prefix"`
	Parent             string `mapstructure:"parent"`
	GraceSeconds       int    `mapstructure:"grace_seconds"`
}

// Grace returns the post-terminal inspection window.
func (c WorkspaceConfig) Grace() time.Duration {
	return time.Duration(c.GraceSeconds) * time.Second
}

// TimeoutsConfig holds the nested cancellation-scope timeouts.
type TimeoutsConfig struct {
	ToolCallSeconds  int `mapstructure:"tool_call_seconds"`
	AgentTurnSeconds int `mapstructure:"agent_turn_seconds"`
	BlockSeconds     int `mapstructure:"block_seconds"`
	ExecutionSeconds int `mapstructure:"execution_seconds"`
}

// ToolCall returns the per-tool-call timeout.
func (c TimeoutsConfig) ToolCall() time.Duration {
	return time.Duration(c.ToolCallSeconds) * time.Second
}

// AgentTurn returns the per-agent-turn timeout.
func (c TimeoutsConfig) AgentTurn() time.Duration {
	return time.Duration(c.AgentTurnSeconds) * time.Second
}

// Block returns the per-block timeout.
func (c TimeoutsConfig) Block() time.Duration {
	return time.Duration(c.BlockSeconds) * time.Second
}

// Execution returns the per-execution timeout.
func (c TimeoutsConfig) Execution() time.Duration {
	return time.Duration(c.ExecutionSeconds) * time.Second
}

// BridgeConfig configures the in-process tool bridge.
type BridgeConfig struct {
	InternalServiceToken   string `mapstructure:"internal_service_token"`
	MaxConcurrentToolCalls int64  `mapstructure:"max_concurrent_tool_calls"`
}

// OrchestrationConfig configures the scheduler.
type OrchestrationConfig struct {
	ParallelLevels  bool `mapstructure:"parallel_levels"`
	EventBufferSize int  `mapstructure:"event_buffer_size"`
	RingBufferSize  int  `mapstructure:"ring_buffer_size"`
}

// ModelConfig selects the model vendor adapter.
type ModelConfig struct {
	Provider  string `mapstructure:"provider"`
	Name      string `mapstructure:"name"`
	MaxTokens int    `mapstructure:"max_tokens"`
	APIKey    string `mapstructure:"api_key"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}
