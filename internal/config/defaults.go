package config

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Server: ServerConfig{
			Addr: ":8085",
		},
		Editor: EditorConfig{
			MaxFileSizeBytes:   10 << 20,
			TreeMaxDepth:       10,
			TreeMaxNodes:       50_000,
			SearchMaxHits:      500,
			WorkflowCacheTTLS:  60,
			RollbackWindowSecs: 3600,
		},
		Workspace: WorkspaceConfig{
			IsolatedRootPrefix: "/tmp/orchestration_isolated_",
			Parent:             "/tmp",
			GraceSeconds:       1800,
		},
		Timeouts: TimeoutsConfig{
			ToolCallSeconds:  60,
			AgentTurnSeconds: 600,
			BlockSeconds:     1800,
			ExecutionSeconds: 3600,
		},
		Bridge: BridgeConfig{
			MaxConcurrentToolCalls: 8,
		},
		Orchestration: OrchestrationConfig{
			ParallelLevels:  false,
			EventBufferSize: 256,
			RingBufferSize:  2000,
		},
		Model: ModelConfig{
			Provider:  "anthropic",
			Name:      "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
		Store: StoreConfig{
			Path: "ensemble.db",
		},
	}
}
