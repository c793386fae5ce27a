package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	loader := NewLoader()
	cfg, err := loader.Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Editor.MaxFileSizeBytes != 10<<20 {
		t.Errorf("max file size = %d", cfg.Editor.MaxFileSizeBytes)
	}
	if cfg.Workspace.IsolatedRootPrefix != "/tmp/orchestration_isolated_" {
		t.Errorf("isolated prefix = %s", cfg.Workspace.IsolatedRootPrefix)
	}
	if cfg.Timeouts.ToolCallSeconds != 60 || cfg.Timeouts.ExecutionSeconds != 3600 {
		t.Errorf("timeouts = %+v", cfg.Timeouts)
	}
	if cfg.Bridge.MaxConcurrentToolCalls != 8 {
		t.Errorf("tool call cap = %d", cfg.Bridge.MaxConcurrentToolCalls)
	}
}

func TestLegacyEnvOverrides(t *testing.T) {
	t.Setenv("ISOLATED_ROOT_PREFIX", "/var/tmp/iso_")
	t.Setenv("MAX_FILE_SIZE_BYTES", "1024")
	t.Setenv("TOOL_CALL_TIMEOUT", "5")

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workspace.IsolatedRootPrefix != "/var/tmp/iso_" {
		t.Errorf("prefix = %s", cfg.Workspace.IsolatedRootPrefix)
	}
	if cfg.Editor.MaxFileSizeBytes != 1024 {
		t.Errorf("max file size = %d", cfg.Editor.MaxFileSizeBytes)
	}
	if cfg.Timeouts.ToolCallSeconds != 5 {
		t.Errorf("tool call timeout = %d", cfg.Timeouts.ToolCallSeconds)
	}
}

func TestPrefixedEnvOverrides(t *testing.T) {
	t.Setenv("ENSEMBLE_LOG_LEVEL", "debug")

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %s", cfg.Log.Level)
	}
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ensemble.yaml")
	content := `
log:
  level: warn
editor:
  search_max_hits: 42
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader().WithConfigFile(path).Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log level = %s", cfg.Log.Level)
	}
	if cfg.Editor.SearchMaxHits != 42 {
		t.Errorf("search max hits = %d", cfg.Editor.SearchMaxHits)
	}
	// Untouched keys keep defaults.
	if cfg.Editor.TreeMaxDepth != 10 {
		t.Errorf("tree depth = %d", cfg.Editor.TreeMaxDepth)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("MAX_FILE_SIZE_BYTES", "-5")
	if _, err := NewLoader().Load(); err == nil {
		t.Error("negative file size should fail validation")
	}
}
