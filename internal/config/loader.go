package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
// Precedence (highest to lowest): bound CLI flags, environment
// (ENSEMBLE_* plus the legacy flat names), config file, defaults.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string

	mu      sync.RWMutex
	current *Config
	onSwap  []func(*Config)
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: "ENSEMBLE",
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance,
// allowing integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{v: v, envPrefix: "ENSEMBLE"}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// legacyEnvKeys maps the flat environment names to viper keys.
var legacyEnvKeys = map[string]string{
	"ISOLATED_ROOT_PREFIX":       "workspace.isolated_root_prefix",
	"WORKSPACE_GRACE_SECONDS":    "workspace.grace_seconds",
	"WORKFLOW_CACHE_TTL_SECONDS": "editor.workflow_cache_ttl_seconds",
	"MAX_FILE_SIZE_BYTES":        "editor.max_file_size_bytes",
	"TREE_MAX_DEPTH":             "editor.tree_max_depth",
	"TREE_MAX_NODES":             "editor.tree_max_nodes",
	"SEARCH_MAX_HITS":            "editor.search_max_hits",
	"TOOL_CALL_TIMEOUT":          "timeouts.tool_call_seconds",
	"AGENT_TURN_TIMEOUT":         "timeouts.agent_turn_seconds",
	"BLOCK_TIMEOUT":              "timeouts.block_seconds",
	"EXECUTION_TIMEOUT":          "timeouts.execution_seconds",
	"INTERNAL_SERVICE_TOKEN":     "bridge.internal_service_token",
	"ANTHROPIC_API_KEY":          "model.api_key",
}

// Load loads configuration from all sources and caches the snapshot.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked()
}

func (l *Loader) loadLocked() (*Config, error) {
	setDefaults(l.v)

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
	for env, key := range legacyEnvKeys {
		if val, ok := os.LookupEnv(env); ok {
			l.v.Set(key, val)
		}
	}

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("ensemble")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
	}
	if err := l.v.ReadInConfig(); err != nil {
		// A missing config file falls back to defaults + env; anything
		// else (unreadable, malformed) is fatal.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := Default()
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	l.current = cfg
	return cfg, nil
}

// Current returns the active config snapshot (after Load).
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnReload registers a callback invoked with the new snapshot after a
// successful hot reload.
func (l *Loader) OnReload(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onSwap = append(l.onSwap, fn)
}

// Watch re-loads the config when the file changes. Reload failures keep
// the previous snapshot. No-op when no config file is in use.
func (l *Loader) Watch() {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(fsnotify.Event) {
		l.mu.Lock()
		cfg, err := l.loadLocked()
		callbacks := append([]func(*Config){}, l.onSwap...)
		l.mu.Unlock()
		if err != nil {
			return
		}
		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	l.v.WatchConfig()
}

func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("server.addr", def.Server.Addr)
	v.SetDefault("editor.max_file_size_bytes", def.Editor.MaxFileSizeBytes)
	v.SetDefault("editor.tree_max_depth", def.Editor.TreeMaxDepth)
	v.SetDefault("editor.tree_max_nodes", def.Editor.TreeMaxNodes)
	v.SetDefault("editor.search_max_hits", def.Editor.SearchMaxHits)
	v.SetDefault("editor.workflow_cache_ttl_seconds", def.Editor.WorkflowCacheTTLS)
	v.SetDefault("editor.rollback_window_seconds", def.Editor.RollbackWindowSecs)
	v.SetDefault("workspace.isolated_root_prefix", def.Workspace.IsolatedRootPrefix)
	v.SetDefault("workspace.parent", def.Workspace.Parent)
	v.SetDefault("workspace.grace_seconds", def.Workspace.GraceSeconds)
	v.SetDefault("timeouts.tool_call_seconds", def.Timeouts.ToolCallSeconds)
	v.SetDefault("timeouts.agent_turn_seconds", def.Timeouts.AgentTurnSeconds)
	v.SetDefault("timeouts.block_seconds", def.Timeouts.BlockSeconds)
	v.SetDefault("timeouts.execution_seconds", def.Timeouts.ExecutionSeconds)
	v.SetDefault("bridge.max_concurrent_tool_calls", def.Bridge.MaxConcurrentToolCalls)
	v.SetDefault("orchestration.parallel_levels", def.Orchestration.ParallelLevels)
	v.SetDefault("orchestration.event_buffer_size", def.Orchestration.EventBufferSize)
	v.SetDefault("orchestration.ring_buffer_size", def.Orchestration.RingBufferSize)
	v.SetDefault("model.provider", def.Model.Provider)
	v.SetDefault("model.name", def.Model.Name)
	v.SetDefault("model.max_tokens", def.Model.MaxTokens)
	v.SetDefault("store.path", def.Store.Path)
}

func validate(cfg *Config) error {
	if cfg.Editor.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("editor.max_file_size_bytes must be positive")
	}
	if cfg.Editor.TreeMaxDepth <= 0 || cfg.Editor.TreeMaxNodes <= 0 {
		return fmt.Errorf("editor tree bounds must be positive")
	}
	if cfg.Workspace.IsolatedRootPrefix == "" {
		return fmt.Errorf("workspace.isolated_root_prefix must not be empty")
	}
	if cfg.Bridge.MaxConcurrentToolCalls <= 0 {
		return fmt.Errorf("bridge.max_concurrent_tool_calls must be positive")
	}
	return nil
}
