// Package config provides configuration loading, validation, and management
// for the hatch coordinator.
//
// Project config lives in <projectDir>/.hatch/config.json and is held in a
// single mutex-guarded global instance. GetConfig returns the config BY VALUE
// (copy, not reference) to prevent external mutation; all updates go through
// the Update* functions, which validate and persist atomically by section.
// Config changes that alter the schema MUST increment SchemaVersion.
//
// State (queue contents, agent processes) never belongs in config: transient
// state is rebuilt on startup and durable state lives in the database.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"hatch/pkg/logx"
)

// CurrentSchemaVersion tracks the config file schema for migration support.
const CurrentSchemaVersion = 1

// ProjectConfigDir is the directory under the project root holding hatch files.
const ProjectConfigDir = ".hatch"

// Default values applied when fields are missing.
const (
	DefaultOperationTimeoutSecs = 600
	DefaultHistoryRetention     = 100
	DefaultMaxConcurrentAgents  = 3
	DefaultWorktreeDirName      = "worktrees"
	DefaultBaseBranch           = "main"
	DefaultListenAddr           = "127.0.0.1:7420"
)

// GitConfig holds git coordination settings.
type GitConfig struct {
	// OperationTimeoutSecs caps how long a single git operation may run before
	// it transitions to the timeout state.
	OperationTimeoutSecs int `json:"operation_timeout_secs"`

	// HistoryRetention bounds how many terminal operations are kept per repo
	// root for queue introspection.
	HistoryRetention int `json:"history_retention"`
}

// AgentTypeConfig describes how to launch one kind of coding agent.
type AgentTypeConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// AgentConfig holds agent process settings.
type AgentConfig struct {
	// MaxConcurrent bounds how many agent processes may run at once across
	// all workspaces.
	MaxConcurrent int `json:"max_concurrent"`

	// Types maps agent type names to launch commands.
	Types map[string]AgentTypeConfig `json:"types,omitempty"`
}

// WorktreeConfig holds worktree placement settings.
type WorktreeConfig struct {
	// BaseDir is where per-workspace worktrees are created. Relative paths are
	// resolved against the project directory.
	BaseDir string `json:"base_dir"`
}

// ServerConfig holds daemon API settings.
type ServerConfig struct {
	// ListenAddr is where the daemon serves its local HTTP API and /metrics.
	ListenAddr string `json:"listen_addr"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	// PrometheusURL is the address of a Prometheus server for the stats query
	// service. Empty disables querying.
	PrometheusURL string `json:"prometheus_url,omitempty"`
}

// Config is the full project configuration.
type Config struct {
	SchemaVersion int             `json:"schema_version"`
	Git           *GitConfig      `json:"git"`
	Agents        *AgentConfig    `json:"agents"`
	Worktrees     *WorktreeConfig `json:"worktrees"`
	Server        *ServerConfig   `json:"server,omitempty"`
	Metrics       *MetricsConfig  `json:"metrics,omitempty"`
}

// Global config instance with mutex protection.
// projectDir is set once during LoadConfig and never changes.
//
//nolint:gochecknoglobals // Intentional singleton pattern for config management
var (
	config     *Config
	projectDir string
	logger     *logx.Logger
	mu         sync.RWMutex
)

func getLogger() *logx.Logger {
	if logger == nil {
		logger = logx.NewLogger("config")
	}
	return logger
}

// GetConfig returns a copy of the current configuration.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil {
		return Config{}, fmt.Errorf("config not initialized - call LoadConfig first")
	}
	// Return by value (copy) to prevent external mutation
	return *config, nil
}

// GetProjectDir returns the project directory set by LoadConfig.
func GetProjectDir() string {
	mu.RLock()
	defer mu.RUnlock()
	return projectDir
}

// GetHatchDir returns <projectDir>/.hatch, creating it if needed.
func GetHatchDir() (string, error) {
	mu.RLock()
	dir := projectDir
	mu.RUnlock()

	if dir == "" {
		return "", fmt.Errorf("config not initialized - call LoadConfig first")
	}
	hatchDir := filepath.Join(dir, ProjectConfigDir)
	if err := os.MkdirAll(hatchDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create hatch directory: %w", err)
	}
	return hatchDir, nil
}

// SetConfigForTesting sets the global config for testing purposes.
// Pass nil to reset.
func SetConfigForTesting(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	config = cfg
	if cfg == nil {
		projectDir = ""
	}
}

// LoadConfig loads <projectDir>/.hatch/config.json into the global singleton.
//
// Behavior:
//   - Missing file: creates a new config with defaults and saves it
//   - Existing file: loads and validates, applying defaults for missing fields
//   - Unparseable file: returns an error to avoid overwriting user changes
//
// This should typically be called once at application startup.
func LoadConfig(inputProjectDir string) error {
	mu.Lock()
	defer mu.Unlock()

	projectDir = inputProjectDir
	configPath := filepath.Join(projectDir, ProjectConfigDir, "config.json")

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		getLogger().Info("Config file not found, creating new config at %s", configPath)
		config = createDefaultConfig()
		if err := saveConfigLocked(); err != nil {
			return fmt.Errorf("failed to save initial config: %w", err)
		}
		return nil
	}

	getLogger().Info("Loading config from %s", configPath)
	loadedConfig, err := loadConfigFromFile(configPath)
	if err != nil {
		return fmt.Errorf("fatal: config file exists but cannot be parsed (to avoid overwriting your changes): %w", err)
	}

	applyDefaults(loadedConfig)
	if err := validateConfig(loadedConfig); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	config = loadedConfig

	// Save config back to disk with applied defaults so old configs get updated.
	if err := saveConfigLocked(); err != nil {
		return fmt.Errorf("failed to save config with applied defaults: %w", err)
	}

	return nil
}

// UpdateGit updates the git section and persists to disk.
func UpdateGit(git *GitConfig) error {
	mu.Lock()
	defer mu.Unlock()

	if config == nil {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}
	if git.OperationTimeoutSecs <= 0 {
		return fmt.Errorf("operation timeout must be positive, got %d", git.OperationTimeoutSecs)
	}
	if git.HistoryRetention < 0 {
		return fmt.Errorf("history retention cannot be negative, got %d", git.HistoryRetention)
	}

	config.Git = git
	return saveConfigLocked()
}

// UpdateAgents updates the agents section and persists to disk.
func UpdateAgents(agents *AgentConfig) error {
	mu.Lock()
	defer mu.Unlock()

	if config == nil {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}
	if agents.MaxConcurrent <= 0 {
		return fmt.Errorf("max concurrent agents must be positive, got %d", agents.MaxConcurrent)
	}

	config.Agents = agents
	return saveConfigLocked()
}

// UpdateWorktrees updates the worktrees section and persists to disk.
func UpdateWorktrees(worktrees *WorktreeConfig) error {
	mu.Lock()
	defer mu.Unlock()

	if config == nil {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}
	if worktrees.BaseDir == "" {
		return fmt.Errorf("worktree base dir cannot be empty")
	}

	config.Worktrees = worktrees
	return saveConfigLocked()
}

func loadConfigFromFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON %s: %w", configPath, err)
	}

	return &cfg, nil
}

func createDefaultConfig() *Config {
	return &Config{
		SchemaVersion: CurrentSchemaVersion,
		Git: &GitConfig{
			OperationTimeoutSecs: DefaultOperationTimeoutSecs,
			HistoryRetention:     DefaultHistoryRetention,
		},
		Agents: &AgentConfig{
			MaxConcurrent: DefaultMaxConcurrentAgents,
			Types: map[string]AgentTypeConfig{
				"claude": {Command: "claude", Args: []string{"--print"}},
			},
		},
		Worktrees: &WorktreeConfig{
			BaseDir: DefaultWorktreeDirName,
		},
		Server: &ServerConfig{
			ListenAddr: DefaultListenAddr,
		},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = CurrentSchemaVersion
	}
	if cfg.Git == nil {
		cfg.Git = &GitConfig{}
	}
	if cfg.Git.OperationTimeoutSecs == 0 {
		cfg.Git.OperationTimeoutSecs = DefaultOperationTimeoutSecs
	}
	if cfg.Git.HistoryRetention == 0 {
		cfg.Git.HistoryRetention = DefaultHistoryRetention
	}
	if cfg.Agents == nil {
		cfg.Agents = &AgentConfig{}
	}
	if cfg.Agents.MaxConcurrent == 0 {
		cfg.Agents.MaxConcurrent = DefaultMaxConcurrentAgents
	}
	if cfg.Worktrees == nil {
		cfg.Worktrees = &WorktreeConfig{}
	}
	if cfg.Worktrees.BaseDir == "" {
		cfg.Worktrees.BaseDir = DefaultWorktreeDirName
	}
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
}

func validateConfig(cfg *Config) error {
	if cfg.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("config schema version %d is newer than supported version %d",
			cfg.SchemaVersion, CurrentSchemaVersion)
	}
	if cfg.Git.OperationTimeoutSecs <= 0 {
		return fmt.Errorf("operation timeout must be positive")
	}
	if cfg.Agents.MaxConcurrent <= 0 {
		return fmt.Errorf("max concurrent agents must be positive")
	}
	return nil
}

// saveConfigLocked persists the config. Caller must hold mu.
func saveConfigLocked() error {
	configPath := filepath.Join(projectDir, ProjectConfigDir, "config.json")

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
