// Package config loads, validates, and persists Oxide configuration.
// Configuration lives in ~/.oxide/config.yaml and can be overridden by
// OXIDE_* environment variables. Service descriptors and routing rules are
// bootstrapped from this file and mirrored into the store at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ServiceKind identifies the adapter family for a backend service.
type ServiceKind string

const (
	KindCLI    ServiceKind = "cli"    // local subprocess (claude, gemini, ...)
	KindOllama ServiceKind = "ollama" // Ollama-style HTTP (/api/generate)
	KindOpenAI ServiceKind = "openai" // OpenAI-compatible HTTP (/v1/chat/completions)
)

// Valid reports whether the kind is one of the three adapter families.
func (k ServiceKind) Valid() bool {
	switch k {
	case KindCLI, KindOllama, KindOpenAI:
		return true
	}
	return false
}

// Config holds all application configuration for the Oxide orchestrator.
type Config struct {
	Services  []ServiceConfig        `mapstructure:"services" yaml:"services"`
	Routing   map[string]RoutingRule `mapstructure:"routing" yaml:"routing"`
	Execution ExecutionConfig        `mapstructure:"execution" yaml:"execution"`
	Memory    MemoryConfig           `mapstructure:"memory" yaml:"memory"`
	Cost      CostConfig             `mapstructure:"cost" yaml:"cost"`
	Sandbox   SandboxConfig          `mapstructure:"sandbox" yaml:"sandbox"`
	Cluster   ClusterConfig          `mapstructure:"cluster" yaml:"cluster"`
	Backend   BackendConfig          `mapstructure:"backend" yaml:"backend"`
	Logging   LoggingConfig          `mapstructure:"logging" yaml:"logging"`
	Storage   StorageConfig          `mapstructure:"storage" yaml:"storage"`
}

// ServiceConfig describes one backend service. Kind is invariant after load;
// a request captures a snapshot of the remaining fields.
type ServiceConfig struct {
	// ID is the unique service identifier referenced by routing rules.
	ID string `mapstructure:"id" yaml:"id"`
	// Kind selects the adapter family: "cli", "ollama", or "openai".
	Kind ServiceKind `mapstructure:"kind" yaml:"kind"`
	// Enabled gates routing; disabled services are never selected.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// BaseURL is the HTTP endpoint for ollama/openai kinds.
	BaseURL string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	// Model is the default model; empty means auto-detect at first use.
	Model string `mapstructure:"model" yaml:"model,omitempty"`
	// Executable is the CLI binary name or path for the cli kind.
	Executable string `mapstructure:"executable" yaml:"executable,omitempty"`
	// Args are extra CLI arguments placed before the prompt.
	Args []string `mapstructure:"args" yaml:"args,omitempty"`
	// APIKey authenticates openai-kind requests. Encrypted at rest in the store.
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	// Capabilities tags what the service is good at (advertised to peers).
	Capabilities []string `mapstructure:"capabilities" yaml:"capabilities,omitempty"`
	// ContextWindow hints the usable context size in tokens.
	ContextWindow int `mapstructure:"context_window" yaml:"context_window,omitempty"`
	// Timeouts tunes the streaming phase timeouts for HTTP kinds.
	Timeouts *TimeoutConfig `mapstructure:"timeouts" yaml:"timeouts,omitempty"`
}

// TimeoutConfig contains the three-phase streaming timeouts. Local backends
// need a generous first-token budget to cover model cold starts.
type TimeoutConfig struct {
	// ConnectionTimeoutSec is the time to establish the HTTP connection.
	ConnectionTimeoutSec int `mapstructure:"connection_timeout_sec" yaml:"connection_timeout_sec,omitempty"`
	// FirstTokenTimeoutSec is the time to the first streamed token.
	FirstTokenTimeoutSec int `mapstructure:"first_token_timeout_sec" yaml:"first_token_timeout_sec,omitempty"`
	// StreamIdleTimeoutSec is the maximum gap between tokens mid-stream.
	StreamIdleTimeoutSec int `mapstructure:"stream_idle_timeout_sec" yaml:"stream_idle_timeout_sec,omitempty"`
}

// RoutingRule maps a task category to a primary service and ordered
// fallbacks. Every referenced id must exist in Services.
type RoutingRule struct {
	Primary string `mapstructure:"primary" yaml:"primary"`
	// Fallbacks are tried in order after the primary.
	Fallbacks []string `mapstructure:"fallbacks" yaml:"fallbacks,omitempty"`
	// ParallelThreshold is the attached-file count at which this category
	// splits work across services. 0 uses the execution default.
	ParallelThreshold int `mapstructure:"parallel_threshold" yaml:"parallel_threshold,omitempty"`
	// TimeoutSec overrides the execution default timeout for this category.
	TimeoutSec int `mapstructure:"timeout_sec" yaml:"timeout_sec,omitempty"`
}

// ExecutionConfig tunes the orchestrator's retry and parallelism behavior.
type ExecutionConfig struct {
	// RetryEnabled turns in-place retries on transient failures on or off.
	RetryEnabled bool `mapstructure:"retry_enabled" yaml:"retry_enabled"`
	// MaxRetries is the attempt budget per service (1 = no retry).
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
	// RetryDelaySec is the fixed delay between in-place retries.
	RetryDelaySec int `mapstructure:"retry_delay_sec" yaml:"retry_delay_sec"`
	// MaxParallelWorkers bounds the parallel-shard worker pool.
	MaxParallelWorkers int `mapstructure:"max_parallel_workers" yaml:"max_parallel_workers"`
	// DefaultTimeoutSec bounds one adapter call when no rule overrides it.
	DefaultTimeoutSec int `mapstructure:"default_timeout_sec" yaml:"default_timeout_sec"`
	// ParallelFileThreshold is the file count above which the classifier
	// sets the parallelism hint.
	ParallelFileThreshold int `mapstructure:"parallel_file_threshold" yaml:"parallel_file_threshold"`
	// AnalysisFileThreshold is the file count above which a request is
	// forced into the codebase-analysis category.
	AnalysisFileThreshold int `mapstructure:"analysis_file_threshold" yaml:"analysis_file_threshold"`
	// ResultTruncateChars caps the result text stored on a task record.
	ResultTruncateChars int `mapstructure:"result_truncate_chars" yaml:"result_truncate_chars"`
}

// MemoryConfig tunes conversation context enrichment.
type MemoryConfig struct {
	// Enabled turns context enrichment on by default (per-request override).
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// SearchLimit caps the similar conversations consulted per request.
	SearchLimit int `mapstructure:"search_limit" yaml:"search_limit"`
	// MinSimilarity is the Jaccard score floor for a conversation to count.
	MinSimilarity float64 `mapstructure:"min_similarity" yaml:"min_similarity"`
	// MaxPerConversation caps messages pulled from each matching conversation.
	MaxPerConversation int `mapstructure:"max_per_conversation" yaml:"max_per_conversation"`
	// MaxAgeHours ignores messages older than this during enrichment.
	MaxAgeHours int `mapstructure:"max_age_hours" yaml:"max_age_hours"`
	// PruneAfterDays controls the prune horizon for stale conversations.
	PruneAfterDays int `mapstructure:"prune_after_days" yaml:"prune_after_days"`
}

// CostConfig tunes cost tracking.
type CostConfig struct {
	// Enabled turns per-request cost recording on.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Currency labels pricing rows; informational only.
	Currency string `mapstructure:"currency" yaml:"currency"`
}

// SandboxConfig lists directories whose files may be attached to requests.
type SandboxConfig struct {
	// AllowedDirs are absolute (or ~-relative) directory prefixes.
	AllowedDirs []string `mapstructure:"allowed_dirs" yaml:"allowed_dirs"`
}

// ClusterConfig tunes LAN discovery and delegation.
type ClusterConfig struct {
	// Enabled starts the cluster coordinator with the daemon.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Port is the UDP port for discovery broadcast and listen.
	Port int `mapstructure:"port" yaml:"port"`
	// BroadcastAddr is the datagram destination.
	BroadcastAddr string `mapstructure:"broadcast_addr" yaml:"broadcast_addr"`
	// DiscoveryIntervalSec is the broadcast and sweep cadence.
	DiscoveryIntervalSec int `mapstructure:"discovery_interval_sec" yaml:"discovery_interval_sec"`
	// AdvertisePort is the HTTP port peers use to delegate work here.
	AdvertisePort int `mapstructure:"advertise_port" yaml:"advertise_port"`
	// AdvertiseIP overrides outbound-interface detection when set.
	AdvertiseIP string `mapstructure:"advertise_ip" yaml:"advertise_ip,omitempty"`
	// DelegateTimeoutSec bounds one delegation POST to a peer.
	DelegateTimeoutSec int `mapstructure:"delegate_timeout_sec" yaml:"delegate_timeout_sec"`
}

// BackendConfig tunes local backend autostart and monitoring.
type BackendConfig struct {
	// AutostartEnabled spawns local backends that fail their health probe.
	AutostartEnabled bool `mapstructure:"autostart_enabled" yaml:"autostart_enabled"`
	// StartDeadlineSec bounds one autostart attempt including health polling.
	StartDeadlineSec int `mapstructure:"start_deadline_sec" yaml:"start_deadline_sec"`
	// MonitorIntervalSec is the background health re-check cadence. 0 disables.
	MonitorIntervalSec int `mapstructure:"monitor_interval_sec" yaml:"monitor_interval_sec"`
	// ModelPreferences orders model auto-detection; first match wins.
	ModelPreferences []string `mapstructure:"model_preferences" yaml:"model_preferences"`
	// WarmupOnStart issues a tiny generate call after autostart so the first
	// user request does not pay the model load.
	WarmupOnStart bool `mapstructure:"warmup_on_start" yaml:"warmup_on_start"`
	// ConnectRetries is the adapter-internal retry budget on connect refusal.
	ConnectRetries int `mapstructure:"connect_retries" yaml:"connect_retries"`
	// ConnectRetryDelaySec is the fixed delay between connect retries.
	ConnectRetryDelaySec int `mapstructure:"connect_retry_delay_sec" yaml:"connect_retry_delay_sec"`
}

// LoggingConfig controls the global logger.
type LoggingConfig struct {
	// Level is the minimum level: "trace", "debug", "info", "warn", "error".
	Level string `mapstructure:"level" yaml:"level"`
	// Dir receives session log files; empty disables file logging.
	Dir string `mapstructure:"dir" yaml:"dir"`
	// NoColor strips ANSI from console output.
	NoColor bool `mapstructure:"no_color" yaml:"no_color"`
}

// StorageConfig locates the SQLite store and its encryption key.
type StorageConfig struct {
	// DBPath is the SQLite database file.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
	// KeyPath is the at-rest encryption key file, generated on first run.
	KeyPath string `mapstructure:"key_path" yaml:"key_path"`
}

// Default returns a Config with sensible default values: a local Ollama
// service as primary, an LM Studio endpoint as fallback, and a Claude CLI
// service for code-heavy categories.
func Default() *Config {
	oxideDir := DataDir()

	return &Config{
		Services: []ServiceConfig{
			{
				ID:            "ollama",
				Kind:          KindOllama,
				Enabled:       true,
				BaseURL:       "http://127.0.0.1:11434",
				Capabilities:  []string{"general", "code", "fast"},
				ContextWindow: 32768,
			},
			{
				ID:            "lmstudio",
				Kind:          KindOpenAI,
				Enabled:       true,
				BaseURL:       "http://127.0.0.1:1234",
				Capabilities:  []string{"general", "code"},
				ContextWindow: 32768,
			},
			{
				ID:            "claude_cli",
				Kind:          KindCLI,
				Enabled:       true,
				Executable:    "claude",
				Args:          []string{"--print"},
				Capabilities:  []string{"code", "review", "refactor"},
				ContextWindow: 200000,
			},
		},
		Routing: map[string]RoutingRule{
			"code_generation":   {Primary: "claude_cli", Fallbacks: []string{"ollama", "lmstudio"}},
			"code_review":       {Primary: "claude_cli", Fallbacks: []string{"ollama"}},
			"bug_search":        {Primary: "ollama", Fallbacks: []string{"claude_cli", "lmstudio"}},
			"refactor":          {Primary: "claude_cli", Fallbacks: []string{"ollama"}},
			"documentation":     {Primary: "ollama", Fallbacks: []string{"lmstudio"}},
			"codebase_analysis": {Primary: "ollama", Fallbacks: []string{"lmstudio", "claude_cli"}, ParallelThreshold: 4, TimeoutSec: 300},
			"quick_query":       {Primary: "ollama", Fallbacks: []string{"lmstudio"}, TimeoutSec: 60},
			"general":           {Primary: "ollama", Fallbacks: []string{"lmstudio", "claude_cli"}},
		},
		Execution: ExecutionConfig{
			RetryEnabled:          true,
			MaxRetries:            3,
			RetryDelaySec:         2,
			MaxParallelWorkers:    4,
			DefaultTimeoutSec:     120,
			ParallelFileThreshold: 3,
			AnalysisFileThreshold: 10,
			ResultTruncateChars:   500,
		},
		Memory: MemoryConfig{
			Enabled:            true,
			SearchLimit:        3,
			MinSimilarity:      0.15,
			MaxPerConversation: 5,
			MaxAgeHours:        24,
			PruneAfterDays:     30,
		},
		Cost: CostConfig{
			Enabled:  true,
			Currency: "USD",
		},
		Sandbox: SandboxConfig{
			AllowedDirs: defaultAllowedDirs(),
		},
		Cluster: ClusterConfig{
			Enabled:              false,
			Port:                 8787,
			BroadcastAddr:        "255.255.255.255",
			DiscoveryIntervalSec: 5,
			AdvertisePort:        8080,
			DelegateTimeoutSec:   300,
		},
		Backend: BackendConfig{
			AutostartEnabled:     true,
			StartDeadlineSec:     30,
			MonitorIntervalSec:   60,
			ModelPreferences:     []string{"qwen2.5-coder", "llama3.2", "llama3.1", "codellama", "mistral"},
			WarmupOnStart:        false,
			ConnectRetries:       3,
			ConnectRetryDelaySec: 2,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   filepath.Join(oxideDir, "logs"),
		},
		Storage: StorageConfig{
			DBPath:  filepath.Join(oxideDir, "oxide.db"),
			KeyPath: filepath.Join(oxideDir, "oxide.key"),
		},
	}
}

// defaultAllowedDirs mirrors the sandbox defaults: user documents, projects,
// downloads, the working directory, /tmp, and /workspace.
func defaultAllowedDirs() []string {
	homeDir, _ := os.UserHomeDir()
	cwd, _ := os.Getwd()

	dirs := []string{
		filepath.Join(homeDir, "Documents"),
		filepath.Join(homeDir, "Projects"),
		filepath.Join(homeDir, "Downloads"),
		"/tmp",
		"/workspace",
	}
	if cwd != "" {
		dirs = append(dirs, cwd)
	}
	return dirs
}

// DataDir returns the Oxide state directory (~/.oxide).
func DataDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".oxide")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DataDir(), "config.yaml")
}

// Load reads configuration from ~/.oxide/config.yaml, creating it with
// defaults when absent, and merges OXIDE_* environment overrides.
func Load() (*Config, error) {
	return LoadFromPath(DefaultPath())
}

// LoadFromPath reads configuration from a specific file path. If the file
// does not exist it is created with default values first.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Environment overrides, e.g. OXIDE_CLUSTER_PORT=9000.
	v.SetEnvPrefix("OXIDE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Storage.DBPath = expandPath(cfg.Storage.DBPath)
	cfg.Storage.KeyPath = expandPath(cfg.Storage.KeyPath)
	cfg.Logging.Dir = expandPath(cfg.Logging.Dir)
	for i, dir := range cfg.Sandbox.AllowedDirs {
		cfg.Sandbox.AllowedDirs[i] = expandPath(dir)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills zero values left out of a hand-edited config file.
func (c *Config) applyDefaults() {
	def := Default()

	if c.Execution.MaxRetries == 0 {
		c.Execution.MaxRetries = def.Execution.MaxRetries
	}
	if c.Execution.RetryDelaySec == 0 {
		c.Execution.RetryDelaySec = def.Execution.RetryDelaySec
	}
	if c.Execution.MaxParallelWorkers == 0 {
		c.Execution.MaxParallelWorkers = def.Execution.MaxParallelWorkers
	}
	if c.Execution.DefaultTimeoutSec == 0 {
		c.Execution.DefaultTimeoutSec = def.Execution.DefaultTimeoutSec
	}
	if c.Execution.ParallelFileThreshold == 0 {
		c.Execution.ParallelFileThreshold = def.Execution.ParallelFileThreshold
	}
	if c.Execution.AnalysisFileThreshold == 0 {
		c.Execution.AnalysisFileThreshold = def.Execution.AnalysisFileThreshold
	}
	if c.Execution.ResultTruncateChars == 0 {
		c.Execution.ResultTruncateChars = def.Execution.ResultTruncateChars
	}
	if c.Memory.SearchLimit == 0 {
		c.Memory.SearchLimit = def.Memory.SearchLimit
	}
	if c.Memory.MinSimilarity == 0 {
		c.Memory.MinSimilarity = def.Memory.MinSimilarity
	}
	if c.Memory.MaxPerConversation == 0 {
		c.Memory.MaxPerConversation = def.Memory.MaxPerConversation
	}
	if c.Memory.MaxAgeHours == 0 {
		c.Memory.MaxAgeHours = def.Memory.MaxAgeHours
	}
	if c.Memory.PruneAfterDays == 0 {
		c.Memory.PruneAfterDays = def.Memory.PruneAfterDays
	}
	if c.Cost.Currency == "" {
		c.Cost.Currency = def.Cost.Currency
	}
	if c.Cluster.Port == 0 {
		c.Cluster.Port = def.Cluster.Port
	}
	if c.Cluster.BroadcastAddr == "" {
		c.Cluster.BroadcastAddr = def.Cluster.BroadcastAddr
	}
	if c.Cluster.DiscoveryIntervalSec == 0 {
		c.Cluster.DiscoveryIntervalSec = def.Cluster.DiscoveryIntervalSec
	}
	if c.Cluster.AdvertisePort == 0 {
		c.Cluster.AdvertisePort = def.Cluster.AdvertisePort
	}
	if c.Cluster.DelegateTimeoutSec == 0 {
		c.Cluster.DelegateTimeoutSec = def.Cluster.DelegateTimeoutSec
	}
	if c.Backend.StartDeadlineSec == 0 {
		c.Backend.StartDeadlineSec = def.Backend.StartDeadlineSec
	}
	if c.Backend.ConnectRetries == 0 {
		c.Backend.ConnectRetries = def.Backend.ConnectRetries
	}
	if c.Backend.ConnectRetryDelaySec == 0 {
		c.Backend.ConnectRetryDelaySec = def.Backend.ConnectRetryDelaySec
	}
	if len(c.Backend.ModelPreferences) == 0 {
		c.Backend.ModelPreferences = def.Backend.ModelPreferences
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = def.Storage.DBPath
	}
	if c.Storage.KeyPath == "" {
		c.Storage.KeyPath = def.Storage.KeyPath
	}
	if len(c.Sandbox.AllowedDirs) == 0 {
		c.Sandbox.AllowedDirs = def.Sandbox.AllowedDirs
	}
}

// Service returns the descriptor with the given id.
func (c *Config) Service(id string) (ServiceConfig, bool) {
	for _, svc := range c.Services {
		if svc.ID == id {
			return svc, true
		}
	}
	return ServiceConfig{}, false
}

// Save writes the configuration to the default config file location.
func (c *Config) Save() error {
	return c.SaveToPath(DefaultPath())
}

// SaveToPath writes the configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return writeConfigFile(path, c)
}

// EnsureDirectories creates the state, log, and store directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		DataDir(),
		filepath.Dir(c.Storage.DBPath),
	}
	if c.Logging.Dir != "" {
		dirs = append(dirs, c.Logging.Dir, filepath.Join(c.Logging.Dir, "backends"))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Validate checks structural invariants: service ids unique and kinds known,
// every routing rule referencing an existing service, and sane execution
// numbers. A config that fails validation is a fatal startup error.
func (c *Config) Validate() error {
	if len(c.Services) == 0 {
		return fmt.Errorf("no services configured")
	}

	seen := make(map[string]bool, len(c.Services))
	for _, svc := range c.Services {
		if svc.ID == "" {
			return fmt.Errorf("service with empty id")
		}
		if seen[svc.ID] {
			return fmt.Errorf("duplicate service id %q", svc.ID)
		}
		seen[svc.ID] = true

		if !svc.Kind.Valid() {
			return fmt.Errorf("service %q: unknown kind %q", svc.ID, svc.Kind)
		}
		switch svc.Kind {
		case KindCLI:
			if svc.Executable == "" {
				return fmt.Errorf("service %q: cli kind requires executable", svc.ID)
			}
		case KindOllama, KindOpenAI:
			if svc.BaseURL == "" {
				return fmt.Errorf("service %q: %s kind requires base_url", svc.ID, svc.Kind)
			}
		}
	}

	for category, rule := range c.Routing {
		if rule.Primary == "" {
			return fmt.Errorf("routing rule %q: empty primary", category)
		}
		if !seen[rule.Primary] {
			return fmt.Errorf("routing rule %q: primary %q is not a configured service", category, rule.Primary)
		}
		for _, fb := range rule.Fallbacks {
			if !seen[fb] {
				return fmt.Errorf("routing rule %q: fallback %q is not a configured service", category, fb)
			}
		}
	}

	if c.Execution.MaxRetries < 1 {
		return fmt.Errorf("execution.max_retries must be at least 1")
	}
	if c.Execution.MaxParallelWorkers < 1 {
		return fmt.Errorf("execution.max_parallel_workers must be at least 1")
	}
	if c.Cluster.Port < 0 || c.Cluster.Port > 65535 {
		return fmt.Errorf("cluster.port %d out of range", c.Cluster.Port)
	}

	return nil
}

// Snapshot serialises the config to YAML, used for config-history rows.
func (c *Config) Snapshot() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal config snapshot: %w", err)
	}
	return string(data), nil
}

// writeConfigFile writes a Config to a YAML file using the yaml struct tags.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
