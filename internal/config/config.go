// Package config loads and validates the chatgate YAML configuration.
// Environment variables in the form ${VAR} and ${VAR:-default} are
// expanded before parsing, so tokens and API keys never need to live
// in the file itself.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for chatgate.
type Config struct {
	General     GeneralConfig            `yaml:"general"`
	Backends    map[string]BackendConfig `yaml:"backends"`
	Router      RouterConfig             `yaml:"router"`
	Channels    ChannelsConfig           `yaml:"channels"`
	Memory      MemoryConfig             `yaml:"memory"`
	Retriever   RetrieverConfig          `yaml:"retriever"`
	Coordinator CoordinatorConfig        `yaml:"coordinator"`
	Metrics     MetricsConfig            `yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel     string `yaml:"log_level"` // "debug" | "info" | "warn" | "error"
	LogFile      string `yaml:"log_file,omitempty"`
	SystemPrompt string `yaml:"system_prompt,omitempty"`
	BusBuffer    int    `yaml:"bus_buffer"`
}

// BackendConfig configures one LLM backend. Kind selects the wire
// dialect: "openai" (chat completions) or "anthropic" (messages API).
type BackendConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Kind        string  `yaml:"kind"`
	APIBase     string  `yaml:"api_base,omitempty"`
	APIKey      string  `yaml:"api_key,omitempty"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty"`
}

type RouterConfig struct {
	Default     string   `yaml:"default"`
	MaxAttempts int      `yaml:"max_attempts"`
	Timeout     Duration `yaml:"timeout"`      // per-attempt wall clock
	BackoffBase Duration `yaml:"backoff_base"` // first retry delay
}

type ChannelsConfig struct {
	Discord  DiscordConfig  `yaml:"discord"`
	Telegram TelegramConfig `yaml:"telegram"`
	CLI      CLIConfig      `yaml:"cli"`
}

type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	GuildID string `yaml:"guild_id,omitempty"` // optional: restrict to one guild
}

type TelegramConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Token     string   `yaml:"token"`
	AllowFrom []string `yaml:"allow_from,omitempty"`
}

type CLIConfig struct {
	Enabled bool `yaml:"enabled"`
}

type MemoryConfig struct {
	DBPath        string          `yaml:"db_path"`
	RetentionDays int             `yaml:"retention_days"`
	Embedding     EmbeddingConfig `yaml:"embedding"`
}

// EmbeddingConfig points at an OpenAI-compatible /embeddings endpoint.
type EmbeddingConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIBase string `yaml:"api_base"`
	APIKey  string `yaml:"api_key,omitempty"`
	Model   string `yaml:"model"`
}

type RetrieverConfig struct {
	MaxContextTokens int     `yaml:"max_context_tokens"`
	ReserveTokens    int     `yaml:"reserve_tokens"` // held back for the completion
	RecentMaxTokens  int     `yaml:"recent_max_tokens"`
	TopK             int     `yaml:"top_k"`
	MinSimilarity    float64 `yaml:"min_similarity"`
}

type CoordinatorConfig struct {
	QueueSize      int      `yaml:"queue_size"`
	PersistTimeout Duration `yaml:"persist_timeout"`
	Streaming      bool     `yaml:"streaming"`
	ApologyText    string   `yaml:"apology_text,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// DefaultConfigDir returns the default config directory (~/.chatgate).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatgate"
	}
	return filepath.Join(home, ".chatgate")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Defaults returns a Config with sane defaults; Load layers the file on top.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			BusBuffer: 100,
		},
		Backends: map[string]BackendConfig{
			"openai": {
				Enabled:   true,
				Kind:      "openai",
				APIBase:   "https://api.openai.com/v1",
				APIKey:    "${OPENAI_API_KEY}",
				Model:     "gpt-4o-mini",
				MaxTokens: 1024,
			},
			"anthropic": {
				Enabled:   false,
				Kind:      "anthropic",
				APIBase:   "https://api.anthropic.com",
				APIKey:    "${ANTHROPIC_API_KEY}",
				Model:     "claude-3-5-haiku-latest",
				MaxTokens: 1024,
			},
		},
		Router: RouterConfig{
			Default:     "openai",
			MaxAttempts: 3,
			Timeout:     Duration(60 * time.Second),
			BackoffBase: Duration(500 * time.Millisecond),
		},
		Memory: MemoryConfig{
			DBPath:        filepath.Join(DefaultConfigDir(), "memory.db"),
			RetentionDays: 90,
			Embedding: EmbeddingConfig{
				Model: "text-embedding-3-small",
			},
		},
		Retriever: RetrieverConfig{
			MaxContextTokens: 4096,
			ReserveTokens:    1024,
			RecentMaxTokens:  2048,
			TopK:             5,
			MinSimilarity:    0.70,
		},
		Coordinator: CoordinatorConfig{
			QueueSize:      32,
			PersistTimeout: Duration(5 * time.Second),
			ApologyText:    "Sorry, something went wrong handling that message. Please try again.",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9091",
			Path: "/metrics",
		},
	}
}

// Load reads, expands, parses and validates the config at path.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// Save writes the config as YAML, creating the directory if needed.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is
// unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // keep original if no env var and no default
		}
		return val
	})
}

// Validate checks the config and reports every problem at once.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.log_level must be one of: debug, info, warn, error")
	}
	if cfg.General.BusBuffer < 1 {
		errs = append(errs, "general.bus_buffer must be >= 1")
	}

	if cfg.Router.MaxAttempts < 1 || cfg.Router.MaxAttempts > 10 {
		errs = append(errs, "router.max_attempts must be between 1 and 10")
	}
	if cfg.Router.Timeout.Std() < time.Second {
		errs = append(errs, "router.timeout must be >= 1s")
	}
	if cfg.Router.Default != "" {
		if _, ok := cfg.Backends[cfg.Router.Default]; !ok {
			errs = append(errs, fmt.Sprintf("router.default references unknown backend: %s", cfg.Router.Default))
		}
	}

	for name, bc := range cfg.Backends {
		switch bc.Kind {
		case "openai", "anthropic":
		default:
			errs = append(errs, fmt.Sprintf("backends.%s: kind must be openai or anthropic", name))
		}
		if bc.Enabled && bc.Model == "" {
			errs = append(errs, fmt.Sprintf("backends.%s: model is required", name))
		}
	}

	if cfg.Memory.DBPath == "" {
		errs = append(errs, "memory.db_path is required")
	}
	if cfg.Memory.RetentionDays < 1 {
		errs = append(errs, "memory.retention_days must be >= 1")
	}
	if cfg.Memory.Embedding.Enabled {
		if cfg.Memory.Embedding.APIBase == "" {
			errs = append(errs, "memory.embedding.api_base is required when embedding is enabled")
		}
		if cfg.Memory.Embedding.Model == "" {
			errs = append(errs, "memory.embedding.model is required when embedding is enabled")
		}
	}

	if cfg.Retriever.MaxContextTokens < 1 {
		errs = append(errs, "retriever.max_context_tokens must be >= 1")
	}
	if cfg.Retriever.ReserveTokens < 0 || cfg.Retriever.ReserveTokens >= cfg.Retriever.MaxContextTokens {
		errs = append(errs, "retriever.reserve_tokens must be >= 0 and below max_context_tokens")
	}
	if cfg.Retriever.TopK < 0 {
		errs = append(errs, "retriever.top_k must be >= 0")
	}
	if cfg.Retriever.MinSimilarity < -1 || cfg.Retriever.MinSimilarity > 1 {
		errs = append(errs, "retriever.min_similarity must be between -1 and 1")
	}

	if cfg.Coordinator.QueueSize < 1 {
		errs = append(errs, "coordinator.queue_size must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
