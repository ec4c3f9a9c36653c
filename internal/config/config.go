package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for hearthbot.
type Config struct {
	General     GeneralConfig             `json:"general"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Profiles    ProfilesConfig            `json:"profiles"`
	Channels    ChannelsConfig            `json:"channels"`
	Memory      MemoryConfig              `json:"memory"`
	Attachments AttachmentsConfig         `json:"attachments"`
	Batching    BatchingConfig            `json:"batching"`
	Dispatch    DispatchConfig            `json:"dispatch"`
	Typing      TypingConfig              `json:"typing"`
	Confirm     ConfirmConfig             `json:"confirm"`
	Security    SecurityConfig            `json:"security"`
	Events      EventsConfig              `json:"events"`
	Metrics     MetricsConfig             `json:"metrics"`
}

type GeneralConfig struct {
	Workspace          string `json:"workspace"`
	LogLevel           string `json:"logLevel"`
	LogFile            string `json:"logFile,omitempty"` // optional JSON log file, fanned out with stderr
	Debug              bool   `json:"debug"`             // send error traces to the user instead of an apology
	MaxIterations      int    `json:"maxIterations"`
	MaxConcurrentTurns int    `json:"maxConcurrentTurns"`
	RateLimitPerMinute int    `json:"rateLimitPerMinute,omitempty"`
	LLMRetries         int    `json:"llmRetries"` // retries of transient LLM failures per model
}

type ProviderConfig struct {
	Enabled      bool   `json:"enabled"`
	APIBase      string `json:"apiBase,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	DefaultModel string `json:"defaultModel,omitempty"`
}

// ProfilesConfig points at the YAML profile definitions.
type ProfilesConfig struct {
	Dir      string            `json:"dir"`
	Default  string            `json:"default"`
	Commands map[string]string `json:"commands,omitempty"` // slash command -> profile id
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Web      WebConfig      `json:"web"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
	ParseMode string         `json:"parseMode"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

type WebConfig struct {
	Enabled        bool     `json:"enabled"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Path           string   `json:"path"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

type MemoryConfig struct {
	DBPath       string `json:"dbPath"`
	HistoryLimit int    `json:"historyLimit"`
}

type AttachmentsConfig struct {
	StoragePath   string `json:"storagePath"`
	PublicBaseURL string `json:"publicBaseURL"`
	MaxSizeBytes  int64  `json:"maxSizeBytes"`
}

// BatchingConfig controls how rapid-fire messages are merged into one turn.
type BatchingConfig struct {
	QuietMillis  int `json:"quietMillis"`
	MaxAgeMillis int `json:"maxAgeMillis"`
}

type DispatchConfig struct {
	MaxChunkChars     int `json:"maxChunkChars"`
	ChunkPacingMillis int `json:"chunkPacingMillis"`
}

type TypingConfig struct {
	IntervalSeconds int `json:"intervalSeconds"`
	StopGraceMillis int `json:"stopGraceMillis"`
}

type ConfirmConfig struct {
	TimeoutSeconds int `json:"timeoutSeconds"`
}

type SecurityConfig struct {
	DefaultPolicy   string   `json:"defaultPolicy"` // "allow" | "deny" | "ask"
	Blacklist       []string `json:"blacklist"`
	Whitelist       []string `json:"whitelist"`
	ConfirmPatterns []string `json:"confirmPatterns"`
	AuditLog        bool     `json:"auditLog"`
}

// EventsConfig configures where lifecycle events are published.
type EventsConfig struct {
	AMQP AMQPConfig `json:"amqp"`
}

type AMQPConfig struct {
	URL      string `json:"url,omitempty"`
	Exchange string `json:"exchange"`
	Producer string `json:"producer"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

func (b BatchingConfig) Quiet() time.Duration  { return time.Duration(b.QuietMillis) * time.Millisecond }
func (b BatchingConfig) MaxAge() time.Duration { return time.Duration(b.MaxAgeMillis) * time.Millisecond }
func (d DispatchConfig) Pacing() time.Duration {
	return time.Duration(d.ChunkPacingMillis) * time.Millisecond
}
func (t TypingConfig) Interval() time.Duration { return time.Duration(t.IntervalSeconds) * time.Second }
func (t TypingConfig) StopGrace() time.Duration {
	return time.Duration(t.StopGraceMillis) * time.Millisecond
}
func (c ConfirmConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSeconds) * time.Second }

// DefaultConfigDir returns the default config directory (~/.hearthbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hearthbot"
	}
	return filepath.Join(home, ".hearthbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.Workspace = ExpandPath(cfg.General.Workspace)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)
	cfg.Profiles.Dir = ExpandPath(cfg.Profiles.Dir)
	cfg.Attachments.StoragePath = ExpandPath(cfg.Attachments.StoragePath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without a default is left as is.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.MaxIterations < 1 || cfg.General.MaxIterations > 50 {
		errs = append(errs, "general.maxIterations must be between 1 and 50")
	}
	if cfg.General.MaxConcurrentTurns < 1 || cfg.General.MaxConcurrentTurns > 100 {
		errs = append(errs, "general.maxConcurrentTurns must be between 1 and 100")
	}
	if cfg.General.LLMRetries < 0 || cfg.General.LLMRetries > 5 {
		errs = append(errs, "general.llmRetries must be between 0 and 5")
	}
	if cfg.Channels.Web.Port < 0 || cfg.Channels.Web.Port > 65535 {
		errs = append(errs, "channels.web.port must be between 0 and 65535")
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when telegram is enabled")
	}
	if cfg.Profiles.Default == "" {
		errs = append(errs, "profiles.default is required")
	}
	if cfg.Memory.HistoryLimit < 1 {
		errs = append(errs, "memory.historyLimit must be >= 1")
	}
	if cfg.Batching.QuietMillis < 0 {
		errs = append(errs, "batching.quietMillis must be >= 0")
	}
	if cfg.Batching.MaxAgeMillis < cfg.Batching.QuietMillis {
		errs = append(errs, "batching.maxAgeMillis must be >= batching.quietMillis")
	}
	// Each surface further caps chunks at its own limit, in its own units.
	if cfg.Dispatch.MaxChunkChars < 100 || cfg.Dispatch.MaxChunkChars > 4096 {
		errs = append(errs, "dispatch.maxChunkChars must be between 100 and 4096")
	}
	if cfg.Dispatch.ChunkPacingMillis < 0 {
		errs = append(errs, "dispatch.chunkPacingMillis must be >= 0")
	}
	if cfg.Typing.IntervalSeconds < 1 {
		errs = append(errs, "typing.intervalSeconds must be >= 1")
	}
	if cfg.Confirm.TimeoutSeconds < 1 {
		errs = append(errs, "confirm.timeoutSeconds must be >= 1")
	}
	switch cfg.Security.DefaultPolicy {
	case "allow", "deny", "ask":
	default:
		errs = append(errs, "security.defaultPolicy must be one of: allow, deny, ask")
	}
	if cfg.Events.AMQP.URL != "" && cfg.Events.AMQP.Exchange == "" {
		errs = append(errs, "events.amqp.exchange is required when events.amqp.url is set")
	}

	for name, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		switch name {
		case "ollama":
		case "openai", "anthropic":
			if pc.APIKey == "" {
				errs = append(errs, fmt.Sprintf("providers.%s: apiKey is required", name))
			}
		default:
			errs = append(errs, fmt.Sprintf("providers.%s: unsupported provider", name))
		}
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
