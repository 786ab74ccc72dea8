// Package config provides layered configuration for codesmith: defaults, an optional config file, environment
// variables and command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cchalm/codesmith/internal/codestore"
)

// EnvPrefix prefixes every environment variable except the API credentials
const EnvPrefix = "CODESMITH"

// Config holds the configuration for every command
type Config struct {
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	GithubToken     string `mapstructure:"github_token"`

	LLM       LLMConfig       `mapstructure:"llm"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Store     StoreConfig     `mapstructure:"store"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LLMConfig configures the model backend
type LLMConfig struct {
	Model            string        `mapstructure:"model"`
	MaxTokens        int64         `mapstructure:"max_tokens"`
	ImageMaxTokens   int64         `mapstructure:"image_max_tokens"`
	StreamTimeout    time.Duration `mapstructure:"stream_timeout"` // 0 disables the timeout
	MaxRetries       int           `mapstructure:"max_retries"`
	MaxRateLimitWait time.Duration `mapstructure:"max_rate_limit_wait"`
}

// ChatConfig configures conversation controllers
type ChatConfig struct {
	HistoryMessages    int           `mapstructure:"history_messages"` // negative replays the whole conversation
	QueueTurns         bool          `mapstructure:"queue_turns"`
	PersistTimeout     time.Duration `mapstructure:"persist_timeout"`
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout"`
}

// StoreConfig selects where the current code is persisted
type StoreConfig struct {
	Backend  string `mapstructure:"backend"` // memory, env, file, libsql, gist
	EnvKey   string `mapstructure:"env_key"`
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	Key      string `mapstructure:"key"`
	GistID   string `mapstructure:"gist_id"`
	GistFile string `mapstructure:"gist_file"`
	SeedFile string `mapstructure:"seed_file"` // loaded when the store is empty at startup
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigin   string        `mapstructure:"allowed_origin"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// TelemetryConfig configures tracing export
type TelemetryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"` // host:port of an OTLP/HTTP collector
	Insecure bool   `mapstructure:"insecure"`
}

// SetDefaults registers the default value of every key
func SetDefaults(v *viper.Viper) {
	v.SetDefault("anthropic_api_key", "")
	v.SetDefault("github_token", "")

	v.SetDefault("llm.model", "claude-sonnet-4-0")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.image_max_tokens", 1024)
	v.SetDefault("llm.stream_timeout", 2*time.Minute)
	v.SetDefault("llm.max_retries", 5)
	v.SetDefault("llm.max_rate_limit_wait", time.Minute)

	v.SetDefault("chat.history_messages", 10)
	v.SetDefault("chat.queue_turns", false)
	v.SetDefault("chat.persist_timeout", 30*time.Second)
	v.SetDefault("chat.session_idle_timeout", time.Hour)

	v.SetDefault("store.backend", codestore.KindMemory)
	v.SetDefault("store.env_key", codestore.DefaultEnvKey)
	v.SetDefault("store.path", "")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.key", codestore.DefaultSQLKey)
	v.SetDefault("store.gist_id", "")
	v.SetDefault("store.gist_file", codestore.DefaultGistFile)
	v.SetDefault("store.seed_file", "")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origin", "*")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4318")
	v.SetDefault("telemetry.insecure", true)
}

// Load reads configuration into a Config. configFile may be empty, in which case only defaults, environment and
// whatever flags are bound to v apply
func Load(v *viper.Viper, configFile string) (Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Credentials keep their conventional, unprefixed names
	if err := v.BindEnv("anthropic_api_key", "ANTHROPIC_API_KEY", EnvPrefix+"_ANTHROPIC_API_KEY"); err != nil {
		return Config{}, fmt.Errorf("failed to bind environment: %w", err)
	}
	if err := v.BindEnv("github_token", "GITHUB_TOKEN", EnvPrefix+"_GITHUB_TOKEN"); err != nil {
		return Config{}, fmt.Errorf("failed to bind environment: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file '%s': %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return cfg, nil
}

// CodeStore converts the store section for codestore.Open
func (c Config) CodeStore() codestore.Config {
	return codestore.Config{
		Backend:     c.Store.Backend,
		EnvKey:      c.Store.EnvKey,
		Path:        c.Store.Path,
		DSN:         c.Store.DSN,
		Key:         c.Store.Key,
		GistID:      c.Store.GistID,
		GistFile:    c.Store.GistFile,
		GithubToken: c.GithubToken,
	}
}

// Validate checks that the configuration is usable. requireModel is set by commands that talk to the model
func (c Config) Validate(requireModel bool) error {
	var errs []error
	if requireModel {
		if c.AnthropicAPIKey == "" {
			errs = append(errs, errors.New("missing required environment variable: ANTHROPIC_API_KEY"))
		}
		if c.LLM.Model == "" {
			errs = append(errs, errors.New("llm.model must not be empty"))
		}
		if c.LLM.MaxTokens <= 0 {
			errs = append(errs, fmt.Errorf("llm.max_tokens must be positive, got %d", c.LLM.MaxTokens))
		}
	}
	if c.LLM.StreamTimeout < 0 {
		errs = append(errs, fmt.Errorf("llm.stream_timeout must not be negative, got %s", c.LLM.StreamTimeout))
	}

	switch c.Store.Backend {
	case codestore.KindMemory, codestore.KindEnv:
	case codestore.KindFile:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the file backend"))
		}
	case codestore.KindLibSQL:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the libsql backend"))
		}
	case codestore.KindGist:
		if c.Store.GistID == "" {
			errs = append(errs, errors.New("store.gist_id is required for the gist backend"))
		}
		if c.GithubToken == "" {
			errs = append(errs, errors.New("missing required environment variable: GITHUB_TOKEN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend '%s'", c.Store.Backend))
	}
	return errors.Join(errs...)
}
