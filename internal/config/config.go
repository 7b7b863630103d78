package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. CHATDESK_DB_PATH.
const EnvPrefix = "CHATDESK"

// Provider names accepted in model_provider.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderDummy  = "dummy"
)

// Config holds the service configuration. Values come from defaults, an
// optional YAML file and CHATDESK_* environment variables, in increasing
// precedence.
type Config struct {
	Addr                     string       `mapstructure:"addr"`
	DBPath                   string       `mapstructure:"db_path"`
	HistoryWindow            int          `mapstructure:"history_window"`
	ModelProvider            string       `mapstructure:"model_provider"`
	OpenAI                   OpenAIConfig `mapstructure:"openai"`
	Gemini                   GeminiConfig `mapstructure:"gemini"`
	DummyScript              string       `mapstructure:"dummy_script"`
	CompletionTimeoutSeconds int          `mapstructure:"completion_timeout_seconds"`
	MaxRetries               int          `mapstructure:"max_retries"`
	BreakerThreshold         int          `mapstructure:"breaker_threshold"`
	BreakerCooldownSeconds   int          `mapstructure:"breaker_cooldown_seconds"`
	SystemPrompt             string       `mapstructure:"system_prompt"`
	BroadcastWorkers         int          `mapstructure:"broadcast_workers"`
}

type OpenAIConfig struct {
	APIKey string `mapstructure:"api_key"`
	URL    string `mapstructure:"url"`
	Model  string `mapstructure:"model"`
}

type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("db_path", "/state/chatdesk.db")
	v.SetDefault("history_window", 5)
	v.SetDefault("model_provider", ProviderOpenAI)
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.url", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("dummy_script", "")
	v.SetDefault("completion_timeout_seconds", 60)
	v.SetDefault("max_retries", 2)
	v.SetDefault("breaker_threshold", 5)
	v.SetDefault("breaker_cooldown_seconds", 30)
	v.SetDefault("system_prompt", "")
	v.SetDefault("broadcast_workers", 16)
}

// Load reads configuration. An empty path searches the working directory
// for an optional chatdesk.yaml; a non-empty path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("chatdesk")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.ModelProvider = strings.ToLower(strings.TrimSpace(cfg.ModelProvider))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// EnvName returns the environment variable for a config key.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Validate checks ranges and provider credentials. Errors name the
// environment variable to fix.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("%s is required", EnvName("addr"))
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("%s is required", EnvName("db_path"))
	}
	if c.HistoryWindow < 1 {
		return fmt.Errorf("invalid %s=%d (must be >= 1)", EnvName("history_window"), c.HistoryWindow)
	}
	if c.CompletionTimeoutSeconds < 1 {
		return fmt.Errorf("invalid %s=%d (must be >= 1)", EnvName("completion_timeout_seconds"), c.CompletionTimeoutSeconds)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("invalid %s=%d (must be >= 0)", EnvName("max_retries"), c.MaxRetries)
	}
	if c.BreakerThreshold < 1 {
		return fmt.Errorf("invalid %s=%d (must be >= 1)", EnvName("breaker_threshold"), c.BreakerThreshold)
	}
	if c.BreakerCooldownSeconds < 1 {
		return fmt.Errorf("invalid %s=%d (must be >= 1)", EnvName("breaker_cooldown_seconds"), c.BreakerCooldownSeconds)
	}
	if c.BroadcastWorkers < 1 {
		return fmt.Errorf("invalid %s=%d (must be >= 1)", EnvName("broadcast_workers"), c.BroadcastWorkers)
	}

	switch c.ModelProvider {
	case ProviderOpenAI:
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("%s is required when %s=%s", EnvName("openai.api_key"), EnvName("model_provider"), ProviderOpenAI)
		}
		if c.OpenAI.URL == "" {
			return fmt.Errorf("%s is required", EnvName("openai.url"))
		}
	case ProviderGemini:
		if c.Gemini.APIKey == "" {
			return fmt.Errorf("%s is required when %s=%s", EnvName("gemini.api_key"), EnvName("model_provider"), ProviderGemini)
		}
	case ProviderDummy:
	default:
		return fmt.Errorf("invalid %s=%q (want %s, %s or %s)",
			EnvName("model_provider"), c.ModelProvider, ProviderOpenAI, ProviderGemini, ProviderDummy)
	}
	return nil
}

func (c *Config) CompletionTimeout() time.Duration {
	return time.Duration(c.CompletionTimeoutSeconds) * time.Second
}

func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownSeconds) * time.Second
}
