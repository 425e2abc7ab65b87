// Package config loads Metatron configuration: YAML file, then
// environment overrides, then the OS keyring for the API key.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/avi-rzv/metatron/pkg/metatron/llm"
	"github.com/avi-rzv/metatron/pkg/metatron/tts"
	"github.com/avi-rzv/metatron/pkg/metatron/wa"
)

// Config holds all Metatron configuration.
type Config struct {
	// Name is the assistant name used in conversation titles and logs.
	Name string `yaml:"name" env:"METATRON_NAME"`

	// Instructions are the base system prompt shared by every chat.
	Instructions string `yaml:"instructions" env:"METATRON_INSTRUCTIONS"`

	// StorePath is the SQLite file for permissions and conversations.
	StorePath string `yaml:"store_path" env:"METATRON_STORE_PATH"`

	// WhatsApp configures the session manager and transport.
	WhatsApp wa.Config `yaml:"whatsapp"`

	// LLM configures the reply generator and transcription.
	LLM llm.Config `yaml:"llm"`

	// TTS configures voice reply synthesis.
	TTS tts.Config `yaml:"tts"`

	// Gateway configures the admin HTTP API.
	Gateway GatewayConfig `yaml:"gateway"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// GatewayConfig configures the admin HTTP API.
type GatewayConfig struct {
	// Listen is the bind address. Empty disables the gateway.
	Listen string `yaml:"listen" env:"METATRON_GATEWAY_LISTEN"`

	// Token is the bearer token required on every request. Empty
	// disables auth (bind to localhost only in that case).
	Token string `yaml:"token" env:"METATRON_GATEWAY_TOKEN"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"METATRON_GATEWAY_SHUTDOWN_TIMEOUT"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" env:"METATRON_LOG_LEVEL"`

	// Format is "text" or "json".
	Format string `yaml:"format" env:"METATRON_LOG_FORMAT"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:      "Metatron",
		StorePath: "./data/metatron.db",
		WhatsApp:  wa.DefaultConfig(),
		LLM: llm.Config{
			Model: "gpt-4o-mini",
		},
		TTS: tts.Config{
			Provider: "auto",
		},
		Gateway: GatewayConfig{
			Listen:          "127.0.0.1:8642",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path (missing file is fine — defaults
// apply), then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// No file: defaults plus env.
	case err != nil:
		return nil, fmt.Errorf("reading config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("applying env overrides: %w", err)
	}

	return cfg, nil
}

// Save writes the config back to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// SlogLevel maps the configured level to a slog.Level.
func (c LoggingConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
