// Package config loads the service configuration from a YAML file, with
// secrets falling back to environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	// Reasoning service
	OpenAIKey string `yaml:"openai_key"`
	Model     string `yaml:"model"`

	// Messaging gateway
	Twilio TwilioConfig `yaml:"twilio"`

	// Storage
	Redis RedisConfig `yaml:"redis"`

	// HTTP surface
	ListenAddr        string `yaml:"listen_addr"`
	ObservabilityPort int    `yaml:"observability_port"`

	// Pipeline tuning
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// TwilioConfig holds the WhatsApp gateway credentials
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`
}

// RedisConfig holds the session store connection settings
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// PipelineConfig holds the turn-pipeline timing knobs
type PipelineConfig struct {
	DebounceWindowSeconds int     `yaml:"debounce_window_seconds"`
	DebounceSweep         string  `yaml:"debounce_sweep"`
	IdleTimeoutHours      int     `yaml:"idle_timeout_hours"`
	ExpirySweep           string  `yaml:"expiry_sweep"`
	DeliveryAttempts      int     `yaml:"delivery_attempts"`
	SendRatePerSec        float64 `yaml:"send_rate_per_sec"`
}

// DebounceWindow returns the debounce window as a duration.
func (p PipelineConfig) DebounceWindow() time.Duration {
	return time.Duration(p.DebounceWindowSeconds) * time.Second
}

// IdleTimeout returns the idle-expiry cutoff as a duration.
func (p PipelineConfig) IdleTimeout() time.Duration {
	return time.Duration(p.IdleTimeoutHours) * time.Hour
}

// LoadConfig loads configuration from a YAML file. A missing file is not
// an error; defaults and environment variables still apply.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	// Apply defaults
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":3000"
	}
	if cfg.ObservabilityPort == 0 {
		cfg.ObservabilityPort = 9090
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "dishhub:"
	}
	if cfg.Pipeline.DebounceWindowSeconds == 0 {
		cfg.Pipeline.DebounceWindowSeconds = 8
	}
	if cfg.Pipeline.DebounceSweep == "" {
		cfg.Pipeline.DebounceSweep = "@every 2s"
	}
	if cfg.Pipeline.IdleTimeoutHours == 0 {
		cfg.Pipeline.IdleTimeoutHours = 12
	}
	if cfg.Pipeline.ExpirySweep == "" {
		cfg.Pipeline.ExpirySweep = "@every 1h"
	}
	if cfg.Pipeline.DeliveryAttempts == 0 {
		cfg.Pipeline.DeliveryAttempts = 3
	}
	if cfg.Pipeline.SendRatePerSec == 0 {
		cfg.Pipeline.SendRatePerSec = 10
	}

	// Load secrets from environment if not in config
	if cfg.OpenAIKey == "" {
		cfg.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Twilio.AccountSID == "" {
		cfg.Twilio.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.Twilio.AuthToken == "" {
		cfg.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.Twilio.FromNumber == "" {
		cfg.Twilio.FromNumber = os.Getenv("TWILIO_WHATSAPP_NUMBER")
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" && cfg.Redis.Addr == "localhost:6379" {
		cfg.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" && cfg.Redis.Password == "" {
		cfg.Redis.Password = pw
	}

	return &cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.OpenAIKey == "" {
		return fmt.Errorf("openai_key is required")
	}
	if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" {
		return fmt.Errorf("twilio credentials are required")
	}
	if c.Twilio.FromNumber == "" {
		return fmt.Errorf("twilio from_number is required")
	}
	return nil
}
