package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type APIConfig struct {
	Port int `yaml:"port"`
	// AuthSecret signs and verifies the bearer tokens guarding the API.
	// Empty disables the guard (dev only).
	AuthSecret string `yaml:"auth_secret"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ProvidersConfig struct {
	OpenAIKey string `yaml:"openai_key"`
	GeminiKey string `yaml:"gemini_key"`
	GeminiURL string `yaml:"gemini_url"`

	VisionKey     string `yaml:"vision_key"`
	VisionBaseURL string `yaml:"vision_base_url"`
	VisionModel   string `yaml:"vision_model"`

	RemoveBgKey string `yaml:"removebg_key"`
	RemoveBgURL string `yaml:"removebg_url"`

	// Fixed-window rate limit applied to generation calls.
	RateLimit       int           `yaml:"rate_limit"`
	RateWindow      time.Duration `yaml:"rate_window"`
	GenerateRetries int           `yaml:"generate_retries"`
}

type PipelineConfig struct {
	TempDir  string `yaml:"temp_dir"`
	FinalDir string `yaml:"final_dir"`
	// TopUpAttempts bounds resubmissions when a provider under-delivers.
	TopUpAttempts int `yaml:"topup_attempts"`
}

type Config struct {
	Log       LogConfig       `yaml:"log"`
	API       APIConfig       `yaml:"api"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads and validates the yaml config. Flag parsing belongs to
// the binaries; they pass the resolved path and dev switch in.
func LoadConfig(configPath string, dev bool) (*Config, error) {
	b, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.API.Port <= 0 {
		cfg.API.Port = 8080
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 8
	}
	if cfg.Providers.RateLimit <= 0 {
		cfg.Providers.RateLimit = 10
	}
	if cfg.Providers.RateWindow <= 0 {
		cfg.Providers.RateWindow = time.Minute
	}
	if cfg.Providers.GenerateRetries <= 0 {
		cfg.Providers.GenerateRetries = 3
	}
	if cfg.Pipeline.TempDir == "" {
		cfg.Pipeline.TempDir = "data/temp"
	}
	if cfg.Pipeline.FinalDir == "" {
		cfg.Pipeline.FinalDir = "data/final"
	}
	if cfg.Pipeline.TopUpAttempts <= 0 {
		cfg.Pipeline.TopUpAttempts = 3
	}

	// Minimal validation
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required")
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}

// ValidateService enforces the requirements of the long-running service that
// the maintenance tools do not share.
func (c *Config) ValidateService() error {
	if !c.Runtime.Dev {
		if c.Providers.OpenAIKey == "" && c.Providers.GeminiKey == "" {
			return errors.New("at least one of providers.openai_key or providers.gemini_key is required")
		}
		if c.API.AuthSecret == "" {
			return errors.New("api.auth_secret is required outside dev mode")
		}
	}
	return nil
}
