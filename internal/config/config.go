package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/saqshy/saqshy/internal/types"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	Database  DatabaseConfig          `yaml:"database"`
	Redis     RedisConfig             `yaml:"redis"`
	Telegram  TelegramConfig          `yaml:"telegram"`
	LLM       LLMConfig               `yaml:"llm"`
	SpamDB    SpamDBConfig            `yaml:"spamdb"`
	Breaker   BreakerConfig           `yaml:"breaker"`
	Pipeline  PipelineConfig          `yaml:"pipeline"`
	RateLimit RateLimitConfig         `yaml:"rate_limit"`
	Logging   LoggingConfig           `yaml:"logging"`
	Groups    map[int64]GroupSettings `yaml:"groups"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds the Postgres connection for the audit store
type DatabaseConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// RedisConfig holds the KV connection
type RedisConfig struct {
	URL string `yaml:"url"`
}

// TelegramConfig holds bot API credentials and timeouts
type TelegramConfig struct {
	Token          string `yaml:"token"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	WebhookSecret  string `yaml:"webhook_secret"`
}

// Timeout returns the configured timeout as a duration
func (c TelegramConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LLMConfig holds the gray-zone adjudicator configuration
type LLMConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Region         string  `yaml:"region"`
	ModelID        string  `yaml:"model_id"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	GrayZoneLow    int     `yaml:"gray_zone_low"`
	GrayZoneHigh   int     `yaml:"gray_zone_high"`
	Temperature    float64 `yaml:"temperature"`
}

// Timeout returns the configured timeout as a duration
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SpamDBConfig holds the external spam-database endpoint
type SpamDBConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        bool   `yaml:"enabled"`
}

// Timeout returns the configured timeout as a duration
func (c SpamDBConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BreakerConfig holds circuit-breaker tuning shared by all dependencies
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	CooldownSeconds  int `yaml:"cooldown_seconds"`
}

// Cooldown returns the configured cooldown as a duration
func (c BreakerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// PipelineConfig holds analyzer deadlines
type PipelineConfig struct {
	SoftDeadlineMS int `yaml:"soft_deadline_ms"`
	HardDeadlineMS int `yaml:"hard_deadline_ms"`
}

// SoftDeadline returns the per-analyzer soft deadline
func (c PipelineConfig) SoftDeadline() time.Duration {
	return time.Duration(c.SoftDeadlineMS) * time.Millisecond
}

// HardDeadline returns the whole-pipeline hard deadline
func (c PipelineConfig) HardDeadline() time.Duration {
	return time.Duration(c.HardDeadlineMS) * time.Millisecond
}

// RateLimitConfig holds sliding-window limits
type RateLimitConfig struct {
	UserPerWindow  int `yaml:"user_per_window"`
	GroupPerWindow int `yaml:"group_per_window"`
	WindowSeconds  int `yaml:"window_seconds"`
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// GroupSettings are the per-group moderation options. Every field has a
// default; a group absent from the config file runs entirely on defaults.
type GroupSettings struct {
	GroupType            string   `yaml:"group_type" json:"group_type"`
	Sensitivity          int      `yaml:"sensitivity" json:"sensitivity"`
	SandboxEnabled       bool     `yaml:"sandbox_enabled" json:"sandbox_enabled"`
	SandboxDurationHours int      `yaml:"sandbox_duration_hours" json:"sandbox_duration_hours"`
	LinkedChannelID      int64    `yaml:"linked_channel_id" json:"linked_channel_id"`
	AdminChatID          int64    `yaml:"admin_chat_id" json:"admin_chat_id"`
	LinkWhitelist        []string `yaml:"link_whitelist" json:"link_whitelist"`
	Language             string   `yaml:"language" json:"language"`
}

// DefaultGroupSettings returns the settings a group gets when nothing is
// configured for it.
func DefaultGroupSettings() GroupSettings {
	return GroupSettings{
		GroupType:            string(types.GroupGeneral),
		Sensitivity:          5,
		SandboxEnabled:       true,
		SandboxDurationHours: 24,
		Language:             "ru",
	}
}

// Normalize fills zero values with defaults and clamps sensitivity to 1-10.
func (s GroupSettings) Normalize() GroupSettings {
	def := DefaultGroupSettings()
	if _, err := types.ParseGroupType(s.GroupType); err != nil {
		s.GroupType = def.GroupType
	}
	if s.Sensitivity == 0 {
		s.Sensitivity = def.Sensitivity
	}
	if s.Sensitivity < 1 {
		s.Sensitivity = 1
	}
	if s.Sensitivity > 10 {
		s.Sensitivity = 10
	}
	if s.SandboxDurationHours <= 0 {
		s.SandboxDurationHours = def.SandboxDurationHours
	}
	if s.Language == "" {
		s.Language = def.Language
	}
	return s
}

// SandboxDuration returns the sandbox window as a duration.
func (s GroupSettings) SandboxDuration() time.Duration {
	return time.Duration(s.SandboxDurationHours) * time.Hour
}

// Group returns the settings for a chat, falling back to defaults.
func (c *Config) Group(chatID int64) GroupSettings {
	if s, ok := c.Groups[chatID]; ok {
		return s.Normalize()
	}
	return DefaultGroupSettings()
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://localhost:6379/0"
	}
	if cfg.Telegram.BaseURL == "" {
		cfg.Telegram.BaseURL = "https://api.telegram.org"
	}
	if cfg.Telegram.TimeoutSeconds == 0 {
		cfg.Telegram.TimeoutSeconds = 30
	}
	if cfg.LLM.Region == "" {
		cfg.LLM.Region = "us-east-1"
	}
	if cfg.LLM.ModelID == "" {
		cfg.LLM.ModelID = "anthropic.claude-3-haiku-20240307-v1:0"
	}
	if cfg.LLM.TimeoutSeconds == 0 {
		cfg.LLM.TimeoutSeconds = 10
	}
	if cfg.LLM.GrayZoneLow == 0 {
		cfg.LLM.GrayZoneLow = 60
	}
	if cfg.LLM.GrayZoneHigh == 0 {
		cfg.LLM.GrayZoneHigh = 80
	}
	if cfg.SpamDB.TimeoutSeconds == 0 {
		cfg.SpamDB.TimeoutSeconds = 5
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.CooldownSeconds == 0 {
		cfg.Breaker.CooldownSeconds = 30
	}
	if cfg.Pipeline.SoftDeadlineMS == 0 {
		cfg.Pipeline.SoftDeadlineMS = 500
	}
	if cfg.Pipeline.HardDeadlineMS == 0 {
		cfg.Pipeline.HardDeadlineMS = 5000
	}
	if cfg.RateLimit.UserPerWindow == 0 {
		cfg.RateLimit.UserPerWindow = 20
	}
	if cfg.RateLimit.GroupPerWindow == 0 {
		cfg.RateLimit.GroupPerWindow = 200
	}
	if cfg.RateLimit.WindowSeconds == 0 {
		cfg.RateLimit.WindowSeconds = 60
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.LLM.GrayZoneLow >= cfg.LLM.GrayZoneHigh {
		return nil, fmt.Errorf("gray zone bounds inverted: [%d, %d]", cfg.LLM.GrayZoneLow, cfg.LLM.GrayZoneHigh)
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	if baseURL := os.Getenv("TELEGRAM_BASE_URL"); baseURL != "" {
		cfg.Telegram.BaseURL = baseURL
	}
	if secret := os.Getenv("TELEGRAM_WEBHOOK_SECRET"); secret != "" {
		cfg.Telegram.WebhookSecret = secret
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
		if !cfg.Database.Enabled {
			cfg.Database.Enabled = true
		}
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.LLM.Region = region
	}
	if modelID := os.Getenv("LLM_MODEL_ID"); modelID != "" {
		cfg.LLM.ModelID = modelID
	}
	if baseURL := os.Getenv("SPAMDB_BASE_URL"); baseURL != "" {
		cfg.SpamDB.BaseURL = baseURL
		cfg.SpamDB.Enabled = true
	}
	if apiKey := os.Getenv("SPAMDB_API_KEY"); apiKey != "" {
		cfg.SpamDB.APIKey = apiKey
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, perr := strconv.Atoi(port); perr == nil {
			cfg.Server.Port = p
		}
	}

	return cfg, nil
}
