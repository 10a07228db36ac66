// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"

	defaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultOpenAIModel    = "gpt-4o-mini"
)

// Config holds all application configuration.
type Config struct {
	Port           string          `yaml:"port"`
	GRPCHealthPort string          `yaml:"grpc_health_port"`
	DBPath         string          `yaml:"db_path"`
	FrontendURL    string          `yaml:"frontend_url"`
	LogLevel       string          `yaml:"log_level"`
	Heartbeat      HeartbeatConfig `yaml:"heartbeat"`
	Weather        WeatherConfig   `yaml:"weather"`
	Calendar       CalendarConfig  `yaml:"calendar"`
	LLM            LLMConfig       `yaml:"llm"`
	Chat           ChatConfig      `yaml:"chat"`
}

// HeartbeatConfig controls connection liveness probing.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// WeatherConfig configures the OpenWeatherMap source.
type WeatherConfig struct {
	APIKey   string        `yaml:"api_key"`
	BaseURL  string        `yaml:"base_url"`
	Lat      float64       `yaml:"lat"`
	Lon      float64       `yaml:"lon"`
	Location string        `yaml:"location"`
	Timeout  time.Duration `yaml:"timeout"`
}

// CalendarConfig configures the ICS feed.
type CalendarConfig struct {
	ICSURL  string        `yaml:"ics_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// LLMConfig configures the generation backend.
type LLMConfig struct {
	Provider          string        `yaml:"provider"`
	AnthropicAPIKey   string        `yaml:"anthropic_api_key"`
	OpenAIAPIKey      string        `yaml:"openai_api_key"`
	BaseURL           string        `yaml:"base_url"`
	Model             string        `yaml:"model"`
	MaxTokens         int           `yaml:"max_tokens"`
	Temperature       float64       `yaml:"temperature"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	HistoryTurns      int           `yaml:"history_turns"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

// ChatConfig tunes the message pipeline and session retention.
type ChatConfig struct {
	HistoryWindow     int           `yaml:"history_window"`
	FrameRate         float64       `yaml:"frame_rate_per_second"`
	FrameBurst        int           `yaml:"frame_burst"`
	SessionIdleTTL    time.Duration `yaml:"session_idle_ttl"`
	RetentionInterval time.Duration `yaml:"retention_interval"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Port:           "8000",
		GRPCHealthPort: "9090",
		DBPath:         "./data/yohan.db",
		LogLevel:       "info",
		Heartbeat: HeartbeatConfig{
			Interval: 30 * time.Second,
			Timeout:  300 * time.Second,
		},
		Weather: WeatherConfig{
			Lat:      41.5868,
			Lon:      -93.6250,
			Location: "Des Moines, Iowa",
			Timeout:  3 * time.Second,
		},
		Calendar: CalendarConfig{
			Timeout: 2 * time.Second,
		},
		LLM: LLMConfig{
			Provider:          ProviderAnthropic,
			MaxTokens:         1000,
			Temperature:       0.7,
			RequestsPerMinute: 50,
			RetryAttempts:     3,
			RetryBaseDelay:    time.Second,
			HistoryTurns:      10,
			RequestTimeout:    60 * time.Second,
		},
		Chat: ChatConfig{
			HistoryWindow:     20,
			FrameRate:         20,
			FrameBurst:        40,
			RetentionInterval: 5 * time.Minute,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by CONFIG_FILE, and environment variables, in increasing precedence.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if cfg.LLM.Model == "" {
		cfg.LLM.Model = defaultModel(cfg.LLM.Provider)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.GRPCHealthPort = getEnv("GRPC_HEALTH_PORT", c.GRPCHealthPort)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.FrontendURL = getEnv("FRONTEND_URL", c.FrontendURL)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.Heartbeat.Interval = getEnvDuration("HEARTBEAT_INTERVAL", c.Heartbeat.Interval)
	c.Heartbeat.Timeout = getEnvDuration("HEARTBEAT_TIMEOUT", c.Heartbeat.Timeout)

	c.Weather.APIKey = getEnv("OPENWEATHERMAP_API_KEY", c.Weather.APIKey)
	c.Weather.APIKey = getEnv("WEATHER_API_KEY", c.Weather.APIKey)
	c.Weather.BaseURL = getEnv("WEATHER_BASE_URL", c.Weather.BaseURL)
	c.Weather.Lat = getEnvFloat("WEATHER_LAT", c.Weather.Lat)
	c.Weather.Lon = getEnvFloat("WEATHER_LON", c.Weather.Lon)
	c.Weather.Location = getEnv("DEFAULT_LOCATION", c.Weather.Location)
	c.Weather.Timeout = getEnvDuration("WEATHER_TIMEOUT", c.Weather.Timeout)

	c.Calendar.ICSURL = getEnv("CALENDAR_ICS_URL", c.Calendar.ICSURL)
	c.Calendar.Timeout = getEnvDuration("CALENDAR_TIMEOUT", c.Calendar.Timeout)

	c.LLM.Provider = strings.ToLower(strings.TrimSpace(getEnv("LLM_PROVIDER", c.LLM.Provider)))
	c.LLM.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", c.LLM.AnthropicAPIKey)
	c.LLM.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.LLM.OpenAIAPIKey)
	c.LLM.BaseURL = getEnv("LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.Model = getEnv("LLM_MODEL", c.LLM.Model)
	c.LLM.MaxTokens = getEnvInt("LLM_MAX_TOKENS", c.LLM.MaxTokens)
	c.LLM.Temperature = getEnvFloat("LLM_TEMPERATURE", c.LLM.Temperature)
	c.LLM.RequestsPerMinute = getEnvInt("LLM_REQUESTS_PER_MINUTE", c.LLM.RequestsPerMinute)
	c.LLM.RetryAttempts = getEnvInt("LLM_RETRY_ATTEMPTS", c.LLM.RetryAttempts)
	c.LLM.RetryBaseDelay = getEnvDuration("LLM_RETRY_BASE_DELAY", c.LLM.RetryBaseDelay)
	c.LLM.HistoryTurns = getEnvInt("LLM_HISTORY_TURNS", c.LLM.HistoryTurns)
	c.LLM.RequestTimeout = getEnvDuration("LLM_REQUEST_TIMEOUT", c.LLM.RequestTimeout)

	c.Chat.HistoryWindow = getEnvInt("HISTORY_WINDOW", c.Chat.HistoryWindow)
	c.Chat.FrameRate = getEnvFloat("FRAME_RATE_PER_SECOND", c.Chat.FrameRate)
	c.Chat.FrameBurst = getEnvInt("FRAME_BURST", c.Chat.FrameBurst)
	c.Chat.SessionIdleTTL = getEnvDuration("SESSION_IDLE_TTL", c.Chat.SessionIdleTTL)
	c.Chat.RetentionInterval = getEnvDuration("RETENTION_INTERVAL", c.Chat.RetentionInterval)
}

// Validate checks that all required configuration fields are set and in range.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT cannot be empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("DB_PATH cannot be empty"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Heartbeat.Interval <= 0 {
		errs = append(errs, errors.New("HEARTBEAT_INTERVAL must be > 0"))
	}
	if c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		errs = append(errs, errors.New("HEARTBEAT_TIMEOUT must exceed HEARTBEAT_INTERVAL"))
	}
	if c.Weather.Lat < -90 || c.Weather.Lat > 90 || c.Weather.Lon < -180 || c.Weather.Lon > 180 {
		errs = append(errs, errors.New("WEATHER_LAT/WEATHER_LON out of range"))
	}
	switch c.LLM.Provider {
	case ProviderAnthropic, ProviderOpenAI:
	default:
		errs = append(errs, fmt.Errorf("LLM_PROVIDER %q is not one of anthropic, openai", c.LLM.Provider))
	}
	if c.LLM.MaxTokens <= 0 {
		errs = append(errs, errors.New("LLM_MAX_TOKENS must be > 0"))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, errors.New("LLM_TEMPERATURE must be within [0, 2]"))
	}
	if c.LLM.RequestsPerMinute <= 0 {
		errs = append(errs, errors.New("LLM_REQUESTS_PER_MINUTE must be > 0"))
	}
	if c.LLM.RetryAttempts <= 0 {
		errs = append(errs, errors.New("LLM_RETRY_ATTEMPTS must be > 0"))
	}
	if c.Chat.HistoryWindow <= 0 {
		errs = append(errs, errors.New("HISTORY_WINDOW must be > 0"))
	}
	if c.Chat.FrameRate <= 0 || c.Chat.FrameBurst <= 0 {
		errs = append(errs, errors.New("FRAME_RATE_PER_SECOND and FRAME_BURST must be > 0"))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// LLMAPIKey returns the API key of the selected provider.
func (c *Config) LLMAPIKey() string {
	if c.LLM.Provider == ProviderOpenAI {
		return c.LLM.OpenAIAPIKey
	}
	return c.LLM.AnthropicAPIKey
}

func defaultModel(provider string) string {
	if provider == ProviderOpenAI {
		return defaultOpenAIModel
	}
	return defaultAnthropicModel
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is invalid", s)
	}
	return level, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	// Bare integers are seconds.
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
