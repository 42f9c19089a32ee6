// Package config loads pagewalker settings from .env files, an optional
// config.yaml and PAGEWALKER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	ModeFullAnalysis   = "full-analysis"
	ModeTrackedSession = "tracked-session"
)

// Config is the root configuration structure.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Session   SessionConfig   `mapstructure:"session"`
	Banner    BannerConfig    `mapstructure:"banner"`
	Humanoid  HumanoidConfig  `mapstructure:"humanoid"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Reporter  ReporterConfig  `mapstructure:"reporter"`
	Server    ServerConfig    `mapstructure:"server"`
	Stats     StatsConfig     `mapstructure:"stats"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" json:"level" yaml:"level"`
	Format      string `mapstructure:"format" json:"format" yaml:"format"`
	ServiceName string `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" json:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" json:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" json:"compress" yaml:"compress"`
}

// BrowserConfig holds settings for the headless browser.
type BrowserConfig struct {
	Headless           bool          `mapstructure:"headless"`
	ExecPath           string        `mapstructure:"exec_path"`
	Args               []string      `mapstructure:"args"`
	ViewportWidth      int           `mapstructure:"viewport_width"`
	ViewportHeight     int           `mapstructure:"viewport_height"`
	UserAgent          string        `mapstructure:"user_agent"`
	AcceptLanguage     string        `mapstructure:"accept_language"`
	CookiesFile        string        `mapstructure:"cookies_file"`
	NavigationTimeout  time.Duration `mapstructure:"navigation_timeout"`
	PostNavigationWait time.Duration `mapstructure:"post_navigation_wait"`
}

// SessionConfig drives the orchestrator.
type SessionConfig struct {
	Mode               string        `mapstructure:"mode"`
	OutputDir          string        `mapstructure:"output_dir"`
	ActionsPerViewport int           `mapstructure:"actions_per_viewport"`
	TrackedActions     int           `mapstructure:"tracked_actions"`
	SettleMin          time.Duration `mapstructure:"settle_min"`
	SettleMax          time.Duration `mapstructure:"settle_max"`
	LoginWallTerms     []string      `mapstructure:"login_wall_terms"`
}

// Actions returns the number of simulator actions per viewport for mode.
func (s SessionConfig) Actions(mode string) int {
	if mode == ModeTrackedSession {
		return s.TrackedActions
	}
	return s.ActionsPerViewport
}

// BannerConfig configures the banner suppressor.
type BannerConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	AttemptPause   time.Duration `mapstructure:"attempt_pause"`
	ExtraSelectors []string      `mapstructure:"extra_selectors"`
	ZIndexFloor    int           `mapstructure:"z_index_floor"`
}

// HumanoidConfig configures the human-behavior simulator.
type HumanoidConfig struct {
	MinDelay          time.Duration `mapstructure:"min_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	NeutralX          float64       `mapstructure:"neutral_x"`
	NeutralY          float64       `mapstructure:"neutral_y"`
	PathSteps         int           `mapstructure:"path_steps"`
	BlockedTerms      []string      `mapstructure:"blocked_terms"`
	FillText          string        `mapstructure:"fill_text"`
	MaxScroll         int           `mapstructure:"max_scroll"`
	Seed              int64         `mapstructure:"seed"`
}

// TelemetryConfig configures the in-page event collector.
type TelemetryConfig struct {
	BindingName  string `mapstructure:"binding_name"`
	BufferSize   int    `mapstructure:"buffer_size"`
	PersistEvery int    `mapstructure:"persist_every"`
}

// ReporterConfig configures delivery of results to the collecting backend.
type ReporterConfig struct {
	BackendURL string        `mapstructure:"backend_url"`
	Path       string        `mapstructure:"path"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ServerConfig configures the HTTP invocation surface.
type ServerConfig struct {
	Port      string  `mapstructure:"port"`
	GinMode   string  `mapstructure:"gin_mode"`
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// StatsConfig configures run statistics persistence.
type StatsConfig struct {
	DataDir      string `mapstructure:"data_dir"`
	RetainMonths int    `mapstructure:"retain_months"`
}

// LoadEnv loads .env.development first and falls back to .env. A missing
// file is not an error; the environment is used as is.
func LoadEnv() bool {
	if err := godotenv.Load(".env.development"); err != nil {
		if err := godotenv.Load(); err != nil {
			return false
		}
	}
	return true
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "pagewalker")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport_width", 1200)
	v.SetDefault("browser.viewport_height", 800)
	v.SetDefault("browser.user_agent", DefaultUserAgent)
	v.SetDefault("browser.accept_language", "en-US,en;q=0.9")
	v.SetDefault("browser.navigation_timeout", 30*time.Second)
	v.SetDefault("browser.post_navigation_wait", 3*time.Second)

	v.SetDefault("session.mode", ModeFullAnalysis)
	v.SetDefault("session.output_dir", "./analysis_output")
	v.SetDefault("session.actions_per_viewport", 3)
	v.SetDefault("session.tracked_actions", 6)
	v.SetDefault("session.settle_min", 1200*time.Millisecond)
	v.SetDefault("session.settle_max", 2*time.Second)
	v.SetDefault("session.login_wall_terms", []string{"login", "signup", "auth"})

	v.SetDefault("banner.max_attempts", 5)
	v.SetDefault("banner.attempt_pause", time.Second)
	v.SetDefault("banner.z_index_floor", 1000)

	v.SetDefault("humanoid.min_delay", time.Second)
	v.SetDefault("humanoid.max_delay", 3500*time.Millisecond)
	v.SetDefault("humanoid.navigation_timeout", 5*time.Second)
	v.SetDefault("humanoid.neutral_x", 200)
	v.SetDefault("humanoid.neutral_y", 200)
	v.SetDefault("humanoid.path_steps", 12)
	v.SetDefault("humanoid.blocked_terms", []string{"login", "log in", "signup", "sign up", "password", "email"})
	v.SetDefault("humanoid.fill_text", "technology")
	v.SetDefault("humanoid.max_scroll", 200)

	v.SetDefault("telemetry.binding_name", "recordEvent")
	v.SetDefault("telemetry.buffer_size", 1024)
	v.SetDefault("telemetry.persist_every", 5)

	v.SetDefault("reporter.backend_url", "http://localhost:8080")
	v.SetDefault("reporter.path", "/api/questions/premium-auto/automation-results")
	v.SetDefault("reporter.timeout", 30*time.Second)

	v.SetDefault("server.port", "8082")
	v.SetDefault("server.gin_mode", "release")
	v.SetDefault("server.rate_limit", 2)
	v.SetDefault("server.rate_burst", 5)

	v.SetDefault("stats.data_dir", "./data")
	v.SetDefault("stats.retain_months", 2)
}

// DefaultUserAgent is presented to every page instead of the headless one.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36"

// Load reads configuration into a Config. cfgFile may be empty, in which case
// config.yaml is searched for in the working directory; a missing file is fine.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix("PAGEWALKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Plain PORT and GIN_MODE keep working for existing deployments.
	_ = v.BindEnv("server.port", "PAGEWALKER_SERVER_PORT", "PORT")
	_ = v.BindEnv("server.gin_mode", "PAGEWALKER_SERVER_GIN_MODE", "GIN_MODE")
	_ = v.BindEnv("reporter.backend_url", "PAGEWALKER_REPORTER_BACKEND_URL", "BACKEND_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that would otherwise surface as runtime panics
// or silently broken sessions.
func (c *Config) Validate() error {
	switch c.Session.Mode {
	case ModeFullAnalysis, ModeTrackedSession:
	default:
		return fmt.Errorf("session.mode must be %q or %q, got %q", ModeFullAnalysis, ModeTrackedSession, c.Session.Mode)
	}
	if c.Session.OutputDir == "" {
		return errors.New("session.output_dir is required")
	}
	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		return fmt.Errorf("browser viewport must be positive, got %dx%d", c.Browser.ViewportWidth, c.Browser.ViewportHeight)
	}
	if c.Session.SettleMax < c.Session.SettleMin {
		return errors.New("session.settle_max must not be smaller than session.settle_min")
	}
	if c.Humanoid.MaxDelay < c.Humanoid.MinDelay {
		return errors.New("humanoid.max_delay must not be smaller than humanoid.min_delay")
	}
	if c.Telemetry.BufferSize <= 0 {
		return errors.New("telemetry.buffer_size must be positive")
	}
	if c.Telemetry.PersistEvery <= 0 {
		return errors.New("telemetry.persist_every must be positive")
	}
	if c.Banner.MaxAttempts <= 0 {
		return errors.New("banner.max_attempts must be positive")
	}
	return nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}
