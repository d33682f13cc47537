package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Tier names every deployment must configure.
const (
	TierGeneral  = "general"
	TierMessage  = "message"
	TierResponse = "response"
	TierGigEdit  = "gigEdit"
	TierAuth     = "auth"
)

// Config holds all configuration options for kworkgate
type Config struct {
	// Target platform settings
	Kwork KworkConfig `yaml:"kwork" json:"kwork"`

	// Per-account request budgets
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Humanized spacing between requests of one account
	Pacing PacingConfig `yaml:"pacing" json:"pacing"`

	// Session lifetime and cookie persistence
	Session SessionConfig `yaml:"session" json:"session"`

	// Login gateway selection
	Auth AuthConfig `yaml:"auth" json:"auth"`

	// Outbound HTTP behaviour
	Transport TransportConfig `yaml:"transport" json:"transport"`

	// Account registry
	Accounts AccountsConfig `yaml:"accounts" json:"accounts"`

	// Limiter decision statistics
	Stats StatsConfig `yaml:"stats" json:"stats"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// KworkConfig holds platform-specific configuration
type KworkConfig struct {
	BaseURL   string        `yaml:"base_url" json:"base_url"`
	UserAgent string        `yaml:"user_agent" json:"user_agent"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
}

// TierLimit is the budget of one tier: at most MaxRequests in any trailing Window.
type TierLimit struct {
	MaxRequests int           `yaml:"max_requests" json:"max_requests"`
	Window      time.Duration `yaml:"window" json:"window"`
}

// RateLimitConfig holds the tier table and bucket housekeeping settings
type RateLimitConfig struct {
	Tiers           map[string]TierLimit `yaml:"tiers" json:"tiers"`
	IdleTTL         time.Duration        `yaml:"idle_ttl" json:"idle_ttl"`
	CleanupInterval time.Duration        `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// PacingConfig holds the humanized delay bounds
type PacingConfig struct {
	MinDelay time.Duration `yaml:"min_delay" json:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`
}

// RedisConfig describes a redis connection
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

// SessionConfig holds session lifetime and persistence settings
type SessionConfig struct {
	TTL                time.Duration `yaml:"ttl" json:"ttl"`
	AuthFailureBackoff time.Duration `yaml:"auth_failure_backoff" json:"auth_failure_backoff"`
	// Backend is one of file, redis, keyring, memory.
	Backend        string      `yaml:"backend" json:"backend"`
	FilePath       string      `yaml:"file_path" json:"file_path"`
	KeyringService string      `yaml:"keyring_service" json:"keyring_service"`
	Redis          RedisConfig `yaml:"redis" json:"redis"`
}

// AuthConfig selects and configures the login gateway
type AuthConfig struct {
	// Gateway is one of form, command.
	Gateway      string        `yaml:"gateway" json:"gateway"`
	Command      string        `yaml:"command" json:"command"`
	Args         []string      `yaml:"args" json:"args"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	LoginMarkers []string      `yaml:"login_markers" json:"login_markers"`
}

// TransportConfig holds outbound HTTP settings
type TransportConfig struct {
	MaxRetries  int     `yaml:"max_retries" json:"max_retries"`
	GlobalRPS   float64 `yaml:"global_rps" json:"global_rps"`
	GlobalBurst int     `yaml:"global_burst" json:"global_burst"`
}

// AccountsConfig locates the account registry
type AccountsConfig struct {
	Path    string `yaml:"path" json:"path"`
	Default string `yaml:"default" json:"default"`
}

// StatsConfig controls limiter decision recording
type StatsConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Redis   RedisConfig `yaml:"redis" json:"redis"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// DefaultTiers returns the stock tier table.
func DefaultTiers() map[string]TierLimit {
	return map[string]TierLimit{
		TierGeneral:  {MaxRequests: 60, Window: 60 * time.Second},
		TierMessage:  {MaxRequests: 10, Window: 60 * time.Second},
		TierResponse: {MaxRequests: 5, Window: 60 * time.Second},
		TierGigEdit:  {MaxRequests: 2, Window: 60 * time.Second},
		TierAuth:     {MaxRequests: 10, Window: time.Hour},
	}
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Kwork: KworkConfig{
			BaseURL:   "https://kwork.ru",
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			Timeout:   30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Tiers:           DefaultTiers(),
			IdleTTL:         time.Hour,
			CleanupInterval: 5 * time.Minute,
		},
		Pacing: PacingConfig{
			MinDelay: time.Second,
			MaxDelay: 3 * time.Second,
		},
		Session: SessionConfig{
			TTL:                7 * 24 * time.Hour,
			AuthFailureBackoff: time.Minute,
			Backend:            "file",
			FilePath:           filepath.Join(defaultDataDir(), "cookies.enc"),
			KeyringService:     "kworkgate",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "kworkgate:session",
			},
		},
		Auth: AuthConfig{
			Gateway: "form",
			Timeout: 2 * time.Minute,
			LoginMarkers: []string{
				`name="password"`,
				`id="login-form"`,
				`action="/login"`,
			},
		},
		Transport: TransportConfig{
			MaxRetries:  2,
			GlobalRPS:   5,
			GlobalBurst: 5,
		},
		Accounts: AccountsConfig{
			Path: filepath.Join(defaultDataDir(), "accounts.toml"),
		},
		Stats: StatsConfig{
			Enabled: false,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "kworkgate:stats",
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	var errs []error

	if v := os.Getenv("KWORKGATE_BASE_URL"); v != "" {
		c.Kwork.BaseURL = v
	}
	if v := os.Getenv("KWORKGATE_USER_AGENT"); v != "" {
		c.Kwork.UserAgent = v
	}

	durations := map[string]*time.Duration{
		"KWORKGATE_MIN_DELAY":   &c.Pacing.MinDelay,
		"KWORKGATE_MAX_DELAY":   &c.Pacing.MaxDelay,
		"KWORKGATE_SESSION_TTL": &c.Session.TTL,
	}
	for key, target := range durations {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		*target = d
	}

	if v := os.Getenv("KWORKGATE_SESSION_BACKEND"); v != "" {
		c.Session.Backend = v
	}
	if v := os.Getenv("KWORKGATE_SESSION_FILE"); v != "" {
		c.Session.FilePath = v
	}
	if v := os.Getenv("KWORKGATE_REDIS_ADDR"); v != "" {
		c.Session.Redis.Addr = v
		c.Stats.Redis.Addr = v
	}
	if v := os.Getenv("KWORKGATE_REDIS_PASSWORD"); v != "" {
		c.Session.Redis.Password = v
		c.Stats.Redis.Password = v
	}
	if v := os.Getenv("KWORKGATE_AUTH_GATEWAY"); v != "" {
		c.Auth.Gateway = v
	}
	if v := os.Getenv("KWORKGATE_AUTH_COMMAND"); v != "" {
		c.Auth.Command = v
	}
	if v := os.Getenv("KWORKGATE_ACCOUNTS_FILE"); v != "" {
		c.Accounts.Path = v
	}
	if v := os.Getenv("KWORKGATE_DEFAULT_ACCOUNT"); v != "" {
		c.Accounts.Default = v
	}
	if v := os.Getenv("KWORKGATE_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("KWORKGATE_MAX_RETRIES: %w", err))
		} else {
			c.Transport.MaxRetries = n
		}
	}
	if v := os.Getenv("KWORKGATE_STATS_ENABLED"); v != "" {
		c.Stats.Enabled = strings.ToLower(v) == "true"
	}
	if v := os.Getenv("KWORKGATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("KWORKGATE_LOG_FILE"); v != "" {
		c.Logging.File = v
	}

	return errors.Join(errs...)
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// A file that names only some tiers keeps the defaults for the rest.
	defaults := c.RateLimit.Tiers
	c.RateLimit.Tiers = nil
	if err := yaml.Unmarshal(data, c); err != nil {
		c.RateLimit.Tiers = defaults
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	merged := make(map[string]TierLimit, len(defaults))
	for name, limit := range defaults {
		merged[name] = limit
	}
	for name, limit := range c.RateLimit.Tiers {
		merged[name] = limit
	}
	c.RateLimit.Tiers = merged

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	home := os.Getenv("HOME")
	locations := []string{
		".kworkgate.yaml",
		".kworkgate.yml",
		filepath.Join(home, ".config", "kworkgate", "config.yaml"),
		filepath.Join(home, ".config", "kworkgate", "config.yml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// ValidateTiers checks a tier table. The general and auth tiers are mandatory
// because every request and every login consult them.
func ValidateTiers(tiers map[string]TierLimit) error {
	var errs []error

	for _, required := range []string{TierGeneral, TierAuth} {
		if _, ok := tiers[required]; !ok {
			errs = append(errs, fmt.Errorf("tier %q is required", required))
		}
	}
	for name, limit := range tiers {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("tier name cannot be empty"))
			continue
		}
		if limit.MaxRequests <= 0 {
			errs = append(errs, fmt.Errorf("tier %q: max_requests must be positive", name))
		}
		if limit.Window <= 0 {
			errs = append(errs, fmt.Errorf("tier %q: window must be positive", name))
		}
	}

	return errors.Join(errs...)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Kwork.BaseURL == "" {
		errs = append(errs, errors.New("kwork base URL is required"))
	}
	if c.Kwork.Timeout <= 0 {
		errs = append(errs, errors.New("kwork timeout must be positive"))
	}

	if err := ValidateTiers(c.RateLimit.Tiers); err != nil {
		errs = append(errs, err)
	}
	if c.RateLimit.IdleTTL <= 0 {
		errs = append(errs, errors.New("rate limit idle TTL must be positive"))
	}

	if c.Pacing.MinDelay < 0 {
		errs = append(errs, errors.New("pacing min delay cannot be negative"))
	}
	if c.Pacing.MaxDelay < c.Pacing.MinDelay {
		errs = append(errs, errors.New("pacing max delay must not be below min delay"))
	}

	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("session TTL must be positive"))
	}
	validBackends := map[string]bool{"file": true, "redis": true, "keyring": true, "memory": true}
	if !validBackends[strings.ToLower(c.Session.Backend)] {
		errs = append(errs, fmt.Errorf("invalid session backend %q", c.Session.Backend))
	}
	if strings.EqualFold(c.Session.Backend, "file") && c.Session.FilePath == "" {
		errs = append(errs, errors.New("session file path is required for the file backend"))
	}

	switch strings.ToLower(c.Auth.Gateway) {
	case "form":
	case "command":
		if c.Auth.Command == "" {
			errs = append(errs, errors.New("auth command is required for the command gateway"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid auth gateway %q", c.Auth.Gateway))
	}

	if c.Transport.MaxRetries < 0 {
		errs = append(errs, errors.New("transport max retries cannot be negative"))
	}
	if c.Transport.GlobalRPS < 0 {
		errs = append(errs, errors.New("transport global RPS cannot be negative"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	return errors.Join(errs...)
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if v, ok := flags["base-url"].(string); ok && v != "" {
		c.Kwork.BaseURL = v
	}
	if v, ok := flags["session-backend"].(string); ok && v != "" {
		c.Session.Backend = v
	}
	if v, ok := flags["accounts"].(string); ok && v != "" {
		c.Accounts.Path = v
	}
	if v, ok := flags["log-level"].(string); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := flags["min-delay"].(time.Duration); ok && v > 0 {
		c.Pacing.MinDelay = v
	}
	if v, ok := flags["max-delay"].(time.Duration); ok && v > 0 {
		c.Pacing.MaxDelay = v
	}
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".kworkgate.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// defaultDataDir returns the per-user data directory without creating it
func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "kworkgate")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kworkgate"
	}
	return filepath.Join(home, ".local", "share", "kworkgate")
}
