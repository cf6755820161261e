// Package config loads the TOML configuration file and applies TAXBRACKET_*
// environment overrides on top of it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/taxbracket/backend/internal/domain"
)

// Config holds application configuration.
type Config struct {
	Database   DatabaseConfig    `toml:"database"`
	HTTP       HTTPConfig        `toml:"http"`
	Queue      QueueConfig       `toml:"queue"`
	Redis      RedisConfig       `toml:"redis"`
	Credits    CreditsConfig     `toml:"credits"`
	Cache      CacheConfig       `toml:"cache"`
	Pipeline   PipelineConfig    `toml:"pipeline"`
	Mail       MailConfig        `toml:"mail"`
	LLM        LLMConfig         `toml:"llm"`
	Log        LogConfig         `toml:"log"`
	Extractors []ExtractorConfig `toml:"extractors"`
}

// DatabaseConfig selects and tunes the durable store.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver          string        `toml:"driver"`
	Path            string        `toml:"path"`
	DSN             string        `toml:"dsn"`
	MaxConns        int32         `toml:"max_conns"`
	MinConns        int32         `toml:"min_conns"`
	MaxConnLifetime time.Duration `toml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `toml:"max_conn_idle_time"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr string `toml:"addr"`
	// WebhookSecret signs purchase notifications. Empty disables the check.
	WebhookSecret   string        `toml:"webhook_secret"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// QueueConfig configures delivery and the worker pool.
type QueueConfig struct {
	Workers           int                      `toml:"workers"`
	BatchSize         map[domain.QueueName]int `toml:"batch_size"`
	PollInterval      time.Duration            `toml:"poll_interval"`
	PollMaxInterval   time.Duration            `toml:"poll_max_interval"`
	RetryLimit        int                      `toml:"retry_limit"`
	RetryDelay        time.Duration            `toml:"retry_delay"`
	RetryBackoff      bool                     `toml:"retry_backoff"`
	JobTimeout        time.Duration            `toml:"job_timeout"`
	HeartbeatInterval time.Duration            `toml:"heartbeat_interval"`
	StallTimeout      time.Duration            `toml:"stall_timeout"`
	ReapInterval      time.Duration            `toml:"reap_interval"`
	ScheduleInterval  time.Duration            `toml:"schedule_interval"`
}

// RedisConfig enables cross-process worker wake-ups. Empty Addr keeps them
// in-process.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Key      string `toml:"key"`
}

// CreditsConfig configures metering and the billing policy flags.
type CreditsConfig struct {
	WeeklyLimit      int64   `toml:"weekly_limit"`
	CreditsPerToken  float64 `toml:"credits_per_token"`
	CreditsPerDollar int64   `toml:"credits_per_dollar"`
	BetaMode         bool    `toml:"beta_mode"`
	PurchaseEnabled  bool    `toml:"purchase_enabled"`
	// WeeklyReset overrides the beta-mode default when set.
	WeeklyReset   *bool  `toml:"weekly_reset"`
	ResetCron     string `toml:"reset_cron"`
	ResetTimezone string `toml:"reset_timezone"`
}

// Policy resolves the billing flags.
func (c CreditsConfig) Policy() domain.BillingPolicy {
	return domain.NewBillingPolicy(c.BetaMode, c.PurchaseEnabled, c.WeeklyReset)
}

// CacheConfig sizes the response cache.
type CacheConfig struct {
	Enabled       bool          `toml:"enabled"`
	Capacity      int           `toml:"capacity"`
	TTL           time.Duration `toml:"ttl"`
	SweepInterval time.Duration `toml:"sweep_interval"`
}

// PipelineConfig configures the upload pipeline.
type PipelineConfig struct {
	FilesDir         string        `toml:"files_dir"`
	MaxContextTokens int           `toml:"max_context_tokens"`
	StuckAfter       time.Duration `toml:"stuck_after"`
}

// MailConfig selects the mailer and the sender addresses.
type MailConfig struct {
	// Driver is "log" or "smtp".
	Driver       string `toml:"driver"`
	SMTPHost     string `toml:"smtp_host"`
	SMTPPort     int    `toml:"smtp_port"`
	SMTPUsername string `toml:"smtp_username"`
	SMTPPassword string `toml:"smtp_password"`
	AppURL       string `toml:"app_url"`
	NoReplyFrom  string `toml:"noreply_from"`
	SupportFrom  string `toml:"support_from"`
	UpdatesFrom  string `toml:"updates_from"`
}

// LLMConfig points at an OpenAI-compatible chat completions API.
type LLMConfig struct {
	BaseURL     string        `toml:"base_url"`
	APIKey      string        `toml:"api_key"`
	Model       string        `toml:"model"`
	Temperature float64       `toml:"temperature"`
	MaxTokens   int           `toml:"max_tokens"`
	Timeout     time.Duration `toml:"timeout"`
}

// LogConfig configures zap.
type LogConfig struct {
	Development bool   `toml:"development"`
	Level       string `toml:"level"`
}

// ExtractorConfig registers an external converter command.
type ExtractorConfig struct {
	Name      string   `toml:"name"`
	MimeTypes []string `toml:"mime_types"`
	Command   string   `toml:"command"`
	Args      []string `toml:"args"`
}

// DefaultConfigPath returns the config file path using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "taxbracket", "config.toml")
}

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	return filepath.Join(cacheDir(), "taxbracket", "taxbracket.db")
}

// DefaultFilesDir returns the default upload directory.
func DefaultFilesDir() string {
	return filepath.Join(cacheDir(), "taxbracket", "files")
}

func cacheDir() string {
	dir := os.Getenv("XDG_CACHE_HOME")
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".cache")
	}
	return dir
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          "sqlite",
			Path:            DefaultDBPath(),
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 30 * time.Minute,
		},
		HTTP: HTTPConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Queue: QueueConfig{
			Workers:           2,
			PollInterval:      time.Second,
			PollMaxInterval:   30 * time.Second,
			RetryLimit:        3,
			RetryDelay:        5 * time.Second,
			RetryBackoff:      true,
			JobTimeout:        10 * time.Minute,
			HeartbeatInterval: 15 * time.Second,
			StallTimeout:      2 * time.Minute,
			ReapInterval:      time.Minute,
			ScheduleInterval:  15 * time.Second,
		},
		Credits: CreditsConfig{
			WeeklyLimit:      1000,
			CreditsPerToken:  0.1,
			CreditsPerDollar: 1000,
			BetaMode:         true,
			ResetCron:        "0 0 * * 1",
			ResetTimezone:    "UTC",
		},
		Cache: CacheConfig{
			Enabled:       true,
			Capacity:      1000,
			TTL:           24 * time.Hour,
			SweepInterval: time.Hour,
		},
		Pipeline: PipelineConfig{
			FilesDir:         DefaultFilesDir(),
			MaxContextTokens: 400,
			StuckAfter:       30 * time.Minute,
		},
		Mail: MailConfig{
			Driver:      "log",
			SMTPPort:    587,
			AppURL:      "https://taxbracketai.com",
			NoReplyFrom: `"TaxBracket" <noreply@taxbracketai.com>`,
			SupportFrom: `"TaxBracket" <support@taxbracketai.com>`,
			UpdatesFrom: `"TaxBracket" <hello@taxbracketai.com>`,
		},
		LLM: LLMConfig{
			Model:       "gpt-4o",
			Temperature: 0.3,
			MaxTokens:   2048,
			Timeout:     60 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies TAXBRACKET_* overrides.
func (c *Config) applyEnv() error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := os.LookupEnv(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}

	str("TAXBRACKET_DB_DRIVER", &c.Database.Driver)
	str("TAXBRACKET_DB_PATH", &c.Database.Path)
	str("TAXBRACKET_DB_DSN", &c.Database.DSN)
	str("TAXBRACKET_HTTP_ADDR", &c.HTTP.Addr)
	str("TAXBRACKET_WEBHOOK_SECRET", &c.HTTP.WebhookSecret)
	num("TAXBRACKET_WORKERS", &c.Queue.Workers)
	str("TAXBRACKET_REDIS_ADDR", &c.Redis.Addr)
	str("TAXBRACKET_REDIS_PASSWORD", &c.Redis.Password)
	flag("TAXBRACKET_BETA_MODE", &c.Credits.BetaMode)
	flag("TAXBRACKET_PURCHASE_ENABLED", &c.Credits.PurchaseEnabled)
	if v, ok := os.LookupEnv("TAXBRACKET_WEEKLY_RESET"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("TAXBRACKET_WEEKLY_RESET: %w", err))
		} else {
			c.Credits.WeeklyReset = &b
		}
	}
	flag("TAXBRACKET_CACHE_ENABLED", &c.Cache.Enabled)
	str("TAXBRACKET_FILES_DIR", &c.Pipeline.FilesDir)
	str("TAXBRACKET_MAIL_DRIVER", &c.Mail.Driver)
	str("TAXBRACKET_SMTP_HOST", &c.Mail.SMTPHost)
	str("TAXBRACKET_SMTP_USERNAME", &c.Mail.SMTPUsername)
	str("TAXBRACKET_SMTP_PASSWORD", &c.Mail.SMTPPassword)
	str("TAXBRACKET_LLM_BASE_URL", &c.LLM.BaseURL)
	str("TAXBRACKET_LLM_API_KEY", &c.LLM.APIKey)
	str("TAXBRACKET_LLM_MODEL", &c.LLM.Model)
	flag("TAXBRACKET_LOG_DEVELOPMENT", &c.Log.Development)
	str("TAXBRACKET_LOG_LEVEL", &c.Log.Level)
	return errors.Join(errs...)
}

// Validate rejects impossible values.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: want sqlite or postgres", c.Database.Driver))
	}

	q := c.Queue
	if q.Workers < 1 {
		errs = append(errs, errors.New("queue.workers must be at least 1"))
	}
	if q.PollInterval <= 0 || q.PollMaxInterval < q.PollInterval {
		errs = append(errs, errors.New("queue.poll_interval must be positive and not exceed poll_max_interval"))
	}
	if q.RetryLimit < 0 || q.RetryDelay < 0 {
		errs = append(errs, errors.New("queue.retry_limit and retry_delay must not be negative"))
	}
	if q.HeartbeatInterval <= 0 || q.StallTimeout <= q.HeartbeatInterval {
		errs = append(errs, errors.New("queue.stall_timeout must exceed heartbeat_interval"))
	}
	for name, size := range q.BatchSize {
		if !name.Valid() {
			errs = append(errs, fmt.Errorf("queue.batch_size: %w %q", domain.ErrUnknownQueue, name))
		} else if size < 1 {
			errs = append(errs, fmt.Errorf("queue.batch_size.%s must be at least 1", name))
		}
	}

	cr := c.Credits
	if cr.WeeklyLimit < 0 || cr.CreditsPerToken <= 0 || cr.CreditsPerDollar <= 0 {
		errs = append(errs, errors.New("credits: weekly_limit must not be negative and rates must be positive"))
	}
	if cr.ResetTimezone != "" {
		if _, err := time.LoadLocation(cr.ResetTimezone); err != nil {
			errs = append(errs, fmt.Errorf("credits.reset_timezone: %w", err))
		}
	}

	if c.Cache.Enabled && (c.Cache.Capacity < 1 || c.Cache.TTL <= 0) {
		errs = append(errs, errors.New("cache.capacity and cache.ttl must be positive"))
	}
	if c.Pipeline.MaxContextTokens < 1 {
		errs = append(errs, errors.New("pipeline.max_context_tokens must be positive"))
	}

	switch c.Mail.Driver {
	case "log":
	case "smtp":
		if c.Mail.SMTPHost == "" {
			errs = append(errs, errors.New("mail.smtp_host is required for smtp"))
		}
	default:
		errs = append(errs, fmt.Errorf("mail.driver %q: want log or smtp", c.Mail.Driver))
	}

	for i, e := range c.Extractors {
		if e.Command == "" || len(e.MimeTypes) == 0 {
			errs = append(errs, fmt.Errorf("extractors[%d]: command and mime_types are required", i))
		}
	}
	return errors.Join(errs...)
}
