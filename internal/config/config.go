// Package config loads and validates auditor configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Nochiis/web-metrics-probuilds/internal/audit"
	"github.com/Nochiis/web-metrics-probuilds/internal/run"
)

// Supported page engines.
const (
	EngineChrome = "chrome"
	EngineStatic = "static"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Pages   []string      `mapstructure:"pages"`
	Audit   AuditConfig   `mapstructure:"audit"`
	Browser BrowserConfig `mapstructure:"browser"`
	DB      DBConfig      `mapstructure:"db"`
	Archive ArchiveConfig `mapstructure:"archive"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// AuditConfig bounds each page audit and the batch around it.
type AuditConfig struct {
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	Quiescence        time.Duration `mapstructure:"quiescence"`
	StatusTimeout     time.Duration `mapstructure:"status_timeout"`
	ExtractTimeout    time.Duration `mapstructure:"extract_timeout"`
	ObserveWindow     time.Duration `mapstructure:"observe_window"`
	BodyReadTimeout   time.Duration `mapstructure:"body_read_timeout"`
	Workers           int           `mapstructure:"workers"`
	DomainQPS         float64       `mapstructure:"domain_qps"`
}

// BrowserConfig selects and tunes the page engine.
type BrowserConfig struct {
	Engine    string `mapstructure:"engine"`
	Headless  bool   `mapstructure:"headless"`
	NoSandbox bool   `mapstructure:"no_sandbox"`
	UserAgent string `mapstructure:"user_agent"`
	ExecPath  string `mapstructure:"exec_path"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// ArchiveConfig sets where batch result files are written. GCS wins over Dir.
type ArchiveConfig struct {
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port       int           `mapstructure:"port"`
	Interval   time.Duration `mapstructure:"interval"`
	QueueDepth int           `mapstructure:"queue_depth"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGEAUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("db.dsn", "PAGEAUDIT_DB_DSN", "DATABASE_URL"); err != nil {
		return Config{}, fmt.Errorf("bind db.dsn: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pages", []string{
		"https://probuilds.net/",
		"https://probuilds.net/champions",
	})
	v.SetDefault("audit.navigation_timeout", "30s")
	v.SetDefault("audit.quiescence", "1s")
	v.SetDefault("audit.status_timeout", "2s")
	v.SetDefault("audit.extract_timeout", "5s")
	v.SetDefault("audit.observe_window", "0s")
	v.SetDefault("audit.body_read_timeout", "1s")
	v.SetDefault("audit.workers", 1)
	v.SetDefault("audit.domain_qps", 0)
	v.SetDefault("browser.engine", EngineChrome)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.migrate", false)
	v.SetDefault("archive.prefix", "runs")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.interval", "0s")
	v.SetDefault("server.queue_depth", 16)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if len(c.Pages) > 0 {
		if err := run.ValidateURLs(c.Pages); err != nil {
			return fmt.Errorf("pages: %w", err)
		}
	}
	if c.Audit.NavigationTimeout <= 0 {
		return fmt.Errorf("audit.navigation_timeout must be > 0")
	}
	if c.Audit.Quiescence < 0 {
		return fmt.Errorf("audit.quiescence must be >= 0")
	}
	if c.Audit.StatusTimeout <= 0 {
		return fmt.Errorf("audit.status_timeout must be > 0")
	}
	if c.Audit.Workers <= 0 {
		return fmt.Errorf("audit.workers must be > 0")
	}
	if c.Audit.DomainQPS < 0 {
		return fmt.Errorf("audit.domain_qps must be >= 0")
	}
	switch c.Browser.Engine {
	case EngineChrome, EngineStatic:
	default:
		return fmt.Errorf("browser.engine must be %q or %q", EngineChrome, EngineStatic)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.QueueDepth <= 0 {
		return fmt.Errorf("server.queue_depth must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// AuditorConfig maps the audit section onto the auditor's bounds.
func (c Config) AuditorConfig() audit.Config {
	return audit.Config{
		NavigationTimeout: c.Audit.NavigationTimeout,
		Quiescence:        c.Audit.Quiescence,
		StatusTimeout:     c.Audit.StatusTimeout,
		ExtractTimeout:    c.Audit.ExtractTimeout,
		ObserveWindow:     c.Audit.ObserveWindow,
		BodyReadTimeout:   c.Audit.BodyReadTimeout,
	}
}

// RunnerConfig maps the audit section onto batch settings.
func (c Config) RunnerConfig() audit.RunnerConfig {
	return audit.RunnerConfig{
		Workers:   c.Audit.Workers,
		DomainQPS: c.Audit.DomainQPS,
	}
}
