// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepulse/api/schemas"
	"github.com/xkilldash9x/pagepulse/internal/analytics"
	"github.com/xkilldash9x/pagepulse/internal/network"
	"github.com/xkilldash9x/pagepulse/internal/tracker"
)

// Interface defines the contract for accessing application configuration.
type Interface interface {
	Logger() LoggerConfig
	Session() SessionConfig
	Tracker() TrackerConfig
	Delivery() DeliveryConfig
	Store() StoreConfig
	Browser() BrowserConfig

	SetSessionAPIKey(string)
	SetDeliveryDryRun(bool)
	SetBrowserHeadless(bool)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	SessionCfg  SessionConfig  `mapstructure:"session" yaml:"session"`
	TrackerCfg  TrackerConfig  `mapstructure:"tracker" yaml:"tracker"`
	DeliveryCfg DeliveryConfig `mapstructure:"delivery" yaml:"delivery"`
	StoreCfg    StoreConfig    `mapstructure:"store" yaml:"store"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Session() SessionConfig   { return c.SessionCfg }
func (c *Config) Tracker() TrackerConfig   { return c.TrackerCfg }
func (c *Config) Delivery() DeliveryConfig { return c.DeliveryCfg }
func (c *Config) Store() StoreConfig       { return c.StoreCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetSessionAPIKey(k string) { c.SessionCfg.APIKey = k }
func (c *Config) SetDeliveryDryRun(b bool)  { c.DeliveryCfg.DryRun = b }
func (c *Config) SetBrowserHeadless(b bool) { c.BrowserCfg.Headless = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// SessionConfig identifies the analytics session.
type SessionConfig struct {
	APIKey       string `mapstructure:"api_key" yaml:"-"`
	UserID       string `mapstructure:"user_id" yaml:"user_id"`
	InstanceName string `mapstructure:"instance_name" yaml:"instance_name"`
	DeviceID     string `mapstructure:"device_id" yaml:"device_id"`
}

// DefaultEventPropertiesConfig toggles the computed event properties.
type DefaultEventPropertiesConfig struct {
	Origin   bool `mapstructure:"origin" yaml:"origin"`
	PagePath bool `mapstructure:"page_path" yaml:"page_path"`
}

// TrackerConfig mirrors tracker.Options in file form.
type TrackerConfig struct {
	EventPrefix               string                       `mapstructure:"event_prefix" yaml:"event_prefix"`
	FixedEventProperties      map[string]interface{}       `mapstructure:"fixed_event_properties" yaml:"fixed_event_properties"`
	UseDefaultEventProperties DefaultEventPropertiesConfig `mapstructure:"use_default_event_properties" yaml:"use_default_event_properties"`
	OnClickSelector           string                       `mapstructure:"on_click_selector" yaml:"on_click_selector"`
	OnHoverSelector           string                       `mapstructure:"on_hover_selector" yaml:"on_hover_selector"`
	OnViewedSelector          string                       `mapstructure:"on_viewed_selector" yaml:"on_viewed_selector"`
	ScrollSteps               []float64                    `mapstructure:"scroll_steps" yaml:"scroll_steps"`
	ScrollTimeout             time.Duration                `mapstructure:"scroll_timeout" yaml:"scroll_timeout"`
	ExcludedProperties        []string                     `mapstructure:"excluded_properties" yaml:"excluded_properties"`
	ViewedPartially           bool                         `mapstructure:"viewed_partially" yaml:"viewed_partially"`
	MinVisibleHeight          float64                      `mapstructure:"min_visible_height" yaml:"min_visible_height"`
	IncludeReferrer           bool                         `mapstructure:"include_referrer" yaml:"include_referrer"`
	IncludeUtm                bool                         `mapstructure:"include_utm" yaml:"include_utm"`
	PerformanceMetrics        bool                         `mapstructure:"performance_metrics" yaml:"performance_metrics"`
	MetricsPollInterval       time.Duration                `mapstructure:"metrics_poll_interval" yaml:"metrics_poll_interval"`
}

// DeliveryConfig controls how events leave the process.
type DeliveryConfig struct {
	Endpoint           string        `mapstructure:"endpoint" yaml:"endpoint"`
	BatchSize          int           `mapstructure:"batch_size" yaml:"batch_size"`
	BufferSize         int           `mapstructure:"buffer_size" yaml:"buffer_size"`
	FlushInterval      time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	RateLimit          float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	Compression        string        `mapstructure:"compression" yaml:"compression"`
	JWTSecret          string        `mapstructure:"jwt_secret" yaml:"-"`
	JWTTTL             time.Duration `mapstructure:"jwt_ttl" yaml:"jwt_ttl"`
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout"`
	DryRun             bool          `mapstructure:"dry_run" yaml:"dry_run"`
	EventFile          string        `mapstructure:"event_file" yaml:"event_file"`
	EventFileMaxSize   int           `mapstructure:"event_file_max_size" yaml:"event_file_max_size"`
	EventFileBackups   int           `mapstructure:"event_file_backups" yaml:"event_file_backups"`
	EventFileCompress  bool          `mapstructure:"event_file_compress" yaml:"event_file_compress"`
	ProxyURL           string        `mapstructure:"proxy_url" yaml:"proxy_url"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	HTTP2              bool          `mapstructure:"http2" yaml:"http2"`
}

// StoreConfig selects the optional event stores.
type StoreConfig struct {
	PostgresURL string `mapstructure:"postgres_url" yaml:"-"`
	SQLitePath  string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

// BrowserConfig holds settings for the live Chrome page.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	ExecPath          string        `mapstructure:"exec_path" yaml:"exec_path"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
}

// NewDefaultConfig creates a configuration with all default values applied.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration parameter.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "pagepulse")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Tracker --
	v.SetDefault("tracker.event_prefix", "")
	v.SetDefault("tracker.use_default_event_properties.origin", true)
	v.SetDefault("tracker.use_default_event_properties.page_path", true)
	v.SetDefault("tracker.on_click_selector", tracker.DefaultOnClickSelector)
	v.SetDefault("tracker.on_hover_selector", tracker.DefaultOnHoverSelector)
	v.SetDefault("tracker.on_viewed_selector", tracker.DefaultOnViewedSelector)
	v.SetDefault("tracker.scroll_steps", []float64{100, 75, 50, 25, 10})
	v.SetDefault("tracker.scroll_timeout", tracker.DefaultScrollTimeout)
	v.SetDefault("tracker.excluded_properties", []string{"v-.*"})
	v.SetDefault("tracker.viewed_partially", false)
	v.SetDefault("tracker.min_visible_height", 24)
	v.SetDefault("tracker.include_referrer", true)
	v.SetDefault("tracker.include_utm", true)
	v.SetDefault("tracker.performance_metrics", false)
	v.SetDefault("tracker.metrics_poll_interval", "2s")

	// -- Delivery --
	v.SetDefault("delivery.endpoint", analytics.DefaultEndpoint)
	v.SetDefault("delivery.batch_size", 30)
	v.SetDefault("delivery.buffer_size", 1000)
	v.SetDefault("delivery.flush_interval", "10s")
	v.SetDefault("delivery.rate_limit", 10.0)
	v.SetDefault("delivery.compression", analytics.CompressionGzip)
	v.SetDefault("delivery.jwt_ttl", "5m")
	v.SetDefault("delivery.timeout", "30s")
	v.SetDefault("delivery.dry_run", false)
	v.SetDefault("delivery.event_file", "")
	v.SetDefault("delivery.event_file_max_size", 50)
	v.SetDefault("delivery.event_file_backups", 3)
	v.SetDefault("delivery.event_file_compress", false)
	v.SetDefault("delivery.proxy_url", "")
	v.SetDefault("delivery.insecure_skip_verify", false)
	v.SetDefault("delivery.http2", true)

	// -- Store --
	v.SetDefault("store.sqlite_path", "")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 800)
	v.SetDefault("browser.navigation_timeout", "60s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets are usually supplied through the environment or a .env file.
	_ = v.BindEnv("session.api_key", "PAGEPULSE_API_KEY")
	_ = v.BindEnv("delivery.jwt_secret", "PAGEPULSE_JWT_SECRET")
	_ = v.BindEnv("store.postgres_url", "PAGEPULSE_DATABASE_URL", "DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if cfg.SessionCfg.APIKey == "" {
		cfg.SessionCfg.APIKey = os.Getenv("PAGEPULSE_API_KEY")
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading ~ in every file path setting.
func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.LoggerCfg.LogFile, &c.DeliveryCfg.EventFile, &c.StoreCfg.SQLitePath} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.TrackerCfg.Validate(); err != nil {
		return fmt.Errorf("tracker configuration invalid: %w", err)
	}
	if err := c.DeliveryCfg.Validate(); err != nil {
		return fmt.Errorf("delivery configuration invalid: %w", err)
	}
	if c.BrowserCfg.ViewportWidth <= 0 || c.BrowserCfg.ViewportHeight <= 0 {
		return fmt.Errorf("browser.viewport_width and browser.viewport_height must be positive integers")
	}
	return nil
}

// Validate checks the tracker settings, including every exclusion pattern.
func (t *TrackerConfig) Validate() error {
	for _, step := range t.ScrollSteps {
		if step < 0 || step > 100 {
			return fmt.Errorf("scroll_steps must be between 0 and 100, got %v", step)
		}
	}
	if t.ScrollTimeout < 0 {
		return fmt.Errorf("scroll_timeout must not be negative")
	}
	if t.MinVisibleHeight < 0 {
		return fmt.Errorf("min_visible_height must not be negative")
	}
	if t.PerformanceMetrics && t.MetricsPollInterval <= 0 {
		return fmt.Errorf("metrics_poll_interval must be a positive duration")
	}
	if _, err := compilePatterns(t.ExcludedProperties); err != nil {
		return err
	}
	return nil
}

// Validate checks the delivery settings.
func (d *DeliveryConfig) Validate() error {
	if d.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be a positive integer")
	}
	if d.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be a positive duration")
	}
	if d.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	switch strings.ToLower(strings.TrimSpace(d.Compression)) {
	case "", analytics.CompressionNone, "identity", analytics.CompressionGzip, analytics.CompressionBrotli, "brotli":
	default:
		return fmt.Errorf("unsupported compression %q", d.Compression)
	}
	if d.ProxyURL != "" {
		u, err := url.Parse(d.ProxyURL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid proxy_url %q", d.ProxyURL)
		}
	}
	return nil
}

// Options compiles the tracker settings. Invalid exclusion patterns are an error.
func (t TrackerConfig) Options(session SessionConfig) (tracker.Options, error) {
	excluded, err := compilePatterns(t.ExcludedProperties)
	if err != nil {
		return tracker.Options{}, err
	}
	var fixed schemas.Properties
	if len(t.FixedEventProperties) > 0 {
		fixed = make(schemas.Properties, len(t.FixedEventProperties))
		for k, v := range t.FixedEventProperties {
			fixed[k] = v
		}
	}
	opts := tracker.Options{
		InstanceName:         session.InstanceName,
		UserID:               session.UserID,
		EventPrefix:          t.EventPrefix,
		FixedEventProperties: fixed,
		UseDefaultEventProperties: tracker.DefaultEventProperties{
			Origin:   tracker.Bool(t.UseDefaultEventProperties.Origin),
			PagePath: tracker.Bool(t.UseDefaultEventProperties.PagePath),
		},
		OnClickSelector:    t.OnClickSelector,
		OnHoverSelector:    t.OnHoverSelector,
		OnViewedSelector:   t.OnViewedSelector,
		ScrollTimeout:      tracker.Duration(t.ScrollTimeout),
		ExcludedProperties: excluded,
		ViewedPartially:    t.ViewedPartially,
		MinVisibleHeight:   t.MinVisibleHeight,
		IncludeReferrer:    tracker.Bool(t.IncludeReferrer),
		IncludeUtm:         tracker.Bool(t.IncludeUtm),
	}
	if t.ScrollSteps != nil {
		opts.ScrollSteps = append([]float64{}, t.ScrollSteps...)
	}
	return opts, nil
}

// BatchConfig converts the delivery settings for analytics.NewBatchClient.
func (d DeliveryConfig) BatchConfig(session SessionConfig) analytics.BatchConfig {
	return analytics.BatchConfig{
		BatchSize:     d.BatchSize,
		FlushInterval: d.FlushInterval,
		BufferSize:    d.BufferSize,
		WriteTimeout:  d.Timeout,
		DeviceID:      session.DeviceID,
	}
}

// HTTPConfig converts the delivery settings for analytics.NewHTTPWriter.
func (d DeliveryConfig) HTTPConfig(userAgent string) analytics.HTTPConfig {
	return analytics.HTTPConfig{
		Endpoint:    d.Endpoint,
		RateLimit:   d.RateLimit,
		Compression: d.Compression,
		JWTSecret:   d.JWTSecret,
		JWTTTL:      d.JWTTTL,
		Timeout:     d.Timeout,
		UserAgent:   userAgent,
	}
}

// ClientConfig converts the transport settings for network.NewClient.
func (d DeliveryConfig) ClientConfig(logger *zap.Logger) network.ClientConfig {
	cfg := network.NewDefaultClientConfig()
	if d.Timeout > 0 {
		cfg.RequestTimeout = d.Timeout
	}
	cfg.ProxyURL = d.ProxyURL
	cfg.InsecureSkipVerify = d.InsecureSkipVerify
	cfg.ForceHTTP2 = d.HTTP2
	cfg.Logger = logger
	return cfg
}

// FileConfig converts the event file settings for analytics.NewFileWriter.
func (d DeliveryConfig) FileConfig() analytics.FileConfig {
	return analytics.FileConfig{
		Path:       d.EventFile,
		MaxSizeMB:  d.EventFileMaxSize,
		MaxBackups: d.EventFileBackups,
		Compress:   d.EventFileCompress,
	}
}

// compilePatterns returns nil for a nil list so the tracker default applies.
func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	if patterns == nil {
		return nil, nil
	}
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid excluded_properties pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
