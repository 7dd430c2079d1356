// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/quotafill-crawler/internal/fetcher/article"
	"github.com/JakeFAU/quotafill-crawler/internal/fetcher/listing"
	"github.com/JakeFAU/quotafill-crawler/internal/scheduler"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Export backends.
const (
	BackendLocal = "local"
	BackendGCS   = "gcs"
)

// Fetch modes.
const (
	FetchHTTP    = "http"
	FetchBrowser = "browser"
	// FetchAuto uses plain HTTP and re-renders script-built pages in Chrome.
	FetchAuto = "auto"
)

// Config captures every knob loaded via Viper.
type Config struct {
	Logging   LoggingConfig           `mapstructure:"logging"`
	Store     StoreConfig             `mapstructure:"store"`
	Scheduler SchedulerConfig         `mapstructure:"scheduler"`
	HTTP      HTTPConfig              `mapstructure:"http"`
	Browser   BrowserConfig           `mapstructure:"browser"`
	Server    ServerConfig            `mapstructure:"server"`
	Export    ExportConfig            `mapstructure:"export"`
	PubSub    PubSubConfig            `mapstructure:"pubsub"`
	Sources   map[string]SourceConfig `mapstructure:"sources"`
}

// LoggingConfig toggles zap development features and the level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StoreConfig selects and configures the partition store.
type StoreConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	BusyTimeout     time.Duration `mapstructure:"busy_timeout"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// SchedulerConfig holds the driver's round limits and phase switches.
type SchedulerConfig struct {
	MaxRounds     int  `mapstructure:"max_rounds"`
	MaxIdleRounds int  `mapstructure:"max_idle_rounds"`
	WalkEnabled   bool `mapstructure:"walk_enabled"`
	FetchEnabled  bool `mapstructure:"fetch_enabled"`
}

// HTTPConfig configures the plain HTTP transport.
type HTTPConfig struct {
	UserAgent         string        `mapstructure:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// BrowserConfig configures the Chrome session used by browser-mode sources.
type BrowserConfig struct {
	UserDataDir string        `mapstructure:"user_data_dir"`
	ProfileDir  string        `mapstructure:"profile_dir"`
	Headful     bool          `mapstructure:"headful"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	Settle      time.Duration `mapstructure:"settle"`
	MaxParallel int           `mapstructure:"max_parallel"`
}

// ServerConfig controls the status API.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// ExportConfig configures the article export.
type ExportConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	// Flags maps a flag name to regular expressions; an article gets the flag
	// when any expression matches its title, subtitle, or body.
	Flags map[string][]string `mapstructure:"flags"`
}

// PubSubConfig enables partition-complete notifications when Topic is set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// DelayConfig bounds a randomized pacing delay.
type DelayConfig struct {
	Min time.Duration `mapstructure:"min"`
	Max time.Duration `mapstructure:"max"`
}

// ListingConfig describes where a source's daily listings live.
type ListingConfig struct {
	URLTemplate       string            `mapstructure:"url_template"`
	FirstPageTemplate string            `mapstructure:"first_page_template"`
	Selectors         listing.Selectors `mapstructure:"selectors"`
	SnapshotDir       string            `mapstructure:"snapshot_dir"`
}

// ArticleConfig describes how article pages are read.
type ArticleConfig struct {
	Selectors   article.Selectors `mapstructure:"selectors"`
	Readability bool              `mapstructure:"readability"`
}

// SourceConfig is the file representation of one source.
type SourceConfig struct {
	Disabled          bool          `mapstructure:"disabled"`
	BaseURL           string        `mapstructure:"base_url"`
	StartDate         string        `mapstructure:"start_date"`
	EndDate           string        `mapstructure:"end_date"`
	Quota             int           `mapstructure:"quota"`
	FetchMode         string        `mapstructure:"fetch_mode"`
	Listing           ListingConfig `mapstructure:"listing"`
	StopRule          string        `mapstructure:"stop_rule"`
	FullPageSize      int           `mapstructure:"full_page_size"`
	MaxPages          int           `mapstructure:"max_pages"`
	Include           []string      `mapstructure:"include"`
	Exclude           []string      `mapstructure:"exclude"`
	ContentExclude    []string      `mapstructure:"content_exclude"`
	MinHeadlineLength int           `mapstructure:"min_headline_length"`
	PageDelay         DelayConfig   `mapstructure:"page_delay"`
	FetchDelay        DelayConfig   `mapstructure:"fetch_delay"`
	Article           ArticleConfig `mapstructure:"article"`
}

// Load builds a Config from disk and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

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
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.path", "quotafill.db")
	v.SetDefault("store.busy_timeout", 5*time.Second)
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.migrate", true)
	v.SetDefault("scheduler.max_rounds", 0)
	v.SetDefault("scheduler.max_idle_rounds", 1)
	v.SetDefault("scheduler.walk_enabled", true)
	v.SetDefault("scheduler.fetch_enabled", true)
	v.SetDefault("http.user_agent", "Mozilla/5.0 (compatible; quotacrawler/0.1)")
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.requests_per_second", 1.0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("browser.nav_timeout", 45*time.Second)
	v.SetDefault("browser.settle", 2*time.Second)
	v.SetDefault("browser.max_parallel", 1)
	v.SetDefault("server.port", 8080)
	v.SetDefault("export.backend", BackendLocal)
	v.SetDefault("export.dir", "exports")
	v.SetDefault("export.flags", map[string][]string{"mentions_ai": DefaultAIPatterns()})
}

// DefaultAIPatterns are the case-insensitive expressions behind the
// mentions_ai export flag.
func DefaultAIPatterns() []string {
	return []string{
		`(?i)\bAI\b`,
		`(?i)\bA\.I\.`,
		`(?i)\bartificial intelligence\b`,
		`(?i)\bmachine learning\b`,
		`(?i)\bdeep learning\b`,
		`(?i)\bLLMs?\b`,
		`(?i)\bGPT[-\d]*\b`,
		`(?i)\bChatGPT\b`,
		`(?i)\bOpenAI\b`,
		`(?i)\btransformer models?\b`,
		`(?i)\bgenerative AI\b`,
		`(?i)\bneural networks?\b`,
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("store.path is required for sqlite")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("store.dsn is required for postgres")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("store.driver %q is not one of sqlite, postgres, memory", c.Store.Driver)
	}
	if c.Scheduler.MaxRounds < 0 || c.Scheduler.MaxIdleRounds < 0 {
		return fmt.Errorf("scheduler round limits must be >= 0")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.RequestsPerSecond < 0 {
		return fmt.Errorf("http.requests_per_second must be >= 0")
	}
	if c.Browser.MaxParallel < 0 {
		return fmt.Errorf("browser.max_parallel must be >= 0")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Export.Backend {
	case BackendLocal:
		if strings.TrimSpace(c.Export.Dir) == "" {
			return fmt.Errorf("export.dir is required for the local backend")
		}
	case BackendGCS:
		if strings.TrimSpace(c.Export.Bucket) == "" {
			return fmt.Errorf("export.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("export.backend %q is not one of local, gcs", c.Export.Backend)
	}
	if _, err := c.Export.CompileFlags(); err != nil {
		return err
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when pubsub.topic is set")
	}
	for _, name := range c.SourceNames() {
		if _, err := c.Source(name, nil); err != nil {
			return err
		}
		if err := c.Sources[name].validateFetch(name); err != nil {
			return err
		}
	}
	return nil
}

// CompileFlags compiles the export flag expressions.
func (e ExportConfig) CompileFlags() (map[string][]*regexp.Regexp, error) {
	out := make(map[string][]*regexp.Regexp, len(e.Flags))
	for name, patterns := range e.Flags {
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("export.flags.%s: %w", name, err)
			}
			out[name] = append(out[name], re)
		}
	}
	return out, nil
}

// SourceNames returns the enabled source names in lexical order.
func (c Config) SourceNames() []string {
	names := make([]string, 0, len(c.Sources))
	for name, src := range c.Sources {
		if !src.Disabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Source converts a configured source into the engine form. A non-empty
// dates slice restricts planning to those days.
func (c Config) Source(name string, dates []time.Time) (scheduler.SourceConfig, error) {
	src, ok := c.Sources[name]
	if !ok || src.Disabled {
		return scheduler.SourceConfig{}, fmt.Errorf("source %q: %w", name, scheduler.ErrUnknownSource)
	}
	start, err := parseDate(name, "start_date", src.StartDate)
	if err != nil {
		return scheduler.SourceConfig{}, err
	}
	end, err := parseDate(name, "end_date", src.EndDate)
	if err != nil {
		return scheduler.SourceConfig{}, err
	}
	maxPages := src.MaxPages
	if maxPages == 0 && src.Listing.URLTemplate != "" && !listing.Paged(src.Listing.URLTemplate) {
		maxPages = 1
	}
	out := scheduler.SourceConfig{
		Name:              name,
		BaseURL:           src.BaseURL,
		Quota:             src.Quota,
		StartDate:         start,
		EndDate:           end,
		Dates:             dates,
		StopRule:          scheduler.StopRule(src.StopRule),
		FullPageSize:      src.FullPageSize,
		MaxPages:          maxPages,
		Include:           src.Include,
		Exclude:           src.Exclude,
		ContentExclude:    src.ContentExclude,
		MinHeadlineLength: src.MinHeadlineLength,
	}
	if err := out.Validate(); err != nil {
		return scheduler.SourceConfig{}, err
	}
	return out, nil
}

func (s SourceConfig) validateFetch(name string) error {
	if err := listing.ValidateTemplate(s.Listing.URLTemplate); err != nil {
		return fmt.Errorf("source %s listing: %w", name, err)
	}
	if s.Listing.FirstPageTemplate != "" {
		if err := listing.ValidateTemplate(s.Listing.FirstPageTemplate); err != nil {
			return fmt.Errorf("source %s first page: %w", name, err)
		}
	}
	if strings.TrimSpace(s.Listing.Selectors.Item) == "" {
		return fmt.Errorf("source %s: listing.selectors.item is required", name)
	}
	switch s.FetchMode {
	case "", FetchHTTP, FetchBrowser, FetchAuto:
	default:
		return fmt.Errorf("source %s: fetch_mode %q is not one of http, browser, auto", name, s.FetchMode)
	}
	for label, d := range map[string]DelayConfig{"page_delay": s.PageDelay, "fetch_delay": s.FetchDelay} {
		if d.Min < 0 || d.Max < d.Min {
			return fmt.Errorf("source %s: %s bounds [%s, %s] are invalid", name, label, d.Min, d.Max)
		}
	}
	return nil
}

// UsesBrowser reports whether the source fetches through Chrome.
func (s SourceConfig) UsesBrowser() bool {
	return s.FetchMode == FetchBrowser
}

// ParseDates parses YYYY-MM-DD strings, as given on the command line.
func ParseDates(values []string) ([]time.Time, error) {
	out := make([]time.Time, 0, len(values))
	for _, v := range values {
		d, err := time.Parse(time.DateOnly, strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("parse date %q: %w", v, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func parseDate(source, field, value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, nil
	}
	d, err := time.Parse(time.DateOnly, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, fmt.Errorf("source %s: %s %q: %w", source, field, value, err)
	}
	return d, nil
}
