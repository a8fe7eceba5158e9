// Package config loads menuwatch configuration from a YAML file with
// environment-variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Location is one dispensary menu to scrape.
type Location struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Platform string `yaml:"platform,omitempty"` // pinned strategy; empty means auto-detect
	City     string `yaml:"city,omitempty"`
	State    string `yaml:"state,omitempty"`
	Region   string `yaml:"region,omitempty"`

	Disabled       bool   `yaml:"disabled,omitempty"`
	DisabledReason string `yaml:"disabledReason,omitempty"`
}

// Duration wraps time.Duration so YAML can say "15m" or "30s".
// A bare integer is read as seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	return fmt.Errorf("config: invalid duration value")
}

// Schedule holds worker cadences.
type Schedule struct {
	ScrapeInterval   Duration `yaml:"scrapeInterval"`
	DispatchInterval Duration `yaml:"dispatchInterval"`
	RetryInterval    Duration `yaml:"retryInterval"`
	HealthInterval   Duration `yaml:"healthInterval"`
}

// Scrape tunes the embedded-menu extractor. Zero values fall back to the
// extractor's own defaults.
type Scrape struct {
	DetailLimit int `yaml:"detailLimit"` // detail-page visits per location
	PagePool    int `yaml:"pagePool"`    // concurrent detail pages
	CartBudget  int `yaml:"cartBudget"`  // cart-overflow probes per location
}

// Browser holds remote-browser session settings.
type Browser struct {
	APIKey    string `yaml:"apiKey"`
	ProjectID string `yaml:"projectId"`
	UseProxy  bool   `yaml:"useProxy"`
	ProxyGeo  string `yaml:"proxyGeo"`
}

// Ingestion holds the batch submission endpoint settings.
type Ingestion struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"apiKey"`
}

// Webhooks holds outbound delivery destinations.
type Webhooks struct {
	Default  string `yaml:"default"`  // watcher fallback
	Operator string `yaml:"operator"` // health + tick summaries
}

// Config is the full process configuration.
type Config struct {
	Addr      string     `yaml:"addr"`
	DBPath    string     `yaml:"dbPath"`
	LogLevel  string     `yaml:"logLevel"`
	Locations []Location `yaml:"locations"`
	Schedule  Schedule   `yaml:"schedule"`
	Scrape    Scrape     `yaml:"scrape"`
	Browser   Browser    `yaml:"browser"`
	Ingestion Ingestion  `yaml:"ingestion"`
	Webhooks  Webhooks   `yaml:"webhooks"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr:     ":8787",
		DBPath:   "menuwatch.db",
		LogLevel: "info",
		Schedule: Schedule{
			ScrapeInterval:   Duration(15 * time.Minute),
			DispatchInterval: Duration(60 * time.Second),
			RetryInterval:    Duration(30 * time.Second),
			HealthInterval:   Duration(5 * time.Minute),
		},
	}
}

// Load reads the YAML file at path (optional), then applies environment
// overrides. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Environment keys. Secrets belong here, not in the YAML file.
const (
	EnvBrowserAPIKey  = "MENUWATCH_BROWSER_API_KEY"
	EnvBrowserProject = "MENUWATCH_BROWSER_PROJECT"
	EnvProxy          = "MENUWATCH_PROXY"
	EnvProxyGeo       = "MENUWATCH_PROXY_GEO"
	EnvIngestKey      = "MENUWATCH_INGEST_KEY"
	EnvWebhookURL     = "MENUWATCH_WEBHOOK_URL"
	EnvAlertWebhook   = "MENUWATCH_ALERT_WEBHOOK_URL"
)

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvBrowserAPIKey); v != "" {
		cfg.Browser.APIKey = v
	}
	if v := os.Getenv(EnvBrowserProject); v != "" {
		cfg.Browser.ProjectID = v
	}
	if v := os.Getenv(EnvProxy); v != "" {
		cfg.Browser.UseProxy = v == "1" || v == "true"
	}
	if v := os.Getenv(EnvProxyGeo); v != "" {
		cfg.Browser.ProxyGeo = v
	}
	if v := os.Getenv(EnvIngestKey); v != "" {
		cfg.Ingestion.APIKey = v
	}
	if v := os.Getenv(EnvWebhookURL); v != "" {
		cfg.Webhooks.Default = v
	}
	if v := os.Getenv(EnvAlertWebhook); v != "" {
		cfg.Webhooks.Operator = v
	}
}

func (c *Config) validate() error {
	seen := map[string]bool{}
	for i, loc := range c.Locations {
		if loc.ID == "" {
			return fmt.Errorf("config: locations[%d] missing id", i)
		}
		if seen[loc.ID] {
			return fmt.Errorf("config: duplicate location id %q", loc.ID)
		}
		seen[loc.ID] = true
		if !loc.Disabled && loc.URL == "" {
			return fmt.Errorf("config: location %q missing url", loc.ID)
		}
	}
	if c.Schedule.ScrapeInterval <= 0 {
		return fmt.Errorf("config: scrapeInterval must be positive")
	}
	return nil
}

// Active returns the enabled locations in file order.
func (c *Config) Active() []Location {
	out := make([]Location, 0, len(c.Locations))
	for _, loc := range c.Locations {
		if !loc.Disabled {
			out = append(out, loc)
		}
	}
	return out
}
