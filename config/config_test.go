package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "menuwatch.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsAndFile(t *testing.T) {
	// WHAT: File values override defaults; unset fields keep them.
	path := writeFile(t, `
addr: ":9000"
locations:
  - id: green-leaf
    name: Green Leaf
    url: https://dutchie.com/dispensary/green-leaf
  - id: high-tide
    name: High Tide
    url: https://dutchie.com/embedded-menu/high-tide
    platform: dutchie-embedded
    disabled: true
    disabledReason: bot wall
schedule:
  scrapeInterval: 10m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Errorf("addr = %q", cfg.Addr)
	}
	if cfg.Schedule.ScrapeInterval.Std() != 10*time.Minute {
		t.Errorf("scrapeInterval = %v", cfg.Schedule.ScrapeInterval.Std())
	}
	if cfg.Schedule.RetryInterval.Std() != 30*time.Second {
		t.Errorf("retryInterval default lost: %v", cfg.Schedule.RetryInterval.Std())
	}

	active := cfg.Active()
	if len(active) != 1 || active[0].ID != "green-leaf" {
		t.Errorf("active = %+v", active)
	}
	if cfg.Locations[1].DisabledReason != "bot wall" {
		t.Errorf("disabledReason = %q", cfg.Locations[1].DisabledReason)
	}
}

func TestEnvOverrides(t *testing.T) {
	// WHAT: Secrets come from the environment and beat file values.
	path := writeFile(t, `
browser:
  apiKey: from-file
locations: []
`)
	t.Setenv(EnvBrowserAPIKey, "from-env")
	t.Setenv(EnvIngestKey, "shared-secret")
	t.Setenv(EnvWebhookURL, "https://hooks.example/consumer")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Browser.APIKey != "from-env" {
		t.Errorf("apiKey = %q", cfg.Browser.APIKey)
	}
	if cfg.Ingestion.APIKey != "shared-secret" {
		t.Errorf("ingest key = %q", cfg.Ingestion.APIKey)
	}
	if cfg.Webhooks.Default != "https://hooks.example/consumer" {
		t.Errorf("default webhook = %q", cfg.Webhooks.Default)
	}
}

func TestValidation(t *testing.T) {
	// WHAT: Duplicate ids and enabled locations without URLs are rejected;
	// a disabled location may omit its URL.
	cases := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{"duplicate ids", `
locations:
  - {id: a, url: "https://x"}
  - {id: a, url: "https://y"}
`, true},
		{"missing url", `
locations:
  - {id: a}
`, true},
		{"disabled without url", `
locations:
  - {id: a, disabled: true}
`, false},
	}
	for _, tc := range cases {
		path := writeFile(t, tc.yaml)
		_, err := Load(path)
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err = %v, wantErr = %v", tc.name, err, tc.wantErr)
		}
	}
}
