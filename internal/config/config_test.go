package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/newsdesk/internal/ingest"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
logging:
  development: false
cascade:
  direct_timeout: 5s
  full_text: false
clustering:
  threshold: 0.9
  window: 12h
enrichment:
  base_url: http://localhost:11434/v1
  model: llama3
storage:
  backend: gcs
  gcs_bucket: newsdesk-raw
sources:
  - id: hn
    url: https://hacker-news.firebaseio.com/v0
    method: api
    api_kind: hackernews
    interval: 10m
    max_items: 30
  - id: wire
    url: https://wire.example.com/rss
    method: feed
    rate_limit: 0.5
    retry_count: 2
    disabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Cascade.DirectTimeout != 5*time.Second || cfg.Cascade.FullText {
		t.Fatalf("expected cascade overrides to apply: %+v", cfg.Cascade)
	}
	if cfg.Cascade.ProxiedTimeout != 20*time.Second {
		t.Fatalf("expected proxied timeout default, got %v", cfg.Cascade.ProxiedTimeout)
	}
	if cfg.Clustering.Threshold != 0.9 || cfg.Clustering.Window != 12*time.Hour {
		t.Fatalf("expected clustering overrides: %+v", cfg.Clustering)
	}
	if cfg.Linker.MinSharedTags != 3 || cfg.Linker.Window != 30*24*time.Hour {
		t.Fatalf("expected linker defaults: %+v", cfg.Linker)
	}

	defs := cfg.SourceDefinitions()
	if len(defs) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(defs))
	}
	hn := defs[0]
	if hn.Method != ingest.MethodAPI || hn.APIKind != "hackernews" || hn.Interval != 10*time.Minute || hn.MaxItems != 30 {
		t.Fatalf("unexpected hn source: %+v", hn)
	}
	if !hn.Active {
		t.Fatalf("expected hn to be active")
	}
	wire := defs[1]
	if wire.Active || wire.RateLimit != 0.5 || wire.RetryCount != 2 {
		t.Fatalf("unexpected wire source: %+v", wire)
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Backend != StorageMemory || cfg.Storage.Prefix != "raw" {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Health.BackoffCap != 10 || cfg.Health.DisableThreshold != 10 {
		t.Fatalf("unexpected health defaults: %+v", cfg.Health)
	}
	if cfg.Clustering.Threshold != 0.85 || cfg.Clustering.Window != 24*time.Hour {
		t.Fatalf("unexpected clustering defaults: %+v", cfg.Clustering)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.Interval != time.Minute {
		t.Fatalf("unexpected scheduler defaults: %+v", cfg.Scheduler)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:     ServerConfig{Port: 8080},
		HTTP:       HTTPConfig{Timeout: 10 * time.Second},
		Clustering: ClusteringConfig{Threshold: 0.85},
		Linker:     LinkerConfig{MinSharedTags: 3},
		Storage:    StorageConfig{Backend: StorageMemory},
	}
	feed := func(id string) SourceConfig {
		return SourceConfig{Source: ingest.Source{ID: id, URL: "https://example.com/rss", Method: ingest.MethodFeed}}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"invalid timeout", func(c *Config) { c.HTTP.Timeout = 0 }, "http.timeout"},
		{"headless missing max parallel", func(c *Config) { c.Headless.Enabled = true }, "headless.max_parallel"},
		{"threshold out of range", func(c *Config) { c.Clustering.Threshold = 1.5 }, "clustering.threshold"},
		{"linker minimum", func(c *Config) { c.Linker.MinSharedTags = 0 }, "linker.min_shared_tags"},
		{"scheduler interval", func(c *Config) { c.Scheduler.Enabled = true }, "scheduler.interval"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = StorageGCS }, "storage.gcs_bucket"},
		{"local without dir", func(c *Config) { c.Storage.Backend = StorageLocal }, "storage.local_dir"},
		{"source without id", func(c *Config) { c.Sources = []SourceConfig{feed("")} }, "sources[0].id"},
		{"duplicate source", func(c *Config) { c.Sources = []SourceConfig{feed("a"), feed("a")} }, "duplicated"},
		{"bad method", func(c *Config) {
			s := feed("a")
			s.Method = "scrape"
			c.Sources = []SourceConfig{s}
		}, "method"},
		{"unsupported api", func(c *Config) {
			s := feed("a")
			s.Method = ingest.MethodAPI
			s.APIKind = "reddit"
			c.Sources = []SourceConfig{s}
		}, "api_kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
