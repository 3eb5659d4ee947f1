package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Default()
	cfg.Identity.UserID = "alice"
	return cfg
}

func TestEnsureCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ripple.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected fresh file")
	}
	if cfg.Store.Backend != "pebble" || cfg.Gateway.HTTPAddr == "" {
		t.Fatalf("defaults: %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file not written: %v", err)
	}
}

func TestEnsureLoadsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ripple.json")
	cfg := validConfig()
	cfg.Gateway.HTTPAddr = "127.0.0.1:9000"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	got, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("file existed")
	}
	if got.Gateway.HTTPAddr != "127.0.0.1:9000" || got.Identity.UserID != "alice" {
		t.Fatalf("loaded: %+v", got)
	}
}

func TestEnsureAcceptsUnfinishedConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ripple.json")
	if _, created, err := Ensure(path); err != nil || !created {
		t.Fatalf("first run: created=%v err=%v", created, err)
	}

	// Re-running init over the default file must load it, not reject the
	// still-blank identity.
	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("file already existed")
	}
	if cfg.Identity.UserID != "" {
		t.Fatalf("user id: %q", cfg.Identity.UserID)
	}

	cfg.Identity.UserID = "alice"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("finished config must validate: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing user id", func(c *Config) { c.Identity.UserID = "" }},
		{"underscore in user id", func(c *Config) { c.Identity.UserID = "a_b" }},
		{"unknown backend", func(c *Config) { c.Store.Backend = "redis" }},
		{"pebble without path", func(c *Config) { c.Store.Path = "" }},
		{"bad http addr", func(c *Config) { c.Gateway.HTTPAddr = "nonsense" }},
		{"zero rate limit", func(c *Config) { c.Gateway.RateLimitPerSec = 0 }},
		{"bad stun url", func(c *Config) { c.Call.StunServers = []string{"http://x"} }},
		{"assistant without endpoint", func(c *Config) { c.Assistant.Enabled = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ripple.json")
	cfg := validConfig()
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, append([]byte{0xEF, 0xBB, 0xBF}, b...), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("load with BOM: %v", err)
	}
}

func TestWatcherAppliesTunables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ripple.json")
	cfg := validConfig()
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	w, err := Watch(path, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	updates := make(chan Config, 4)
	w.OnChange(func(c Config) { updates <- c })

	next := cfg
	next.Gateway.RateLimitPerSec = 5
	next.Identity.UserID = "mallory" // must be ignored at runtime
	if err := Save(path, next); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-updates:
		if got.Gateway.RateLimitPerSec != 5 {
			t.Fatalf("rate limit not applied: %+v", got.Gateway)
		}
		if got.Identity.UserID != "alice" {
			t.Fatalf("identity must not change at runtime: %q", got.Identity.UserID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reload never observed")
	}
	if w.Current().Gateway.RateLimitPerSec != 5 {
		t.Fatalf("current snapshot stale: %+v", w.Current().Gateway)
	}
}
