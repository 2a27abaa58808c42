package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty key file", func(c *Config) { c.Identity.KeyFile = " " }},
		{"port out of range", func(c *Config) { c.P2P.ListenPort = 70000 }},
		{"empty topic", func(c *Config) { c.Presence.Topic = "" }},
		{"heartbeat past ttl", func(c *Config) { c.Presence.HeartbeatSec = 30 }},
		{"no stun servers", func(c *Config) { c.Call.STUNServers = nil }},
		{"bad stun scheme", func(c *Config) { c.Call.STUNServers = []string{"turn:x"} }},
		{"bad http addr", func(c *Config) { c.Web.HTTPAddr = "no-port" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("want validation error")
			}
		})
	}
}

func TestEnsureCreatesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !created {
		t.Fatal("first Ensure must create the file")
	}
	if cfg.Presence.Topic != Default().Presence.Topic {
		t.Fatalf("unexpected topic %q", cfg.Presence.Topic)
	}

	cfg.Profile.Label = "alice"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("second Ensure must load, not create")
	}
	if got.Profile.Label != "alice" {
		t.Fatalf("label = %q, want alice", got.Profile.Label)
	}
}

func TestLoadMissingFieldsKeepDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"profile":{"label":"bob"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Profile.Label != "bob" {
		t.Fatalf("label = %q", cfg.Profile.Label)
	}
	if len(cfg.Call.STUNServers) == 0 || cfg.P2P.MdnsTag == "" {
		t.Fatalf("missing fields must keep defaults: %+v", cfg)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"profile":{"label":"bom"}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load with BOM: %v", err)
	}
	if cfg.Profile.Label != "bom" {
		t.Fatalf("label = %q", cfg.Profile.Label)
	}
}
