package lolasync

import (
	"os"
	"path/filepath"
	"testing"
)

// testConfig builds a compiled config for tests. DiskPath is a temp dir so
// accidental store opens never collide between tests.
func testConfig(t *testing.T, origin, backendOrigin string) Config {
	t.Helper()
	var cfg Config
	cfg.Server.Origin = origin
	cfg.Backend.Origin = backendOrigin
	cfg.Cache.DiskPath = filepath.Join(t.TempDir(), "leveldb")
	if err := cfg.compile(); err != nil {
		t.Fatalf("compile config: %v", err)
	}
	return cfg
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lolasync.yaml")
	data := `
server:
  port: 9000
  origin: https://lola.example
backend:
  origin: https://abc.supabase.example
cache:
  version: v7
  ramMax: 1mb
shell:
  manifest: ["/", "/offline.html"]
  offlinePath: /offline.html
sync:
  tag: pet-sync
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.StaticCacheName() != "lola-cache-static-v7" {
		t.Fatalf("unexpected static cache name %q", cfg.StaticCacheName())
	}
	if cfg.DynamicCacheName() != "lola-cache-dynamic-v7" {
		t.Fatalf("unexpected dynamic cache name %q", cfg.DynamicCacheName())
	}
	if cfg.Backend.apiHost != "abc.supabase.example" {
		t.Fatalf("unexpected api host %q", cfg.Backend.apiHost)
	}
	if cfg.Cache.ramMaxBytes != 1<<20 {
		t.Fatalf("unexpected ram max %d", cfg.Cache.ramMaxBytes)
	}
	if cfg.Sync.Tag != "pet-sync" {
		t.Fatalf("unexpected sync tag %q", cfg.Sync.Tag)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := testConfig(t, "http://app.local", "http://api.local")

	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port, got %d", cfg.Server.Port)
	}
	if cfg.Cache.Version != "v1" {
		t.Fatalf("expected default version, got %q", cfg.Cache.Version)
	}
	if cfg.Shell.OfflinePath != "/offline.html" {
		t.Fatalf("expected default offline path, got %q", cfg.Shell.OfflinePath)
	}
	if len(cfg.Shell.Manifest) == 0 {
		t.Fatal("expected default shell manifest")
	}
	if _, ok := cfg.Media.extSet[".png"]; !ok {
		t.Fatal("expected default media extensions")
	}
	if cfg.Sync.Tag != "lola-sync" {
		t.Fatalf("expected default sync tag, got %q", cfg.Sync.Tag)
	}
}

func TestConfigRequiresOrigins(t *testing.T) {
	var cfg Config
	if err := cfg.compile(); err == nil {
		t.Fatal("missing server.origin should fail")
	}

	cfg = Config{}
	cfg.Server.Origin = "http://app.local"
	if err := cfg.compile(); err == nil {
		t.Fatal("missing backend.origin should fail")
	}
}

func TestConfigOfflinePathMustBeInManifest(t *testing.T) {
	var cfg Config
	cfg.Server.Origin = "http://app.local"
	cfg.Backend.Origin = "http://api.local"
	cfg.Shell.Manifest = []string{"/"}
	cfg.Shell.OfflinePath = "/offline.html"
	if err := cfg.compile(); err == nil {
		t.Fatal("offline path outside the manifest should fail")
	}
}

func TestConfigRejectsRelativeManifestPath(t *testing.T) {
	var cfg Config
	cfg.Server.Origin = "http://app.local"
	cfg.Backend.Origin = "http://api.local"
	cfg.Shell.Manifest = []string{"offline.html"}
	if err := cfg.compile(); err == nil {
		t.Fatal("relative manifest path should fail")
	}
}

func TestParseBytes(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"512", 512},
		{"1k", 1024},
		{"1kb", 1024},
		{"2mb", 2 * 1024 * 1024},
		{"1g", 1024 * 1024 * 1024},
	}
	for _, c := range cases {
		got, err := parseBytes(c.in)
		if err != nil {
			t.Fatalf("parseBytes(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("parseBytes(%q) = %d, want %d", c.in, got, c.want)
		}
	}
	if _, err := parseBytes(""); err == nil {
		t.Fatal("empty size should fail")
	}
	if _, err := parseBytes("-1k"); err == nil {
		t.Fatal("negative size should fail")
	}
}
