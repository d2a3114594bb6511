package config

import (
	"os"
	"path/filepath"
	"testing"
)

func boolPtr(b bool) *bool { return &b }

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load missing file returned error: %v", err)
	}
	want := defaults()
	if cfg.Cache.BaseDir != want.Cache.BaseDir {
		t.Fatalf("BaseDir = %q, want default %q", cfg.Cache.BaseDir, want.Cache.BaseDir)
	}
	if cfg.Log.Logrotate != 5 {
		t.Fatalf("Log.Logrotate = %d, want %d", cfg.Log.Logrotate, 5)
	}
	if len(cfg.Servers) != 0 {
		t.Fatalf("expected no servers in default config")
	}
}

func TestLoadDecodesServerTriState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "e2cache.toml")
	body := `
[cache]
base_dir = "/var/cache/e2cache"
default_server = "projects"

[log]
logrotate = 10

[servers.projects]
url = "ssh://build@host/srv/projects"
cachable = true
cache = true
is_local = false
writeback = false
perm = "0644"

[servers.scratch]
url = "file:///srv/scratch"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Cache.BaseDir != "/var/cache/e2cache" {
		t.Fatalf("BaseDir = %q, want %q", cfg.Cache.BaseDir, "/var/cache/e2cache")
	}
	if cfg.Cache.DefaultServer != "projects" {
		t.Fatalf("DefaultServer = %q, want %q", cfg.Cache.DefaultServer, "projects")
	}
	if cfg.Log.Logrotate != 10 {
		t.Fatalf("Log.Logrotate = %d, want %d", cfg.Log.Logrotate, 10)
	}

	sc, ok := cfg.Servers["projects"]
	if !ok {
		t.Fatalf("expected servers.projects to be present")
	}
	if sc.Cachable == nil || !*sc.Cachable {
		t.Fatalf("projects.Cachable = %v, want true", sc.Cachable)
	}
	if sc.Cache == nil || !*sc.Cache {
		t.Fatalf("projects.Cache = %v, want true", sc.Cache)
	}
	if sc.IsLocal == nil || *sc.IsLocal {
		t.Fatalf("projects.IsLocal = %v, want false", sc.IsLocal)
	}
	if sc.Writeback == nil || *sc.Writeback {
		t.Fatalf("projects.Writeback = %v, want false", sc.Writeback)
	}
	if sc.Perm != "0644" {
		t.Fatalf("projects.Perm = %q, want %q", sc.Perm, "0644")
	}

	scratch, ok := cfg.Servers["scratch"]
	if !ok {
		t.Fatalf("expected servers.scratch to be present")
	}
	if scratch.Cachable != nil || scratch.Cache != nil || scratch.IsLocal != nil || scratch.Writeback != nil {
		t.Fatalf("scratch flags should all be unset (nil), got %+v", scratch)
	}
}

func TestLoadServerMissingURLIsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "e2cache.toml")
	body := `
[servers.broken]
cache = true
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for a server table missing url")
	}
}

func TestLoadMalformedTOMLIsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "e2cache.toml")
	if err := os.WriteFile(path, []byte("this is not [ valid toml"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for malformed TOML")
	}
}

func TestLoadDefaultLocationsFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	defer os.Chdir(cwd)
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Setenv("HOME", dir)

	cfg, err := LoadDefaultLocations()
	if err != nil {
		t.Fatalf("LoadDefaultLocations error: %v", err)
	}
	want := defaults()
	if cfg.Cache.BaseDir != want.Cache.BaseDir {
		t.Fatalf("BaseDir = %q, want default %q", cfg.Cache.BaseDir, want.Cache.BaseDir)
	}
}

func TestLoadDefaultLocationsPrefersCWDFile(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	defer os.Chdir(cwd)
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Setenv("HOME", t.TempDir())

	body := "[cache]\nbase_dir = \"/from/cwd\"\n"
	if err := os.WriteFile(filepath.Join(dir, ".e2cache.toml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadDefaultLocations()
	if err != nil {
		t.Fatalf("LoadDefaultLocations error: %v", err)
	}
	if cfg.Cache.BaseDir != "/from/cwd" {
		t.Fatalf("BaseDir = %q, want %q", cfg.Cache.BaseDir, "/from/cwd")
	}
}

func TestConfigStringSummary(t *testing.T) {
	cfg := defaults()
	cfg.Servers["a"] = ServerConfig{URL: "file:///a", Cache: boolPtr(true)}
	s := cfg.String()
	if s == "" {
		t.Fatalf("expected non-empty summary")
	}
}
