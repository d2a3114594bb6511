// Package config loads e2cache's TOML configuration file: the cache's base
// location, the server table (name -> remote URL + per-server flag
// overrides), tool overrides, and logging setup.
//
// Grounded on stevedores-org-local-ci/config.go's LoadConfig: defaults
// first, then BurntSushi/toml.Decode over the file if one exists, with
// missing file treated as "use defaults" rather than an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/emlix/e2cache/internal/core/errs"
)

// ServerConfig is one [servers.NAME] table: the remote location and the
// three-valued flag overrides a cache entry built from this server starts
// with. Cache/IsLocal/Writeback are *bool so "unset in this file" (nil) is
// distinguishable from an explicit true/false — the tri-state flag logic
// described in spec.md's cache module depends on this distinction and must
// not collapse it to a plain bool.
type ServerConfig struct {
	URL       string `toml:"url"`
	Cachable  *bool  `toml:"cachable"`
	Cache     *bool  `toml:"cache"`
	IsLocal   *bool  `toml:"is_local"`
	Writeback *bool  `toml:"writeback"`
	Perm      string `toml:"perm"`
}

// ToolConfig is one [tools.NAME] table, overriding a registered tool's
// command/flags/enabled state.
type ToolConfig struct {
	Command string `toml:"command"`
	Flags   string `toml:"flags"`
	Enable  *bool  `toml:"enable"`
}

// LogConfig is the `log` table spec.md §6 names verbatim: how many rotated
// log files the surrounding build tool's logging collaborator keeps. Actual
// log-file rotation is owned by that external collaborator (spec.md §1 rules
// logging configuration out of scope for this core) — this package only
// decodes and carries the value through for it.
type LogConfig struct {
	Logrotate int `toml:"logrotate"`
}

// CacheConfig is the top-level [cache] table.
type CacheConfig struct {
	BaseDir      string `toml:"base_dir"`
	DefaultServer string `toml:"default_server"`
}

// Config is the full parsed .e2cache.toml file.
type Config struct {
	Cache   CacheConfig             `toml:"cache"`
	Servers map[string]ServerConfig `toml:"servers"`
	Tools   map[string]ToolConfig   `toml:"tools"`
	Log     LogConfig               `toml:"log"`
}

// defaults returns a Config populated with e2cache's built-in defaults,
// mirroring stevedores-org-local-ci's LoadConfig, which always starts from
// a populated struct rather than a zero value.
func defaults() *Config {
	return &Config{
		Cache: CacheConfig{
			BaseDir: filepath.Join(os.TempDir(), "e2cache"),
		},
		Servers: map[string]ServerConfig{},
		Tools:   map[string]ToolConfig{},
		Log: LogConfig{
			Logrotate: 5,
		},
	}
}

// Load reads path and merges it over the defaults. A missing file is not
// an error: it just means "use defaults", matching
// stevedores-org-local-ci's LoadConfig behavior for a missing
// .local-ci.toml.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errs.New("config: read %s: %v", path, err).Ecset(errs.EConfig)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, errs.New("config: parse %s: %v", path, err).Ecset(errs.EConfig)
	}

	for name, sc := range cfg.Servers {
		if sc.URL == "" {
			return nil, errs.New("config: server %q missing url", name).Ecset(errs.EConfig)
		}
	}
	return cfg, nil
}

// LoadDefaultLocations tries ".e2cache.toml", then "$HOME/.e2cache.toml",
// returning defaults (never an error) if neither exists. This mirrors
// cmd/portsy/main.go's godotenv.Overload cascade over several candidate
// paths.
func LoadDefaultLocations() (*Config, error) {
	candidates := []string{".e2cache.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".e2cache.toml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return Load(c)
		}
	}
	return defaults(), nil
}

// String renders a human-readable summary, used by e2cache's -show-config
// diagnostic flag.
func (c *Config) String() string {
	return fmt.Sprintf("cache.base_dir=%s cache.default_server=%s servers=%d tools=%d log.logrotate=%d",
		c.Cache.BaseDir, c.Cache.DefaultServer, len(c.Servers), len(c.Tools), c.Log.Logrotate)
}
