package cache

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"

	"github.com/emlix/e2cache/internal/config"
	"github.com/emlix/e2cache/internal/core/errs"
	"github.com/emlix/e2cache/internal/core/tool"
	"github.com/emlix/e2cache/internal/core/transport"
	u "github.com/emlix/e2cache/internal/core/url"
)

// Entry is one server's cache record: its remote location, the local
// cache URL it's mirrored under (if caching is enabled for it at all),
// and its policy flags. Immutable after NewCacheEntry except for
// Flags.Writeback, which SetWriteback may update in place to apply a
// buffered CLI override.
type Entry struct {
	Server    string
	RemoteURL *u.URL
	CacheURL  *u.URL // nil unless Flags.Cachable and Flags.Cache were both true at creation (an alias copies its target's)
	Flags     Flags
}

// Cache is the process-wide registry of server entries plus the
// transport dispatcher used to move bytes for them. Created once per
// process after config load; entries are added during setup and never
// removed for the life of the process.
type Cache struct {
	mu      sync.Mutex
	Name    string
	BaseURL *u.URL
	entries map[string]*Entry
	order   []string // insertion order, for ce_by_url's tie-break

	Dispatcher *transport.Dispatcher
}

// expandUser replaces every "%u" in path with the current user's
// login name, for the cfg.cache.path "%u" template.
func expandUser(path string) (string, error) {
	if !strings.Contains(path, "%u") {
		return path, nil
	}
	usr, err := user.Current()
	if err != nil {
		return "", errs.New("cache: resolve current user: %v", err).Ecset(errs.EConfig)
	}
	return strings.ReplaceAll(path, "%u", usr.Username), nil
}

// SetupCache builds the Cache from a loaded Config: expands "%u" in the
// base directory, derives a file:// base URL, and adds one entry per
// configured server.
func SetupCache(name string, cfg *config.Config, tools *tool.Registry) (*Cache, error) {
	base, err := expandUser(cfg.Cache.BaseDir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, errs.New("cache: abs(%s): %v", base, err)
	}
	baseURL, err := u.Parse("file://" + abs)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		Name:       name,
		BaseURL:    baseURL,
		entries:    map[string]*Entry{},
		Dispatcher: transport.NewDispatcher(tools),
	}

	for server, sc := range cfg.Servers {
		remote, err := u.Parse(sc.URL)
		if err != nil {
			return nil, errs.New("cache: server %q: %v", server, err)
		}
		cachable := sc.Cachable == nil || *sc.Cachable
		flags := Flags{
			Cachable:        cachable,
			Cache:           sc.Cache,
			IsLocal:         sc.IsLocal,
			Writeback:       sc.Writeback,
			PushPermissions: sc.Perm,
		}
		if sc.Cache == nil {
			flags.Cache = boolPtr(false)
		}
		if _, err := c.NewCacheEntry(server, remote, flags, "", ""); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetupCacheLocal adds the two fixed-name entries the surrounding build
// tool relies on: one for the project's working directory (a "file"
// server with writeback forced on) and an alias, "project-storage", for
// projectLocation relative to the well-known "projects" server. The alias is
// added only when a "projects" server is already registered.
func SetupCacheLocal(c *Cache, projectRoot, projectLocation string) error {
	abs, err := filepath.Abs(projectRoot)
	if err != nil {
		return errs.New("cache: abs(%s): %v", projectRoot, err)
	}
	rootURL, err := u.Parse("file://" + abs)
	if err != nil {
		return err
	}
	if _, err := c.NewCacheEntry("project-root", rootURL, Flags{
		Cachable:  true,
		Cache:     boolPtr(false),
		IsLocal:   boolPtr(true),
		Writeback: boolPtr(true),
	}, "", ""); err != nil {
		return err
	}

	if _, ok := c.entries["projects"]; ok {
		if _, err := c.NewCacheEntry("project-storage", nil, Flags{}, "projects", projectLocation); err != nil {
			return err
		}
	}
	return nil
}

// DelayedOption is a {server, flag, value} triple buffered by the CLI
// layer before a Cache exists (e.g. a "--writeback SERVER" flag parsed
// before config load completes). SetupCacheApplyOpts drains a slice of
// these, one-shot, into SetWriteback calls.
type DelayedOption struct {
	Server string
	Flag   string // currently only "writeback" is recognized
	Value  bool
}

// SetupCacheApplyOpts drains opts into the matching entries' Flags via
// SetWriteback and returns the (now-consumed) slice truncated to zero
// length — callers should discard their reference to the original slice
// after this call; the drain is one-shot.
func SetupCacheApplyOpts(c *Cache, opts []DelayedOption) ([]DelayedOption, error) {
	for _, o := range opts {
		switch o.Flag {
		case "writeback":
			if err := c.SetWriteback(o.Server, o.Value); err != nil {
				return nil, err
			}
		default:
			return nil, errs.New("cache: unknown delayed option flag %q", o.Flag).Ecset(errs.EInternal)
		}
	}
	return opts[:0], nil
}

// NewCacheEntry registers a new server entry. Exactly one of
// (remoteURL, flags) [direct form] or (aliasServer, aliasLocation)
// [alias form] must be supplied: pass remoteURL == nil to request the
// alias form.
func (c *Cache) NewCacheEntry(server string, remoteURL *u.URL, flags Flags, aliasServer, aliasLocation string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[server]; exists {
		return nil, errs.New("cache: server %q already registered", server).Ecset(errs.EEXIST)
	}

	var entry *Entry
	if remoteURL == nil {
		alias, ok := c.entries[aliasServer]
		if !ok {
			return nil, errs.New("cache: alias server %q not found", aliasServer).Ecset(errs.ENOENT)
		}
		remote := alias.RemoteURL.Join(aliasLocation)
		entry = &Entry{
			Server:    server,
			RemoteURL: remote,
			Flags:     alias.Flags,
		}
		if alias.CacheURL != nil {
			entry.CacheURL = alias.CacheURL.Join(aliasLocation)
		}
	} else {
		cacheEnabled := flags.Cachable && isTrue(flags.Cache)
		entry = &Entry{
			Server:    server,
			RemoteURL: remoteURL,
			Flags:     flags,
		}
		if flags.IsLocal == nil {
			entry.Flags.IsLocal = boolPtr(remoteURL.Transport == "file")
		}
		if cacheEnabled {
			entry.CacheURL = c.BaseURL.Join(server)
		}
	}

	c.entries[server] = entry
	c.order = append(c.order, server)
	return entry, nil
}

// SetWriteback is the one legal in-flight mutation on an Entry after
// creation: it overwrites Flags.Writeback on the named entry.
func (c *Cache) SetWriteback(server string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[server]
	if !ok {
		return errs.New("cache: server %q not found", server).Ecset(errs.ENOENT)
	}
	e.Flags.Writeback = boolPtr(enabled)
	return nil
}

// CeByServer is an O(1) lookup by server name.
func (c *Cache) CeByServer(server string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[server]
	if !ok {
		return nil, errs.New("cache: server %q not found", server).Ecset(errs.ENOENT)
	}
	return e, nil
}

// CeByURL is a linear scan matching an entry's RemoteURL structurally,
// in insertion order, which is well-defined since Cache has a single
// owner and entries are append-only.
func (c *Cache) CeByURL(url *u.URL) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range c.order {
		e := c.entries[name]
		if e.RemoteURL.Equal(url) {
			return e, nil
		}
	}
	return nil, errs.New("cache: no entry for url %q", url.String()).Ecset(errs.ENOENT)
}

func statExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errs.New("cache: stat %s: %v", path, err)
}
