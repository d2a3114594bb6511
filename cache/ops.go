package cache

import (
	"context"
	"os"
	"path/filepath"

	"github.com/emlix/e2cache/internal/core/errs"
	"github.com/emlix/e2cache/internal/core/tmpfs"
	"github.com/emlix/e2cache/internal/core/transport"
)

// FileInCache reports whether location is present under server's cache
// directory. Requires that caching resolve enabled for this entry; it is
// an error to ask about a server whose policy doesn't cache at all.
func (c *Cache) FileInCache(server, location string) (bool, error) {
	e, err := c.CeByServer(server)
	if err != nil {
		return false, err
	}
	r := resolve(e.Flags, Flags{})
	if !r.Cache {
		return false, errs.New("cache: %q: caching not enabled", server).Ecset(errs.EConfig)
	}
	return statExists(filepath.Join("/"+e.CacheURL.Path, location))
}

// FileIsLocal reports whether location can be read directly off the
// filesystem for server, without any copy: requires both that islocal
// resolve enabled and that the remote transport is actually "file".
func (c *Cache) FileIsLocal(server, location string) (bool, error) {
	e, err := c.CeByServer(server)
	if err != nil {
		return false, err
	}
	r := resolve(e.Flags, Flags{})
	if !r.IsLocal || e.RemoteURL.Transport != "file" {
		return false, errs.New("cache: %q: not a local server", server).Ecset(errs.EConfig)
	}
	return statExists(filepath.Join("/"+e.RemoteURL.Path, location))
}

// CacheFile ensures location is present in server's cache directory. It
// fetches over Transport when the file is missing, or when flags.Refresh is
// set and flags.CheckOnly is not; with flags.CheckOnly a file that is
// already present is never re-fetched.
func (c *Cache) CacheFile(ctx context.Context, server, location string, flags Flags) error {
	e, err := c.CeByServer(server)
	if err != nil {
		return err
	}
	r := resolve(e.Flags, flags)
	if !r.Cache {
		return errs.New("cache: %q: caching not enabled for this entry", server).Ecset(errs.EConfig)
	}

	destPath := filepath.Join("/"+e.CacheURL.Path, location)
	present, err := statExists(destPath)
	if err != nil {
		return err
	}
	if present && !r.Refresh {
		return nil
	}
	if r.CheckOnly && present {
		return nil
	}

	destDir := filepath.Dir(destPath)
	destName := filepath.Base(destPath)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return errs.New("cache: mkdir %s: %v", destDir, err)
	}
	return c.Dispatcher.FetchFile(ctx, e.RemoteURL.Join(location), destDir+"/"+destName)
}

// FetchFile delivers location to destDir/destName (destName defaults to
// the final path component of location when empty). If caching is
// enabled for server, the cache is populated first and then copied from;
// otherwise the remote is fetched directly to the destination.
func (c *Cache) FetchFile(ctx context.Context, server, location, destDir, destName string, flags Flags) error {
	e, err := c.CeByServer(server)
	if err != nil {
		return err
	}
	if destName == "" {
		destName = filepath.Base(location)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return errs.New("cache: mkdir %s: %v", destDir, err)
	}

	r := resolve(e.Flags, flags)
	if r.Cache {
		if err := c.CacheFile(ctx, server, location, flags); err != nil {
			return err
		}
		cacheFileURL := e.CacheURL.Join(location)
		return c.Dispatcher.FetchFile(ctx, cacheFileURL, destDir+"/"+destName)
	}
	return c.Dispatcher.FetchFile(ctx, e.RemoteURL.Join(location), destDir+"/"+destName)
}

// FetchFilePath returns a path that already holds location's bytes,
// preferring to avoid a copy: the cache path if caching is enabled, the
// remote path directly if the server is local, or (last resort) a fresh
// tempdir populated via Transport, in which case isTemp is true and the
// caller owns removing it (tmpfs.Rmtempdir, or it is swept at process
// shutdown regardless).
func (c *Cache) FetchFilePath(ctx context.Context, server, location string, flags Flags) (path string, isTemp bool, err error) {
	e, err := c.CeByServer(server)
	if err != nil {
		return "", false, err
	}
	r := resolve(e.Flags, flags)

	if r.Cache {
		if err := c.CacheFile(ctx, server, location, flags); err != nil {
			return "", false, err
		}
		return filepath.Join("/"+e.CacheURL.Path, location), false, nil
	}

	if r.IsLocal && e.RemoteURL.Transport == "file" {
		return filepath.Join("/"+e.RemoteURL.Path, location), false, nil
	}

	dir, err := tmpfs.Mktempdir("", "e2cache-fetch-")
	if err != nil {
		return "", false, err
	}
	destName := filepath.Base(location)
	if err := c.Dispatcher.FetchFile(ctx, e.RemoteURL.Join(location), dir+"/"+destName); err != nil {
		tmpfs.Rmtempdir(dir)
		return "", false, err
	}
	return dir + "/" + destName, true, nil
}

// PushFile delivers the local file sourceFile to server's copy of
// location. If caching is enabled it goes cache-first (then Writeback
// decides whether the cache copy is also propagated to origin);
// otherwise it is pushed straight to origin using the entry's configured
// push permissions. PushPermissions is applied only on the writeback leg,
// never on the cache-fill leg; TryHardlink is allowed on the cache fill
// since cache and source are commonly on the same filesystem.
func (c *Cache) PushFile(ctx context.Context, sourceFile, server, location string, flags Flags) error {
	e, err := c.CeByServer(server)
	if err != nil {
		return err
	}
	r := resolve(e.Flags, flags)

	if r.Cache {
		cacheDest := filepath.Join("/"+e.CacheURL.Path, location)
		if err := os.MkdirAll(filepath.Dir(cacheDest), 0o755); err != nil {
			return errs.New("cache: mkdir %s: %v", filepath.Dir(cacheDest), err)
		}
		fillOpts := transport.PushOptions{TryHardlink: r.TryHardlink}
		if err := c.Dispatcher.PushFile(ctx, sourceFile, e.CacheURL.Join(location), fillOpts); err != nil {
			return err
		}
		return c.Writeback(ctx, server, location, flags)
	}
	return c.Dispatcher.PushFile(ctx, sourceFile, e.RemoteURL.Join(location), transport.PushOptions{PushPermissions: r.PushPermissions})
}

// Writeback pushes server's cached copy of location to origin, gated by
// the tri-state writeback resolution rule. A no-op (returns nil) when
// writeback resolves disabled.
func (c *Cache) Writeback(ctx context.Context, server, location string, flags Flags) error {
	e, err := c.CeByServer(server)
	if err != nil {
		return err
	}
	r := resolve(e.Flags, flags)
	if !r.Writeback {
		return nil
	}
	if e.CacheURL == nil {
		return errs.New("cache: %q: writeback requested but entry has no cache copy", server).Ecset(errs.EInternal)
	}
	src := filepath.Join("/"+e.CacheURL.Path, location)
	return c.Dispatcher.PushFile(ctx, src, e.RemoteURL.Join(location), transport.PushOptions{PushPermissions: r.PushPermissions})
}

// FileExists reports whether location exists for server: an affirmative
// cache hit is trusted without touching the network; otherwise the
// remote is asked directly via Transport.
func (c *Cache) FileExists(ctx context.Context, server, location string, flags Flags) (bool, error) {
	e, err := c.CeByServer(server)
	if err != nil {
		return false, err
	}
	r := resolve(e.Flags, flags)
	if r.Cache {
		if ok, err := statExists(filepath.Join("/"+e.CacheURL.Path, location)); err == nil && ok {
			return true, nil
		}
	}
	return c.Dispatcher.FileExists(ctx, e.RemoteURL.Join(location))
}
