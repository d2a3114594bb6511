// Package tmpfs tracks every temp file/directory e2cache creates over its
// lifetime so a clean shutdown (or a panic caught at the top level) can
// drain them, instead of littering a cache's working tree with orphaned
// ".tmp" artifacts from a killed or interrupted run.
//
// Grounded on backend/localcache.go's tmpfile-then-rename pattern,
// generalized into a registry: every internal/core/transport write already
// creates its own tempfile next to the destination (so a crash mid-fetch
// just leaves a stray file beside the real one), but longer-lived scratch
// directories (e.g. cache.FetchFilePath's temporary fetch directory) register here so
// Shutdown can remove them even if the operation that created them never
// gets to its own cleanup path.
package tmpfs

import (
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/emlix/e2cache/internal/core/errs"
)

var (
	mu      sync.Mutex
	files   = map[string]bool{}
	dirs    = map[string]bool{}
	drained bool
)

// Mktempfile creates an empty file under dir (os.TempDir() if dir is
// empty) with prefix, registers it, and returns its path.
func Mktempfile(dir, prefix string) (string, error) {
	mu.Lock()
	defer mu.Unlock()
	if drained {
		return "", errs.New("tmpfs: registry already drained").Ecset(errs.EInternal)
	}
	if dir == "" {
		dir = os.TempDir()
	}
	name := dir + "/" + prefix + uuid.NewString()
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", errs.New("tmpfs: create %s: %v", name, err)
	}
	f.Close()
	files[name] = true
	return name, nil
}

// Mktempdir creates a directory under dir (os.TempDir() if dir is empty)
// with prefix, registers it, and returns its path.
func Mktempdir(dir, prefix string) (string, error) {
	mu.Lock()
	defer mu.Unlock()
	if drained {
		return "", errs.New("tmpfs: registry already drained").Ecset(errs.EInternal)
	}
	if dir == "" {
		dir = os.TempDir()
	}
	name := dir + "/" + prefix + uuid.NewString()
	if err := os.Mkdir(name, 0o700); err != nil {
		return "", errs.New("tmpfs: mkdir %s: %v", name, err)
	}
	dirs[name] = true
	return name, nil
}

// Rmtempfile removes a previously registered file and deregisters it. It is
// not an error to remove a file that was already removed.
func Rmtempfile(path string) error {
	mu.Lock()
	defer mu.Unlock()
	delete(files, path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.New("tmpfs: remove %s: %v", path, err)
	}
	return nil
}

// Rmtempdir removes a previously registered directory tree and deregisters
// it.
func Rmtempdir(path string) error {
	mu.Lock()
	defer mu.Unlock()
	delete(dirs, path)
	if err := os.RemoveAll(path); err != nil {
		return errs.New("tmpfs: removeall %s: %v", path, err)
	}
	return nil
}

// Shutdown removes every still-registered temp file and directory. It is
// meant to run once, at process exit, after the caller has chdir'd to "/"
// so none of the removals can fail because the current directory was one
// of the things being removed.
func Shutdown() []error {
	mu.Lock()
	defer mu.Unlock()
	var errsOut []error
	for f := range files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			errsOut = append(errsOut, errs.New("tmpfs: shutdown remove %s: %v", f, err))
		}
	}
	for d := range dirs {
		if err := os.RemoveAll(d); err != nil {
			errsOut = append(errsOut, errs.New("tmpfs: shutdown removeall %s: %v", d, err))
		}
	}
	files = map[string]bool{}
	dirs = map[string]bool{}
	drained = true
	return errsOut
}

// Count reports the number of currently registered files and directories,
// for tests and diagnostics.
func Count() (nFiles, nDirs int) {
	mu.Lock()
	defer mu.Unlock()
	return len(files), len(dirs)
}
