package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/emlix/e2cache/internal/core/errs"
	"github.com/emlix/e2cache/internal/core/tool"
	u "github.com/emlix/e2cache/internal/core/url"
)

// fakeRsync writes a tiny shell script standing in for rsync: the "-L src
// dst" argv shape it's always invoked with here means a plain copy is
// behaviorally equivalent for these tests, without requiring rsync to
// actually be installed in the test environment.
func fakeRsync(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rsync")
	script := "#!/bin/sh\ncp \"$2\" \"$3\"\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake rsync: %v", err)
	}
	return path
}

func registryWithFakeRsync(t *testing.T) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry()
	if err := r.Set("rsync", fakeRsync(t), "", true); err != nil {
		t.Fatalf("Set rsync: %v", err)
	}
	return r
}

func TestFetchFileUnhandledTransport(t *testing.T) {
	d := NewDispatcher(tool.NewRegistry())
	src := &u.URL{Raw: "gopher://host/x", Transport: "gopher", Path: "x"}
	err := d.FetchFile(context.Background(), src, filepath.Join(t.TempDir(), "out"))
	if err == nil {
		t.Fatalf("expected error for unhandled transport")
	}
	e, ok := err.(*errs.Error)
	if !ok {
		t.Fatalf("expected *errs.Error, got %T", err)
	}
	if e.Eccode() != errs.EConfig {
		t.Fatalf("code = %q, want %q", e.Eccode(), errs.EConfig)
	}
}

func TestPushFileUnhandledTransport(t *testing.T) {
	d := NewDispatcher(tool.NewRegistry())
	dst := &u.URL{Raw: "gopher://host/x", Transport: "gopher", Path: "x"}
	src := filepath.Join(t.TempDir(), "in")
	os.WriteFile(src, []byte("hi"), 0o644)
	err := d.PushFile(context.Background(), src, dst, PushOptions{})
	if err == nil {
		t.Fatalf("expected error for unhandled transport")
	}
}

func TestPushFileHTTPUnsupported(t *testing.T) {
	d := NewDispatcher(tool.NewRegistry())
	dst := &u.URL{Raw: "https://host/x", Transport: "https", Server: "host", Path: "x"}
	src := filepath.Join(t.TempDir(), "in")
	os.WriteFile(src, []byte("hi"), 0o644)
	err := d.PushFile(context.Background(), src, dst, PushOptions{})
	if err == nil {
		t.Fatalf("expected error pushing over http/https")
	}
}

func TestFetchFileFileTransport(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.txt")
	if err := os.WriteFile(srcPath, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}
	d := NewDispatcher(registryWithFakeRsync(t))
	src, err := u.Parse("file://" + srcPath)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	dst := filepath.Join(dir, "dst.txt")
	if err := d.FetchFile(context.Background(), src, dst); err != nil {
		t.Fatalf("FetchFile: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read dst: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("dst content = %q, want %q", got, "hello world")
	}
	// no leftover tempfile
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.Name() != "src.txt" && e.Name() != "dst.txt" {
			t.Fatalf("unexpected leftover file %q", e.Name())
		}
	}
}

func TestPushFileFileTransportTryHardlink(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.txt")
	if err := os.WriteFile(srcPath, []byte("hi there"), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}
	// Tool registry has no working rsync at all: a correctly-taken hardlink
	// shortcut must never touch it.
	d := NewDispatcher(tool.NewRegistry())
	if err := d.Tools.Set("rsync", "/nonexistent/rsync-binary-that-does-not-exist", "", true); err != nil {
		t.Fatalf("Set rsync: %v", err)
	}

	dst, err := u.Parse("file://" + filepath.Join(dir, "sub", "dst.txt"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := d.PushFile(context.Background(), srcPath, dst, PushOptions{TryHardlink: true}); err != nil {
		t.Fatalf("PushFile: %v", err)
	}
	fi1, err := os.Stat(srcPath)
	if err != nil {
		t.Fatalf("stat src: %v", err)
	}
	fi2, err := os.Stat(filepath.Join(dir, "sub", "dst.txt"))
	if err != nil {
		t.Fatalf("stat dst: %v", err)
	}
	if !os.SameFile(fi1, fi2) {
		t.Fatalf("expected dst to be a hardlink of src")
	}
}

func TestPushFileFileTransportFallsBackToRsyncWithoutHardlink(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.txt")
	if err := os.WriteFile(srcPath, []byte("copied"), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}
	d := NewDispatcher(registryWithFakeRsync(t))
	dst, err := u.Parse("file://" + filepath.Join(dir, "dst.txt"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := d.PushFile(context.Background(), srcPath, dst, PushOptions{}); err != nil {
		t.Fatalf("PushFile: %v", err)
	}
	fi1, _ := os.Stat(srcPath)
	fi2, _ := os.Stat(filepath.Join(dir, "dst.txt"))
	if os.SameFile(fi1, fi2) {
		t.Fatalf("expected a regular copy (no TryHardlink requested), not a hardlink")
	}
	got, err := os.ReadFile(filepath.Join(dir, "dst.txt"))
	if err != nil || string(got) != "copied" {
		t.Fatalf("dst content = %q, err %v; want %q", got, err, "copied")
	}
}

func TestFetchFileFileTransportRsyncFailureLeavesNoTempfile(t *testing.T) {
	dir := t.TempDir()
	r := tool.NewRegistry()
	failScript := filepath.Join(dir, "rsync-fail")
	os.WriteFile(failScript, []byte("#!/bin/sh\necho boom >&2\nexit 23\n"), 0o755)
	if err := r.Set("rsync", failScript, "", true); err != nil {
		t.Fatalf("Set rsync: %v", err)
	}
	d := NewDispatcher(r)
	src, _ := u.Parse("file://" + filepath.Join(dir, "does-not-matter"))
	dst := filepath.Join(dir, "dst.txt")
	err := d.FetchFile(context.Background(), src, dst)
	if err == nil {
		t.Fatalf("expected error from failing rsync")
	}
	e, ok := err.(*errs.Error)
	if !ok || e.Eccode() != errs.EToolFail {
		t.Fatalf("expected ETOOLFAIL *errs.Error, got %#v", err)
	}
	entries, _ := os.ReadDir(dir)
	for _, fi := range entries {
		if fi.Name() == "rsync-fail" {
			continue
		}
		t.Fatalf("unexpected leftover entry %q after failed fetch", fi.Name())
	}
}

func TestFetchFileHTTP(t *testing.T) {
	if _, err := exec.LookPath("curl"); err != nil {
		t.Skip("curl not available in this environment")
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	d := NewDispatcher(tool.NewRegistry())
	loc, err := u.Parse("http://" + srv.Listener.Addr().String() + "/file")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	dst := filepath.Join(t.TempDir(), "out")
	if err := d.FetchFile(context.Background(), loc, dst); err != nil {
		t.Fatalf("FetchFile: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil || string(got) != "payload" {
		t.Fatalf("dst content = %q, err %v; want %q", got, err, "payload")
	}
}

func TestFetchFileHTTPNotFoundMapsToENOENT(t *testing.T) {
	if _, err := exec.LookPath("curl"); err != nil {
		t.Skip("curl not available in this environment")
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	d := NewDispatcher(tool.NewRegistry())
	loc, err := u.Parse("http://" + srv.Listener.Addr().String() + "/missing")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	dst := filepath.Join(t.TempDir(), "out")
	err = d.FetchFile(context.Background(), loc, dst)
	if err == nil {
		t.Fatalf("expected error fetching a 404")
	}
	e, ok := err.(*errs.Error)
	if !ok || e.Eccode() != errs.ENOENT {
		t.Fatalf("expected ENOENT *errs.Error, got %#v", err)
	}
}

func TestFileExistsFileTransport(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present.txt")
	os.WriteFile(present, []byte("x"), 0o644)

	d := NewDispatcher(tool.NewRegistry())
	locPresent, _ := u.Parse("file://" + present)
	ok, err := d.FileExists(context.Background(), locPresent)
	if err != nil || !ok {
		t.Fatalf("FileExists(present) = %v, %v; want true, nil", ok, err)
	}

	locMissing, _ := u.Parse("file://" + filepath.Join(dir, "missing.txt"))
	ok, err = d.FileExists(context.Background(), locMissing)
	if err != nil || ok {
		t.Fatalf("FileExists(missing) = %v, %v; want false, nil", ok, err)
	}
}

func TestFileExistsHTTP(t *testing.T) {
	if _, err := exec.LookPath("curl"); err != nil {
		t.Skip("curl not available in this environment")
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/yes" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	d := NewDispatcher(tool.NewRegistry())
	yes, _ := u.Parse("http://" + srv.Listener.Addr().String() + "/yes")
	no, _ := u.Parse("http://" + srv.Listener.Addr().String() + "/no")

	ok, err := d.FileExists(context.Background(), yes)
	if err != nil || !ok {
		t.Fatalf("FileExists(yes) = %v, %v; want true, nil", ok, err)
	}
	ok, err = d.FileExists(context.Background(), no)
	if err != nil || ok {
		t.Fatalf("FileExists(no) = %v, %v; want false, nil", ok, err)
	}
}
