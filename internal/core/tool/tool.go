// Package tool implements the external-program registry: named tools
// (rsync, ssh, scp, curl, git, ...), their discovery via PATH or an absolute
// path, flag storage/tokenization, and required/optional/enabled state.
//
// Grounded on stevedores-org-local-ci's toolcheck.go (a flat []Tool table
// plus exec.Command-based availability checks) generalized to a
// lazily-resolved, mutable registry.
package tool

import (
	"os"
	"os/exec"
	"sync"

	"github.com/emlix/e2cache/internal/core/errs"
)

// Def is one registered tool's configuration.
type Def struct {
	Name     string
	Command  string // binary name or absolute path
	Flags    string // raw flag string, as configured
	Optional bool
	Enable   bool

	resolvedPath string
	resolved     bool
	flagsVec     []string
	flagsParsed  bool
}

// Registry is the process-wide named-tool table. The zero value is usable;
// NewRegistry is provided for tests that want an isolated instance.
type Registry struct {
	mu              sync.Mutex
	tools           map[string]*Def
	initted         bool
	missingOptional []string
}

// NewRegistry returns a Registry pre-populated with e2cache's
// default tool set: the SCM/compression/transport/filesystem helpers it
// ships with out of the box.
func NewRegistry() *Registry {
	r := &Registry{tools: map[string]*Def{}}
	for _, d := range defaultTools() {
		_ = r.Add(d.Name, d.Command, d.Flags, d.Optional, true)
	}
	return r
}

func defaultTools() []Def {
	return []Def{
		{Name: "rsync", Command: "rsync", Optional: false},
		{Name: "ssh", Command: "ssh", Flags: "-o ConnectTimeout=10", Optional: false},
		{Name: "scp", Command: "scp", Flags: "-o ConnectTimeout=10", Optional: false},
		{Name: "curl", Command: "curl", Optional: false},
		{Name: "git", Command: "git", Optional: true},
		{Name: "cvs", Command: "cvs", Optional: true},
		{Name: "svn", Command: "svn", Optional: true},
		{Name: "tar", Command: "tar", Optional: false},
		{Name: "gzip", Command: "gzip", Optional: true},
		{Name: "patch", Command: "patch", Optional: false},
		{Name: "cp", Command: "cp", Optional: false},
		{Name: "mv", Command: "mv", Optional: false},
		{Name: "unzip", Command: "unzip", Optional: true},
		{Name: "mkdir", Command: "mkdir", Optional: false},
		{Name: "test", Command: "test", Optional: false},
		{Name: "man", Command: "man", Optional: true},
		{Name: "e2-su-chroot", Command: "e2-su-chroot", Optional: true},
	}
}

// Add registers a new tool. Command defaults to name if empty. Adding a
// name that is already registered is rejected with an EEXIST-coded error.
func (r *Registry) Add(name, command, flags string, optional, enable bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tools == nil {
		r.tools = map[string]*Def{}
	}
	if _, exists := r.tools[name]; exists {
		return errs.New("tool: %q already registered", name).Ecset(errs.EEXIST)
	}
	if command == "" {
		command = name
	}
	r.tools[name] = &Def{Name: name, Command: command, Flags: flags, Optional: optional, Enable: enable}
	return nil
}

// Set mutates an existing tool's command/flags/enable state, invalidating
// any cached resolved path and tokenized flags. Any of command/flags may be
// left as "" to leave that field unchanged; enable is always applied.
func (r *Registry) Set(name, command, flags string, enable bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.tools[name]
	if !ok {
		return errs.New("tool: %q not registered", name).Ecset(errs.ENOENT)
	}
	if command != "" {
		d.Command = command
		d.resolved = false
		d.resolvedPath = ""
	}
	if flags != "" {
		d.Flags = flags
		d.flagsParsed = false
		d.flagsVec = nil
	}
	d.Enable = enable
	return nil
}

// Check resolves name's absolute path: if its configured command is already
// absolute, it's stat-checked directly; otherwise it's looked up on PATH.
// Check returns (false, nil) when the tool genuinely can't be found, and
// (false, err) when the lookup itself failed for some other reason.
func (r *Registry) Check(name string) (bool, error) {
	r.mu.Lock()
	d, ok := r.tools[name]
	r.mu.Unlock()
	if !ok {
		return false, errs.New("tool: %q not registered", name).Ecset(errs.ENOENT)
	}
	return r.check(d)
}

func (r *Registry) check(d *Def) (bool, error) {
	if d.resolved {
		return d.resolvedPath != "", nil
	}
	if isAbs(d.Command) {
		if fi, err := os.Stat(d.Command); err == nil && !fi.IsDir() {
			d.resolvedPath = d.Command
		} else if err != nil && !os.IsNotExist(err) {
			return false, errs.New("tool: stat %q: %v", d.Command, err)
		}
	} else if p, err := exec.LookPath(d.Command); err == nil {
		d.resolvedPath = p
	} else if _, ok := err.(*exec.Error); !ok {
		return false, errs.New("tool: lookup %q: %v", d.Command, err)
	}
	d.resolved = true
	return d.resolvedPath != "", nil
}

func isAbs(p string) bool {
	return len(p) > 0 && p[0] == '/'
}

// Init resolves every registered tool's path. Missing optional tools only
// log-worthy (the caller is expected to warn); a missing required tool is
// reported as a single combined error.
func (r *Registry) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var missingRequired []string
	var missingOptional []string
	for name, d := range r.tools {
		if !d.Enable {
			continue
		}
		found, err := r.check(d)
		if err != nil {
			return errs.New("tool: init: %q: %v", name, err)
		}
		if !found {
			if d.Optional {
				missingOptional = append(missingOptional, name)
			} else {
				missingRequired = append(missingRequired, name)
			}
		}
	}
	r.initted = true
	r.missingOptional = missingOptional
	if len(missingRequired) > 0 {
		e := errs.New("tool: required tools missing").Ecset(errs.EToolMissing)
		for _, n := range missingRequired {
			e.Append("missing: %s", n)
		}
		return e
	}
	return nil
}

// MissingOptional returns the optional tools that Init could not find. Valid
// only after Init has run.
func (r *Registry) MissingOptional() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.missingOptional...)
}

// GetToolPath returns name's resolved absolute path, resolving it lazily on
// first access if Init hasn't run yet.
func (r *Registry) GetToolPath(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.tools[name]
	if !ok {
		return "", errs.New("tool: %q not registered", name).Ecset(errs.ENOENT)
	}
	found, err := r.check(d)
	if err != nil {
		return "", err
	}
	if !found {
		kind := errs.EToolFail
		if !d.Optional {
			kind = errs.EToolMissing
		}
		return "", errs.New("tool: %q not found (command=%q)", name, d.Command).Ecset(kind)
	}
	return d.resolvedPath, nil
}

// GetToolFlags returns the raw configured flag string for name.
func (r *Registry) GetToolFlags(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.tools[name]
	if !ok {
		return "", errs.New("tool: %q not registered", name).Ecset(errs.ENOENT)
	}
	return d.Flags, nil
}

// GetToolFlagsArgv tokenizes and returns name's flag string as an argv
// slice, caching the parse until the flags are next changed via Set.
func (r *Registry) GetToolFlagsArgv(name string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.tools[name]
	if !ok {
		return nil, errs.New("tool: %q not registered", name).Ecset(errs.ENOENT)
	}
	if !d.flagsParsed {
		v, err := Tokenize(d.Flags)
		if err != nil {
			return nil, errs.New("tool: %q: bad flags %q: %v", name, d.Flags, err)
		}
		d.flagsVec = v
		d.flagsParsed = true
	}
	return append([]string(nil), d.flagsVec...), nil
}
