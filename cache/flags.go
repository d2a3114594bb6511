// Package cache is the server-aware caching and transport-coordination
// layer: a registry of named servers (CacheEntry), each carrying its own
// caching/writeback/locality policy, plus the operations (FetchFile,
// PushFile, CacheFile, Writeback, ...) that combine that policy with
// internal/core/transport to move bytes.
//
// Grounded on backend/localcache.go and backend/sync.go's manifest/cache
// bookkeeping, generalized from Portsy's single hardcoded R2 bucket to
// e2cache's many-server, many-transport registry.
package cache

// Flags is the tri-state policy record attached to a CacheEntry and,
// separately, to any per-call override passed to a cache operation. Every
// *bool field distinguishes "true" / "false" / "unset" (nil) — this is
// the load-bearing distinction the resolution rules in resolveCache,
// resolveIsLocal and resolveWriteback depend on. Collapsing these to plain
// bool would make "the caller didn't say" indistinguishable from "the
// caller said no", which breaks per-call override semantics.
type Flags struct {
	Cachable        bool
	Cache           *bool
	IsLocal         *bool
	Writeback       *bool
	PushPermissions string
	TryHardlink     bool

	// Refresh and CheckOnly are per-call-only flags: they have no entry-level
	// counterpart and are never merged against entry defaults.
	Refresh   bool
	CheckOnly bool
}

func boolPtr(b bool) *bool { return &b }

func isTrue(p *bool) bool  { return p != nil && *p }
func isFalse(p *bool) bool { return p != nil && !*p }

// resolveCache implements the "cache enabled" rule:
//
//	(f.cache == true) ∨ (entry.cache == true ∧ f.cache ≠ false)
func resolveCache(entry, call *bool) bool {
	if isTrue(call) {
		return true
	}
	return isTrue(entry) && !isFalse(call)
}

// resolveIsLocal mirrors resolveCache exactly: same shape, different field.
func resolveIsLocal(entry, call *bool) bool {
	if isTrue(call) {
		return true
	}
	return isTrue(entry) && !isFalse(call)
}

// resolveWriteback implements the "writeback enabled" rule:
//
//	¬(f.writeback == false) ∧ ¬(entry.writeback == false ∧ f.writeback ≠ true)
func resolveWriteback(entry, call *bool) bool {
	if isFalse(call) {
		return false
	}
	if isFalse(entry) && !isTrue(call) {
		return false
	}
	return true
}

// Resolved is the fully merged policy for one call, after combining an
// entry's stored Flags with a call-site override.
type Resolved struct {
	Cache           bool
	IsLocal         bool
	Writeback       bool
	PushPermissions string
	TryHardlink     bool
	Refresh         bool
	CheckOnly       bool
}

// resolve merges entry flags with a per-call override into a Resolved
// policy. Cache is forced false when the entry isn't Cachable at all,
// regardless of any override.
func resolve(entry Flags, call Flags) Resolved {
	cache := resolveCache(entry.Cache, call.Cache)
	if !entry.Cachable {
		cache = false
	}
	r := Resolved{
		Cache:           cache,
		IsLocal:         resolveIsLocal(entry.IsLocal, call.IsLocal),
		Writeback:       resolveWriteback(entry.Writeback, call.Writeback),
		PushPermissions: entry.PushPermissions,
		TryHardlink:     entry.TryHardlink || call.TryHardlink,
		Refresh:         call.Refresh,
		CheckOnly:       call.CheckOnly,
	}
	if call.PushPermissions != "" {
		r.PushPermissions = call.PushPermissions
	}
	return r
}
