// Package url parses the transport URLs e2cache uses to identify servers:
// transport://[user[:pass]@]host[:port]/path. This is deliberately not
// net/url: the grammar here allows transports net/url doesn't know about
// (rsync+ssh, git+ssh) and the path-handling rules (leading slashes
// stripped, reconstructible as an absolute filesystem path) are specific to
// how e2cache synthesizes local cache paths.
package url

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emlix/e2cache/internal/core/errs"
)

// ValidTransports is the closed set of transports e2cache understands.
var ValidTransports = map[string]bool{
	"file":      true,
	"http":      true,
	"https":     true,
	"ssh":       true,
	"scp":       true,
	"rsync+ssh": true,
	"git":       true,
	"git+ssh":   true,
}

// URL is the parsed form of a transport URL. Transport and Path are always
// set; User/Pass/Port are empty when absent. Server is the combined
// user[:pass]@host[:port] authority, exactly as it appeared (minus the
// trailing "/").
type URL struct {
	Raw        string
	Transport  string
	Server     string
	Path       string
	ServerName string // host only, no user/pass/port
	User       string
	Pass       string
	Port       string
}

// Parse parses s into a URL. It fails with a ConfigError-coded *errs.Error if
// the "transport://" prefix is missing or the transport is not recognized.
func Parse(s string) (*URL, error) {
	idx := strings.Index(s, "://")
	if idx < 0 {
		return nil, errs.New("url: missing \"://\" in %q", s).Ecset(errs.EConfig)
	}
	transport := s[:idx]
	if !ValidTransports[transport] {
		return nil, errs.New("url: unhandled transport %q in %q", transport, s).Ecset(errs.EConfig)
	}
	rest := s[idx+3:]

	server, path, _ := strings.Cut(rest, "/")
	path = strings.TrimLeft(path, "/")

	u := &URL{
		Raw:       s,
		Transport: transport,
		Server:    server,
		Path:      path,
	}

	authority := server
	if at := strings.LastIndex(authority, "@"); at >= 0 {
		userinfo := authority[:at]
		authority = authority[at+1:]
		if colon := strings.Index(userinfo, ":"); colon >= 0 {
			u.User = userinfo[:colon]
			u.Pass = userinfo[colon+1:]
		} else {
			u.User = userinfo
		}
	}
	// IPv6 literals aren't part of this grammar; a plain last-colon split is
	// sufficient for host[:port].
	if colon := strings.LastIndex(authority, ":"); colon >= 0 {
		port := authority[colon+1:]
		if _, err := strconv.Atoi(port); err == nil {
			u.ServerName = authority[:colon]
			u.Port = port
		} else {
			u.ServerName = authority
		}
	} else {
		u.ServerName = authority
	}

	return u, nil
}

// MustParse is like Parse but panics (via errs.Bomb) on error. Intended for
// constant/config-derived URLs that are programmer-verified, not user input.
func MustParse(s string) *URL {
	u, err := Parse(s)
	if err != nil {
		errs.Bomb("url: MustParse(%q): %v", s, err)
	}
	return u
}

// String reconstructs the URL string. For any well-formed input s, Parse(s)
// followed by String() reproduces s modulo leading-slash normalization in
// the path (spec.md's round-trip invariant).
func (u *URL) String() string {
	if u == nil {
		return ""
	}
	return fmt.Sprintf("%s://%s/%s", u.Transport, u.Server, u.Path)
}

// Equal reports whether u and other are structurally identical.
func (u *URL) Equal(other *URL) bool {
	if u == nil || other == nil {
		return u == other
	}
	return u.Transport == other.Transport &&
		u.Server == other.Server &&
		u.Path == other.Path
}

// Join returns a new URL with location appended to u's path, joined with a
// single "/". Used for alias expansion (CacheEntry built from another
// entry's remote_url + "/" + location) and for deriving a server's cache
// path under the cache's base URL.
func (u *URL) Join(location string) *URL {
	p := strings.TrimRight(u.Path, "/")
	l := strings.TrimLeft(location, "/")
	joined := p
	if l != "" {
		if joined != "" {
			joined += "/"
		}
		joined += l
	}
	return &URL{
		Transport:  u.Transport,
		Server:     u.Server,
		Path:       joined,
		ServerName: u.ServerName,
		User:       u.User,
		Pass:       u.Pass,
		Port:       u.Port,
		Raw:        fmt.Sprintf("%s://%s/%s", u.Transport, u.Server, joined),
	}
}

// ToFilePath reconstructs an absolute filesystem path from u's Path field
// (re-adding the leading slash Parse stripped). If requiredTransport is
// non-empty, ToFilePath fails unless u.Transport matches it.
func (u *URL) ToFilePath(requiredTransport string) (string, error) {
	if requiredTransport != "" && u.Transport != requiredTransport {
		return "", errs.New("url: %q is transport %q, need %q", u.Raw, u.Transport, requiredTransport).Ecset(errs.EConfig)
	}
	return "/" + u.Path, nil
}

// HostPort returns "host:port" (or just "host" if Port is unset), suitable
// for ssh/scp/rsync remote-spec construction.
func (u *URL) HostPort() string {
	if u.Port == "" {
		return u.ServerName
	}
	return u.ServerName + ":" + u.Port
}

// UserHost returns "user@host" (or just "host" if User is unset), the form
// rsync/scp/ssh remote specs use.
func (u *URL) UserHost() string {
	if u.User == "" {
		return u.ServerName
	}
	return u.User + "@" + u.ServerName
}
