// Package perm parses the permission-mode strings e2cache accepts for
// cache entries and pushed files: either a plain octal literal ("0644") or
// a comma-separated list of chmod-style symbolic clauses
// ("u+rw,go-w,a+X"). It deliberately stops short of full POSIX chmod
// semantics (no "=" combined with multiple who-groups per clause beyond
// what's needed here) since e2cache only ever applies the result to files
// it owns.
package perm

import (
	"os"
	"strconv"
	"strings"

	"github.com/emlix/e2cache/internal/core/errs"
)

// Mode is a resolved file permission, applicable via os.Chmod.
type Mode os.FileMode

// Parse accepts either an octal literal or a symbolic clause list, applied
// starting from base (the file's current mode, needed for "+"/"-"/"X"
// clauses and ignored entirely for an octal literal, which is absolute).
func Parse(s string, base os.FileMode) (os.FileMode, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errs.New("perm: empty permission string").Ecset(errs.EConfig)
	}
	if isOctal(s) {
		v, err := strconv.ParseUint(s, 8, 32)
		if err != nil {
			return 0, errs.New("perm: bad octal %q: %v", s, err).Ecset(errs.EConfig)
		}
		return os.FileMode(v) & os.ModePerm, nil
	}
	return parseSymbolic(s, base)
}

func isOctal(s string) bool {
	for _, c := range s {
		if c < '0' || c > '7' {
			return false
		}
	}
	return true
}

// clause parser states, per spec.md §4.H: OWNERS collects [ugoa]+, OP reads
// exactly one of [+-=], PERMS collects [rwxX]+, COMMA expects "," or end.
type clauseState int

const (
	stateOwners clauseState = iota
	stateOp
	statePerms
	stateComma
)

func parseSymbolic(s string, base os.FileMode) (os.FileMode, error) {
	mode := base
	state := stateOwners
	var owners string
	var op byte
	var bits string

	flush := func() error {
		who := expandWho(owners)
		permBits := expandPerms(bits, mode)
		switch op {
		case '+':
			mode |= who & permBits
		case '-':
			mode &^= who & permBits
		case '=':
			mode &^= who & (os.ModePerm)
			mode |= who & permBits
		default:
			return errs.New("perm: clause %q: missing operator", s).Ecset(errs.EConfig)
		}
		owners, op, bits = "", 0, ""
		return nil
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch state {
		case stateOwners:
			switch c {
			case 'u', 'g', 'o', 'a':
				owners += string(c)
			case '+', '-', '=':
				op = c
				state = stateOp
			default:
				return 0, errs.New("perm: %q: unexpected %q in owners", s, c).Ecset(errs.EConfig)
			}
		case stateOp:
			switch c {
			case 'r', 'w', 'x', 'X':
				bits += string(c)
				state = statePerms
			case ',':
				if err := flush(); err != nil {
					return 0, err
				}
				state = stateOwners
			default:
				return 0, errs.New("perm: %q: unexpected %q after operator", s, c).Ecset(errs.EConfig)
			}
		case statePerms:
			switch c {
			case 'r', 'w', 'x', 'X':
				bits += string(c)
			case ',':
				if err := flush(); err != nil {
					return 0, err
				}
				state = stateOwners
			default:
				return 0, errs.New("perm: %q: unexpected %q in perm bits", s, c).Ecset(errs.EConfig)
			}
		case stateComma:
			if c != ',' {
				return 0, errs.New("perm: %q: expected ',' at position %d", s, i).Ecset(errs.EConfig)
			}
			state = stateOwners
		}
	}

	switch state {
	case stateOp:
		return 0, errs.New("perm: %q: clause ends without perm bits", s).Ecset(errs.EConfig)
	case stateOwners:
		if owners != "" {
			return 0, errs.New("perm: %q: clause ends without operator", s).Ecset(errs.EConfig)
		}
	case statePerms:
		if err := flush(); err != nil {
			return 0, err
		}
	}
	return mode, nil
}

func expandWho(owners string) os.FileMode {
	if owners == "" || strings.Contains(owners, "a") {
		return os.ModePerm
	}
	var m os.FileMode
	for _, c := range owners {
		switch c {
		case 'u':
			m |= 0o700
		case 'g':
			m |= 0o070
		case 'o':
			m |= 0o007
		}
	}
	return m
}

// expandPerms resolves the perm-bit letters to a full rwxrwxrwx mask. "X"
// (capital) only sets execute where base already has execute set for
// anyone, or where base denotes a directory bit carried in from the
// caller's base mode.
func expandPerms(bits string, base os.FileMode) os.FileMode {
	var m os.FileMode
	for _, c := range bits {
		switch c {
		case 'r':
			m |= 0o444
		case 'w':
			m |= 0o222
		case 'x':
			m |= 0o111
		case 'X':
			if base&0o111 != 0 || base.IsDir() {
				m |= 0o111
			}
		}
	}
	return m
}
