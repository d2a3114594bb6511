// Package errs implements the structured, chainable error type the rest of
// e2cache uses to report failures across process-exec, transport and cache
// layers. Errors here are value-like: combining two errors appends or nests,
// it never mutates the error being combined in.
package errs

import (
	"fmt"
	"strings"
	"sync"
)

// msg is one entry in an Error's message list: either a plain string or a
// nested child Error.
type msg struct {
	text  string
	child *Error
}

// Error is a structured, nestable error. Unlike a plain wrapped error, it can
// carry several peer messages at one level (via Append) and nested causes
// (via Cat), and can be tagged with a registered code for machine matching.
//
// The zero value is not usable; construct with New.
type Error struct {
	msgs  []msg
	count int
	code  string
}

// New constructs an Error with a single formatted message.
func New(format string, args ...any) *Error {
	return &Error{
		msgs:  []msg{{text: fmt.Sprintf(format, args...)}},
		count: 1,
	}
}

// Append adds a peer message at the same nesting level as e and returns e for
// chaining. It does not create a new Error.
func (e *Error) Append(format string, args ...any) *Error {
	if e == nil {
		return New(format, args...)
	}
	e.msgs = append(e.msgs, msg{text: fmt.Sprintf(format, args...)})
	e.count++
	return e
}

// Cat nests child as a cause under e and returns e for chaining. A nil child
// is a no-op. Combining never mutates child; a copy of its pointer is stored,
// but child's own fields are never written through e.
func (e *Error) Cat(child error) *Error {
	if child == nil {
		return e
	}
	if e == nil {
		e = New("%s", "")
		e.msgs = nil
		e.count = 0
	}
	var ce *Error
	if asErr, ok := child.(*Error); ok {
		ce = asErr
	} else {
		ce = New("%s", child.Error())
	}
	e.msgs = append(e.msgs, msg{child: ce})
	e.count++
	return e
}

// Error implements the error interface, rendering the nested cascade with
// depth-indexed prefixes, e.g. "[0] top level\n  [1] cause".
func (e *Error) Error() string {
	return e.tostring(0)
}

// Unwrap exposes the first nested child Error, if any, so that errors.Is and
// errors.As continue to work over Error chains the way they do over plain
// %w-wrapped errors elsewhere in this codebase.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	for _, m := range e.msgs {
		if m.child != nil {
			return m.child
		}
	}
	return nil
}

// Count returns the nesting depth accumulated via Append/Cat.
func (e *Error) Count() int {
	if e == nil {
		return 0
	}
	return e.count
}

func (e *Error) tostring(depth int) string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	indent := strings.Repeat("  ", depth)
	for i, m := range e.msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		if m.child != nil {
			b.WriteString(m.child.tostring(depth + 1))
			continue
		}
		fmt.Fprintf(&b, "%s[%d] %s", indent, depth, m.text)
	}
	return b.String()
}

// ---- code registry ----
//
// Codes are short, process-wide symbolic tags (e.g. "EEXIST", "ENOENT") that
// let callers match specific error kinds without parsing rendered text.
// Registration happens once, early, during package init of whichever layer
// owns the code; a duplicate registration is a programmer error and panics
// immediately rather than silently overwriting.

var (
	codeMu  sync.Mutex
	codeReg = map[string]any{}
)

// Ecreg registers code in the process-wide code registry, optionally
// attaching arbitrary data retrievable later via Ecdata. Registering the same
// code twice is a fatal programmer error.
func Ecreg(code string, data ...any) {
	codeMu.Lock()
	defer codeMu.Unlock()
	if _, exists := codeReg[code]; exists {
		panic(fmt.Sprintf("errs: code %q registered twice", code))
	}
	var d any
	if len(data) > 0 {
		d = data[0]
	}
	codeReg[code] = d
}

// Ecdata returns the data registered alongside code, if any.
func Ecdata(code string) any {
	codeMu.Lock()
	defer codeMu.Unlock()
	return codeReg[code]
}

// Ecset tags e with code and returns e for chaining.
func (e *Error) Ecset(code string) *Error {
	if e == nil {
		return e
	}
	e.code = code
	return e
}

// Eccode returns the code tagged on e, or "" if untagged.
func (e *Error) Eccode() string {
	if e == nil {
		return ""
	}
	return e.code
}

// Eccmp reports whether e, or an Error along its chain of first nested
// children (the chain Unwrap follows), is tagged with code. Children nested
// after the first one at any level are not searched.
func Eccmp(e *Error, code string) bool {
	for cur := e; cur != nil; {
		if cur.code == code {
			return true
		}
		var next *Error
		for _, m := range cur.msgs {
			if m.child != nil {
				next = m.child
				break
			}
		}
		cur = next
	}
	return false
}

// Well-known codes used throughout the cache/transport layers.
const (
	ENOENT       = "ENOENT"
	EEXIST       = "EEXIST"
	EConfig      = "ECONFIG"
	EToolMissing = "ETOOLMISSING"
	EToolFail    = "ETOOLFAIL"
	EInterrupt   = "EINTERRUPT"
	EInternal    = "EINTERNAL"
)

// Bomb panics with an Error carrying the formatted message, tagged
// EInternal. Callers at the process boundary (cmd/e2cache) recover from this
// panic, print it with a stack trace to stderr and exit 32, the "Internal"
// error kind.
func Bomb(format string, args ...any) {
	panic(New(format, args...).Ecset(EInternal))
}

// IsBomb reports whether r (a recovered panic value) originated from Bomb.
func IsBomb(r any) (*Error, bool) {
	e, ok := r.(*Error)
	if !ok {
		return nil, false
	}
	return e, Eccmp(e, EInternal)
}
