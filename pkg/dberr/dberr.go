// Package dberr defines the error taxonomy shared by the pool, the lease,
// the rewriter and the caster registry.
package dberr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind int

const (
	// KindPoolExhausted means the live lease cap is reached and nothing is idle.
	KindPoolExhausted Kind = iota + 1
	// KindConnectionUnavailable means the lease is closed, or a rollback failed
	// while cleaning up after another error.
	KindConnectionUnavailable
	// KindIllegalState means the commit/rollback/release protocol was violated.
	KindIllegalState
	// KindIllegalArgument means a required primary key is missing.
	KindIllegalArgument
	// KindMapping means a required column is absent or a value cannot be cast.
	KindMapping
	// KindParameterMapping means a rewritten query references an unbound parameter.
	KindParameterMapping
	// KindResourceNotFound means a SQL template resource does not exist.
	KindResourceNotFound
	// KindNotFound means a resolved reference has no row behind it.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindPoolExhausted:
		return "pool exhausted"
	case KindConnectionUnavailable:
		return "connection unavailable"
	case KindIllegalState:
		return "illegal state"
	case KindIllegalArgument:
		return "illegal argument"
	case KindMapping:
		return "mapping error"
	case KindParameterMapping:
		return "parameter mapping error"
	case KindResourceNotFound:
		return "resource not found"
	case KindNotFound:
		return "not found"
	default:
		return "unknown"
	}
}

// Error carries structured information about a failure.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "lease.commit"
	Msg  string

	// Source and Target name the types involved in a failed cast.
	Source string
	Target string

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Source != "" || e.Target != "" {
		fmt.Fprintf(&b, " (%s -> %s)", e.Source, e.Target)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so that errors.Is(err, dberr.ErrIllegalState) works
// for any *Error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrPoolExhausted         = &Error{Kind: KindPoolExhausted}
	ErrConnectionUnavailable = &Error{Kind: KindConnectionUnavailable}
	ErrIllegalState          = &Error{Kind: KindIllegalState}
	ErrIllegalArgument       = &Error{Kind: KindIllegalArgument}
	ErrMapping               = &Error{Kind: KindMapping}
	ErrParameterMapping      = &Error{Kind: KindParameterMapping}
	ErrResourceNotFound      = &Error{Kind: KindResourceNotFound}
	ErrNotFound              = &Error{Kind: KindNotFound}
)

// New builds an *Error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around cause.
func Wrap(kind Kind, op string, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// Cast builds a mapping error naming the source and target types.
func Cast(op, source, target string, cause error) *Error {
	return &Error{Kind: KindMapping, Op: op, Msg: "cannot cast value", Source: source, Target: target, Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsPoolExhausted reports whether err is a pool admission rejection.
func IsPoolExhausted(err error) bool { return KindOf(err) == KindPoolExhausted }

// IsIllegalState reports whether err is a lease protocol violation.
func IsIllegalState(err error) bool { return KindOf(err) == KindIllegalState }

// IsNotFound reports whether err means no row exists.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }
