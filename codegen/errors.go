package codegen

import (
	"errors"
	"fmt"
)

// ErrorKind classifies code generation failures.
type ErrorKind uint8

const (
	// InvalidUnitKind: the unit's kind or shape matches no known variant.
	InvalidUnitKind ErrorKind = iota + 1
	// DuplicateEntry: a template step ran out of order or twice.
	DuplicateEntry
	// UnresolvedSuperclass: a designated runtime base type is missing from
	// the runtime library metadata.
	UnresolvedSuperclass
	// InvalidSend: a message send cannot be lowered.
	InvalidSend
)

// Sentinels for errors.Is. Every *Error matches the sentinel of its kind.
var (
	ErrInvalidUnitKind      = errors.New("invalid unit kind")
	ErrDuplicateEntry       = errors.New("duplicate entry")
	ErrUnresolvedSuperclass = errors.New("unresolved superclass")
	ErrInvalidSend          = errors.New("invalid message send")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case InvalidUnitKind:
		return ErrInvalidUnitKind
	case DuplicateEntry:
		return ErrDuplicateEntry
	case UnresolvedSuperclass:
		return ErrUnresolvedSuperclass
	case InvalidSend:
		return ErrInvalidSend
	}
	return nil
}

// String implements the Stringer interface.
func (k ErrorKind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return fmt.Sprintf("ErrorKind(%d)", uint8(k))
}

// Error is a unit-level code generation failure.
type Error struct {
	Kind ErrorKind
	Unit string // unit name, when known
	Err  error
}

func newError(kind ErrorKind, unit string, err error) *Error {
	return &Error{Kind: kind, Unit: unit, Err: err}
}

func (e *Error) Error() string {
	msg := "codegen"
	if e.Unit != "" {
		msg += ": " + e.Unit
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// KindOf extracts the ErrorKind from err, or 0 when err is not a codegen
// error.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}
