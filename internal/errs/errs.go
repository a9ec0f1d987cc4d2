// Package errs defines the engine's error taxonomy on top of
// github.com/juju/errors, so callers can test an error's kind while
// logs still carry a traced stack.
package errs

import (
	"fmt"

	"github.com/juju/errors"
)

// Kind classifies an error for the caller's retry/abort decision.
type Kind int

const (
	_ Kind = iota
	NotFound
	AlreadyExists
	LockTimeout
	Deadlock
	SerializationFailure
	InvalidArgument
	TypeMismatch
	Corruption
	Durability
	PoolExhausted
	Capacity
	ClosedHandle
	CorruptWAL
	ParseError
	UnknownTable
	UnknownColumn
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case LockTimeout:
		return "LockTimeout"
	case Deadlock:
		return "Deadlock"
	case SerializationFailure:
		return "SerializationFailure"
	case InvalidArgument:
		return "InvalidArgument"
	case TypeMismatch:
		return "TypeMismatch"
	case Corruption:
		return "Corruption"
	case Durability:
		return "Durability"
	case PoolExhausted:
		return "PoolExhausted"
	case Capacity:
		return "Capacity"
	case ClosedHandle:
		return "ClosedHandle"
	case CorruptWAL:
		return "CorruptWAL"
	case ParseError:
		return "ParseError"
	case UnknownTable:
		return "UnknownTable"
	case UnknownColumn:
		return "UnknownColumn"
	default:
		return "Unknown"
	}
}

// kindError carries a Kind alongside the wrapped juju/errors chain so
// that Is/As style checks don't need string matching.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// New creates a fresh error of kind k with a message, traced from the
// call site.
func New(k Kind, format string, args ...interface{}) error {
	return &kindError{kind: k, err: errors.Errorf(format, args...)}
}

// Wrap annotates err with kind k and a message, preserving the
// underlying trace (errors.Annotatef semantics).
func Wrap(k Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	return &kindError{kind: k, err: errors.Annotate(err, msg)}
}

// Of reports the Kind carried by err, if any.
func Of(err error) (Kind, bool) {
	var ke *kindError
	for err != nil {
		if k, ok := err.(*kindError); ok {
			ke = k
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if ke == nil {
		return 0, false
	}
	return ke.kind, true
}

// Is reports whether the outermost kind-carrying error in err's Unwrap
// chain (as found by Of) has kind k; kinds of errors wrapped inside
// that one are not consulted.
func Is(err error, k Kind) bool {
	got, ok := Of(err)
	return ok && got == k
}

// Trace is a thin re-export of errors.Trace, used at package
// boundaries to attach a stack frame without changing the error's
// kind.
func Trace(err error) error {
	if err == nil {
		return nil
	}
	if ke, ok := err.(*kindError); ok {
		return &kindError{kind: ke.kind, err: errors.Trace(ke.err)}
	}
	return errors.Trace(err)
}
