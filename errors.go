package flowshm

import (
	"errors"
	"fmt"
)

// Error is a structured flowshm error carrying the operation, the
// component that raised it, an id (0 if not applicable) and the closed
// Status code, following the same shape go-ublk's *Error used for
// Op/DevID/Queue/Errno/Code.
type Error struct {
	Op        string // operation that failed, e.g. "allocate", "push"
	Component string // "allocator", "pool", "registry", "queue", "scheduler", "runtime"
	Id        uint64 // the relevant id (BufferId/BlockId/PoolId/...), 0 if n/a
	Code      Status
	Msg       string
	Inner     error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Code.String()
	}
	switch {
	case e.Op != "" && e.Component != "" && e.Id != 0:
		return fmt.Sprintf("flowshm: %s (op=%s component=%s id=%d)", msg, e.Op, e.Component, e.Id)
	case e.Op != "" && e.Component != "":
		return fmt.Sprintf("flowshm: %s (op=%s component=%s)", msg, e.Op, e.Component)
	case e.Op != "":
		return fmt.Sprintf("flowshm: %s (op=%s)", msg, e.Op)
	default:
		return fmt.Sprintf("flowshm: %s", msg)
	}
}

// Unwrap supports errors.Is/As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is lets errors.Is match both another *Error with the same Code and the
// legacy sentinel values below.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if se, ok := target.(sentinel); ok {
		return e.Code == Status(se)
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// sentinel is a legacy comparable error type kept for errors.Is
// compatibility with callers that only care about the Status, not the
// full structured Error, mirroring go-ublk's UblkError constants.
type sentinel Status

func (s sentinel) Error() string { return Status(s).String() }

var (
	ErrWouldBlock    error = sentinel(StatusWouldBlock)
	ErrTimeout       error = sentinel(StatusTimeout)
	ErrClosed        error = sentinel(StatusClosed)
	ErrFull          error = sentinel(StatusFull)
	ErrEmpty         error = sentinel(StatusEmpty)
	ErrNotFound      error = sentinel(StatusNotFound)
	ErrInvalidArg    error = sentinel(StatusInvalidArg)
	ErrExhausted     error = sentinel(StatusExhausted)
	ErrUninitialized error = sentinel(StatusUninitialized)
)

// NewError creates a structured error for the given operation/component.
func NewError(op, component string, code Status, msg string) *Error {
	return &Error{Op: op, Component: component, Code: code, Msg: msg}
}

// NewIdError creates a structured error referencing a specific id.
func NewIdError(op, component string, id uint64, code Status, msg string) *Error {
	return &Error{Op: op, Component: component, Id: id, Code: code, Msg: msg}
}

// WrapError wraps inner with operation context, preserving its Status code
// if inner already carries one.
func WrapError(op, component string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if fe, ok := inner.(*Error); ok {
		return &Error{Op: op, Component: component, Id: fe.Id, Code: fe.Code, Msg: fe.Msg, Inner: inner}
	}
	if se, ok := inner.(sentinel); ok {
		return &Error{Op: op, Component: component, Code: Status(se), Msg: inner.Error(), Inner: inner}
	}
	return &Error{Op: op, Component: component, Code: StatusInvalidArg, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is, or wraps, a flowshm error of the given
// Status code.
func IsCode(err error, code Status) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	var se sentinel
	if errors.As(err, &se) {
		return Status(se) == code
	}
	return false
}
