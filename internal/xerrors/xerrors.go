// Package xerrors adds call-site information to errors without changing
// their text. The logger reads it back through the StackPCs and PC
// methods, so nothing outside this package needs the concrete types.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxFrames = 64

// stacked carries the full call stack at the point it was created.
type stacked struct {
	cause error
	pcs   []uintptr
}

func (s *stacked) Error() string       { return s.cause.Error() }
func (s *stacked) Unwrap() error       { return s.cause }
func (s *stacked) StackPCs() []uintptr { return s.pcs }

// annotated prefixes a message and remembers the single frame that added it.
type annotated struct {
	cause error
	msg   string
	pc    uintptr
}

func (a *annotated) Error() string { return a.msg + ": " + a.cause.Error() }
func (a *annotated) Unwrap() error { return a.cause }
func (a *annotated) PC() uintptr   { return a.pc }

// marked makes errors.Is match mark as well as anything in cause.
type marked struct {
	cause error
	mark  error
}

func (m *marked) Error() string   { return m.cause.Error() }
func (m *marked) Unwrap() []error { return []error{m.cause, m.mark} }

// callers skips itself, runtime.Callers and skip more frames.
func callers(skip int) []uintptr {
	pcs := make([]uintptr, maxFrames)
	return pcs[:runtime.Callers(skip+2, pcs)]
}

func caller(skip int) uintptr {
	var pc [1]uintptr
	if runtime.Callers(skip+2, pc[:]) == 0 {
		return 0
	}
	return pc[0]
}

func stack(err error, skip int) error {
	if err == nil {
		return nil
	}
	return &stacked{cause: err, pcs: callers(skip + 1)}
}

func hasStack(err error) bool {
	var s interface{ StackPCs() []uintptr }
	return errors.As(err, &s) && len(s.StackPCs()) > 0
}

// New returns an error with msg and the caller's stack.
func New(msg string) error { return stack(errors.New(msg), 1) }

func Newf(format string, args ...any) error { return stack(fmt.Errorf(format, args...), 1) }

// WithStack records the caller's stack on err. nil stays nil.
func WithStack(err error) error { return stack(err, 1) }

// EnsureTrace is WithStack for errors that may already carry a stack,
// typically ones crossing a package boundary.
func EnsureTrace(err error) error {
	if err == nil || hasStack(err) {
		return err
	}
	return stack(err, 1)
}

// Wrap prefixes err with msg. nil stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &annotated{cause: err, msg: msg, pc: caller(1)}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &annotated{cause: err, msg: fmt.Sprintf(format, args...), pc: caller(1)}
}

// Mark tags err with a sentinel: errors.Is(result, mark) holds while the
// message and the original chain are unchanged. A nil mark returns err.
func Mark(err, mark error) error {
	if err == nil || mark == nil {
		return err
	}
	return &marked{cause: err, mark: mark}
}
