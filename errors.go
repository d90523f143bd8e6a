// Package xfsjournal ties the pagebuf cache and the log/transaction
// engine together behind a single mount handle.
package xfsjournal

import (
	"errors"
	"fmt"
	"syscall"
)

// Error is a structured error carrying the operation, the high-level
// error category, and (when available) the kernel errno that caused
// it. It supports errors.Is/As/Unwrap.
type Error struct {
	Op    string    // operation that failed, e.g. "buffer_get", "log_reserve"
	Code  ErrorCode // high-level error category
	Errno syscall.Errno
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("xfsjournal: %s: %s", e.Op, msg)
	}
	return fmt.Sprintf("xfsjournal: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode is the taxonomy of spec.md §7.
type ErrorCode string

const (
	// ErrOutOfMemory: allocation failed and the retry budget was
	// exhausted (buffer_get, log_reserve).
	ErrOutOfMemory ErrorCode = "out of memory"
	// ErrIoError: device I/O failed; latched on the buffer, fatal
	// during recovery.
	ErrIoError ErrorCode = "I/O error"
	// ErrWouldBlock: NOSLEEP/TRYLOCK requested and the operation would
	// have slept.
	ErrWouldBlock ErrorCode = "would block"
	// ErrNotFound: the requested buffer or log record is absent.
	ErrNotFound ErrorCode = "not found"
	// ErrLogSpace: a reservation would exceed the log.
	ErrLogSpace ErrorCode = "insufficient log space"
	// ErrCorruptLog: recovery detected a malformed record header, bad
	// cycle, or mismatched length. Fatal unless force is set.
	ErrCorruptLog ErrorCode = "corrupt log"
	// ErrCanceled: a buffer log item observed a CANCEL flag; not an
	// error surfaced to the logging caller, but recovery reports it so
	// callers can distinguish "skipped" from "replayed".
	ErrCanceled ErrorCode = "canceled"
)

// NewError creates a structured error with no device/errno context.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewErrorWithErrno wraps a kernel errno with the matching error code.
func NewErrorWithErrno(op string, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error()}
}

// WrapError attaches op context to an existing error, preserving a
// structured inner error's code.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	var e *Error
	if errors.As(inner, &e) {
		return &Error{Op: op, Code: e.Code, Errno: e.Errno, Msg: e.Msg, Inner: inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Code: ErrIoError, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrOutOfMemory
	case syscall.ENOENT:
		return ErrNotFound
	case syscall.EAGAIN, syscall.EWOULDBLOCK:
		return ErrWouldBlock
	default:
		return ErrIoError
	}
}

// IsCode reports whether err (or something it wraps) has the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsErrno reports whether err (or something it wraps) carries errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Errno == errno
	}
	return false
}
