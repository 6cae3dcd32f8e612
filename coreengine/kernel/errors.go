package kernel

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable category tag attached to every kernel error.
// Callers across transports key on the kind, not the message.
type ErrorKind string

const (
	ErrValidation      ErrorKind = "validation"
	ErrNotFound        ErrorKind = "not_found"
	ErrQuotaExceeded   ErrorKind = "quota_exceeded"
	ErrStateTransition ErrorKind = "state_transition"
	ErrInternal        ErrorKind = "internal"
	ErrCancelled       ErrorKind = "cancelled"
	ErrTimeout         ErrorKind = "timeout"
)

// KernelError is the typed error returned by every kernel subsystem.
type KernelError struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func (e *KernelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

func (e *KernelError) Unwrap() error {
	return e.Err
}

// Errorf builds a KernelError of the given kind.
func Errorf(kind ErrorKind, op, format string, args ...any) *KernelError {
	return &KernelError{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// WrapInternal tags an unexpected error as Internal, preserving the cause.
func WrapInternal(op string, err error) *KernelError {
	return &KernelError{Kind: ErrInternal, Op: op, Msg: "unexpected failure", Err: err}
}

// KindOf extracts the error kind; non-kernel errors report Internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ErrInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
