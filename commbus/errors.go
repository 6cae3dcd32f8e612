package commbus

import (
	"errors"
	"fmt"
)

// BusErrorKind is the stable category tag attached to every bus error,
// mirroring the kernel's error-kind taxonomy. Callers key on the kind,
// not the message.
type BusErrorKind string

const (
	ErrNoHandler        BusErrorKind = "no_handler"
	ErrDuplicateHandler BusErrorKind = "duplicate_handler"
	ErrQueryTimeout     BusErrorKind = "query_timeout"
)

// busError is implemented by every typed bus error.
type busError interface {
	error
	BusKind() BusErrorKind
}

// KindOf extracts the bus error kind; other errors report "".
func KindOf(err error) BusErrorKind {
	var be busError
	if errors.As(err, &be) {
		return be.BusKind()
	}
	return ""
}

// NoHandlerError is returned when a command or query names a message type
// with no registered handler.
type NoHandlerError struct {
	MessageType string
}

func (e *NoHandlerError) BusKind() BusErrorKind { return ErrNoHandler }

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("commbus: %s: no handler registered for %s", ErrNoHandler, e.MessageType)
}

// NewNoHandlerError creates a NoHandlerError for the message type.
func NewNoHandlerError(messageType string) *NoHandlerError {
	return &NoHandlerError{MessageType: messageType}
}

// HandlerAlreadyRegisteredError is returned when a second handler is
// registered for a message type that already has one.
type HandlerAlreadyRegisteredError struct {
	MessageType string
}

func (e *HandlerAlreadyRegisteredError) BusKind() BusErrorKind { return ErrDuplicateHandler }

func (e *HandlerAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("commbus: %s: handler already registered for %s", ErrDuplicateHandler, e.MessageType)
}

// NewHandlerAlreadyRegisteredError creates a HandlerAlreadyRegisteredError
// for the message type.
func NewHandlerAlreadyRegisteredError(messageType string) *HandlerAlreadyRegisteredError {
	return &HandlerAlreadyRegisteredError{MessageType: messageType}
}

// QueryTimeoutError is returned when a synchronous query's handler does not
// answer within the bus timeout.
type QueryTimeoutError struct {
	MessageType string
	Timeout     float64
}

func (e *QueryTimeoutError) BusKind() BusErrorKind { return ErrQueryTimeout }

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("commbus: %s: query %s timed out after %.2fs", ErrQueryTimeout, e.MessageType, e.Timeout)
}

// NewQueryTimeoutError creates a QueryTimeoutError for the message type.
func NewQueryTimeoutError(messageType string, timeout float64) *QueryTimeoutError {
	return &QueryTimeoutError{MessageType: messageType, Timeout: timeout}
}
