// Package commbus provides the in-process communication bus the kernel's
// observers hang off of. Kernel events fan out to subscribers; queries and
// commands route to a single registered handler.
package commbus

import (
	"context"
)

// Message is the protocol for all bus messages. Every message carries a
// category: "event", "query", or "command".
type Message interface {
	Category() string
}

// Query is the marker protocol for request-response messages.
type Query interface {
	Message
	IsQuery()
}

// Handler processes a message and optionally returns a response (for
// queries).
type Handler interface {
	Handle(ctx context.Context, message Message) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, message Message) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, message Message) (any, error) {
	return f(ctx, message)
}

// Middleware intercepts messages around handling. Used for logging and
// circuit breaking.
type Middleware interface {
	// Before is called before the message is handled. Returning a nil
	// message aborts processing.
	Before(ctx context.Context, message Message) (Message, error)

	// After is called after the message is handled and may replace the
	// result.
	After(ctx context.Context, message Message, result any, err error) (any, error)
}

// CommBus is the bus protocol. Three patterns:
//   - Publish(event): fire-and-forget, fan-out to all subscribers
//   - Send(command): fire-and-forget, single handler
//   - QuerySync(query): request-response, single handler
type CommBus interface {
	Publish(ctx context.Context, event Message) error
	Send(ctx context.Context, command Message) error
	QuerySync(ctx context.Context, query Query) (any, error)

	// Subscribe subscribes to an event type and returns an unsubscribe
	// function.
	Subscribe(eventType string, handler HandlerFunc) func()

	// RegisterHandler registers the single handler for a query or command
	// type.
	RegisterHandler(messageType string, handler HandlerFunc) error

	AddMiddleware(middleware Middleware)

	HasHandler(messageType string) bool
	GetSubscribers(eventType string) []HandlerFunc
	Clear()
}
