package mcp

import (
	"context"
)

// ClientTransport provides the client-side communication layer in the MCP protocol. A transport is
// owned by exactly one Client and is used for a single connection: once closed it cannot be
// reconnected, the Client asks its TransportFactory for a new one instead.
type ClientTransport interface {
	// Subscribe registers the callbacks the transport reports to. The Client calls it once, before
	// Connect. Callbacks are invoked from the transport's read goroutine in wire order and must not
	// call Close synchronously.
	Subscribe(events TransportEvents)

	// Connect establishes the byte stream to the peer. It is idempotent: repeated calls return the
	// result of the first one. A failure is reported as a *TransportError, or as the context error
	// when ctx is done before the stream is established.
	Connect(ctx context.Context) error

	// Send writes one message to the peer. A write failure is reported as a *TransportError.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Close releases the stream and every resource behind it, then reports OnClose with an empty
	// reason. Closing is terminal and calling Close again is a no-op.
	Close() error
}

// TransportEvents is the fixed set of callbacks a transport reports to. Nil callbacks are skipped.
type TransportEvents struct {
	// OnMessage receives every successfully decoded inbound message.
	OnMessage func(msg Message)
	// OnError receives read failures and, as *DecodeError, inbound content that is not a valid message.
	OnError func(err error)
	// OnClose is reported once when the stream ends, either by Close (empty reason) or because the
	// peer went away.
	OnClose func(reason string)
	// OnStderr receives the peer's diagnostic output, for transports that have one.
	OnStderr func(text string)
}

// EventSink receives the typed events the Client derives from peer notifications. Errors and panics
// raised by HandleEvent are logged by the Client and never interrupt the connection.
type EventSink interface {
	HandleEvent(ev Event) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev Event) error

// HandleEvent implements EventSink.
func (f EventSinkFunc) HandleEvent(ev Event) error {
	return f(ev)
}

// IDGenerator produces request ids. The Client retries when an id collides with an outstanding request.
type IDGenerator interface {
	NextID() string
}

// IDGeneratorFunc adapts a function to IDGenerator.
type IDGeneratorFunc func() string

// NextID implements IDGenerator.
func (f IDGeneratorFunc) NextID() string {
	return f()
}
