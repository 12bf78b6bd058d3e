package mcp

import (
	"errors"
	"fmt"
)

// ErrInvalidState is wrapped by the ConnectionError returned when an operation is not allowed in the
// client's current ConnectionStatus.
var ErrInvalidState = errors.New("invalid connection state")

// ErrLineTooLong is wrapped by the DecodeError reported for an inbound line longer than the transport's
// maximum line size.
var ErrLineTooLong = errors.New("line too long")

// ConfigurationError reports a transport that could not be set up from its ServerConfig. No I/O has
// happened when it is returned.
type ConfigurationError struct {
	Msg string
	Err error
}

// TransportError reports a failure at the byte layer: spawning the peer, reading from or writing to it.
type TransportError struct {
	Msg string
	Err error
}

// DecodeError reports a single inbound line or event that is not a valid protocol message. Raw holds
// the offending content. The connection stays usable after a DecodeError.
type DecodeError struct {
	Raw string
	Err error
}

// ConnectionError reports a protocol-level failure of the connection: a bad handshake result, an
// unexpected state, or the peer going away.
type ConnectionError struct {
	Msg string
	Err error
}

// RequestError is returned when the peer answered a request with a JSON-RPC error object.
type RequestError struct {
	Method  string
	Code    int
	Message string
	Data    map[string]any
}

// InitializeError is returned by Connect when the peer rejects the initialize request.
type InitializeError struct {
	Err *RequestError
}

// CancelledError is returned by Connect when the connection attempt was cancelled by its caller's
// context or by Close. Err is the context error.
type CancelledError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return "configuration error: " + e.Msg
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Msg, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "transport error: " + e.Msg
	}
	return fmt.Sprintf("transport error: %s: %v", e.Msg, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return "connection error: " + e.Msg
	}
	return fmt.Sprintf("connection error: %s: %v", e.Msg, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s failed, code: %d, message: %s", e.Method, e.Code, e.Message)
}

// JSONRPCError returns the error object the peer sent.
func (e *RequestError) JSONRPCError() JSONRPCError {
	return JSONRPCError{Code: e.Code, Message: e.Message, Data: e.Data}
}

func (e *InitializeError) Error() string {
	return fmt.Sprintf("initialize failed: %v", e.Err)
}

func (e *InitializeError) Unwrap() error { return e.Err }

func (e *CancelledError) Error() string {
	return fmt.Sprintf("connection attempt cancelled: %v", e.Err)
}

func (e *CancelledError) Unwrap() error { return e.Err }

// isProtocolError reports whether err already describes a failure at the connection level, so the
// state machine propagates it as is instead of wrapping it in a ConnectionError.
func isProtocolError(err error) bool {
	var (
		connErr   *ConnectionError
		reqErr    *RequestError
		initErr   *InitializeError
		cancelErr *CancelledError
	)
	return errors.As(err, &connErr) || errors.As(err, &reqErr) ||
		errors.As(err, &initErr) || errors.As(err, &cancelErr)
}
