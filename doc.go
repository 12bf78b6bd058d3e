// Package mcp implements the client side of the Model Context Protocol (MCP), the protocol LLM
// applications use to reach external tools, resources and prompts. This implementation follows
// the official specification from https://spec.modelcontextprotocol.io/specification/.
//
// A Client owns one connection to one server. Connect starts the server's transport, performs the
// initialize handshake and negotiates the protocol version; after that the client correlates
// requests with their responses and turns server notifications into typed Events delivered to an
// EventSink. A Client that failed or was closed can be connected again, which builds a fresh
// transport through its TransportFactory.
//
// Two transports are provided. CommandTransport spawns the server as a child process and exchanges
// newline-delimited JSON-RPC messages over its standard streams; StdIO does the same over any
// reader and writer pair. SSEClient reaches servers over HTTP with Server-Sent Events.
//
// Errors returned by the package are typed: *ConnectionError, *InitializeError, *RequestError,
// *TransportError, *ConfigurationError and *CancelledError can be inspected with errors.As.
package mcp
