package mcp

// Event is a typed notification the Client delivers to its EventSink. The concrete types are
// ToolsListChanged, ResourcesListChanged, PromptsListChanged, ResourceChanged, LogReceived,
// SamplingRequestReceived and ConnectionFailed.
type Event interface {
	// Server returns the name of the server the event originates from.
	Server() string
	// EventName returns a stable, lower-case name of the event type.
	EventName() string
}

// EventSource identifies the server an event originates from.
type EventSource struct {
	ServerName string
}

// ToolsListChanged reports that the server's tool list changed.
type ToolsListChanged struct {
	EventSource
}

// ResourcesListChanged reports that the server's resource list changed.
type ResourcesListChanged struct {
	EventSource
}

// PromptsListChanged reports that the server's prompt list changed.
type PromptsListChanged struct {
	EventSource
}

// ResourceChanged reports that the content of the resource at URI changed.
type ResourceChanged struct {
	EventSource
	URI string
}

// LogReceived carries a log message the server emitted.
type LogReceived struct {
	EventSource
	Params map[string]any
}

// SamplingRequestReceived carries a sampling request the server pushed as a notification.
type SamplingRequestReceived struct {
	EventSource
	Params map[string]any
}

// ConnectionFailed reports that an established or establishing connection failed. Err is the error
// every pending request was rejected with.
type ConnectionFailed struct {
	EventSource
	Err error
}

// Server implements Event.
func (s EventSource) Server() string { return s.ServerName }

// EventName implements Event.
func (ToolsListChanged) EventName() string { return "tools_list_changed" }

// EventName implements Event.
func (ResourcesListChanged) EventName() string { return "resources_list_changed" }

// EventName implements Event.
func (PromptsListChanged) EventName() string { return "prompts_list_changed" }

// EventName implements Event.
func (ResourceChanged) EventName() string { return "resource_changed" }

// EventName implements Event.
func (LogReceived) EventName() string { return "log_received" }

// EventName implements Event.
func (SamplingRequestReceived) EventName() string { return "sampling_request_received" }

// EventName implements Event.
func (ConnectionFailed) EventName() string { return "connection_failed" }
