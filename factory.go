package mcp

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// TransportType selects how the client reaches a server.
type TransportType string

// ServerConfig describes one server the client connects to.
type ServerConfig struct {
	// Name identifies the server in logs, events and metrics.
	Name string
	// Transport defaults to TransportStdio when empty.
	Transport TransportType

	// Command, Args, WorkingDir and Env describe the child process of a stdio server.
	Command    string
	Args       []string
	WorkingDir string
	Env        map[string]string

	// URL is the event stream endpoint of an SSE server.
	URL string

	// Timeout bounds every request sent to the server, the handshake included. Zero means no bound
	// besides the caller's context.
	Timeout time.Duration
	// StartupTimeout bounds how long the first message waits for the child's first output line.
	// Zero keeps the transport default.
	StartupTimeout time.Duration
	// MaxMessageSize bounds the size of a single inbound message: a stdout line for stdio servers, an
	// event for SSE servers. Zero keeps the transport default.
	MaxMessageSize int
}

// TransportFactory builds the transport for a connection attempt. It is called once per attempt, since
// transports cannot be reconnected.
type TransportFactory func(cfg ServerConfig, logger *slog.Logger) (ClientTransport, error)

const (
	// TransportStdio runs the server as a child process speaking over its standard streams.
	TransportStdio TransportType = "stdio"
	// TransportSSE reaches the server over HTTP with Server-Sent Events.
	TransportSSE TransportType = "sse"
)

// Validate reports the first problem that would prevent building a transport for c.
func (c ServerConfig) Validate() error {
	if c.Name == "" {
		return &ConfigurationError{Msg: "server name is required"}
	}
	if c.Timeout < 0 || c.StartupTimeout < 0 {
		return &ConfigurationError{Msg: fmt.Sprintf("negative timeout for server %q", c.Name)}
	}
	if c.MaxMessageSize < 0 {
		return &ConfigurationError{Msg: fmt.Sprintf("negative max message size for server %q", c.Name)}
	}

	switch c.Transport {
	case TransportStdio, "":
		if c.Command == "" {
			return &ConfigurationError{Msg: fmt.Sprintf("command is required for stdio server %q", c.Name)}
		}
	case TransportSSE:
		if c.URL == "" {
			return &ConfigurationError{Msg: fmt.Sprintf("url is required for sse server %q", c.Name)}
		}
		u, err := url.Parse(c.URL)
		if err != nil {
			return &ConfigurationError{Msg: fmt.Sprintf("invalid url for sse server %q", c.Name), Err: err}
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return &ConfigurationError{Msg: fmt.Sprintf("unsupported url scheme %q for sse server %q", u.Scheme, c.Name)}
		}
	default:
		return &ConfigurationError{Msg: fmt.Sprintf("unsupported transport type %q for server %q", c.Transport, c.Name)}
	}

	return nil
}

// NewTransport is the default TransportFactory. It builds a CommandTransport for stdio servers and an
// SSEClient for SSE servers, and returns a *ConfigurationError when cfg is not usable.
func NewTransport(cfg ServerConfig, logger *slog.Logger) (ClientTransport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Transport {
	case TransportSSE:
		opts := []SSEClientOption{WithSSEClientLogger(logger)}
		if cfg.MaxMessageSize > 0 {
			opts = append(opts, WithSSEClientMaxPayloadSize(cfg.MaxMessageSize))
		}
		return NewSSEClient(cfg.URL, &http.Client{}, opts...), nil
	default:
		opts := []CommandTransportOption{
			WithCommandLogger(logger),
			WithCommandDir(cfg.WorkingDir),
			WithCommandEnv(cfg.Env),
		}
		if cfg.StartupTimeout > 0 {
			opts = append(opts, WithCommandStartupTimeout(cfg.StartupTimeout))
		}
		if cfg.MaxMessageSize > 0 {
			opts = append(opts, WithCommandMaxLineSize(cfg.MaxMessageSize))
		}
		return NewCommandTransport(cfg.Command, cfg.Args, opts...), nil
	}
}
