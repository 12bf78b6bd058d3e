package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ConnectionStatus is the lifecycle state of a Client's connection.
type ConnectionStatus int

// ServerIdentity is what the server reported about itself during the handshake.
type ServerIdentity struct {
	Name    string
	Version string
	// ProtocolVersion is the negotiated protocol revision, the one the server answered with.
	ProtocolVersion string
	Capabilities    ServerCapabilities
	Instructions    string
}

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client implements a Model Context Protocol (MCP) client connection to a single server. It drives the
// transport, performs the initialize handshake, correlates requests with responses and turns server
// notifications into Events.
//
// The connection moves from StatusDisconnected through StatusConnecting and StatusHandshaking to
// StatusReady. Any failure moves it to StatusError and rejects every pending request; Close moves it to
// StatusClosed. A failed or closed Client can be connected again with Connect, which builds a fresh
// transport. Requests are only accepted while the client is ready.
//
// A Client must be created using NewClient. All methods are safe for concurrent use.
type Client struct {
	info            Info
	capabilities    ClientCapabilities
	protocolVersion string
	config          ServerConfig

	newTransport TransportFactory
	idGenerator  IDGenerator
	sink         EventSink
	logger       *slog.Logger
	metrics      *Metrics

	requestTimeout time.Duration
	writeTimeout   time.Duration

	correlator *correlator
	dispatcher *dispatcher

	mu         sync.Mutex
	status     ConnectionStatus
	transport  ClientTransport
	generation uint64
	identity   *ServerIdentity
	attempt    *connectAttempt
	lastErr    error
}

// connectAttempt is shared by every Connect call made while the attempt is in flight.
type connectAttempt struct {
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

// Connection statuses.
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusHandshaking
	StatusReady
	StatusClosing
	StatusClosed
	StatusError
)

var defaultClientWriteTimeout = 30 * time.Second

// WithLogger sets the logger of the client. The transport built by the default factory logs through it
// as well.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithEventSink sets the sink receiving the events derived from server notifications. Without a sink,
// notifications are only logged.
func WithEventSink(sink EventSink) ClientOption {
	return func(c *Client) {
		c.sink = sink
	}
}

// WithTransportFactory replaces NewTransport as the way transports are built for connection attempts.
func WithTransportFactory(factory TransportFactory) ClientOption {
	return func(c *Client) {
		c.newTransport = factory
	}
}

// WithIDGenerator sets the generator of request ids. Random UUIDs are used by default.
func WithIDGenerator(gen IDGenerator) ClientOption {
	return func(c *Client) {
		c.idGenerator = gen
	}
}

// WithMetrics makes the client record its activity in m.
func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithProtocolVersion sets the protocol revision the client asks for during the handshake.
func WithProtocolVersion(version string) ClientOption {
	return func(c *Client) {
		c.protocolVersion = version
	}
}

// WithCapabilities sets the capabilities the client announces during the handshake.
func WithCapabilities(capabilities ClientCapabilities) ClientOption {
	return func(c *Client) {
		c.capabilities = capabilities
	}
}

// WithRequestTimeout bounds every request, overriding ServerConfig.Timeout.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithClientWriteTimeout sets the timeout of writes that have no caller context, such as replies to
// server pings and cancellation notices.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// NewClient creates a client identified by info for the server described by cfg. The client will not
// be connected until Connect is called.
func NewClient(info Info, cfg ServerConfig, options ...ClientOption) *Client {
	c := &Client{
		info:            info,
		config:          cfg,
		protocolVersion: ProtocolVersion,
		newTransport:    NewTransport,
		logger:          slog.Default(),
		requestTimeout:  cfg.Timeout,
	}
	for _, opt := range options {
		opt(c)
	}

	if c.writeTimeout == 0 {
		c.writeTimeout = defaultClientWriteTimeout
	}

	c.correlator = newCorrelator(cfg.Name, c.idGenerator, c.logger, c.metrics)
	c.dispatcher = &dispatcher{
		server:  cfg.Name,
		sink:    c.sink,
		logger:  c.logger,
		metrics: c.metrics,
	}
	c.metrics.setStatus(cfg.Name, StatusDisconnected)

	return c
}

// Connect establishes the connection and performs the handshake. It returns nil once the client is
// ready.
//
// Connect is idempotent: while an attempt is in flight, further calls wait for it and return its
// outcome; on a ready client it returns nil immediately. It fails with ErrInvalidState while the client
// is closing. Cancelling ctx of the call that started the attempt aborts it with a *CancelledError and
// closes the transport; for the other callers ctx only bounds their wait.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.status {
	case StatusReady:
		c.mu.Unlock()
		return nil
	case StatusConnecting, StatusHandshaking:
		attempt := c.attempt
		c.mu.Unlock()
		if attempt == nil {
			return &ConnectionError{Msg: "connection attempt in unknown state", Err: ErrInvalidState}
		}
		c.logger.Debug("joining in-flight connection attempt", "server", c.config.Name)
		return attempt.wait(ctx)
	case StatusClosing:
		c.mu.Unlock()
		return &ConnectionError{Msg: fmt.Sprintf("cannot connect while %s", StatusClosing), Err: ErrInvalidState}
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	attempt := &connectAttempt{done: make(chan struct{}), cancel: cancel}
	c.attempt = attempt
	c.lastErr = nil
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	c.logger.Info("connecting to server", "server", c.config.Name, "transport", c.config.Transport)

	attempt.err = c.establish(attemptCtx)
	cancel()
	close(attempt.done)

	c.mu.Lock()
	if c.attempt == attempt {
		c.attempt = nil
	}
	c.mu.Unlock()

	return attempt.err
}

// Close tears the connection down: an in-flight attempt is cancelled, pending requests are rejected
// with a *ConnectionError and the transport is closed. Closing a client that is not connected is a
// no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	switch c.status {
	case StatusDisconnected, StatusClosing, StatusClosed:
		c.mu.Unlock()
		return nil
	}
	attempt := c.attempt
	transport := c.transport
	c.setStatusLocked(StatusClosing)
	c.identity = nil
	c.mu.Unlock()

	c.logger.Info("closing connection", "server", c.config.Name)

	if attempt != nil {
		attempt.cancel()
	}
	c.correlator.failAll(&ConnectionError{Msg: "client closed"})

	var err error
	if transport != nil {
		if cErr := transport.Close(); cErr != nil {
			err = fmt.Errorf("failed to close transport: %w", cErr)
		}
	}

	c.mu.Lock()
	c.setStatusLocked(StatusClosed)
	c.mu.Unlock()

	return err
}

// Request sends a request and waits for its response, returning the raw result. An error response is
// returned as a *RequestError. The client must be ready.
//
// When ctx is done before the response arrives, the request is abandoned and the server is notified
// that it was cancelled.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.call(ctx, method, params, StatusReady)
}

// Notify sends a notification. The client must be ready.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	status := c.status
	transport := c.transport
	c.mu.Unlock()

	if status != StatusReady {
		return &ConnectionError{Msg: fmt.Sprintf("cannot send %s notification while %s", method, status), Err: ErrInvalidState}
	}
	return c.sendNotification(ctx, transport, method, params)
}

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.status
}

// ServerIdentity returns what the server reported during the handshake. The second value is false
// unless the client is ready.
func (c *Client) ServerIdentity() (ServerIdentity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.identity == nil {
		return ServerIdentity{}, false
	}
	return *c.identity, true
}

// ServerName returns the configured name of the server.
func (c *Client) ServerName() string {
	return c.config.Name
}

// Err returns the error of the last connection failure, or nil if the connection has not failed since
// the last Connect.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastErr
}

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusHandshaking:
		return "handshaking"
	case StatusReady:
		return "ready"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

func (a *connectAttempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) establish(ctx context.Context) error {
	transport, err := c.newTransport(c.config, c.logger)
	if err != nil {
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			err = &ConfigurationError{Msg: "failed to create transport", Err: err}
		}
		return c.failConnect(ctx, nil, err)
	}

	c.mu.Lock()
	c.generation++
	generation := c.generation
	c.transport = transport
	c.mu.Unlock()

	// Subscribe before connecting so nothing the peer sends early is lost.
	transport.Subscribe(c.transportEvents(generation))

	if err := transport.Connect(ctx); err != nil {
		return c.failConnect(ctx, transport, err)
	}

	if err := c.advance(StatusConnecting, StatusHandshaking, nil); err != nil {
		return c.failConnect(ctx, transport, err)
	}
	c.logger.Info("transport connected, initiating handshake", "server", c.config.Name)

	identity, err := c.handshake(ctx, transport)
	if err != nil {
		return c.failConnect(ctx, transport, err)
	}

	if err := c.advance(StatusHandshaking, StatusReady, identity); err != nil {
		return c.failConnect(ctx, transport, err)
	}

	c.logger.Info("server connection ready",
		"server", c.config.Name,
		"serverName", identity.Name,
		"serverVersion", identity.Version,
		"protocolVersion", identity.ProtocolVersion)

	return nil
}

// advance moves the status from one step of the connect path to the next. It fails when something else
// changed the status in between, returning the failure that did so when there is one.
func (c *Client) advance(from, to ConnectionStatus, identity *ServerIdentity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != from {
		if c.status == StatusError && c.lastErr != nil {
			return c.lastErr
		}
		return &ConnectionError{
			Msg: fmt.Sprintf("status changed to %s while %s", c.status, from),
			Err: ErrInvalidState,
		}
	}

	if identity != nil {
		c.identity = identity
	}
	c.setStatusLocked(to)
	return nil
}

func (c *Client) failConnect(ctx context.Context, transport ClientTransport, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		var cancelled *CancelledError
		if !errors.As(err, &cancelled) {
			err = &CancelledError{Err: ctxErr}
		}
		c.logger.Info("connection attempt cancelled", "server", c.config.Name)
	} else {
		c.logger.Error("connection or handshake failed", "server", c.config.Name, "err", err)
	}

	c.handleConnectionFailure(err)

	if transport != nil {
		if cErr := transport.Close(); cErr != nil {
			c.logger.Debug("failed to close transport of failed attempt", "server", c.config.Name, "err", cErr)
		}
	}

	return err
}

func (c *Client) handshake(ctx context.Context, transport ClientTransport) (*ServerIdentity, error) {
	params := initializeParams{
		ProtocolVersion: c.protocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	}

	result, err := c.call(ctx, MethodInitialize, params, StatusHandshaking)
	if err != nil {
		var reqErr *RequestError
		if errors.As(err, &reqErr) {
			return nil, &InitializeError{Err: reqErr}
		}
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(result, &fields); err != nil || fields == nil {
		return nil, &ConnectionError{Msg: "invalid initialize result", Err: err}
	}

	var version string
	if raw, ok := fields["protocolVersion"]; ok {
		if err := json.Unmarshal(raw, &version); err != nil {
			version = ""
		}
	}
	if version == "" {
		return nil, &ConnectionError{Msg: "invalid protocol version"}
	}
	if version != c.protocolVersion {
		c.logger.Warn("server uses a different protocol version",
			"server", c.config.Name, "preferred", c.protocolVersion, "negotiated", version)
	}

	var res initializeResult
	if err := json.Unmarshal(result, &res); err != nil {
		return nil, &ConnectionError{Msg: "invalid initialize result", Err: err}
	}

	c.logger.Debug("sending initialized notification", "server", c.config.Name)
	if err := c.sendNotification(ctx, transport, methodNotificationsInitialized, nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "server", c.config.Name, "err", err)
	}

	return &ServerIdentity{
		Name:            res.ServerInfo.Name,
		Version:         res.ServerInfo.Version,
		ProtocolVersion: version,
		Capabilities:    res.Capabilities,
		Instructions:    res.Instructions,
	}, nil
}

// handleConnectionFailure rejects every pending request with err and moves the client to StatusError.
// It does nothing to a client that is closing or closed.
func (c *Client) handleConnectionFailure(err error) {
	c.mu.Lock()
	switch c.status {
	case StatusClosing, StatusClosed:
		c.mu.Unlock()
		return
	case StatusError:
		c.mu.Unlock()
		c.correlator.failAll(err)
		return
	}
	c.setStatusLocked(StatusError)
	c.identity = nil
	c.lastErr = err
	c.mu.Unlock()

	if n := c.correlator.failAll(err); n > 0 {
		c.logger.Debug("rejected pending requests", "server", c.config.Name, "count", n)
	}

	c.dispatcher.deliver(ConnectionFailed{
		EventSource: EventSource{ServerName: c.config.Name},
		Err:         err,
	})
}

func (c *Client) transportEvents(generation uint64) TransportEvents {
	return TransportEvents{
		OnMessage: func(msg Message) {
			if transport, ok := c.currentTransport(generation); ok {
				c.handleMessage(transport, msg)
			}
		},
		OnError: func(err error) {
			if _, ok := c.currentTransport(generation); ok {
				c.handleTransportError(err)
			}
		},
		OnClose: func(reason string) {
			if _, ok := c.currentTransport(generation); ok {
				c.handleTransportClose(reason)
			}
		},
		OnStderr: func(text string) {
			c.logger.Warn("server stderr", "server", c.config.Name, "output", text)
		},
	}
}

// currentTransport returns the client's transport if it still belongs to the given attempt.
func (c *Client) currentTransport(generation uint64) (ClientTransport, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generation != generation {
		return nil, false
	}
	return c.transport, true
}

func (c *Client) handleMessage(transport ClientTransport, msg Message) {
	switch msg := msg.(type) {
	case *Response:
		c.correlator.handleResponse(msg)
	case *Notification:
		c.dispatcher.dispatch(msg)
	case *Request:
		// Replying from the read goroutine could block it on a full pipe.
		go c.handleServerRequest(transport, msg)
	}
}

func (c *Client) handleServerRequest(transport ClientTransport, req *Request) {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()

	reply := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      req.ID,
	}

	switch req.Method {
	case MethodPing:
		reply.Result = json.RawMessage("{}")
	default:
		c.logger.Warn("received unsupported request from server", "server", c.config.Name, "method", req.Method)
		reply.Error = &JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "Method not found",
			Data:    map[string]any{"method": req.Method},
		}
	}

	if err := transport.Send(ctx, reply); err != nil {
		c.logger.Error("failed to reply to server request", "server", c.config.Name, "method", req.Method, "err", err)
	}
}

func (c *Client) handleTransportError(err error) {
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		c.logger.Warn("received malformed message", "server", c.config.Name, "err", err, "raw", decodeErr.Raw)
		return
	}

	if status := c.Status(); status == StatusClosing || status == StatusClosed || status == StatusError {
		c.logger.Debug("ignoring transport error in terminal state", "server", c.config.Name, "status", status, "err", err)
		return
	}

	c.logger.Error("transport error", "server", c.config.Name, "err", err)

	if !isProtocolError(err) {
		err = &ConnectionError{Msg: "transport layer error", Err: err}
	}
	c.handleConnectionFailure(err)
}

func (c *Client) handleTransportClose(reason string) {
	if status := c.Status(); status == StatusClosing || status == StatusClosed || status == StatusError {
		c.logger.Debug("ignoring transport close in terminal state", "server", c.config.Name, "status", status)
		return
	}

	msg := fmt.Sprintf("transport closed unexpectedly for '%s'", c.config.Name)
	if reason != "" {
		msg += ". Reason: " + reason
	}
	c.logger.Warn(msg)

	c.handleConnectionFailure(&ConnectionError{Msg: msg})
}

// call registers a request, sends it and waits for its completion. The request is only sent while the
// status is one of allowed.
func (c *Client) call(ctx context.Context, method string, params any, allowed ...ConnectionStatus) (json.RawMessage, error) {
	paramsBs, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	// Registering under the client lock keeps a concurrent failure from missing this request.
	c.mu.Lock()
	if !slices.Contains(allowed, c.status) {
		status := c.status
		c.mu.Unlock()
		return nil, &ConnectionError{Msg: fmt.Sprintf("cannot send %s request while %s", method, status), Err: ErrInvalidState}
	}
	transport := c.transport
	p, err := c.correlator.register(method)
	c.mu.Unlock()
	if err != nil {
		return nil, &ConnectionError{Msg: fmt.Sprintf("failed to register %s request", method), Err: err}
	}

	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	start := time.Now()
	err = transport.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      p.id,
		Method:  method,
		Params:  paramsBs,
	})
	if err != nil {
		err = fmt.Errorf("failed to send %s request: %w", method, err)
		if !c.correlator.cancel(p.id, err) {
			// A connection failure got to it first; its cause is more telling.
			_, err = p.outcome()
		}
		c.metrics.observeRequest(c.config.Name, method, "error", time.Since(start))
		return nil, err
	}

	if err := p.wait(ctx); err != nil {
		if c.correlator.cancel(p.id, fmt.Errorf("%s request abandoned: %w", method, err)) && method != MethodInitialize {
			c.sendCancelled(transport, p.id, err)
		}
	}

	result, err := p.outcome()
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	c.metrics.observeRequest(c.config.Name, method, outcome, time.Since(start))

	return result, err
}

func (c *Client) sendCancelled(transport ClientTransport, id MustString, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()

	reason := userCancelledReason
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = "Request timed out"
	}

	err := c.sendNotification(ctx, transport, methodNotificationsCancelled, notificationsCancelledParams{
		RequestID: id,
		Reason:    reason,
	})
	if err != nil {
		c.logger.Debug("failed to send cancellation", "server", c.config.Name, "id", id, "err", err)
	}
}

func (c *Client) sendNotification(ctx context.Context, transport ClientTransport, method string, params any) error {
	paramsBs, err := marshalParams(params)
	if err != nil {
		return err
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	if err := transport.Send(sCtx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	}); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}

	return nil
}

func (c *Client) setStatusLocked(status ConnectionStatus) {
	if c.status == status {
		return
	}
	c.logger.Debug("connection status changed", "server", c.config.Name, "from", c.status, "to", status)
	c.status = status
	c.metrics.setStatus(c.config.Name, status)
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return paramsBs, nil
}
