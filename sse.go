package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/tmaxmax/go-sse"
)

// SSEClient implements ClientTransport for peers reachable over HTTP. Server-to-client messages arrive
// as Server-Sent Events on a long-lived GET request; client-to-server messages are POSTed to the
// endpoint the server announces in its first "endpoint" event.
//
// Instances should be created using NewSSEClient. An SSEClient serves a single connection.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int

	mu         sync.Mutex
	events     TransportEvents
	messageURL string
	cancel     context.CancelFunc

	connectOnce sync.Once
	connectErr  error

	done      chan struct{}
	closeOnce sync.Once
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

// NewSSEClient creates an SSE client that connects to the specified connectURL. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default HTTP
// client is used.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
		done:       make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of the payload that can be received
// from the server. If the payload size exceeds this limit, the error will be reported and
// the connection closed.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger of the transport.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger
	}
}

// Subscribe implements ClientTransport.
func (s *SSEClient) Subscribe(events TransportEvents) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = events
}

// Connect implements ClientTransport. It opens the event stream and returns once the server announced
// its message endpoint.
func (s *SSEClient) Connect(ctx context.Context) error {
	s.connectOnce.Do(func() {
		s.connectErr = s.start(ctx)
	})
	return s.connectErr
}

// Send transmits a JSON-encoded message to the server through an HTTP POST request.
func (s *SSEClient) Send(ctx context.Context, msg JSONRPCMessage) error {
	if s.isClosed() {
		return &TransportError{Msg: "transport is closed"}
	}

	s.mu.Lock()
	messageURL := s.messageURL
	s.mu.Unlock()
	if messageURL == "" {
		return &TransportError{Msg: "transport is not connected"}
	}

	msgBs, err := EncodeMessage(msg)
	if err != nil {
		return &TransportError{Msg: "failed to encode message", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return &TransportError{Msg: "failed to create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &TransportError{Msg: "failed to write", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return &TransportError{Msg: fmt.Sprintf("failed to write: unexpected status code: %d", resp.StatusCode)}
	}

	return nil
}

// Close implements ClientTransport by terminating the event stream.
func (s *SSEClient) Close() error {
	s.shutdown("")
	return nil
}

func (s *SSEClient) start(ctx context.Context) error {
	if s.isClosed() {
		return &TransportError{Msg: "transport is closed"}
	}

	// The stream outlives ctx; ctx only bounds the time until the endpoint is known.
	streamCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return &TransportError{Msg: "failed to create request", Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransportError{Msg: "failed to connect to SSE server", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return &TransportError{Msg: fmt.Sprintf("unexpected status code: %d", resp.StatusCode)}
	}

	ready := make(chan error, 1)
	go s.listenSSEMessages(resp.Body, ready)

	select {
	case err := <-ready:
		if err != nil {
			cancel()
			return &TransportError{Msg: "failed to receive endpoint", Err: err}
		}
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

func (s *SSEClient) listenSSEMessages(body io.ReadCloser, ready chan<- error) {
	var readyOnce sync.Once
	signal := func(err error) {
		readyOnce.Do(func() { ready <- err })
	}

	defer func() {
		body.Close()
		signal(errors.New("stream ended before endpoint event"))
		s.shutdown("stream ended")
	}()

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxPayloadSize,
		}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !s.isClosed() && !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE message", "err", err)
				s.emitError(&TransportError{Msg: "failed to read", Err: err})
			}
			signal(err)
			return
		}

		switch ev.Type {
		case "endpoint":
			u, err := s.resolveEndpoint(ev.Data)
			if err != nil {
				signal(err)
				return
			}
			s.mu.Lock()
			s.messageURL = u
			s.mu.Unlock()
			signal(nil)
		case "message", "":
			s.mu.Lock()
			messageURL := s.messageURL
			s.mu.Unlock()
			if messageURL == "" {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			msg, err := DecodeMessage([]byte(ev.Data))
			if err != nil {
				s.emitError(err)
				continue
			}
			if events := s.subscribed(); events.OnMessage != nil {
				events.OnMessage(msg)
			}
		default:
			s.logger.Warn("unhandled event type", "type", ev.Type)
		}
	}
}

// resolveEndpoint accepts absolute endpoints as well as paths relative to the connect URL.
func (s *SSEClient) resolveEndpoint(data string) (string, error) {
	if data == "" {
		return "", errors.New("empty endpoint URL")
	}
	base, err := url.Parse(s.connectURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse connect URL: %w", err)
	}
	ref, err := url.Parse(data)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (s *SSEClient) subscribed() TransportEvents {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.events
}

func (s *SSEClient) emitError(err error) {
	if events := s.subscribed(); events.OnError != nil {
		events.OnError(err)
	}
}

func (s *SSEClient) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// shutdown reports OnClose outside the once, as a subscriber may call Close from it.
func (s *SSEClient) shutdown(reason string) {
	var (
		closed bool
		events TransportEvents
	)
	s.closeOnce.Do(func() {
		closed = true
		close(s.done)

		s.mu.Lock()
		cancel := s.cancel
		events = s.events
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
	})

	if closed && events.OnClose != nil {
		events.OnClose(reason)
	}
}
