// Package mcptest provides a scripted MCP server peer for tests. The peer speaks newline-delimited
// JSON-RPC over any reader/writer pair: in-memory pipes for tests of the client state machine, or the
// standard streams of a helper process for tests of the subprocess transport.
package mcptest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	mcp "github.com/zengliwei/go-mcp-client"
)

// Handler answers one request. Returning a *mcp.JSONRPCError sends it as the error response, returning
// ErrNoReply leaves the request unanswered and any other error becomes an internal error response.
type Handler func(params json.RawMessage) (any, error)

// Peer is a scripted server. Fields must be set before the peer starts serving.
type Peer struct {
	// ProtocolVersion answered to initialize. Empty echoes the version the client asked for.
	ProtocolVersion string
	ServerInfo      mcp.Info
	Capabilities    mcp.ServerCapabilities
	Instructions    string

	// InitializeResult replaces the whole initialize result when set.
	InitializeResult json.RawMessage
	// InitializeError makes initialize fail with this error.
	InitializeError *mcp.JSONRPCError

	// Handlers answer requests by method. Ping is answered without a handler.
	Handlers map[string]Handler

	mu       sync.Mutex
	received []mcp.JSONRPCMessage
	changed  chan struct{}
	writer   io.Writer
	conns    []io.Closer

	writeMu sync.Mutex
}

// ErrNoReply makes a Handler leave its request unanswered.
var ErrNoReply = errors.New("no reply")

// NewPeer creates a peer announcing tools, resources and prompts.
func NewPeer() *Peer {
	return &Peer{
		ServerInfo: mcp.Info{Name: "mcptest", Version: "1.0.0"},
		Capabilities: mcp.ServerCapabilities{
			Tools:     &mcp.ToolsCapability{ListChanged: true},
			Resources: &mcp.ResourcesCapability{Subscribe: true, ListChanged: true},
			Prompts:   &mcp.PromptsCapability{},
			Logging:   &mcp.LoggingCapability{},
		},
		Handlers: make(map[string]Handler),
		changed:  make(chan struct{}),
	}
}

// Handle registers h for method.
func (p *Peer) Handle(method string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Handlers[method] = h
}

// Serve reads messages from r and answers them on w until r ends. Only one Serve should run at a time.
func (p *Peer) Serve(r io.Reader, w io.Writer) error {
	p.mu.Lock()
	p.writer = w
	p.conns = nil
	for _, rw := range []any{r, w} {
		if c, ok := rw.(io.Closer); ok {
			p.conns = append(p.conns, c)
		}
	}
	p.mu.Unlock()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg mcp.JSONRPCMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return fmt.Errorf("failed to unmarshal client message: %w", err)
		}
		p.record(msg)

		if msg.Method == "" || msg.ID == "" {
			continue
		}
		if err := p.answer(msg); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Factory returns a TransportFactory connecting each attempt to p over in-memory pipes. The peer stops
// serving when the client closes its transport or ctx is done.
func (p *Peer) Factory(ctx context.Context) mcp.TransportFactory {
	return func(_ mcp.ServerConfig, logger *slog.Logger) (mcp.ClientTransport, error) {
		clientR, peerW := io.Pipe()
		peerR, clientW := io.Pipe()

		stop := context.AfterFunc(ctx, func() {
			_ = peerR.Close()
			_ = peerW.Close()
		})
		go func() {
			defer stop()
			err := p.Serve(peerR, peerW)
			_ = peerW.CloseWithError(err)
			_ = peerR.Close()
		}()

		return mcp.NewStdIO(clientR, clientW, mcp.WithStdIOLogger(logger)), nil
	}
}

// Notify sends a notification to the client.
func (p *Peer) Notify(method string, params any) error {
	msg := mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: method}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return err
		}
		msg.Params = bs
	}
	return p.write(msg)
}

// Request sends a request to the client. The client's response shows up in Received.
func (p *Peer) Request(id, method string) error {
	return p.write(mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: mcp.MustString(id), Method: method})
}

// WriteLine writes raw text followed by a newline, for content that is not a valid message.
func (p *Peer) WriteLine(line string) error {
	return p.writeRaw([]byte(line + "\n"))
}

// Hangup closes the streams the peer is serving, as if the server went away.
func (p *Peer) Hangup() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Received returns a copy of every message the client sent so far.
func (p *Peer) Received() []mcp.JSONRPCMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]mcp.JSONRPCMessage(nil), p.received...)
}

// WaitFor blocks until the client sent a message with the given method and returns the first one.
func (p *Peer) WaitFor(ctx context.Context, method string) (mcp.JSONRPCMessage, error) {
	return p.waitMatch(ctx, method, func(msg mcp.JSONRPCMessage) bool {
		return msg.Method == method
	})
}

// WaitForResponse blocks until the client answered the request the peer sent with id.
func (p *Peer) WaitForResponse(ctx context.Context, id string) (mcp.JSONRPCMessage, error) {
	return p.waitMatch(ctx, "response "+id, func(msg mcp.JSONRPCMessage) bool {
		return msg.Method == "" && msg.ID == mcp.MustString(id)
	})
}

func (p *Peer) waitMatch(ctx context.Context, what string, match func(mcp.JSONRPCMessage) bool) (mcp.JSONRPCMessage, error) {
	for {
		p.mu.Lock()
		for _, msg := range p.received {
			if match(msg) {
				p.mu.Unlock()
				return msg, nil
			}
		}
		changed := p.changed
		p.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return mcp.JSONRPCMessage{}, fmt.Errorf("waiting for %s: %w", what, ctx.Err())
		}
	}
}

// Count returns how many messages with the given method the client sent.
func (p *Peer) Count(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, msg := range p.received {
		if msg.Method == method {
			n++
		}
	}
	return n
}

func (p *Peer) record(msg mcp.JSONRPCMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.received = append(p.received, msg)
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Peer) answer(req mcp.JSONRPCMessage) error {
	result, err := p.handle(req)
	if errors.Is(err, ErrNoReply) {
		return nil
	}

	resp := mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: req.ID}
	if err != nil {
		var jsonErr *mcp.JSONRPCError
		if !errors.As(err, &jsonErr) {
			jsonErr = &mcp.JSONRPCError{Code: -32603, Message: err.Error()}
		}
		resp.Error = jsonErr
		return p.write(resp)
	}

	switch r := result.(type) {
	case json.RawMessage:
		resp.Result = r
	default:
		bs, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		resp.Result = bs
	}
	return p.write(resp)
}

func (p *Peer) handle(req mcp.JSONRPCMessage) (any, error) {
	p.mu.Lock()
	h, ok := p.Handlers[req.Method]
	p.mu.Unlock()

	switch {
	case ok:
		return h(req.Params)
	case req.Method == mcp.MethodInitialize:
		return p.initialize(req.Params)
	case req.Method == mcp.MethodPing:
		return json.RawMessage("{}"), nil
	default:
		return nil, &mcp.JSONRPCError{Code: -32601, Message: "Method not found"}
	}
}

func (p *Peer) initialize(params json.RawMessage) (any, error) {
	if p.InitializeError != nil {
		return nil, p.InitializeError
	}
	if p.InitializeResult != nil {
		return p.InitializeResult, nil
	}

	var req struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &mcp.JSONRPCError{Code: -32602, Message: "invalid initialize params"}
	}

	version := p.ProtocolVersion
	if version == "" {
		version = req.ProtocolVersion
	}

	return map[string]any{
		"protocolVersion": version,
		"capabilities":    p.Capabilities,
		"serverInfo":      p.ServerInfo,
		"instructions":    p.Instructions,
	}, nil
}

func (p *Peer) write(msg mcp.JSONRPCMessage) error {
	bs, err := mcp.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return p.writeRaw(bs)
}

func (p *Peer) writeRaw(bs []byte) error {
	p.mu.Lock()
	w := p.writer
	p.mu.Unlock()

	if w == nil {
		return errors.New("peer is not serving")
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	_, err := w.Write(bs)
	return err
}
