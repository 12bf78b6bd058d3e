package mcp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mcp "github.com/zengliwei/go-mcp-client"
	"github.com/zengliwei/go-mcp-client/internal/mcptest"
)

// syncBuffer collects log output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

func newTestClient(t *testing.T, peer *mcptest.Peer, options ...mcp.ClientOption) *mcp.Client {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	options = append([]mcp.ClientOption{
		mcp.WithTransportFactory(peer.Factory(ctx)),
		mcp.WithLogger(discardLogger),
	}, options...)

	cli := mcp.NewClient(mcp.Info{Name: "test-client", Version: "1.0"}, mcp.ServerConfig{
		Name:    "test-server",
		Command: "unused",
	}, options...)

	t.Cleanup(func() {
		_ = cli.Close()
		cancel()
	})
	return cli
}

func connectTestClient(t *testing.T, peer *mcptest.Peer, options ...mcp.ClientOption) *mcp.Client {
	t.Helper()

	cli := newTestClient(t, peer, options...)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	return cli
}

func waitForStatus(t *testing.T, cli *mcp.Client, want mcp.ConnectionStatus) {
	t.Helper()

	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cli.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for status %s, current status %s", want, cli.Status())
}

func TestClientConnect(t *testing.T) {
	peer := mcptest.NewPeer()
	peer.Instructions = "Use the tools wisely."

	cli := connectTestClient(t, peer)

	if status := cli.Status(); status != mcp.StatusReady {
		t.Fatalf("expected status %s, got %s", mcp.StatusReady, status)
	}

	identity, ok := cli.ServerIdentity()
	if !ok {
		t.Fatal("expected server identity after connect")
	}
	if identity.Name != "mcptest" || identity.Version != "1.0.0" {
		t.Errorf("unexpected server info %s %s", identity.Name, identity.Version)
	}
	if identity.ProtocolVersion != mcp.ProtocolVersion {
		t.Errorf("expected protocol version %s, got %s", mcp.ProtocolVersion, identity.ProtocolVersion)
	}
	if identity.Capabilities.Tools == nil || !identity.Capabilities.Tools.ListChanged {
		t.Errorf("expected tools capability, got %+v", identity.Capabilities)
	}
	if identity.Instructions != "Use the tools wisely." {
		t.Errorf("unexpected instructions %q", identity.Instructions)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	initMsg, err := peer.WaitFor(ctx, mcp.MethodInitialize)
	if err != nil {
		t.Fatal(err)
	}
	var params struct {
		ProtocolVersion string   `json:"protocolVersion"`
		ClientInfo      mcp.Info `json:"clientInfo"`
	}
	if err := json.Unmarshal(initMsg.Params, &params); err != nil {
		t.Fatalf("failed to unmarshal initialize params: %v", err)
	}
	if params.ProtocolVersion != mcp.ProtocolVersion {
		t.Errorf("expected requested version %s, got %s", mcp.ProtocolVersion, params.ProtocolVersion)
	}
	if params.ClientInfo.Name != "test-client" {
		t.Errorf("unexpected client info %+v", params.ClientInfo)
	}

	if _, err := peer.WaitFor(ctx, "notifications/initialized"); err != nil {
		t.Fatal(err)
	}
}

func TestClientProtocolVersion(t *testing.T) {
	type testCase struct {
		name             string
		serverVersion    string
		initializeResult string
		wantStatus       mcp.ConnectionStatus
		wantErr          string
		wantLog          string
	}

	testCases := []testCase{
		{
			name:          "same version",
			serverVersion: mcp.ProtocolVersion,
			wantStatus:    mcp.StatusReady,
		},
		{
			name:          "older version is accepted with a warning",
			serverVersion: "2024-11-05",
			wantStatus:    mcp.StatusReady,
			wantLog:       "server uses a different protocol version",
		},
		{
			name:             "empty version",
			initializeResult: `{"protocolVersion":"","capabilities":{},"serverInfo":{"name":"x","version":"1"}}`,
			wantStatus:       mcp.StatusError,
			wantErr:          "invalid protocol version",
		},
		{
			name:             "version of wrong type",
			initializeResult: `{"protocolVersion":20241105,"capabilities":{}}`,
			wantStatus:       mcp.StatusError,
			wantErr:          "invalid protocol version",
		},
		{
			name:             "result is not an object",
			initializeResult: `["2025-06-18"]`,
			wantStatus:       mcp.StatusError,
			wantErr:          "invalid initialize result",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			peer := mcptest.NewPeer()
			peer.ProtocolVersion = tc.serverVersion
			if tc.initializeResult != "" {
				peer.InitializeResult = json.RawMessage(tc.initializeResult)
			}

			logs := &syncBuffer{}
			cli := newTestClient(t, peer, mcp.WithLogger(slog.New(slog.NewTextHandler(logs, nil))))

			ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
			defer cancel()

			err := cli.Connect(ctx)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			} else {
				var connErr *mcp.ConnectionError
				if !errors.As(err, &connErr) {
					t.Fatalf("expected *mcp.ConnectionError, got %v", err)
				}
				if !strings.Contains(err.Error(), tc.wantErr) {
					t.Errorf("expected error containing %q, got %v", tc.wantErr, err)
				}
			}

			if status := cli.Status(); status != tc.wantStatus {
				t.Errorf("expected status %s, got %s", tc.wantStatus, status)
			}
			if tc.wantStatus == mcp.StatusReady {
				identity, _ := cli.ServerIdentity()
				if identity.ProtocolVersion != tc.serverVersion {
					t.Errorf("expected negotiated version %s, got %s", tc.serverVersion, identity.ProtocolVersion)
				}
			}
			if tc.wantLog != "" && !strings.Contains(logs.String(), tc.wantLog) {
				t.Errorf("expected log containing %q, got:\n%s", tc.wantLog, logs.String())
			}
		})
	}
}

func TestClientInitializeRejected(t *testing.T) {
	peer := mcptest.NewPeer()
	peer.InitializeError = &mcp.JSONRPCError{Code: -32602, Message: "Unsupported protocol version"}

	var events []mcp.Event
	var mu sync.Mutex
	sink := mcp.EventSinkFunc(func(ev mcp.Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
		return nil
	})

	cli := newTestClient(t, peer, mcp.WithEventSink(sink))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	err := cli.Connect(ctx)

	var initErr *mcp.InitializeError
	if !errors.As(err, &initErr) {
		t.Fatalf("expected *mcp.InitializeError, got %v", err)
	}
	if initErr.Err.Code != -32602 || initErr.Err.Message != "Unsupported protocol version" {
		t.Errorf("unexpected peer error %+v", initErr.Err)
	}
	if cli.Status() != mcp.StatusError {
		t.Errorf("expected status %s, got %s", mcp.StatusError, cli.Status())
	}
	if _, ok := cli.ServerIdentity(); ok {
		t.Error("expected no server identity after a failed handshake")
	}
	if !errors.Is(cli.Err(), err) {
		t.Errorf("expected last error %v, got %v", err, cli.Err())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	failed, ok := events[0].(mcp.ConnectionFailed)
	if !ok {
		t.Fatalf("expected mcp.ConnectionFailed, got %T", events[0])
	}
	if failed.Server() != "test-server" || !errors.As(failed.Err, &initErr) {
		t.Errorf("unexpected event %+v", failed)
	}
}

func TestClientConnectIsIdempotent(t *testing.T) {
	peer := mcptest.NewPeer()
	release := make(chan struct{})
	peer.Handle(mcp.MethodInitialize, func(json.RawMessage) (any, error) {
		<-release
		return map[string]any{
			"protocolVersion": mcp.ProtocolVersion,
			"capabilities":    map[string]any{},
			"serverInfo":      mcp.Info{Name: "slow", Version: "1"},
		}, nil
	})

	cli := newTestClient(t, peer)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	const callers = 5

	errs := make(chan error, callers)
	for range callers {
		go func() {
			errs <- cli.Connect(ctx)
		}()
	}

	if _, err := peer.WaitFor(ctx, mcp.MethodInitialize); err != nil {
		t.Fatal(err)
	}
	close(release)

	for range callers {
		if err := <-errs; err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}

	if n := peer.Count(mcp.MethodInitialize); n != 1 {
		t.Errorf("expected one initialize request, got %d", n)
	}

	// Connecting a ready client is a no-op.
	if err := cli.Connect(ctx); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if n := peer.Count(mcp.MethodInitialize); n != 1 {
		t.Errorf("expected one initialize request, got %d", n)
	}
}

func TestClientConnectCancelled(t *testing.T) {
	peer := mcptest.NewPeer()
	peer.Handle(mcp.MethodInitialize, func(json.RawMessage) (any, error) {
		return nil, mcptest.ErrNoReply
	})

	cli := newTestClient(t, peer)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		waitCtx, waitCancel := context.WithTimeout(context.Background(), testTimeout)
		defer waitCancel()
		_, _ = peer.WaitFor(waitCtx, mcp.MethodInitialize)
		cancel()
	}()

	err := cli.Connect(ctx)

	var cancelled *mcp.CancelledError
	if !errors.As(err, &cancelled) {
		t.Fatalf("expected *mcp.CancelledError, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got %v", err)
	}
	if cli.Status() != mcp.StatusError {
		t.Errorf("expected status %s, got %s", mcp.StatusError, cli.Status())
	}
}

func TestClientRequestBeforeConnect(t *testing.T) {
	cli := newTestClient(t, mcptest.NewPeer())

	_, err := cli.Request(context.Background(), mcp.MethodToolsList, nil)

	var connErr *mcp.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *mcp.ConnectionError, got %v", err)
	}
	if !errors.Is(err, mcp.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState in chain, got %v", err)
	}

	if err := cli.Notify(context.Background(), "notifications/roots/list_changed", nil); !errors.Is(err, mcp.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState from notify, got %v", err)
	}
}

func TestClientRequestResult(t *testing.T) {
	peer := mcptest.NewPeer()
	peer.Handle("echo", func(params json.RawMessage) (any, error) {
		return params, nil
	})

	cli := connectTestClient(t, peer)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	result, err := cli.Request(ctx, "echo", map[string]string{"text": "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result) != `{"text":"hello"}` {
		t.Errorf("unexpected result %s", result)
	}
}

func TestClientRequestError(t *testing.T) {
	peer := mcptest.NewPeer()
	peer.Handle(mcp.MethodToolsCall, func(json.RawMessage) (any, error) {
		return nil, &mcp.JSONRPCError{Code: -32602, Message: "Unknown tool", Data: map[string]any{"tool": "nope"}}
	})

	cli := connectTestClient(t, peer)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	_, err := cli.CallTool(ctx, mcp.CallToolParams{Name: "nope"})

	var reqErr *mcp.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected *mcp.RequestError, got %v", err)
	}
	if reqErr.Method != mcp.MethodToolsCall || reqErr.Code != -32602 || reqErr.Message != "Unknown tool" {
		t.Errorf("unexpected request error %+v", reqErr)
	}
	if reqErr.Data["tool"] != "nope" {
		t.Errorf("unexpected error data %v", reqErr.Data)
	}

	// An error response does not affect the connection.
	if cli.Status() != mcp.StatusReady {
		t.Errorf("expected status %s, got %s", mcp.StatusReady, cli.Status())
	}
	if err := cli.Ping(ctx); err != nil {
		t.Errorf("ping failed after error response: %v", err)
	}
}

func TestClientRequestTimeout(t *testing.T) {
	peer := mcptest.NewPeer()
	peer.Handle(mcp.MethodToolsList, func(json.RawMessage) (any, error) {
		return nil, mcptest.ErrNoReply
	})

	cli := connectTestClient(t, peer, mcp.WithRequestTimeout(200*time.Millisecond))

	_, err := cli.ListTools(context.Background(), mcp.ListToolsParams{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	listMsg, err := peer.WaitFor(ctx, mcp.MethodToolsList)
	if err != nil {
		t.Fatal(err)
	}
	cancelMsg, err := peer.WaitFor(ctx, "notifications/cancelled")
	if err != nil {
		t.Fatal(err)
	}

	var params struct {
		RequestID string `json:"requestId"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(cancelMsg.Params, &params); err != nil {
		t.Fatalf("failed to unmarshal cancel params: %v", err)
	}
	if params.RequestID != string(listMsg.ID) {
		t.Errorf("expected cancelled request id %s, got %s", listMsg.ID, params.RequestID)
	}
	if params.Reason != "Request timed out" {
		t.Errorf("unexpected reason %q", params.Reason)
	}

	if cli.Status() != mcp.StatusReady {
		t.Errorf("expected status %s, got %s", mcp.StatusReady, cli.Status())
	}
}

func TestClientRequestCancelledByCaller(t *testing.T) {
	peer := mcptest.NewPeer()
	peer.Handle("slow", func(json.RawMessage) (any, error) {
		return nil, mcptest.ErrNoReply
	})

	cli := connectTestClient(t, peer)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), testTimeout)
	defer waitCancel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_, _ = peer.WaitFor(waitCtx, "slow")
		cancel()
	}()

	_, err := cli.Request(ctx, "slow", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	cancelMsg, err := peer.WaitFor(waitCtx, "notifications/cancelled")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(cancelMsg.Params), "User requested cancellation") {
		t.Errorf("unexpected cancel params %s", cancelMsg.Params)
	}
}

func TestClientConcurrentRequests(t *testing.T) {
	peer := mcptest.NewPeer()
	peer.Handle("echo", func(params json.RawMessage) (any, error) {
		return params, nil
	})

	cli := connectTestClient(t, peer)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	const requests = 25

	var wg sync.WaitGroup
	for i := range requests {
		wg.Add(1)
		go func() {
			defer wg.Done()

			result, err := cli.Request(ctx, "echo", map[string]int{"n": i})
			if err != nil {
				t.Errorf("request %d failed: %v", i, err)
				return
			}
			if want := fmt.Sprintf(`{"n":%d}`, i); string(result) != want {
				t.Errorf("request %d got result %s, want %s", i, result, want)
			}
		}()
	}
	wg.Wait()
}

func TestClientIgnoresUnknownResponse(t *testing.T) {
	peer := mcptest.NewPeer()
	cli := connectTestClient(t, peer)

	if err := peer.WriteLine(`{"jsonrpc":"2.0","id":"does-not-exist","result":{}}`); err != nil {
		t.Fatal(err)
	}
	if err := peer.WriteLine(`{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`); err != nil {
		t.Fatal(err)
	}
	if err := peer.WriteLine("Warning: this is not JSON"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if err := cli.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if cli.Status() != mcp.StatusReady {
		t.Errorf("expected status %s, got %s", mcp.StatusReady, cli.Status())
	}
}

func TestClientAnswersServerRequests(t *testing.T) {
	peer := mcptest.NewPeer()
	connectTestClient(t, peer)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if err := peer.Request("srv-1", mcp.MethodPing); err != nil {
		t.Fatal(err)
	}
	resp, err := peer.WaitForResponse(ctx, "srv-1")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error != nil || string(resp.Result) != "{}" {
		t.Errorf("unexpected ping response %+v", resp)
	}

	if err := peer.Request("srv-2", "roots/list"); err != nil {
		t.Fatal(err)
	}
	resp, err = peer.WaitForResponse(ctx, "srv-2")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Errorf("expected method not found, got %+v", resp)
	}
}

func TestClientTransportClosedWhileReady(t *testing.T) {
	peer := mcptest.NewPeer()
	peer.Handle("slow", func(json.RawMessage) (any, error) {
		return nil, mcptest.ErrNoReply
	})

	failures := make(chan mcp.ConnectionFailed, 1)
	sink := mcp.EventSinkFunc(func(ev mcp.Event) error {
		if failed, ok := ev.(mcp.ConnectionFailed); ok {
			failures <- failed
		}
		return nil
	})

	cli := connectTestClient(t, peer, mcp.WithEventSink(sink))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	errs := make(chan error, 1)
	go func() {
		_, err := cli.Request(ctx, "slow", nil)
		errs <- err
	}()

	if _, err := peer.WaitFor(ctx, "slow"); err != nil {
		t.Fatal(err)
	}
	peer.Hangup()

	err := <-errs
	var connErr *mcp.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *mcp.ConnectionError, got %v", err)
	}
	if !strings.Contains(err.Error(), "closed unexpectedly") {
		t.Errorf("expected error mentioning unexpected closure, got %v", err)
	}

	waitForStatus(t, cli, mcp.StatusError)
	if _, ok := cli.ServerIdentity(); ok {
		t.Error("expected identity to be cleared")
	}

	select {
	case failed := <-failures:
		if !errors.As(failed.Err, &connErr) {
			t.Errorf("unexpected failure event error %v", failed.Err)
		}
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for connection failed event")
	}

	// New requests are refused until the client reconnects.
	if _, err := cli.Request(ctx, mcp.MethodPing, nil); !errors.Is(err, mcp.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}

	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("failed to reconnect: %v", err)
	}
	if err := cli.Ping(ctx); err != nil {
		t.Errorf("ping after reconnect failed: %v", err)
	}
	if n := peer.Count(mcp.MethodInitialize); n != 2 {
		t.Errorf("expected two initialize requests, got %d", n)
	}
}

func TestClientCloseFromFailureSink(t *testing.T) {
	peer := mcptest.NewPeer()

	var cli *mcp.Client
	closed := make(chan error, 1)
	sink := mcp.EventSinkFunc(func(ev mcp.Event) error {
		if _, ok := ev.(mcp.ConnectionFailed); ok {
			closed <- cli.Close()
		}
		return nil
	})

	cli = connectTestClient(t, peer, mcp.WithEventSink(sink))
	peer.Hangup()

	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("close from sink failed: %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatalf("close from sink did not return, status %s", cli.Status())
	}
	waitForStatus(t, cli, mcp.StatusClosed)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("failed to reconnect: %v", err)
	}
	if err := cli.Ping(ctx); err != nil {
		t.Errorf("ping after reconnect failed: %v", err)
	}
}

func TestClientClose(t *testing.T) {
	peer := mcptest.NewPeer()
	peer.Handle("slow", func(json.RawMessage) (any, error) {
		return nil, mcptest.ErrNoReply
	})

	cli := connectTestClient(t, peer)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	errs := make(chan error, 1)
	go func() {
		_, err := cli.Request(ctx, "slow", nil)
		errs <- err
	}()
	if _, err := peer.WaitFor(ctx, "slow"); err != nil {
		t.Fatal(err)
	}

	if err := cli.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
	if status := cli.Status(); status != mcp.StatusClosed {
		t.Errorf("expected status %s, got %s", mcp.StatusClosed, status)
	}

	err := <-errs
	var connErr *mcp.ConnectionError
	if !errors.As(err, &connErr) || !strings.Contains(err.Error(), "client closed") {
		t.Errorf("expected client closed error, got %v", err)
	}

	// Closing again is a no-op, and a closed client can connect again.
	if err := cli.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}
	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("failed to connect after close: %v", err)
	}
	if cli.Status() != mcp.StatusReady {
		t.Errorf("expected status %s, got %s", mcp.StatusReady, cli.Status())
	}
}

func TestClientCloseBeforeConnect(t *testing.T) {
	cli := newTestClient(t, mcptest.NewPeer())

	if err := cli.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status := cli.Status(); status != mcp.StatusDisconnected {
		t.Errorf("expected status %s, got %s", mcp.StatusDisconnected, status)
	}
}

func TestClientCloseDuringHandshake(t *testing.T) {
	peer := mcptest.NewPeer()
	peer.Handle(mcp.MethodInitialize, func(json.RawMessage) (any, error) {
		return nil, mcptest.ErrNoReply
	})

	cli := newTestClient(t, peer)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	errs := make(chan error, 1)
	go func() {
		errs <- cli.Connect(ctx)
	}()

	if _, err := peer.WaitFor(ctx, mcp.MethodInitialize); err != nil {
		t.Fatal(err)
	}
	if err := cli.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	err := <-errs
	if err == nil {
		t.Fatal("expected connect to fail after close")
	}
	if status := cli.Status(); status != mcp.StatusClosed {
		t.Errorf("expected status %s, got %s", mcp.StatusClosed, status)
	}
}

func TestClientTypedRequests(t *testing.T) {
	peer := mcptest.NewPeer()
	peer.Handle(mcp.MethodToolsList, func(json.RawMessage) (any, error) {
		return mcp.ListToolsResult{Tools: []mcp.Tool{{Name: "echo", Description: "Echoes input"}}}, nil
	})
	peer.Handle(mcp.MethodResourcesList, func(json.RawMessage) (any, error) {
		return mcp.ListResourcesResult{Resources: []mcp.Resource{{URI: "file:///a", Name: "a"}}}, nil
	})
	peer.Handle(mcp.MethodResourcesSubscribe, func(params json.RawMessage) (any, error) {
		return struct{}{}, nil
	})
	peer.Handle(mcp.MethodLoggingSetLevel, func(params json.RawMessage) (any, error) {
		return struct{}{}, nil
	})

	cli := connectTestClient(t, peer)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	tools, err := cli.ListTools(ctx, mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}
	if len(tools.Tools) != 1 || tools.Tools[0].Name != "echo" {
		t.Errorf("unexpected tools %+v", tools.Tools)
	}

	resources, err := cli.ListResources(ctx, mcp.ListResourcesParams{})
	if err != nil {
		t.Fatalf("failed to list resources: %v", err)
	}
	if len(resources.Resources) != 1 || resources.Resources[0].URI != "file:///a" {
		t.Errorf("unexpected resources %+v", resources.Resources)
	}

	if err := cli.SubscribeResource(ctx, mcp.SubscribeResourceParams{URI: "file:///a"}); err != nil {
		t.Errorf("failed to subscribe: %v", err)
	}
	if err := cli.SetLogLevel(ctx, mcp.LogLevelWarning); err != nil {
		t.Errorf("failed to set log level: %v", err)
	}

	levelMsg, err := peer.WaitFor(ctx, mcp.MethodLoggingSetLevel)
	if err != nil {
		t.Fatal(err)
	}
	if string(levelMsg.Params) != `{"level":"warning"}` {
		t.Errorf("unexpected setLevel params %s", levelMsg.Params)
	}
}

func TestClientUnsupportedCapability(t *testing.T) {
	peer := mcptest.NewPeer()
	peer.Capabilities = mcp.ServerCapabilities{
		Resources: &mcp.ResourcesCapability{},
	}

	cli := connectTestClient(t, peer)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if _, err := cli.ListTools(ctx, mcp.ListToolsParams{}); !errors.Is(err, mcp.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported for tools, got %v", err)
	}
	if _, err := cli.ListPrompts(ctx, mcp.ListPromptsParams{}); !errors.Is(err, mcp.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported for prompts, got %v", err)
	}
	if err := cli.SubscribeResource(ctx, mcp.SubscribeResourceParams{URI: "file:///a"}); !errors.Is(err, mcp.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported for subscriptions, got %v", err)
	}
	if n := peer.Count(mcp.MethodToolsList); n != 0 {
		t.Errorf("expected no tools/list request, got %d", n)
	}
}

func TestClientCustomIDGenerator(t *testing.T) {
	var (
		mu   sync.Mutex
		next int
	)
	gen := mcp.IDGeneratorFunc(func() string {
		mu.Lock()
		defer mu.Unlock()
		next++
		return fmt.Sprintf("req-%d", next)
	})

	peer := mcptest.NewPeer()
	cli := connectTestClient(t, peer, mcp.WithIDGenerator(gen))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if err := cli.Ping(ctx); err != nil {
		t.Fatal(err)
	}

	initMsg, err := peer.WaitFor(ctx, mcp.MethodInitialize)
	if err != nil {
		t.Fatal(err)
	}
	pingMsg, err := peer.WaitFor(ctx, mcp.MethodPing)
	if err != nil {
		t.Fatal(err)
	}
	if initMsg.ID != "req-1" || pingMsg.ID != "req-2" {
		t.Errorf("unexpected ids %s and %s", initMsg.ID, pingMsg.ID)
	}
}

func TestClientRequestFailsWhenIDsRunOut(t *testing.T) {
	var issued atomic.Int32
	gen := mcp.IDGeneratorFunc(func() string {
		if issued.Add(1) == 1 {
			return "init"
		}
		return ""
	})

	cli := connectTestClient(t, mcptest.NewPeer(), mcp.WithIDGenerator(gen))

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	err := cli.Ping(ctx)
	var connErr *mcp.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *mcp.ConnectionError, got %v", err)
	}
	if status := cli.Status(); status != mcp.StatusReady {
		t.Errorf("expected status %s, got %s", mcp.StatusReady, status)
	}
}
