package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// CommandTransport implements ClientTransport by spawning the peer as a child process and exchanging
// newline-delimited messages over its standard input and output. The child's standard error is
// reported line by line through OnStderr and never parsed as protocol traffic.
//
// The process and its pipes belong to the transport from Connect until Close. When the process exits
// on its own, OnClose is reported with the exit status as reason.
type CommandTransport struct {
	command string
	args    []string
	dir     string
	env     map[string]string

	line *lineTransport

	connectOnce sync.Once
	connectErr  error

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	exited chan struct{}
}

// CommandTransportOption represents the options for the CommandTransport.
type CommandTransportOption func(*CommandTransport)

const maxStderrLineSize = 1024 * 1024

// NewCommandTransport creates a transport that runs command with args once Connect is called.
func NewCommandTransport(command string, args []string, options ...CommandTransportOption) *CommandTransport {
	t := &CommandTransport{
		command: command,
		args:    args,
		line:    newLineTransport(),
		exited:  make(chan struct{}),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// WithCommandDir sets the working directory of the child process.
func WithCommandDir(dir string) CommandTransportOption {
	return func(t *CommandTransport) {
		t.dir = dir
	}
}

// WithCommandEnv sets environment variables of the child process on top of the parent's environment.
func WithCommandEnv(env map[string]string) CommandTransportOption {
	return func(t *CommandTransport) {
		t.env = env
	}
}

// WithCommandLogger sets the logger of the transport.
func WithCommandLogger(logger *slog.Logger) CommandTransportOption {
	return func(t *CommandTransport) {
		t.line.logger = logger
	}
}

// WithCommandStartupTimeout bounds how long the first Send waits for the child's first line of output.
// Zero disables the wait.
func WithCommandStartupTimeout(timeout time.Duration) CommandTransportOption {
	return func(t *CommandTransport) {
		t.line.startupTimeout = timeout
	}
}

// WithCommandMaxLineSize sets the maximum size of a line the child writes to stdout. A longer line is
// reported as a *DecodeError wrapping ErrLineTooLong and dropped. Zero removes the limit.
func WithCommandMaxLineSize(size int) CommandTransportOption {
	return func(t *CommandTransport) {
		t.line.buffer.max = size
	}
}

// Subscribe implements ClientTransport.
func (t *CommandTransport) Subscribe(events TransportEvents) {
	t.line.subscribe(events)
}

// Connect implements ClientTransport by starting the child process.
func (t *CommandTransport) Connect(ctx context.Context) error {
	t.connectOnce.Do(func() {
		t.connectErr = t.start(ctx)
	})
	return t.connectErr
}

// Send implements ClientTransport.
func (t *CommandTransport) Send(ctx context.Context, msg JSONRPCMessage) error {
	t.mu.Lock()
	started := t.cmd != nil
	t.mu.Unlock()
	if !started {
		return &TransportError{Msg: "transport is not connected"}
	}
	return t.line.send(ctx, msg)
}

// Close implements ClientTransport. It closes both pipes and kills the process if it is still running.
func (t *CommandTransport) Close() error {
	return t.line.shutdown("", t.release)
}

// Exited is closed once the child process has been reaped.
func (t *CommandTransport) Exited() <-chan struct{} {
	return t.exited
}

func (t *CommandTransport) start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.line.isClosed() {
		return &TransportError{Msg: "transport is closed"}
	}

	cmd := exec.Command(t.command, t.args...)
	cmd.Dir = t.dir
	if len(t.env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range t.env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &TransportError{Msg: "failed to open stdin pipe", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &TransportError{Msg: "failed to open stdout pipe", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &TransportError{Msg: "failed to open stderr pipe", Err: err}
	}

	if err := cmd.Start(); err != nil {
		return &TransportError{Msg: fmt.Sprintf("failed to start process %q", t.command), Err: err}
	}

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdout
	t.stderr = stderr

	t.line.logger.Debug("process started", "command", t.command, "pid", cmd.Process.Pid)

	go t.line.processWriteMessages(stdin)
	go t.supervise()

	return nil
}

// supervise pumps stdout and stderr until both end, reaps the process and reports the close.
func (t *CommandTransport) supervise() {
	var g errgroup.Group
	g.Go(func() error {
		return t.line.readLoop(t.stdout)
	})
	g.Go(func() error {
		return t.pumpStderr()
	})
	readErr := g.Wait()

	waitErr := t.cmd.Wait()
	close(t.exited)

	if readErr != nil && !t.line.isClosed() {
		t.line.emitError(&TransportError{Msg: "failed to read", Err: readErr})
	}

	reason := "process exited"
	if waitErr != nil {
		reason = fmt.Sprintf("process exited: %v", waitErr)
	}
	if err := t.line.shutdown(reason, t.release); err != nil {
		t.line.logger.Debug("failed to release process resources", "err", err)
	}
}

func (t *CommandTransport) pumpStderr() error {
	scanner := bufio.NewScanner(t.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStderrLineSize)

	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		if ev := t.line.subscribed(); ev.OnStderr != nil {
			ev.OnStderr(text)
		}
	}

	err := scanner.Err()
	if err == nil || errors.Is(err, os.ErrClosed) || t.line.isClosed() {
		return nil
	}
	return err
}

func (t *CommandTransport) release() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd == nil {
		return nil
	}

	var errs []error
	if err := t.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
	}
	if err := t.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		errs = append(errs, fmt.Errorf("failed to close stdout: %w", err))
	}
	if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		errs = append(errs, fmt.Errorf("failed to kill process: %w", err))
	}
	return errors.Join(errs...)
}
