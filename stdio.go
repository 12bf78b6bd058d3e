package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// StdIO implements ClientTransport over an already established reader/writer pair carrying
// newline-delimited JSON-RPC messages, such as the two ends of a pipe or a network connection.
// CommandTransport uses the same framing over the pipes of a spawned process.
//
// Instances must be created with NewStdIO. Close closes the reader and writer when they implement
// io.Closer.
type StdIO struct {
	reader io.Reader
	writer io.Writer
	line   *lineTransport

	connectOnce sync.Once
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

// lineTransport holds what every line-delimited transport shares: framing of inbound bytes, the write
// queue, the first-line signal and the close-once bookkeeping.
type lineTransport struct {
	logger         *slog.Logger
	startupTimeout time.Duration

	mu     sync.Mutex
	events TransportEvents
	buffer lineBuffer

	writeMessages chan lineMessage
	firstLine     chan struct{}
	firstLineOnce sync.Once
	firstSend     atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

type lineMessage struct {
	msg  []byte
	errs chan error
}

// lineBuffer accumulates inbound bytes and splits them on newlines. Content after the last newline
// stays buffered until more bytes arrive. A line longer than max is dropped; when the unterminated
// tail grows past max, the rest of that line is discarded up to its newline.
type lineBuffer struct {
	buf        []byte
	max        int
	discarding bool
}

const (
	readChunkSize = 32 * 1024

	defaultMaxLineSize = 16 * 1024 * 1024
	// oversizedPreviewSize bounds the Raw content of the DecodeError reported for an oversized line.
	oversizedPreviewSize = 1024
)

var defaultStartupTimeout = 5 * time.Second

// NewStdIO creates a new StdIO instance configured with the provided reader and writer.
// The instance is initialized with default logging and required internal communication
// channels.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) *StdIO {
	s := &StdIO{
		reader: reader,
		writer: writer,
		line:   newLineTransport(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithStdIOLogger sets the logger of the transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.line.logger = logger
	}
}

// WithStdIOStartupTimeout bounds how long the first Send waits for the peer's first line. Zero
// disables the wait.
func WithStdIOStartupTimeout(timeout time.Duration) StdIOOption {
	return func(s *StdIO) {
		s.line.startupTimeout = timeout
	}
}

// WithStdIOMaxLineSize sets the maximum size of an inbound line. A longer line is reported as a
// *DecodeError wrapping ErrLineTooLong and dropped. Zero removes the limit.
func WithStdIOMaxLineSize(size int) StdIOOption {
	return func(s *StdIO) {
		s.line.buffer.max = size
	}
}

// Subscribe implements ClientTransport.
func (s *StdIO) Subscribe(events TransportEvents) {
	s.line.subscribe(events)
}

// Connect implements ClientTransport by starting the read and write loops. The stream is assumed to be
// open already, so Connect only fails if the transport was closed before.
func (s *StdIO) Connect(context.Context) error {
	if s.line.isClosed() {
		return &TransportError{Msg: "transport is closed"}
	}
	s.connectOnce.Do(func() {
		go s.line.processWriteMessages(s.writer)
		go func() {
			err := s.line.readLoop(s.reader)
			if err != nil && !s.line.isClosed() {
				s.line.emitError(&TransportError{Msg: "failed to read", Err: err})
			}
			_ = s.line.shutdown("stream closed", s.closeIO)
		}()
	})
	return nil
}

// Send implements ClientTransport.
func (s *StdIO) Send(ctx context.Context, msg JSONRPCMessage) error {
	return s.line.send(ctx, msg)
}

// Close implements ClientTransport.
func (s *StdIO) Close() error {
	return s.line.shutdown("", s.closeIO)
}

func (s *StdIO) closeIO() error {
	var errs []error
	if c, ok := s.writer.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := s.reader.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func newLineTransport() *lineTransport {
	return &lineTransport{
		logger:         slog.Default(),
		startupTimeout: defaultStartupTimeout,
		buffer:         lineBuffer{max: defaultMaxLineSize},
		writeMessages:  make(chan lineMessage),
		firstLine:      make(chan struct{}),
		done:           make(chan struct{}),
	}
}

func (l *lineTransport) subscribe(events TransportEvents) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = events
}

func (l *lineTransport) subscribed() TransportEvents {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.events
}

func (l *lineTransport) isClosed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *lineTransport) send(ctx context.Context, msg JSONRPCMessage) error {
	if l.isClosed() {
		return &TransportError{Msg: "transport is closed"}
	}

	msgBs, err := EncodeMessage(msg)
	if err != nil {
		return &TransportError{Msg: "failed to encode message", Err: err}
	}

	ioMsg := lineMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message so writes from concurrent callers never interleave.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return &TransportError{Msg: "transport is closed"}
	case l.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			l.logger.Error("failed to write message", "err", err)
			return &TransportError{Msg: "failed to write", Err: err}
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return &TransportError{Msg: "transport is closed"}
	}

	l.awaitFirstLine(ctx)
	return nil
}

// awaitFirstLine holds the first successful send until the peer produced its first complete line,
// so callers do not race a peer that is still booting. Later sends never wait.
func (l *lineTransport) awaitFirstLine(ctx context.Context) {
	if l.startupTimeout <= 0 || !l.firstSend.CompareAndSwap(false, true) {
		return
	}

	timer := time.NewTimer(l.startupTimeout)
	defer timer.Stop()

	select {
	case <-l.firstLine:
	case <-timer.C:
		l.logger.Debug("peer produced no output after first send", "timeout", l.startupTimeout)
	case <-ctx.Done():
	case <-l.done:
	}
}

func (l *lineTransport) processWriteMessages(w io.Writer) {
	for {
		// Process writing the message queue until the transport is closed.
		var msg lineMessage
		select {
		case <-l.done:
			return
		case msg = <-l.writeMessages:
		}

		_, err := w.Write(msg.msg)

		msg.errs <- err
	}
}

// readLoop feeds r into the line buffer until EOF, which is reported as a nil error.
func (l *lineTransport) readLoop(r io.Reader) error {
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 && !l.isClosed() {
			l.feed(chunk[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if l.isClosed() {
			return nil
		}
	}
}

func (l *lineTransport) feed(chunk []byte) {
	l.mu.Lock()
	lines, oversized := l.buffer.feed(chunk)
	limit := l.buffer.max
	l.mu.Unlock()

	for _, line := range lines {
		l.handleLine(line)
	}
	for _, raw := range oversized {
		l.logger.Warn("dropped oversized line", "limit", limit)
		l.emitError(&DecodeError{Raw: string(raw), Err: fmt.Errorf("%w: limit is %d bytes", ErrLineTooLong, limit)})
	}
}

func (l *lineTransport) handleLine(line []byte) {
	l.firstLineOnce.Do(func() { close(l.firstLine) })

	msg, err := DecodeMessage(line)
	if err != nil {
		l.emitError(err)
		return
	}

	if ev := l.subscribed(); ev.OnMessage != nil {
		ev.OnMessage(msg)
	}
}

func (l *lineTransport) emitError(err error) {
	ev := l.subscribed()
	if ev.OnError == nil {
		l.logger.Error("transport error without subscriber", "err", err)
		return
	}
	ev.OnError(err)
}

// shutdown runs release and reports OnClose exactly once, whichever of Close or the end of the stream
// comes first. OnClose runs after the once has completed, so a subscriber may call Close from it.
func (l *lineTransport) shutdown(reason string, release func() error) error {
	var (
		err    error
		closed bool
		ev     TransportEvents
	)
	l.closeOnce.Do(func() {
		closed = true
		close(l.done)
		if release != nil {
			err = release()
		}

		l.mu.Lock()
		l.buffer.reset()
		ev = l.events
		l.mu.Unlock()
	})

	if closed && ev.OnClose != nil {
		ev.OnClose(reason)
	}
	return err
}

// feed appends chunk and returns the lines it completed. Lines over the limit are returned in
// oversized, cut to a short preview.
func (b *lineBuffer) feed(chunk []byte) (lines, oversized [][]byte) {
	if b.discarding {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			return nil, nil
		}
		b.discarding = false
		chunk = chunk[i+1:]
	}
	b.buf = append(b.buf, chunk...)

	rest := b.buf
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(rest[:i], []byte{'\r'})
		switch {
		case b.max > 0 && len(line) > b.max:
			oversized = append(oversized, preview(line))
		case len(bytes.TrimSpace(line)) > 0:
			lines = append(lines, bytes.Clone(line))
		}
		rest = rest[i+1:]
	}

	if b.max > 0 && len(rest) > b.max {
		oversized = append(oversized, preview(rest))
		b.buf = nil
		b.discarding = true
		return lines, oversized
	}

	if len(rest) < len(b.buf) {
		b.buf = append(b.buf[:0], rest...)
	}
	return lines, oversized
}

func (b *lineBuffer) reset() {
	b.buf = nil
	b.discarding = false
}

func preview(line []byte) []byte {
	return bytes.Clone(line[:min(len(line), oversizedPreviewSize)])
}
