// Package logfile provides an io.Writer that appends to a file partitioned by date, so each day's log
// lands in dir/YYYY-MM/YYYY-MM-DD/name. It is meant to sit under a slog handler.
package logfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Writer appends to the log file of the current day. The file is switched on the first write after
// midnight. A Writer is safe for concurrent use.
type Writer struct {
	dir  string
	name string
	now  func() time.Time

	mu          sync.Mutex
	currentFile *os.File
	currentDate string
}

// Option configures a Writer.
type Option func(*Writer)

// WithClock replaces time.Now as the source of the current date.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) {
		w.now = now
	}
}

// New creates a Writer for files called name under dir. Directories are created on the first write.
func New(dir, name string, options ...Option) *Writer {
	w := &Writer{
		dir:  dir,
		name: name,
		now:  time.Now,
	}
	for _, opt := range options {
		opt(w)
	}
	return w
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	date := w.now().Format(time.DateOnly)
	if w.currentFile == nil || w.currentDate != date {
		if err := w.rotate(date); err != nil {
			return 0, err
		}
	}

	return w.currentFile.Write(p)
}

// Path returns the file the Writer appends to at t.
func (w *Writer) Path(t time.Time) string {
	return w.path(t.Format(time.DateOnly))
}

// Close closes the current file. A later Write opens it again.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return nil
	}
	err := w.currentFile.Close()
	w.currentFile = nil
	return err
}

func (w *Writer) path(date string) string {
	return filepath.Join(w.dir, date[:7], date, w.name)
}

func (w *Writer) rotate(date string) error {
	if w.currentFile != nil {
		_ = w.currentFile.Close()
		w.currentFile = nil
	}

	filename := w.path(date)
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	w.currentFile = file
	w.currentDate = date
	return nil
}
