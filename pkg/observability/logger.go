package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Logger emits structured events to an underlying sink.
type Logger interface {
	Log(context.Context, Event) error
}

// LoggerFunc adapts a function into a Logger.
type LoggerFunc func(context.Context, Event) error

// Log implements Logger.
func (f LoggerFunc) Log(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// JSONLogger writes each event as a single JSON object on its own line.
type JSONLogger struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	now    func() time.Time
}

// NewJSONLogger builds a JSONLogger writing to the provided io.Writer.
func NewJSONLogger(w io.Writer) *JSONLogger {
	return &JSONLogger{w: w, now: time.Now}
}

// OpenJSONLogFile truncates (or creates) path and returns a logger writing to it.
// The caller owns the returned logger and must Close it.
func OpenJSONLogFile(path string) (*JSONLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &JSONLogger{w: f, closer: f, now: time.Now}, nil
}

// Log implements Logger by emitting a JSON representation of the event.
func (l *JSONLogger) Log(_ context.Context, event Event) error {
	if l == nil || l.w == nil {
		return fmt.Errorf("json logger is not configured")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := l.w.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	return nil
}

// Close releases the underlying file when the logger owns one.
func (l *JSONLogger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.closer.Close()
	l.closer = nil
	l.w = nil
	return err
}

// MultiLogger fans an event out to every logger, joining their errors.
type MultiLogger []Logger

// Log implements Logger.
func (m MultiLogger) Log(ctx context.Context, event Event) error {
	var errs []error
	for _, l := range m {
		if l == nil {
			continue
		}
		if err := l.Log(ctx, event.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Logger = (*JSONLogger)(nil)
var _ Logger = MultiLogger(nil)
