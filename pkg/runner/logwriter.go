package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LogSink persists build log text.
type LogSink interface {
	AppendBuildLog(ctx context.Context, buildID int64, text string) error
}

// LogWriter buffers one build's log and flushes it to the sink once per
// interval after the first unflushed write. A failed flush keeps the text
// for the next attempt. Close flushes what is left.
type LogWriter struct {
	buildID  int64
	sink     LogSink
	interval time.Duration

	mu      sync.RWMutex
	closed  bool
	in      chan string
	flushes chan chan error
	done    chan struct{}
}

// NewLogWriter starts the writer's flush loop.
func NewLogWriter(sink LogSink, buildID int64, interval time.Duration) *LogWriter {
	if interval <= 0 {
		interval = time.Second
	}
	w := &LogWriter{
		buildID:  buildID,
		sink:     sink,
		interval: interval,
		in:       make(chan string, 256),
		flushes:  make(chan chan error),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w
}

// Write queues p. Writes after Close are dropped.
func (w *LogWriter) Write(p []byte) (int, error) {
	w.send(string(p))
	return len(p), nil
}

// Line queues one formatted line.
func (w *LogWriter) Line(format string, args ...any) {
	s := fmt.Sprintf(format, args...)
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	w.send(s)
}

func (w *LogWriter) send(s string) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed || s == "" {
		return
	}
	w.in <- s
}

// Flush writes everything queued so far to the sink before returning.
func (w *LogWriter) Flush() error {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return nil
	}
	reply := make(chan error, 1)
	w.flushes <- reply
	w.mu.RUnlock()
	return <-reply
}

// Close stops the loop after a final flush.
func (w *LogWriter) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.in)
	}
	w.mu.Unlock()
	<-w.done
	return nil
}

func (w *LogWriter) loop() {
	defer close(w.done)

	var (
		buf   strings.Builder
		timer <-chan time.Time
	)
	// rearm restarts the timer while text is still pending
	rearm := func(err error) {
		timer = nil
		if err != nil && buf.Len() > 0 {
			timer = time.After(w.interval)
		}
	}
	for {
		select {
		case s, ok := <-w.in:
			if !ok {
				if err := w.flush(&buf); err != nil {
					slog.Error("build_log_lost", "build_id", w.buildID, "bytes", buf.Len(), "error", err)
				}
				return
			}
			buf.WriteString(s)
			if timer == nil {
				timer = time.After(w.interval)
			}
		case reply := <-w.flushes:
			w.drain(&buf)
			err := w.flush(&buf)
			rearm(err)
			reply <- err
		case <-timer:
			rearm(w.flush(&buf))
		}
	}
}

// drain moves already queued writes into buf without blocking.
func (w *LogWriter) drain(buf *strings.Builder) {
	for {
		select {
		case s, ok := <-w.in:
			if !ok {
				return
			}
			buf.WriteString(s)
		default:
			return
		}
	}
}

// flush appends buf to the sink and empties it only on success.
func (w *LogWriter) flush(buf *strings.Builder) error {
	if buf.Len() == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.sink.AppendBuildLog(ctx, w.buildID, buf.String()); err != nil {
		slog.Warn("build_log_flush_failed", "build_id", w.buildID, "retained_bytes", buf.Len(), "error", err)
		return err
	}
	buf.Reset()
	return nil
}
