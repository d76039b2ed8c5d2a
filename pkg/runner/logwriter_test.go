package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu       sync.Mutex
	flushes  []string
	failures int // appends to reject before accepting
	attempts int
}

func (s *recordingSink) AppendBuildLog(_ context.Context, _ int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failures > 0 {
		s.failures--
		return errors.New("database is locked")
	}
	s.flushes = append(s.flushes, text)
	return nil
}

func (s *recordingSink) tries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *recordingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.flushes...)
}

func TestLogWriterBatchesWithinInterval(t *testing.T) {
	sink := &recordingSink{}
	w := NewLogWriter(sink, 1, time.Hour)

	for i := 0; i < 100; i++ {
		fmt.Fprintf(w, "line %d\n", i)
	}
	require.Empty(t, sink.snapshot())

	require.NoError(t, w.Close())
	flushes := sink.snapshot()
	require.Len(t, flushes, 1)
	require.Equal(t, 100, strings.Count(flushes[0], "\n"))
	require.True(t, strings.HasPrefix(flushes[0], "line 0\n"))
}

func TestLogWriterFlushesAfterInterval(t *testing.T) {
	sink := &recordingSink{}
	w := NewLogWriter(sink, 1, 10*time.Millisecond)
	defer w.Close()

	w.Line("hello")
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "hello\n", sink.snapshot()[0])
}

func TestLogWriterDropsAfterClose(t *testing.T) {
	sink := &recordingSink{}
	w := NewLogWriter(sink, 1, time.Hour)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	n, err := w.Write([]byte("late\n"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Empty(t, sink.snapshot())
}

func TestLogWriterKeepsTextAfterFailedFlush(t *testing.T) {
	sink := &recordingSink{failures: 1}
	w := NewLogWriter(sink, 1, 10*time.Millisecond)

	w.Line("first line")
	require.Eventually(t, func() bool { return sink.tries() >= 1 }, time.Second, 5*time.Millisecond)
	w.Line("second line")
	require.NoError(t, w.Close())

	require.Equal(t, "first line\nsecond line\n", strings.Join(sink.snapshot(), ""))
}

func TestLogWriterRetriesOnNextTick(t *testing.T) {
	sink := &recordingSink{failures: 1}
	w := NewLogWriter(sink, 1, 10*time.Millisecond)
	defer w.Close()

	w.Line("only line")
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "only line\n", sink.snapshot()[0])
	require.Equal(t, 2, sink.tries())
}

func TestLogWriterFlushIsSynchronous(t *testing.T) {
	sink := &recordingSink{}
	w := NewLogWriter(sink, 1, time.Hour)
	defer w.Close()

	w.Line("Build timed out after 1s")
	require.NoError(t, w.Flush())
	require.Equal(t, []string{"Build timed out after 1s\n"}, sink.snapshot())

	// nothing pending
	require.NoError(t, w.Flush())
	require.Len(t, sink.snapshot(), 1)
}

func TestLogWriterFlushReportsFailure(t *testing.T) {
	sink := &recordingSink{failures: 1}
	w := NewLogWriter(sink, 1, time.Hour)

	w.Line("kept")
	require.Error(t, w.Flush())
	require.Empty(t, sink.snapshot())
	require.NoError(t, w.Flush())
	require.Equal(t, []string{"kept\n"}, sink.snapshot())
	require.NoError(t, w.Close())
	require.NoError(t, w.Flush())
}
