package queue

import "sync"

// Inflight maps running builds to their containers. An entry leaves the
// map exactly once: through Take when the build finishes, or through
// BeginCancel when an operator cancels it first.
type Inflight struct {
	mu         sync.Mutex
	running    map[int64]string
	cancelling map[int64]chan struct{}
}

// NewInflight returns an empty registry.
func NewInflight() *Inflight {
	return &Inflight{running: map[int64]string{}, cancelling: map[int64]chan struct{}{}}
}

// Put records the container serving buildID.
func (m *Inflight) Put(buildID int64, containerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running[buildID] = containerID
}

// Take removes and returns the entry for buildID.
func (m *Inflight) Take(buildID int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.running[buildID]
	delete(m.running, buildID)
	return id, ok
}

// BeginCancel claims buildID for cancellation. The returned done func must
// be called once the cancellation is recorded; until then Cancelling
// reports a pending channel for the build.
func (m *Inflight) BeginCancel(buildID int64) (string, func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.running[buildID]
	if !ok {
		return "", func() {}, false
	}
	delete(m.running, buildID)
	ch := make(chan struct{})
	m.cancelling[buildID] = ch
	return id, func() {
		m.mu.Lock()
		delete(m.cancelling, buildID)
		m.mu.Unlock()
		close(ch)
	}, true
}

// Cancelling returns a channel closed when a pending cancel of buildID is
// recorded, or nil when none is pending.
func (m *Inflight) Cancelling(buildID int64) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.cancelling[buildID]; ok {
		return ch
	}
	return nil
}

// Len reports the number of running entries.
func (m *Inflight) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}
