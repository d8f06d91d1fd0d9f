// Package stream tracks the ingest lanes feeding the publisher: one lane
// per representation, from the moment its source connects until it ends.
package stream

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle of a lane.
type State string

const (
	StateRunning  State = "running"
	StateFinished State = "finished"
	StateFailed   State = "failed"
)

// Lane is one representation's input. Bytes are counted by the reader
// feeding the publisher.
type Lane struct {
	Key       string
	Source    string
	StartedAt time.Time
	done      chan struct{}

	bytes atomic.Int64

	mu      sync.Mutex
	state   State
	err     string
	endedAt time.Time
}

// Info is a point-in-time view of a lane.
type Info struct {
	Key       string    `json:"key"`
	Source    string    `json:"source"`
	State     State     `json:"state"`
	Error     string    `json:"error,omitempty"`
	Bytes     int64     `json:"bytes"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt,omitzero"`
}

// Add records n bytes read from the lane's source.
func (l *Lane) Add(n int) {
	l.bytes.Add(int64(n))
}

// Done is closed when the lane finishes or is removed.
func (l *Lane) Done() <-chan struct{} {
	return l.done
}

// Info returns a snapshot of the lane.
func (l *Lane) Info() Info {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Info{
		Key:       l.Key,
		Source:    l.Source,
		State:     l.state,
		Error:     l.err,
		Bytes:     l.bytes.Load(),
		StartedAt: l.StartedAt,
		EndedAt:   l.endedAt,
	}
}

// end moves a running lane to its final state. It reports whether the
// lane was running.
func (l *Lane) end(err error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateRunning {
		return false
	}
	l.state = StateFinished
	if err != nil {
		l.state = StateFailed
		l.err = err.Error()
	}
	l.endedAt = time.Now()
	close(l.done)
	return true
}

// Manager manages the lifecycle of lanes.
type Manager struct {
	log   *slog.Logger
	mu    sync.RWMutex
	lanes map[string]*Lane
}

// NewManager creates a new lane manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:   log.With("component", "stream-manager"),
		lanes: make(map[string]*Lane),
	}
}

// Create registers a running lane. It returns false if a lane with this
// key exists, running or ended: a representation is published once.
func (m *Manager) Create(key, source string) (*Lane, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.lanes[key]; ok {
		m.log.Warn("lane already exists, rejecting duplicate", "key", key, "source", source)
		return nil, false
	}
	l := &Lane{
		Key:       key,
		Source:    source,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
		state:     StateRunning,
	}
	m.lanes[key] = l
	m.log.Info("lane created", "key", key, "source", source)
	return l, true
}

// Finish ends a lane, failed when err is non-nil. The lane stays
// listed.
func (m *Manager) Finish(key string, err error) {
	m.mu.RLock()
	l, ok := m.lanes[key]
	m.mu.RUnlock()
	if !ok || !l.end(err) {
		return
	}
	if err != nil {
		m.log.Error("lane failed", "key", key, "error", err)
		return
	}
	m.log.Info("lane finished", "key", key, "bytes", l.bytes.Load())
}

// Remove forgets a lane, ending it first if it is still running.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	l, ok := m.lanes[key]
	delete(m.lanes, key)
	m.mu.Unlock()

	if ok {
		l.end(nil)
		m.log.Info("lane removed", "key", key)
	}
}

// Get returns the lane for key.
func (m *Manager) Get(key string) (*Lane, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lanes[key]
	return l, ok
}

// List returns every lane ordered by key.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.lanes))
	for _, l := range m.lanes {
		out = append(out, l.Info())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
