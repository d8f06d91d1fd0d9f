// Package ingest is the rendezvous between network sources and the
// pipeline. A connected source registers under its representation ID
// and writes into a pipe whose read end is handed to the pipeline.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDuplicate rejects a second source for a connected representation.
var ErrDuplicate = errors.New("ingest: representation already connected")

// Stats captures connection-level metrics for a source.
type Stats struct {
	Key           string `json:"key"`
	Protocol      string `json:"protocol"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr,omitempty"`
}

// Source is one connected ingest. Bytes written to its pipe are read by
// the representation's pipeline lane.
type Source struct {
	Key       string
	Protocol  string
	StartedAt time.Time
	input     *io.PipeReader
	pw        *io.PipeWriter
	done      chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// RecordRead counts one socket read of n bytes.
func (s *Source) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the peer address for diagnostics.
func (s *Source) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Done is closed once the source is unregistered.
func (s *Source) Done() <-chan struct{} {
	return s.done
}

// Stats returns a snapshot of the source's metrics.
func (s *Source) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		Key:           s.Key,
		Protocol:      s.Protocol,
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks connected sources by representation ID and hands each
// new one to onSource.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*Source

	onSource func(key, protocol string, input io.ReadCloser)
}

// NewRegistry creates a Registry. onSource is invoked asynchronously
// for every registered source and must drain or close input.
func NewRegistry(onSource func(key, protocol string, input io.ReadCloser)) *Registry {
	return &Registry{
		sources:  make(map[string]*Source),
		onSource: onSource,
	}
}

// Register connects a source for key and returns the writer the
// receiver copies into. A key that is already connected is rejected.
func (r *Registry) Register(key, protocol string) (*Source, io.Writer, error) {
	pr, pw := io.Pipe()
	src := &Source{
		Key:       key,
		Protocol:  protocol,
		StartedAt: time.Now(),
		input:     pr,
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if _, ok := r.sources[key]; ok {
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrDuplicate, key)
	}
	r.sources[key] = src
	r.mu.Unlock()

	if r.onSource != nil {
		go r.onSource(key, protocol, pr)
	}
	return src, pw, nil
}

// Unregister disconnects key. The reader sees err, or io.EOF when err
// is nil.
func (r *Registry) Unregister(key string, err error) {
	r.mu.Lock()
	src, ok := r.sources[key]
	if ok {
		delete(r.sources, key)
	}
	r.mu.Unlock()

	if ok {
		src.pw.CloseWithError(err)
		close(src.done)
	}
}

// Get returns the source for key.
func (r *Registry) Get(key string) (*Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[key]
	return s, ok
}

// List returns the stats of every connected source ordered by key.
func (r *Registry) List() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s.Stats())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
