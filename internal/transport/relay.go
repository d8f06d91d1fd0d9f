package transport

import (
	"container/heap"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
)

// DefaultQueueSize is the number of undelivered groups a subscription
// holds before it sheds the least important one.
const DefaultQueueSize = 8

// DefaultGroupRetention is the number of objects a group keeps once
// join points let it drop older ones.
const DefaultGroupRetention = 64

// Relay is an in-memory Broadcast. Each track caches its latest group so
// late subscribers start from the most recent group boundary, and each
// subscription delivers queued groups most important first.
type Relay struct {
	log       *slog.Logger
	namespace string

	mu        sync.RWMutex
	tracks    map[string]*Track
	closed    bool
	retention int
}

// NewRelay creates an empty broadcast for namespace. If log is nil,
// slog.Default() is used.
func NewRelay(namespace string, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		log:       log.With("component", "relay", "namespace", namespace),
		namespace: namespace,
		tracks:    make(map[string]*Track),
		retention: DefaultGroupRetention,
	}
}

// SetGroupRetention sets how many objects groups of tracks created from
// now on retain. n <= 0 selects DefaultGroupRetention.
func (r *Relay) SetGroupRetention(n int) {
	if n <= 0 {
		n = DefaultGroupRetention
	}
	r.mu.Lock()
	r.retention = n
	r.mu.Unlock()
}

// Namespace returns the broadcast namespace.
func (r *Relay) Namespace() string {
	return r.namespace
}

// CreateTrack implements Broadcast.
func (r *Relay) CreateTrack(name string) (TrackWriter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.tracks[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTrack, name)
	}
	t := &Track{name: name, retention: r.retention, subs: make(map[*Subscription]struct{})}
	r.tracks[name] = t
	r.log.Debug("track created", "track", name)
	return t, nil
}

// Track returns the named track.
func (r *Relay) Track(name string) (*Track, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tracks[name]
	return t, ok
}

// Tracks returns the names of all tracks in sorted order.
func (r *Relay) Tracks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tracks))
	for name := range r.tracks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close finishes every open group and ends all subscriptions. Further
// CreateTrack and AppendGroup calls fail with ErrClosed.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	tracks := make([]*Track, 0, len(r.tracks))
	for _, t := range r.tracks {
		tracks = append(tracks, t)
	}
	r.mu.Unlock()

	for _, t := range tracks {
		t.close()
	}
	r.log.Info("broadcast closed", "tracks", len(tracks))
}

// Track is one named sequence of groups.
type Track struct {
	name      string
	retention int

	mu     sync.Mutex
	nextID uint64
	latest *Group
	subs   map[*Subscription]struct{}
	closed bool
}

// Name returns the track name.
func (t *Track) Name() string {
	return t.name
}

// AppendGroup implements TrackWriter. Opening a group finishes the
// previous one.
func (t *Track) AppendGroup(priority uint32) (GroupWriter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	g := newGroup(t.nextID, priority)
	g.retention = t.retention
	t.nextID++
	if t.latest != nil {
		t.latest.finish()
	}
	t.latest = g
	for s := range t.subs {
		s.push(g)
	}
	return g, nil
}

// Latest returns the most recently opened group, or nil.
func (t *Track) Latest() *Group {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest
}

// Subscribe starts delivery of groups opened from now on, preceded by
// the latest group. queueSize <= 0 selects DefaultQueueSize.
func (t *Track) Subscribe(queueSize int) *Subscription {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	s := &Subscription{
		track: t,
		limit: queueSize,
		ready: make(chan struct{}, 1),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		s.closed = true
		return s
	}
	if t.latest != nil {
		s.push(t.latest)
	}
	t.subs[s] = struct{}{}
	return s
}

func (t *Track) unsubscribe(s *Subscription) {
	t.mu.Lock()
	delete(t.subs, s)
	t.mu.Unlock()
}

func (t *Track) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	if t.latest != nil {
		t.latest.finish()
	}
	for s := range t.subs {
		s.end()
	}
	clear(t.subs)
}

// Group is an ordered set of objects sharing one priority. It is
// finished when the next group on its track opens or the track closes.
//
// Object indexes are absolute. Once more than the retention limit is
// held, objects before the latest suitable join point are dropped and
// reads of them fail with ErrObjectTrimmed.
type Group struct {
	ID       uint64
	Priority uint32

	retention int

	mu      sync.Mutex
	objects [][]byte // objects[0] has index base
	base    int
	joins   []int // join point indexes above base, ascending
	done    bool
	notify  chan struct{}
}

func newGroup(id uint64, priority uint32) *Group {
	return &Group{ID: id, Priority: priority, retention: DefaultGroupRetention, notify: make(chan struct{})}
}

// Write implements GroupWriter. The in-memory relay never applies
// backpressure; writes fail only on a cancelled ctx or finished group.
func (g *Group) Write(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		return ErrGroupClosed
	}
	g.objects = append(g.objects, payload)
	g.trim()
	g.wake()
	return nil
}

// MarkJoinPoint implements JoinPointMarker.
func (g *Group) MarkJoinPoint() {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := g.base + len(g.objects)
	if next > g.base && (len(g.joins) == 0 || g.joins[len(g.joins)-1] < next) {
		g.joins = append(g.joins, next)
	}
}

// trim drops objects ahead of the earliest join point that leaves at
// most retention objects, or ahead of the latest join point when none
// does. Callers hold g.mu.
func (g *Group) trim() {
	if len(g.objects) <= g.retention || len(g.joins) == 0 {
		return
	}
	end := g.base + len(g.objects)
	k := len(g.joins) - 1
	for i, j := range g.joins {
		if end-j <= g.retention {
			k = i
			break
		}
	}
	cut := g.joins[k]
	n := cut - g.base
	clear(g.objects[:n])
	g.objects = g.objects[n:]
	g.base = cut
	g.joins = g.joins[k+1:]
}

func (g *Group) finish() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.done {
		g.done = true
		g.wake()
	}
}

// wake releases waiters. Callers hold g.mu.
func (g *Group) wake() {
	close(g.notify)
	g.notify = make(chan struct{})
}

// Object returns object i, waiting until it is written. It returns
// io.EOF once the group is finished with fewer than i+1 objects and
// ErrObjectTrimmed when i precedes [Group.First].
func (g *Group) Object(ctx context.Context, i int) ([]byte, error) {
	for {
		g.mu.Lock()
		if i < g.base {
			g.mu.Unlock()
			return nil, ErrObjectTrimmed
		}
		if i-g.base < len(g.objects) {
			obj := g.objects[i-g.base]
			g.mu.Unlock()
			return obj, nil
		}
		if g.done {
			g.mu.Unlock()
			return nil, io.EOF
		}
		ch := g.notify
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

// First returns the index of the oldest retained object.
func (g *Group) First() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.base
}

// Len returns the number of objects written so far, retained or not.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.base + len(g.objects)
}

// Retained returns the number of objects currently held.
func (g *Group) Retained() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.objects)
}

// Done reports whether the group is finished.
func (g *Group) Done() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done
}

// Subscription delivers the groups of one track. When more than its
// queue size are waiting it drops the least important, so earlier media
// is preferred over later media.
type Subscription struct {
	track *Track
	limit int
	ready chan struct{}

	mu      sync.Mutex
	queue   groupQueue
	closed  bool
	dropped int
}

func (s *Subscription) push(g *Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	heap.Push(&s.queue, g)
	if s.queue.Len() > s.limit {
		heap.Remove(&s.queue, s.queue.leastImportant())
		s.dropped++
	}
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *Subscription) end() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// Next returns the most important waiting group. After the track closes
// it drains the queue and then returns ErrClosed.
func (s *Subscription) Next(ctx context.Context) (*Group, error) {
	for {
		s.mu.Lock()
		if s.queue.Len() > 0 {
			g := heap.Pop(&s.queue).(*Group)
			s.mu.Unlock()
			return g, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.ready:
		}
	}
}

// Dropped returns how many groups were shed.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops delivery. Queued groups are discarded.
func (s *Subscription) Close() {
	s.track.unsubscribe(s)
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.signal()
}

// groupQueue is a max-heap on priority, then oldest group first.
type groupQueue []*Group

func (q groupQueue) Len() int { return len(q) }

func (q groupQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].ID < q[j].ID
}

func (q groupQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *groupQueue) Push(x any) { *q = append(*q, x.(*Group)) }

func (q *groupQueue) Pop() any {
	old := *q
	n := len(old)
	g := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return g
}

// leastImportant returns the index of the group Next would return last.
func (q groupQueue) leastImportant() int {
	worst := 0
	for i := 1; i < len(q); i++ {
		if q.Less(worst, i) {
			worst = i
		}
	}
	return worst
}
