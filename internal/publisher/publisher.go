// Package publisher turns per-representation fragmented MP4 byte streams
// into prioritized transport groups and keeps the broadcast catalog
// current.
//
// Each representation is an independent lane: bytes are pushed with
// [Publisher.Publish], cut into boxes, and dispatched in order. A
// keyframe fragment on a video track starts a new group whose priority
// falls with media time. The first moov of a representation creates its
// track and republishes the whole catalog on the ".catalog" track.
package publisher

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/moqpub/internal/bmff"
	"github.com/zsiec/moqpub/internal/catalog"
	"github.com/zsiec/moqpub/internal/transport"
)

// Alternate groups in the catalog: all video representations are
// alternates of each other, as are all audio representations.
const (
	altGroupVideo = 1
	altGroupAudio = 2
)

// Config carries the externally supplied metadata the media itself
// does not encode, plus expectations the media is checked against.
type Config struct {
	Namespace     string
	Label         string
	Framerate     int
	AudioBitrate  uint64            // bits per second, used when esds has none
	AudioLanguage string            // BCP 47, empty to omit
	Bitrates      map[string]uint64 // per representation, bits per second

	// AudioSampleRate, when set, must match every audio sample entry.
	AudioSampleRate int
	// Sizes, when set for a representation, must match its video sample
	// entry.
	Sizes map[string]Size
}

// Size is a video frame size in pixels.
type Size struct {
	Width  int
	Height int
}

// State is the lifecycle of one representation.
type State string

const (
	StateAwaitingInit State = "awaiting-init"
	StateReady        State = "ready"
	StateClosed       State = "closed"
	StateFailed       State = "failed"
)

// Status is a point-in-time view of a representation.
type Status struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	Kind      string    `json:"kind,omitempty"`
	Codec     string    `json:"codec,omitempty"`
	Bytes     uint64    `json:"bytes"`
	Boxes     uint64    `json:"boxes"`
	Groups    uint64    `json:"groups"`
	Objects   uint64    `json:"objects"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type counters struct {
	bytes   atomic.Uint64
	boxes   atomic.Uint64
	groups  atomic.Uint64
	objects atomic.Uint64
}

// representation is owned by its lane. Only status is read elsewhere.
type representation struct {
	id     string
	reader bmff.Reader
	ftyp   []byte
	init   *bmff.Init
	track  *trackPublisher

	// pending holds the last prft until the next mdat carries it.
	pending []byte
	failed  error
	stats   counters

	mu      sync.Mutex
	state   State
	kind    string
	codec   string
	errText string
	updated time.Time
}

func (r *representation) setState(s State, codec string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
	if codec != "" {
		r.codec = codec
	}
	if err != nil {
		r.errText = err.Error()
	}
	r.updated = time.Now()
}

func (r *representation) status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		ID:        r.id,
		State:     r.state,
		Kind:      r.kind,
		Codec:     r.codec,
		Bytes:     r.stats.bytes.Load(),
		Boxes:     r.stats.boxes.Load(),
		Groups:    r.stats.groups.Load(),
		Objects:   r.stats.objects.Load(),
		Error:     r.errText,
		UpdatedAt: r.updated,
	}
}

// Publisher owns the representation arena and the catalog.
type Publisher struct {
	cfg          Config
	broadcast    transport.Broadcast
	catalogTrack transport.TrackWriter

	// catalog is the single-writer token for the catalog builder:
	// whoever holds the builder owns the insert, encode and publish
	// sequence.
	catalog chan *catalog.Builder

	mu   sync.Mutex
	reps map[string]*representation
}

// New creates the catalog track on b and returns an idle publisher.
func New(b transport.Broadcast, cfg Config) (*Publisher, error) {
	ct, err := b.CreateTrack(catalog.TrackName)
	if err != nil {
		return nil, fmt.Errorf("publisher: create catalog track: %w", err)
	}
	p := &Publisher{
		cfg:          cfg,
		broadcast:    b,
		catalogTrack: ct,
		catalog:      make(chan *catalog.Builder, 1),
		reps:         make(map[string]*representation),
	}
	p.catalog <- catalog.NewBuilder(catalog.CommonFields{
		Namespace: cfg.Namespace,
		Packaging: catalog.PackagingCMAF,
		Label:     cfg.Label,
		AltGroup:  altGroupVideo,
	})
	return p, nil
}

func (p *Publisher) rep(id string) *representation {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.reps[id]
	if !ok {
		r = &representation{id: id, state: StateAwaitingInit, updated: time.Now()}
		p.reps[id] = r
	}
	return r
}

// Publish appends a chunk of representation id's stream and dispatches
// every box it completes. Chunks may split boxes anywhere.
//
// Calls for different representations may run concurrently; calls for
// one representation must not. ctx is checked between boxes: a call
// cancelled there returns ctx.Err() and the unread bytes stay buffered.
// A box already cut from the stream is never replayed, so cancellation
// while it is being dispatched fails the representation. Fatal errors
// are returned as *Error and are sticky for the representation.
func (p *Publisher) Publish(ctx context.Context, id string, chunk []byte) error {
	r := p.rep(id)
	if r.failed != nil {
		return r.failed
	}
	r.reader.Push(chunk)
	r.stats.bytes.Add(uint64(len(chunk)))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		box, ok, err := r.reader.Next()
		if err != nil {
			return p.fail(r, bmff.Box{Offset: r.reader.Offset()}, err)
		}
		if !ok {
			return nil
		}
		r.stats.boxes.Add(1)
		if err := p.dispatch(ctx, r, box); err != nil {
			return p.fail(r, box, err)
		}
	}
}

func (p *Publisher) fail(r *representation, box bmff.Box, err error) error {
	e := newError(r.id, box, err)
	r.failed = e
	r.setState(StateFailed, "", e)
	return e
}

func (p *Publisher) dispatch(ctx context.Context, r *representation, box bmff.Box) error {
	switch box.Type {
	case bmff.TypeFtyp:
		if r.ftyp != nil {
			return fmt.Errorf("%w: multiple ftyp", ErrDuplicateInit)
		}
		r.ftyp = box.Raw

	case bmff.TypeMoov:
		if r.init != nil {
			return fmt.Errorf("%w: multiple moov", ErrDuplicateInit)
		}
		if r.ftyp == nil {
			return ErrMissingTypeBox
		}
		return p.setup(ctx, r, box)

	case bmff.TypeMoof:
		if r.track == nil {
			return fmt.Errorf("%w: moof before moov", ErrMissingTrack)
		}
		frag, err := r.init.DecodeFragment(box)
		if err != nil {
			return err
		}
		if frag.TrackID != r.init.Track.ID {
			return fmt.Errorf("%w: fragment for track %d, init describes track %d",
				ErrMissingTrack, frag.TrackID, r.init.Track.ID)
		}
		return r.track.fragment(ctx, box.Raw, frag)

	case bmff.TypeMdat:
		if r.track == nil {
			return fmt.Errorf("%w: mdat before moov", ErrMissingTrack)
		}
		payload := box.Raw
		if r.pending != nil {
			payload = make([]byte, 0, len(box.Raw)+len(r.pending))
			payload = append(payload, box.Raw...)
			payload = append(payload, r.pending...)
			r.pending = nil
		}
		return r.track.data(ctx, payload)

	case bmff.TypePrft:
		r.pending = box.Raw
	}
	return nil
}

// setup runs on a representation's first moov: it derives the catalog
// descriptor, creates the transport track and republishes the catalog.
func (p *Publisher) setup(ctx context.Context, r *representation, box bmff.Box) error {
	init, err := bmff.DecodeInit(box)
	if err != nil {
		return err
	}
	entry, err := init.SampleEntry()
	if err != nil {
		return err
	}

	initData := make([]byte, 0, len(r.ftyp)+len(box.Raw))
	initData = append(initData, r.ftyp...)
	initData = append(initData, box.Raw...)

	desc, err := p.describe(r.id, init.Track, entry, initData)
	if err != nil {
		return err
	}

	tw, err := p.broadcast.CreateTrack(r.id)
	if err != nil {
		return fmt.Errorf("create track: %w", err)
	}
	if err := p.publishCatalog(ctx, desc); err != nil {
		return err
	}

	// The track only accepts fragments once the catalog announces it.
	r.init = init
	r.track = newTrackPublisher(tw, init.Track, &r.stats)
	r.mu.Lock()
	r.kind = entry.Kind
	r.mu.Unlock()
	r.setState(StateReady, entry.Codec, nil)
	return nil
}

func (p *Publisher) describe(id string, info bmff.TrackInfo, entry bmff.SampleEntry, initData []byte) (catalog.Track, error) {
	switch {
	case info.Handler == bmff.HandlerVideo && entry.Kind != bmff.KindVideo,
		info.Handler == bmff.HandlerAudio && entry.Kind != bmff.KindAudio:
		return catalog.Track{}, fmt.Errorf("%w: %s sample entry in %q track", bmff.ErrMalformedBox, entry.Kind, info.Handler)
	}

	t := catalog.Track{
		Name:      id,
		Namespace: p.cfg.Namespace,
		Packaging: catalog.PackagingCMAF,
		Label:     p.cfg.Label,
	}
	t.SetInitData(initData)
	params := &t.SelectionParams
	params.Codec = entry.Codec

	switch entry.Kind {
	case bmff.KindVideo:
		if want, ok := p.cfg.Sizes[id]; ok && (want.Width != int(entry.Width) || want.Height != int(entry.Height)) {
			return catalog.Track{}, fmt.Errorf("%w: sample entry is %dx%d, configured %dx%d",
				ErrConfigMismatch, entry.Width, entry.Height, want.Width, want.Height)
		}
		t.AltGroup = altGroupVideo
		params.Width = int(entry.Width)
		params.Height = int(entry.Height)
		params.Framerate = p.cfg.Framerate
		params.Bitrate = p.cfg.Bitrates[id]
		if err := params.SetMimeType("video/mp4"); err != nil {
			return catalog.Track{}, err
		}
	case bmff.KindAudio:
		if want := p.cfg.AudioSampleRate; want > 0 && int(entry.SampleRate) != want {
			return catalog.Track{}, fmt.Errorf("%w: sample rate %d, configured %d",
				ErrConfigMismatch, entry.SampleRate, want)
		}
		t.AltGroup = altGroupAudio
		params.SampleRate = int(entry.SampleRate)
		if entry.Channels > 0 {
			params.ChannelConfig = strconv.Itoa(int(entry.Channels))
		}
		params.Bitrate = uint64(entry.Bitrate)
		if params.Bitrate == 0 {
			params.Bitrate = p.cfg.AudioBitrate
		}
		if err := params.SetMimeType("audio/mp4"); err != nil {
			return catalog.Track{}, err
		}
		if p.cfg.AudioLanguage != "" {
			if err := params.SetLanguage(p.cfg.AudioLanguage); err != nil {
				return catalog.Track{}, err
			}
		}
	}
	return t, nil
}

// publishCatalog inserts t and writes the whole catalog as object 0 of
// a new group on the catalog track, holding the catalog token
// throughout.
func (p *Publisher) publishCatalog(ctx context.Context, t catalog.Track) error {
	var b *catalog.Builder
	select {
	case b = <-p.catalog:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { p.catalog <- b }()

	if err := b.Insert(t); err != nil {
		return err
	}
	data, err := b.Encode()
	if err != nil {
		return err
	}
	g, err := p.catalogTrack.AppendGroup(0)
	if err != nil {
		return fmt.Errorf("append catalog group: %w", err)
	}
	if err := g.Write(ctx, data); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}
	return nil
}

// Catalog returns a snapshot of the current catalog.
func (p *Publisher) Catalog(ctx context.Context) (catalog.Catalog, error) {
	select {
	case b := <-p.catalog:
		snap := b.Snapshot()
		p.catalog <- b
		return snap, nil
	case <-ctx.Done():
		return catalog.Catalog{}, ctx.Err()
	}
}

// Close signals the end of representation id's stream and must be
// called from the same lane as Publish. The open group is released to
// the transport; the representation stays registered so a restarted
// stream is rejected as a duplicate init.
func (p *Publisher) Close(id string) {
	p.mu.Lock()
	r, ok := p.reps[id]
	p.mu.Unlock()
	if !ok {
		return
	}
	if r.track != nil {
		r.track.endGroup()
	}
	if r.failed == nil {
		r.setState(StateClosed, "", nil)
	}
}

// Kind reports the media kind of representation id once its init
// segment has been processed, or "" otherwise.
func (p *Publisher) Kind(id string) string {
	p.mu.Lock()
	r, ok := p.reps[id]
	p.mu.Unlock()
	if !ok {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kind
}

// Status reports every known representation.
func (p *Publisher) Status() []Status {
	p.mu.Lock()
	reps := make([]*representation, 0, len(p.reps))
	for _, r := range p.reps {
		reps = append(reps, r)
	}
	p.mu.Unlock()

	out := make([]Status, 0, len(reps))
	for _, r := range reps {
		out = append(out, r.status())
	}
	return out
}
