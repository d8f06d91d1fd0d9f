package publisher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/moqpub/internal/bmff"
	"github.com/zsiec/moqpub/internal/bmff/bmfftest"
	"github.com/zsiec/moqpub/internal/catalog"
	"github.com/zsiec/moqpub/internal/transport"
)

type event struct {
	kind     string // create, group or write
	track    string
	priority uint32
	data     []byte
}

// recorder is a transport.Broadcast that logs every call in order.
type recorder struct {
	mu       sync.Mutex
	events   []event
	closed   bool
	writeErr error
	// stall makes media writes wait for ctx or for the channel to close.
	stall chan struct{}
}

func (r *recorder) add(e event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) CreateTrack(name string) (transport.TrackWriter, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, transport.ErrClosed
	}
	r.add(event{kind: "create", track: name})
	return &recTrack{rec: r, name: name}, nil
}

type recTrack struct {
	rec  *recorder
	name string
}

func (t *recTrack) AppendGroup(priority uint32) (transport.GroupWriter, error) {
	t.rec.add(event{kind: "group", track: t.name, priority: priority})
	return &recGroup{rec: t.rec, track: t.name, priority: priority}, nil
}

type recGroup struct {
	rec      *recorder
	track    string
	priority uint32
}

func (g *recGroup) Write(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.rec.mu.Lock()
	err, stall := g.rec.writeErr, g.rec.stall
	g.rec.mu.Unlock()
	if err != nil {
		return err
	}
	if stall != nil && g.track != catalog.TrackName {
		select {
		case <-stall:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	g.rec.add(event{kind: "write", track: g.track, priority: g.priority, data: b})
	return nil
}

func (r *recorder) track(name string) []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event
	for _, e := range r.events {
		if e.track == name {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) catalogs(t *testing.T) []*catalog.Catalog {
	t.Helper()
	var out []*catalog.Catalog
	for _, e := range r.track(catalog.TrackName) {
		if e.kind != "write" {
			continue
		}
		c, err := catalog.Decode(e.data)
		if err != nil {
			t.Fatalf("decode catalog: %v", err)
		}
		out = append(out, c)
	}
	return out
}

func newTestPublisher(t *testing.T) (*Publisher, *recorder) {
	t.Helper()
	rec := &recorder{}
	p, err := New(rec, Config{
		Namespace:     "live",
		Label:         "Dash MoQ",
		Framerate:     30,
		AudioBitrate:  128_000,
		AudioLanguage: "en",
		Bitrates:      map[string]uint64{"720p": 2_000_000},
	})
	if err != nil {
		t.Fatal(err)
	}
	return p, rec
}

func publishAll(t *testing.T, p *Publisher, id string, boxes ...[]byte) {
	t.Helper()
	for _, b := range boxes {
		if err := p.Publish(context.Background(), id, b); err != nil {
			t.Fatalf("Publish(%s): %v", id, err)
		}
	}
}

// scenario is a video representation: init, keyframe at 0 with 100
// bytes of media, then a delta fragment at 40ms with 80 bytes.
func scenario() [][]byte {
	return [][]byte{
		bmfftest.Ftyp(),
		bmfftest.VideoMoov(1, 1000, 1280, 720),
		bmfftest.Keyframe(1, 0),
		bmfftest.Mdat(100),
		bmfftest.Delta(2, 40),
		bmfftest.Mdat(80),
	}
}

func checkScenario(t *testing.T, rec *recorder, boxes [][]byte) {
	t.Helper()
	cat := rec.track(catalog.TrackName)
	if len(cat) != 3 || cat[0].kind != "create" || cat[1].kind != "group" || cat[2].kind != "write" {
		t.Fatalf("catalog events = %+v", cat)
	}
	if cat[1].priority != 0 {
		t.Errorf("catalog group priority = %d, want 0", cat[1].priority)
	}

	video := rec.track("720p")
	if len(video) != 6 {
		t.Fatalf("got %d video events, want create + group + 4 writes", len(video))
	}
	if video[0].kind != "create" || video[1].kind != "group" {
		t.Fatalf("video events start with %s, %s", video[0].kind, video[1].kind)
	}
	if video[1].priority != math.MaxUint32 {
		t.Errorf("group priority = %d, want MaxUint32", video[1].priority)
	}
	for i, e := range video[2:] {
		if e.kind != "write" {
			t.Fatalf("event %d is %s, want write", i+2, e.kind)
		}
		if !bytes.Equal(e.data, boxes[i+2]) {
			t.Errorf("write %d differs from box %d", i, i+2)
		}
	}
}

func TestPublish_Scenario(t *testing.T) {
	t.Parallel()
	p, rec := newTestPublisher(t)
	boxes := scenario()
	publishAll(t, p, "720p", bytes.Join(boxes, nil))

	checkScenario(t, rec, boxes)

	// The catalog publish precedes the first media group.
	rec.mu.Lock()
	var order []string
	for _, e := range rec.events {
		order = append(order, e.kind+":"+e.track)
	}
	rec.mu.Unlock()
	want := []string{"create:.catalog", "create:720p", "group:.catalog", "write:.catalog", "group:720p"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("event order = %v, want prefix %v", order, want)
		}
	}
}

func TestPublish_ScenarioByteAtATime(t *testing.T) {
	t.Parallel()
	p, rec := newTestPublisher(t)
	boxes := scenario()
	stream := bytes.Join(boxes, nil)
	for i := range stream {
		if err := p.Publish(context.Background(), "720p", stream[i:i+1]); err != nil {
			t.Fatalf("byte %d: %v", i, err)
		}
	}
	checkScenario(t, rec, boxes)
}

func TestPublish_CatalogDescriptor(t *testing.T) {
	t.Parallel()
	p, rec := newTestPublisher(t)
	ftyp := bmfftest.Ftyp()
	moov := bmfftest.VideoMoov(1, 1000, 1280, 720)
	publishAll(t, p, "720p", ftyp, moov)

	audioMoov := bmfftest.AudioMoov(1, 48000)
	publishAll(t, p, "audio", ftyp, audioMoov)

	cats := rec.catalogs(t)
	if len(cats) != 2 {
		t.Fatalf("got %d catalog publishes, want 2", len(cats))
	}
	if len(cats[0].Tracks) != 1 || len(cats[1].Tracks) != 2 {
		t.Fatalf("catalog sizes = %d, %d; want whole snapshots 1, 2", len(cats[0].Tracks), len(cats[1].Tracks))
	}
	if cats[1].SupportsDeltaUpdates {
		t.Error("delta updates advertised")
	}
	common := cats[1].CommonTrackFields
	if common == nil || common.Namespace != "live" || common.Label != "Dash MoQ" || common.AltGroup != 1 {
		t.Errorf("common fields = %+v", common)
	}

	v, ok := cats[1].Track("720p")
	if !ok {
		t.Fatal("video track missing")
	}
	sp := v.SelectionParams
	if sp.Codec != "avc1.42C01E" || sp.Width != 1280 || sp.Height != 720 ||
		sp.Bitrate != 2_000_000 || sp.Framerate != 30 || sp.MimeType != "video/mp4" {
		t.Errorf("video params = %+v", sp)
	}
	if v.Packaging != catalog.PackagingCMAF || v.Namespace != "live" || v.AltGroup != 1 {
		t.Errorf("video track = %+v", v)
	}
	init, err := v.DecodeInitData()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(init, append(bytes.Clone(ftyp), moov...)) {
		t.Error("video initData is not ftyp+moov")
	}

	a, ok := cats[1].Track("audio")
	if !ok {
		t.Fatal("audio track missing")
	}
	sp = a.SelectionParams
	if sp.Codec != "mp4a.40.2" || sp.SampleRate != 48000 || sp.MimeType != "audio/mp4" || sp.Lang != "en" {
		t.Errorf("audio params = %+v", sp)
	}
	if sp.Bitrate == 0 {
		t.Error("audio bitrate not filled from esds or config")
	}
	if a.AltGroup != 2 {
		t.Errorf("audio altGroup = %d, want 2", a.AltGroup)
	}
	init, err = a.DecodeInitData()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(init, append(bytes.Clone(ftyp), audioMoov...)) {
		t.Error("audio initData is not ftyp+moov")
	}
}

func groups(events []event) []event {
	var out []event
	for _, e := range events {
		if e.kind == "group" {
			out = append(out, e)
		}
	}
	return out
}

func TestPublish_VideoKeyframeStartsGroup(t *testing.T) {
	t.Parallel()
	p, rec := newTestPublisher(t)
	publishAll(t, p, "720p",
		bmfftest.Ftyp(), bmfftest.VideoMoov(1, 1000, 1280, 720),
		bmfftest.Keyframe(1, 0), bmfftest.Mdat(10),
		bmfftest.Delta(2, 40), bmfftest.Mdat(10),
		bmfftest.Keyframe(3, 80), bmfftest.Mdat(10),
		bmfftest.Keyframe(4, 120), bmfftest.Mdat(10),
	)

	g := groups(rec.track("720p"))
	if len(g) != 3 {
		t.Fatalf("got %d groups, want 3", len(g))
	}
	want := []uint32{math.MaxUint32, math.MaxUint32 - 80, math.MaxUint32 - 120}
	for i := range want {
		if g[i].priority != want[i] {
			t.Errorf("group %d priority = %d, want %d", i, g[i].priority, want[i])
		}
	}

	// The keyframe header is the first write of its new group.
	events := rec.track("720p")
	for i, e := range events {
		if e.kind == "group" && i+1 < len(events) {
			if next := events[i+1]; next.kind != "write" || string(next.data[4:8]) != "moof" {
				t.Errorf("group at event %d does not start with a moof", i)
			}
		}
	}
}

func TestPublish_AudioKeyframesNeverSplit(t *testing.T) {
	t.Parallel()
	p, rec := newTestPublisher(t)
	publishAll(t, p, "audio", bmfftest.Ftyp(), bmfftest.AudioMoov(1, 48000))
	for i := range 5 {
		publishAll(t, p, "audio", bmfftest.Keyframe(uint32(i+1), uint64(i)*1024), bmfftest.Mdat(20))
	}

	events := rec.track("audio")
	if g := groups(events); len(g) != 1 {
		t.Fatalf("got %d audio groups, want 1", len(g))
	}
	var writes int
	for _, e := range events {
		if e.kind == "write" {
			writes++
		}
	}
	if writes != 10 {
		t.Errorf("writes = %d, want 10", writes)
	}
}

func TestPublish_RelayRetentionFollowsDecodableFragments(t *testing.T) {
	t.Parallel()
	relay := transport.NewRelay("live", nil)
	relay.SetGroupRetention(6)
	p, err := New(relay, Config{Namespace: "live", AudioBitrate: 128_000})
	if err != nil {
		t.Fatal(err)
	}

	publishAll(t, p, "audio", bmfftest.Ftyp(), bmfftest.AudioMoov(1, 48000))
	publishAll(t, p, "video", bmfftest.Ftyp(), bmfftest.VideoMoov(1, 1000, 640, 360), bmfftest.Keyframe(1, 0), bmfftest.Mdat(10))
	for i := range 300 {
		publishAll(t, p, "audio", bmfftest.Keyframe(uint32(i+1), uint64(i)*1024), bmfftest.Mdat(20))
		publishAll(t, p, "video", bmfftest.Delta(uint32(i+2), uint64(i+1)*33), bmfftest.Mdat(10))
	}

	// The audio group never closes but only its recent fragments stay.
	at, _ := relay.Track("audio")
	ag := at.Latest()
	if ag.Len() != 600 || ag.Retained() > 6 {
		t.Errorf("audio group len %d retained %d, want 600 and at most 6", ag.Len(), ag.Retained())
	}
	obj, err := ag.Object(context.Background(), ag.First())
	if err != nil {
		t.Fatal(err)
	}
	if string(obj[4:8]) != "moof" {
		t.Errorf("retained audio starts with %q, want a moof", obj[4:8])
	}

	// Deltas depend on the keyframe, so the video group is kept whole.
	vt, _ := relay.Track("video")
	vg := vt.Latest()
	if vg.First() != 0 || vg.Retained() != 602 {
		t.Errorf("video group first %d retained %d, want 0 and 602", vg.First(), vg.Retained())
	}
}

func TestPublish_PrftRidesWithNextMdat(t *testing.T) {
	t.Parallel()
	p, rec := newTestPublisher(t)
	prftOld := bmfftest.Prft(1, 1, 0)
	prft := bmfftest.Prft(1, 2, 0)
	mdat1 := bmfftest.Mdat(10)
	mdat2 := bmfftest.Mdat(12)
	publishAll(t, p, "720p",
		bmfftest.Ftyp(), bmfftest.VideoMoov(1, 1000, 1280, 720),
		bmfftest.Keyframe(1, 0), prftOld, prft, mdat1,
		bmfftest.Delta(2, 40), mdat2,
	)

	var writes [][]byte
	for _, e := range rec.track("720p") {
		if e.kind == "write" {
			writes = append(writes, e.data)
		}
	}
	if len(writes) != 4 {
		t.Fatalf("got %d writes, want 4", len(writes))
	}
	if !bytes.Equal(writes[1], append(bytes.Clone(mdat1), prft...)) {
		t.Error("first mdat object is not mdat followed by the latest prft")
	}
	if !bytes.Equal(writes[3], mdat2) {
		t.Error("pending prft was not cleared")
	}
}

func TestPublish_SkipsUnknownBoxes(t *testing.T) {
	t.Parallel()
	p, rec := newTestPublisher(t)
	publishAll(t, p, "720p",
		bmfftest.Ftyp(), bmfftest.Box("free", []byte{1, 2}), bmfftest.VideoMoov(1, 1000, 1280, 720),
		bmfftest.Styp(), bmfftest.Box("sidx", make([]byte, 24)),
		bmfftest.Keyframe(1, 0), bmfftest.Box("emsg"), bmfftest.Mdat(10),
	)
	var writes int
	for _, e := range rec.track("720p") {
		if e.kind == "write" {
			writes++
		}
	}
	if writes != 2 {
		t.Errorf("writes = %d, want 2", writes)
	}
}

func TestPublish_FatalErrors(t *testing.T) {
	t.Parallel()
	ftyp := bmfftest.Ftyp()
	moov := bmfftest.VideoMoov(1, 1000, 1280, 720)

	tests := []struct {
		name    string
		boxes   [][]byte
		wantErr error
		wantBox string
	}{
		{"duplicate ftyp", [][]byte{ftyp, ftyp}, ErrDuplicateInit, "ftyp"},
		{"duplicate moov", [][]byte{ftyp, moov, moov}, ErrDuplicateInit, "moov"},
		{"moov before ftyp", [][]byte{moov}, ErrMissingTypeBox, "moov"},
		{"moof before moov", [][]byte{ftyp, bmfftest.Keyframe(1, 0)}, ErrMissingTrack, "moof"},
		{"mdat before moov", [][]byte{ftyp, bmfftest.Mdat(4)}, ErrMissingTrack, "mdat"},
		{"mdat without header", [][]byte{ftyp, moov, bmfftest.Mdat(4)}, ErrNoOpenGroup, "mdat"},
		{"multi-track moov", [][]byte{ftyp, bmfftest.TwoTrackMoov()}, bmff.ErrMultipleTracks, "moov"},
		{"multi-track fragment", [][]byte{ftyp, moov, bmfftest.Moof(bmfftest.Fragment{Samples: 1, ExtraTrafs: 1})}, bmff.ErrMultipleTracks, "moof"},
		{"unsupported codec", [][]byte{ftyp, bmfftest.OpusMoov(1)}, bmff.ErrUnsupportedCodec, "moov"},
		{"fragment for other track", [][]byte{ftyp, moov, bmfftest.Moof(bmfftest.Fragment{TrackID: 9, Samples: 1})}, ErrMissingTrack, "moof"},
		{"malformed size", [][]byte{ftyp, append(bmfftest.U32(4), "moof"...)}, bmff.ErrMalformedBox, "moof"},
		{"priority overflow", [][]byte{ftyp, moov, bmfftest.Keyframe(1, uint64(math.MaxUint32)*1000)}, ErrPriorityOverflow, "moof"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, _ := newTestPublisher(t)
			var err error
			var offset int64
			for i, b := range tt.boxes {
				if err = p.Publish(context.Background(), "rep", b); err != nil {
					break
				}
				if i < len(tt.boxes)-1 {
					offset += int64(len(b))
				}
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			var pe *Error
			if !errors.As(err, &pe) {
				t.Fatalf("err = %T, want *Error", err)
			}
			if pe.Rep != "rep" || pe.Box != tt.wantBox || pe.Offset != offset {
				t.Errorf("error context = %q/%q/%d, want rep/%s/%d", pe.Rep, pe.Box, pe.Offset, tt.wantBox, offset)
			}

			// Fatal errors are sticky.
			if again := p.Publish(context.Background(), "rep", bmfftest.Mdat(1)); again != err {
				t.Errorf("second Publish = %v, want the original error", again)
			}
		})
	}
}

func TestPublish_ConfigMismatch(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	p, err := New(rec, Config{
		Namespace:       "live",
		AudioSampleRate: 48000,
		Sizes:           map[string]Size{"720p": {Width: 1280, Height: 720}, "1080p": {Width: 1920, Height: 1080}},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Matching media and representations without a configured size pass.
	publishAll(t, p, "720p", bmfftest.Ftyp(), bmfftest.VideoMoov(1, 1000, 1280, 720))
	publishAll(t, p, "360p", bmfftest.Ftyp(), bmfftest.VideoMoov(1, 1000, 640, 360))
	publishAll(t, p, "audio", bmfftest.Ftyp(), bmfftest.AudioMoov(1, 48000))

	tests := []struct {
		id   string
		moov []byte
	}{
		{"1080p", bmfftest.VideoMoov(1, 1000, 1280, 720)},
		{"audio-44k", bmfftest.AudioMoov(1, 44100)},
	}
	for _, tt := range tests {
		err := p.Publish(context.Background(), tt.id, append(bmfftest.Ftyp(), tt.moov...))
		if !errors.Is(err, ErrConfigMismatch) {
			t.Errorf("%s: err = %v, want ErrConfigMismatch", tt.id, err)
		}
		if len(rec.track(tt.id)) != 0 {
			t.Errorf("%s: track created for mismatched media", tt.id)
		}
	}
}

func TestPublish_SecondMoovKeepsState(t *testing.T) {
	t.Parallel()
	p, rec := newTestPublisher(t)
	publishAll(t, p, "720p", bmfftest.Ftyp(), bmfftest.VideoMoov(1, 1000, 1280, 720))
	first := p.rep("720p").init

	err := p.Publish(context.Background(), "720p", bmfftest.VideoMoov(2, 90000, 640, 360))
	if !errors.Is(err, ErrDuplicateInit) {
		t.Fatalf("err = %v, want ErrDuplicateInit", err)
	}
	if p.rep("720p").init != first || first.Track.Timescale != 1000 {
		t.Error("second moov replaced the decoded init")
	}
	if n := len(rec.catalogs(t)); n != 1 {
		t.Errorf("catalog published %d times, want 1", n)
	}
}

func TestPublish_FailureIsScopedToRepresentation(t *testing.T) {
	t.Parallel()
	p, rec := newTestPublisher(t)
	if err := p.Publish(context.Background(), "opus", append(bmfftest.Ftyp(), bmfftest.OpusMoov(1)...)); err == nil {
		t.Fatal("expected unsupported codec error")
	}
	boxes := scenario()
	publishAll(t, p, "720p", bytes.Join(boxes, nil))
	if len(rec.track("720p")) != 6 {
		t.Error("healthy representation affected by another's failure")
	}
	cats := rec.catalogs(t)
	if len(cats) != 1 || len(cats[0].Tracks) != 1 {
		t.Errorf("catalog should describe only the healthy representation")
	}
}

func TestPublish_TransportErrorsPropagate(t *testing.T) {
	t.Parallel()
	p, rec := newTestPublisher(t)
	publishAll(t, p, "720p", bmfftest.Ftyp(), bmfftest.VideoMoov(1, 1000, 1280, 720))

	boom := errors.New("stream reset")
	rec.mu.Lock()
	rec.writeErr = boom
	rec.mu.Unlock()

	err := p.Publish(context.Background(), "720p", bmfftest.Keyframe(1, 0))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped transport error", err)
	}

	rec.mu.Lock()
	rec.closed = true
	rec.mu.Unlock()
	err = p.Publish(context.Background(), "late", append(bmfftest.Ftyp(), bmfftest.VideoMoov(1, 1000, 1280, 720)...))
	if !errors.Is(err, transport.ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestPublish_CancelledContext(t *testing.T) {
	t.Parallel()
	p, rec := newTestPublisher(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stream := bytes.Join(scenario(), nil)
	if err := p.Publish(ctx, "720p", stream); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(rec.track("720p")) != 0 {
		t.Error("boxes dispatched after cancellation")
	}

	// Cancellation is not a representation failure; the buffered bytes
	// are processed on the next call.
	publishAll(t, p, "720p", nil)
	checkScenario(t, rec, scenario())
}

func TestPublish_CancelledDuringSetup(t *testing.T) {
	t.Parallel()
	p, rec := newTestPublisher(t)

	// Another lane holds the catalog while this moov is set up.
	b := <-p.catalog
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Publish(ctx, "720p", append(bmfftest.Ftyp(), bmfftest.VideoMoov(1, 1000, 1280, 720)...))
	p.catalog <- b

	var perr *Error
	if !errors.As(err, &perr) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want *Error wrapping DeadlineExceeded", err)
	}
	if perr.Box != bmff.TypeMoov {
		t.Errorf("error box = %q, want moov", perr.Box)
	}

	// The consumed moov is gone: the representation stays failed rather
	// than accepting fragments for a track the catalog never announced.
	err = p.Publish(context.Background(), "720p", append(bmfftest.Keyframe(1, 0), bmfftest.Mdat(100)...))
	if err != perr {
		t.Errorf("later Publish = %v, want the sticky setup error", err)
	}
	if st := statusOf(t, p, "720p"); st.State != StateFailed {
		t.Errorf("state = %s, want failed", st.State)
	}
	for _, e := range rec.track("720p") {
		if e.kind != "create" {
			t.Errorf("unexpected %s event on an unannounced track", e.kind)
		}
	}
	if len(rec.catalogs(t)) != 0 {
		t.Error("catalog published after cancelled setup")
	}
}

func TestPublish_CancelledMidBox(t *testing.T) {
	t.Parallel()
	p, rec := newTestPublisher(t)
	publishAll(t, p, "720p", bmfftest.Ftyp(), bmfftest.VideoMoov(1, 1000, 1280, 720))

	rec.mu.Lock()
	rec.stall = make(chan struct{})
	rec.mu.Unlock()

	// The keyframe header write is held by the transport until ctx ends.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Publish(ctx, "720p", bmfftest.Keyframe(1, 0))
	var perr *Error
	if !errors.As(err, &perr) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want *Error wrapping DeadlineExceeded", err)
	}
	if perr.Box != bmff.TypeMoof {
		t.Errorf("error box = %q, want moof", perr.Box)
	}

	rec.mu.Lock()
	close(rec.stall)
	rec.stall = nil
	rec.mu.Unlock()

	// The mdat must not land in the group without its header.
	if err := p.Publish(context.Background(), "720p", bmfftest.Mdat(100)); err != perr {
		t.Errorf("later Publish = %v, want the sticky error", err)
	}
	for _, e := range rec.track("720p") {
		if e.kind == "write" {
			t.Errorf("unexpected media write of %d bytes", len(e.data))
		}
	}
}

func statusOf(t *testing.T, p *Publisher, id string) Status {
	t.Helper()
	for _, st := range p.Status() {
		if st.ID == id {
			return st
		}
	}
	t.Fatalf("no status for %q", id)
	return Status{}
}

func TestPublish_ConcurrentLanes(t *testing.T) {
	t.Parallel()
	p, rec := newTestPublisher(t)
	const lanes = 8

	var wg sync.WaitGroup
	errs := make(chan error, lanes)
	for i := range lanes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("rep%d", i)
			for _, b := range scenario() {
				if err := p.Publish(context.Background(), id, b); err != nil {
					errs <- err
					return
				}
			}
			p.Close(id)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	cats := rec.catalogs(t)
	if len(cats) != lanes {
		t.Fatalf("got %d catalog publishes, want %d", len(cats), lanes)
	}
	for i, c := range cats {
		if len(c.Tracks) != i+1 {
			t.Errorf("catalog %d has %d tracks, want %d", i, len(c.Tracks), i+1)
		}
	}
	snap, err := p.Catalog(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Tracks) != lanes {
		t.Errorf("snapshot has %d tracks", len(snap.Tracks))
	}
	for _, st := range p.Status() {
		if st.State != StateClosed || st.Groups != 1 || st.Objects != 4 {
			t.Errorf("status %+v", st)
		}
	}
}

func TestPublish_Status(t *testing.T) {
	t.Parallel()
	p, _ := newTestPublisher(t)
	publishAll(t, p, "720p", bmfftest.Ftyp())
	st := p.Status()
	if len(st) != 1 || st[0].State != StateAwaitingInit || st[0].Boxes != 1 {
		t.Fatalf("status = %+v", st)
	}

	publishAll(t, p, "720p", bmfftest.VideoMoov(1, 1000, 1280, 720))
	st = p.Status()
	if st[0].State != StateReady || st[0].Codec != "avc1.42C01E" || st[0].Kind != "video" {
		t.Errorf("status = %+v", st[0])
	}
	if got := p.Kind("720p"); got != "video" {
		t.Errorf("Kind = %q, want video", got)
	}
	if got := p.Kind("missing"); got != "" {
		t.Errorf("Kind(missing) = %q", got)
	}

	_ = p.Publish(context.Background(), "720p", bmfftest.Mdat(3))
	st = p.Status()
	if st[0].State != StateFailed || st[0].Error == "" {
		t.Errorf("status = %+v", st[0])
	}
	p.Close("720p")
	if p.Status()[0].State != StateFailed {
		t.Error("Close overwrote failed state")
	}
}

func TestNew_ClosedBroadcast(t *testing.T) {
	t.Parallel()
	if _, err := New(&recorder{closed: true}, Config{}); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}
