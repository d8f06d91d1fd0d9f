package publisher

import (
	"context"
	"fmt"

	"github.com/zsiec/moqpub/internal/bmff"
	"github.com/zsiec/moqpub/internal/transport"
)

// trackPublisher maps fragments of one representation onto groups of
// its transport track. At most one group is open at a time.
type trackPublisher struct {
	track     transport.TrackWriter
	timescale uint32
	video     bool
	group     transport.GroupWriter
	stats     *counters
}

func newTrackPublisher(track transport.TrackWriter, info bmff.TrackInfo, stats *counters) *trackPublisher {
	return &trackPublisher{
		track:     track,
		timescale: info.Timescale,
		video:     info.IsVideo(),
		stats:     stats,
	}
}

// fragment handles a moof. A video keyframe closes the open group first
// so the keyframe's header starts the next one.
func (t *trackPublisher) fragment(ctx context.Context, raw []byte, frag bmff.Fragment) error {
	if frag.Keyframe && t.video {
		t.endGroup()
	}
	return t.header(ctx, raw, frag)
}

// header appends a moof, opening a group at the fragment's priority if
// none is open.
func (t *trackPublisher) header(ctx context.Context, raw []byte, frag bmff.Fragment) error {
	if t.group == nil {
		priority, err := Priority(frag.DecodeTime, t.timescale)
		if err != nil {
			return err
		}
		g, err := t.track.AppendGroup(priority)
		if err != nil {
			return fmt.Errorf("append group: %w", err)
		}
		t.group = g
		t.stats.groups.Add(1)
	}
	// Audio fragments and video keyframes decode on their own, so a late
	// subscriber can start at their header.
	if j, ok := t.group.(transport.JoinPointMarker); ok && (!t.video || frag.Keyframe) {
		j.MarkJoinPoint()
	}
	return t.write(ctx, raw)
}

// data appends an mdat (and any prft riding with it) to the open group.
func (t *trackPublisher) data(ctx context.Context, raw []byte) error {
	if t.group == nil {
		return ErrNoOpenGroup
	}
	return t.write(ctx, raw)
}

// endGroup drops the open group. The transport finishes it on its own.
func (t *trackPublisher) endGroup() {
	t.group = nil
}

func (t *trackPublisher) write(ctx context.Context, raw []byte) error {
	if err := t.group.Write(ctx, raw); err != nil {
		return fmt.Errorf("write object: %w", err)
	}
	t.stats.objects.Add(1)
	return nil
}
