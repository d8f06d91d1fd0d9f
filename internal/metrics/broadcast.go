package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zsiec/moqpub/internal/transport"
)

// Broadcast counts the groups, objects and bytes written through a
// transport.Broadcast.
type Broadcast struct {
	next transport.Broadcast
	m    *Metrics
}

// InstrumentBroadcast wraps b so every write is counted in m.
func InstrumentBroadcast(b transport.Broadcast, m *Metrics) *Broadcast {
	return &Broadcast{next: b, m: m}
}

// CreateTrack implements transport.Broadcast.
func (b *Broadcast) CreateTrack(name string) (transport.TrackWriter, error) {
	tw, err := b.next.CreateTrack(name)
	if err != nil {
		b.m.writeErrors.WithLabelValues(name).Inc()
		return nil, err
	}
	return &track{
		next:    tw,
		groups:  b.m.groupsTotal.WithLabelValues(name),
		objects: b.m.objectsTotal.WithLabelValues(name),
		bytes:   b.m.bytesTotal.WithLabelValues(name),
		errors:  b.m.writeErrors.WithLabelValues(name),
	}, nil
}

type track struct {
	next    transport.TrackWriter
	groups  prometheus.Counter
	objects prometheus.Counter
	bytes   prometheus.Counter
	errors  prometheus.Counter
}

func (t *track) AppendGroup(priority uint32) (transport.GroupWriter, error) {
	gw, err := t.next.AppendGroup(priority)
	if err != nil {
		t.errors.Inc()
		return nil, err
	}
	t.groups.Inc()
	return &group{next: gw, t: t}, nil
}

type group struct {
	next transport.GroupWriter
	t    *track
}

func (g *group) Write(ctx context.Context, payload []byte) error {
	if err := g.next.Write(ctx, payload); err != nil {
		g.t.errors.Inc()
		return err
	}
	g.t.objects.Inc()
	g.t.bytes.Add(float64(len(payload)))
	return nil
}

func (g *group) MarkJoinPoint() {
	if j, ok := g.next.(transport.JoinPointMarker); ok {
		j.MarkJoinPoint()
	}
}
