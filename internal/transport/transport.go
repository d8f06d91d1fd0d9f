// Package transport defines the narrow publishing interface the
// publisher writes to (tracks, prioritized groups, objects) and provides
// [Relay], an in-memory broadcast that fans groups out to subscribers.
package transport

import (
	"context"
	"errors"
)

// Sentinel errors returned by broadcasts, tracks and groups.
var (
	ErrClosed         = errors.New("transport: broadcast closed")
	ErrDuplicateTrack = errors.New("transport: track already exists")
	ErrUnknownTrack   = errors.New("transport: unknown track")
	ErrGroupClosed    = errors.New("transport: group closed")
	ErrObjectTrimmed  = errors.New("transport: object no longer retained")
)

// Broadcast creates the tracks of one published namespace.
type Broadcast interface {
	// CreateTrack fails with ErrClosed once the broadcast is closed.
	CreateTrack(name string) (TrackWriter, error)
}

// TrackWriter opens groups on one track.
type TrackWriter interface {
	// AppendGroup opens a new group with a fixed priority. Larger values
	// are more important.
	AppendGroup(priority uint32) (GroupWriter, error)
}

// GroupWriter appends objects to one group.
type GroupWriter interface {
	// Write appends one object. It may block under backpressure and
	// returns ctx.Err() if ctx ends first. The payload is retained and
	// must not be modified afterwards.
	Write(ctx context.Context, payload []byte) error
}

// JoinPointMarker is implemented by group writers that keep only a
// bounded window of a group's objects. MarkJoinPoint declares that the
// next object written starts a unit a subscriber arriving mid-group can
// begin with; retention is only ever cut at such points.
type JoinPointMarker interface {
	MarkJoinPoint()
}
