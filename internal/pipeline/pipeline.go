// Package pipeline runs one lane per representation: each lane reads a
// fragmented MP4 byte stream and feeds it to the publisher in arrival
// order. A Supervisor owns the lanes and their lifecycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/moqpub/internal/stream"
	"github.com/zsiec/moqpub/internal/transport"
)

// chunkSize bounds a single read handed to the publisher.
const chunkSize = 64 * 1024

// ErrDuplicateLane is returned when a representation already has a lane.
var ErrDuplicateLane = errors.New("pipeline: representation already has a lane")

// Publisher is the subset of publisher.Publisher a lane drives. Calls
// for one representation are made from one goroutine.
type Publisher interface {
	Publish(ctx context.Context, id string, chunk []byte) error
	Close(id string)
}

// Pump reads r until EOF and publishes each chunk for representation
// id. record, if non-nil, observes every read. A clean EOF returns nil.
func Pump(ctx context.Context, pub Publisher, id string, r io.Reader, record func(int)) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if record != nil {
				record(n)
			}
			if perr := pub.Publish(ctx, id, buf[:n]); perr != nil {
				return perr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			return fmt.Errorf("read %s: %w", id, err)
		}
	}
}

// Supervisor runs lanes under one errgroup. A lane whose representation
// fails ends alone; only a closed broadcast stops every lane.
type Supervisor struct {
	log   *slog.Logger
	pub   Publisher
	lanes *stream.Manager
	g     *errgroup.Group
	ctx   context.Context
}

// NewSupervisor creates a Supervisor whose lanes stop when ctx is
// cancelled. If log is nil, slog.Default() is used.
func NewSupervisor(ctx context.Context, pub Publisher, lanes *stream.Manager, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	g, gctx := errgroup.WithContext(ctx)
	return &Supervisor{
		log:   log.With("component", "pipeline"),
		pub:   pub,
		lanes: lanes,
		g:     g,
		ctx:   gctx,
	}
}

// Start launches a lane reading input for representation key. input is
// closed when the lane ends, including when Start fails.
func (s *Supervisor) Start(key, source string, input io.ReadCloser) error {
	lane, ok := s.lanes.Create(key, source)
	if !ok {
		input.Close()
		return fmt.Errorf("%w: %s", ErrDuplicateLane, key)
	}
	s.g.Go(func() error {
		return s.run(s.ctx, lane, input)
	})
	return nil
}

// Wait blocks until every lane has ended and returns the error that
// stopped the supervisor, if any.
func (s *Supervisor) Wait() error {
	return s.g.Wait()
}

func (s *Supervisor) run(ctx context.Context, lane *stream.Lane, input io.ReadCloser) error {
	// Unblock a read waiting on a source that never ends by itself.
	stop := context.AfterFunc(ctx, func() { input.Close() })
	defer stop()
	defer input.Close()

	s.log.Debug("lane started", "representation", lane.Key, "source", lane.Source)
	err := Pump(ctx, s.pub, lane.Key, input, lane.Add)
	s.pub.Close(lane.Key)

	switch {
	case err == nil:
		s.lanes.Finish(lane.Key, nil)
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.lanes.Finish(lane.Key, nil)
		return nil
	case errors.Is(err, transport.ErrClosed):
		s.lanes.Finish(lane.Key, err)
		return err
	default:
		// The representation is dropped; the broadcast continues.
		s.lanes.Finish(lane.Key, err)
		return nil
	}
}
