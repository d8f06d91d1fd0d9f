package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/moqpub/internal/ingest"
)

// readBufferSize is the buffer for SRT socket reads: ten 1316-byte
// live-mode payloads.
const readBufferSize = 1316 * 10

// latencyNs is the SRT receiver latency in nanoseconds (120ms).
const latencyNs = 120_000_000

// Protocol is the ingest protocol name recorded for SRT sources.
const Protocol = "srt"

// Server accepts SRT publish connections and registers each with the
// ingest registry under the representation its stream ID names.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
}

// NewServer creates an SRT server that listens on addr. If log is nil,
// slog.Default() is used.
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		registry: registry,
	}
}

// Start accepts connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		key, ok := representationID(req.StreamID)
		if !ok {
			return srtgo.RejPeer
		}
		if _, busy := s.registry.Get(key); busy {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		key, _ := representationID(conn.StreamID())
		s.log.Info("publish", "representation", key, "remote", conn.RemoteAddr())
		go s.handleConnection(ctx, conn, key)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, key string) {
	defer conn.Close()

	src, w, err := s.registry.Register(key, Protocol)
	if err != nil {
		s.log.Warn("rejecting publish", "representation", key, "error", err)
		return
	}
	src.SetRemoteAddr(conn.RemoteAddr().String())

	err = copyStream(ctx, conn, w, src.RecordRead)
	if err != nil {
		s.log.Debug("receive ended", "representation", key, "error", err)
	}

	stats := src.Stats()
	s.registry.Unregister(key, err)
	s.log.Info("connection closed", "representation", key,
		"bytes", stats.BytesReceived, "reads", stats.ReadCount,
		"uptime_ms", stats.UptimeMs)
}

// copyStream copies r into w until r ends or ctx is cancelled. A clean
// end of r returns nil.
func copyStream(ctx context.Context, r io.Reader, w io.Writer, record func(int)) error {
	buf := make([]byte, readBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			record(n)
			if _, werr := w.Write(buf[:n]); werr != nil {
				return fmt.Errorf("pipe write: %w", werr)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
	}
}

// representationID extracts the representation from an SRT stream ID.
// Both plain paths ("live/720p") and the access-control syntax
// ("#!::r=720p,m=publish") are accepted.
func representationID(streamID string) (string, bool) {
	if rest, ok := strings.CutPrefix(streamID, "#!::"); ok {
		for _, kv := range strings.Split(rest, ",") {
			if v, ok := strings.CutPrefix(kv, "r="); ok {
				streamID = v
				break
			}
		}
		if streamID == "" || strings.HasPrefix(streamID, "#!::") {
			return "", false
		}
	}
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "", false
	}
	return streamID, true
}
