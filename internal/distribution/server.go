// Package distribution is the MoQ origin: a raw-QUIC server that lets
// subscribers pull tracks of the in-memory relay. Each subscribed group
// is written on its own unidirectional stream. The wire codec lives in
// [github.com/zsiec/moqpub/internal/moq].
package distribution

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/zsiec/moqpub/internal/transport"
)

// ALPN is the protocol identifier for MoQ Transport over raw QUIC.
const ALPN = "moq-00"

// Session close codes.
const (
	closeNoError           quic.ApplicationErrorCode = 0x0
	closeInternal          quic.ApplicationErrorCode = 0x1
	closeProtocolViolation quic.ApplicationErrorCode = 0x3
	closeVersionMismatch   quic.ApplicationErrorCode = 0x15
)

// goAwayGrace is how long a session waits for the peer to leave after
// GOAWAY before the connection is closed.
const goAwayGrace = 2 * time.Second

// Config holds the origin configuration.
type Config struct {
	Addr  string
	TLS   *tls.Config
	Relay *transport.Relay

	// Kind reports the media kind ("video", "audio") of a track and
	// selects its publisher priority. Nil treats every track alike.
	Kind func(track string) string

	// QueueSize bounds undelivered groups per subscription.
	QueueSize int

	Log *slog.Logger
}

// SessionStats is a point-in-time view of one subscriber session.
type SessionStats struct {
	ID            uint64    `json:"id"`
	RemoteAddr    string    `json:"remoteAddr"`
	ConnectedAt   time.Time `json:"connectedAt"`
	Subscriptions int       `json:"subscriptions"`
	Groups        int64     `json:"groups"`
	Objects       int64     `json:"objects"`
	Bytes         int64     `json:"bytes"`
	Dropped       int       `json:"dropped"`
}

// Server accepts MoQ sessions on a QUIC listener.
type Server struct {
	cfg Config
	log *slog.Logger

	nextID   atomic.Uint64
	mu       sync.Mutex
	sessions map[*session]struct{}
}

// NewServer validates cfg and returns an idle server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Relay == nil {
		return nil, errors.New("distribution: Relay is required")
	}
	if cfg.TLS == nil {
		return nil, errors.New("distribution: TLS is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		log:      log.With("component", "origin"),
		sessions: make(map[*session]struct{}),
	}, nil
}

// ListenAndServe listens on cfg.Addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	tlsConf := s.cfg.TLS.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPN}
	}
	ln, err := quic.ListenAddr(s.cfg.Addr, tlsConf, &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("distribution: listen %s: %w", s.cfg.Addr, err)
	}
	s.log.Info("MoQ origin listening", "addr", ln.Addr().String())
	return s.Serve(ctx, ln)
}

// Serve accepts sessions on ln until ctx is done, then sends GOAWAY to
// every session and waits for them to end. It closes ln.
func (s *Server) Serve(ctx context.Context, ln *quic.Listener) error {
	defer ln.Close()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("distribution: accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn quic.Connection) {
	sess := newSession(s.nextID.Add(1), conn, s.cfg, s.log)

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	}()

	sess.log.Info("session started")
	if err := sess.run(ctx); err != nil {
		sess.log.Warn("session ended", "error", err)
		return
	}
	sess.log.Info("session ended")
}

// Sessions reports every connected session ordered by ID.
func (s *Server) Sessions() []SessionStats {
	s.mu.Lock()
	out := make([]SessionStats, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess.stats())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
