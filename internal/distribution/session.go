package distribution

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/zsiec/moqpub/internal/catalog"
	"github.com/zsiec/moqpub/internal/moq"
	"github.com/zsiec/moqpub/internal/transport"
)

// maxRequestID is the request ID quota granted at setup.
const maxRequestID = 100

// streamCancelled resets a group stream that was abandoned mid-group.
const streamCancelled quic.StreamErrorCode = 0x1

// trackSub is one SUBSCRIBE served by a session.
type trackSub struct {
	requestID  uint64
	alias      uint64
	track      string
	priority   byte
	startGroup uint64
	sub        *transport.Subscription
	cancel     context.CancelFunc
}

// session serves one subscriber connection. The control stream is read
// by one goroutine; each subscription delivers its groups in its own.
type session struct {
	id          uint64
	conn        quic.Connection
	cfg         Config
	log         *slog.Logger
	connectedAt time.Time

	control   quic.Stream
	controlMu sync.Mutex

	mu        sync.Mutex
	subs      map[uint64]*trackSub // by request ID
	nextAlias uint64
	wg        sync.WaitGroup

	groups  atomic.Int64
	objects atomic.Int64
	bytes   atomic.Int64
	dropped atomic.Int64
}

func newSession(id uint64, conn quic.Connection, cfg Config, log *slog.Logger) *session {
	return &session{
		id:          id,
		conn:        conn,
		cfg:         cfg,
		log:         log.With("session", id, "remote", conn.RemoteAddr().String()),
		connectedAt: time.Now(),
		subs:        make(map[uint64]*trackSub),
	}
}

// run performs setup and serves control messages until the peer leaves
// or ctx is done. On ctx it sends GOAWAY and gives the peer goAwayGrace
// to close.
func (m *session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	control, err := m.conn.AcceptStream(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("accept control stream: %w", err)
	}
	m.control = control
	reader := bufio.NewReader(control)

	if err := m.handleSetup(reader); err != nil {
		code := closeProtocolViolation
		if errors.Is(err, moq.ErrVersionMismatch) {
			code = closeVersionMismatch
		}
		_ = m.conn.CloseWithError(code, "setup failed")
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- m.readControlLoop(ctx, reader) }()

	select {
	case err = <-errc:
	case <-m.conn.Context().Done():
		err = nil
	case <-ctx.Done():
		err = nil
		if werr := m.writeControl(moq.MsgGoAway, moq.GoAway{}.Append(nil)); werr == nil {
			select {
			case <-m.conn.Context().Done():
			case <-time.After(goAwayGrace):
			}
		}
	}

	cancel()
	m.closeSubscriptions()
	m.wg.Wait()

	code := closeNoError
	if err != nil {
		code = closeInternal
	}
	_ = m.conn.CloseWithError(code, "")
	return err
}

// handleSetup performs the CLIENT_SETUP / SERVER_SETUP exchange.
func (m *session) handleSetup(r io.Reader) error {
	msgType, payload, err := moq.ReadControlMsg(r)
	if err != nil {
		return fmt.Errorf("read CLIENT_SETUP: %w", err)
	}
	if msgType != moq.MsgClientSetup {
		return fmt.Errorf("%w: %#x before CLIENT_SETUP", moq.ErrUnexpectedMessage, msgType)
	}
	cs, err := moq.ParseClientSetup(payload)
	if err != nil {
		return fmt.Errorf("parse CLIENT_SETUP: %w", err)
	}

	versionOK := false
	for _, v := range cs.Versions {
		if v == moq.Version {
			versionOK = true
			break
		}
	}
	if !versionOK {
		return fmt.Errorf("%w (client offered %x)", moq.ErrVersionMismatch, cs.Versions)
	}

	ss := moq.ServerSetup{SelectedVersion: moq.Version, MaxRequestID: maxRequestID}
	if err := m.writeControl(moq.MsgServerSetup, ss.Append(nil)); err != nil {
		return fmt.Errorf("write SERVER_SETUP: %w", err)
	}
	m.log.Debug("setup complete", "path", cs.Path)
	return nil
}

// readControlLoop dispatches control messages until the stream ends.
// A clean end of the control stream is not an error.
func (m *session) readControlLoop(ctx context.Context, r io.Reader) error {
	for {
		msgType, payload, err := moq.ReadControlMsg(r)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read control: %w", err)
		}

		switch msgType {
		case moq.MsgSubscribe:
			sub, err := moq.ParseSubscribe(payload)
			if err != nil {
				return fmt.Errorf("SUBSCRIBE: %w", err)
			}
			m.handleSubscribe(ctx, sub)

		case moq.MsgUnsubscribe:
			unsub, err := moq.ParseUnsubscribe(payload)
			if err != nil {
				return fmt.Errorf("UNSUBSCRIBE: %w", err)
			}
			m.handleUnsubscribe(unsub)

		case moq.MsgMaxRequestID:
			// Quotas for server-initiated requests; the origin makes none.

		case moq.MsgGoAway:
			m.log.Debug("peer sent GOAWAY")

		default:
			m.log.Debug("ignoring control message", "type", msgType)
		}
	}
}

func (m *session) handleSubscribe(ctx context.Context, req moq.Subscribe) {
	if strings.Join(req.Namespace, "/") != m.cfg.Relay.Namespace() {
		m.sendSubscribeError(req.RequestID, moq.CodeTrackNotFound, moq.ErrUnknownNamespace.Error())
		return
	}
	if req.FilterType != moq.FilterNextGroupStart && req.FilterType != moq.FilterLatestObject {
		m.sendSubscribeError(req.RequestID, moq.CodeNotSupported, moq.ErrUnsupportedFilter.Error())
		return
	}
	track, ok := m.cfg.Relay.Track(req.TrackName)
	if !ok {
		m.sendSubscribeError(req.RequestID, moq.CodeTrackNotFound, moq.ErrUnknownTrack.Error())
		return
	}

	subCtx, subCancel := context.WithCancel(ctx)
	ts := &trackSub{
		requestID: req.RequestID,
		track:     req.TrackName,
		priority:  m.priority(req.TrackName),
		sub:       track.Subscribe(m.cfg.QueueSize),
		cancel:    subCancel,
	}

	sok := moq.SubscribeOK{RequestID: req.RequestID, GroupOrder: moq.GroupOrderAscending}
	if latest := track.Latest(); latest != nil {
		sok.ContentExists = true
		sok.Largest = moq.Location{Group: latest.ID, Object: uint64(max(latest.Len()-1, 0))}
		if req.FilterType == moq.FilterNextGroupStart {
			ts.startGroup = latest.ID + 1
		}
	}

	m.mu.Lock()
	if _, dup := m.subs[req.RequestID]; dup {
		m.mu.Unlock()
		subCancel()
		ts.sub.Close()
		m.sendSubscribeError(req.RequestID, moq.CodeInternalError, "duplicate request ID")
		return
	}
	ts.alias = m.nextAlias
	m.nextAlias++
	m.subs[req.RequestID] = ts
	m.wg.Add(1)
	m.mu.Unlock()

	sok.TrackAlias = ts.alias
	m.sendSubscribeOK(sok)

	go func() {
		defer m.wg.Done()
		m.deliver(subCtx, ts)
	}()

	m.log.Debug("track subscribed", "track", ts.track, "alias", ts.alias, "requestID", ts.requestID)
}

func (m *session) priority(track string) byte {
	if track == catalog.TrackName {
		return moq.PriorityCatalog
	}
	if m.cfg.Kind == nil {
		return moq.PriorityOther
	}
	return moq.PublisherPriority(m.cfg.Kind(track))
}

func (m *session) handleUnsubscribe(req moq.Unsubscribe) {
	m.mu.Lock()
	ts, ok := m.subs[req.RequestID]
	delete(m.subs, req.RequestID)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.release(ts)
	m.log.Debug("track unsubscribed", "track", ts.track, "requestID", req.RequestID)
}

func (m *session) closeSubscriptions() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[uint64]*trackSub)
	m.mu.Unlock()
	for _, ts := range subs {
		m.release(ts)
	}
}

func (m *session) release(ts *trackSub) {
	ts.cancel()
	m.dropped.Add(int64(ts.sub.Dropped()))
	ts.sub.Close()
}

// deliver writes the subscription's groups, most important first, one
// unidirectional stream per group.
func (m *session) deliver(ctx context.Context, ts *trackSub) {
	for {
		g, err := ts.sub.Next(ctx)
		if err != nil {
			return
		}
		if g.ID < ts.startGroup {
			continue
		}
		if err := m.writeGroup(ctx, ts, g); err != nil {
			if ctx.Err() == nil {
				m.log.Debug("group write failed", "track", ts.track, "group", g.ID, "error", err)
			}
			return
		}
	}
}

func (m *session) writeGroup(ctx context.Context, ts *trackSub, g *transport.Group) error {
	str, err := m.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	hdr := moq.SubgroupHeader{TrackAlias: ts.alias, GroupID: g.ID, Priority: ts.priority}.Append(nil)
	if _, err := str.Write(hdr); err != nil {
		str.CancelWrite(streamCancelled)
		return fmt.Errorf("write subgroup header: %w", err)
	}
	m.groups.Add(1)
	m.bytes.Add(int64(len(hdr)))

	// A group that outgrew its retention is joined at its oldest
	// retained object; a reader falling behind skips ahead the same way.
	var buf []byte
	for i := g.First(); ; i++ {
		obj, err := g.Object(ctx, i)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, transport.ErrObjectTrimmed) {
			i = g.First() - 1
			continue
		}
		if err != nil {
			str.CancelWrite(streamCancelled)
			return err
		}
		buf = moq.AppendObject(buf[:0], uint64(i), obj)
		if _, err := str.Write(buf); err != nil {
			str.CancelWrite(streamCancelled)
			return fmt.Errorf("write object %d: %w", i, err)
		}
		m.objects.Add(1)
		m.bytes.Add(int64(len(buf)))
	}
	return str.Close()
}

func (m *session) writeControl(msgType uint64, payload []byte) error {
	m.controlMu.Lock()
	defer m.controlMu.Unlock()
	return moq.WriteControlMsg(m.control, msgType, payload)
}

func (m *session) sendSubscribeOK(sok moq.SubscribeOK) {
	if err := m.writeControl(moq.MsgSubscribeOK, sok.Append(nil)); err != nil {
		m.log.Warn("write SUBSCRIBE_OK failed", "error", err)
	}
}

func (m *session) sendSubscribeError(requestID, code uint64, reason string) {
	se := moq.SubscribeError{RequestID: requestID, ErrorCode: code, ReasonPhrase: reason}
	if err := m.writeControl(moq.MsgSubscribeError, se.Append(nil)); err != nil {
		m.log.Warn("write SUBSCRIBE_ERROR failed", "error", err)
	}
}

func (m *session) stats() SessionStats {
	m.mu.Lock()
	n := len(m.subs)
	dropped := 0
	for _, ts := range m.subs {
		dropped += ts.sub.Dropped()
	}
	m.mu.Unlock()
	return SessionStats{
		ID:            m.id,
		RemoteAddr:    m.conn.RemoteAddr().String(),
		ConnectedAt:   m.connectedAt,
		Subscriptions: n,
		Groups:        m.groups.Load(),
		Objects:       m.objects.Load(),
		Bytes:         m.bytes.Load(),
		Dropped:       dropped + int(m.dropped.Load()),
	}
}
