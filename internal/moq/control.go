package moq

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/quic-go/quic-go/quicvarint"
)

// MoQ Transport draft-15 message type IDs.
const (
	MsgSubscribe      uint64 = 0x03
	MsgSubscribeOK    uint64 = 0x04
	MsgSubscribeError uint64 = 0x05
	MsgUnsubscribe    uint64 = 0x0a
	MsgGoAway         uint64 = 0x10
	MsgMaxRequestID   uint64 = 0x15
	MsgClientSetup    uint64 = 0x20
	MsgServerSetup    uint64 = 0x21
)

// Version is draft-15: 0xff000000 + draft number.
const Version uint64 = 0xff00000f

// Setup parameter keys. Odd keys carry byte strings, even keys varints.
const (
	ParamPath         uint64 = 0x01
	ParamMaxRequestID uint64 = 0x02
)

// Subscribe filter types.
const (
	FilterNextGroupStart uint64 = 0x01
	FilterLatestObject   uint64 = 0x02
	FilterAbsoluteStart  uint64 = 0x03
	FilterAbsoluteRange  uint64 = 0x04
)

// Group order values.
const (
	GroupOrderDefault    byte = 0x00
	GroupOrderAscending  byte = 0x01
	GroupOrderDescending byte = 0x02
)

// ClientSetup is the first message on the control stream.
type ClientSetup struct {
	Versions     []uint64
	Path         string
	HasPath      bool
	MaxRequestID uint64
}

// ServerSetup answers a ClientSetup.
type ServerSetup struct {
	SelectedVersion uint64
	MaxRequestID    uint64
}

// Location addresses an object within a track.
type Location struct {
	Group  uint64
	Object uint64
}

// Subscribe requests delivery of a track.
type Subscribe struct {
	RequestID  uint64
	Namespace  []string
	TrackName  string
	Priority   byte
	GroupOrder byte
	Forward    byte
	FilterType uint64
	Start      Location // AbsoluteStart and AbsoluteRange only
	EndGroup   uint64   // AbsoluteRange only
}

// SubscribeOK confirms a subscription.
type SubscribeOK struct {
	RequestID     uint64
	TrackAlias    uint64
	Expires       uint64
	GroupOrder    byte
	ContentExists bool
	Largest       Location // only when ContentExists
}

// SubscribeError rejects a subscription.
type SubscribeError struct {
	RequestID    uint64
	ErrorCode    uint64
	ReasonPhrase string
}

// Unsubscribe cancels a subscription.
type Unsubscribe struct {
	RequestID uint64
}

// MaxRequestID raises the peer's request ID quota.
type MaxRequestID struct {
	RequestID uint64
}

// GoAway announces a graceful shutdown.
type GoAway struct {
	NewSessionURI string
}

// ReadControlMsg reads one control message.
// Wire format: [type (varint)] [length (uint16)] [payload].
func ReadControlMsg(r io.Reader) (uint64, []byte, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		b := bufio.NewReader(r)
		br, r = b, b
	}
	msgType, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read message type: %w", err)
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("read message length: %w", err)
	}
	payload := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read message payload: %w", err)
	}
	return msgType, payload, nil
}

// WriteControlMsg writes a control message in a single Write call so
// concurrent writers guarded by one mutex never interleave.
func WriteControlMsg(w io.Writer, msgType uint64, payload []byte) error {
	if len(payload) > math.MaxUint16 {
		return fmt.Errorf("%w: type %#x, %d bytes", ErrMessageTooLarge, msgType, len(payload))
	}
	buf := make([]byte, 0, quicvarint.Len(msgType)+2+len(payload))
	buf = quicvarint.Append(buf, msgType)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// Append encodes the CLIENT_SETUP payload.
func (cs ClientSetup) Append(buf []byte) []byte {
	buf = quicvarint.Append(buf, uint64(len(cs.Versions)))
	for _, v := range cs.Versions {
		buf = quicvarint.Append(buf, v)
	}
	var n uint64
	if cs.HasPath {
		n++
	}
	if cs.MaxRequestID > 0 {
		n++
	}
	buf = quicvarint.Append(buf, n)
	if cs.HasPath {
		buf = quicvarint.Append(buf, ParamPath)
		buf = appendVarIntBytes(buf, []byte(cs.Path))
	}
	if cs.MaxRequestID > 0 {
		buf = quicvarint.Append(buf, ParamMaxRequestID)
		buf = quicvarint.Append(buf, cs.MaxRequestID)
	}
	return buf
}

// ParseClientSetup parses a CLIENT_SETUP payload.
func ParseClientSetup(data []byte) (ClientSetup, error) {
	r := newBufReader(data)
	var cs ClientSetup

	n, err := r.readVarint()
	if err != nil {
		return cs, &ParseError{Field: "num_versions", Err: err}
	}
	if n > uint64(len(data)) {
		return cs, &ParseError{Field: "num_versions", Err: io.ErrUnexpectedEOF}
	}
	cs.Versions = make([]uint64, n)
	for i := range cs.Versions {
		if cs.Versions[i], err = r.readVarint(); err != nil {
			return cs, &ParseError{Field: "version", Err: err}
		}
	}

	err = r.readParams(func(key uint64, val uint64, b []byte) {
		switch key {
		case ParamPath:
			cs.Path, cs.HasPath = string(b), true
		case ParamMaxRequestID:
			cs.MaxRequestID = val
		}
	})
	return cs, err
}

// Append encodes the SERVER_SETUP payload.
func (ss ServerSetup) Append(buf []byte) []byte {
	buf = quicvarint.Append(buf, ss.SelectedVersion)
	buf = quicvarint.Append(buf, 1)
	buf = quicvarint.Append(buf, ParamMaxRequestID)
	return quicvarint.Append(buf, ss.MaxRequestID)
}

// ParseServerSetup parses a SERVER_SETUP payload.
func ParseServerSetup(data []byte) (ServerSetup, error) {
	r := newBufReader(data)
	var ss ServerSetup
	var err error
	if ss.SelectedVersion, err = r.readVarint(); err != nil {
		return ss, &ParseError{Field: "selected_version", Err: err}
	}
	err = r.readParams(func(key uint64, val uint64, _ []byte) {
		if key == ParamMaxRequestID {
			ss.MaxRequestID = val
		}
	})
	return ss, err
}

// Append encodes the SUBSCRIBE payload with no parameters.
func (s Subscribe) Append(buf []byte) []byte {
	buf = quicvarint.Append(buf, s.RequestID)
	buf = AppendNamespaceTuple(buf, s.Namespace)
	buf = appendVarIntBytes(buf, []byte(s.TrackName))
	buf = append(buf, s.Priority, s.GroupOrder, s.Forward)
	buf = quicvarint.Append(buf, s.FilterType)
	switch s.FilterType {
	case FilterAbsoluteStart:
		buf = s.Start.append(buf)
	case FilterAbsoluteRange:
		buf = s.Start.append(buf)
		buf = quicvarint.Append(buf, s.EndGroup)
	}
	return quicvarint.Append(buf, 0)
}

// ParseSubscribe parses a SUBSCRIBE payload. Parameters are skipped.
func ParseSubscribe(data []byte) (Subscribe, error) {
	r := newBufReader(data)
	var s Subscribe
	var err error

	if s.RequestID, err = r.readVarint(); err != nil {
		return s, &ParseError{Field: "request_id", Err: err}
	}
	if s.Namespace, err = r.readNamespaceTuple(); err != nil {
		return s, &ParseError{Field: "namespace", Err: err}
	}
	name, err := r.readVarIntBytes()
	if err != nil {
		return s, &ParseError{Field: "track_name", Err: err}
	}
	s.TrackName = string(name)
	if s.Priority, err = r.readByte(); err != nil {
		return s, &ParseError{Field: "priority", Err: err}
	}
	if s.GroupOrder, err = r.readByte(); err != nil {
		return s, &ParseError{Field: "group_order", Err: err}
	}
	if s.Forward, err = r.readByte(); err != nil {
		return s, &ParseError{Field: "forward", Err: err}
	}
	if s.FilterType, err = r.readVarint(); err != nil {
		return s, &ParseError{Field: "filter_type", Err: err}
	}

	switch s.FilterType {
	case FilterAbsoluteStart, FilterAbsoluteRange:
		if s.Start, err = r.readLocation(); err != nil {
			return s, &ParseError{Field: "start_location", Err: err}
		}
		if s.FilterType == FilterAbsoluteRange {
			if s.EndGroup, err = r.readVarint(); err != nil {
				return s, &ParseError{Field: "end_group", Err: err}
			}
		}
	}
	return s, r.readParams(nil)
}

// Append encodes the SUBSCRIBE_OK payload with no parameters.
func (sok SubscribeOK) Append(buf []byte) []byte {
	buf = quicvarint.Append(buf, sok.RequestID)
	buf = quicvarint.Append(buf, sok.TrackAlias)
	buf = quicvarint.Append(buf, sok.Expires)
	buf = append(buf, sok.GroupOrder)
	if sok.ContentExists {
		buf = append(buf, 1)
		buf = sok.Largest.append(buf)
	} else {
		buf = append(buf, 0)
	}
	return quicvarint.Append(buf, 0)
}

// ParseSubscribeOK parses a SUBSCRIBE_OK payload.
func ParseSubscribeOK(data []byte) (SubscribeOK, error) {
	r := newBufReader(data)
	var sok SubscribeOK
	var err error
	if sok.RequestID, err = r.readVarint(); err != nil {
		return sok, &ParseError{Field: "request_id", Err: err}
	}
	if sok.TrackAlias, err = r.readVarint(); err != nil {
		return sok, &ParseError{Field: "track_alias", Err: err}
	}
	if sok.Expires, err = r.readVarint(); err != nil {
		return sok, &ParseError{Field: "expires", Err: err}
	}
	if sok.GroupOrder, err = r.readByte(); err != nil {
		return sok, &ParseError{Field: "group_order", Err: err}
	}
	exists, err := r.readByte()
	if err != nil {
		return sok, &ParseError{Field: "content_exists", Err: err}
	}
	if exists == 1 {
		sok.ContentExists = true
		if sok.Largest, err = r.readLocation(); err != nil {
			return sok, &ParseError{Field: "largest_location", Err: err}
		}
	}
	return sok, r.readParams(nil)
}

// Append encodes the SUBSCRIBE_ERROR payload.
func (se SubscribeError) Append(buf []byte) []byte {
	buf = quicvarint.Append(buf, se.RequestID)
	buf = quicvarint.Append(buf, se.ErrorCode)
	return appendVarIntBytes(buf, []byte(se.ReasonPhrase))
}

// ParseSubscribeError parses a SUBSCRIBE_ERROR payload.
func ParseSubscribeError(data []byte) (SubscribeError, error) {
	r := newBufReader(data)
	var se SubscribeError
	var err error
	if se.RequestID, err = r.readVarint(); err != nil {
		return se, &ParseError{Field: "request_id", Err: err}
	}
	if se.ErrorCode, err = r.readVarint(); err != nil {
		return se, &ParseError{Field: "error_code", Err: err}
	}
	reason, err := r.readVarIntBytes()
	if err != nil {
		return se, &ParseError{Field: "reason_phrase", Err: err}
	}
	se.ReasonPhrase = string(reason)
	return se, nil
}

// Append encodes the UNSUBSCRIBE payload.
func (u Unsubscribe) Append(buf []byte) []byte {
	return quicvarint.Append(buf, u.RequestID)
}

// ParseUnsubscribe parses an UNSUBSCRIBE payload.
func ParseUnsubscribe(data []byte) (Unsubscribe, error) {
	id, err := newBufReader(data).readVarint()
	if err != nil {
		return Unsubscribe{}, &ParseError{Field: "request_id", Err: err}
	}
	return Unsubscribe{RequestID: id}, nil
}

// Append encodes the MAX_REQUEST_ID payload.
func (m MaxRequestID) Append(buf []byte) []byte {
	return quicvarint.Append(buf, m.RequestID)
}

// Append encodes the GOAWAY payload.
func (ga GoAway) Append(buf []byte) []byte {
	return appendVarIntBytes(buf, []byte(ga.NewSessionURI))
}

// ParseGoAway parses a GOAWAY payload.
func ParseGoAway(data []byte) (GoAway, error) {
	uri, err := newBufReader(data).readVarIntBytes()
	if err != nil {
		return GoAway{}, &ParseError{Field: "new_session_uri", Err: err}
	}
	return GoAway{NewSessionURI: string(uri)}, nil
}

// AppendNamespaceTuple appends [count] [len bytes]... to buf.
func AppendNamespaceTuple(buf []byte, parts []string) []byte {
	buf = quicvarint.Append(buf, uint64(len(parts)))
	for _, p := range parts {
		buf = appendVarIntBytes(buf, []byte(p))
	}
	return buf
}

func (l Location) append(buf []byte) []byte {
	buf = quicvarint.Append(buf, l.Group)
	return quicvarint.Append(buf, l.Object)
}

func appendVarIntBytes(buf []byte, data []byte) []byte {
	buf = quicvarint.Append(buf, uint64(len(data)))
	return append(buf, data...)
}

// bufReader reads fields sequentially from a message payload.
type bufReader struct {
	data []byte
	pos  int
}

func newBufReader(data []byte) *bufReader {
	return &bufReader{data: data}
}

func (b *bufReader) readVarint() (uint64, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	val, n, err := quicvarint.Parse(b.data[b.pos:])
	if err != nil {
		return 0, err
	}
	b.pos += n
	return val, nil
}

func (b *bufReader) readByte() (byte, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

func (b *bufReader) readVarIntBytes() ([]byte, error) {
	length, err := b.readVarint()
	if err != nil {
		return nil, err
	}
	if length > uint64(len(b.data)-b.pos) {
		return nil, io.ErrUnexpectedEOF
	}
	end := b.pos + int(length)
	val := b.data[b.pos:end]
	b.pos = end
	return val, nil
}

func (b *bufReader) readLocation() (Location, error) {
	var l Location
	var err error
	if l.Group, err = b.readVarint(); err != nil {
		return l, err
	}
	l.Object, err = b.readVarint()
	return l, err
}

func (b *bufReader) readNamespaceTuple() ([]string, error) {
	count, err := b.readVarint()
	if err != nil {
		return nil, fmt.Errorf("read tuple count: %w", err)
	}
	if count > uint64(len(b.data)-b.pos) {
		return nil, fmt.Errorf("tuple count %d: %w", count, io.ErrUnexpectedEOF)
	}
	parts := make([]string, count)
	for i := range parts {
		p, err := b.readVarIntBytes()
		if err != nil {
			return nil, fmt.Errorf("read tuple element %d: %w", i, err)
		}
		parts[i] = string(p)
	}
	return parts, nil
}

// readParams reads a parameter list, calling fn (when non-nil) with
// the varint value of even keys or the bytes of odd keys.
func (b *bufReader) readParams(fn func(key, val uint64, data []byte)) error {
	n, err := b.readVarint()
	if err != nil {
		return &ParseError{Field: "num_params", Err: err}
	}
	for range n {
		key, err := b.readVarint()
		if err != nil {
			return &ParseError{Field: "param_key", Err: err}
		}
		var val uint64
		var data []byte
		if key%2 == 1 {
			data, err = b.readVarIntBytes()
		} else {
			val, err = b.readVarint()
		}
		if err != nil {
			return &ParseError{Field: "param_value", Err: err}
		}
		if fn != nil {
			fn(key, val, data)
		}
	}
	return nil
}
