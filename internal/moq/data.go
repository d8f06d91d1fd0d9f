package moq

import (
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// StreamTypeSubgroup is a subgroup stream with an explicit subgroup ID
// in the header and an extensions length on every object.
const StreamTypeSubgroup uint64 = 0x0d

// Publisher priorities; lower values are sent first. The catalog goes
// ahead of media so a joining subscriber can decode what follows.
const (
	PriorityCatalog byte = 0
	PriorityVideo   byte = 1
	PriorityAudio   byte = 2
	PriorityOther   byte = 128
)

// PublisherPriority maps a catalog track kind ("video", "audio") to a
// publisher priority. The catalog track itself uses PriorityCatalog.
func PublisherPriority(kind string) byte {
	switch kind {
	case "video":
		return PriorityVideo
	case "audio":
		return PriorityAudio
	default:
		return PriorityOther
	}
}

// SubgroupHeader opens a unidirectional data stream. One stream
// carries one group.
type SubgroupHeader struct {
	TrackAlias uint64
	GroupID    uint64
	SubgroupID uint64
	Priority   byte
}

// Append encodes the header with its stream type.
func (h SubgroupHeader) Append(buf []byte) []byte {
	buf = quicvarint.Append(buf, StreamTypeSubgroup)
	buf = quicvarint.Append(buf, h.TrackAlias)
	buf = quicvarint.Append(buf, h.GroupID)
	buf = quicvarint.Append(buf, h.SubgroupID)
	return append(buf, h.Priority)
}

// ReadSubgroupHeader reads the stream type and subgroup header.
func ReadSubgroupHeader(r quicvarint.Reader) (SubgroupHeader, error) {
	var h SubgroupHeader
	typ, err := quicvarint.Read(r)
	if err != nil {
		return h, &ParseError{Field: "stream_type", Err: err}
	}
	if typ != StreamTypeSubgroup {
		return h, fmt.Errorf("%w: %#x", ErrStreamType, typ)
	}
	if h.TrackAlias, err = quicvarint.Read(r); err != nil {
		return h, &ParseError{Field: "track_alias", Err: err}
	}
	if h.GroupID, err = quicvarint.Read(r); err != nil {
		return h, &ParseError{Field: "group_id", Err: err}
	}
	if h.SubgroupID, err = quicvarint.Read(r); err != nil {
		return h, &ParseError{Field: "subgroup_id", Err: err}
	}
	if h.Priority, err = r.ReadByte(); err != nil {
		return h, &ParseError{Field: "publisher_priority", Err: err}
	}
	return h, nil
}

// Object is one object on a subgroup stream.
type Object struct {
	ID      uint64
	Payload []byte
}

// AppendObject encodes an object with no extension headers.
func AppendObject(buf []byte, id uint64, payload []byte) []byte {
	buf = quicvarint.Append(buf, id)
	buf = quicvarint.Append(buf, 0)
	buf = quicvarint.Append(buf, uint64(len(payload)))
	return append(buf, payload...)
}

// ReadObject reads the next object, skipping any extension headers.
// A payload longer than maxPayload is rejected. io.EOF is returned
// unwrapped when the stream ends cleanly between objects.
func ReadObject(r quicvarint.Reader, maxPayload uint64) (Object, error) {
	var o Object
	id, err := quicvarint.Read(r)
	if err == io.EOF {
		return o, io.EOF
	}
	if err != nil {
		return o, &ParseError{Field: "object_id", Err: err}
	}
	o.ID = id

	extLen, err := quicvarint.Read(r)
	if err != nil {
		return o, &ParseError{Field: "extensions_length", Err: err}
	}
	if extLen > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(extLen)); err != nil {
			return o, &ParseError{Field: "extensions", Err: noEOF(err)}
		}
	}

	n, err := quicvarint.Read(r)
	if err != nil {
		return o, &ParseError{Field: "payload_length", Err: noEOF(err)}
	}
	if n > maxPayload {
		return o, &ParseError{Field: "payload_length", Err: fmt.Errorf("%d bytes exceeds limit %d", n, maxPayload)}
	}
	o.Payload = make([]byte, n)
	if _, err := io.ReadFull(r, o.Payload); err != nil {
		return o, &ParseError{Field: "payload", Err: noEOF(err)}
	}
	return o, nil
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
