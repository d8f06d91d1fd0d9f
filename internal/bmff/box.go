package bmff

import (
	"encoding/binary"
	"math"
)

const (
	headerSize         = 8
	extendedHeaderSize = 16
)

// Box type tags the publisher dispatches on. Every other tag is skipped.
const (
	TypeFtyp = "ftyp"
	TypeMoov = "moov"
	TypeMoof = "moof"
	TypeMdat = "mdat"
	TypePrft = "prft"
)

// Box is one complete length-prefixed record cut from a stream.
type Box struct {
	Type      string
	Offset    int64  // absolute stream offset of the first header byte
	HeaderLen int    // 8, or 16 with an extended size
	Raw       []byte // header and payload, exactly as received
}

// Payload returns the bytes following the box header.
func (b Box) Payload() []byte {
	return b.Raw[b.HeaderLen:]
}

// NextBox cuts one complete box off the front of buf. base is the
// absolute stream offset of buf[0] and is only used for error context.
//
// When buf does not yet hold a whole box, NextBox returns n == 0 and a
// nil error; buf is never modified. On success n is the exact size of
// the box and Raw aliases buf[:n].
func NextBox(buf []byte, base int64) (box Box, n int, err error) {
	if len(buf) < headerSize {
		return Box{}, 0, nil
	}

	size := uint64(binary.BigEndian.Uint32(buf[0:4]))
	typ := string(buf[4:8])
	hdr := headerSize

	switch {
	case size == 0:
		return Box{}, 0, &ParseError{Box: typ, Offset: base, Err: ErrUnboundedSize}
	case size == 1:
		if len(buf) < extendedHeaderSize {
			return Box{}, 0, nil
		}
		size = binary.BigEndian.Uint64(buf[8:16])
		if size < extendedHeaderSize {
			return Box{}, 0, &ParseError{Box: typ, Offset: base, Err: ErrMalformedSize}
		}
		hdr = extendedHeaderSize
	case size < headerSize:
		return Box{}, 0, &ParseError{Box: typ, Offset: base, Err: ErrImpossibleSize}
	}

	if size > math.MaxInt {
		return Box{}, 0, &ParseError{Box: typ, Offset: base, Err: ErrMalformedSize}
	}
	if uint64(len(buf)) < size {
		return Box{}, 0, nil
	}

	n = int(size)
	return Box{Type: typ, Offset: base, HeaderLen: hdr, Raw: buf[:n:n]}, n, nil
}

// Reader accumulates chunks of one stream and cuts complete boxes from
// them in order. A Reader is owned by a single goroutine.
//
// Returned boxes alias the Reader's buffer. The Reader only ever appends
// behind the bytes it has handed out, so a returned Box stays valid.
type Reader struct {
	buf    []byte
	offset int64
}

// Push appends a chunk of stream bytes. Chunks may split boxes anywhere,
// including inside a header.
func (r *Reader) Push(p []byte) {
	r.buf = append(r.buf, p...)
}

// Next returns the next complete box. ok is false when more bytes are
// needed. After an error the Reader must not be used again.
func (r *Reader) Next() (box Box, ok bool, err error) {
	box, n, err := NextBox(r.buf, r.offset)
	if err != nil || n == 0 {
		return Box{}, false, err
	}
	r.buf = r.buf[n:]
	r.offset += int64(n)
	return box, true, nil
}

// Buffered reports how many bytes are waiting for the rest of their box.
func (r *Reader) Buffered() int {
	return len(r.buf)
}

// Offset is the absolute stream offset of the first unconsumed byte.
func (r *Reader) Offset() int64 {
	return r.offset
}
