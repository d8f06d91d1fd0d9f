package bmff

import (
	"errors"
	"fmt"
)

// Sentinel errors for box framing and decoding. Size errors wrap
// ErrMalformedBox so callers can match the whole class with errors.Is.
var (
	ErrMalformedBox     = errors.New("bmff: malformed box")
	ErrUnboundedSize    = fmt.Errorf("%w: size 0 extends to end of input", ErrMalformedBox)
	ErrImpossibleSize   = fmt.Errorf("%w: size smaller than box header", ErrMalformedBox)
	ErrMalformedSize    = fmt.Errorf("%w: extended size smaller than box header", ErrMalformedBox)
	ErrMultipleTracks   = errors.New("bmff: more than one track")
	ErrUnsupportedCodec = errors.New("bmff: unsupported codec")
)

// ParseError records which box failed to frame or decode and where it
// started in the stream.
type ParseError struct {
	Box    string
	Offset int64
	Err    error
}

func (e *ParseError) Error() string {
	if e.Box == "" {
		return fmt.Sprintf("bmff: offset %d: %v", e.Offset, e.Err)
	}
	return fmt.Sprintf("bmff: %s at offset %d: %v", e.Box, e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
