package publisher

import (
	"errors"
	"fmt"

	"github.com/zsiec/moqpub/internal/bmff"
)

// Sentinel errors for representation state. Box level failures use the
// bmff sentinels (ErrMalformedBox, ErrMultipleTracks, ErrUnsupportedCodec).
var (
	ErrDuplicateInit    = errors.New("publisher: duplicate init box")
	ErrMissingTypeBox   = errors.New("publisher: moov before ftyp")
	ErrMissingTrack     = errors.New("publisher: no track for fragment")
	ErrNoOpenGroup      = errors.New("publisher: payload without open group")
	ErrPriorityOverflow = errors.New("publisher: timestamp overflows priority")
	ErrConfigMismatch   = errors.New("publisher: media does not match settings")
)

// Error is a fatal representation error. Once returned for a
// representation, every later Publish for it returns the same error.
type Error struct {
	Rep    string
	Box    string
	Offset int64
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("publisher: representation %q: %s at offset %d: %v", e.Rep, e.Box, e.Offset, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(rep string, box bmff.Box, err error) *Error {
	e := &Error{Rep: rep, Box: box.Type, Offset: box.Offset, Err: err}
	var pe *bmff.ParseError
	if errors.As(err, &pe) {
		e.Box, e.Offset, e.Err = pe.Box, pe.Offset, pe.Err
	}
	return e
}
