package moq

import (
	"errors"
	"fmt"
)

// Sentinel errors for MoQ session handling.
var (
	ErrVersionMismatch   = errors.New("moq: no compatible version")
	ErrUnknownTrack      = errors.New("moq: unknown track")
	ErrUnsupportedFilter = errors.New("moq: unsupported filter type")
	ErrUnknownNamespace  = errors.New("moq: unknown namespace")
	ErrMessageTooLarge   = errors.New("moq: control message exceeds 65535 bytes")
	ErrUnexpectedMessage = errors.New("moq: unexpected message")
	ErrStreamType        = errors.New("moq: unsupported data stream type")
)

// Subscribe error codes sent in SUBSCRIBE_ERROR.
const (
	CodeInternalError uint64 = 0x00
	CodeNotSupported  uint64 = 0x03
	CodeTrackNotFound uint64 = 0x04
)

// ParseError indicates a failure to parse a MoQ message field. It
// records which field was being parsed.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("moq: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
