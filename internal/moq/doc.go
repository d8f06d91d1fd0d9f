// Package moq implements the MoQ Transport (draft-ietf-moq-transport-15)
// wire codec used by the origin: control messages on the bidirectional
// control stream and subgroup framing on unidirectional data streams.
//
// This package contains no session logic; that lives in
// [github.com/zsiec/moqpub/internal/distribution].
package moq
