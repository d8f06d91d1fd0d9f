package bmff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"iter"

	"github.com/Eyevinn/mp4ff/mp4"
)

// Handler types from the hdlr box.
const (
	HandlerVideo = "vide"
	HandlerAudio = "soun"
)

// TrackInfo is what the publisher needs to know about the single track
// an initialization segment describes.
type TrackInfo struct {
	ID        uint32
	Timescale uint32
	Handler   string
}

// IsVideo reports whether the track carries video samples.
func (t TrackInfo) IsVideo() bool {
	return t.Handler == HandlerVideo
}

// Init is a decoded moov box restricted to exactly one track.
type Init struct {
	Moov  *mp4.MoovBox
	Track TrackInfo
	// Trex holds the track's fragment defaults, nil when mvex has none.
	Trex *mp4.TrexBox
}

func decode(b Box) (mp4.Box, error) {
	box, err := mp4.DecodeBox(0, bytes.NewReader(b.Raw))
	if err != nil {
		return nil, &ParseError{Box: b.Type, Offset: b.Offset, Err: fmt.Errorf("%w: %v", ErrMalformedBox, err)}
	}
	return box, nil
}

// DecodeInit decodes a moov box and extracts its single track.
func DecodeInit(b Box) (*Init, error) {
	box, err := decode(b)
	if err != nil {
		return nil, err
	}
	moov, ok := box.(*mp4.MoovBox)
	if !ok {
		return nil, &ParseError{Box: b.Type, Offset: b.Offset, Err: fmt.Errorf("%w: not a moov box", ErrMalformedBox)}
	}

	switch n := len(moov.Traks); {
	case n == 0:
		return nil, &ParseError{Box: b.Type, Offset: b.Offset, Err: fmt.Errorf("%w: no track", ErrMalformedBox)}
	case n > 1:
		return nil, &ParseError{Box: b.Type, Offset: b.Offset, Err: fmt.Errorf("%w: %d traks", ErrMultipleTracks, n)}
	}

	trak := moov.Traks[0]
	if trak.Tkhd == nil || trak.Mdia == nil || trak.Mdia.Mdhd == nil || trak.Mdia.Hdlr == nil {
		return nil, &ParseError{Box: b.Type, Offset: b.Offset, Err: fmt.Errorf("%w: incomplete trak", ErrMalformedBox)}
	}

	init := &Init{
		Moov: moov,
		Track: TrackInfo{
			ID:        trak.Tkhd.TrackID,
			Timescale: trak.Mdia.Mdhd.Timescale,
			Handler:   trak.Mdia.Hdlr.HandlerType,
		},
	}
	if init.Track.Timescale == 0 {
		return nil, &ParseError{Box: b.Type, Offset: b.Offset, Err: fmt.Errorf("%w: zero timescale", ErrMalformedBox)}
	}

	if moov.Mvex != nil {
		for _, trex := range moov.Mvex.Trexs {
			if trex.TrackID == init.Track.ID {
				init.Trex = trex
			}
		}
	}
	return init, nil
}

// DecodeFragment decodes a moof box and classifies it against the
// track's trex defaults.
func (in *Init) DecodeFragment(b Box) (Fragment, error) {
	if b.Type != TypeMoof {
		return Fragment{}, &ParseError{Box: b.Type, Offset: b.Offset, Err: fmt.Errorf("%w: not a moof box", ErrMalformedBox)}
	}
	if err := checkTruns(b.Payload()); err != nil {
		return Fragment{}, &ParseError{Box: b.Type, Offset: b.Offset, Err: err}
	}
	box, err := decode(b)
	if err != nil {
		return Fragment{}, err
	}
	moof, ok := box.(*mp4.MoofBox)
	if !ok {
		return Fragment{}, &ParseError{Box: b.Type, Offset: b.Offset, Err: fmt.Errorf("%w: not a moof box", ErrMalformedBox)}
	}
	frag, err := ClassifyFragment(moof, in.Trex)
	if err != nil {
		return Fragment{}, &ParseError{Box: b.Type, Offset: b.Offset, Err: err}
	}
	return frag, nil
}

// maxTrunSamples bounds sample_count in a single trun. Runs without
// per-sample fields take no bytes per sample, so the payload length
// alone cannot bound them.
const maxTrunSamples = 1 << 20

// trun flags that add a 32-bit field per sample.
var trunSampleFields = [...]uint32{0x100, 0x200, 0x400, 0x800}

// checkTruns rejects a moof whose trun boxes declare more samples than
// their payload holds, before the decoder sizes its sample table.
func checkTruns(moof []byte) error {
	for box, err := range children(moof) {
		if err != nil {
			return err
		}
		if box.Type != "traf" {
			continue
		}
		for inner, err := range children(box.Payload()) {
			if err != nil {
				return err
			}
			if inner.Type != "trun" {
				continue
			}
			if err := checkTrun(inner.Payload()); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkTrun(p []byte) error {
	if len(p) < 8 {
		return fmt.Errorf("%w: trun %d bytes", ErrMalformedBox, len(p))
	}
	flags := binary.BigEndian.Uint32(p[0:4]) & 0xFFFFFF
	count := uint64(binary.BigEndian.Uint32(p[4:8]))
	rest := uint64(len(p) - 8)
	if flags&0x1 != 0 {
		rest -= min(rest, 4)
	}
	if flags&0x4 != 0 {
		rest -= min(rest, 4)
	}
	var perSample uint64
	for _, f := range trunSampleFields {
		if flags&f != 0 {
			perSample += 4
		}
	}
	if count > maxTrunSamples || count*perSample > rest {
		return fmt.Errorf("%w: trun declares %d samples in %d bytes", ErrMalformedBox, count, rest)
	}
	return nil
}

// children iterates the boxes packed in a container payload.
func children(p []byte) iter.Seq2[Box, error] {
	return func(yield func(Box, error) bool) {
		var off int
		for off < len(p) {
			box, n, err := NextBox(p[off:], int64(off))
			switch {
			case err != nil:
				err = fmt.Errorf("%w: child box: %v", ErrMalformedBox, err)
			case n == 0:
				err = fmt.Errorf("%w: truncated child box", ErrMalformedBox)
			}
			if err != nil {
				yield(Box{}, err)
				return
			}
			if !yield(box, nil) {
				return
			}
			off += n
		}
	}
}
