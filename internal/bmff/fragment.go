package bmff

import (
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"
)

// Fragment is the part of a moof header that drives group decisions.
type Fragment struct {
	TrackID    uint32
	DecodeTime uint64 // tfdt base media decode time, in track timescale
	Samples    int
	Keyframe   bool
}

// IsKeyframe reports whether sample flags describe a sync sample that
// depends on no other sample.
func IsKeyframe(flags uint32) bool {
	dependsOnNone := (flags>>24)&0x3 == 0x2
	nonSync := (flags>>16)&0x1 == 0x1
	return dependsOnNone && !nonSync
}

// ClassifyFragment extracts the track, decode time and keyframe status
// of a single-track fragment. trex may be nil.
//
// A sample's flags come from the trun first_sample_flags for the first
// sample of a run, then the sample's own flags, then the tfhd default,
// then the trex default. The fragment is a keyframe if any sample is.
func ClassifyFragment(moof *mp4.MoofBox, trex *mp4.TrexBox) (Fragment, error) {
	switch n := len(moof.Trafs); {
	case n == 0:
		return Fragment{}, fmt.Errorf("%w: no traf", ErrMalformedBox)
	case n > 1:
		return Fragment{}, fmt.Errorf("%w: cannot split a fragment across %d trafs", ErrMultipleTracks, n)
	}

	traf := moof.Trafs[0]
	if traf.Tfhd == nil {
		return Fragment{}, fmt.Errorf("%w: traf without tfhd", ErrMalformedBox)
	}
	if traf.Tfdt == nil {
		return Fragment{}, fmt.Errorf("%w: traf without tfdt", ErrMalformedBox)
	}

	frag := Fragment{
		TrackID:    traf.Tfhd.TrackID,
		DecodeTime: traf.Tfdt.BaseMediaDecodeTime(),
	}
	for _, trun := range traf.Truns {
		for i := range trun.Samples {
			frag.Samples++
			flags, ok := sampleFlags(traf.Tfhd, trun, trex, i)
			if ok && IsKeyframe(flags) {
				frag.Keyframe = true
			}
		}
	}
	return frag, nil
}

func sampleFlags(tfhd *mp4.TfhdBox, trun *mp4.TrunBox, trex *mp4.TrexBox, i int) (uint32, bool) {
	if i == 0 {
		if flags, ok := trun.FirstSampleFlags(); ok {
			return flags, true
		}
	}
	if trun.HasSampleFlags() {
		return trun.Samples[i].Flags, true
	}
	if tfhd.HasDefaultSampleFlags() {
		return tfhd.DefaultSampleFlags, true
	}
	if trex != nil {
		return trex.DefaultSampleFlags, true
	}
	return 0, false
}
