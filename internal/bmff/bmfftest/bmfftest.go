// Package bmfftest builds ISO-BMFF fixtures for tests: init segments
// encoded with mp4ff and hand-framed fragment headers whose flag layout
// is fully controlled by the caller.
package bmfftest

import (
	"bytes"
	"encoding/binary"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/hevc"
	"github.com/Eyevinn/mp4ff/mp4"
)

// Sample flag values.
const (
	SyncFlags    uint32 = 0x02000000 // depends on no other sample
	NonSyncFlags uint32 = 0x01010000 // depends on others, non-sync
)

// U32 encodes v big-endian.
func U32(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}

// U64 encodes v big-endian.
func U64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

// Box frames the concatenated payload parts with a compact header.
func Box(typ string, payload ...[]byte) []byte {
	body := bytes.Join(payload, nil)
	out := U32(uint32(8 + len(body)))
	out = append(out, typ...)
	return append(out, body...)
}

// LargeBox frames payload with a 64-bit extended size header.
func LargeBox(typ string, payload ...[]byte) []byte {
	body := bytes.Join(payload, nil)
	out := U32(1)
	out = append(out, typ...)
	out = append(out, U64(uint64(16+len(body)))...)
	return append(out, body...)
}

// FullBox frames payload with a version and flags word.
func FullBox(typ string, version byte, flags uint32, payload ...[]byte) []byte {
	vf := U32(uint32(version)<<24 | flags&0xFFFFFF)
	return Box(typ, append([][]byte{vf}, payload...)...)
}

// Ftyp returns a CMAF file type box.
func Ftyp() []byte {
	return Box("ftyp", []byte("iso6"), U32(0), []byte("iso6"), []byte("cmfc"))
}

// Styp returns a segment type box.
func Styp() []byte {
	return Box("styp", []byte("msdh"), U32(0), []byte("msdh"), []byte("msix"))
}

// Mdat returns a media data box with n payload bytes.
func Mdat(n int) []byte {
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = byte(i)
	}
	return Box("mdat", payload)
}

// Prft returns a version 1 producer reference time box.
func Prft(trackID uint32, ntp, mediaTime uint64) []byte {
	return FullBox("prft", 1, 0, U32(trackID), U64(ntp), U64(mediaTime))
}

// Fragment describes one moof box.
type Fragment struct {
	Seq        uint32
	TrackID    uint32
	DecodeTime uint64

	HasDefaultFlags bool
	DefaultFlags    uint32

	HasFirstSampleFlags bool
	FirstSampleFlags    uint32

	// SampleFlags lists per-sample flags. When nil the field is omitted
	// from the trun and Samples gives the sample count.
	SampleFlags []uint32
	Samples     int

	// ExtraTrafs appends copies of the traf for other track ids.
	ExtraTrafs int
}

// Moof encodes f as a moof box.
func Moof(f Fragment) []byte {
	trackID := f.TrackID
	if trackID == 0 {
		trackID = 1
	}
	trafs := [][]byte{traf(f, trackID)}
	for i := range f.ExtraTrafs {
		trafs = append(trafs, traf(f, trackID+uint32(i)+1))
	}
	return Box("moof", append([][]byte{FullBox("mfhd", 0, 0, U32(f.Seq))}, trafs...)...)
}

func traf(f Fragment, trackID uint32) []byte {
	tfhdFlags := uint32(0x020000) // default-base-is-moof
	tfhd := [][]byte{U32(trackID)}
	if f.HasDefaultFlags {
		tfhdFlags |= 0x20
		tfhd = append(tfhd, U32(f.DefaultFlags))
	}

	count := f.Samples
	if f.SampleFlags != nil {
		count = len(f.SampleFlags)
	}
	trunFlags := uint32(0x000001 | 0x000100 | 0x000200) // data offset, duration, size
	trun := [][]byte{U32(uint32(count)), U32(0)}
	if f.HasFirstSampleFlags {
		trunFlags |= 0x000004
		trun = append(trun, U32(f.FirstSampleFlags))
	}
	if f.SampleFlags != nil {
		trunFlags |= 0x000400
	}
	for i := range count {
		trun = append(trun, U32(40), U32(100))
		if f.SampleFlags != nil {
			trun = append(trun, U32(f.SampleFlags[i]))
		}
	}

	return Box("traf",
		FullBox("tfhd", 0, tfhdFlags, tfhd...),
		FullBox("tfdt", 1, 0, U64(f.DecodeTime)),
		FullBox("trun", 0, trunFlags, trun...),
	)
}

// Keyframe returns a one-sample sync fragment at decodeTime.
func Keyframe(seq uint32, decodeTime uint64) []byte {
	return Moof(Fragment{Seq: seq, DecodeTime: decodeTime, SampleFlags: []uint32{SyncFlags}})
}

// Delta returns a one-sample non-sync fragment at decodeTime.
func Delta(seq uint32, decodeTime uint64) []byte {
	return Moof(Fragment{Seq: seq, DecodeTime: decodeTime, SampleFlags: []uint32{NonSyncFlags}})
}

// Fake parameter sets; decoder configuration records carry them opaquely.
var (
	fakeSPS = []byte{0x67, 0x42, 0xC0, 0x1E, 0xDA, 0x02, 0x80, 0xBF}
	fakePPS = []byte{0x68, 0xCE, 0x38, 0x80}
)

// VideoMoov encodes a single-track AVC baseline moov (avc1.42C01E).
func VideoMoov(trackID, timescale uint32, width, height uint16) []byte {
	init := mp4.CreateEmptyInit()
	trak := mp4.CreateEmptyTrak(trackID, timescale, "video", "und")
	init.Moov.AddChild(trak)
	init.Moov.Mvex.AddChild(mp4.CreateTrex(trackID))

	avcC := &mp4.AvcCBox{DecConfRec: avc.DecConfRec{
		AVCProfileIndication: 0x42,
		ProfileCompatibility: 0xC0,
		AVCLevelIndication:   0x1E,
		SPSnalus:             [][]byte{fakeSPS},
		PPSnalus:             [][]byte{fakePPS},
	}}
	trak.Mdia.Minf.Stbl.Stsd.AddChild(mp4.CreateVisualSampleEntryBox("avc1", width, height, avcC))
	return encode(init.Moov)
}

// AudioMoov encodes a single-track AAC-LC moov (mp4a.40.2).
func AudioMoov(trackID uint32, sampleRate int) []byte {
	init := mp4.CreateEmptyInit()
	trak := mp4.CreateEmptyTrak(trackID, uint32(sampleRate), "audio", "und")
	init.Moov.AddChild(trak)
	init.Moov.Mvex.AddChild(mp4.CreateTrex(trackID))
	trak.SetAACDescriptor(2, sampleRate)
	return encode(init.Moov)
}

// HEVCMoov encodes a single-track HEVC moov whose sample entry of the
// given type (hvc1 or hev1) carries rec as its hvcC.
func HEVCMoov(trackID, timescale uint32, entryType string, width, height uint16, rec hevc.DecConfRec) []byte {
	init := mp4.CreateEmptyInit()
	trak := mp4.CreateEmptyTrak(trackID, timescale, "video", "und")
	init.Moov.AddChild(trak)
	init.Moov.Mvex.AddChild(mp4.CreateTrex(trackID))

	rec.ConfigurationVersion = 1
	rec.LengthSizeMinusOne = 3
	hvcC := &mp4.HvcCBox{DecConfRec: rec}
	trak.Mdia.Minf.Stbl.Stsd.AddChild(mp4.CreateVisualSampleEntryBox(entryType, width, height, hvcC))
	return encode(init.Moov)
}

// ESDSMoov encodes a single-track mp4a moov whose esds carries the given
// object type indication, AudioSpecificConfig bytes and bitrates.
func ESDSMoov(trackID uint32, sampleRate uint16, objectType byte, asc []byte, maxBitrate, avgBitrate uint32) []byte {
	init := mp4.CreateEmptyInit()
	trak := mp4.CreateEmptyTrak(trackID, uint32(sampleRate), "audio", "und")
	init.Moov.AddChild(trak)
	init.Moov.Mvex.AddChild(mp4.CreateTrex(trackID))

	esds := mp4.CreateEsdsBox(asc)
	esds.DecConfigDescriptor.ObjectType = objectType
	esds.DecConfigDescriptor.MaxBitrate = maxBitrate
	esds.DecConfigDescriptor.AvgBitrate = avgBitrate
	trak.Mdia.Minf.Stbl.Stsd.AddChild(mp4.CreateAudioSampleEntryBox("mp4a", 2, 16, sampleRate, esds))
	return encode(init.Moov)
}

// OpusMoov encodes a single-track moov with an Opus sample entry.
func OpusMoov(trackID uint32) []byte {
	init := mp4.CreateEmptyInit()
	trak := mp4.CreateEmptyTrak(trackID, 48000, "audio", "und")
	init.Moov.AddChild(trak)
	init.Moov.Mvex.AddChild(mp4.CreateTrex(trackID))
	trak.Mdia.Minf.Stbl.Stsd.AddChild(mp4.CreateAudioSampleEntryBox("Opus", 2, 16, 48000, nil))
	return encode(init.Moov)
}

// TwoTrackMoov encodes a moov with a video and an audio track.
func TwoTrackMoov() []byte {
	init := mp4.CreateEmptyInit()
	for i, kind := range []string{"video", "audio"} {
		id := uint32(i + 1)
		init.Moov.AddChild(mp4.CreateEmptyTrak(id, 1000, kind, "und"))
		init.Moov.Mvex.AddChild(mp4.CreateTrex(id))
	}
	return encode(init.Moov)
}

func encode(b mp4.Box) []byte {
	var buf bytes.Buffer
	if err := b.Encode(&buf); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
