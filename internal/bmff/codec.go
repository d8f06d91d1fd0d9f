package bmff

import (
	"bytes"
	"fmt"
	"math/bits"

	"github.com/Eyevinn/mp4ff/aac"
	"github.com/Eyevinn/mp4ff/hevc"
	"github.com/Eyevinn/mp4ff/mp4"
)

// Media kinds of a sample entry.
const (
	KindVideo = "video"
	KindAudio = "audio"
)

// SampleEntry is the selection metadata derived from a track's codec
// sample entry.
type SampleEntry struct {
	Kind       string
	Codec      string // RFC 6381 codecs parameter
	Width      uint16
	Height     uint16
	SampleRate uint32
	Channels   uint16
	Bitrate    uint32 // max(maxBitrate, avgBitrate) from esds, 0 when unknown
}

// SampleEntry inspects the first stsd entry of the init's track.
// Codec families other than AVC, HEVC and AAC fail with
// ErrUnsupportedCodec.
func (in *Init) SampleEntry() (SampleEntry, error) {
	trak := in.Moov.Traks[0]
	if trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil || trak.Mdia.Minf.Stbl.Stsd == nil {
		return SampleEntry{}, fmt.Errorf("%w: trak without stsd", ErrMalformedBox)
	}
	stsd := trak.Mdia.Minf.Stbl.Stsd
	if len(stsd.Children) == 0 {
		return SampleEntry{}, fmt.Errorf("%w: empty stsd", ErrUnsupportedCodec)
	}

	entry := stsd.Children[0]
	typ := entry.Type()
	switch typ {
	case "avc1", "avc3":
		vse, ok := entry.(*mp4.VisualSampleEntryBox)
		if !ok || vse.AvcC == nil {
			return SampleEntry{}, fmt.Errorf("%w: %s without avcC", ErrMalformedBox, typ)
		}
		return SampleEntry{
			Kind: KindVideo,
			Codec: fmt.Sprintf("%s.%02X%02X%02X", typ,
				vse.AvcC.AVCProfileIndication, vse.AvcC.ProfileCompatibility, vse.AvcC.AVCLevelIndication),
			Width:  vse.Width,
			Height: vse.Height,
		}, nil

	case "hvc1", "hev1":
		vse, ok := entry.(*mp4.VisualSampleEntryBox)
		if !ok || vse.HvcC == nil {
			return SampleEntry{}, fmt.Errorf("%w: %s without hvcC", ErrMalformedBox, typ)
		}
		return SampleEntry{
			Kind:   KindVideo,
			Codec:  HEVCCodecString(typ, vse.HvcC.DecConfRec),
			Width:  vse.Width,
			Height: vse.Height,
		}, nil

	case "mp4a":
		ase, ok := entry.(*mp4.AudioSampleEntryBox)
		if !ok || ase.Esds == nil || ase.Esds.DecConfigDescriptor == nil {
			return SampleEntry{}, fmt.Errorf("%w: mp4a without decoder config", ErrMalformedBox)
		}
		dc := ase.Esds.DecConfigDescriptor
		return SampleEntry{
			Kind:       KindAudio,
			Codec:      AACCodecString(dc),
			SampleRate: uint32(ase.SampleRate),
			Channels:   ase.ChannelCount,
			Bitrate:    max(dc.MaxBitrate, dc.AvgBitrate),
		}, nil
	}
	return SampleEntry{}, fmt.Errorf("%w: %q", ErrUnsupportedCodec, typ)
}

// HEVCCodecString builds the codecs parameter from an
// HEVCDecoderConfigurationRecord (ISO/IEC 14496-15 E.3).
func HEVCCodecString(entryType string, rec hevc.DecConfRec) string {
	space := ""
	if rec.GeneralProfileSpace > 0 {
		space = string(rune('A' + rec.GeneralProfileSpace - 1))
	}
	tier := "L"
	if rec.GeneralTierFlag {
		tier = "H"
	}
	codec := fmt.Sprintf("%s.%s%d.%X.%s%d", entryType, space, rec.GeneralProfileIDC,
		bits.Reverse32(rec.GeneralProfileCompatibilityFlags), tier, rec.GeneralLevelIDC)

	// Six constraint bytes, trailing zero bytes omitted.
	var constraint [6]byte
	for i := range constraint {
		constraint[i] = byte(rec.GeneralConstraintIndicatorFlags >> (40 - 8*i))
	}
	last := -1
	for i := len(constraint) - 1; i >= 0; i-- {
		if constraint[i] != 0 {
			last = i
			break
		}
	}
	for i := 0; i <= last; i++ {
		codec += fmt.Sprintf(".%X", constraint[i])
	}
	return codec
}

// AACCodecString builds the codecs parameter from an esds decoder
// config, e.g. "mp4a.40.2". The audio object type is omitted when the
// decoder specific info carries no AudioSpecificConfig.
func AACCodecString(dc *mp4.DecoderConfigDescriptor) string {
	aot := audioObjectType(dc)
	if aot == 0 {
		return fmt.Sprintf("mp4a.%02x", dc.ObjectType)
	}
	return fmt.Sprintf("mp4a.%02x.%d", dc.ObjectType, aot)
}

func audioObjectType(dc *mp4.DecoderConfigDescriptor) int {
	if dc.DecSpecificInfo == nil || len(dc.DecSpecificInfo.DecConfig) == 0 {
		return 0
	}
	asc := dc.DecSpecificInfo.DecConfig
	cfg, err := aac.DecodeAudioSpecificConfig(bytes.NewReader(asc))
	switch {
	case cfg == nil:
		// mp4ff drops the config when an SBR/PS base type is not AAC-LC.
		return int(asc[0] >> 3)
	case err != nil && cfg.ObjectType == aacEscapeObjectType && len(asc) >= 2:
		// mp4ff stops at the escape; six more bits carry type - 32.
		return 32 + (int(asc[0]&0x07)<<3 | int(asc[1]>>5))
	}
	return int(cfg.ObjectType)
}

const aacEscapeObjectType = 31
