package bmff

import (
	"bytes"
	"errors"
	"testing"

	"github.com/Eyevinn/mp4ff/hevc"
	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/zsiec/moqpub/internal/bmff/bmfftest"
)

func TestSampleEntry_AVC(t *testing.T) {
	t.Parallel()
	in := mustInit(t, bmfftest.VideoMoov(1, 1000, 1280, 720))
	se, err := in.SampleEntry()
	if err != nil {
		t.Fatal(err)
	}
	want := SampleEntry{Kind: KindVideo, Codec: "avc1.42C01E", Width: 1280, Height: 720}
	if se != want {
		t.Errorf("SampleEntry = %+v, want %+v", se, want)
	}
}

func TestSampleEntry_AAC(t *testing.T) {
	t.Parallel()
	in := mustInit(t, bmfftest.AudioMoov(1, 48000))
	se, err := in.SampleEntry()
	if err != nil {
		t.Fatal(err)
	}
	if se.Kind != KindAudio || se.Codec != "mp4a.40.2" || se.SampleRate != 48000 {
		t.Errorf("SampleEntry = %+v", se)
	}
}

func TestSampleEntry_Unsupported(t *testing.T) {
	t.Parallel()
	in := mustInit(t, bmfftest.OpusMoov(1))
	_, err := in.SampleEntry()
	if !errors.Is(err, ErrUnsupportedCodec) {
		t.Fatalf("err = %v, want ErrUnsupportedCodec", err)
	}
}

func TestSampleEntry_HEVC(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		entry string
		rec   hevc.DecConfRec
		want  string
	}{
		{
			name:  "main profile level 3.1",
			entry: "hvc1",
			rec: hevc.DecConfRec{
				GeneralProfileIDC:                1,
				GeneralProfileCompatibilityFlags: 0x60000000,
				GeneralConstraintIndicatorFlags:  0x900000000000,
				GeneralLevelIDC:                  93,
			},
			want: "hvc1.1.6.L93.90",
		},
		{
			name:  "main 10 high tier",
			entry: "hev1",
			rec: hevc.DecConfRec{
				GeneralTierFlag:                  true,
				GeneralProfileIDC:                2,
				GeneralProfileCompatibilityFlags: 0x20000000,
				GeneralConstraintIndicatorFlags:  0xB00000000000,
				GeneralLevelIDC:                  120,
			},
			want: "hev1.2.4.H120.B0",
		},
		{
			name:  "profile space and no constraints",
			entry: "hvc1",
			rec: hevc.DecConfRec{
				GeneralProfileSpace:              2,
				GeneralProfileIDC:                1,
				GeneralProfileCompatibilityFlags: 0x60000000,
				GeneralLevelIDC:                  90,
			},
			want: "hvc1.B1.6.L90",
		},
		{
			name:  "interior zero constraint byte kept",
			entry: "hvc1",
			rec: hevc.DecConfRec{
				GeneralProfileIDC:                1,
				GeneralProfileCompatibilityFlags: 0x60000000,
				GeneralConstraintIndicatorFlags:  0x900008000000,
				GeneralLevelIDC:                  93,
			},
			want: "hvc1.1.6.L93.90.0.8",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := mustInit(t, bmfftest.HEVCMoov(1, 90000, tt.entry, 3840, 2160, tt.rec))
			se, err := in.SampleEntry()
			if err != nil {
				t.Fatal(err)
			}
			want := SampleEntry{Kind: KindVideo, Codec: tt.want, Width: 3840, Height: 2160}
			if se != want {
				t.Errorf("SampleEntry = %+v, want %+v", se, want)
			}
		})
	}
}

func TestSampleEntry_HEVCWithoutConfig(t *testing.T) {
	t.Parallel()
	init := mp4.CreateEmptyInit()
	trak := mp4.CreateEmptyTrak(1, 90000, "video", "und")
	init.Moov.AddChild(trak)
	init.Moov.Mvex.AddChild(mp4.CreateTrex(1))
	trak.Mdia.Minf.Stbl.Stsd.AddChild(mp4.CreateVisualSampleEntryBox("hvc1", 1280, 720, nil))
	var buf bytes.Buffer
	if err := init.Moov.Encode(&buf); err != nil {
		t.Fatal(err)
	}

	_, err := mustInit(t, buf.Bytes()).SampleEntry()
	if !errors.Is(err, ErrMalformedBox) {
		t.Fatalf("err = %v, want ErrMalformedBox", err)
	}
}

func TestSampleEntry_ESDS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		objectType  byte
		asc         []byte
		maxBitrate  uint32
		avgBitrate  uint32
		wantCodec   string
		wantBitrate uint32
	}{
		{"aac lc", 0x40, []byte{0x11, 0x90}, 128000, 96000, "mp4a.40.2", 128000},
		{"he-aac", 0x40, []byte{0x2B, 0x92, 0x08, 0x00}, 0, 48000, "mp4a.40.5", 48000},
		{"extended object type", 0x40, []byte{0xF8, 0x20}, 0, 32000, "mp4a.40.33", 32000},
		{"no audio specific config", 0x6B, nil, 0, 0, "mp4a.6b", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := mustInit(t, bmfftest.ESDSMoov(1, 48000, tt.objectType, tt.asc, tt.maxBitrate, tt.avgBitrate))
			se, err := in.SampleEntry()
			if err != nil {
				t.Fatal(err)
			}
			if se.Kind != KindAudio || se.SampleRate != 48000 || se.Channels != 2 {
				t.Errorf("SampleEntry = %+v", se)
			}
			if se.Codec != tt.wantCodec {
				t.Errorf("Codec = %q, want %q", se.Codec, tt.wantCodec)
			}
			if se.Bitrate != tt.wantBitrate {
				t.Errorf("Bitrate = %d, want %d", se.Bitrate, tt.wantBitrate)
			}
		})
	}
}
