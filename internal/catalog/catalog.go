// Package catalog models the MoQ catalog (draft-ietf-moq-catalogformat-01)
// that describes every published representation: its track name, codec
// selection parameters and base64 initialization data.
//
// A [Builder] accumulates one [Track] per representation and encodes the
// whole catalog on demand. Catalogs are always republished in full;
// delta updates are never advertised.
package catalog

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"strings"

	"golang.org/x/text/language"
)

// TrackName is the well-known track carrying catalog objects.
const TrackName = ".catalog"

// Catalog format identifiers.
const (
	Version                = 1
	StreamingFormat        = 1
	StreamingFormatVersion = "0.2"
)

// Sentinel errors for catalog construction and decoding.
var (
	ErrInvalidTrack       = errors.New("catalog: invalid track")
	ErrDuplicateTrack     = errors.New("catalog: duplicate track")
	ErrInvalidMimeType    = errors.New("catalog: invalid mime type")
	ErrInvalidLanguage    = errors.New("catalog: invalid language tag")
	ErrUnsupportedVersion = errors.New("catalog: unsupported version")
)

// Packaging is the payload encapsulation of a track.
type Packaging string

const (
	PackagingCMAF Packaging = "cmaf"
	PackagingLOC  Packaging = "loc"
)

// Catalog is the top-level catalog object.
type Catalog struct {
	Version                int           `json:"version"`
	StreamingFormat        int           `json:"streamingFormat"`
	StreamingFormatVersion string        `json:"streamingFormatVersion"`
	SupportsDeltaUpdates   bool          `json:"supportsDeltaUpdates,omitempty"`
	CommonTrackFields      *CommonFields `json:"commonTrackFields,omitempty"`
	Tracks                 []Track       `json:"tracks"`
}

// CommonFields are inherited by every track unless the track overrides them.
type CommonFields struct {
	Namespace   string    `json:"namespace,omitempty"`
	Packaging   Packaging `json:"packaging,omitempty"`
	Label       string    `json:"label,omitempty"`
	RenderGroup int       `json:"renderGroup,omitempty"`
	AltGroup    int       `json:"altGroup,omitempty"`
}

// Track describes one published representation.
type Track struct {
	Name            string          `json:"name"`
	Namespace       string          `json:"namespace,omitempty"`
	Packaging       Packaging       `json:"packaging"`
	Label           string          `json:"label,omitempty"`
	RenderGroup     int             `json:"renderGroup,omitempty"`
	AltGroup        int             `json:"altGroup,omitempty"`
	InitData        string          `json:"initData,omitempty"`
	SelectionParams SelectionParams `json:"selectionParams"`
}

// SelectionParams holds codec and media parameters for track selection.
type SelectionParams struct {
	Codec         string `json:"codec,omitempty"`
	MimeType      string `json:"mimeType,omitempty"`
	Framerate     int    `json:"framerate,omitempty"`
	Bitrate       uint64 `json:"bitrate,omitempty"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	SampleRate    int    `json:"samplerate,omitempty"`
	ChannelConfig string `json:"channelConfig,omitempty"`
	Lang          string `json:"lang,omitempty"`
}

// SetInitData stores init as standard base64.
func (t *Track) SetInitData(init []byte) {
	t.InitData = base64.StdEncoding.EncodeToString(init)
}

// DecodeInitData returns the raw initialization bytes.
func (t *Track) DecodeInitData() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(t.InitData)
	if err != nil {
		return nil, fmt.Errorf("catalog: track %q initData: %w", t.Name, err)
	}
	return b, nil
}

// SetMimeType validates and stores a media type such as "video/mp4".
func (p *SelectionParams) SetMimeType(s string) error {
	mt, params, err := mime.ParseMediaType(s)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidMimeType, s, err)
	}
	if !strings.Contains(mt, "/") {
		return fmt.Errorf("%w: %q has no subtype", ErrInvalidMimeType, s)
	}
	p.MimeType = mime.FormatMediaType(mt, params)
	return nil
}

// SetLanguage validates a BCP 47 tag and stores its canonical form.
func (p *SelectionParams) SetLanguage(s string) error {
	tag, err := language.Parse(s)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidLanguage, s, err)
	}
	p.Lang = tag.String()
	return nil
}

// Builder accumulates tracks for a catalog. It is not safe for
// concurrent use; callers serialize access.
type Builder struct {
	cat Catalog
}

// NewBuilder starts an empty catalog with the given common fields.
func NewBuilder(common CommonFields) *Builder {
	return &Builder{cat: Catalog{
		Version:                Version,
		StreamingFormat:        StreamingFormat,
		StreamingFormatVersion: StreamingFormatVersion,
		CommonTrackFields:      &common,
		Tracks:                 []Track{},
	}}
}

// Insert adds a track. Track names are unique within a namespace.
func (b *Builder) Insert(t Track) error {
	if t.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidTrack)
	}
	switch t.Packaging {
	case PackagingCMAF, PackagingLOC:
	default:
		return fmt.Errorf("%w: %q packaging %q", ErrInvalidTrack, t.Name, t.Packaging)
	}
	ns := b.namespace(t)
	for _, existing := range b.cat.Tracks {
		if existing.Name == t.Name && b.namespace(existing) == ns {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateTrack, ns, t.Name)
		}
	}
	b.cat.Tracks = append(b.cat.Tracks, t)
	return nil
}

func (b *Builder) namespace(t Track) string {
	if t.Namespace != "" || b.cat.CommonTrackFields == nil {
		return t.Namespace
	}
	return b.cat.CommonTrackFields.Namespace
}

// Len returns the number of tracks.
func (b *Builder) Len() int {
	return len(b.cat.Tracks)
}

// Snapshot returns a copy of the catalog that later inserts do not affect.
func (b *Builder) Snapshot() Catalog {
	c := b.cat
	c.Tracks = append([]Track(nil), b.cat.Tracks...)
	if b.cat.CommonTrackFields != nil {
		common := *b.cat.CommonTrackFields
		c.CommonTrackFields = &common
	}
	return c
}

// Encode serializes the whole catalog.
func (b *Builder) Encode() ([]byte, error) {
	data, err := json.Marshal(b.cat)
	if err != nil {
		return nil, fmt.Errorf("catalog: encode: %w", err)
	}
	return data, nil
}

// Decode parses a catalog object.
func Decode(data []byte) (*Catalog, error) {
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	if c.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, c.Version)
	}
	return &c, nil
}

// Track returns the track with the given name.
func (c *Catalog) Track(name string) (Track, bool) {
	for _, t := range c.Tracks {
		if t.Name == name {
			return t, true
		}
	}
	return Track{}, false
}
