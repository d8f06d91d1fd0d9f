package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/zsiec/moqpub/internal/publisher"
)

// ErrInvalidSettings is returned for settings that fail validation.
var ErrInvalidSettings = errors.New("config: invalid settings")

// Settings describe the broadcast: its namespace and label, the audio
// parameters and one entry per video representation. Bitrates are in
// kbit/s. Sample rate and resolutions are checked against the media.
type Settings struct {
	Namespace       string           `yaml:"namespace"`
	Label           string           `yaml:"label"`
	FPS             int              `yaml:"fps"`
	Audio           AudioSettings    `yaml:"audio"`
	Representations []Representation `yaml:"representations"`
}

// AudioSettings describe the audio representation.
type AudioSettings struct {
	SampleRate int    `yaml:"samplerate"`
	Bitrate    uint64 `yaml:"bitrate"`
	Language   string `yaml:"language"`
}

// Representation is one video rendition.
type Representation struct {
	Name       string `yaml:"name"`
	Resolution string `yaml:"resolution"`
	Bitrate    uint64 `yaml:"bitrate"`
}

// Size parses the WxH resolution.
func (r Representation) Size() (width, height int, err error) {
	w, h, ok := strings.Cut(r.Resolution, "x")
	if !ok {
		return 0, 0, fmt.Errorf("%w: resolution %q is not WxH", ErrInvalidSettings, r.Resolution)
	}
	if width, err = strconv.Atoi(w); err != nil || width <= 0 {
		return 0, 0, fmt.Errorf("%w: resolution %q has a bad width", ErrInvalidSettings, r.Resolution)
	}
	if height, err = strconv.Atoi(h); err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("%w: resolution %q has a bad height", ErrInvalidSettings, r.Resolution)
	}
	return width, height, nil
}

// DefaultSettings is used when no settings file exists.
func DefaultSettings() Settings {
	return Settings{
		Namespace: "live",
		Label:     "moqpub",
		FPS:       25,
		Audio:     AudioSettings{SampleRate: 48000, Bitrate: 128},
	}
}

// LoadSettings reads settings from path. A missing file yields
// DefaultSettings.
func LoadSettings(path string) (Settings, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("config: open settings: %w", err)
	}
	defer f.Close()
	return ParseSettings(f)
}

// ParseSettings decodes and validates YAML settings. Fields missing from
// the document keep their DefaultSettings value; unknown fields are
// rejected.
func ParseSettings(r io.Reader) (Settings, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Settings{}, fmt.Errorf("config: read settings: %w", err)
	}
	s := DefaultSettings()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return Settings{}, fmt.Errorf("config: decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks the settings for values the publisher cannot use.
func (s Settings) Validate() error {
	if s.Namespace == "" {
		return fmt.Errorf("%w: empty namespace", ErrInvalidSettings)
	}
	if s.FPS <= 0 {
		return fmt.Errorf("%w: fps %d", ErrInvalidSettings, s.FPS)
	}
	if s.Audio.SampleRate < 0 {
		return fmt.Errorf("%w: audio samplerate %d", ErrInvalidSettings, s.Audio.SampleRate)
	}
	if s.Audio.Language != "" {
		if _, err := language.Parse(s.Audio.Language); err != nil {
			return fmt.Errorf("%w: audio language %q: %v", ErrInvalidSettings, s.Audio.Language, err)
		}
	}
	seen := make(map[string]bool, len(s.Representations))
	for i, r := range s.Representations {
		if r.Name == "" {
			return fmt.Errorf("%w: representation %d has no name", ErrInvalidSettings, i)
		}
		if seen[r.Name] {
			return fmt.Errorf("%w: duplicate representation %q", ErrInvalidSettings, r.Name)
		}
		seen[r.Name] = true
		if r.Resolution != "" {
			if _, _, err := r.Size(); err != nil {
				return err
			}
		}
	}
	return nil
}

// PublisherConfig converts the settings for the publisher. namespace,
// when not empty, overrides the settings' namespace.
func (s Settings) PublisherConfig(namespace string) publisher.Config {
	if namespace == "" {
		namespace = s.Namespace
	}
	bitrates := make(map[string]uint64, len(s.Representations))
	sizes := make(map[string]publisher.Size, len(s.Representations))
	for _, r := range s.Representations {
		bitrates[r.Name] = r.Bitrate * 1000
		// Validate has already rejected malformed resolutions.
		if w, h, err := r.Size(); err == nil {
			sizes[r.Name] = publisher.Size{Width: w, Height: h}
		}
	}
	return publisher.Config{
		Namespace:       namespace,
		Label:           s.Label,
		Framerate:       s.FPS,
		AudioBitrate:    s.Audio.Bitrate * 1000,
		AudioLanguage:   s.Audio.Language,
		AudioSampleRate: s.Audio.SampleRate,
		Bitrates:        bitrates,
		Sizes:           sizes,
	}
}
