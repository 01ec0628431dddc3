// Package project loads singing-synthesis project files into a tempo map
// and syllable tracks.
package project

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/normanking/cortexlipsync/internal/tempo"
	"github.com/normanking/cortexlipsync/internal/timing"
)

var (
	ErrEmptyProject      = errors.New("project has no voice parts")
	ErrInvalidResolution = errors.New("invalid tick resolution")
)

// Project is the lip-sync relevant part of a project file.
type Project struct {
	Name   string          `json:"name" yaml:"name"`
	Tempo  []tempo.Segment `json:"tempo" yaml:"tempo"`
	Tracks []timing.Track  `json:"tracks" yaml:"tracks"`
}

// Track returns the track at index, or nil when out of range.
func (p *Project) Track(index int) *timing.Track {
	if index < 0 || index >= len(p.Tracks) {
		return nil
	}
	return &p.Tracks[index]
}

// ustxFile mirrors the subset of the OpenUtau project format we read.
type ustxFile struct {
	Name       string          `yaml:"name"`
	Resolution int64           `yaml:"resolution"`
	BPM        float64         `yaml:"bpm"`
	Tempos     []ustxTempo     `yaml:"tempos"`
	Tracks     []ustxTrack     `yaml:"tracks"`
	VoiceParts []ustxVoicePart `yaml:"voice_parts"`
}

type ustxTempo struct {
	Position int64   `yaml:"position"`
	BPM      float64 `yaml:"bpm"`
}

type ustxTrack struct {
	Singer    string `yaml:"singer"`
	TrackName string `yaml:"track_name"`
}

type ustxVoicePart struct {
	Name     string     `yaml:"name"`
	TrackNo  int        `yaml:"track_no"`
	Position int64      `yaml:"position"`
	Notes    []ustxNote `yaml:"notes"`
}

type ustxNote struct {
	Position int64  `yaml:"position"`
	Duration int64  `yaml:"duration"`
	Lyric    string `yaml:"lyric"`
}

// Loader reads project files.
type Loader struct {
	log zerolog.Logger
}

// NewLoader creates a loader logging through log.
func NewLoader(log zerolog.Logger) *Loader {
	return &Loader{log: log}
}

// LoadUSTX reads an OpenUtau .ustx file.
func (l *Loader) LoadUSTX(path string) (*Project, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open project: %w", err)
	}
	defer f.Close()

	p, err := l.ParseUSTX(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ParseUSTX decodes a .ustx document. Ticks are rescaled to
// tempo.TicksPerQuarterNote and note positions are made absolute.
func (l *Loader) ParseUSTX(r io.Reader) (*Project, error) {
	var doc ustxFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode ustx: %w", err)
	}
	if len(doc.VoiceParts) == 0 {
		return nil, ErrEmptyProject
	}

	resolution := doc.Resolution
	if resolution == 0 {
		resolution = tempo.TicksPerQuarterNote
	}
	if resolution < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidResolution, resolution)
	}
	scale := func(tick int64) int64 {
		if resolution == tempo.TicksPerQuarterNote {
			return tick
		}
		return int64(math.Round(float64(tick) * tempo.TicksPerQuarterNote / float64(resolution)))
	}

	p := &Project{Name: doc.Name}

	for _, t := range doc.Tempos {
		p.Tempo = append(p.Tempo, tempo.Segment{StartTick: scale(t.Position), BPM: t.BPM})
	}
	if len(p.Tempo) == 0 && doc.BPM > 0 {
		p.Tempo = []tempo.Segment{{StartTick: 0, BPM: doc.BPM}}
	}

	byTrack := map[int][]timing.Syllable{}
	maxTrack := len(doc.Tracks) - 1
	for _, part := range doc.VoiceParts {
		for _, n := range part.Notes {
			start := part.Position + n.Position
			text, phoneme := SplitLyric(n.Lyric)
			byTrack[part.TrackNo] = append(byTrack[part.TrackNo], timing.Syllable{
				StartTick: scale(start),
				EndTick:   scale(start + n.Duration),
				Text:      text,
				Phoneme:   phoneme,
			})
		}
		maxTrack = max(maxTrack, part.TrackNo)
	}

	for i := 0; i <= maxTrack; i++ {
		name := fmt.Sprintf("Track%d", i+1)
		if i < len(doc.Tracks) && doc.Tracks[i].TrackName != "" {
			name = doc.Tracks[i].TrackName
		}
		syllables := byTrack[i]
		slices.SortStableFunc(syllables, func(a, b timing.Syllable) int {
			return cmp.Compare(a.StartTick, b.StartTick)
		})
		p.Tracks = append(p.Tracks, timing.Track{Name: name, Syllables: syllables})
	}

	l.log.Debug().
		Str("name", p.Name).
		Int64("resolution", resolution).
		Int("tempos", len(p.Tempo)).
		Int("tracks", len(p.Tracks)).
		Msg("Project parsed")

	return p, nil
}

// SplitLyric separates a phonetic hint such as "か[k a]" into the lyric
// text and its phoneme string. Lyrics without a hint are returned as text.
func SplitLyric(lyric string) (text, phoneme string) {
	lyric = strings.TrimSpace(lyric)
	open := strings.IndexByte(lyric, '[')
	if open < 0 || !strings.HasSuffix(lyric, "]") {
		return lyric, ""
	}
	return strings.TrimSpace(lyric[:open]), strings.TrimSpace(lyric[open+1 : len(lyric)-1])
}
