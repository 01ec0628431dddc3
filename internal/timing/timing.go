// Package timing turns a tick-based syllable sequence into a timeline of
// vowel segments in seconds.
package timing

import (
	"cmp"
	"iter"
	"slices"

	"github.com/normanking/cortexlipsync/internal/tempo"
	"github.com/normanking/cortexlipsync/internal/viseme"
)

// DefaultElongationMarker is the long-vowel mark used in Japanese lyrics.
const DefaultElongationMarker = "ー"

// Syllable is one sung note with its lyric.
type Syllable struct {
	StartTick int64  `json:"start_tick" yaml:"start_tick"`
	EndTick   int64  `json:"end_tick" yaml:"end_tick"`
	Text      string `json:"text" yaml:"text"`
	Phoneme   string `json:"phoneme,omitempty" yaml:"phoneme,omitempty"`
}

// Track is a named syllable sequence, typically one singer part.
type Track struct {
	Name      string     `json:"name" yaml:"name"`
	Syllables []Syllable `json:"syllables" yaml:"syllables"`
}

// VowelSegment is a span of time during which one viseme is held.
type VowelSegment struct {
	StartSeconds float64       `json:"start" yaml:"start"`
	EndSeconds   float64       `json:"end" yaml:"end"`
	Viseme       viseme.Viseme `json:"viseme" yaml:"viseme"`
}

// Duration returns EndSeconds - StartSeconds.
func (s VowelSegment) Duration() float64 {
	return s.EndSeconds - s.StartSeconds
}

// Extractor builds vowel timelines. The zero value uses DefaultElongationMarker.
type Extractor struct {
	ElongationMarker string
}

// NewExtractor returns an extractor using the given marker, or the default
// when marker is empty.
func NewExtractor(marker string) *Extractor {
	return &Extractor{ElongationMarker: marker}
}

func (e *Extractor) marker() string {
	if e == nil || e.ElongationMarker == "" {
		return DefaultElongationMarker
	}
	return e.ElongationMarker
}

// Segments lazily yields the vowel timeline for syllables, which must be in
// ascending start-tick order. Each range over the sequence recomputes it from
// scratch.
func (e *Extractor) Segments(conv *tempo.Converter, syllables []Syllable) iter.Seq[VowelSegment] {
	marker := e.marker()
	return func(yield func(VowelSegment) bool) {
		var pending VowelSegment
		havePending := false

		for _, syl := range syllables {
			if havePending && syl.Text == marker {
				pending.EndSeconds = conv.TicksToSeconds(syl.EndTick)
				continue
			}
			if havePending && !yield(pending) {
				return
			}
			pending = VowelSegment{
				StartSeconds: conv.TicksToSeconds(syl.StartTick),
				EndSeconds:   conv.TicksToSeconds(syl.EndTick),
				Viseme:       viseme.Classify(syl.Phoneme, syl.Text),
			}
			havePending = true
		}
		if havePending {
			yield(pending)
		}
	}
}

// Extract converts the selected track into a vowel timeline. An
// out-of-range track index or an empty track yields an empty timeline; an
// empty tempo map is an error.
func (e *Extractor) Extract(tempoMap []tempo.Segment, tracks []Track, trackIndex int) ([]VowelSegment, error) {
	conv, err := tempo.NewConverter(tempoMap)
	if err != nil {
		return nil, err
	}
	if trackIndex < 0 || trackIndex >= len(tracks) {
		return nil, nil
	}
	return e.ExtractSyllables(conv, tracks[trackIndex].Syllables), nil
}

// ExtractSyllables sorts a copy of syllables by start tick and collects the
// timeline.
func (e *Extractor) ExtractSyllables(conv *tempo.Converter, syllables []Syllable) []VowelSegment {
	if len(syllables) == 0 {
		return nil
	}
	sorted := slices.Clone(syllables)
	slices.SortStableFunc(sorted, func(a, b Syllable) int {
		return cmp.Compare(a.StartTick, b.StartTick)
	})
	return slices.Collect(e.Segments(conv, sorted))
}
