// Package tempo converts musical tick positions into seconds using a
// piecewise-constant tempo map.
package tempo

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// TicksPerQuarterNote is the fixed tick resolution of every tempo map.
const TicksPerQuarterNote = 480

var (
	ErrMissingTempo = errors.New("tempo map is empty")
	ErrInvalidTempo = errors.New("invalid tempo segment")
)

// MissingTempoError is returned when a converter is built from an empty tempo map.
type MissingTempoError struct {
	Source string // project or track the map was read from, if known
}

func (e *MissingTempoError) Error() string {
	if e.Source == "" {
		return ErrMissingTempo.Error()
	}
	return fmt.Sprintf("%s: %s", e.Source, ErrMissingTempo)
}

// Is lets errors.Is match against ErrMissingTempo.
func (e *MissingTempoError) Is(target error) bool {
	return target == ErrMissingTempo
}

// Segment is one entry of a tempo map. It applies from StartTick until the
// next segment starts; the last segment extends indefinitely.
type Segment struct {
	StartTick int64   `json:"start_tick" yaml:"start_tick"`
	BPM       float64 `json:"bpm" yaml:"bpm"`
}

// Converter maps ticks to seconds. It is immutable after construction and
// safe for concurrent use.
type Converter struct {
	segments []Segment
	// offsets[i] is the elapsed time in seconds at the start of segments[i].
	offsets []float64
}

// NewConverter builds a converter from a tempo map. The input is copied and
// sorted by start tick.
func NewConverter(segments []Segment) (*Converter, error) {
	if len(segments) == 0 {
		return nil, &MissingTempoError{}
	}

	sorted := make([]Segment, len(segments))
	copy(sorted, segments)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartTick < sorted[j].StartTick
	})

	for i, seg := range sorted {
		if seg.BPM <= 0 || math.IsNaN(seg.BPM) || math.IsInf(seg.BPM, 0) {
			return nil, fmt.Errorf("%w: bpm %v at tick %d", ErrInvalidTempo, seg.BPM, seg.StartTick)
		}
		if i > 0 && seg.StartTick == sorted[i-1].StartTick {
			return nil, fmt.Errorf("%w: duplicate start tick %d", ErrInvalidTempo, seg.StartTick)
		}
	}

	offsets := make([]float64, len(sorted))
	for i := 1; i < len(sorted); i++ {
		offsets[i] = offsets[i-1] + span(sorted[i-1], segmentStart(sorted, i-1), sorted[i].StartTick)
	}

	return &Converter{segments: sorted, offsets: offsets}, nil
}

// Segments returns a copy of the sorted tempo map.
func (c *Converter) Segments() []Segment {
	out := make([]Segment, len(c.segments))
	copy(out, c.segments)
	return out
}

// TicksToSeconds converts an absolute tick position to seconds.
func (c *Converter) TicksToSeconds(tick int64) float64 {
	// Index of the last segment starting at or before tick; ticks before the
	// first segment fall into segment 0.
	i := sort.Search(len(c.segments), func(i int) bool {
		return c.segments[i].StartTick > tick
	}) - 1
	if i < 0 {
		i = 0
	}
	return c.offsets[i] + span(c.segments[i], segmentStart(c.segments, i), tick)
}

// SecondsToTicks is the inverse of TicksToSeconds, rounded to the nearest tick.
func (c *Converter) SecondsToTicks(seconds float64) int64 {
	i := sort.Search(len(c.offsets), func(i int) bool {
		return c.offsets[i] > seconds
	}) - 1
	if i < 0 {
		i = 0
	}
	seg := c.segments[i]
	ticks := (seconds - c.offsets[i]) * seg.BPM * TicksPerQuarterNote / 60
	return segmentStart(c.segments, i) + int64(math.Round(ticks))
}

// segmentStart treats the first segment as starting at tick 0.
func segmentStart(segments []Segment, i int) int64 {
	if i == 0 && segments[0].StartTick > 0 {
		return 0
	}
	return segments[i].StartTick
}

// span is the duration of the tick range [from, to) at the segment's tempo.
// Multiplication happens before division to keep precision.
func span(seg Segment, from, to int64) float64 {
	return float64(to-from) * 60 / (seg.BPM * TicksPerQuarterNote)
}
