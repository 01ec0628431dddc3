package curve

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexlipsync/internal/timing"
	"github.com/normanking/cortexlipsync/internal/viseme"
)

func newSynth(t *testing.T, maxFade, ratio float64) *Synthesizer {
	t.Helper()
	s, err := NewSynthesizer(Options{MaxFadeDuration: maxFade, FadeTimeRatio: ratio, MaxWeight: 100})
	require.NoError(t, err)
	return s
}

func seg(start, end float64, v viseme.Viseme) timing.VowelSegment {
	return timing.VowelSegment{StartSeconds: start, EndSeconds: end, Viseme: v}
}

func TestSynthesize_SingleSegmentWithSustain(t *testing.T) {
	s := newSynth(t, 0.5, 0.25)
	curves := s.Synthesize([]timing.VowelSegment{seg(1, 2, viseme.A)}, viseme.Mapping{viseme.A: "blendShape.a"})

	require.Contains(t, curves, "blendShape.a")
	assert.Equal(t, []Keyframe{
		{Time: 0.75, Weight: 0},
		{Time: 1, Weight: 100},
		{Time: 1.75, Weight: 100},
		{Time: 2, Weight: 0},
	}, curves["blendShape.a"].Keys)
}

func TestSynthesize_ShortSegmentHasNoSustain(t *testing.T) {
	s := newSynth(t, 1.0, 0.5)
	curves := s.Synthesize([]timing.VowelSegment{seg(0, 0.5, viseme.O)}, viseme.Mapping{viseme.O: "o"})

	assert.Equal(t, []Keyframe{
		{Time: -0.25, Weight: 0},
		{Time: 0, Weight: 100},
		{Time: 0.5, Weight: 0},
	}, curves["o"].Keys)
}

func TestSynthesize_FadeCappedByMaxDuration(t *testing.T) {
	s := newSynth(t, 0.125, 0.5)
	curves := s.Synthesize([]timing.VowelSegment{seg(1, 3, viseme.E)}, viseme.Mapping{viseme.E: "e"})

	assert.Equal(t, []Keyframe{
		{Time: 0.875, Weight: 0},
		{Time: 1, Weight: 100},
		{Time: 2.875, Weight: 100},
		{Time: 3, Weight: 0},
	}, curves["e"].Keys)
}

func TestSynthesize_OverlappingRampsMeetAtMidpoint(t *testing.T) {
	s := newSynth(t, 0.5, 0.25)
	curves := s.Synthesize([]timing.VowelSegment{
		seg(0, 1, viseme.A),
		seg(1.125, 2.125, viseme.A),
	}, viseme.Mapping{viseme.A: "a"})

	assert.Equal(t, []Keyframe{
		{Time: -0.25, Weight: 0},
		{Time: 0, Weight: 100},
		{Time: 0.75, Weight: 100},
		{Time: 0.9375, Weight: 0},
		{Time: 1.125, Weight: 100},
		{Time: 1.875, Weight: 100},
		{Time: 2.125, Weight: 0},
	}, curves["a"].Keys)
}

func TestSynthesize_LongAttackAfterShortSegmentStaysIncreasing(t *testing.T) {
	s := newSynth(t, 1.0, 0.5)
	curves := s.Synthesize([]timing.VowelSegment{
		seg(0, 0.5, viseme.I),
		seg(0.5, 2.5, viseme.I),
	}, viseme.Mapping{viseme.I: "i"})

	assert.Equal(t, []Keyframe{
		{Time: -0.25, Weight: 0},
		{Time: 0, Weight: 100},
		{Time: 0.5, Weight: 100},
		{Time: 2.5, Weight: 0},
	}, curves["i"].Keys)
}

func TestSynthesize_UnmappedVisemesSkipped(t *testing.T) {
	s := newSynth(t, 0.2, 0.25)
	curves := s.Synthesize([]timing.VowelSegment{
		seg(0, 1, viseme.I),
		seg(1, 2, viseme.Silence),
	}, viseme.Mapping{viseme.A: "a"})

	require.Len(t, curves, 1)
	assert.Empty(t, curves["a"].Keys)
}

func TestSynthesize_SharedTarget(t *testing.T) {
	s := newSynth(t, 0.5, 0.25)
	curves := s.Synthesize([]timing.VowelSegment{
		seg(0, 1, viseme.A),
		seg(2, 3, viseme.O),
	}, viseme.Mapping{viseme.A: "open", viseme.O: "open"})

	require.Len(t, curves, 1)
	assert.Len(t, curves["open"].Keys, 8)
}

func TestSynthesize_ZeroLengthSegmentSkipped(t *testing.T) {
	s := newSynth(t, 0.2, 0.25)
	curves := s.Synthesize([]timing.VowelSegment{seg(1, 1, viseme.A)}, viseme.Mapping{viseme.A: "a"})
	assert.Empty(t, curves["a"].Keys)
}

func TestSynthesize_StrictlyIncreasingTimes(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	visemes := viseme.Voiced[:]

	var segments []timing.VowelSegment
	cursor := 0.0
	for i := 0; i < 500; i++ {
		cursor += rng.Float64() * 0.2
		length := rng.Float64() * 1.5
		segments = append(segments, seg(cursor, cursor+length, visemes[rng.Intn(len(visemes))]))
		cursor += length
	}

	mapping := viseme.Mapping{viseme.A: "a", viseme.I: "i", viseme.U: "u", viseme.E: "a", viseme.O: "o"}
	for _, ratio := range []float64{0.1, 0.3, 0.5} {
		for _, maxFade := range []float64{0.1, 0.5, 1.0} {
			curves := newSynth(t, maxFade, ratio).Synthesize(segments, mapping)
			for name, c := range curves {
				for i := 1; i < len(c.Keys); i++ {
					if c.Keys[i].Time <= c.Keys[i-1].Time {
						t.Fatalf("%s (fade %v ratio %v): key %d at %v not after %v",
							name, maxFade, ratio, i, c.Keys[i].Time, c.Keys[i-1].Time)
					}
				}
			}
		}
	}
}

func TestSynthesize_Idempotent(t *testing.T) {
	s := newSynth(t, 0.2, 0.25)
	segments := []timing.VowelSegment{seg(0, 0.3, viseme.A), seg(0.35, 1, viseme.A), seg(1, 2, viseme.U)}
	mapping := viseme.Mapping{viseme.A: "a", viseme.U: "u"}

	assert.Equal(t, s.Synthesize(segments, mapping), s.Synthesize(segments, mapping))
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{name: "defaults", opts: DefaultOptions()},
		{name: "fade too short", opts: Options{MaxFadeDuration: 0.05, FadeTimeRatio: 0.25, MaxWeight: 100}, wantErr: true},
		{name: "fade too long", opts: Options{MaxFadeDuration: 1.5, FadeTimeRatio: 0.25, MaxWeight: 100}, wantErr: true},
		{name: "ratio too small", opts: Options{MaxFadeDuration: 0.2, FadeTimeRatio: 0.05, MaxWeight: 100}, wantErr: true},
		{name: "ratio too large", opts: Options{MaxFadeDuration: 0.2, FadeTimeRatio: 0.6, MaxWeight: 100}, wantErr: true},
		{name: "zero weight", opts: Options{MaxFadeDuration: 0.2, FadeTimeRatio: 0.25}, wantErr: true},
		{name: "bounds inclusive", opts: Options{MaxFadeDuration: 1.0, FadeTimeRatio: 0.1, MaxWeight: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSynthesizer(tt.opts)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidOptions)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCurveEvaluate(t *testing.T) {
	c := Curve{Keys: []Keyframe{{0, 0}, {1, 100}, {2, 100}, {3, 0}}}

	assert.Equal(t, 0.0, c.Evaluate(-1))
	assert.Equal(t, 50.0, c.Evaluate(0.5))
	assert.Equal(t, 100.0, c.Evaluate(1.5))
	assert.Equal(t, 50.0, c.Evaluate(2.5))
	assert.Equal(t, 0.0, c.Evaluate(4))
	assert.Equal(t, 0.0, Curve{}.Evaluate(1))

	start, end := c.Span()
	assert.Equal(t, 0.0, start)
	assert.Equal(t, 3.0, end)
}

func TestNames(t *testing.T) {
	curves := map[string]Curve{"o": {}, "a": {}, "i": {}}
	assert.Equal(t, []string{"a", "i", "o"}, Names(curves))
}
