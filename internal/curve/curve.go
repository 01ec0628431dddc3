// Package curve synthesizes morph-target animation curves from a vowel
// timeline.
package curve

import (
	"errors"
	"fmt"
	"sort"

	"github.com/normanking/cortexlipsync/internal/timing"
	"github.com/normanking/cortexlipsync/internal/viseme"
)

var ErrInvalidOptions = errors.New("invalid synthesis options")

// Option bounds.
const (
	MinFadeDuration = 0.1
	MaxFadeDuration = 1.0
	MinFadeRatio    = 0.1
	MaxFadeRatio    = 0.5
)

// Keyframe is one point of a curve.
type Keyframe struct {
	Time   float64 `json:"time" yaml:"time"`
	Weight float64 `json:"weight" yaml:"weight"`
}

// Curve is the keyframe list of one morph target. Times are strictly
// increasing.
type Curve struct {
	Target string     `json:"target" yaml:"target"`
	Keys   []Keyframe `json:"keys" yaml:"keys"`
}

// Evaluate linearly interpolates the curve at t, holding the first and last
// values outside the keyed range. An empty curve evaluates to 0.
func (c Curve) Evaluate(t float64) float64 {
	n := len(c.Keys)
	if n == 0 {
		return 0
	}
	if t <= c.Keys[0].Time {
		return c.Keys[0].Weight
	}
	if t >= c.Keys[n-1].Time {
		return c.Keys[n-1].Weight
	}
	i := sort.Search(n, func(i int) bool { return c.Keys[i].Time > t })
	a, b := c.Keys[i-1], c.Keys[i]
	return a.Weight + (b.Weight-a.Weight)*(t-a.Time)/(b.Time-a.Time)
}

// Span returns the first and last key times.
func (c Curve) Span() (start, end float64) {
	if len(c.Keys) == 0 {
		return 0, 0
	}
	return c.Keys[0].Time, c.Keys[len(c.Keys)-1].Time
}

// Options configures synthesis.
type Options struct {
	MaxFadeDuration float64 `json:"max_fade_duration" yaml:"max_fade_duration"`
	FadeTimeRatio   float64 `json:"fade_time_ratio" yaml:"fade_time_ratio"`
	// MaxWeight is the full-intensity value on the target's weight scale.
	MaxWeight float64 `json:"max_weight" yaml:"max_weight"`
}

// DefaultOptions uses a 0-100 weight scale.
func DefaultOptions() Options {
	return Options{
		MaxFadeDuration: 0.2,
		FadeTimeRatio:   0.25,
		MaxWeight:       100,
	}
}

// Validate checks the option ranges.
func (o Options) Validate() error {
	if o.MaxFadeDuration < MinFadeDuration || o.MaxFadeDuration > MaxFadeDuration {
		return fmt.Errorf("%w: max fade duration %v outside [%v, %v]", ErrInvalidOptions, o.MaxFadeDuration, MinFadeDuration, MaxFadeDuration)
	}
	if o.FadeTimeRatio < MinFadeRatio || o.FadeTimeRatio > MaxFadeRatio {
		return fmt.Errorf("%w: fade time ratio %v outside [%v, %v]", ErrInvalidOptions, o.FadeTimeRatio, MinFadeRatio, MaxFadeRatio)
	}
	if o.MaxWeight <= 0 {
		return fmt.Errorf("%w: max weight must be positive", ErrInvalidOptions)
	}
	return nil
}

// Synthesizer turns vowel timelines into curves. It holds only read-only
// options and is safe for concurrent use.
type Synthesizer struct {
	opts Options
}

// NewSynthesizer validates opts.
func NewSynthesizer(opts Options) (*Synthesizer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Synthesizer{opts: opts}, nil
}

// Options returns the configured options.
func (s *Synthesizer) Options() Options {
	return s.opts
}

// Synthesize builds one curve per target referenced by mapping. Segments
// whose viseme is unmapped are skipped, as are zero-length segments.
func (s *Synthesizer) Synthesize(segments []timing.VowelSegment, mapping viseme.Mapping) map[string]Curve {
	states := make(map[string]*fold, len(mapping))
	for _, target := range mapping.Targets() {
		states[target] = &fold{}
	}

	for _, seg := range segments {
		target, ok := mapping[seg.Viseme]
		if !ok {
			continue
		}
		states[target].add(seg, s.opts)
	}

	out := make(map[string]Curve, len(states))
	for target, st := range states {
		out[target] = Curve{Target: target, Keys: st.keys}
	}
	return out
}

// Names returns the curve names in sorted order.
func Names(curves map[string]Curve) []string {
	names := make([]string, 0, len(curves))
	for name := range curves {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// fold is the per-target state carried across segments.
type fold struct {
	keys []Keyframe
}

func (f *fold) add(seg timing.VowelSegment, opts Options) {
	duration := seg.Duration()
	if duration <= 0 {
		return
	}
	fade := min(opts.MaxFadeDuration, duration*opts.FadeTimeRatio)

	windowStart := seg.StartSeconds - fade
	windowEnd := seg.EndSeconds

	// Pull a trailing release back to meet this attack halfway.
	if n := len(f.keys); n > 0 {
		last := f.keys[n-1]
		if last.Weight == 0 && last.Time > windowStart {
			windowStart = (last.Time + windowStart) / 2
			f.keys = f.keys[:n-1]
		}
	}

	f.push(Keyframe{Time: windowStart, Weight: 0})
	f.push(Keyframe{Time: seg.StartSeconds, Weight: opts.MaxWeight})
	if duration > 2*fade {
		f.push(Keyframe{Time: seg.EndSeconds - fade, Weight: opts.MaxWeight})
	}
	f.push(Keyframe{Time: windowEnd, Weight: 0})
}

// push drops keys that would not advance time.
func (f *fold) push(k Keyframe) {
	if n := len(f.keys); n > 0 && k.Time <= f.keys[n-1].Time {
		return
	}
	f.keys = append(f.keys, k)
}
