// Package clip packages synthesized curves as an animation clip and writes
// it into glTF documents or YAML files.
package clip

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/normanking/cortexlipsync/internal/curve"
	"github.com/normanking/cortexlipsync/internal/scene"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported output format")
	ErrInvalidNode       = errors.New("invalid glTF node")
)

// Clip is a named set of morph-target curves addressed to one renderer.
type Clip struct {
	ID         string                 `json:"id,omitempty" yaml:"id,omitempty"`
	Name       string                 `json:"name" yaml:"name"`
	TargetPath string                 `json:"target_path" yaml:"target_path"`
	MaxWeight  float64                `json:"max_weight" yaml:"max_weight"`
	Curves     map[string]curve.Curve `json:"curves" yaml:"-"`
	// Prefix is the namespace prepended to curve names during detection.
	Prefix string `json:"-" yaml:"-"`
}

// Empty reports whether no curve has a keyframe.
func (c *Clip) Empty() bool {
	for _, cv := range c.Curves {
		if len(cv.Keys) > 0 {
			return false
		}
	}
	return true
}

// Duration returns the last key time over all curves.
func (c *Clip) Duration() float64 {
	var end float64
	for _, cv := range c.Curves {
		_, e := cv.Span()
		end = max(end, e)
	}
	return end
}

// Sample resamples the clip onto the union of its key times, producing one
// normalized weight per target per time. Times before zero are clamped to
// zero. Curves are matched to targets by name, with or without Prefix.
// An empty clip yields a single all-zero key at t=0.
func (c *Clip) Sample(targets []string) (times []float32, weights []float32) {
	byTarget := make([]*curve.Curve, len(targets))
	for _, name := range curve.Names(c.Curves) {
		i := c.targetIndex(name, targets)
		if i < 0 || byTarget[i] != nil {
			continue
		}
		cv := c.Curves[name]
		byTarget[i] = &cv
	}

	for _, cv := range c.Curves {
		for _, k := range cv.Keys {
			times = append(times, float32(max(0, k.Time)))
		}
	}
	slices.Sort(times)
	times = slices.Compact(times)
	if len(times) == 0 {
		times = []float32{0}
	}

	scale := c.MaxWeight
	if scale <= 0 {
		scale = curve.DefaultOptions().MaxWeight
	}

	weights = make([]float32, 0, len(times)*len(targets))
	for _, t := range times {
		for _, cv := range byTarget {
			var w float32
			if cv != nil {
				w = mgl32.Clamp(float32(cv.Evaluate(float64(t))/scale), 0, 1)
			}
			weights = append(weights, w)
		}
	}
	return times, weights
}

func (c *Clip) targetIndex(name string, targets []string) int {
	if i := slices.Index(targets, name); i >= 0 {
		return i
	}
	if c.Prefix != "" && strings.HasPrefix(name, c.Prefix) {
		return slices.Index(targets, strings.TrimPrefix(name, c.Prefix))
	}
	return -1
}

// Writer embeds and saves clips.
type Writer struct {
	log zerolog.Logger
}

// NewWriter creates a writer logging through log.
func NewWriter(log zerolog.Logger) *Writer {
	return &Writer{log: log}
}

// EmbedGLTF adds the clip as a linear morph-weight animation on node. An
// existing animation with the same name is replaced. Returns the animation
// index.
func (w *Writer) EmbedGLTF(doc *gltf.Document, node int, c *Clip) (int, error) {
	if node < 0 || node >= len(doc.Nodes) {
		return -1, fmt.Errorf("%w: %d", ErrInvalidNode, node)
	}
	n := doc.Nodes[node]
	if n.Mesh == nil || *n.Mesh >= len(doc.Meshes) {
		return -1, fmt.Errorf("%w: node %q has no mesh", ErrInvalidNode, n.Name)
	}
	targets := scene.MorphTargetNames(doc.Meshes[*n.Mesh])
	if len(targets) == 0 {
		return -1, fmt.Errorf("%w: node %q has no morph targets", ErrInvalidNode, n.Name)
	}

	times, weights := c.Sample(targets)
	input := modeler.WriteAccessor(doc, gltf.TargetNone, times)
	output := modeler.WriteAccessor(doc, gltf.TargetNone, weights)

	anim := &gltf.Animation{
		Name: c.Name,
		Samplers: []*gltf.AnimationSampler{{
			Input:         input,
			Interpolation: gltf.InterpolationLinear,
			Output:        output,
		}},
		Channels: []*gltf.AnimationChannel{{
			Sampler: 0,
			Target: gltf.AnimationChannelTarget{
				Node: gltf.Index(node),
				Path: gltf.TRSWeights,
			},
		}},
	}

	idx := slices.IndexFunc(doc.Animations, func(a *gltf.Animation) bool { return a.Name == c.Name })
	if idx >= 0 {
		doc.Animations[idx] = anim
	} else {
		doc.Animations = append(doc.Animations, anim)
		idx = len(doc.Animations) - 1
	}

	w.log.Debug().
		Str("clip", c.Name).
		Int("node", node).
		Int("keys", len(times)).
		Int("targets", len(targets)).
		Msg("Animation embedded")

	return idx, nil
}

// SaveGLTF writes doc as binary when path ends in .glb and as JSON when it
// ends in .gltf.
func (w *Writer) SaveGLTF(doc *gltf.Document, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".glb":
		err = gltf.SaveBinary(doc, path)
	case ".gltf":
		for _, b := range doc.Buffers {
			if b.URI == "" && len(b.Data) > 0 {
				b.EmbeddedResource()
			}
		}
		err = gltf.Save(doc, path)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return fmt.Errorf("save gltf: %w", err)
	}

	w.log.Info().Str("path", path).Int("animations", len(doc.Animations)).Msg("Avatar saved")
	return nil
}

// SaveYAML writes the clip to path.
func (w *Writer) SaveYAML(path string, c *Clip) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create clip file: %w", err)
	}
	if err := WriteYAML(f, c); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	w.log.Info().Str("path", path).Int("curves", len(c.Curves)).Msg("Clip saved")
	return nil
}

type yamlClip struct {
	Name       string                      `yaml:"name"`
	TargetPath string                      `yaml:"target_path"`
	MaxWeight  float64                     `yaml:"max_weight"`
	Curves     map[string][]curve.Keyframe `yaml:"curves"`
}

// WriteYAML encodes {name, target_path, max_weight, curves}. Curve keys are
// emitted in sorted order.
func WriteYAML(out io.Writer, c *Clip) error {
	doc := yamlClip{
		Name:       c.Name,
		TargetPath: c.TargetPath,
		MaxWeight:  c.MaxWeight,
		Curves:     make(map[string][]curve.Keyframe, len(c.Curves)),
	}
	for name, cv := range c.Curves {
		keys := cv.Keys
		if keys == nil {
			keys = []curve.Keyframe{}
		}
		doc.Curves[name] = keys
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode clip: %w", err)
	}
	return enc.Close()
}

// ReadYAML decodes a clip written by WriteYAML.
func ReadYAML(r io.Reader) (*Clip, error) {
	var doc yamlClip
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode clip: %w", err)
	}
	c := &Clip{
		Name:       doc.Name,
		TargetPath: doc.TargetPath,
		MaxWeight:  doc.MaxWeight,
		Curves:     make(map[string]curve.Curve, len(doc.Curves)),
	}
	for name, keys := range doc.Curves {
		c.Curves[name] = curve.Curve{Target: name, Keys: keys}
	}
	return c, nil
}
