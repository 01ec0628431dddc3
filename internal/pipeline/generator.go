// Package pipeline wires project loading, timeline extraction, morph-target
// detection, curve synthesis and clip output into one generation run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexlipsync/internal/bus"
	"github.com/normanking/cortexlipsync/internal/clip"
	"github.com/normanking/cortexlipsync/internal/config"
	"github.com/normanking/cortexlipsync/internal/curve"
	"github.com/normanking/cortexlipsync/internal/morph"
	"github.com/normanking/cortexlipsync/internal/preview"
	"github.com/normanking/cortexlipsync/internal/project"
	"github.com/normanking/cortexlipsync/internal/scene"
	"github.com/normanking/cortexlipsync/internal/timing"
	"github.com/normanking/cortexlipsync/internal/viseme"
)

var (
	// ErrNoMapping means detection found no viseme targets and no manual
	// mapping was supplied.
	ErrNoMapping = errors.New("no viseme mapping: detection found no matching morph targets, supply a manual mapping")
	ErrNoAvatar  = errors.New("glTF output requires an avatar")
	ErrNoTarget  = errors.New("manual mapping target not found in avatar")
	ErrNoPreview = errors.New("preview is not configured")
)

// Output formats.
const (
	FormatGLTF = "gltf"
	FormatYAML = "yaml"
)

// Request describes one generation run.
type Request struct {
	ProjectPath string
	AvatarPath  string // optional for YAML output with a manual mapping
	OutputPath  string // derived from the inputs when empty
	Format      string // gltf or yaml; inferred from OutputPath when empty
	Track       int
	ClipName    string
	// Mapping overrides detection when non-empty.
	Mapping    viseme.Mapping
	TargetPath string
}

// Result summarizes a run.
type Result struct {
	RunID      string
	Segments   []timing.VowelSegment
	Detection  morph.DetectionResult
	Clip       *clip.Clip
	OutputPath string
	Format     string
	PreviewID  string
	Elapsed    time.Duration
}

// Generator runs the pipeline. It is safe to call Generate from one
// goroutine at a time.
type Generator struct {
	cfg       *config.Config
	log       zerolog.Logger
	events    *bus.EventBus
	projects  *project.Loader
	avatars   *scene.Loader
	writer    *clip.Writer
	extractor *timing.Extractor
	detector  *morph.Detector
	synth     *curve.Synthesizer
	preview   *preview.Client

	ownsEvents bool
}

// NewGenerator builds a generator from cfg. A nil bus gets a private one.
func NewGenerator(cfg *config.Config, log zerolog.Logger, events *bus.EventBus) (*Generator, error) {
	synth, err := curve.NewSynthesizer(cfg.SynthesisOptions())
	if err != nil {
		return nil, err
	}
	owned := events == nil
	if owned {
		events = bus.NewEventBus()
	}

	g := &Generator{
		cfg:       cfg,
		log:       log.With().Str("component", "pipeline").Logger(),
		events:    events,
		projects:  project.NewLoader(log.With().Str("component", "project").Logger()),
		avatars:   scene.NewLoader(log.With().Str("component", "scene").Logger()),
		writer:    clip.NewWriter(log.With().Str("component", "clip").Logger()),
		extractor: timing.NewExtractor(cfg.Timing.ElongationMarker),
		detector:  morph.NewDetector(cfg.Detection.OutputNamespacePrefix, cfg.Detection.FaceKeywords),
		synth:     synth,

		ownsEvents: owned,
	}
	if cfg.Preview.URL != "" {
		g.preview = preview.NewClient(cfg.Preview.URL, cfg.Preview.Timeout, log)
	}
	return g, nil
}

// setPreview replaces the preview client; nil disables previews.
func (g *Generator) setPreview(c *preview.Client) {
	g.preview = c
}

// Events returns the bus the generator publishes to.
func (g *Generator) Events() *bus.EventBus {
	return g.events
}

// Close releases the preview connection and drops the subscribers of a
// private bus.
func (g *Generator) Close() error {
	if g.ownsEvents {
		g.events.Clear()
	}
	if g.preview != nil {
		return g.preview.Close()
	}
	return nil
}

// ConnectPreview dials the preview avatar ahead of the first push. It is a
// no-op when previews are disabled.
func (g *Generator) ConnectPreview(ctx context.Context) error {
	if g.preview == nil || g.preview.IsConnected() {
		return nil
	}
	return g.preview.Connect(ctx)
}

// PushClip sends a clip previously exported as YAML to the preview avatar.
func (g *Generator) PushClip(ctx context.Context, path string) (string, error) {
	if g.preview == nil {
		return "", ErrNoPreview
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	c, err := clip.ReadYAML(f)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	c.Prefix = g.cfg.Detection.OutputNamespacePrefix
	return g.preview.Push(ctx, c)
}

// Timeline loads the project and extracts the vowel timeline of one track.
// An out-of-range track yields an empty timeline.
func (g *Generator) Timeline(projectPath string, track int) (*project.Project, []timing.VowelSegment, error) {
	p, err := g.projects.LoadUSTX(projectPath)
	if err != nil {
		return nil, nil, err
	}
	segments, err := g.extractor.Extract(p.Tempo, p.Tracks, track)
	if err != nil {
		return p, nil, fmt.Errorf("%s: %w", projectPath, err)
	}
	return p, segments, nil
}

// Detect loads the avatar and runs morph-target detection on it.
func (g *Generator) Detect(avatarPath string) (*scene.Avatar, morph.DetectionResult, error) {
	a, err := g.avatars.Load(avatarPath)
	if err != nil {
		return nil, morph.DetectionResult{}, err
	}
	return a, g.detector.Detect(a.Hierarchy), nil
}

// Generate runs the whole pipeline for req.
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	res := &Result{RunID: uuid.New().String()}
	start := time.Now()
	log := g.log.With().Str("run", res.RunID).Logger()

	res, err := g.generate(ctx, req, res, log)
	if err != nil {
		g.publish(bus.EventTypeGenerationFailed, res.RunID, map[string]any{"error": err.Error()})
		return res, err
	}
	res.Elapsed = time.Since(start)

	log.Info().
		Str("output", res.OutputPath).
		Int("segments", len(res.Segments)).
		Int("curves", len(res.Clip.Curves)).
		Dur("elapsed", res.Elapsed).
		Msg("Lip-sync generated")
	return res, nil
}

func (g *Generator) generate(ctx context.Context, req Request, res *Result, log zerolog.Logger) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return res, err
	}

	format, err := resolveFormat(req, g.cfg.Output.Format)
	if err != nil {
		return res, err
	}
	res.Format = format

	p, segments, err := g.Timeline(req.ProjectPath, req.Track)
	if err != nil {
		return res, err
	}
	res.Segments = segments
	g.publish(bus.EventTypeProjectLoaded, res.RunID, map[string]any{"path": req.ProjectPath, "tracks": len(p.Tracks)})
	g.publish(bus.EventTypeTimelineExtracted, res.RunID, map[string]any{"track": req.Track, "segments": len(segments)})
	if len(segments) == 0 {
		log.Warn().Int("track", req.Track).Msg("Timeline is empty, clip will not animate")
	}

	var avatar *scene.Avatar
	if req.AvatarPath != "" {
		avatar, err = g.avatars.Load(req.AvatarPath)
		if err != nil {
			return res, err
		}
		g.publish(bus.EventTypeAvatarLoaded, res.RunID, map[string]any{"path": req.AvatarPath})
	} else if format == FormatGLTF {
		return res, ErrNoAvatar
	}

	detection, err := g.resolveMapping(req, avatar)
	res.Detection = detection
	g.publish(bus.EventTypeDetectionCompleted, res.RunID, map[string]any{
		"state":       detection.State.String(),
		"target_path": detection.TargetPath,
		"matched":     detection.MatchedCount,
	})
	if err != nil {
		return res, err
	}
	log.Info().
		Str("target", detection.TargetPath).
		Int("matched", detection.MatchedCount).
		Int("score", detection.Score).
		Msg("Viseme mapping resolved")

	if err := ctx.Err(); err != nil {
		return res, err
	}

	curves := g.synth.Synthesize(segments, detection.Mapping)
	name := req.ClipName
	if name == "" {
		name = g.cfg.Output.ClipName
	}
	res.Clip = &clip.Clip{
		ID:         res.RunID,
		Name:       name,
		TargetPath: detection.TargetPath,
		MaxWeight:  g.synth.Options().MaxWeight,
		Curves:     curves,
		Prefix:     g.cfg.Detection.OutputNamespacePrefix,
	}
	g.publish(bus.EventTypeClipGenerated, res.RunID, map[string]any{"curves": curve.Names(curves), "duration": res.Clip.Duration()})
	if len(segments) > 0 && res.Clip.Empty() {
		log.Warn().Msg("No segment uses a mapped viseme, clip will not animate")
	}

	res.OutputPath = outputPath(req, format)
	switch format {
	case FormatGLTF:
		if _, err := g.writer.EmbedGLTF(avatar.Document, avatar.NodeFor(detection.Node), res.Clip); err != nil {
			return res, err
		}
		if err := g.writer.SaveGLTF(avatar.Document, res.OutputPath); err != nil {
			return res, err
		}
	case FormatYAML:
		if err := g.writer.SaveYAML(res.OutputPath, res.Clip); err != nil {
			return res, err
		}
	}
	g.publish(bus.EventTypeClipWritten, res.RunID, map[string]any{"path": res.OutputPath, "format": format})

	if g.preview != nil {
		id, err := g.preview.Push(ctx, res.Clip)
		if err != nil {
			log.Warn().Err(err).Msg("Preview push failed")
		} else {
			res.PreviewID = id
			g.publish(bus.EventTypeClipPushed, res.RunID, map[string]any{"id": id})
		}
	}

	return res, nil
}

// resolveMapping applies the manual mapping from the request or the config,
// falling back to detection.
func (g *Generator) resolveMapping(req Request, avatar *scene.Avatar) (morph.DetectionResult, error) {
	manual := req.Mapping
	targetPath := req.TargetPath
	if len(manual) == 0 {
		m, err := g.cfg.Mapping()
		if err != nil {
			return morph.DetectionResult{}, err
		}
		manual = m
		if targetPath == "" {
			targetPath = g.cfg.Detection.TargetPath
		}
	}

	if len(manual) > 0 {
		node := -1
		if avatar != nil {
			node = findManualTarget(avatar.Hierarchy, manual, targetPath, g.cfg.Detection.OutputNamespacePrefix)
			if node < 0 {
				return morph.DetectionResult{}, fmt.Errorf("%w: %q", ErrNoTarget, targetPath)
			}
			targetPath = avatar.Hierarchy.Node(node).Path
		}
		return g.detector.Manual(manual, targetPath, node), nil
	}

	if avatar == nil {
		return morph.DetectionResult{}, ErrNoMapping
	}
	detection := g.detector.Detect(avatar.Hierarchy)
	if !detection.Valid() {
		return detection, ErrNoMapping
	}
	return detection, nil
}

// findManualTarget returns the node at path, or without a path the first
// renderer exposing one of the mapped names, with or without prefix.
func findManualTarget(h *morph.Hierarchy, mapping viseme.Mapping, path, prefix string) int {
	if path != "" {
		idx := h.Find(path)
		if idx >= 0 && h.Node(idx).IsRenderer() {
			return idx
		}
		return -1
	}
	for _, idx := range h.Renderers() {
		targets := h.Node(idx).MorphTargets
		for _, name := range mapping.Targets() {
			if slices.Contains(targets, name) || slices.Contains(targets, strings.TrimPrefix(name, prefix)) {
				return idx
			}
		}
	}
	return -1
}

func (g *Generator) publish(t bus.EventType, runID string, data map[string]any) {
	g.events.PublishSync(bus.Event{Type: t, RunID: runID, Data: data})
}

func resolveFormat(req Request, fallback string) (string, error) {
	format := strings.ToLower(req.Format)
	if format == "" {
		switch strings.ToLower(filepath.Ext(req.OutputPath)) {
		case ".yaml", ".yml":
			format = FormatYAML
		case ".gltf", ".glb":
			format = FormatGLTF
		default:
			format = fallback
		}
	}
	switch format {
	case FormatGLTF, FormatYAML:
		return format, nil
	}
	return "", fmt.Errorf("%w: %q", clip.ErrUnsupportedFormat, format)
}

// outputPath derives the destination when the request leaves it empty:
// avatar.lipsync.glb next to the avatar, or song.lipsync.yaml next to the
// project.
func outputPath(req Request, format string) string {
	if req.OutputPath != "" {
		return req.OutputPath
	}
	if format == FormatGLTF {
		ext := filepath.Ext(req.AvatarPath)
		return strings.TrimSuffix(req.AvatarPath, ext) + ".lipsync" + ext
	}
	ext := filepath.Ext(req.ProjectPath)
	return strings.TrimSuffix(req.ProjectPath, ext) + ".lipsync.yaml"
}
