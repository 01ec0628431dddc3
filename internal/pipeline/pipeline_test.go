package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/qmuntal/gltf"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexlipsync/internal/bus"
	"github.com/normanking/cortexlipsync/internal/clip"
	"github.com/normanking/cortexlipsync/internal/config"
	"github.com/normanking/cortexlipsync/internal/morph"
	"github.com/normanking/cortexlipsync/internal/preview"
	"github.com/normanking/cortexlipsync/internal/tempo"
	"github.com/normanking/cortexlipsync/internal/viseme"
)

const songUSTX = `
name: song
resolution: 480
bpm: 120
tempos:
- position: 0
  bpm: 120
tracks:
- track_name: Lead
voice_parts:
- track_no: 0
  position: 0
  notes:
  - position: 0
    duration: 480
    lyric: か
  - position: 480
    duration: 480
    lyric: ー
  - position: 960
    duration: 480
    lyric: い
  - position: 1440
    duration: 480
    lyric: お[o]
`

func writeProject(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "song.ustx")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func writeAvatar(t *testing.T, dir string, faceTargets []any) string {
	return writeAvatarWithBody(t, dir, []any{"smile"}, faceTargets)
}

func writeAvatarWithBody(t *testing.T, dir string, bodyTargets, faceTargets []any) string {
	t.Helper()
	doc := &gltf.Document{
		Asset:  gltf.Asset{Version: "2.0"},
		Scene:  gltf.Index(0),
		Scenes: []*gltf.Scene{{Name: "Avatar", Nodes: []int{0}}},
		Nodes: []*gltf.Node{
			{Name: "Armature", Children: []int{1, 2}},
			{Name: "Body", Mesh: gltf.Index(0)},
			{Name: "Face", Mesh: gltf.Index(1)},
		},
		Meshes: []*gltf.Mesh{
			{Name: "body", Extras: map[string]any{"targetNames": bodyTargets}},
			{Name: "face", Extras: map[string]any{"targetNames": faceTargets}},
		},
	}
	path := filepath.Join(dir, "avatar.gltf")
	require.NoError(t, gltf.Save(doc, path))
	return path
}

var vrcTargets = []any{"vrc.v_aa", "vrc.v_ih", "vrc.v_ou", "vrc.v_e", "vrc.v_oh"}

func newGenerator(t *testing.T, cfg *config.Config) *Generator {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	g, err := NewGenerator(cfg, zerolog.Nop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func TestGenerate_GLTFWithDetection(t *testing.T) {
	dir := t.TempDir()
	g := newGenerator(t, nil)

	var mu sync.Mutex
	var events []bus.EventType
	g.Events().SubscribeAll(func(e bus.Event) {
		mu.Lock()
		events = append(events, e.Type)
		mu.Unlock()
	})

	res, err := g.Generate(context.Background(), Request{
		ProjectPath: writeProject(t, dir, songUSTX),
		AvatarPath:  writeAvatar(t, dir, vrcTargets),
	})
	require.NoError(t, err)

	assert.Equal(t, FormatGLTF, res.Format)
	assert.Equal(t, filepath.Join(dir, "avatar.lipsync.gltf"), res.OutputPath)
	assert.Equal(t, morph.Matched, res.Detection.State)
	assert.Equal(t, "Armature/Face", res.Detection.TargetPath)
	assert.Equal(t, "blendShape.vrc.v_aa", res.Detection.Mapping[viseme.A])

	// か + ー merge into one A segment
	require.Len(t, res.Segments, 3)
	assert.Equal(t, viseme.A, res.Segments[0].Viseme)
	assert.Equal(t, 1.0, res.Segments[0].EndSeconds)
	assert.Equal(t, viseme.I, res.Segments[1].Viseme)
	assert.Equal(t, viseme.O, res.Segments[2].Viseme)

	assert.Len(t, res.Clip.Curves, 5)
	assert.NotEmpty(t, res.Clip.Curves["blendShape.vrc.v_aa"].Keys)
	assert.Empty(t, res.Clip.Curves["blendShape.vrc.v_ou"].Keys)

	out, err := gltf.Open(res.OutputPath)
	require.NoError(t, err)
	require.Len(t, out.Animations, 1)
	assert.Equal(t, "lipsync", out.Animations[0].Name)
	assert.EqualValues(t, 2, *out.Animations[0].Channels[0].Target.Node)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bus.EventType{
		bus.EventTypeProjectLoaded,
		bus.EventTypeTimelineExtracted,
		bus.EventTypeAvatarLoaded,
		bus.EventTypeDetectionCompleted,
		bus.EventTypeClipGenerated,
		bus.EventTypeClipWritten,
	}, events)
}

func TestGenerate_YAMLWithManualMapping(t *testing.T) {
	dir := t.TempDir()
	g := newGenerator(t, nil)
	outPath := filepath.Join(dir, "out", "song.yaml")

	res, err := g.Generate(context.Background(), Request{
		ProjectPath: writeProject(t, dir, songUSTX),
		OutputPath:  outPath,
		ClipName:    "verse",
		Mapping:     viseme.Mapping{viseme.A: "mouth_a", viseme.O: "mouth_o"},
		TargetPath:  "Body/Face",
	})
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, res.Format)
	assert.Equal(t, morph.Matched, res.Detection.State)

	f, err := os.Open(outPath)
	require.NoError(t, err)
	defer f.Close()

	c, err := clip.ReadYAML(f)
	require.NoError(t, err)
	assert.Equal(t, "verse", c.Name)
	assert.Equal(t, "Body/Face", c.TargetPath)
	assert.Len(t, c.Curves, 2)
	assert.NotEmpty(t, c.Curves["blendShape.mouth_a"].Keys)
	assert.NotEmpty(t, c.Curves["blendShape.mouth_o"].Keys)
}

func TestGenerate_ManualAndDetectedNamesAgree(t *testing.T) {
	dir := t.TempDir()
	g := newGenerator(t, nil)
	project := writeProject(t, dir, songUSTX)
	avatar := writeAvatar(t, dir, vrcTargets)

	detected, err := g.Generate(context.Background(), Request{
		ProjectPath: project,
		AvatarPath:  avatar,
		OutputPath:  filepath.Join(dir, "detected.yaml"),
	})
	require.NoError(t, err)

	manual, err := g.Generate(context.Background(), Request{
		ProjectPath: project,
		AvatarPath:  avatar,
		OutputPath:  filepath.Join(dir, "manual.yaml"),
		Mapping: viseme.Mapping{
			viseme.A: "vrc.v_aa", viseme.I: "vrc.v_ih", viseme.U: "vrc.v_ou",
			viseme.E: "vrc.v_e", viseme.O: "vrc.v_oh",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, detected.Detection.Mapping, manual.Detection.Mapping)
	assert.Equal(t, curveNames(detected.Clip), curveNames(manual.Clip))
}

func curveNames(c *clip.Clip) []string {
	names := make([]string, 0, len(c.Curves))
	for name := range c.Curves {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func TestGenerator_CloseClearsPrivateBus(t *testing.T) {
	g, err := NewGenerator(config.DefaultConfig(), zerolog.Nop(), nil)
	require.NoError(t, err)

	var calls int
	g.Events().SubscribeAll(func(bus.Event) { calls++ })
	require.NoError(t, g.Close())

	g.Events().PublishSync(bus.Event{Type: bus.EventTypeClipWritten})
	assert.Zero(t, calls)
}

func TestGenerator_CloseKeepsSharedBus(t *testing.T) {
	events := bus.NewEventBus()
	g, err := NewGenerator(config.DefaultConfig(), zerolog.Nop(), events)
	require.NoError(t, err)

	var calls int
	events.SubscribeAll(func(bus.Event) { calls++ })
	require.NoError(t, g.Close())

	events.PublishSync(bus.Event{Type: bus.EventTypeClipWritten})
	assert.Equal(t, 1, calls)
}

func TestGenerate_ManualMappingFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Detection.ManualMapping = map[string]string{"a": "smile"}
	g := newGenerator(t, cfg)

	res, err := g.Generate(context.Background(), Request{
		ProjectPath: writeProject(t, dir, songUSTX),
		AvatarPath:  writeAvatar(t, dir, []any{"jaw"}),
	})
	require.NoError(t, err)
	assert.Equal(t, "Armature/Body", res.Detection.TargetPath)
	assert.Equal(t, 1, res.Detection.MatchedCount)
}

func TestGenerate_NoMapping(t *testing.T) {
	dir := t.TempDir()
	g := newGenerator(t, nil)

	var failed bool
	g.Events().Subscribe(bus.EventTypeGenerationFailed, func(bus.Event) { failed = true })

	res, err := g.Generate(context.Background(), Request{
		ProjectPath: writeProject(t, dir, songUSTX),
		AvatarPath:  writeAvatarWithBody(t, dir, []any{"Fcl_BRW_L"}, []any{"Fcl_MTH_SYM", "Fcl_BRW_R"}),
	})
	require.ErrorIs(t, err, ErrNoMapping)
	assert.Equal(t, morph.NoMatch, res.Detection.State)
	assert.True(t, failed)
	assert.NoFileExists(t, filepath.Join(dir, "avatar.lipsync.gltf"))
}

func TestGenerate_ManualTargetMissing(t *testing.T) {
	dir := t.TempDir()
	g := newGenerator(t, nil)

	_, err := g.Generate(context.Background(), Request{
		ProjectPath: writeProject(t, dir, songUSTX),
		AvatarPath:  writeAvatar(t, dir, vrcTargets),
		Mapping:     viseme.Mapping{viseme.A: "vrc.v_aa"},
		TargetPath:  "Armature/Hat",
	})
	assert.ErrorIs(t, err, ErrNoTarget)
}

func TestGenerate_Errors(t *testing.T) {
	dir := t.TempDir()
	g := newGenerator(t, nil)
	project := writeProject(t, dir, songUSTX)

	_, err := g.Generate(context.Background(), Request{ProjectPath: project, Format: "gltf"})
	assert.ErrorIs(t, err, ErrNoAvatar)

	_, err = g.Generate(context.Background(), Request{ProjectPath: project, Format: "yaml"})
	assert.ErrorIs(t, err, ErrNoMapping)

	_, err = g.Generate(context.Background(), Request{ProjectPath: project, Format: "fbx"})
	assert.ErrorIs(t, err, clip.ErrUnsupportedFormat)

	noTempo := writeProject(t, t.TempDir(), "voice_parts:\n- notes:\n  - {position: 0, duration: 480, lyric: a}\n")
	_, err = g.Generate(context.Background(), Request{ProjectPath: noTempo, Format: "yaml", Mapping: viseme.Mapping{viseme.A: "a"}})
	assert.ErrorIs(t, err, tempo.ErrMissingTempo)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Generate(ctx, Request{ProjectPath: project})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGenerate_EmptyTrackStillWrites(t *testing.T) {
	dir := t.TempDir()
	g := newGenerator(t, nil)

	res, err := g.Generate(context.Background(), Request{
		ProjectPath: writeProject(t, dir, songUSTX),
		AvatarPath:  writeAvatar(t, dir, vrcTargets),
		Track:       4,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Segments)
	assert.True(t, res.Clip.Empty())
	assert.FileExists(t, res.OutputPath)
}

func TestTimelineAndDetect(t *testing.T) {
	dir := t.TempDir()
	g := newGenerator(t, nil)

	p, segments, err := g.Timeline(writeProject(t, dir, songUSTX), 0)
	require.NoError(t, err)
	assert.Equal(t, "song", p.Name)
	assert.Len(t, segments, 3)

	a, result, err := g.Detect(writeAvatar(t, dir, vrcTargets))
	require.NoError(t, err)
	assert.True(t, result.Valid())
	assert.Equal(t, 2, a.NodeFor(result.Node))
}

func TestOutputPath(t *testing.T) {
	assert.Equal(t, "out.glb", outputPath(Request{OutputPath: "out.glb"}, FormatGLTF))
	assert.Equal(t, "models/avatar.lipsync.glb", outputPath(Request{AvatarPath: "models/avatar.glb"}, FormatGLTF))
	assert.Equal(t, "songs/a.lipsync.yaml", outputPath(Request{ProjectPath: "songs/a.ustx"}, FormatYAML))
}

func TestResolveFormat(t *testing.T) {
	f, err := resolveFormat(Request{OutputPath: "x.yml"}, FormatGLTF)
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, f)

	f, err = resolveFormat(Request{OutputPath: "x.glb"}, FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, FormatGLTF, f)

	f, err = resolveFormat(Request{}, FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, f)
}

func TestWatcher_RegeneratesOnSave(t *testing.T) {
	dir := t.TempDir()
	g := newGenerator(t, nil)
	project := writeProject(t, dir, songUSTX)

	w, err := NewWatcher(g, Request{
		ProjectPath: project,
		OutputPath:  filepath.Join(t.TempDir(), "song.yaml"),
		Mapping:     viseme.Mapping{viseme.A: "a", viseme.I: "i", viseme.O: "o"},
	}, 50*time.Millisecond)
	require.NoError(t, err)

	changed := make(chan bus.Event, 8)
	g.Events().Subscribe(bus.EventTypeSourceChanged, func(e bus.Event) {
		select {
		case changed <- e:
		default:
		}
	})

	results := make(chan *Result, 4)
	w.OnResult(func(r *Result, err error) {
		if err == nil {
			results <- r
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	first := waitResult(t, results)
	assert.Len(t, first.Segments, 3)

	// Drop the trailing note and save again.
	trimmed := strings.TrimSuffix(songUSTX, "  - position: 1440\n    duration: 480\n    lyric: お[o]\n")
	require.NotEqual(t, songUSTX, trimmed)
	require.NoError(t, os.WriteFile(project, []byte(trimmed), 0644))

	second := waitResult(t, results)
	assert.Len(t, second.Segments, 2)

	select {
	case e := <-changed:
		assert.Equal(t, project, e.Data["file"])
	case <-time.After(time.Second):
		t.Fatal("no source.changed event")
	}
	assert.NotEqual(t, first.RunID, second.RunID)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func waitResult(t *testing.T, results <-chan *Result) *Result {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
		return nil
	}
}

func TestGenerate_PushesPreview(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg preview.WSClipMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			conn.WriteJSON(preview.WSReplyMessage{Type: "ack", ID: msg.ID})
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	g := newGenerator(t, nil)
	g.setPreview(preview.NewClient(srv.URL, time.Second, zerolog.Nop()))

	var pushed bool
	g.Events().Subscribe(bus.EventTypeClipPushed, func(bus.Event) { pushed = true })

	res, err := g.Generate(context.Background(), Request{
		ProjectPath: writeProject(t, dir, songUSTX),
		AvatarPath:  writeAvatar(t, dir, vrcTargets),
	})
	require.NoError(t, err)
	assert.Equal(t, res.RunID, res.PreviewID)
	assert.True(t, pushed)
}

func TestGenerate_PreviewFailureIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	dir := t.TempDir()
	g := newGenerator(t, nil)
	g.setPreview(preview.NewClient(srv.URL, 200*time.Millisecond, zerolog.Nop()))

	res, err := g.Generate(context.Background(), Request{
		ProjectPath: writeProject(t, dir, songUSTX),
		AvatarPath:  writeAvatar(t, dir, vrcTargets),
	})
	require.NoError(t, err)
	assert.Empty(t, res.PreviewID)
	assert.FileExists(t, res.OutputPath)
}

func TestConnectPreview(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	g := newGenerator(t, nil)
	require.NoError(t, g.ConnectPreview(context.Background()), "disabled preview is a no-op")

	client := preview.NewClient(srv.URL, time.Second, zerolog.Nop())
	g.setPreview(client)
	require.NoError(t, g.ConnectPreview(context.Background()))
	assert.True(t, client.IsConnected())
}

func TestConnectPreview_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	g := newGenerator(t, nil)
	g.setPreview(preview.NewClient(srv.URL, 200*time.Millisecond, zerolog.Nop()))
	assert.Error(t, g.ConnectPreview(context.Background()))
}

func TestPushClip(t *testing.T) {
	received := make(chan preview.WSClipMessage, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var msg preview.WSClipMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		received <- msg
		conn.WriteJSON(preview.WSReplyMessage{Type: "ack", ID: msg.ID})
	}))
	defer srv.Close()

	dir := t.TempDir()
	g := newGenerator(t, nil)
	res, err := g.Generate(context.Background(), Request{
		ProjectPath: writeProject(t, dir, songUSTX),
		OutputPath:  filepath.Join(dir, "song.yaml"),
		ClipName:    "verse",
		Mapping:     viseme.Mapping{viseme.A: "mouth_a"},
	})
	require.NoError(t, err)

	_, err = g.PushClip(context.Background(), res.OutputPath)
	assert.ErrorIs(t, err, ErrNoPreview)

	g.setPreview(preview.NewClient(srv.URL, time.Second, zerolog.Nop()))
	id, err := g.PushClip(context.Background(), res.OutputPath)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msg := <-received
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, "verse", msg.Name)
	assert.Contains(t, msg.Curves, "blendShape.mouth_a")

	_, err = g.PushClip(context.Background(), filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
