package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/normanking/cortexlipsync/internal/bus"
	"github.com/normanking/cortexlipsync/internal/pipeline"
	"github.com/normanking/cortexlipsync/internal/viseme"
)

func generateCmd() *cobra.Command {
	var (
		avatarPath string
		outputPath string
		format     string
		track      int
		clipName   string
		maps       []string
		targetPath string
		watch      bool
		previewURL string
	)

	cmd := &cobra.Command{
		Use:   "generate [project.ustx]",
		Short: "Generate a lip-sync clip",
		Long: `Generate a lip-sync clip from a project track.

With --avatar the clip is embedded as a morph-weight animation and the avatar
is saved next to the original (or to --output). Without an avatar, pass
--map and --format yaml to export a standalone clip.`,
		Example: `  lipsync generate song.ustx --avatar avatar.glb
  lipsync generate song.ustx --map a=mouth_a --map o=mouth_o -o song.yaml
  lipsync generate song.ustx --avatar avatar.glb --watch --preview-url http://localhost:8090`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("track") {
				track = cfg.Timing.Track
			}
			if previewURL != "" {
				cfg.Preview.URL = previewURL
			}

			mapping, err := parseMaps(maps)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			events := bus.NewEventBus()
			log := componentLogger("events")
			events.SubscribeAll(func(e bus.Event) {
				log.Debug().Str("event", string(e.Type)).Str("run", e.RunID).Fields(e.Data).Msg("Pipeline event")
			})

			gen, err := pipeline.NewGenerator(cfg, logger.Zerolog(), events)
			if err != nil {
				return err
			}
			defer gen.Close()

			req := pipeline.Request{
				ProjectPath: args[0],
				AvatarPath:  avatarPath,
				OutputPath:  outputPath,
				Format:      format,
				Track:       track,
				ClipName:    clipName,
				Mapping:     mapping,
				TargetPath:  targetPath,
			}

			if !watch {
				res, err := gen.Generate(ctx, req)
				if err != nil {
					return explain(err)
				}
				printResult(res)
				return nil
			}

			w, err := pipeline.NewWatcher(gen, req, pipeline.DefaultDebounce)
			if err != nil {
				return err
			}
			w.OnResult(func(res *pipeline.Result, err error) {
				if err != nil {
					fmt.Println(warnStyle.Render("✗ " + explain(err).Error()))
					return
				}
				printResult(res)
			})

			if err := gen.ConnectPreview(ctx); err != nil {
				fmt.Println(warnStyle.Render("✗ Preview unavailable: " + err.Error()))
			}
			events.Subscribe(bus.EventTypeSourceChanged, func(e bus.Event) {
				fmt.Println(dimStyle.Render(fmt.Sprintf("↻ %v changed", e.Data["file"])))
			})

			fmt.Println(dimStyle.Render("Watching for changes. Press Ctrl+C to stop."))
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&avatarPath, "avatar", "a", "", "glTF/GLB avatar to animate")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output path (.glb, .gltf or .yaml)")
	cmd.Flags().StringVarP(&format, "format", "f", "", "Output format: gltf or yaml (default from output path or config)")
	cmd.Flags().IntVarP(&track, "track", "t", 0, "Track index")
	cmd.Flags().StringVar(&clipName, "clip-name", "", "Animation clip name")
	cmd.Flags().StringArrayVar(&maps, "map", nil, "Manual viseme mapping, e.g. --map a=mouth_a (repeatable)")
	cmd.Flags().StringVar(&targetPath, "target-path", "", "Renderer path for a manual mapping")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Regenerate when the project or avatar changes")
	cmd.Flags().StringVar(&previewURL, "preview-url", "", "Push each clip to a running avatar at this URL")

	return cmd
}

// parseMaps turns repeated viseme=target flags into a mapping
func parseMaps(raw []string) (viseme.Mapping, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	pairs := make(map[string]string, len(raw))
	for _, r := range raw {
		key, target, ok := strings.Cut(r, "=")
		if !ok || strings.TrimSpace(target) == "" {
			return nil, fmt.Errorf("invalid --map %q, expected viseme=target", r)
		}
		pairs[key] = strings.TrimSpace(target)
	}
	return viseme.MappingFromStrings(pairs)
}

func explain(err error) error {
	if errors.Is(err, pipeline.ErrNoMapping) {
		return fmt.Errorf("%w\n  hint: pass --map a=<target> ... or set detection.manual_mapping", err)
	}
	return err
}

func printResult(res *pipeline.Result) {
	fmt.Println(successStyle.Render("✓ Lip-sync generated"))
	fmt.Printf("  Output:   %s (%s)\n", res.OutputPath, res.Format)
	fmt.Printf("  Target:   %s\n", res.Detection.TargetPath)
	fmt.Printf("  Segments: %d\n", len(res.Segments))
	fmt.Printf("  Duration: %.2fs\n", res.Clip.Duration())
	if res.PreviewID != "" {
		fmt.Printf("  Preview:  %s\n", dimStyle.Render(res.PreviewID))
	}
	fmt.Printf("  %s\n", dimStyle.Render(fmt.Sprintf("run %s in %s", res.RunID[:8], res.Elapsed.Round(time.Millisecond))))
}
