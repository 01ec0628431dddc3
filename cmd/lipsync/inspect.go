package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/normanking/cortexlipsync/internal/morph"
	"github.com/normanking/cortexlipsync/internal/pipeline"
	"github.com/normanking/cortexlipsync/internal/tempo"
	"github.com/normanking/cortexlipsync/internal/timing"
	"github.com/normanking/cortexlipsync/internal/viseme"
)

func timelineCmd() *cobra.Command {
	var track int
	var asYAML bool

	cmd := &cobra.Command{
		Use:   "timeline [project.ustx]",
		Short: "Print the vowel timeline of a project track",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("track") {
				track = cfg.Timing.Track
			}

			gen, err := pipeline.NewGenerator(cfg, componentLogger("cli"), nil)
			if err != nil {
				return err
			}
			defer gen.Close()

			p, segments, err := gen.Timeline(args[0], track)
			if err != nil {
				return err
			}

			if asYAML {
				enc := yaml.NewEncoder(os.Stdout)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(segments)
			}

			trackName := fmt.Sprintf("#%d", track)
			if t := p.Track(track); t != nil {
				trackName = t.Name
			}
			conv, err := tempo.NewConverter(p.Tempo)
			if err != nil {
				return err
			}

			fmt.Println(titleStyle.Render(fmt.Sprintf("%s · %s", p.Name, trackName)))
			fmt.Println(dimStyle.Render("Tempo: " + formatTempo(conv.Segments())))
			fmt.Println()

			if len(segments) == 0 {
				fmt.Println(dimStyle.Render("No segments. The track is empty or does not exist."))
				return nil
			}
			ticks := segmentTicks(conv, segments)
			for i, s := range segments {
				label := s.Viseme.String()
				if !s.Viseme.IsVoiced() {
					label = dimStyle.Render(label)
				}
				fmt.Printf("%4d  %8.3fs → %8.3fs  %6.3fs  %s  %s\n", i, s.StartSeconds, s.EndSeconds, s.Duration(),
					dimStyle.Render(fmt.Sprintf("[%d, %d)", ticks[i][0], ticks[i][1])), label)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&track, "track", "t", 0, "Track index")
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "Print the timeline as YAML")
	return cmd
}

// segmentTicks places segment bounds back on the project's tick grid
func segmentTicks(conv *tempo.Converter, segments []timing.VowelSegment) [][2]int64 {
	out := make([][2]int64, len(segments))
	for i, s := range segments {
		out[i] = [2]int64{conv.SecondsToTicks(s.StartSeconds), conv.SecondsToTicks(s.EndSeconds)}
	}
	return out
}

func formatTempo(segments []tempo.Segment) string {
	parts := make([]string, len(segments))
	for i, s := range segments {
		parts[i] = fmt.Sprintf("%g BPM @ %d", s.BPM, s.StartTick)
	}
	return strings.Join(parts, ", ")
}

func detectCmd() *cobra.Command {
	var listTargets bool

	cmd := &cobra.Command{
		Use:   "detect [avatar.glb]",
		Short: "Detect viseme morph targets on an avatar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gen, err := pipeline.NewGenerator(cfg, componentLogger("cli"), nil)
			if err != nil {
				return err
			}
			defer gen.Close()

			avatar, result, err := gen.Detect(args[0])
			if err != nil {
				return err
			}

			fmt.Println(titleStyle.Render("Renderers"))
			fmt.Println()
			detector := morph.NewDetector(cfg.Detection.OutputNamespacePrefix, cfg.Detection.FaceKeywords)
			for _, c := range detector.Candidates(avatar.Hierarchy) {
				marker := dimStyle.Render("○")
				if c.Node == result.Node {
					marker = successStyle.Render("●")
				}
				fmt.Printf("%s %s\n", marker, c.Path)
				fmt.Printf("  %s\n", dimStyle.Render(fmt.Sprintf("%d targets | %d visemes | score %d",
					len(avatar.MorphTargets(c.Node)), c.MatchedCount, c.Score)))
			}
			fmt.Println()

			if listTargets {
				for _, set := range avatar.Hierarchy.MorphTargetSets() {
					fmt.Println(set.Path)
					for _, name := range set.Names {
						fmt.Printf("  %s\n", dimStyle.Render(name))
					}
				}
				fmt.Println()
			}

			if !result.Valid() {
				fmt.Println(warnStyle.Render("No viseme morph targets found."))
				fmt.Println(dimStyle.Render("Set detection.manual_mapping in the config or pass --map to generate."))
				return nil
			}

			fmt.Println(successStyle.Render(fmt.Sprintf("✓ %s (%d/5 visemes)", result.TargetPath, result.MatchedCount)))
			for _, v := range viseme.Voiced {
				name, ok := result.Mapping[v]
				if !ok {
					name = dimStyle.Render("-")
				}
				fmt.Printf("  %s → %s\n", v, name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&listTargets, "targets", false, "List every morph target per renderer")
	return cmd
}
