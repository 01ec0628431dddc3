package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/normanking/cortexlipsync/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			if path != "" && !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
			}

			written, err := config.Save(config.DefaultConfig(), path)
			if err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Println(successStyle.Render("✓ Configuration written to " + written))
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	cmd.AddCommand(initCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			printConfig(cfg)
			return nil
		},
	})

	return cmd
}

func printConfig(c *config.Config) {
	fmt.Println(titleStyle.Render("Configuration"))
	fmt.Println()

	fmt.Println("Synthesis:")
	fmt.Printf("  Max fade duration: %.2fs\n", c.Synthesis.MaxFadeDuration)
	fmt.Printf("  Fade time ratio:   %.2f\n", c.Synthesis.FadeTimeRatio)
	fmt.Printf("  Max weight:        %g\n", c.Synthesis.MaxWeight)
	fmt.Println()

	fmt.Println("Detection:")
	fmt.Printf("  Namespace prefix: %q\n", c.Detection.OutputNamespacePrefix)
	fmt.Printf("  Face keywords:    %s\n", strings.Join(c.Detection.FaceKeywords, ", "))
	if len(c.Detection.ManualMapping) > 0 {
		keys := make([]string, 0, len(c.Detection.ManualMapping))
		for k := range c.Detection.ManualMapping {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Println("  Manual mapping:")
		for _, k := range keys {
			fmt.Printf("    %s → %s\n", strings.ToUpper(k), c.Detection.ManualMapping[k])
		}
	}
	fmt.Println()

	fmt.Println("Output:")
	fmt.Printf("  Format:    %s\n", c.Output.Format)
	fmt.Printf("  Clip name: %s\n", c.Output.ClipName)
	fmt.Printf("  Track:     %d\n", c.Timing.Track)
	fmt.Println()

	preview := dimStyle.Render("disabled")
	if c.Preview.URL != "" {
		preview = c.Preview.URL
	}
	fmt.Printf("Preview: %s\n", preview)
}
