package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/normanking/cortexlipsync/internal/pipeline"
)

func pushCmd() *cobra.Command {
	var previewURL string

	cmd := &cobra.Command{
		Use:     "push [clip.yaml]",
		Short:   "Send an exported clip to a running avatar",
		Example: `  lipsync push song.lipsync.yaml --preview-url http://localhost:8090`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if previewURL != "" {
				cfg.Preview.URL = previewURL
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			gen, err := pipeline.NewGenerator(cfg, componentLogger("cli"), nil)
			if err != nil {
				return err
			}
			defer gen.Close()

			id, err := gen.PushClip(ctx, args[0])
			if errors.Is(err, pipeline.ErrNoPreview) {
				return fmt.Errorf("%w\n  hint: pass --preview-url or set preview.url", err)
			}
			if err != nil {
				return err
			}
			fmt.Println(successStyle.Render("✓ Clip pushed ") + dimStyle.Render(id))
			return nil
		},
	}
	cmd.Flags().StringVar(&previewURL, "preview-url", "", "Avatar URL")
	return cmd
}
