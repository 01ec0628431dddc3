// Package main is the entry point for the lipsync CLI.
// lipsync turns singing-synthesis projects into viseme animation clips for
// glTF avatars.
package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/normanking/cortexlipsync/internal/config"
	"github.com/normanking/cortexlipsync/internal/logging"
)

var (
	// Version information (set at build time)
	version = "dev"

	cfgPath string
	verbose bool
	logDir  string

	cfg    *config.Config
	logger *logging.Logger

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F59E0B"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lipsync",
		Short: "Generate lip-sync animation from singing-synthesis projects",
		Long: titleStyle.Render("lipsync") + `

Builds vowel-shape animation curves from a sung project and writes them
into a glTF avatar or a standalone YAML clip:
  • Tempo-aware tick to seconds conversion
  • Japanese kana, romaji and phoneme vowel classification
  • Automatic viseme morph-target detection
  • Live preview on a running avatar

` + dimStyle.Render("Use 'lipsync [command] --help' for more information."),
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: initRuntime,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				logger.Close()
			}
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.cortexlipsync/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "also write logs to this directory")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lipsync %s\n", version)
		},
	})

	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(timelineCmd())
	rootCmd.AddCommand(detectCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(pushCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// initRuntime loads configuration and sets up logging for every command
func initRuntime(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(cfgPath)
	if err != nil {
		return err
	}

	level := logging.LogLevel(cfg.Logging.Level)
	if verbose {
		level = logging.LevelDebug
	}
	dir := cfg.Logging.Dir
	if logDir != "" {
		dir = logDir
	}

	logger, err = logging.New(&logging.Config{
		LogDir:  dir,
		Level:   level,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		return err
	}

	if verbose {
		log := logger.Component("cli")
		log.Debug().Str("config", cfgPath).Str("logFile", logger.GetLogPath()).Msg("Verbose logging enabled")
	}
	return nil
}

func componentLogger(name string) zerolog.Logger {
	if logger == nil {
		return zerolog.Nop()
	}
	return logger.Component(name)
}
