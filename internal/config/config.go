// Package config provides configuration management for the lip-sync generator
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/normanking/cortexlipsync/internal/curve"
	"github.com/normanking/cortexlipsync/internal/morph"
	"github.com/normanking/cortexlipsync/internal/timing"
	"github.com/normanking/cortexlipsync/internal/viseme"
)

const (
	configDirName = ".cortexlipsync"
	envPrefix     = "LIPSYNC"
)

// Config holds all application configuration
type Config struct {
	Synthesis SynthesisConfig `mapstructure:"synthesis" yaml:"synthesis"`
	Detection DetectionConfig `mapstructure:"detection" yaml:"detection"`
	Timing    TimingConfig    `mapstructure:"timing" yaml:"timing"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output"`
	Preview   PreviewConfig   `mapstructure:"preview" yaml:"preview"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// SynthesisConfig configures curve generation
type SynthesisConfig struct {
	MaxFadeDuration float64 `mapstructure:"max_fade_duration" yaml:"max_fade_duration"` // seconds, 0.1-1.0
	FadeTimeRatio   float64 `mapstructure:"fade_time_ratio" yaml:"fade_time_ratio"`     // 0.1-0.5
	MaxWeight       float64 `mapstructure:"max_weight" yaml:"max_weight"`               // full intensity, 100 on a 0-100 scale
}

// DetectionConfig configures morph-target discovery
type DetectionConfig struct {
	OutputNamespacePrefix string            `mapstructure:"output_namespace_prefix" yaml:"output_namespace_prefix"`
	FaceKeywords          []string          `mapstructure:"face_keywords" yaml:"face_keywords"`
	ManualMapping         map[string]string `mapstructure:"manual_mapping" yaml:"manual_mapping"` // viseme -> morph target, overrides detection
	TargetPath            string            `mapstructure:"target_path" yaml:"target_path"`       // renderer path for manual mappings
}

// TimingConfig configures timeline extraction
type TimingConfig struct {
	ElongationMarker string `mapstructure:"elongation_marker" yaml:"elongation_marker"`
	Track            int    `mapstructure:"track" yaml:"track"`
}

// OutputConfig configures clip output
type OutputConfig struct {
	Format   string `mapstructure:"format" yaml:"format"` // gltf or yaml
	ClipName string `mapstructure:"clip_name" yaml:"clip_name"`
}

// PreviewConfig configures the live preview push
type PreviewConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"` // empty disables
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
	Console bool   `mapstructure:"console" yaml:"console"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	synth := curve.DefaultOptions()
	return &Config{
		Synthesis: SynthesisConfig{
			MaxFadeDuration: synth.MaxFadeDuration,
			FadeTimeRatio:   synth.FadeTimeRatio,
			MaxWeight:       synth.MaxWeight,
		},
		Detection: DetectionConfig{
			OutputNamespacePrefix: morph.DefaultNamespacePrefix,
			FaceKeywords:          append([]string(nil), morph.DefaultFaceKeywords...),
		},
		Timing: TimingConfig{
			ElongationMarker: timing.DefaultElongationMarker,
			Track:            0,
		},
		Output: OutputConfig{
			Format:   "gltf",
			ClipName: "lipsync",
		},
		Preview: PreviewConfig{
			Timeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// SynthesisOptions converts the synthesis section
func (c *Config) SynthesisOptions() curve.Options {
	return curve.Options{
		MaxFadeDuration: c.Synthesis.MaxFadeDuration,
		FadeTimeRatio:   c.Synthesis.FadeTimeRatio,
		MaxWeight:       c.Synthesis.MaxWeight,
	}
}

// Mapping parses the manual mapping; nil when none is configured
func (c *Config) Mapping() (viseme.Mapping, error) {
	if len(c.Detection.ManualMapping) == 0 {
		return nil, nil
	}
	return viseme.MappingFromStrings(c.Detection.ManualMapping)
}

// Validate checks value ranges
func (c *Config) Validate() error {
	if err := c.SynthesisOptions().Validate(); err != nil {
		return err
	}
	switch c.Output.Format {
	case "gltf", "yaml":
	default:
		return fmt.Errorf("output.format must be gltf or yaml, got %q", c.Output.Format)
	}
	if c.Timing.Track < 0 {
		return fmt.Errorf("timing.track must not be negative")
	}
	if _, err := c.Mapping(); err != nil {
		return fmt.Errorf("detection.manual_mapping: %w", err)
	}
	return nil
}

// Load reads configuration from path, or from the default locations when
// path is empty, then applies LIPSYNC_* environment overrides
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := GetConfigDir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	// Environment variable overrides
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that
// are absent from the file
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("synthesis.max_fade_duration", cfg.Synthesis.MaxFadeDuration)
	v.SetDefault("synthesis.fade_time_ratio", cfg.Synthesis.FadeTimeRatio)
	v.SetDefault("synthesis.max_weight", cfg.Synthesis.MaxWeight)
	v.SetDefault("detection.output_namespace_prefix", cfg.Detection.OutputNamespacePrefix)
	v.SetDefault("detection.face_keywords", cfg.Detection.FaceKeywords)
	v.SetDefault("detection.target_path", cfg.Detection.TargetPath)
	v.SetDefault("timing.elongation_marker", cfg.Timing.ElongationMarker)
	v.SetDefault("timing.track", cfg.Timing.Track)
	v.SetDefault("output.format", cfg.Output.Format)
	v.SetDefault("output.clip_name", cfg.Output.ClipName)
	v.SetDefault("preview.url", cfg.Preview.URL)
	v.SetDefault("preview.timeout", cfg.Preview.Timeout)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.dir", cfg.Logging.Dir)
	v.SetDefault("logging.console", cfg.Logging.Console)
}

// Save writes the configuration to path, or to the default config directory
// when path is empty
func Save(cfg *Config, path string) (string, error) {
	if path == "" {
		dir, err := GetConfigDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(dir, "config.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}

	v := viper.New()
	v.Set("synthesis", map[string]any{
		"max_fade_duration": cfg.Synthesis.MaxFadeDuration,
		"fade_time_ratio":   cfg.Synthesis.FadeTimeRatio,
		"max_weight":        cfg.Synthesis.MaxWeight,
	})
	v.Set("detection", map[string]any{
		"output_namespace_prefix": cfg.Detection.OutputNamespacePrefix,
		"face_keywords":           cfg.Detection.FaceKeywords,
		"manual_mapping":          cfg.Detection.ManualMapping,
		"target_path":             cfg.Detection.TargetPath,
	})
	v.Set("timing", map[string]any{
		"elongation_marker": cfg.Timing.ElongationMarker,
		"track":             cfg.Timing.Track,
	})
	v.Set("output", map[string]any{
		"format":    cfg.Output.Format,
		"clip_name": cfg.Output.ClipName,
	})
	v.Set("preview", map[string]any{
		"url":     cfg.Preview.URL,
		"timeout": cfg.Preview.Timeout.String(),
	})
	v.Set("logging", map[string]any{
		"level":   cfg.Logging.Level,
		"dir":     cfg.Logging.Dir,
		"console": cfg.Logging.Console,
	})

	v.SetConfigType("yaml")
	return path, v.WriteConfigAs(path)
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, configDirName), nil
}
