// Package config loads and saves the stitch.yaml project configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/entrhq/stitch/pkg/artifact"
)

// DefaultFileName is the project configuration file looked up in the
// working directory.
const DefaultFileName = "stitch.yaml"

// Duration reads and writes time.ParseDuration strings such as "30s" in
// YAML. yaml.v3 has no native handling for time.Duration, so the raw type
// would only accept nanosecond integers.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the full project configuration.
type Config struct {
	Project  ProjectConfig  `yaml:"project"`
	Browser  BrowserConfig  `yaml:"browser"`
	Model    ModelConfig    `yaml:"model"`
	Patching PatchingConfig `yaml:"patching"`
	Artifact ArtifactConfig `yaml:"artifacts"`
	Secrets  SecretsConfig  `yaml:"secrets"`

	// DOM configures snapshot canonicalization.
	DOM artifact.NormalizeRules `yaml:"dom"`
}

// ProjectConfig identifies the application under test.
type ProjectConfig struct {
	Name          string `yaml:"name"`
	BaseURL       string `yaml:"base_url"`
	TestDirectory string `yaml:"test_directory"`
}

// BrowserConfig controls the collector's browser sessions.
type BrowserConfig struct {
	Headless bool     `yaml:"headless"`
	Timeout  Duration `yaml:"timeout"`
	Viewport Viewport `yaml:"viewport"`
}

// Viewport is the browser viewport size.
type Viewport struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// ModelConfig selects and tunes the proposal backend.
type ModelConfig struct {
	Name        string  `yaml:"name"`
	BaseURL     string  `yaml:"base_url,omitempty"`
	MaxCycles   int     `yaml:"max_cycles"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// PatchingConfig tunes the patch validation loop.
type PatchingConfig struct {
	// MaxConsecutiveRejections ends the session as failed after this many
	// rejected proposals in a row.
	MaxConsecutiveRejections int `yaml:"max_consecutive_rejections"`

	// RangeStrategy selects how protected code ranges are derived:
	// "block" or "window".
	RangeStrategy string `yaml:"range_strategy"`
}

// ArtifactConfig controls bundle persistence.
type ArtifactConfig struct {
	OutputDir string `yaml:"output_dir"`
	KeepLast  int    `yaml:"keep_last"`
}

// SecretsConfig populates the per-session secret store.
type SecretsConfig struct {
	EnvFile string            `yaml:"env_file,omitempty"`
	Values  map[string]string `yaml:"values,omitempty"`
}

// Default returns a configuration with sensible defaults for everything but
// the project section, which has no meaningful default.
func Default() *Config {
	return &Config{
		Project: ProjectConfig{TestDirectory: "tests"},
		Browser: BrowserConfig{
			Headless: true,
			Timeout:  Duration(30 * time.Second),
			Viewport: Viewport{Width: 1280, Height: 720},
		},
		Model: ModelConfig{
			Name:        "gpt-4o",
			MaxCycles:   12,
			Temperature: 0.1,
			MaxTokens:   100000,
		},
		Patching: PatchingConfig{
			MaxConsecutiveRejections: 3,
			RangeStrategy:            "block",
		},
		Artifact: ArtifactConfig{
			OutputDir: ".stitch/artifacts",
			KeepLast:  5,
		},
		DOM: artifact.DefaultNormalizeRules(),
	}
}

// Load reads a config file, applying defaults for anything unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields without defaults.
func (c *Config) Validate() error {
	if c.Project.BaseURL == "" {
		return fmt.Errorf("project.base_url is required")
	}
	if c.Patching.MaxConsecutiveRejections < 1 {
		return fmt.Errorf("patching.max_consecutive_rejections must be at least 1")
	}
	return nil
}

// Save writes the configuration atomically.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename config file: %w", err)
	}
	return nil
}
