// Package config provides configuration loading and management for cortexlayers.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"cortexlayers/pkg/geometry"
	"cortexlayers/pkg/layers"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`

		// Layers is the number of equidistant layers to grow
		Layers int `yaml:"layers"`

		// GrowthIncrement is passed to the layer grower as -vinc
		GrowthIncrement int `yaml:"growthIncrement"`

		// VoxelSize is the target voxel size in mm; zero keeps the reference grid
		VoxelSize [3]float64 `yaml:"voxelSize"`

		// UpsampleIterations is the number of mesh subdivision passes
		UpsampleIterations int `yaml:"upsampleIterations"`

		// SurfaceSpace is "scanner" or "tkr"
		SurfaceSpace string `yaml:"surfaceSpace"`
	} `yaml:"processing"`

	// Layer grower parameters
	Grower struct {
		// BinaryPath is the LN_GROW_LAYERS executable
		BinaryPath string `yaml:"binaryPath"`

		// WorkDir receives the grower's exchange files; empty uses a temporary directory
		WorkDir string `yaml:"workDir"`
	} `yaml:"grower"`

	// Convention maps raw grower output to cumulative masks
	Convention layers.Convention `yaml:"convention"`

	// Output parameters
	Output struct {
		// Dir is the directory all artifacts are written to
		Dir string `yaml:"dir"`

		// Debug writes the remapped layer volume and every cumulative mask
		Debug bool `yaml:"debug"`

		// Previews writes JPEG mid slices next to each artifact
		Previews bool `yaml:"previews"`

		// Strict turns boundary inconsistencies into errors
		Strict bool `yaml:"strict"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.Layers = 3
	cfg.Processing.GrowthIncrement = 40
	cfg.Processing.VoxelSize = [3]float64{0.4, 0.4, 0.4}
	cfg.Processing.UpsampleIterations = 2
	cfg.Processing.SurfaceSpace = string(geometry.SpaceTkr)

	cfg.Grower.BinaryPath = layers.DefaultGrowerBinary

	cfg.Convention = layers.DefaultConvention()

	cfg.Output.Dir = "output"
	cfg.Output.Debug = false
	cfg.Output.Previews = false
	cfg.Output.Strict = false
	cfg.Output.Verbose = false

	return cfg
}

// Validate checks that the configuration describes a runnable reconstruction
func (c *Config) Validate() error {
	if c.Processing.NumCores < 1 {
		return fmt.Errorf("numCores must be at least 1, got %d", c.Processing.NumCores)
	}
	if c.Processing.Layers < 1 {
		return fmt.Errorf("layers must be at least 1, got %d", c.Processing.Layers)
	}
	if c.Processing.GrowthIncrement < 1 {
		return fmt.Errorf("growthIncrement must be positive, got %d", c.Processing.GrowthIncrement)
	}
	if c.Processing.UpsampleIterations < 0 {
		return fmt.Errorf("upsampleIterations must not be negative, got %d", c.Processing.UpsampleIterations)
	}
	for i, s := range c.Processing.VoxelSize {
		if s < 0 {
			return fmt.Errorf("voxelSize[%d] must not be negative, got %g", i, s)
		}
	}
	switch geometry.Space(c.Processing.SurfaceSpace) {
	case geometry.SpaceScanner, geometry.SpaceTkr:
	default:
		return fmt.Errorf("unknown surfaceSpace %q", c.Processing.SurfaceSpace)
	}
	if c.Grower.BinaryPath == "" {
		return fmt.Errorf("grower binaryPath must be set")
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("output dir must be set")
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
