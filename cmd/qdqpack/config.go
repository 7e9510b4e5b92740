package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config is ~/.config/qdqpack/config.yaml. Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	Jobs          *int   `yaml:"jobs"`
	LayoutVersion *int   `yaml:"layout_version"`
	ModelVersion  string `yaml:"model_version"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`
	WeightsRoot   string `yaml:"weights_root"`
	MaxResults    *int   `yaml:"max_results"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "qdqpack", "config.yaml")
}

// loadConfig reads path. A missing file yields a zero Config; a malformed one
// is an error.
func loadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func applyLogConfig(c *cli.Command, cfg Config, level, format *string) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		*level = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		*format = cfg.LogFormat
	}
}

// applyCompileConfig fills compile options the user did not pass as flags.
func applyCompileConfig(c *cli.Command, cfg Config, jobs, layoutVersion *int, modelVersion *string) {
	if cfg.Jobs != nil && !c.IsSet("jobs") {
		*jobs = *cfg.Jobs
	}
	if cfg.LayoutVersion != nil && !c.IsSet("layout-version") {
		*layoutVersion = *cfg.LayoutVersion
	}
	if cfg.ModelVersion != "" && !c.IsSet("model-version") {
		*modelVersion = cfg.ModelVersion
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr, root *string, jobs, layoutVersion, maxResults *int) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.WeightsRoot != "" && !c.IsSet("weights-root") {
		*root = cfg.WeightsRoot
	}
	if cfg.Jobs != nil && !c.IsSet("jobs") {
		*jobs = *cfg.Jobs
	}
	if cfg.LayoutVersion != nil && !c.IsSet("layout-version") {
		*layoutVersion = *cfg.LayoutVersion
	}
	if cfg.MaxResults != nil && !c.IsSet("max-results") {
		*maxResults = *cfg.MaxResults
	}
}
