package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// LogConfig is a top-level block for logging configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is one of text, json.
	Format string `yaml:"format"`
}

// Config describes all configuration options of the agent binary.
type Config struct {
	// Listen is the address the HTTP server binds to.
	Listen string `yaml:"listen"`
	// Log configures the structured logger.
	Log LogConfig `yaml:"log"`
	// SelfMetrics enables the agent's own failure counter.
	SelfMetrics bool `yaml:"self_metrics"`
	// Modules lists the hook modules to load. Known names: sql, http.
	Modules []string `yaml:"modules"`
}

func defaultConfig() Config {
	return Config{
		Listen:      ":9090",
		Log:         LogConfig{Level: "info", Format: "text"},
		SelfMetrics: true,
		Modules:     []string{"sql", "http"},
	}
}

// parseConfig reads a Config from a YAML file on disk. An empty path
// yields the defaults.
func parseConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Listen == "" {
		return Config{}, fmt.Errorf("config %s: listen address is required", path)
	}
	return cfg, nil
}

// buildLogger constructs a slog.Logger from the log block.
func buildLogger(cfg LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}
