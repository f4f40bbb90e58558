package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/BurntSushi/toml"
)

type fileConfig struct {
	Plugin         string `toml:"plugin"`
	LogLevel       string `toml:"log_level"`
	MaxRequestSize int    `toml:"max_request_size"`
}

type config struct {
	// Plugin is the path to the Wasm plugin.
	Plugin   string
	LogLevel slog.Level
	// MaxRequestSize is the longest request line in bytes, excluding the
	// newline.
	MaxRequestSize int
}

func defaultConfig() config {
	return config{
		Plugin:         "plugin.wasm",
		LogLevel:       slog.LevelInfo,
		MaxRequestSize: 4096,
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, fmt.Errorf("load ferry config: %w", err)
	}

	if meta.IsDefined("plugin") {
		if p := strings.TrimSpace(raw.Plugin); p != "" {
			cfg.Plugin = p
		}
	}

	if meta.IsDefined("log_level") {
		if err := cfg.LogLevel.UnmarshalText([]byte(strings.TrimSpace(raw.LogLevel))); err != nil {
			return config{}, fmt.Errorf("parse log_level: %w", err)
		}
	}

	if meta.IsDefined("max_request_size") {
		cfg.MaxRequestSize = raw.MaxRequestSize
	}

	if err := validateConfig(cfg); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg config) error {
	// One byte of the line buffer is reserved for the terminator and one for
	// the newline.
	if cfg.MaxRequestSize <= 0 || cfg.MaxRequestSize > 1<<30 {
		return fmt.Errorf("max_request_size must be between 1 and %d, got %d", 1<<30, cfg.MaxRequestSize)
	}
	return nil
}
