package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/matryer/is"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ferry.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("should override defaults with defined keys", func(t *testing.T) {
		is := is.New(t)
		path := writeConfig(t, `
plugin = " examples/plugh/plugin/main.wasm "
log_level = "debug"
max_request_size = 128
`)

		cfg, err := loadConfig(path)
		is.NoErr(err)
		is.Equal(cfg.Plugin, "examples/plugh/plugin/main.wasm")
		is.Equal(cfg.LogLevel, slog.LevelDebug)
		is.Equal(cfg.MaxRequestSize, 128)
	})

	t.Run("should keep defaults for missing keys", func(t *testing.T) {
		is := is.New(t)
		cfg, err := loadConfig(writeConfig(t, `log_level = "warn"`))
		is.NoErr(err)

		want := defaultConfig()
		want.LogLevel = slog.LevelWarn
		is.Equal(cfg, want)
	})

	t.Run("should reject an unknown log level", func(t *testing.T) {
		is := is.New(t)
		_, err := loadConfig(writeConfig(t, `log_level = "chatty"`))
		is.True(err != nil)
	})

	t.Run("should reject an invalid request size", func(t *testing.T) {
		is := is.New(t)
		_, err := loadConfig(writeConfig(t, `max_request_size = 0`))
		is.True(err != nil)
	})

	t.Run("should fail on a missing file", func(t *testing.T) {
		is := is.New(t)
		_, err := loadConfig(filepath.Join(t.TempDir(), "missing.toml"))
		is.True(err != nil)
	})
}
