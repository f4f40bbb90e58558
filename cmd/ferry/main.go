package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lovromazgon/ferry"
	"github.com/lovromazgon/ferry/host"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "ferry: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	flags := flag.NewFlagSet("ferry", flag.ContinueOnError)
	configPath := flags.String("config", "", "path to the TOML config file")
	pluginPath := flags.String("plugin", "", "path to the Wasm plugin, overrides the config file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg := defaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = loadConfig(*configPath); err != nil {
			return err
		}
	}
	if *pluginPath != "" {
		cfg.Plugin = *pluginPath
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	// Create a Wasm runtime, set up WASI.
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	wasmBytes, err := os.ReadFile(cfg.Plugin)
	if err != nil {
		return fmt.Errorf("failed to read Wasm file %q: %w", cfg.Plugin, err)
	}

	module, client, err := host.InstantiateModuleAndClient(
		ctx, r, wasmBytes,
		host.WithLogger(logger),
		host.WithMaxRequestSize(cfg.MaxRequestSize),
	)
	if err != nil {
		return err
	}
	defer module.Close(ctx)

	logger.Debug("plugin loaded", "plugin", cfg.Plugin)
	return serve(ctx, client, logger, cfg.MaxRequestSize, in, out)
}

// caller is implemented by host.Client.
type caller interface {
	CallRaw(ctx context.Context, req string) (string, error)
}

// serve answers one request per input line with one response envelope per
// output line.
func serve(ctx context.Context, c caller, logger *slog.Logger, maxRequestSize int, in io.Reader, out io.Writer) error {
	// Room for the request, its newline and the terminator.
	buf, err := ferry.NewBuffer(maxRequestSize + 2)
	if err != nil {
		return fmt.Errorf("failed to allocate line buffer: %w", err)
	}

	r := bufio.NewReader(in)
	w := bufio.NewWriter(out)
	defer w.Flush()

	for line := 1; ; line++ {
		ok, err := readLine(buf, r)
		if !ok {
			return nil
		}
		if errors.Is(err, errLineTooLong) {
			logger.WarnContext(ctx, "skipping request", "line", line, "error", err)
			continue
		}

		// The borrowed request is only used until the next readLine.
		req, err := buf.Borrow()
		if err != nil {
			logger.WarnContext(ctx, "request is not valid UTF-8, sending it anyway", "line", line, "error", err)
			req = string(buf.Bytes()[:buf.Len()])
		}
		req = strings.TrimRight(req, "\r\n")
		if req == "" {
			continue
		}

		resp, err := c.CallRaw(ctx, req)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if _, err := fmt.Fprintln(w, resp); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
	}
}
