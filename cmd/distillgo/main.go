package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/vk/distillgo/internal/cli"
	"github.com/vk/distillgo/internal/config"
	"github.com/vk/distillgo/internal/ctxlog"
	"github.com/vk/distillgo/internal/registry"
	"github.com/vk/distillgo/internal/special"
)

// main is the entrypoint for the distillgo configuration checker.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(os.Stdout, os.Args[1:]); err != nil {
		if exitErr, ok := err.(*cli.ExitError); ok {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run encapsulates the main application logic for easier testing and error
// handling. It loads the configuration and validates every model's special
// block against the built-in registry.
func run(outW io.Writer, args []string) (err error) {
	opts, shouldExit, parseErr := cli.Parse(args, outW)
	if parseErr != nil {
		return parseErr
	}
	if shouldExit {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("application startup panicked: %v", r)
		}
	}()

	logger := cli.NewLogger(opts, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)

	cfg, err := config.Load(ctx, opts.ConfigPath)
	if err != nil {
		return err
	}

	reg := registry.New()
	special.RegisterBuiltins(ctx, reg)
	names := reg.Names()
	sort.Strings(names)
	logger.Debug("Built-in special modules registered.", "count", len(names))

	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	for _, mc := range cfg.Models {
		if mc.Special == nil || mc.Special.Type == "" {
			logger.Info("Model carries no special module.", "model", mc.Name)
			continue
		}
		if err := config.CheckReservedParams(mc.Special.Params); err != nil {
			return fmt.Errorf("model %q: %w", mc.Name, err)
		}
		if !known[mc.Special.Type] {
			logger.Warn("Model names an unregistered special module; it would build as absent.",
				"model", mc.Name, "type", mc.Special.Type)
			continue
		}
		logger.Info("Model special module resolved.", "model", mc.Name, "type", mc.Special.Type)
	}
	return nil
}
