// Package cli implements the batchd command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"batchd/internal/config"
)

// Version is stamped at build time with -ldflags "-X batchd/internal/cli.Version=...".
var Version = "dev"

// Options are the command-line flags shared by every subcommand.
type Options struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string

	// serve overrides; applied only when the flag was given
	Addr        string
	MaxBatch    int
	CORSOrigins string
}

// fnServe is swapped out by tests.
var fnServe = serve

// MainWithArgs runs the CLI and returns the process exit code.
func MainWithArgs(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, args, os.Stdout, os.Stderr)
}

// Main returns an exit code for use by cmd/batchd.
func Main() int { return MainWithArgs(os.Args[1:]) }

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := buildRootCmdWith(&Options{}, stdout, stderr)
	if len(args) == 0 {
		_ = root.Usage()
		return 2
	}
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	return 0
}

// resolveConfig layers defaults, the config file and explicit flags.
func resolveConfig(opts *Options, changed func(name string) bool) (config.Config, error) {
	var cfg config.Config
	if opts.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(opts.ConfigPath); err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
	}
	if changed("log-level") {
		cfg.LogLevel = opts.LogLevel
	}
	if changed("log-format") {
		cfg.LogFormat = opts.LogFormat
	}
	if changed("addr") {
		cfg.Addr = opts.Addr
	}
	if changed("max-batch") {
		cfg.Dispatch.MaxBatch = opts.MaxBatch
	}
	if changed("cors-origins") {
		cfg.CORS.AllowedOrigins = splitCSV(opts.CORSOrigins)
		cfg.CORS.Enabled = len(cfg.CORS.AllowedOrigins) > 0
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// splitCSV splits a comma separated list, dropping empty items.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func logConfig(log zerolog.Logger, cfg config.Config) {
	log.Info().
		Str("addr", cfg.Addr).
		Int("max_batch", cfg.Dispatch.MaxBatch).
		Int("control_buffer", cfg.Dispatch.ControlBuffer).
		Int("vocab_size", cfg.Backend.VocabSize).
		Int("max_seq_len", cfg.Backend.MaxSeqLen).
		Uint32("eos", cfg.Backend.EOS).
		Bool("cors", cfg.CORS.Enabled).
		Msg("configuration")
}
