package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/born-ml/vecadd/internal/adder"
	"github.com/born-ml/vecadd/internal/backend"
	"github.com/born-ml/vecadd/internal/compute"
	"github.com/born-ml/vecadd/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var (
		configPath string
		cfg        = config.Default()
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Dispatch the add kernel and verify the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resolved := cfg
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				resolved = overlay(loaded, cfg, cmd)
			}
			if err := resolved.Validate(); err != nil {
				return fmt.Errorf("config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, resolved, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "YAML configuration file")
	f.IntVar(&cfg.ElementCount, "count", cfg.ElementCount, "float32 elements per buffer")
	f.StringVar(&cfg.Backend, "backend", cfg.Backend, "device backend: auto, cpu or webgpu")
	f.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "bound on the device wait (0 waits forever)")
	f.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "operand seed (0 picks one)")
	f.IntVar(&cfg.Repeat, "repeat", cfg.Repeat, "number of sessions to run on the device")
	f.IntVar(&cfg.Workers, "workers", cfg.Workers, "host goroutines (0 uses one per CPU)")
	f.Uint64Var(&cfg.MemoryLimit, "memory-limit", cfg.MemoryLimit, "cpu device buffer byte limit (0 is unlimited)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: trace, debug, info, warn, error")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text or json")
	return cmd
}

// overlay applies explicitly set flags from flags over the file configuration.
func overlay(file, flags config.Config, cmd *cobra.Command) config.Config {
	set := cmd.Flags().Changed
	if set("count") {
		file.ElementCount = flags.ElementCount
	}
	if set("backend") {
		file.Backend = flags.Backend
	}
	if set("timeout") {
		file.Timeout = flags.Timeout
	}
	if set("seed") {
		file.Seed = flags.Seed
	}
	if set("repeat") {
		file.Repeat = flags.Repeat
	}
	if set("workers") {
		file.Workers = flags.Workers
	}
	if set("memory-limit") {
		file.MemoryLimit = flags.MemoryLimit
	}
	if set("log-level") {
		file.LogLevel = flags.LogLevel
	}
	if set("log-format") {
		file.LogFormat = flags.LogFormat
	}
	return file
}

// run opens the device and runs cfg.Repeat sessions on it, stopping at the
// first failure.
func run(ctx context.Context, cfg config.Config, stdout, stderr io.Writer) error {
	logger, err := cfg.NewLogger(stderr)
	if err != nil {
		return err
	}

	kind, err := backend.ParseKind(cfg.Backend)
	if err != nil {
		return err
	}
	device, err := backend.Open(kind, cfg.Device())
	if err != nil {
		return err
	}
	defer device.Release()
	logger.WithFields(logrus.Fields{
		"backend": kind,
		"device":  device.Name(),
	}).Info("device opened")

	pool := compute.NewBufferPool(device)
	defer pool.Clear()

	sessionCfg := cfg.Session(logger)
	for i := range cfg.Repeat {
		start := time.Now()
		report, err := adder.Run(ctx, device, pool, nil, sessionCfg)
		if err != nil {
			return fmt.Errorf("run %d of %d: %w", i+1, cfg.Repeat, err)
		}
		logger.WithFields(logrus.Fields{
			"run":      i + 1,
			"elements": report.Count,
			"elapsed":  time.Since(start),
			"pool":     pool.Stats(),
		}).Info("run finished")
	}

	fmt.Fprintln(stdout, "Compute results as expected")
	return nil
}
