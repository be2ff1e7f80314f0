package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sweepline-ai/sweepline/internal/backend"
	"github.com/sweepline-ai/sweepline/internal/comms"
	"github.com/sweepline-ai/sweepline/internal/config"
	"github.com/sweepline-ai/sweepline/internal/prom"
	"github.com/sweepline-ai/sweepline/internal/registry"
	"github.com/sweepline-ai/sweepline/internal/report"
	"github.com/sweepline-ai/sweepline/internal/scheduler"
	"github.com/sweepline-ai/sweepline/pkg/check"
	"github.com/sweepline-ai/sweepline/pkg/logger"
	"github.com/sweepline-ai/sweepline/pkg/searcher"
)

var rootCmd = &cobra.Command{
	Use:   "sweepline",
	Short: "orchestrate batches of cluster jobs for iterative parameter search",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRoot()
	},
}

func runRoot() error {
	cfg, err := initializeConfig()
	if err != nil {
		return err
	}

	printable, err := cfg.Printable()
	if err != nil {
		return err
	}
	log.Infof("run configuration: %s", printable)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.PrometheusListen != "" {
		go prom.Serve(ctx, cfg.PrometheusListen)
	}

	reg := registry.New()
	server, err := comms.NewServer(cfg.Comms.Listen, reg)
	if err != nil {
		return err
	}

	b, err := backend.New(cfg.Backend, cfg.Script, server.Addr())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := b.Close(); cerr != nil {
			log.WithError(cerr).Warn("error closing backend")
		}
	}()

	method, err := searcher.NewMethod(cfg.Optimizer)
	if err != nil {
		return err
	}

	var metric *searcher.MetricConfig
	if m, ok := cfg.Optimizer.Metric(); ok {
		metric = &m
	}
	reporter := report.New(cfg.ResultsPath, metric)

	log.WithFields(log.Fields{
		"run":     reporter.RunID(),
		"backend": cfg.Backend.Type,
		"reports": server.Addr(),
	}).Info("starting run")
	return scheduler.New(cfg, reg, b, method, server, reporter).Run(ctx)
}

// initializeConfig returns the validated configuration populated from the
// config file, environment variables and command line flags, and initializes
// global logging state from it.
func initializeConfig() (*config.Config, error) {
	// A first pass gets the config file path from flags or the environment.
	initial, err := config.FromViper(v)
	if err != nil {
		return nil, err
	}
	if initial.ConfigFile != "" {
		if _, err := os.Stat(initial.ConfigFile); err != nil {
			return nil, errors.Wrap(err, "error finding configuration file")
		}
		if err := config.MergeConfigFile(v, initial.ConfigFile); err != nil {
			return nil, err
		}
	}

	// A second pass sees the full merged tree: flags, environment, file.
	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, err
	}
	if err := check.Validate(cfg); err != nil {
		return nil, err
	}

	logger.SetLogrus(cfg.Logging)
	return cfg, nil
}
