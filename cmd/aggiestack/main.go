// Package main is the entry point for the aggiestack command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aggiestack/aggiestack/internal/cli"
	"github.com/aggiestack/aggiestack/internal/config"
	"github.com/aggiestack/aggiestack/internal/logging"
)

// defaultStateFile keeps the memory backend between invocations when the
// configuration does not name one.
const defaultStateFile = "aggiestack.state.yaml"

func main() {
	os.Exit(run())
}

func run() int {
	// Load configuration; AGGIESTACK_CONFIG names an explicit file
	cfg, err := config.Load(os.Getenv("AGGIESTACK_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		return 1
	}
	if cfg.Store.StateFile == "" {
		cfg.Store.StateFile = defaultStateFile
	}

	// Diagnostics go to stderr so they never mix with tables on stdout
	if cfg.Logging.Output == "" || cfg.Logging.Output == "stdout" {
		cfg.Logging.Output = "stderr"
	}
	if cfg.Logging.Level == "info" {
		cfg.Logging.Level = "warn"
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logger.Sync()

	cmdLog, err := logging.NewCommandLog(cfg.Logging.CommandLog)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cmdLog.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = cli.Run(ctx, cli.Options{
		Config:     cfg,
		Logger:     logger,
		CommandLog: cmdLog,
		Out:        os.Stdout,
		Err:        os.Stderr,
	}, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Command cannot be executed:", err)
		return 1
	}
	return 0
}
