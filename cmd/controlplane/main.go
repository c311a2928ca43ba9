// Package main is the entry point for the AggieStack control plane.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/aggiestack/aggiestack/internal/config"
	"github.com/aggiestack/aggiestack/internal/logging"
	"github.com/aggiestack/aggiestack/internal/metrics"
	"github.com/aggiestack/aggiestack/internal/repository/etcd"
	"github.com/aggiestack/aggiestack/internal/repository/postgres"
	"github.com/aggiestack/aggiestack/internal/repository/redis"
	"github.com/aggiestack/aggiestack/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		println("AggieStack Control Plane")
		println("Version:", version)
		println("Commit:", commit)
		println("Build Date:", buildDate)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		println("Failed to load config:", err.Error())
		os.Exit(1)
	}

	// Setup logger
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		println(err.Error())
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting AggieStack Control Plane",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Backend),
	)

	// Setup signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		if err := metrics.InitMetrics(prometheus.DefaultRegisterer); err != nil {
			logger.Fatal("Failed to register metrics", zap.Error(err))
		}
	}

	var opts []server.ServerOption

	if cfg.Store.Backend == config.BackendPostgres {
		db, err := postgres.NewDB(ctx, cfg.Database, logger)
		if err != nil {
			logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
		}
		opts = append(opts, server.WithPostgreSQL(db))
	}

	if cfg.Redis.Enabled {
		cache, err := redis.NewCache(cfg.Redis, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		opts = append(opts, server.WithRedis(cache))
	}

	if cfg.Etcd.Enabled {
		client, err := etcd.NewClient(cfg.Etcd, logger)
		if err != nil {
			logger.Fatal("Failed to connect to etcd", zap.Error(err))
		}
		opts = append(opts, server.WithEtcd(client))
	}

	// Create server
	srv := server.New(cfg, logger, opts...)

	// Run server
	if err := srv.Run(ctx); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}

	logger.Info("Goodbye!")
}
