// Package main provides syncached, the cache and hybrid sync engine daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/syncache/syncache/internal/cache"
	"github.com/syncache/syncache/internal/config"
	"github.com/syncache/syncache/internal/metrics"
	"github.com/syncache/syncache/internal/remote"
	"github.com/syncache/syncache/internal/store"
	syncpkg "github.com/syncache/syncache/internal/sync"
	"github.com/syncache/syncache/internal/sync/queue"
	"github.com/syncache/syncache/pkg/api"
	"github.com/syncache/syncache/pkg/retry"
	"github.com/syncache/syncache/pkg/types"
	"github.com/syncache/syncache/pkg/utils"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "syncached: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile string
		preset     string
		logLevel   string
		offline    bool
	)
	flag.StringVarP(&configFile, "config", "c", "", "path to YAML config file")
	flag.StringVar(&preset, "preset", "", "config preset (default, minimal, aggressive)")
	flag.StringVar(&logLevel, "log-level", "", "override log level (DEBUG, INFO, WARN, ERROR)")
	flag.BoolVar(&offline, "offline", false, "start pinned offline; queue all writes")
	flag.Parse()

	// Optional .env overlay; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Preset(preset)
	if err != nil {
		return err
	}
	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return err
		}
	}
	cfg.ApplyEnv()
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if offline {
		cfg.Sync.ForceOffline = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()

	logger.Info("syncached starting", map[string]interface{}{
		"data_dir": cfg.Store.DataDir,
		"backend":  cfg.Remote.Backend,
		"offline":  cfg.Sync.ForceOffline,
	})

	st, err := store.Open(cfg.Store.DataDir, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := metrics.NewCollector(cfg.Metrics, logger)

	breaker := remote.NewBreaker(cfg.Remote.Breaker, func(from, to remote.BreakerState) {
		if to == remote.BreakerOpen {
			collector.RecordBreakerTrip()
		}
	})
	remoteClient, err := buildRemote(ctx, cfg, breaker, logger)
	if err != nil {
		return err
	}

	mgr, err := cache.NewManager(&cfg.Cache)
	if err != nil {
		return err
	}
	scorer := cache.NewScorer(&cfg.Cache)

	retryer := retry.New(retry.Config{
		MaxAttempts:  cfg.Sync.MaxRetries,
		InitialDelay: cfg.Sync.Retry.InitialDelay,
		MaxDelay:     cfg.Sync.Retry.MaxDelay,
		Multiplier:   cfg.Sync.Retry.Multiplier,
		Jitter:       cfg.Sync.Retry.Jitter,
	})
	q := queue.New(cfg.Sync.QueueMaxSize, cfg.Sync.MaxRetries, retryer, st, logger)

	coordinator := syncpkg.NewCoordinator(cfg, st, st, remoteClient, mgr, scorer, q, collector, logger)
	collector.SetStatsSource(func() (types.CacheStats, types.QueueStats, types.SyncStats) {
		return coordinator.CacheStats(), coordinator.QueueStats(), coordinator.Stats()
	})

	if err := collector.Start(ctx); err != nil {
		return err
	}
	if err := coordinator.Start(ctx); err != nil {
		return err
	}

	var adminServer *api.Server
	if cfg.API.Enabled {
		adminServer = api.NewServer(api.ServerConfig{
			Address:      cfg.API.Address,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}, coordinator, logger)
		adminServer.StartBackground()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", map[string]interface{}{"signal": sig.String()})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin API shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}
	coordinator.Stop()
	if err := collector.Stop(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown failed", map[string]interface{}{"error": err.Error()})
	}

	logger.Info("syncached stopped")
	return nil
}

func buildLogger(cfg config.LoggingConfig) (*utils.StructuredLogger, error) {
	level, err := utils.ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format, err := utils.ParseLogFormat(cfg.Format)
	if err != nil {
		return nil, err
	}

	lc := &utils.LoggerConfig{
		Level:  level,
		Output: os.Stdout,
		Format: format,
	}
	if cfg.File != "" {
		lc.Rotation = &utils.RotationConfig{
			Filename:   cfg.File,
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
	}
	return utils.NewStructuredLogger(lc)
}

func buildRemote(ctx context.Context, cfg *config.Config, breaker *remote.Breaker,
	logger *utils.StructuredLogger) (types.RemoteClient, error) {

	switch cfg.Remote.Backend {
	case config.RemoteBackendS3:
		return remote.NewS3Client(ctx, cfg.Remote, breaker, logger)
	default:
		return remote.NewHTTPClient(cfg.Remote, breaker, logger), nil
	}
}
