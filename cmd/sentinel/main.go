package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/license-sentinel/internal/cache"
	"github.com/raaihank/license-sentinel/internal/catalog"
	"github.com/raaihank/license-sentinel/internal/config"
	"github.com/raaihank/license-sentinel/internal/detection"
	"github.com/raaihank/license-sentinel/internal/logger"
	"github.com/raaihank/license-sentinel/internal/server"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.String("health-check", "", "Check the server at this base URL and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("license-sentinel %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if *healthCheck != "" {
		performHealthCheck(*healthCheck)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting license-sentinel",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.String("backend", cfg.Detection.Backend),
		zap.Int("port", cfg.Server.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	matcher, err := detection.NewFactory(log.Logger.Named("detection")).CreateMatcher(cfg.DetectorConfig())
	if err != nil {
		log.Fatal("Failed to create detector", zap.Error(err))
	}

	opts, cleanup, err := loadRegistry(ctx, cfg, matcher, log)
	if err != nil {
		log.Fatal("Failed to load license registry", zap.Error(err))
	}
	defer cleanup()

	if *configPath != "" {
		watchConfig(*configPath, cfg, log)
	}

	srv := server.New(cfg, log, matcher, opts)

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- srv.Start(ctx)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil {
			log.Error("Server error", zap.Error(err))
		}
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Stop(shutdownCtx); err != nil {
			log.Error("Failed to shutdown server gracefully", zap.Error(err))
		}
		cancel()

		log.Info("Server shutdown complete")
	}
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: true,
			Path:    cfg.Logging.File.Path,
		}
	}
	return logger.New(loggerConfig)
}

// loadRegistry fills matcher from the store file, then the catalog, then the
// Redis snapshot, and returns the optional collaborators for the server.
func loadRegistry(ctx context.Context, cfg *config.Config, matcher detection.Matcher, log *logger.Logger) (server.Options, func(), error) {
	var (
		opts     server.Options
		closers  []func() error
		loadedBy = map[string]int{}
	)
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.Storage.Path != "" {
		n, err := matcher.LoadFromFile(cfg.Storage.Path)
		if err != nil {
			return opts, cleanup, err
		}
		loadedBy["store"] = n
	}

	if cfg.Catalog.Enabled {
		store, err := catalog.NewStore(&catalog.Config{
			DatabaseURL:     cfg.Catalog.DatabaseURL,
			MaxOpenConns:    cfg.Catalog.MaxOpenConns,
			MaxIdleConns:    cfg.Catalog.MaxIdleConns,
			ConnMaxLifetime: cfg.Catalog.ConnMaxLifetime,
			BatchSize:       cfg.Catalog.BatchSize,
		}, log.Logger.Named("catalog"))
		if err != nil {
			return opts, cleanup, err
		}
		closers = append(closers, store.Close)
		opts.Mirror = store

		if cfg.Catalog.LoadOnStart {
			n, err := store.LoadInto(ctx, matcher)
			if err != nil {
				return opts, cleanup, err
			}
			loadedBy["catalog"] = n
		}
	}

	if cfg.Cache.Enabled {
		mc, err := cache.NewMatchCache(&cache.Config{
			RedisURL:   cfg.Cache.RedisURL,
			DefaultTTL: cfg.Cache.TTL,
			KeyPrefix:  cfg.Cache.KeyPrefix,
		}, log.Logger.Named("cache"))
		if err != nil {
			// The cache is an accelerator; serve without it.
			log.Warn("Match cache unavailable, continuing without it", zap.Error(err))
		} else {
			closers = append(closers, mc.Close)
			opts.Cache = mc
			opts.Snapshots = mc

			if matcher.Len() == 0 {
				n, err := mc.LoadRegistry(ctx, matcher)
				if err != nil {
					log.Warn("Failed to load registry snapshot", zap.Error(err))
				}
				loadedBy["snapshot"] = n
			}
		}
	}

	log.Info("License registry ready",
		zap.Int("licenses", matcher.Len()),
		zap.Any("loaded", loadedBy))

	return opts, cleanup, nil
}

// watchConfig reports configuration edits. Detector parameters are fixed for
// the life of the registry, so changes to them require a restart.
func watchConfig(path string, current *config.Config, log *logger.Logger) {
	err := config.Watch(path, func(next *config.Config) {
		if next.DetectorConfig() != current.DetectorConfig() {
			log.Warn("Detector configuration changed on disk; restart to apply")
			return
		}
		log.Info("Configuration file changed", zap.String("path", path))
	}, func(err error) {
		log.Error("Ignoring invalid configuration change", zap.Error(err))
	})
	if err != nil {
		log.Warn("Configuration watching disabled", zap.Error(err))
	}
}

// performHealthCheck performs a health check against the running server
func performHealthCheck(baseURL string) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
}
