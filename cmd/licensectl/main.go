package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/license-sentinel/internal/cache"
	"github.com/raaihank/license-sentinel/internal/catalog"
	"github.com/raaihank/license-sentinel/internal/config"
	"github.com/raaihank/license-sentinel/internal/corpus"
	"github.com/raaihank/license-sentinel/internal/detection"
	"github.com/raaihank/license-sentinel/internal/logger"
	"github.com/raaihank/license-sentinel/internal/pipeline"
)

// patternList collects a repeatable string flag.
type patternList []string

func (p *patternList) String() string     { return strings.Join(*p, ",") }
func (p *patternList) Set(v string) error { *p = append(*p, v); return nil }

func main() {
	var (
		configPath   = flag.String("config", "", "Configuration file path")
		inputPath    = flag.String("input", "", "License corpus to compile (directory, CSV, Parquet, or JSON)")
		outputPath   = flag.String("output", "", "Store file to write (defaults to storage.path)")
		format       = flag.String("format", "", "Store format: json or binary (defaults to storage.format)")
		batchSize    = flag.Int("batch-size", 100, "Batch size for processing")
		appendStore  = flag.Bool("append", false, "Merge into the existing store instead of replacing it")
		skipCatalog  = flag.Bool("skip-catalog", false, "Skip mirroring fingerprints to PostgreSQL")
		skipCache    = flag.Bool("skip-cache", false, "Skip invalidating the Redis match cache")
		dryRun       = flag.Bool("dry-run", false, "Dry run - don't write the store file")
		rebuildCache = flag.Bool("rebuild-cache", false, "Publish the store as the Redis registry snapshot")
		detectFile   = flag.String("detect", "", "Run the confidence pipeline against this file and print the rounds")
		target       = flag.Float64("target", -1, "Target confidence for -detect (defaults to detection.target_confidence)")
		showStats    = flag.Bool("stats", false, "Show store and catalog statistics and exit")
		removes      patternList
	)
	flag.Var(&removes, "remove", "Regex removed from the text by one pipeline round (repeatable)")
	flag.Parse()

	if *inputPath == "" && *detectFile == "" && !*rebuildCache && !*showStats {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --input licenses/ --output data/licenses.json\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --input spdx.parquet --format binary --batch-size 500\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --detect LICENSE --remove '^Copyright.*\\n'\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --rebuild-cache\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --stats\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *outputPath == "" {
		*outputPath = cfg.Storage.Path
	}
	if *format == "" {
		*format = cfg.Storage.Format
	}
	storeFormat, err := detection.ParseFormat(*format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, cancelling...")
		cancel()
	}()

	matcher, err := detection.NewFactory(log.Logger.Named("detection")).CreateMatcher(cfg.DetectorConfig())
	if err != nil {
		log.Fatal("Failed to create detector", zap.Error(err))
	}

	if *inputPath == "" || *appendStore {
		if _, err := matcher.LoadFromFile(*outputPath); err != nil {
			log.Fatal("Failed to load store", zap.String("path", *outputPath), zap.Error(err))
		}
	}

	svc, err := connect(cfg, log, !*skipCatalog, !*skipCache || *rebuildCache)
	if err != nil {
		log.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer svc.cleanup()

	switch {
	case *showStats:
		showStoreStats(ctx, matcher, svc, *outputPath)
	case *detectFile != "":
		if err := runDetect(ctx, cfg, matcher, log, *detectFile, *target, removes); err != nil {
			log.Fatal("Detection failed", zap.Error(err))
		}
	case *inputPath != "":
		if err := compileCorpus(ctx, matcher, svc, log, *inputPath, *batchSize, *dryRun); err != nil {
			log.Fatal("Compilation failed", zap.Error(err))
		}
		if !*dryRun {
			if err := matcher.SaveToFile(*outputPath, storeFormat); err != nil {
				log.Fatal("Failed to save store", zap.Error(err))
			}
			log.Info("Store written",
				zap.String("path", *outputPath),
				zap.String("format", string(storeFormat)),
				zap.Int("licenses", matcher.Len()))
		}
		if *rebuildCache {
			publishSnapshot(ctx, matcher, svc, log)
		}
	case *rebuildCache:
		publishSnapshot(ctx, matcher, svc, log)
	}
}

// services holds the optional backing stores.
type services struct {
	catalog *catalog.Store
	cache   *cache.MatchCache
}

func connect(cfg *config.Config, log *logger.Logger, withCatalog, withCache bool) (*services, error) {
	svc := &services{}

	if withCatalog && cfg.Catalog.Enabled {
		store, err := catalog.NewStore(&catalog.Config{
			DatabaseURL:     cfg.Catalog.DatabaseURL,
			MaxOpenConns:    cfg.Catalog.MaxOpenConns,
			MaxIdleConns:    cfg.Catalog.MaxIdleConns,
			ConnMaxLifetime: cfg.Catalog.ConnMaxLifetime,
			BatchSize:       cfg.Catalog.BatchSize,
		}, log.Logger.Named("catalog"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to catalog: %w", err)
		}
		svc.catalog = store
	}

	if withCache && cfg.Cache.Enabled {
		mc, err := cache.NewMatchCache(&cache.Config{
			RedisURL:   cfg.Cache.RedisURL,
			DefaultTTL: cfg.Cache.TTL,
			KeyPrefix:  cfg.Cache.KeyPrefix,
		}, log.Logger.Named("cache"))
		if err != nil {
			svc.cleanup()
			return nil, fmt.Errorf("failed to connect to cache: %w", err)
		}
		svc.cache = mc
	}

	return svc, nil
}

func (s *services) cleanup() {
	if s.catalog != nil {
		s.catalog.Close()
	}
	if s.cache != nil {
		s.cache.Close()
	}
}

func compileCorpus(ctx context.Context, matcher detection.Matcher, svc *services, log *logger.Logger, path string, batchSize int, dryRun bool) error {
	src, err := corpus.SourceFor(path)
	if err != nil {
		return err
	}

	var (
		writer      corpus.CatalogWriter
		invalidator corpus.CacheInvalidator
	)
	if svc.catalog != nil && !dryRun {
		writer = svc.catalog
	}
	if svc.cache != nil && !dryRun {
		invalidator = svc.cache
	}

	ingestConfig := corpus.DefaultConfig()
	if batchSize > 0 {
		ingestConfig.BatchSize = batchSize
	}

	log.Info("Compiling license corpus",
		zap.String("input", path),
		zap.String("format", string(corpus.DetectFileFormat(path))),
		zap.Bool("dry_run", dryRun))

	result, err := corpus.NewIngester(matcher, writer, invalidator, ingestConfig, log.Logger.Named("corpus")).Ingest(ctx, src)
	if err != nil {
		return err
	}

	for _, e := range result.Errors {
		log.Warn("Skipped record", zap.String("reason", e))
	}
	log.Info("Compilation summary",
		zap.Int64("total", result.TotalRecords),
		zap.Int64("added", result.Added),
		zap.Int64("skipped", result.Skipped),
		zap.Int64("failed", result.Failed),
		zap.Int64("mirrored", result.Mirrored),
		zap.Duration("catalog_time", result.CatalogTime),
		zap.Duration("duration", result.Duration))
	return nil
}

func publishSnapshot(ctx context.Context, matcher detection.Matcher, svc *services, log *logger.Logger) {
	if svc.cache == nil {
		log.Warn("Cache is disabled, nothing to rebuild")
		return
	}
	if err := svc.cache.Invalidate(ctx, matcher.Backend()); err != nil {
		log.Fatal("Failed to invalidate match cache", zap.Error(err))
	}
	if err := svc.cache.SaveRegistry(ctx, matcher); err != nil {
		log.Fatal("Failed to publish registry snapshot", zap.Error(err))
	}
	log.Info("Registry snapshot published", zap.Int("licenses", matcher.Len()))
}

func runDetect(ctx context.Context, cfg *config.Config, matcher detection.Matcher, log *logger.Logger, path string, target float64, removes []string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if target < 0 {
		target = cfg.Detection.TargetConfidence
	}

	segments := make([]pipeline.Segment, 0, len(removes))
	for _, pattern := range removes {
		seg, err := pipeline.Remove(pattern)
		if err != nil {
			return err
		}
		segments = append(segments, seg)
	}

	start := time.Now()
	p := pipeline.NewConfidencePipeline(matcher, target, segments, log.Logger.Named("pipeline"))
	history, err := p.Run(ctx, string(data))
	if err != nil {
		return err
	}

	final := pipeline.Final(history)
	top := ""
	if len(final) > 0 {
		top = final[0].Name
	}
	log.LogMatch(string(matcher.Backend()), len(data), top, pipeline.TopConfidence(final), len(final), time.Since(start))

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"target": p.Target(),
		"rounds": history,
		"final":  final,
	})
}

func showStoreStats(ctx context.Context, matcher detection.Matcher, svc *services, path string) {
	stats := matcher.Stats()
	fmt.Printf("\nStore: %s\n", path)
	fmt.Printf("Backend: %s\n", stats.Backend)
	fmt.Printf("Licenses: %d\n", stats.Entries)

	if svc.catalog != nil {
		cs, err := svc.catalog.GetStats(ctx, matcher.Backend())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to get catalog stats: %v\n", err)
		} else {
			fmt.Printf("\nCatalog entries: %d\n", cs.Entries)
			fmt.Printf("Catalog last modified: %s\n", cs.LastModified.Format(time.RFC3339))
		}
	}

	if svc.cache != nil {
		cs, err := svc.cache.GetStats(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to get cache stats: %v\n", err)
		} else {
			fmt.Printf("\nCached keys: %d\n", cs.TotalKeys)
		}
	}
}
