package corpus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/license-sentinel/internal/detection"
)

// CatalogWriter mirrors compiled fingerprints into durable storage.
type CatalogWriter interface {
	BatchUpsert(ctx context.Context, backend detection.BackendType, records []detection.Record) (int64, error)
}

// CacheInvalidator drops cached query results that a registry change made stale.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, backend detection.BackendType) error
}

// Ingester compiles raw licenses into a detector
type Ingester struct {
	matcher detection.Matcher
	catalog CatalogWriter
	cache   CacheInvalidator
	config  Config
	logger  *zap.Logger
}

// NewIngester creates a new ingester. catalog and cache are optional.
func NewIngester(matcher detection.Matcher, catalog CatalogWriter, cache CacheInvalidator, config Config, logger *zap.Logger) *Ingester {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	return &Ingester{
		matcher: matcher,
		catalog: catalog,
		cache:   cache,
		config:  config,
		logger:  logger,
	}
}

// Ingest loads every license from src and adds it to the detector, in batches.
// Individual bad records are counted and skipped; a catalog failure aborts.
func (in *Ingester) Ingest(ctx context.Context, src Source) (*IngestResult, error) {
	start := time.Now()
	result := &IngestResult{}

	licenses, err := src.Load(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to load corpus: %w", err)
	}

	in.logger.Info("Starting corpus ingestion",
		zap.Int("licenses", len(licenses)),
		zap.Int("batch_size", in.config.BatchSize),
		zap.String("backend", string(in.matcher.Backend())))

	for offset := 0; offset < len(licenses); offset += in.config.BatchSize {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		end := min(offset+in.config.BatchSize, len(licenses))
		if err := in.processBatch(ctx, licenses[offset:end], result); err != nil {
			return result, err
		}

		if in.config.ProgressReport > 0 && result.TotalRecords%int64(in.config.ProgressReport) == 0 {
			in.reportProgress(result, start)
		}
	}

	if in.cache != nil && result.Added > 0 {
		if err := in.cache.Invalidate(ctx, in.matcher.Backend()); err != nil {
			in.logger.Warn("Failed to invalidate match cache", zap.Error(err))
		}
	}

	result.Duration = time.Since(start)
	in.logger.Info("Corpus ingestion completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("added", result.Added),
		zap.Int64("skipped", result.Skipped),
		zap.Int64("failed", result.Failed),
		zap.Int64("mirrored", result.Mirrored),
		zap.Duration("duration", result.Duration))

	return result, nil
}

func (in *Ingester) processBatch(ctx context.Context, batch []RawLicense, result *IngestResult) error {
	records := make([]detection.Record, 0, len(batch))

	for _, license := range batch {
		result.TotalRecords++

		if reason := in.validate(license); reason != "" {
			in.logger.Debug("Skipping license", zap.String("name", license.Name), zap.String("reason", reason))
			result.Skipped++
			continue
		}

		hash, err := in.matcher.HashFromInlineString(license.Text)
		if err == nil {
			err = in.matcher.AddHash(license.Name, hash)
		}
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", license.Name, err))
			in.logger.Warn("Failed to add license", zap.String("name", license.Name), zap.Error(err))
			continue
		}

		result.Added++
		records = append(records, detection.Record{Name: license.Name, Hash: hash})
	}

	if in.catalog == nil || len(records) == 0 {
		return nil
	}

	catalogStart := time.Now()
	written, err := in.catalog.BatchUpsert(ctx, in.matcher.Backend(), records)
	result.CatalogTime += time.Since(catalogStart)
	if err != nil {
		return fmt.Errorf("catalog batch upsert failed: %w", err)
	}
	result.Mirrored += written
	return nil
}

func (in *Ingester) validate(license RawLicense) string {
	if strings.TrimSpace(license.Name) == "" {
		return "empty name"
	}
	if in.config.SkipEmpty && strings.TrimSpace(license.Text) == "" {
		return "empty text"
	}
	if in.config.MaxTextBytes > 0 && len(license.Text) > in.config.MaxTextBytes {
		return "text too long"
	}
	return ""
}

func (in *Ingester) reportProgress(result *IngestResult, start time.Time) {
	elapsed := time.Since(start)
	in.logger.Info("Ingestion progress",
		zap.Int64("records_processed", result.TotalRecords),
		zap.Int64("added", result.Added),
		zap.Float64("rate_per_sec", float64(result.TotalRecords)/elapsed.Seconds()),
		zap.Duration("elapsed", elapsed))
}
