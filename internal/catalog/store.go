package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/raaihank/license-sentinel/internal/detection"
)

const schema = `
CREATE TABLE IF NOT EXISTS license_fingerprints (
	backend     TEXT        NOT NULL,
	name        TEXT        NOT NULL,
	fingerprint JSONB       NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (backend, name)
)`

// Store handles fingerprint storage operations with PostgreSQL
type Store struct {
	db        *sqlx.DB
	batchSize int
	logger    *zap.Logger
}

// NewStore connects to the database and ensures the schema exists.
func NewStore(config *Config, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	store := &Store{
		db:        db,
		batchSize: config.BatchSize,
		logger:    logger,
	}
	if store.batchSize <= 0 {
		store.batchSize = 500
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize catalog: %w", err)
	}

	logger.Info("Fingerprint catalog initialized",
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Int("batch_size", store.batchSize))

	return store, nil
}

func (s *Store) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Upsert stores a single fingerprint, replacing an existing one with the
// same backend and name.
func (s *Store) Upsert(ctx context.Context, backend detection.BackendType, record detection.Record) error {
	_, err := s.BatchUpsert(ctx, backend, []detection.Record{record})
	return err
}

// BatchUpsert stores records in chunks of the configured batch size and
// returns the number of rows written.
func (s *Store) BatchUpsert(ctx context.Context, backend detection.BackendType, records []detection.Record) (int64, error) {
	var written int64
	start := time.Now()

	for offset := 0; offset < len(records); offset += s.batchSize {
		end := min(offset+s.batchSize, len(records))
		query, args, err := buildUpsert(backend, records[offset:end])
		if err != nil {
			return written, err
		}

		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			s.logger.Error("Batch upsert failed", zap.Error(err), zap.Int("offset", offset))
			return written, fmt.Errorf("batch upsert failed: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			s.logger.Warn("Could not get rows affected", zap.Error(err))
			n = int64(end - offset)
		}
		written += n
	}

	s.logger.Debug("Batch upsert completed",
		zap.String("backend", string(backend)),
		zap.Int64("written", written),
		zap.Duration("duration", time.Since(start)))

	return written, nil
}

// buildUpsert renders a multi-row INSERT ... ON CONFLICT statement. Duplicate
// names inside one batch keep the last fingerprint, since PostgreSQL rejects
// a statement that touches the same row twice.
func buildUpsert(backend detection.BackendType, records []detection.Record) (string, []any, error) {
	last := make(map[string]int, len(records))
	for i, r := range records {
		last[r.Name] = i
	}

	valueStrings := make([]string, 0, len(last))
	valueArgs := make([]any, 0, len(last)*3)
	for i, r := range records {
		if last[r.Name] != i {
			continue
		}
		fp, err := json.Marshal(r.Hash)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode fingerprint %q: %w", r.Name, err)
		}
		n := len(valueArgs)
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d, $%d, now())", n+1, n+2, n+3))
		valueArgs = append(valueArgs, string(backend), r.Name, string(fp))
	}

	query := fmt.Sprintf(`
		INSERT INTO license_fingerprints (backend, name, fingerprint, updated_at)
		VALUES %s
		ON CONFLICT (backend, name) DO UPDATE
		SET fingerprint = EXCLUDED.fingerprint, updated_at = EXCLUDED.updated_at`,
		strings.Join(valueStrings, ","))

	return query, valueArgs, nil
}

// Delete removes a fingerprint and reports whether it existed.
func (s *Store) Delete(ctx context.Context, backend detection.BackendType, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM license_fingerprints WHERE backend = $1 AND name = $2",
		string(backend), name)
	if err != nil {
		return false, fmt.Errorf("failed to delete fingerprint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete fingerprint: %w", err)
	}
	return n > 0, nil
}

// List returns every entry of backend, ordered by name.
func (s *Store) List(ctx context.Context, backend detection.BackendType) ([]Entry, error) {
	var entries []Entry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT backend, name, fingerprint, updated_at
		FROM license_fingerprints
		WHERE backend = $1
		ORDER BY name`, string(backend))
	if err != nil {
		return nil, fmt.Errorf("failed to list fingerprints: %w", err)
	}
	return entries, nil
}

// GetStats returns catalog statistics for backend
func (s *Store) GetStats(ctx context.Context, backend detection.BackendType) (*Stats, error) {
	stats := &Stats{Backend: string(backend)}
	err := s.db.GetContext(ctx, stats, `
		SELECT $1::text AS backend,
			COUNT(*) AS entries,
			COALESCE(MAX(updated_at), 'epoch'::timestamptz) AS last_modified
		FROM license_fingerprints
		WHERE backend = $1`, string(backend))
	if err != nil {
		return nil, fmt.Errorf("failed to get catalog stats: %w", err)
	}
	return stats, nil
}

// LoadInto adds every stored fingerprint of the matcher's backend to it.
// Entries that fail to decode are logged and skipped.
func (s *Store) LoadInto(ctx context.Context, matcher detection.Matcher) (int, error) {
	entries, err := s.List(ctx, matcher.Backend())
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, entry := range entries {
		hash, err := detection.DecodeHash(matcher.Backend(), json.RawMessage(entry.Fingerprint))
		if err == nil {
			err = matcher.AddHash(entry.Name, hash)
		}
		if err != nil {
			s.logger.Warn("Skipping catalog entry", zap.String("name", entry.Name), zap.Error(err))
			continue
		}
		loaded++
	}

	s.logger.Info("Loaded fingerprints from catalog",
		zap.String("backend", string(matcher.Backend())),
		zap.Int("loaded", loaded),
		zap.Int("skipped", len(entries)-loaded))

	return loaded, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// maskDatabaseURL masks the password of a database URL for logging
func maskDatabaseURL(url string) string {
	scheme := strings.Index(url, "://")
	at := strings.LastIndex(url, "@")
	if scheme < 0 || at < scheme {
		return url
	}
	creds := url[scheme+3 : at]
	colon := strings.Index(creds, ":")
	if colon < 0 {
		return url
	}
	return url[:scheme+3] + creds[:colon+1] + "***" + url[at:]
}
