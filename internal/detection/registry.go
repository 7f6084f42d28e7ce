package detection

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/license-sentinel/internal/normalize"
)

// core holds the state every detector shares: normalization, locking,
// logging and usage statistics.
type core struct {
	backend     BackendType
	config      Config
	logger      *zap.Logger
	normalizeFn normalize.Func

	mu      sync.RWMutex
	statsMu sync.Mutex
	stats   Stats
}

func newCore(backend BackendType, config Config, logger *zap.Logger) (*core, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MinConfidence < 0 || config.MinConfidence > 100 {
		return nil, fmt.Errorf("%w: min_confidence must be within 0-100, got %v", ErrInvalidConfig, config.MinConfidence)
	}

	fn, err := normalize.Get(config.Normalization)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return &core{
		backend:     backend,
		config:      config,
		logger:      logger.With(zap.String("backend", string(backend))),
		normalizeFn: fn,
		stats: Stats{
			Backend:   string(backend),
			StartTime: time.Now(),
		},
	}, nil
}

// Backend returns the backend type.
func (c *core) Backend() BackendType {
	return c.backend
}

// Normalize applies the detector's normalization strategy.
func (c *core) Normalize(text string) string {
	c.mu.RLock()
	fn := c.normalizeFn
	c.mu.RUnlock()
	return fn(text)
}

// setNormalizer must be called with c.mu held.
func (c *core) setNormalizer(fn normalize.Func, entries int) {
	if fn == nil {
		fn = normalize.Default
	}
	if entries > 0 {
		c.logger.Warn("Normalization changed on a populated registry; existing entries keep their old fingerprints",
			zap.Int("entries", entries))
	}
	c.normalizeFn = fn
}

func (c *core) recordQuery(duration time.Duration, matches int) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	c.stats.TotalQueries++
	c.stats.TotalMatches += int64(matches)
	c.stats.LastQueryTime = time.Now()
	if c.stats.TotalQueries == 1 {
		c.stats.AvgQueryTime = duration
	} else {
		c.stats.AvgQueryTime = (c.stats.AvgQueryTime*time.Duration(c.stats.TotalQueries-1) + duration) /
			time.Duration(c.stats.TotalQueries)
	}
}

func (c *core) recordMutation(adds, removes int64) {
	c.statsMu.Lock()
	c.stats.TotalAdds += adds
	c.stats.TotalRemoves += removes
	c.statsMu.Unlock()
}

func (c *core) snapshotStats(entries int) *Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	stats := c.stats
	stats.Entries = entries
	return &stats
}

// rankMatches sorts matches by descending confidence. Ties keep their
// existing (registry) order.
func rankMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Confidence > matches[j].Confidence
	})
}

// recordStore is the part of a detector the persistence helpers need.
type recordStore interface {
	Backend() BackendType
	Records() []Record
	AddHash(name string, hash Hash) error
}

func saveToFile(s recordStore, path string, format Format, logger *zap.Logger) error {
	records := s.Records()
	data, err := Encode(s.Backend(), records, format)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: failed to write store %s: %v", ErrIO, path, err)
	}

	logger.Info("Registry saved",
		zap.String("path", path),
		zap.String("format", string(format)),
		zap.Int("entries", len(records)),
		zap.Int("bytes", len(data)))
	return nil
}

// loadFromFile treats an absent store as empty. Any other read failure is
// reported as ErrIO.
func loadFromFile(s recordStore, path string, logger *zap.Logger) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("Store not found, nothing loaded", zap.String("path", path))
			return 0, nil
		}
		return 0, fmt.Errorf("%w: failed to read store %s: %v", ErrIO, path, err)
	}

	n, err := loadFromMemory(s, data, logger)
	if err == nil {
		logger.Info("Registry loaded from file", zap.String("path", path), zap.Int("loaded", n))
	}
	return n, err
}

// loadFromMemory merges decoded records into s. Undecodable data degrades to
// zero loaded entries.
func loadFromMemory(s recordStore, data []byte, logger *zap.Logger) (int, error) {
	records, err := DecodeStrict(s.Backend(), data)
	if err != nil {
		logger.Warn("Store could not be decoded, nothing loaded",
			zap.Int("bytes", len(data)),
			zap.Error(err))
		return 0, nil
	}

	loaded := 0
	for _, r := range records {
		if err := s.AddHash(r.Name, r.Hash); err != nil {
			logger.Warn("Skipping stored entry",
				zap.String("name", r.Name),
				zap.Error(err))
			continue
		}
		loaded++
	}
	return loaded, nil
}
