package detection

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/license-sentinel/internal/minhash"
	"github.com/raaihank/license-sentinel/internal/normalize"
)

// MinHashDetector matches text through a banded LSH index of MinHash
// signatures. Only entries whose estimated similarity reaches the index
// threshold are reported.
type MinHashDetector struct {
	*core
	hasher *minhash.Hasher
	index  *minhash.Index
}

// NewMinHashDetector creates an empty MinHash detector.
func NewMinHashDetector(config Config, logger *zap.Logger) (*MinHashDetector, error) {
	c, err := newCore(BackendMinHash, config, logger)
	if err != nil {
		return nil, err
	}

	mh := config.MinHash
	if mh.Bands < 0 || mh.BandWidth < 0 || mh.ShingleSize < 0 {
		return nil, fmt.Errorf("%w: bands, band_width and shingle_size must be positive", ErrInvalidConfig)
	}
	if mh.Threshold <= 0 || mh.Threshold > 1 {
		return nil, fmt.Errorf("%w: threshold must be within (0, 1], got %v", ErrInvalidConfig, mh.Threshold)
	}

	hasher := minhash.NewHasher(mh)
	effective := hasher.Config()

	d := &MinHashDetector{
		core:   c,
		hasher: hasher,
		index:  minhash.NewIndex(effective),
	}

	c.logger.Info("MinHash detector initialized",
		zap.Int("bands", effective.Bands),
		zap.Int("band_width", effective.BandWidth),
		zap.Float64("threshold", effective.Threshold),
		zap.Int("shingle_size", effective.ShingleSize))

	return d, nil
}

func (d *MinHashDetector) signature(text string) minhash.Signature {
	return d.hasher.Signature(d.Normalize(text))
}

// MatchByPlainText implements Matcher.
func (d *MinHashDetector) MatchByPlainText(text string) ([]Match, error) {
	return d.match(d.signature(text))
}

// MatchByHash implements Matcher.
func (d *MinHashDetector) MatchByHash(hash Hash) ([]Match, error) {
	sig, err := d.own(hash)
	if err != nil {
		return nil, err
	}
	return d.match(sig)
}

func (d *MinHashDetector) own(hash Hash) (minhash.Signature, error) {
	mh, ok := hash.(MinHash)
	if !ok {
		return nil, fmt.Errorf("%w: expected min hash", ErrFingerprintMismatch)
	}
	if want := d.hasher.Config().NumHashes(); len(mh.Signature) != want {
		return nil, fmt.Errorf("%w: signature has %d components, detector uses %d",
			ErrFingerprintMismatch, len(mh.Signature), want)
	}
	return mh.Signature, nil
}

func (d *MinHashDetector) match(sig minhash.Signature) ([]Match, error) {
	start := time.Now()

	d.mu.RLock()
	results, err := d.index.Query(sig)
	d.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFingerprintMismatch, err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		confidence := r.Similarity * 100
		if confidence < d.config.MinConfidence {
			continue
		}
		matches = append(matches, Match{Name: r.Name, Confidence: confidence})
	}

	duration := time.Since(start)
	d.recordQuery(duration, len(matches))
	d.logger.Debug("MinHash query completed",
		zap.Int("candidates", len(results)),
		zap.Int("matches", len(matches)),
		zap.Duration("duration", duration))

	return matches, nil
}

// AddPlain implements Matcher.
func (d *MinHashDetector) AddPlain(name, text string) error {
	if name == "" {
		return fmt.Errorf("%w: license name cannot be empty", ErrMalformedInput)
	}
	return d.put(name, d.signature(text))
}

// AddHash implements Matcher.
func (d *MinHashDetector) AddHash(name string, hash Hash) error {
	if name == "" {
		return fmt.Errorf("%w: license name cannot be empty", ErrMalformedInput)
	}
	sig, err := d.own(hash)
	if err != nil {
		return err
	}
	return d.put(name, sig)
}

func (d *MinHashDetector) put(name string, sig minhash.Signature) error {
	d.mu.Lock()
	err := d.index.Insert(name, sig)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFingerprintMismatch, err)
	}

	d.recordMutation(1, 0)
	d.logger.Debug("License added", zap.String("name", name))
	return nil
}

// Remove implements Matcher.
func (d *MinHashDetector) Remove(name string) bool {
	d.mu.Lock()
	removed := d.index.Remove(name)
	d.mu.Unlock()

	if removed {
		d.recordMutation(0, 1)
		d.logger.Debug("License removed", zap.String("name", name))
	}
	return removed
}

// Clear implements Matcher.
func (d *MinHashDetector) Clear() {
	d.mu.Lock()
	d.index.Clear()
	d.mu.Unlock()
	d.logger.Info("Registry cleared")
}

// HashFromInlineString implements Matcher.
func (d *MinHashDetector) HashFromInlineString(text string) (Hash, error) {
	return MinHash{Signature: d.signature(text)}, nil
}

// LicenseList implements Matcher.
func (d *MinHashDetector) LicenseList() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.index.Names()
}

// Records implements Matcher.
func (d *MinHashDetector) Records() []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := d.index.Names()
	records := make([]Record, 0, len(names))
	for _, name := range names {
		sig, _ := d.index.Get(name)
		records = append(records, Record{Name: name, Hash: MinHash{Signature: sig}})
	}
	return records
}

// Len implements Matcher.
func (d *MinHashDetector) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.index.Len()
}

// Encode implements Matcher.
func (d *MinHashDetector) Encode(format Format) ([]byte, error) {
	return Encode(BackendMinHash, d.Records(), format)
}

// SaveToFile implements Matcher.
func (d *MinHashDetector) SaveToFile(path string, format Format) error {
	return saveToFile(d, path, format, d.logger)
}

// LoadFromFile implements Matcher.
func (d *MinHashDetector) LoadFromFile(path string) (int, error) {
	return loadFromFile(d, path, d.logger)
}

// LoadFromMemory implements Matcher.
func (d *MinHashDetector) LoadFromMemory(data []byte) (int, error) {
	return loadFromMemory(d, data, d.logger)
}

// LoadFromInlineString implements Matcher.
func (d *MinHashDetector) LoadFromInlineString(doc string) (int, error) {
	return loadFromMemory(d, []byte(doc), d.logger)
}

// SetNormalizationFn implements Matcher. A nil fn restores the default.
func (d *MinHashDetector) SetNormalizationFn(fn normalize.Func) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setNormalizer(fn, d.index.Len())
}

// Stats implements Matcher.
func (d *MinHashDetector) Stats() *Stats {
	return d.snapshotStats(d.Len())
}
