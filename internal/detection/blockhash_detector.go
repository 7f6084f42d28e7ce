package detection

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/license-sentinel/internal/blockhash"
	"github.com/raaihank/license-sentinel/internal/normalize"
)

type blockEntry struct {
	name        string
	fingerprint blockhash.Fingerprint
}

// BlockHashDetector matches text by comparing block-partitioned fingerprints
// against every registered entry.
type BlockHashDetector struct {
	*core
	blockSize  int
	hashLength int

	entries  []blockEntry
	position map[string]int
}

// NewBlockHashDetector creates an empty block-hash detector.
func NewBlockHashDetector(config Config, logger *zap.Logger) (*BlockHashDetector, error) {
	c, err := newCore(BackendBlockHash, config, logger)
	if err != nil {
		return nil, err
	}

	blockSize := config.BlockHash.BlockSize
	if blockSize == 0 {
		blockSize = blockhash.DefaultBlockSize
	}
	hashLength := config.BlockHash.HashLength
	if hashLength == 0 {
		hashLength = blockhash.DefaultHashLength
	}
	if blockSize < 0 || hashLength < 0 {
		return nil, fmt.Errorf("%w: block_size and hash_length must be positive", ErrInvalidConfig)
	}

	d := &BlockHashDetector{
		core:       c,
		blockSize:  blockSize,
		hashLength: hashLength,
		position:   make(map[string]int),
	}

	c.logger.Info("Block hash detector initialized",
		zap.Int("block_size", blockSize),
		zap.Int("hash_length", hashLength),
		zap.Float64("min_confidence", config.MinConfidence),
		zap.Bool("exit_on_exact_match", config.ExitOnExactMatch))

	return d, nil
}

func (d *BlockHashDetector) fingerprint(text string) blockhash.Fingerprint {
	return blockhash.Compute(d.Normalize(text), d.blockSize, d.hashLength)
}

// MatchByPlainText implements Matcher.
func (d *BlockHashDetector) MatchByPlainText(text string) ([]Match, error) {
	return d.match(d.fingerprint(text)), nil
}

// MatchByHash implements Matcher.
func (d *BlockHashDetector) MatchByHash(hash Hash) ([]Match, error) {
	fp, err := d.own(hash)
	if err != nil {
		return nil, err
	}
	return d.match(fp), nil
}

func (d *BlockHashDetector) own(hash Hash) (blockhash.Fingerprint, error) {
	bh, ok := hash.(BlockHash)
	if !ok {
		return blockhash.Fingerprint{}, fmt.Errorf("%w: expected block hash", ErrFingerprintMismatch)
	}
	if bh.BlockSize != d.blockSize || bh.HashLength != d.hashLength {
		return blockhash.Fingerprint{}, fmt.Errorf("%w: fingerprint computed with block size %d and hash length %d, detector uses %d and %d",
			ErrFingerprintMismatch, bh.BlockSize, bh.HashLength, d.blockSize, d.hashLength)
	}
	return bh.Fingerprint, nil
}

func (d *BlockHashDetector) match(query blockhash.Fingerprint) []Match {
	start := time.Now()
	minConfidence := d.config.MinConfidence

	d.mu.RLock()
	matches := make([]Match, 0)
	for _, e := range d.entries {
		confidence, ok := blockhash.Compare(query, e.fingerprint, minConfidence/100)
		if !ok || confidence < minConfidence {
			continue
		}
		matches = append(matches, Match{Name: e.name, Confidence: confidence})
		if d.config.ExitOnExactMatch && confidence == 100 {
			break
		}
	}
	scanned := len(d.entries)
	d.mu.RUnlock()

	rankMatches(matches)

	duration := time.Since(start)
	d.recordQuery(duration, len(matches))
	d.logger.Debug("Block hash query completed",
		zap.Int("blocks", query.Len()),
		zap.Int("scanned", scanned),
		zap.Int("matches", len(matches)),
		zap.Duration("duration", duration))

	return matches
}

// AddPlain implements Matcher.
func (d *BlockHashDetector) AddPlain(name, text string) error {
	if name == "" {
		return fmt.Errorf("%w: license name cannot be empty", ErrMalformedInput)
	}
	d.put(name, d.fingerprint(text))
	return nil
}

// AddHash implements Matcher.
func (d *BlockHashDetector) AddHash(name string, hash Hash) error {
	if name == "" {
		return fmt.Errorf("%w: license name cannot be empty", ErrMalformedInput)
	}
	fp, err := d.own(hash)
	if err != nil {
		return err
	}
	d.put(name, fp)
	return nil
}

func (d *BlockHashDetector) put(name string, fp blockhash.Fingerprint) {
	d.mu.Lock()
	if i, exists := d.position[name]; exists {
		d.entries[i].fingerprint = fp
	} else {
		d.position[name] = len(d.entries)
		d.entries = append(d.entries, blockEntry{name: name, fingerprint: fp})
	}
	d.mu.Unlock()

	d.recordMutation(1, 0)
	d.logger.Debug("License added", zap.String("name", name), zap.Int("blocks", fp.Len()))
}

// Remove implements Matcher.
func (d *BlockHashDetector) Remove(name string) bool {
	d.mu.Lock()
	i, exists := d.position[name]
	if exists {
		d.entries = append(d.entries[:i], d.entries[i+1:]...)
		delete(d.position, name)
		for j := i; j < len(d.entries); j++ {
			d.position[d.entries[j].name] = j
		}
	}
	d.mu.Unlock()

	if exists {
		d.recordMutation(0, 1)
		d.logger.Debug("License removed", zap.String("name", name))
	}
	return exists
}

// Clear implements Matcher.
func (d *BlockHashDetector) Clear() {
	d.mu.Lock()
	d.entries = nil
	d.position = make(map[string]int)
	d.mu.Unlock()
	d.logger.Info("Registry cleared")
}

// HashFromInlineString implements Matcher.
func (d *BlockHashDetector) HashFromInlineString(text string) (Hash, error) {
	return BlockHash{Fingerprint: d.fingerprint(text)}, nil
}

// LicenseList implements Matcher.
func (d *BlockHashDetector) LicenseList() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, len(d.entries))
	for i, e := range d.entries {
		names[i] = e.name
	}
	return names
}

// Records implements Matcher.
func (d *BlockHashDetector) Records() []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	records := make([]Record, len(d.entries))
	for i, e := range d.entries {
		records[i] = Record{Name: e.name, Hash: BlockHash{Fingerprint: e.fingerprint}}
	}
	return records
}

// Len implements Matcher.
func (d *BlockHashDetector) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Encode implements Matcher.
func (d *BlockHashDetector) Encode(format Format) ([]byte, error) {
	return Encode(BackendBlockHash, d.Records(), format)
}

// SaveToFile implements Matcher.
func (d *BlockHashDetector) SaveToFile(path string, format Format) error {
	return saveToFile(d, path, format, d.logger)
}

// LoadFromFile implements Matcher.
func (d *BlockHashDetector) LoadFromFile(path string) (int, error) {
	return loadFromFile(d, path, d.logger)
}

// LoadFromMemory implements Matcher.
func (d *BlockHashDetector) LoadFromMemory(data []byte) (int, error) {
	return loadFromMemory(d, data, d.logger)
}

// LoadFromInlineString implements Matcher.
func (d *BlockHashDetector) LoadFromInlineString(doc string) (int, error) {
	return loadFromMemory(d, []byte(doc), d.logger)
}

// SetNormalizationFn implements Matcher. A nil fn restores the default.
func (d *BlockHashDetector) SetNormalizationFn(fn normalize.Func) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setNormalizer(fn, len(d.entries))
}

// Stats implements Matcher.
func (d *BlockHashDetector) Stats() *Stats {
	return d.snapshotStats(d.Len())
}
