package detection

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/raaihank/license-sentinel/internal/blockhash"
	"github.com/raaihank/license-sentinel/internal/minhash"
)

// Factory creates detectors based on configuration
type Factory struct {
	logger *zap.Logger
}

// NewFactory creates a new detector factory
func NewFactory(logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		logger: logger,
	}
}

// CreateMatcher creates a detector for config.Backend
func (f *Factory) CreateMatcher(config Config) (Matcher, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	switch config.Backend {
	case BackendBlockHash:
		detector, err := NewBlockHashDetector(config, f.logger.Named("blockhash"))
		if err != nil {
			return nil, err
		}
		f.logger.Info("Created block hash detector")
		return detector, nil
	case BackendMinHash:
		detector, err := NewMinHashDetector(config, f.logger.Named("minhash"))
		if err != nil {
			return nil, err
		}
		f.logger.Info("Created MinHash detector")
		return detector, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, config.Backend)
	}
}

// ValidateConfig validates the detector configuration
func ValidateConfig(config Config) error {
	switch config.Backend {
	case BackendBlockHash, BackendMinHash:
		// Valid types
	default:
		return fmt.Errorf("%w: %q (must be one of: block_hash, min_hash)", ErrUnknownBackend, config.Backend)
	}

	if config.MinConfidence < 0 || config.MinConfidence > 100 {
		return fmt.Errorf("%w: min_confidence must be within 0-100", ErrInvalidConfig)
	}

	if config.Backend == BackendBlockHash {
		if config.BlockHash.BlockSize < 0 || config.BlockHash.HashLength < 0 {
			return fmt.Errorf("%w: block_size and hash_length must be positive", ErrInvalidConfig)
		}
	}

	if config.Backend == BackendMinHash {
		if config.MinHash.Threshold <= 0 || config.MinHash.Threshold > 1 {
			return fmt.Errorf("%w: threshold must be within (0, 1]", ErrInvalidConfig)
		}
	}

	return nil
}

// GetAllBackends returns all available backend types
func GetAllBackends() []BackendType {
	return []BackendType{BackendBlockHash, BackendMinHash}
}

// GetBackendDescription returns a description of each backend type
func GetBackendDescription(backend BackendType) string {
	switch backend {
	case BackendBlockHash:
		return "Block-partitioned polynomial hashes compared position by position. Linear scan, exact on reformatting-free copies."
	case BackendMinHash:
		return "MinHash signatures over character shingles with a banded LSH index. Sub-linear retrieval of near duplicates."
	default:
		return "Unknown backend"
	}
}

// CreateDefaultConfig creates a default configuration for a backend
func CreateDefaultConfig(backend BackendType) Config {
	return Config{
		Backend:          backend,
		MinConfidence:    0,
		ExitOnExactMatch: false,
		Normalization:    "default",
		BlockHash: BlockHashConfig{
			BlockSize:  blockhash.DefaultBlockSize,
			HashLength: blockhash.DefaultHashLength,
		},
		MinHash: minhash.DefaultConfig(),
	}
}
