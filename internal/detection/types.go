package detection

import (
	"time"

	"github.com/raaihank/license-sentinel/internal/minhash"
)

// BackendType names a fingerprinting backend.
type BackendType string

const (
	// BackendBlockHash compares block-partitioned polynomial hashes position by position.
	BackendBlockHash BackendType = "block_hash"

	// BackendMinHash estimates shingle-set similarity through a banded LSH index.
	BackendMinHash BackendType = "min_hash"
)

// Match is one ranked candidate for a queried text.
type Match struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"` // 0-100
}

// Config contains the parameters a detector is built with.
type Config struct {
	Backend          BackendType     `yaml:"backend" mapstructure:"backend"`                         // "block_hash" or "min_hash"
	MinConfidence    float64         `yaml:"min_confidence" mapstructure:"min_confidence"`           // 0-100
	ExitOnExactMatch bool            `yaml:"exit_on_exact_match" mapstructure:"exit_on_exact_match"` // block_hash only
	Normalization    string          `yaml:"normalization" mapstructure:"normalization"`             // "default"
	BlockHash        BlockHashConfig `yaml:"block_hash" mapstructure:"block_hash"`
	MinHash          minhash.Config  `yaml:"min_hash" mapstructure:"min_hash"`
}

// BlockHashConfig contains block-hash fingerprint parameters.
type BlockHashConfig struct {
	BlockSize  int `yaml:"block_size" mapstructure:"block_size"`   // 32
	HashLength int `yaml:"hash_length" mapstructure:"hash_length"` // 32
}

// Stats tracks detector usage.
type Stats struct {
	Backend       string        `json:"backend"`
	Entries       int           `json:"entries"`
	TotalQueries  int64         `json:"total_queries"`
	TotalMatches  int64         `json:"total_matches"`
	TotalAdds     int64         `json:"total_adds"`
	TotalRemoves  int64         `json:"total_removes"`
	AvgQueryTime  time.Duration `json:"avg_query_time"`
	LastQueryTime time.Time     `json:"last_query_time"`
	StartTime     time.Time     `json:"start_time"`
}

// Error is a classified detection failure.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e *Error) Error() string {
	return e.Message
}

// Common error types
var (
	ErrMalformedInput      = &Error{Type: "malformed_input", Message: "malformed input", Code: 2001}
	ErrIO                  = &Error{Type: "io_failure", Message: "persistence I/O failed", Code: 2002}
	ErrUnknownBackend      = &Error{Type: "unknown_backend", Message: "unknown backend", Code: 2003}
	ErrFingerprintMismatch = &Error{Type: "fingerprint_mismatch", Message: "fingerprint does not belong to this detector", Code: 2004}
	ErrInvalidConfig       = &Error{Type: "invalid_config", Message: "invalid detector configuration", Code: 2005}
)
