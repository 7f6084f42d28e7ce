// Package blockhash implements block-partitioned fuzzy fingerprints.
//
// Text is cut into contiguous byte blocks, each block is reduced to a single
// polynomial hash, and two fingerprints are compared position by position.
package blockhash

import (
	"math"
)

const (
	// DefaultBlockSize is the number of bytes per block.
	DefaultBlockSize = 32
	// DefaultHashLength is the number of leading bytes of a block that feed its hash.
	DefaultHashLength = 32
)

// Fingerprint is the ordered sequence of per-block hashes of a text, together
// with the parameters it was computed with.
type Fingerprint struct {
	BlockSize  int
	HashLength int
	Blocks     []int64
}

// Len returns the number of blocks.
func (f Fingerprint) Len() int {
	return len(f.Blocks)
}

// Compatible reports whether f and other were computed with the same parameters.
func (f Fingerprint) Compatible(other Fingerprint) bool {
	return f.BlockSize == other.BlockSize && f.HashLength == other.HashLength
}

// Equal reports whether both fingerprints carry the same parameters and blocks.
func (f Fingerprint) Equal(other Fingerprint) bool {
	if !f.Compatible(other) || len(f.Blocks) != len(other.Blocks) {
		return false
	}
	for i := range f.Blocks {
		if f.Blocks[i] != other.Blocks[i] {
			return false
		}
	}
	return true
}

// HashBlock reduces the first hashLength bytes of block with hash = hash*31 + b.
// Arithmetic wraps on overflow.
func HashBlock(block []byte, hashLength int) int64 {
	var hash int64
	n := min(hashLength, len(block))
	for i := 0; i < n; i++ {
		hash = (hash << 5) - hash + int64(block[i])
	}
	return hash
}

// Compute fingerprints text. Non-positive parameters fall back to the defaults.
// The final block may be shorter than blockSize. Empty text yields no blocks.
func Compute(text string, blockSize, hashLength int) Fingerprint {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if hashLength <= 0 {
		hashLength = DefaultHashLength
	}

	data := []byte(text)
	blocks := make([]int64, 0, (len(data)+blockSize-1)/blockSize)
	for i := 0; i < len(data); i += blockSize {
		end := min(i+blockSize, len(data))
		blocks = append(blocks, HashBlock(data[i:end], hashLength))
	}

	return Fingerprint{
		BlockSize:  blockSize,
		HashLength: hashLength,
		Blocks:     blocks,
	}
}

// maxUncommon returns how many mismatching positions a comparison may absorb
// while still reaching minConfidence (a fraction in [0,1]).
func maxUncommon(minConfidence float64, totalBlocks int) int {
	if minConfidence <= 0 {
		return 2 * totalBlocks
	}
	if minConfidence > 1 {
		minConfidence = 1
	}
	return totalBlocks - int(math.Ceil(minConfidence*float64(totalBlocks)))
}

// Compare walks a and b index for index and returns the share of equal
// positions as a percentage in [0,100]. minConfidence is a fraction in [0,1]
// that bounds the mismatches tolerated before giving up.
//
// ok is false when the comparison was abandoned because the mismatch budget
// was exceeded or when the fingerprints have nothing in common. A false ok
// means "not a match" and the returned confidence must be ignored.
func Compare(a, b Fingerprint, minConfidence float64) (confidence float64, ok bool) {
	total := max(len(a.Blocks), len(b.Blocks))
	if total == 0 {
		// Two empty texts are identical.
		return 100, true
	}

	budget := maxUncommon(minConfidence, total)

	uncommon := len(a.Blocks) - len(b.Blocks)
	if uncommon < 0 {
		uncommon = -uncommon
	}
	if uncommon > budget {
		return 0, false
	}

	common := 0
	shorter := min(len(a.Blocks), len(b.Blocks))
	for i := 0; i < shorter; i++ {
		if a.Blocks[i] == b.Blocks[i] {
			common++
			continue
		}
		uncommon++
		if uncommon > budget {
			return 0, false
		}
	}

	if common == 0 {
		return 0, false
	}

	return float64(common) / float64(total) * 100, true
}
