// Package minhash computes MinHash signatures over character shingles and
// indexes them with banded locality-sensitive hashing.
package minhash

import (
	"encoding/binary"
	"math"
	"math/bits"
	"math/rand"

	"github.com/cespare/xxhash/v2"
)

// Default parameterization.
const (
	DefaultBands       = 42
	DefaultBandWidth   = 3
	DefaultThreshold   = 0.5
	DefaultShingleSize = 50
	DefaultSeed        = 42
)

// mersennePrime is 2^61 - 1.
const mersennePrime uint64 = (1 << 61) - 1

// Config holds the MinHash and index parameters.
type Config struct {
	Bands       int     `mapstructure:"bands" yaml:"bands"`
	BandWidth   int     `mapstructure:"band_width" yaml:"band_width"`
	Threshold   float64 `mapstructure:"threshold" yaml:"threshold"`
	ShingleSize int     `mapstructure:"shingle_size" yaml:"shingle_size"`
	Seed        int64   `mapstructure:"seed" yaml:"seed"`
}

// DefaultConfig returns the reference parameterization.
func DefaultConfig() Config {
	return Config{
		Bands:       DefaultBands,
		BandWidth:   DefaultBandWidth,
		Threshold:   DefaultThreshold,
		ShingleSize: DefaultShingleSize,
		Seed:        DefaultSeed,
	}
}

// withDefaults replaces unset (zero or negative) fields with the defaults.
func (c Config) withDefaults() Config {
	if c.Bands <= 0 {
		c.Bands = DefaultBands
	}
	if c.BandWidth <= 0 {
		c.BandWidth = DefaultBandWidth
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.ShingleSize <= 0 {
		c.ShingleSize = DefaultShingleSize
	}
	if c.Seed == 0 {
		c.Seed = DefaultSeed
	}
	return c
}

// NumHashes is the signature length.
func (c Config) NumHashes() int {
	return c.Bands * c.BandWidth
}

// Signature is a MinHash sketch, one component per hash function.
type Signature []uint32

// Similarity returns the fraction of equal components, in [0,1].
// Signatures of different lengths are never similar.
func (s Signature) Similarity(other Signature) float64 {
	if len(s) == 0 || len(s) != len(other) {
		return 0
	}
	matches := 0
	for i := range s {
		if s[i] == other[i] {
			matches++
		}
	}
	return float64(matches) / float64(len(s))
}

// Clone returns a copy of s.
func (s Signature) Clone() Signature {
	out := make(Signature, len(s))
	copy(out, s)
	return out
}

// Shingles splits text into overlapping windows of size runes. Text shorter
// than the window yields one shingle holding the whole text. Empty text yields
// none. Duplicates are dropped, first occurrence order is kept.
func Shingles(text string, size int) []string {
	if text == "" {
		return nil
	}
	if size <= 0 {
		size = DefaultShingleSize
	}

	r := []rune(text)
	if len(r) <= size {
		return []string{text}
	}

	seen := make(map[string]struct{}, len(r)-size+1)
	shingles := make([]string, 0, len(r)-size+1)
	for i := 0; i+size <= len(r); i++ {
		s := string(r[i : i+size])
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		shingles = append(shingles, s)
	}
	return shingles
}

type hashFunc struct {
	a, b uint64
}

// Hasher turns text into signatures. It is safe for concurrent use once built.
type Hasher struct {
	cfg   Config
	funcs []hashFunc
}

// NewHasher builds the hash family for cfg. The same seed always yields the
// same family, so signatures remain comparable across processes.
func NewHasher(cfg Config) *Hasher {
	cfg = cfg.withDefaults()
	rng := rand.New(rand.NewSource(cfg.Seed))

	funcs := make([]hashFunc, cfg.NumHashes())
	for i := range funcs {
		funcs[i] = hashFunc{
			a: uint64(rng.Int63n(int64(mersennePrime-1))) + 1,
			b: uint64(rng.Int63n(int64(mersennePrime))),
		}
	}

	return &Hasher{cfg: cfg, funcs: funcs}
}

// Config returns the effective parameters.
func (h *Hasher) Config() Config {
	return h.cfg
}

// Signature shingles text and sketches the shingle set.
func (h *Hasher) Signature(text string) Signature {
	return h.SignatureOf(Shingles(text, h.cfg.ShingleSize))
}

// SignatureOf sketches a precomputed shingle set.
func (h *Hasher) SignatureOf(shingles []string) Signature {
	sig := make(Signature, len(h.funcs))
	for i := range sig {
		sig[i] = math.MaxUint32
	}

	for _, s := range shingles {
		x := reduce(xxhash.Sum64String(s))
		for i, f := range h.funcs {
			v := uint32(add61(mul61(f.a, x), f.b))
			if v < sig[i] {
				sig[i] = v
			}
		}
	}
	return sig
}

// reduce maps x into [0, p).
func reduce(x uint64) uint64 {
	x = (x & mersennePrime) + (x >> 61)
	if x >= mersennePrime {
		x -= mersennePrime
	}
	return x
}

// mul61 returns a*x mod p for a, x < p.
func mul61(a, x uint64) uint64 {
	hi, lo := bits.Mul64(a, x)
	return reduce((lo & mersennePrime) + (lo >> 61) + (hi << 3))
}

// add61 returns a+b mod p for a, b < p.
func add61(a, b uint64) uint64 {
	return reduce(a + b)
}

// bandKey hashes the components of one band into a bucket key.
func bandKey(band []uint32) uint64 {
	buf := make([]byte, 4*len(band))
	for i, v := range band {
		binary.LittleEndian.PutUint32(buf[4*i:], v)
	}
	return xxhash.Sum64(buf)
}
