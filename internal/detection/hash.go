package detection

import (
	"encoding/json"
	"fmt"

	"github.com/raaihank/license-sentinel/internal/blockhash"
	"github.com/raaihank/license-sentinel/internal/minhash"
)

// Hash is a backend-specific fingerprint. Hashes from different backends are
// never compared.
type Hash interface {
	Backend() BackendType
	json.Marshaler
}

// BlockHash is the fingerprint of the block-hash backend. It serializes as a
// token string.
type BlockHash struct {
	blockhash.Fingerprint
}

// Backend implements Hash.
func (BlockHash) Backend() BackendType { return BackendBlockHash }

// MarshalJSON implements json.Marshaler.
func (h BlockHash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Fingerprint.String())
}

// MinHash is the fingerprint of the MinHash backend. It serializes as an
// array of unsigned integers.
type MinHash struct {
	minhash.Signature
}

// Backend implements Hash.
func (MinHash) Backend() BackendType { return BackendMinHash }

// MarshalJSON implements json.Marshaler.
func (h MinHash) MarshalJSON() ([]byte, error) {
	return json.Marshal([]uint32(h.Signature))
}

// DecodeHash parses the JSON form of a fingerprint for backend.
func DecodeHash(backend BackendType, raw json.RawMessage) (Hash, error) {
	switch backend {
	case BackendBlockHash:
		var token string
		if err := json.Unmarshal(raw, &token); err != nil {
			return nil, fmt.Errorf("%w: block hash must be a token string: %v", ErrMalformedInput, err)
		}
		fp, err := blockhash.Parse(token)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
		}
		return BlockHash{Fingerprint: fp}, nil
	case BackendMinHash:
		var components []uint32
		if err := json.Unmarshal(raw, &components); err != nil {
			return nil, fmt.Errorf("%w: min hash must be an array of unsigned integers: %v", ErrMalformedInput, err)
		}
		return MinHash{Signature: minhash.Signature(components)}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backend)
	}
}
