package minhash

import (
	"errors"
	"fmt"
	"sort"
)

// ErrSignatureLength is returned when a signature does not fit the index layout.
var ErrSignatureLength = errors.New("signature length does not match index")

// Result is one candidate returned by Index.Query.
type Result struct {
	Name       string
	Similarity float64
}

// Index is a banded LSH index over named signatures. It is not safe for
// concurrent mutation; callers serialize writers.
type Index struct {
	bands     int
	width     int
	threshold float64

	buckets    []map[uint64][]string
	signatures map[string]Signature
	position   map[string]uint64
	nextPos    uint64
}

// NewIndex creates an empty index for cfg.
func NewIndex(cfg Config) *Index {
	cfg = cfg.withDefaults()
	idx := &Index{
		bands:     cfg.Bands,
		width:     cfg.BandWidth,
		threshold: cfg.Threshold,
	}
	idx.reset()
	return idx
}

func (idx *Index) reset() {
	idx.buckets = make([]map[uint64][]string, idx.bands)
	for i := range idx.buckets {
		idx.buckets[i] = make(map[uint64][]string)
	}
	idx.signatures = make(map[string]Signature)
	idx.position = make(map[string]uint64)
	idx.nextPos = 0
}

// Threshold returns the minimum similarity reported by Query.
func (idx *Index) Threshold() float64 {
	return idx.threshold
}

// Len returns the number of indexed names.
func (idx *Index) Len() int {
	return len(idx.signatures)
}

func (idx *Index) checkLength(sig Signature) error {
	if len(sig) != idx.bands*idx.width {
		return fmt.Errorf("%w: got %d components, want %d", ErrSignatureLength, len(sig), idx.bands*idx.width)
	}
	return nil
}

func (idx *Index) band(sig Signature, b int) []uint32 {
	return sig[b*idx.width : (b+1)*idx.width]
}

// Insert adds or replaces the signature stored under name. A replaced name
// keeps its original insertion position.
func (idx *Index) Insert(name string, sig Signature) error {
	if err := idx.checkLength(sig); err != nil {
		return err
	}

	if _, exists := idx.signatures[name]; exists {
		idx.unbucket(name)
	} else {
		idx.position[name] = idx.nextPos
		idx.nextPos++
	}

	stored := sig.Clone()
	idx.signatures[name] = stored
	for b := 0; b < idx.bands; b++ {
		key := bandKey(idx.band(stored, b))
		idx.buckets[b][key] = append(idx.buckets[b][key], name)
	}
	return nil
}

// Remove deletes name. Removing an absent name is a no-op and reports false.
func (idx *Index) Remove(name string) bool {
	if _, exists := idx.signatures[name]; !exists {
		return false
	}
	idx.unbucket(name)
	delete(idx.signatures, name)
	delete(idx.position, name)
	return true
}

func (idx *Index) unbucket(name string) {
	sig := idx.signatures[name]
	for b := 0; b < idx.bands; b++ {
		key := bandKey(idx.band(sig, b))
		names := idx.buckets[b][key]
		for i, n := range names {
			if n == name {
				names = append(names[:i], names[i+1:]...)
				break
			}
		}
		if len(names) == 0 {
			delete(idx.buckets[b], key)
		} else {
			idx.buckets[b][key] = names
		}
	}
}

// Get returns a copy of the signature stored under name.
func (idx *Index) Get(name string) (Signature, bool) {
	sig, ok := idx.signatures[name]
	if !ok {
		return nil, false
	}
	return sig.Clone(), true
}

// Names returns every indexed name in insertion order.
func (idx *Index) Names() []string {
	names := make([]string, 0, len(idx.signatures))
	for name := range idx.signatures {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return idx.position[names[i]] < idx.position[names[j]]
	})
	return names
}

// Clear removes every entry.
func (idx *Index) Clear() {
	idx.reset()
}

// Query returns the indexed names sharing at least one band with sig whose
// similarity reaches the threshold, most similar first. Ties keep insertion order.
func (idx *Index) Query(sig Signature) ([]Result, error) {
	if err := idx.checkLength(sig); err != nil {
		return nil, err
	}

	candidates := make(map[string]struct{})
	for b := 0; b < idx.bands; b++ {
		for _, name := range idx.buckets[b][bandKey(idx.band(sig, b))] {
			candidates[name] = struct{}{}
		}
	}

	results := make([]Result, 0, len(candidates))
	for name := range candidates {
		sim := sig.Similarity(idx.signatures[name])
		if sim >= idx.threshold {
			results = append(results, Result{Name: name, Similarity: sim})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return idx.position[results[i].Name] < idx.position[results[j].Name]
	})
	return results, nil
}
