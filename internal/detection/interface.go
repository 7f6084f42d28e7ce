package detection

import (
	"github.com/raaihank/license-sentinel/internal/normalize"
)

// Matcher is the capability set shared by every backend.
//
// Queries are read-only and may run concurrently. Mutations take an exclusive
// lock, so one writer proceeds at a time.
type Matcher interface {
	Backend() BackendType

	// MatchByPlainText normalizes text, fingerprints it and returns the
	// registered entries it resembles, most confident first.
	MatchByPlainText(text string) ([]Match, error)
	MatchByHash(hash Hash) ([]Match, error)

	// AddPlain fingerprints text and stores it under name, replacing any
	// previous entry with that name.
	AddPlain(name, text string) error
	AddHash(name string, hash Hash) error
	// Remove deletes name and reports whether it was present.
	Remove(name string) bool
	Clear()

	// HashFromInlineString fingerprints text without registering it.
	HashFromInlineString(text string) (Hash, error)
	LicenseList() []string
	Records() []Record
	Len() int

	Encode(format Format) ([]byte, error)
	SaveToFile(path string, format Format) error
	// Load operations merge into the current registry and return the number
	// of entries loaded.
	LoadFromFile(path string) (int, error)
	LoadFromMemory(data []byte) (int, error)
	LoadFromInlineString(doc string) (int, error)

	SetNormalizationFn(fn normalize.Func)
	Normalize(text string) string

	Stats() *Stats
}

// Ensure both detectors implement the interface
var (
	_ Matcher = (*BlockHashDetector)(nil)
	_ Matcher = (*MinHashDetector)(nil)
)
