package detection

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/segmentio/parquet-go"

	"github.com/raaihank/license-sentinel/internal/blockhash"
	"github.com/raaihank/license-sentinel/internal/minhash"
)

// Format is a persisted store encoding.
type Format string

const (
	// FormatJSON is the human-readable interchange encoding.
	FormatJSON Format = "json"
	// FormatBinary is a parquet file, used for fast reloads.
	FormatBinary Format = "binary"
)

var parquetMagic = []byte("PAR1")

// ParseFormat resolves a format name. An empty name selects JSON.
func ParseFormat(name string) (Format, error) {
	switch name {
	case "", string(FormatJSON):
		return FormatJSON, nil
	case string(FormatBinary), "parquet":
		return FormatBinary, nil
	default:
		return "", fmt.Errorf("%w: unknown store format %q (must be json or binary)", ErrInvalidConfig, name)
	}
}

// DetectFormat guesses the encoding of a persisted store.
func DetectFormat(data []byte) Format {
	if len(data) >= 8 && bytes.HasPrefix(data, parquetMagic) && bytes.HasSuffix(data, parquetMagic) {
		return FormatBinary
	}
	return FormatJSON
}

// Record is a named fingerprint as persisted.
type Record struct {
	Name string
	Hash Hash
}

type storeDocument struct {
	Backend  BackendType  `json:"backend,omitempty"`
	Licenses []storeEntry `json:"licenses"`
}

type storeEntry struct {
	Name string          `json:"name"`
	Hash json.RawMessage `json:"hash"`
}

type storeRow struct {
	Backend   string   `parquet:"backend"`
	Name      string   `parquet:"name"`
	Token     string   `parquet:"token"`
	Signature []uint32 `parquet:"signature"`
}

// Encode serializes records for backend. Every record must belong to backend.
func Encode(backend BackendType, records []Record, format Format) ([]byte, error) {
	for _, r := range records {
		if r.Hash == nil || r.Hash.Backend() != backend {
			return nil, fmt.Errorf("%w: record %q", ErrFingerprintMismatch, r.Name)
		}
	}

	switch format {
	case FormatJSON, "":
		return encodeJSON(backend, records)
	case FormatBinary:
		return encodeParquet(backend, records)
	default:
		return nil, fmt.Errorf("%w: unknown store format %q", ErrInvalidConfig, format)
	}
}

func encodeJSON(backend BackendType, records []Record) ([]byte, error) {
	doc := storeDocument{
		Backend:  backend,
		Licenses: make([]storeEntry, 0, len(records)),
	}
	for _, r := range records {
		raw, err := r.Hash.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("failed to encode hash for %q: %w", r.Name, err)
		}
		doc.Licenses = append(doc.Licenses, storeEntry{Name: r.Name, Hash: raw})
	}
	return json.Marshal(doc)
}

func encodeParquet(backend BackendType, records []Record) ([]byte, error) {
	var buf bytes.Buffer
	writer := parquet.NewWriter(&buf, parquet.SchemaOf(new(storeRow)))

	for _, r := range records {
		row := storeRow{Backend: string(backend), Name: r.Name}
		switch h := r.Hash.(type) {
		case BlockHash:
			row.Token = h.Fingerprint.String()
		case MinHash:
			row.Signature = []uint32(h.Signature)
		}
		if err := writer.Write(&row); err != nil {
			return nil, fmt.Errorf("failed to write parquet row %q: %w", r.Name, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet store: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeStrict parses a persisted store for backend, in either encoding.
// Any defect in the data is reported as ErrMalformedInput; a store written by
// another backend is reported as ErrFingerprintMismatch.
func DecodeStrict(backend BackendType, data []byte) ([]Record, error) {
	if DetectFormat(data) == FormatBinary {
		return decodeParquet(backend, data)
	}
	return decodeJSON(backend, data)
}

func decodeJSON(backend BackendType, data []byte) ([]Record, error) {
	var doc storeDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	if doc.Backend != "" && doc.Backend != backend {
		return nil, fmt.Errorf("%w: store holds %s fingerprints", ErrFingerprintMismatch, doc.Backend)
	}

	records := make([]Record, 0, len(doc.Licenses))
	for i, entry := range doc.Licenses {
		if entry.Name == "" {
			return nil, fmt.Errorf("%w: entry %d has no name", ErrMalformedInput, i)
		}
		h, err := DecodeHash(backend, entry.Hash)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", entry.Name, err)
		}
		records = append(records, Record{Name: entry.Name, Hash: h})
	}
	return records, nil
}

func decodeParquet(backend BackendType, data []byte) (records []Record, err error) {
	// The reader panics on structurally invalid files that slipped past OpenFile.
	defer func() {
		if r := recover(); r != nil {
			records = nil
			err = fmt.Errorf("%w: corrupt parquet store: %v", ErrMalformedInput, r)
		}
	}()

	if _, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data))); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}

	reader := parquet.NewReader(bytes.NewReader(data))
	defer reader.Close()

	for {
		var row storeRow
		if err := reader.Read(&row); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
		}

		if row.Backend != "" && BackendType(row.Backend) != backend {
			return nil, fmt.Errorf("%w: store holds %s fingerprints", ErrFingerprintMismatch, row.Backend)
		}
		if row.Name == "" {
			return nil, fmt.Errorf("%w: row %d has no name", ErrMalformedInput, len(records))
		}

		var h Hash
		switch backend {
		case BackendBlockHash:
			fp, err := blockhash.Parse(row.Token)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
			}
			h = BlockHash{Fingerprint: fp}
		case BackendMinHash:
			h = MinHash{Signature: minhash.Signature(row.Signature)}
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backend)
		}
		records = append(records, Record{Name: row.Name, Hash: h})
	}
	return records, nil
}
