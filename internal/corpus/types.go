// Package corpus reads raw license texts from external sources and compiles
// them into a detector's registry.
package corpus

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RawLicense is a license name and its unprocessed text.
type RawLicense struct {
	Name string `csv:"name" parquet:"name" json:"name"`
	Text string `csv:"text" parquet:"text" json:"text"`
}

// Source supplies an ordered sequence of raw licenses.
type Source interface {
	Load(ctx context.Context) ([]RawLicense, error)
}

// IngestResult represents the result of compiling a corpus
type IngestResult struct {
	TotalRecords int64         `json:"total_records"`
	Added        int64         `json:"added"`
	Skipped      int64         `json:"skipped"`
	Failed       int64         `json:"failed"`
	Mirrored     int64         `json:"mirrored"`
	Duration     time.Duration `json:"duration"`
	CatalogTime  time.Duration `json:"catalog_time"`
	Errors       []string      `json:"errors,omitempty"`
}

// Config contains ingestion configuration
type Config struct {
	BatchSize      int  `yaml:"batch_size" mapstructure:"batch_size"`           // 100
	SkipEmpty      bool `yaml:"skip_empty" mapstructure:"skip_empty"`           // true
	ProgressReport int  `yaml:"progress_report" mapstructure:"progress_report"` // 500
	MaxTextBytes   int  `yaml:"max_text_bytes" mapstructure:"max_text_bytes"`   // 1 MiB, 0 disables
}

// DefaultConfig returns the ingestion defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:      100,
		SkipEmpty:      true,
		ProgressReport: 500,
		MaxTextBytes:   1 << 20,
	}
}

// FileFormat represents supported corpus formats
type FileFormat string

const (
	FormatDir     FileFormat = "dir"
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSON    FileFormat = "json"
	FormatUnknown FileFormat = "unknown"
)

// DetectFileFormat detects the corpus format from the path: a directory, or
// a file extension.
func DetectFileFormat(path string) FileFormat {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return FormatDir
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV
	case ".parquet":
		return FormatParquet
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON
	default:
		return FormatUnknown
	}
}
