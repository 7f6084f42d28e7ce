package corpus

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/segmentio/parquet-go"
)

// SourceFor returns the source matching the format of path.
func SourceFor(path string) (Source, error) {
	switch format := DetectFileFormat(path); format {
	case FormatDir:
		return &DirSource{Path: path}, nil
	case FormatCSV:
		return &CSVSource{Path: path}, nil
	case FormatParquet:
		return &ParquetSource{Path: path}, nil
	case FormatJSON:
		return &JSONSource{Path: path}, nil
	default:
		return nil, fmt.Errorf("unsupported corpus format: %s", path)
	}
}

// DirSource reads one license per regular file in a directory. Each license
// is named after its file. Files are returned in name order; hidden files are
// ignored.
type DirSource struct {
	Path string
}

// Load implements Source.
func (s *DirSource) Load(ctx context.Context) ([]RawLicense, error) {
	entries, err := os.ReadDir(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	licenses := make([]RawLicense, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.Path, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read license file %s: %w", entry.Name(), err)
		}
		licenses = append(licenses, RawLicense{Name: entry.Name(), Text: string(data)})
	}
	return licenses, nil
}

// CSVSource reads a CSV file with a header row holding "name" and "text"
// columns, in any order.
type CSVSource struct {
	Path string
}

// Load implements Source.
func (s *CSVSource) Load(ctx context.Context) ([]RawLicense, error) {
	file, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	nameCol, textCol := -1, -1
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "name":
			nameCol = i
		case "text":
			textCol = i
		}
	}
	if nameCol < 0 || textCol < 0 {
		return nil, fmt.Errorf("CSV header must contain name and text columns, got %v", header)
	}

	var licenses []RawLicense
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV record %d: %w", len(licenses)+1, err)
		}
		licenses = append(licenses, RawLicense{
			Name: strings.TrimSpace(record[nameCol]),
			Text: record[textCol],
		})
	}
	return licenses, nil
}

// JSONSource reads one JSON object per line: {"name": ..., "text": ...}.
type JSONSource struct {
	Path string
}

// Load implements Source.
func (s *JSONSource) Load(ctx context.Context) ([]RawLicense, error) {
	file, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSON file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var licenses []RawLicense
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var record RawLicense
		err := decoder.Decode(&record)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode JSON record %d: %w", len(licenses)+1, err)
		}
		licenses = append(licenses, record)
	}
	return licenses, nil
}

// ParquetSource reads rows with "name" and "text" columns.
type ParquetSource struct {
	Path string
}

// Load implements Source.
func (s *ParquetSource) Load(ctx context.Context) ([]RawLicense, error) {
	file, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open Parquet file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat Parquet file: %w", err)
	}
	if _, err := parquet.OpenFile(file, info.Size()); err != nil {
		return nil, fmt.Errorf("invalid Parquet file: %w", err)
	}

	reader := parquet.NewReader(file)
	defer reader.Close()

	var licenses []RawLicense
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var record RawLicense
		err := reader.Read(&record)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read Parquet record %d: %w", len(licenses)+1, err)
		}
		licenses = append(licenses, record)
	}
	return licenses, nil
}

// SliceSource serves licenses held in memory.
type SliceSource []RawLicense

// Load implements Source.
func (s SliceSource) Load(_ context.Context) ([]RawLicense, error) {
	out := make([]RawLicense, len(s))
	copy(out, s)
	return out, nil
}
