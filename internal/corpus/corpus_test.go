package corpus

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/segmentio/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/license-sentinel/internal/detection"
)

const sampleText = `Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software.`

const otherText = `Redistribution and use in source and binary forms, with or without
modification, are permitted provided that the following conditions are met:
Redistributions of source code must retain the above copyright notice, this
list of conditions and the following disclaimer.`

type fakeCatalog struct {
	batches [][]detection.Record
	err     error
}

func (f *fakeCatalog) BatchUpsert(_ context.Context, _ detection.BackendType, records []detection.Record) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.batches = append(f.batches, records)
	return int64(len(records)), nil
}

type fakeCache struct {
	invalidated []detection.BackendType
}

func (f *fakeCache) Invalidate(_ context.Context, backend detection.BackendType) error {
	f.invalidated = append(f.invalidated, backend)
	return nil
}

func newMatcher(t *testing.T, backend detection.BackendType) detection.Matcher {
	t.Helper()
	m, err := detection.NewFactory(zap.NewNop()).CreateMatcher(detection.CreateDefaultConfig(backend))
	require.NoError(t, err)
	return m
}

func TestDetectFileFormat(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, FormatDir, DetectFileFormat(dir))
	assert.Equal(t, FormatCSV, DetectFileFormat("licenses.CSV"))
	assert.Equal(t, FormatParquet, DetectFileFormat("licenses.parquet"))
	assert.Equal(t, FormatJSON, DetectFileFormat("licenses.jsonl"))
	assert.Equal(t, FormatUnknown, DetectFileFormat("licenses.txt"))

	_, err := SourceFor("licenses.txt")
	assert.Error(t, err)
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mit"), []byte(sampleText), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bsd-2-clause"), []byte(otherText), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".DS_Store"), []byte("junk"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o755))

	src, err := SourceFor(dir)
	require.NoError(t, err)
	licenses, err := src.Load(context.Background())
	require.NoError(t, err)

	require.Len(t, licenses, 2)
	assert.Equal(t, "bsd-2-clause", licenses[0].Name)
	assert.Equal(t, "mit", licenses[1].Name)
	assert.Equal(t, sampleText, licenses[1].Text)
}

func TestCSVSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "licenses.csv")
	body := "text,name\n\"" + strings.ReplaceAll(sampleText, `"`, `""`) + "\", mit \n\"short\",tiny\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	licenses, err := (&CSVSource{Path: path}).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, licenses, 2)
	assert.Equal(t, "mit", licenses[0].Name)
	assert.Equal(t, sampleText, licenses[0].Text)

	bad := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte("id,body\n1,x\n"), 0o644))
	_, err = (&CSVSource{Path: bad}).Load(context.Background())
	assert.Error(t, err)
}

func TestJSONSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "licenses.jsonl")
	body := `{"name":"mit","text":"permission is granted"}` + "\n" + `{"name":"bsd","text":"redistribution"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	licenses, err := (&JSONSource{Path: path}).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []RawLicense{
		{Name: "mit", Text: "permission is granted"},
		{Name: "bsd", Text: "redistribution"},
	}, licenses)
}

func TestParquetSource(t *testing.T) {
	var buf bytes.Buffer
	writer := parquet.NewWriter(&buf, parquet.SchemaOf(new(RawLicense)))
	require.NoError(t, writer.Write(&RawLicense{Name: "mit", Text: sampleText}))
	require.NoError(t, writer.Write(&RawLicense{Name: "bsd", Text: otherText}))
	require.NoError(t, writer.Close())

	path := filepath.Join(t.TempDir(), "licenses.parquet")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	licenses, err := (&ParquetSource{Path: path}).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, licenses, 2)
	assert.Equal(t, "mit", licenses[0].Name)
	assert.Equal(t, otherText, licenses[1].Text)

	garbage := filepath.Join(t.TempDir(), "garbage.parquet")
	require.NoError(t, os.WriteFile(garbage, []byte("not parquet"), 0o644))
	_, err = (&ParquetSource{Path: garbage}).Load(context.Background())
	assert.Error(t, err)
}

func TestIngest(t *testing.T) {
	for _, backend := range detection.GetAllBackends() {
		t.Run(string(backend), func(t *testing.T) {
			matcher := newMatcher(t, backend)
			catalog := &fakeCatalog{}
			cache := &fakeCache{}
			cfg := DefaultConfig()
			cfg.BatchSize = 1

			src := SliceSource{
				{Name: "mit", Text: sampleText},
				{Name: "", Text: otherText},
				{Name: "blank", Text: "   "},
				{Name: "bsd", Text: otherText},
			}

			result, err := NewIngester(matcher, catalog, cache, cfg, zap.NewNop()).Ingest(context.Background(), src)
			require.NoError(t, err)

			assert.Equal(t, int64(4), result.TotalRecords)
			assert.Equal(t, int64(2), result.Added)
			assert.Equal(t, int64(2), result.Skipped)
			assert.Equal(t, int64(2), result.Mirrored)
			assert.Len(t, catalog.batches, 2)
			assert.Equal(t, []detection.BackendType{backend}, cache.invalidated)
			assert.Equal(t, []string{"mit", "bsd"}, matcher.LicenseList())

			matches, err := matcher.MatchByPlainText(sampleText)
			require.NoError(t, err)
			require.NotEmpty(t, matches)
			assert.Equal(t, "mit", matches[0].Name)
		})
	}
}

func TestIngestCatalogFailure(t *testing.T) {
	matcher := newMatcher(t, detection.BackendMinHash)
	catalog := &fakeCatalog{err: errors.New("connection refused")}

	_, err := NewIngester(matcher, catalog, nil, DefaultConfig(), nil).
		Ingest(context.Background(), SliceSource{{Name: "mit", Text: sampleText}})
	assert.ErrorContains(t, err, "connection refused")
}

func TestIngestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	matcher := newMatcher(t, detection.BackendBlockHash)
	_, err := NewIngester(matcher, nil, nil, DefaultConfig(), nil).
		Ingest(ctx, SliceSource{{Name: "mit", Text: sampleText}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, matcher.Len())
}
