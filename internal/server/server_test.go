package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/license-sentinel/internal/config"
	"github.com/raaihank/license-sentinel/internal/detection"
	"github.com/raaihank/license-sentinel/internal/logger"
)

const mitText = `Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:`

const bsdText = `Redistribution and use in source and binary forms, with or without
modification, are permitted provided that the following conditions are met:
Redistributions of source code must retain the above copyright notice, this
list of conditions and the following disclaimer.`

type fakeMirror struct {
	upserts []string
	deletes []string
}

func (f *fakeMirror) Upsert(_ context.Context, _ detection.BackendType, record detection.Record) error {
	f.upserts = append(f.upserts, record.Name)
	return nil
}

func (f *fakeMirror) Delete(_ context.Context, _ detection.BackendType, name string) (bool, error) {
	f.deletes = append(f.deletes, name)
	return true, nil
}

func newTestServer(t *testing.T, mutate func(*config.Config), opts Options) (*Server, detection.Matcher) {
	t.Helper()
	cfg := config.GetDefaults()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "licenses.json")
	if mutate != nil {
		mutate(cfg)
	}

	matcher, err := detection.NewFactory(zap.NewNop()).CreateMatcher(cfg.DetectorConfig())
	require.NoError(t, err)
	require.NoError(t, matcher.AddPlain("mit", mitText))

	return New(cfg, logger.NewNop(), matcher, opts), matcher
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthAndInfo(t *testing.T) {
	s, _ := newTestServer(t, nil, Options{})

	rec := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody[map[string]any](t, rec)["status"])

	rec = do(t, s, http.MethodGet, "/info", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "min_hash", info["backend"])
	assert.Equal(t, float64(1), info["licenses"])
}

func TestMatchEndpoint(t *testing.T) {
	for _, backend := range detection.GetAllBackends() {
		t.Run(string(backend), func(t *testing.T) {
			s, _ := newTestServer(t, func(c *config.Config) { c.Detection.Backend = string(backend) }, Options{})

			rec := do(t, s, http.MethodPost, "/v1/match", map[string]string{"text": mitText})
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

			resp := decodeBody[matchResponse](t, rec)
			assert.Equal(t, string(backend), resp.Backend)
			require.NotEmpty(t, resp.Matches)
			assert.Equal(t, detection.Match{Name: "mit", Confidence: 100}, resp.Matches[0])
			assert.False(t, resp.CacheHit)
		})
	}
}

func TestMatchByHash(t *testing.T) {
	s, _ := newTestServer(t, nil, Options{})

	rec := do(t, s, http.MethodPost, "/v1/hash", map[string]string{"text": mitText})
	require.Equal(t, http.StatusOK, rec.Code)
	hashResp := decodeBody[struct {
		Backend string          `json:"backend"`
		Hash    json.RawMessage `json:"hash"`
	}](t, rec)
	assert.Equal(t, "min_hash", hashResp.Backend)

	rec = do(t, s, http.MethodPost, "/v1/match", map[string]json.RawMessage{"hash": hashResp.Hash})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[matchResponse](t, rec)
	require.NotEmpty(t, resp.Matches)
	assert.Equal(t, "mit", resp.Matches[0].Name)

	// A block-hash token is rejected by the MinHash backend.
	rec = do(t, s, http.MethodPost, "/v1/match", map[string]string{"hash": "32:32:1:2"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMatchValidation(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) { c.Server.MaxBodyBytes = 64 }, Options{})

	rec := do(t, s, http.MethodPost, "/v1/match", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/match", strings.NewReader("{not json"))
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/match", map[string]string{"text": mitText})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestLicenseLifecycle(t *testing.T) {
	mirror := &fakeMirror{}
	s, matcher := newTestServer(t, func(c *config.Config) { c.Storage.AutoSave = true }, Options{Mirror: mirror})

	rec := do(t, s, http.MethodPut, "/v1/licenses/bsd-2-clause", map[string]string{"text": bsdText})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"mit", "bsd-2-clause"}, matcher.LicenseList())
	assert.Equal(t, []string{"bsd-2-clause"}, mirror.upserts)

	rec = do(t, s, http.MethodGet, "/v1/licenses", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[map[string]any](t, rec)
	assert.Equal(t, float64(2), list["count"])

	// Auto-save wrote the store file.
	data, err := os.ReadFile(s.config.Storage.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "bsd-2-clause")

	rec = do(t, s, http.MethodDelete, "/v1/licenses/bsd-2-clause", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"bsd-2-clause"}, mirror.deletes)

	rec = do(t, s, http.MethodDelete, "/v1/licenses/bsd-2-clause", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPut, "/v1/licenses/empty", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDetectEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil, Options{})
	text := "SPDX HEADER GARBAGE THAT IS NOT PART OF ANY LICENSE TEXT AT ALL\n" + mitText

	rec := do(t, s, http.MethodPost, "/v1/detect", map[string]any{
		"text":     text,
		"segments": []map[string]string{{"type": "remove", "pattern": "SPDX HEADER GARBAGE[^\\n]*\\n"}},
		"adjustments": []map[string]any{{
			"kind":    "regex",
			"pattern": "GARBAGE",
			"trigger": map[string]any{"condition": "always"},
			"action":  map[string]any{"type": "subtract", "value": 10},
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[detectResponse](t, rec)
	assert.Equal(t, float64(100), resp.Target)
	require.Len(t, resp.Rounds, 2)
	require.NotEmpty(t, resp.Final)
	assert.Equal(t, detection.Match{Name: "mit", Confidence: 100}, resp.Final[0])
	assert.Equal(t, float64(90), resp.Confidence)
}

func TestDetectRejectsBadSegments(t *testing.T) {
	s, _ := newTestServer(t, nil, Options{})

	rec := do(t, s, http.MethodPost, "/v1/detect", map[string]any{
		"text":     mitText,
		"segments": []map[string]string{{"type": "remove", "pattern": "("}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/detect", map[string]any{
		"text":     mitText,
		"segments": []map[string]string{{"type": "stem"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/detect", map[string]any{
		"text": mitText,
		"adjustments": []map[string]any{{
			"kind":    "regex",
			"pattern": "x",
			"trigger": map[string]any{"condition": "sometimes"},
			"action":  map[string]any{"type": "add", "value": 1},
		}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) {
		c.RateLimit.RequestsPerSecond = 0.001
		c.RateLimit.Burst = 1
	}, Options{})

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/licenses", nil).Code)
	rec := do(t, s, http.MethodGet, "/v1/licenses", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Health checks are not rate limited.
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health", nil).Code)
}

func TestRateLimitIgnoresForwardedFor(t *testing.T) {
	limited := func(c *config.Config) {
		c.RateLimit.RequestsPerSecond = 0.001
		c.RateLimit.Burst = 1
	}
	get := func(s *Server, forwardedFor string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/licenses", nil)
		req.Header.Set("X-Forwarded-For", forwardedFor)
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	s, _ := newTestServer(t, limited, Options{})
	assert.Equal(t, http.StatusOK, get(s, "198.51.100.1"))
	assert.Equal(t, http.StatusTooManyRequests, get(s, "198.51.100.2"))

	trusted, _ := newTestServer(t, func(c *config.Config) {
		limited(c)
		c.Server.TrustProxyHeaders = true
	}, Options{})
	assert.Equal(t, http.StatusOK, get(trusted, "198.51.100.1"))
	assert.Equal(t, http.StatusOK, get(trusted, "198.51.100.2"))
	assert.Equal(t, http.StatusTooManyRequests, get(trusted, "198.51.100.1"))
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerSecond: 1, Burst: 1})
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"))

	assert.Equal(t, 0, rl.CleanupOldBuckets(time.Hour))
	assert.Equal(t, 2, rl.CleanupOldBuckets(-time.Second))
	assert.True(t, rl.Allow("10.0.0.1"))

	disabled := NewRateLimiter(config.RateLimitConfig{Enabled: false})
	for i := 0; i < 10; i++ {
		assert.True(t, disabled.Allow("10.0.0.1"))
	}
}
