package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/license-sentinel/internal/detection"
	"github.com/raaihank/license-sentinel/internal/pipeline"
	"github.com/raaihank/license-sentinel/internal/websocket"
)

type matchRequest struct {
	Text *string         `json:"text,omitempty"`
	Hash json.RawMessage `json:"hash,omitempty"`
}

type matchResponse struct {
	Backend      string            `json:"backend"`
	Matches      []detection.Match `json:"matches"`
	CacheHit     bool              `json:"cache_hit"`
	ProcessingMS float64           `json:"processing_ms"`
}

type hashResponse struct {
	Backend string         `json:"backend"`
	Hash    detection.Hash `json:"hash"`
}

type segmentSpec struct {
	Type        string `json:"type"` // remove or replace
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement,omitempty"`
}

type adjustmentSpec struct {
	Kind      string           `json:"kind"` // regex or diff
	Pattern   string           `json:"pattern"`
	Reference string           `json:"reference,omitempty"` // diff only
	Trigger   pipeline.Trigger `json:"trigger"`
	Action    pipeline.Action  `json:"action"`
}

type detectRequest struct {
	Text             string           `json:"text"`
	TargetConfidence *float64         `json:"target_confidence,omitempty"`
	Segments         []segmentSpec    `json:"segments,omitempty"`
	Adjustments      []adjustmentSpec `json:"adjustments,omitempty"`
}

type detectResponse struct {
	Backend      string              `json:"backend"`
	Target       float64             `json:"target"`
	Rounds       [][]detection.Match `json:"rounds"`
	Final        []detection.Match   `json:"final"`
	Confidence   float64             `json:"confidence"`
	ProcessingMS float64             `json:"processing_ms"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":           "license-sentinel",
		"version":        Version,
		"backend":        s.matcher.Backend(),
		"licenses":       s.matcher.Len(),
		"uptime":         time.Since(s.started).Round(time.Second).String(),
		"total_requests": s.requests.Load(),
		"detector":       s.matcher.Stats(),
		"websocket":      s.wsHub.GetStats(),
	})
}

func (s *Server) handleListLicenses(w http.ResponseWriter, r *http.Request) {
	names := s.matcher.LicenseList()
	writeJSON(w, http.StatusOK, map[string]any{
		"backend":  s.matcher.Backend(),
		"count":    len(names),
		"licenses": names,
	})
}

func (s *Server) handlePutLicense(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req matchRequest
	if !s.decode(w, r, &req) {
		return
	}

	var (
		hash detection.Hash
		err  error
	)
	switch {
	case req.Text != nil && len(req.Hash) == 0:
		hash, err = s.matcher.HashFromInlineString(*req.Text)
	case req.Text == nil && len(req.Hash) > 0:
		hash, err = detection.DecodeHash(s.matcher.Backend(), req.Hash)
	default:
		err = fmt.Errorf("%w: exactly one of text or hash is required", detection.ErrMalformedInput)
	}
	if err == nil {
		err = s.matcher.Mutate(r.Context(), func(m detection.Matcher) error {
			return m.AddHash(name, hash)
		})
	}
	if err != nil {
		s.writeDetectionError(w, r, err)
		return
	}

	if s.mirror != nil {
		if err := s.mirror.Upsert(r.Context(), s.matcher.Backend(), detection.Record{Name: name, Hash: hash}); err != nil {
			s.logger.WithRequestID(getRequestID(r.Context())).Error("Failed to mirror license", zap.String("name", name), zap.Error(err))
		}
	}
	s.registryChanged(r.Context(), "added", name)

	writeJSON(w, http.StatusOK, map[string]any{
		"name":     name,
		"backend":  s.matcher.Backend(),
		"licenses": s.matcher.Len(),
	})
}

func (s *Server) handleDeleteLicense(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var removed bool
	s.matcher.Mutate(r.Context(), func(m detection.Matcher) error {
		removed = m.Remove(name)
		return nil
	})
	if !removed {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("license %q is not registered", name))
		return
	}

	if s.mirror != nil {
		if _, err := s.mirror.Delete(r.Context(), s.matcher.Backend(), name); err != nil {
			s.logger.WithRequestID(getRequestID(r.Context())).Error("Failed to mirror removal", zap.String("name", name), zap.Error(err))
		}
	}
	s.registryChanged(r.Context(), "removed", name)

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHash(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Text == nil {
		writeError(w, http.StatusBadRequest, "malformed_input", "text is required")
		return
	}

	hash, err := s.matcher.HashFromInlineString(*req.Text)
	if err != nil {
		s.writeDetectionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hashResponse{Backend: string(s.matcher.Backend()), Hash: hash})
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req matchRequest
	if !s.decode(w, r, &req) {
		return
	}

	var (
		matches  []detection.Match
		cacheHit bool
		size     int
		err      error
	)
	switch {
	case req.Text != nil && len(req.Hash) == 0:
		size = len(*req.Text)
		matches, cacheHit, err = s.matcher.Match(r.Context(), *req.Text)
	case req.Text == nil && len(req.Hash) > 0:
		var hash detection.Hash
		if hash, err = detection.DecodeHash(s.matcher.Backend(), req.Hash); err == nil {
			matches, err = s.matcher.MatchByHash(hash)
		}
	default:
		err = fmt.Errorf("%w: exactly one of text or hash is required", detection.ErrMalformedInput)
	}
	if err != nil {
		s.writeDetectionError(w, r, err)
		return
	}
	if matches == nil {
		matches = []detection.Match{}
	}

	elapsed := time.Since(start)
	s.reportDetection(r, "match", size, matches, 0, cacheHit, elapsed)

	writeJSON(w, http.StatusOK, matchResponse{
		Backend:      string(s.matcher.Backend()),
		Matches:      matches,
		CacheHit:     cacheHit,
		ProcessingMS: milliseconds(elapsed),
	})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req detectRequest
	if !s.decode(w, r, &req) {
		return
	}

	segments, err := buildSegments(req.Segments)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_input", err.Error())
		return
	}
	pipes, err := buildPipes(req.Adjustments, req.Text)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed_input", err.Error())
		return
	}

	target := s.config.Detection.TargetConfidence
	if req.TargetConfidence != nil {
		target = *req.TargetConfidence
	}

	querier := &contextQuerier{ctx: r.Context(), server: s}
	p := pipeline.NewConfidencePipeline(querier, target, segments, s.logger.Logger.Named("pipeline"))
	history, err := p.Run(r.Context(), req.Text)
	if err != nil {
		s.writeDetectionError(w, r, err)
		return
	}

	final := pipeline.Final(history)
	if final == nil {
		final = []detection.Match{}
	}
	rounds := make([][]detection.Match, len(history))
	for i, round := range history {
		if round == nil {
			round = []detection.Match{}
		}
		rounds[i] = round
	}

	elapsed := time.Since(start)
	s.reportDetection(r, "detect", len(req.Text), final, len(history), querier.allHits(), elapsed)

	writeJSON(w, http.StatusOK, detectResponse{
		Backend:      string(s.matcher.Backend()),
		Target:       p.Target(),
		Rounds:       rounds,
		Final:        final,
		Confidence:   pipeline.Chain(pipeline.TopConfidence(final), pipes...),
		ProcessingMS: milliseconds(elapsed),
	})
}

// contextQuerier routes pipeline rounds through the result cache.
type contextQuerier struct {
	ctx    context.Context
	server *Server
	rounds int
	hits   int
}

func (q *contextQuerier) MatchByPlainText(text string) ([]detection.Match, error) {
	matches, hit, err := q.server.matcher.Match(q.ctx, text)
	q.rounds++
	if hit {
		q.hits++
	}
	return matches, err
}

func (q *contextQuerier) allHits() bool {
	return q.rounds > 0 && q.hits == q.rounds
}

func buildSegments(specs []segmentSpec) ([]pipeline.Segment, error) {
	segments := make([]pipeline.Segment, 0, len(specs))
	for i, spec := range specs {
		var (
			seg pipeline.Segment
			err error
		)
		switch strings.ToLower(spec.Type) {
		case "remove":
			seg, err = pipeline.Remove(spec.Pattern)
		case "replace":
			seg, err = pipeline.Replace(spec.Pattern, spec.Replacement)
		default:
			err = fmt.Errorf("unknown segment type %q", spec.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

func buildPipes(specs []adjustmentSpec, text string) ([]pipeline.Pipe, error) {
	pipes := make([]pipeline.Pipe, 0, len(specs))
	for i, spec := range specs {
		cond, err := pipeline.ParseCondition(string(spec.Trigger.Condition))
		if err != nil {
			return nil, fmt.Errorf("adjustment %d: %w", i, err)
		}
		action, err := pipeline.ParseActionType(string(spec.Action.Type))
		if err != nil {
			return nil, fmt.Errorf("adjustment %d: %w", i, err)
		}
		trigger := pipeline.Trigger{Condition: cond, Value: spec.Trigger.Value}
		act := pipeline.Action{Type: action, Value: spec.Action.Value}

		var pipe pipeline.Pipe
		switch strings.ToLower(spec.Kind) {
		case "regex":
			pipe, err = pipeline.NewRegexPipe(spec.Pattern, text, trigger, act)
		case "diff":
			pipe, err = pipeline.NewDiffPipe(spec.Pattern, spec.Reference, text, trigger, act)
		default:
			err = fmt.Errorf("unknown adjustment kind %q", spec.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("adjustment %d: %w", i, err)
		}
		pipes = append(pipes, pipe)
	}
	return pipes, nil
}

// registryChanged propagates a mutation to the snapshot, store file and
// WebSocket clients. Failures are logged; the mutation itself stands.
func (s *Server) registryChanged(ctx context.Context, action, name string) {
	log := s.logger.WithRequestID(getRequestID(ctx))

	s.persistMu.Lock()
	if s.snapshots != nil {
		if err := s.snapshots.SaveRegistry(ctx, s.matcher.Matcher); err != nil {
			log.Warn("Failed to store registry snapshot", zap.Error(err))
		}
	}

	if s.config.Storage.AutoSave && s.config.Storage.Path != "" {
		format, _ := detection.ParseFormat(s.config.Storage.Format)
		if err := s.matcher.SaveToFile(s.config.Storage.Path, format); err != nil {
			log.Error("Failed to save registry", zap.String("path", s.config.Storage.Path), zap.Error(err))
		}
	}
	s.persistMu.Unlock()

	s.wsHub.BroadcastEvent(websocket.Event{
		Type:      websocket.EventTypeRegistryChange,
		RequestID: getRequestID(ctx),
		Data: websocket.RegistryChangeEvent{
			Action:  action,
			Name:    name,
			Backend: string(s.matcher.Backend()),
			Entries: s.matcher.Len(),
		},
	})
}

func (s *Server) reportDetection(r *http.Request, endpoint string, textBytes int, matches []detection.Match, rounds int, cacheHit bool, elapsed time.Duration) {
	requestID := getRequestID(r.Context())

	var topName string
	var topConfidence float64
	if len(matches) > 0 {
		topName, topConfidence = matches[0].Name, matches[0].Confidence
	}
	s.logger.WithRequestID(requestID).LogMatch(string(s.matcher.Backend()), textBytes, topName, topConfidence, len(matches), elapsed)

	s.wsHub.BroadcastEvent(websocket.Event{
		Type:      websocket.EventTypeDetection,
		RequestID: requestID,
		Data: websocket.DetectionEvent{
			RequestID:    requestID,
			Backend:      string(s.matcher.Backend()),
			Endpoint:     endpoint,
			ClientIP:     websocket.ClientIP(r, s.config.Server.TrustProxyHeaders),
			TextBytes:    textBytes,
			Matches:      matches,
			Rounds:       rounds,
			CacheHit:     cacheHit,
			ProcessingMS: milliseconds(elapsed),
		},
	})
}

// decode reads a JSON body bounded by the configured size limit. It writes
// the error response itself and reports whether decoding succeeded.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := r.Body
	if s.config.Server.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes)
	}
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "malformed_input", fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}

func (s *Server) writeDetectionError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := http.StatusInternalServerError, "internal"
	var derr *detection.Error
	switch {
	case errors.Is(err, pipeline.ErrInvalidPattern):
		status, kind = http.StatusBadRequest, "malformed_input"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, kind = http.StatusServiceUnavailable, "cancelled"
	case errors.As(err, &derr):
		kind = derr.Type
		if derr != detection.ErrIO {
			status = http.StatusBadRequest
		}
	}
	if status == http.StatusInternalServerError {
		s.logger.WithRequestID(getRequestID(r.Context())).Error("Request failed", zap.Error(err))
	}
	writeError(w, status, kind, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{"error": kind, "message": message})
}

func milliseconds(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}
