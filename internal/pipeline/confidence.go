package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/license-sentinel/internal/detection"
)

// MaxTarget is the highest accepted target confidence. No real match reaches
// it, so a pipeline targeting it runs every segment.
const MaxTarget = 101

// Querier is the part of a detector the pipeline needs.
type Querier interface {
	MatchByPlainText(text string) ([]detection.Match, error)
}

// ConfidencePipeline re-queries a detector with transformed text until the top
// match reaches the target confidence or the segments run out.
type ConfidencePipeline struct {
	querier  Querier
	segments []Segment
	target   float64
	logger   *zap.Logger
}

// NewConfidencePipeline creates a pipeline. target is clamped to [0, MaxTarget].
func NewConfidencePipeline(querier Querier, target float64, segments []Segment, logger *zap.Logger) *ConfidencePipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfidencePipeline{
		querier:  querier,
		segments: segments,
		target:   clampTarget(target),
		logger:   logger,
	}
}

func clampTarget(target float64) float64 {
	switch {
	case target < 0:
		return 0
	case target > MaxTarget:
		return MaxTarget
	default:
		return target
	}
}

// Target returns the clamped target confidence.
func (p *ConfidencePipeline) Target() float64 {
	return p.target
}

// TopConfidence returns the confidence of the best match, or 0 when there is none.
func TopConfidence(matches []detection.Match) float64 {
	if len(matches) == 0 {
		return 0
	}
	return matches[0].Confidence
}

// Final returns the match list of the last executed round.
func Final(history History) []detection.Match {
	if len(history) == 0 {
		return nil
	}
	return history[len(history)-1]
}

// Run executes round 0 on text and then one round per segment, stopping as
// soon as a round's top confidence reaches the target. Each segment sees the
// output of the previous one. The returned history holds one match list per
// executed round. A failing segment or query aborts the run with no result.
func (p *ConfidencePipeline) Run(ctx context.Context, text string) (History, error) {
	start := time.Now()
	history := make(History, 0, len(p.segments)+1)

	matches, err := p.querier.MatchByPlainText(text)
	if err != nil {
		return nil, fmt.Errorf("round 0 query failed: %w", err)
	}
	history = append(history, matches)

	for i, seg := range p.segments {
		if TopConfidence(history[len(history)-1]) >= p.target {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		text, err = seg.Apply(text, history)
		if err != nil {
			return nil, fmt.Errorf("segment %d failed: %w", i+1, err)
		}

		matches, err = p.querier.MatchByPlainText(text)
		if err != nil {
			return nil, fmt.Errorf("round %d query failed: %w", i+1, err)
		}
		history = append(history, matches)
	}

	p.logger.Debug("Confidence pipeline completed",
		zap.Int("rounds", len(history)),
		zap.Int("segments", len(p.segments)),
		zap.Float64("target", p.target),
		zap.Float64("top_confidence", TopConfidence(Final(history))),
		zap.Duration("duration", time.Since(start)))

	return history, nil
}
