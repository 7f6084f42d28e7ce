// Package pipeline refines license detection results.
//
// A ConfidencePipeline feeds progressively transformed text back into a
// detector until a target confidence is reached. Adjustment pipes post-process
// a single confidence score based on the text it was computed from.
package pipeline

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/raaihank/license-sentinel/internal/detection"
)

// ErrInvalidPattern is returned when a segment or pipe pattern does not compile.
var ErrInvalidPattern = errors.New("invalid pattern")

// History is the ordered list of per-round match lists recorded so far.
type History [][]detection.Match

// Segment is one text transform applied between detection rounds.
type Segment interface {
	Apply(text string, history History) (string, error)
}

// CustomFunc rewrites text, optionally based on the rounds recorded so far.
type CustomFunc func(text string, history History) (string, error)

func compile(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidPattern, pattern, err)
	}
	return re, nil
}

// RemoveSegment deletes every match of Pattern.
type RemoveSegment struct {
	Pattern string
	re      *regexp.Regexp
}

// Remove builds a RemoveSegment, compiling pattern up front.
func Remove(pattern string) (*RemoveSegment, error) {
	re, err := compile(pattern)
	if err != nil {
		return nil, err
	}
	return &RemoveSegment{Pattern: pattern, re: re}, nil
}

// Apply implements Segment. A segment built as a literal compiles its pattern
// on every call.
func (s *RemoveSegment) Apply(text string, _ History) (string, error) {
	re := s.re
	if re == nil {
		var err error
		if re, err = compile(s.Pattern); err != nil {
			return "", err
		}
	}
	return re.ReplaceAllLiteralString(text, ""), nil
}

// ReplaceSegment substitutes every match of Pattern with Replacement.
// Replacement may reference capture groups ($1, ${name}).
type ReplaceSegment struct {
	Pattern     string
	Replacement string
	re          *regexp.Regexp
}

// Replace builds a ReplaceSegment, compiling pattern up front.
func Replace(pattern, replacement string) (*ReplaceSegment, error) {
	re, err := compile(pattern)
	if err != nil {
		return nil, err
	}
	return &ReplaceSegment{Pattern: pattern, Replacement: replacement, re: re}, nil
}

// Apply implements Segment.
func (s *ReplaceSegment) Apply(text string, _ History) (string, error) {
	re := s.re
	if re == nil {
		var err error
		if re, err = compile(s.Pattern); err != nil {
			return "", err
		}
	}
	return re.ReplaceAllString(text, s.Replacement), nil
}

// CustomSegment runs a caller-supplied transform.
type CustomSegment struct {
	Fn CustomFunc
}

// Custom wraps fn as a segment.
func Custom(fn CustomFunc) *CustomSegment {
	return &CustomSegment{Fn: fn}
}

// Apply implements Segment.
func (s *CustomSegment) Apply(text string, history History) (string, error) {
	if s.Fn == nil {
		return text, nil
	}
	return s.Fn(text, history)
}

// BatchSegment applies its segments consecutively. The pipeline scores only
// the text produced by the whole batch.
type BatchSegment struct {
	Segments []Segment
}

// Batch groups segments into a single round.
func Batch(segments ...Segment) *BatchSegment {
	return &BatchSegment{Segments: segments}
}

// Apply implements Segment.
func (s *BatchSegment) Apply(text string, history History) (string, error) {
	for i, seg := range s.Segments {
		var err error
		text, err = seg.Apply(text, history)
		if err != nil {
			return "", fmt.Errorf("batch step %d: %w", i, err)
		}
	}
	return text, nil
}
