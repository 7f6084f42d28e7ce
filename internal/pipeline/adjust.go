package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Condition is a relational test against a confidence value.
type Condition string

const (
	GreaterThan        Condition = "gt"
	LessThan           Condition = "lt"
	GreaterThanOrEqual Condition = "gte"
	LessThanOrEqual    Condition = "lte"
	Equal              Condition = "eq"
	NotEqual           Condition = "neq"
	Always             Condition = "always"
)

// Trigger gates an adjustment on the current confidence.
type Trigger struct {
	Condition Condition `json:"condition" yaml:"condition" mapstructure:"condition"`
	Value     float64   `json:"value" yaml:"value" mapstructure:"value"`
}

// ShouldRun reports whether confidence satisfies the trigger. Unknown
// conditions never fire.
func (t Trigger) ShouldRun(confidence float64) bool {
	switch t.Condition {
	case GreaterThan:
		return confidence > t.Value
	case LessThan:
		return confidence < t.Value
	case GreaterThanOrEqual:
		return confidence >= t.Value
	case LessThanOrEqual:
		return confidence <= t.Value
	case Equal:
		return confidence == t.Value
	case NotEqual:
		return confidence != t.Value
	case Always:
		return true
	default:
		return false
	}
}

// ActionType selects how an Action changes a confidence.
type ActionType string

const (
	Add      ActionType = "add"
	Subtract ActionType = "subtract"
	Set      ActionType = "set"
)

// Action changes a confidence. Results are clamped to [0,100].
type Action struct {
	Type  ActionType `json:"type" yaml:"type" mapstructure:"type"`
	Value float64    `json:"value" yaml:"value" mapstructure:"value"`
}

// Run applies the action to confidence.
func (a Action) Run(confidence float64) float64 {
	switch a.Type {
	case Add:
		return clampConfidence(confidence + a.Value)
	case Subtract:
		return clampConfidence(confidence - a.Value)
	case Set:
		return clampConfidence(a.Value)
	default:
		return clampConfidence(confidence)
	}
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 100:
		return 100
	default:
		return c
	}
}

// Pipe post-processes a confidence score.
type Pipe interface {
	Run(confidence float64) float64
}

// RegexPipe applies Action when Trigger holds and the pattern matches Text.
type RegexPipe struct {
	Text    string
	Trigger Trigger
	Action  Action
	re      *regexp.Regexp
}

// NewRegexPipe compiles pattern and builds the pipe.
func NewRegexPipe(pattern, text string, trigger Trigger, action Action) (*RegexPipe, error) {
	re, err := compile(pattern)
	if err != nil {
		return nil, err
	}
	return &RegexPipe{Text: text, Trigger: trigger, Action: action, re: re}, nil
}

// Run implements Pipe.
func (p *RegexPipe) Run(confidence float64) float64 {
	if !p.Trigger.ShouldRun(confidence) || !p.re.MatchString(p.Text) {
		return confidence
	}
	return p.Action.Run(confidence)
}

// DiffPipe applies Action when Trigger holds and the pattern matches the text
// inserted going from Original to Modified.
type DiffPipe struct {
	Original string
	Modified string
	Trigger  Trigger
	Action   Action
	re       *regexp.Regexp
}

// NewDiffPipe compiles pattern and builds the pipe.
func NewDiffPipe(pattern, original, modified string, trigger Trigger, action Action) (*DiffPipe, error) {
	re, err := compile(pattern)
	if err != nil {
		return nil, err
	}
	return &DiffPipe{Original: original, Modified: modified, Trigger: trigger, Action: action, re: re}, nil
}

// Inserted returns the characters present in Modified but not in Original,
// in order, according to a character diff.
func (p *DiffPipe) Inserted() string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(p.Original, p.Modified, false)

	var sb strings.Builder
	for _, d := range diffs {
		if d.Type == diffmatchpatch.DiffInsert {
			sb.WriteString(d.Text)
		}
	}
	return sb.String()
}

// Run implements Pipe.
func (p *DiffPipe) Run(confidence float64) float64 {
	if !p.Trigger.ShouldRun(confidence) {
		return confidence
	}
	if !p.re.MatchString(p.Inserted()) {
		return confidence
	}
	return p.Action.Run(confidence)
}

// Chain runs pipes in order, each seeing the previous result.
func Chain(confidence float64, pipes ...Pipe) float64 {
	for _, p := range pipes {
		confidence = p.Run(confidence)
	}
	return confidence
}

// ParseCondition resolves a condition name.
func ParseCondition(name string) (Condition, error) {
	switch c := Condition(strings.ToLower(name)); c {
	case GreaterThan, LessThan, GreaterThanOrEqual, LessThanOrEqual, Equal, NotEqual, Always:
		return c, nil
	default:
		return "", fmt.Errorf("unknown trigger condition %q", name)
	}
}

// ParseActionType resolves an action name.
func ParseActionType(name string) (ActionType, error) {
	switch a := ActionType(strings.ToLower(name)); a {
	case Add, Subtract, Set:
		return a, nil
	default:
		return "", fmt.Errorf("unknown action type %q", name)
	}
}
