package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerShouldRun(t *testing.T) {
	tests := []struct {
		condition Condition
		fires     []float64
		holds     []float64
	}{
		{GreaterThan, []float64{51, 52}, []float64{49, 0, 50}},
		{LessThan, []float64{49, 10, 0}, []float64{50, 51, 100}},
		{GreaterThanOrEqual, []float64{50, 51, 100}, []float64{49, 0}},
		{LessThanOrEqual, []float64{50, 49, 0}, []float64{51, 100}},
		{Equal, []float64{50}, []float64{51, 49, 0, 100}},
		{NotEqual, []float64{49, 51, 0, 100}, []float64{50}},
		{Always, []float64{1, 49, 50, 99, 100}, nil},
		{Condition("unknown"), nil, []float64{0, 50, 100}},
	}

	for _, tt := range tests {
		t.Run(string(tt.condition), func(t *testing.T) {
			trigger := Trigger{Condition: tt.condition, Value: 50}
			for _, c := range tt.fires {
				assert.True(t, trigger.ShouldRun(c), "should fire at %v", c)
			}
			for _, c := range tt.holds {
				assert.False(t, trigger.ShouldRun(c), "should not fire at %v", c)
			}
		})
	}
}

func TestActionRun(t *testing.T) {
	tests := []struct {
		action Action
		in     float64
		want   float64
	}{
		{Action{Add, 5}, 10, 15},
		{Action{Add, 5}, 0, 5},
		{Action{Add, 5}, 100, 100},
		{Action{Add, 5}, 255, 100},
		{Action{Add, 5}, 200, 100},
		{Action{Add, 5}, 95, 100},
		{Action{Subtract, 5}, 10, 5},
		{Action{Subtract, 5}, 5, 0},
		{Action{Subtract, 5}, 3, 0},
		{Action{Subtract, 5}, 0, 0},
		{Action{Subtract, 5}, 255, 100},
		{Action{Subtract, 5}, 200, 100},
		{Action{Set, 255}, 10, 100},
		{Action{Set, 42}, 99, 42},
		{Action{Set, 0}, 50, 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.action.Run(tt.in), "%s(%v) on %v", tt.action.Type, tt.action.Value, tt.in)
	}

	t.Run("StaysInRange", func(t *testing.T) {
		for _, typ := range []ActionType{Add, Subtract, Set} {
			for v := 0.0; v <= 255; v += 17 {
				for in := 0.0; in <= 255; in += 15 {
					out := Action{Type: typ, Value: v}.Run(in)
					assert.True(t, out >= 0 && out <= 100, "%s(%v) on %v = %v", typ, v, in, out)
				}
			}
		}
	})
}

func TestRegexPipe(t *testing.T) {
	add5 := Action{Type: Add, Value: 5}
	always := Trigger{Condition: Always, Value: 10}

	t.Run("Executes", func(t *testing.T) {
		p, err := NewRegexPipe("some text", "this is a sample license with some text", Trigger{Condition: GreaterThan, Value: 50}, add5)
		require.NoError(t, err)
		assert.Equal(t, 100.0, p.Run(95))
	})

	t.Run("TriggerNotMet", func(t *testing.T) {
		p, err := NewRegexPipe("some text", "this is a sample license with some text", Trigger{Condition: GreaterThan, Value: 50}, add5)
		require.NoError(t, err)
		assert.Equal(t, 40.0, p.Run(40))
	})

	t.Run("PatternMatches", func(t *testing.T) {
		p, err := NewRegexPipe(`\d{4}-\d{2}-\d{2}`, "this is a sample license created on 2014-01-01", always, add5)
		require.NoError(t, err)
		assert.Equal(t, 15.0, p.Run(10))
	})

	t.Run("PatternDoesNotMatch", func(t *testing.T) {
		p, err := NewRegexPipe(`\d{4}-\d{2}-\d{2}`, "this is a sample license created on NO DATE", always, add5)
		require.NoError(t, err)
		assert.Equal(t, 10.0, p.Run(10))
	})

	t.Run("InvalidPattern", func(t *testing.T) {
		_, err := NewRegexPipe(`(?P<`, "text", always, add5)
		assert.ErrorIs(t, err, ErrInvalidPattern)

		_, err = NewDiffPipe(`[`, "a", "ab", always, add5)
		assert.ErrorIs(t, err, ErrInvalidPattern)
	})
}

func TestDiffPipe(t *testing.T) {
	const datePattern = `\d{4}-\d{2}-\d{2}`
	const original = "this is a sample license created on [enter_license_creation_date_here] copyright Some Company"
	add5 := Action{Type: Add, Value: 5}
	always := Trigger{Condition: Always, Value: 10}

	t.Run("InsertedTextMatches", func(t *testing.T) {
		p, err := NewDiffPipe(datePattern, original,
			"this is a sample license created on 2014-01-01 copyright Some Company. and stuff", always, add5)
		require.NoError(t, err)
		assert.Equal(t, 15.0, p.Run(10))
	})

	t.Run("InsertedTextDoesNotMatch", func(t *testing.T) {
		p, err := NewDiffPipe(datePattern, original,
			"this is a sample license created on [enter_license_creation_date_here] but different end.", always, add5)
		require.NoError(t, err)
		assert.Equal(t, 10.0, p.Run(10))
	})

	t.Run("IdenticalTexts", func(t *testing.T) {
		text := "this is a sample license created on [enter_license_creation_date_here]"
		p, err := NewDiffPipe(datePattern, text, text, always, add5)
		require.NoError(t, err)
		assert.Empty(t, p.Inserted())
		assert.Equal(t, 10.0, p.Run(10))
	})

	t.Run("DateInOriginalOnlyIgnored", func(t *testing.T) {
		p, err := NewDiffPipe(datePattern, "created on 2014-01-01", "created on", always, add5)
		require.NoError(t, err)
		assert.Equal(t, 10.0, p.Run(10))
	})
}

func TestChain(t *testing.T) {
	always := Trigger{Condition: Always}
	boost, err := NewRegexPipe("MIT", "MIT License", always, Action{Type: Add, Value: 30})
	require.NoError(t, err)
	cap80, err := NewRegexPipe(".", "x", Trigger{Condition: GreaterThan, Value: 80}, Action{Type: Set, Value: 80})
	require.NoError(t, err)

	assert.Equal(t, 80.0, Chain(60, boost, cap80))
	assert.Equal(t, 70.0, Chain(40, boost, cap80))
	assert.Equal(t, 40.0, Chain(40))
}

func TestParseNames(t *testing.T) {
	c, err := ParseCondition("GTE")
	require.NoError(t, err)
	assert.Equal(t, GreaterThanOrEqual, c)

	_, err = ParseCondition("between")
	assert.Error(t, err)

	a, err := ParseActionType("subtract")
	require.NoError(t, err)
	assert.Equal(t, Subtract, a)

	_, err = ParseActionType("multiply")
	assert.Error(t, err)
}
