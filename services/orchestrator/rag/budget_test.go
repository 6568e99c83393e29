package rag

import (
	"strings"
	"testing"

	"github.com/driftline-ai/driftline/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passage(sourceID, displayName, text string, score float64) datatypes.EnrichedPassage {
	return datatypes.EnrichedPassage{
		SourceID:    sourceID,
		DisplayName: displayName,
		Text:        text,
		Score:       score,
	}
}

func TestSelectContext_Empty(t *testing.T) {
	selection := SelectContext(nil)

	assert.True(t, selection.Empty())
	assert.Empty(t, selection.Citations)
}

func TestSelectContext_SingleSourceBlock(t *testing.T) {
	selection := SelectContext([]datatypes.EnrichedPassage{
		passage("src-1", "Report", "Revenue grew 12% in Q3.", 0.95),
		passage("src-1", "Report", "Costs held flat.", 0.90),
	})

	want := "--- File: \"Report\" ---\nRevenue grew 12% in Q3.\nCosts held flat."
	assert.Equal(t, want, selection.Text)
	assert.Equal(t, []string{"src-1"}, selection.Citations)
}

func TestSelectContext_CitationsAreSourceIDsNotDisplayNames(t *testing.T) {
	// Two documents can share a title, so only the id identifies a source.
	selection := SelectContext([]datatypes.EnrichedPassage{
		passage("f1", "Report", "Revenue grew.", 0.9),
		passage("f2", "Report", "Costs held flat.", 0.8),
	})

	assert.Equal(t, []string{"f1", "f2"}, selection.Citations)
	assert.Contains(t, selection.Text, "--- File: \"Report\" ---")
	assert.NotContains(t, selection.Citations, "Report")
}

func TestSelectContext_GroupsBySourceFirstSeenOrder(t *testing.T) {
	// Source order by first appearance: a, b. The third passage belongs to a
	// and must land in a's block even though b appeared in between.
	selection := SelectContext([]datatypes.EnrichedPassage{
		passage("a", "Alpha", "a1", 0.9),
		passage("b", "Beta", "b1", 0.8),
		passage("a", "Alpha", "a2", 0.7),
	})

	want := "--- File: \"Alpha\" ---\na1\na2\n\n--- File: \"Beta\" ---\nb1"
	assert.Equal(t, want, selection.Text)
	assert.Equal(t, []string{"a", "b"}, selection.Citations)
}

func TestSelectContext_StopsAtFirstOverflow(t *testing.T) {
	big := strings.Repeat("x", ContextBudgetUnits*CharsPerUnit) // exactly the full budget
	selection := SelectContext([]datatypes.EnrichedPassage{
		passage("a", "Alpha", big, 0.9),
		passage("b", "Beta", "tiny", 0.8), // would fit on its own, but selection already stopped
	})

	require.Contains(t, selection.Text, "Alpha")
	assert.NotContains(t, selection.Text, "Beta")
	assert.Equal(t, []string{"a"}, selection.Citations)
}

func TestSelectContext_FirstPassageOverBudget(t *testing.T) {
	tooBig := strings.Repeat("x", ContextBudgetUnits*CharsPerUnit+1)
	selection := SelectContext([]datatypes.EnrichedPassage{
		passage("a", "Alpha", tooBig, 0.9),
		passage("b", "Beta", "small", 0.8),
	})

	assert.True(t, selection.Empty())
	assert.Empty(t, selection.Citations)
}

func TestPassageCost_RoundsUp(t *testing.T) {
	assert.Equal(t, 0, PassageCost(""))
	assert.Equal(t, 1, PassageCost("a"))
	assert.Equal(t, 1, PassageCost("abcd"))
	assert.Equal(t, 2, PassageCost("abcde"))
}

func TestSelectContext_BudgetIsExactlyFilled(t *testing.T) {
	// Two passages that together consume exactly the budget are both kept.
	half := strings.Repeat("x", (ContextBudgetUnits/2)*CharsPerUnit)
	selection := SelectContext([]datatypes.EnrichedPassage{
		passage("a", "Alpha", half, 0.9),
		passage("b", "Beta", half, 0.8),
	})

	assert.Equal(t, []string{"a", "b"}, selection.Citations)
}
