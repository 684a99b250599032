package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionRejectsEdgesOutsideTheGraph(t *testing.T) {
	st := NewState("sess-1", "q", "analytics", nil)

	// created cannot jump straight to executing.
	assert.Error(t, st.transition(StatusExecuting))
	assert.Equal(t, StatusCreated, st.Status)

	require.NoError(t, st.transition(StatusExploringSchema))
	assert.Error(t, st.transition(StatusAnalyzingResults))
	assert.Equal(t, StatusExploringSchema, st.Status)
}

func TestFailedIsReachableFromAnyNonTerminalState(t *testing.T) {
	for _, from := range []Status{
		StatusCreated,
		StatusExploringSchema,
		StatusGeneratingSQL,
		StatusValidating,
		StatusAwaitingHumanReview,
		StatusExecuting,
		StatusAnalyzingResults,
	} {
		st := NewState("sess-1", "q", "analytics", nil)
		st.Status = from
		require.NoError(t, st.transition(StatusFailed), "from %s", from)
		assert.Equal(t, StatusFailed, st.Status)
		assert.NotNil(t, st.CompletedAt)
	}
}

func TestTerminalStatesNeverLeave(t *testing.T) {
	st := NewState("sess-1", "q", "analytics", nil)
	st.Status = StatusCompleted
	assert.Error(t, st.transition(StatusFailed))
	assert.Equal(t, StatusCompleted, st.Status)

	st.Status = StatusFailed
	assert.Error(t, st.transition(StatusExploringSchema))
	assert.Equal(t, StatusFailed, st.Status)
}

func TestCompletedAtStampsOnceOnTerminal(t *testing.T) {
	st := NewState("sess-1", "q", "analytics", nil)
	require.NoError(t, st.transition(StatusFailed))
	require.NotNil(t, st.CompletedAt)
	first := *st.CompletedAt

	st.stampCompleted()
	assert.Equal(t, first, *st.CompletedAt)
}

func TestCheckpointPreservesAccumulators(t *testing.T) {
	st := NewState("sess-1", "q", "analytics", map[string]any{"review_optional": true})
	st.AppendWarning("assumed UTC")
	st.AppendError("schema exploration failed: flaky")
	st.AppendTablesUsed("sales", "customers")
	st.AppendValidationWarnings("[performance] missing LIMIT")

	blob, err := st.MarshalJSON()
	require.NoError(t, err)

	restored := &State{}
	require.NoError(t, restored.UnmarshalJSON(blob))
	assert.Equal(t, st.Warnings(), restored.Warnings())
	assert.Equal(t, st.Errors(), restored.Errors())
	assert.Equal(t, st.TablesUsed(), restored.TablesUsed())
	assert.Equal(t, st.ValidationWarnings(), restored.ValidationWarnings())
	assert.Equal(t, true, restored.Options["review_optional"])
}
