package lifted

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counter(state any, a Action) (any, error) {
	n, _ := state.(int)
	switch a.Type {
	case "INCREMENT":
		return n + 1, nil
	case "DECREMENT":
		return n - 1, nil
	case "FAIL":
		return nil, errors.New("boom")
	case "PANIC":
		panic("kaboom")
	}
	return n, nil
}

func fixedNow() time.Time { return time.UnixMilli(1700000000000) }

func dispatchN(h *History, n int) {
	for i := 0; i < n; i++ {
		h.Perform(Action{Type: "INCREMENT"})
	}
}

func TestPerformKeepsSequenceDense(t *testing.T) {
	h := NewHistory(counter, 0, fixedNow)
	dispatchN(h, 4)

	s := h.State()
	assert.Equal(t, 5, s.NextActionID)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, s.IDs())
	assert.Len(t, s.ComputedStates, len(s.StagedActionIDs))
	assert.Equal(t, 4, s.CurrentStateIndex)
	assert.Equal(t, 4, h.Current().State)
	require.NoError(t, s.Validate())
}

func TestReducerFailureIsRecordedNotFatal(t *testing.T) {
	h := NewHistory(counter, 0, fixedNow)
	h.Perform(Action{Type: "INCREMENT"})
	h.Perform(Action{Type: "PANIC"})
	h.Perform(Action{Type: "INCREMENT"})

	s := h.State()
	assert.Contains(t, s.ComputedStates[2].Error, "kaboom")
	assert.Equal(t, 1, s.ComputedStates[2].State)
	assert.Equal(t, interruptedError, s.ComputedStates[3].Error)
}

func TestCommands(t *testing.T) {
	t.Run("jump to state", func(t *testing.T) {
		h := NewHistory(counter, 0, fixedNow)
		dispatchN(h, 3)
		require.NoError(t, h.Apply(Command{Type: CommandJumpToState, Index: 1}))
		assert.Equal(t, 1, h.Current().State)

		// Dispatching while time travelling keeps the cursor in place.
		h.Perform(Action{Type: "INCREMENT"})
		assert.Equal(t, 1, h.State().CurrentStateIndex)
	})

	t.Run("jump out of range leaves state", func(t *testing.T) {
		h := NewHistory(counter, 0, fixedNow)
		dispatchN(h, 2)
		before := h.State()
		assert.Error(t, h.Apply(Command{Type: CommandJumpToState, Index: 9}))
		assert.Equal(t, before, h.State())
	})

	t.Run("toggle and sweep", func(t *testing.T) {
		h := NewHistory(counter, 0, fixedNow)
		dispatchN(h, 3)
		require.NoError(t, h.Apply(Command{Type: CommandToggleAction, ActionID: 2}))
		assert.Equal(t, 2, h.Current().State)
		require.NoError(t, h.Apply(Command{Type: CommandSweep}))
		s := h.State()
		assert.Equal(t, []int{0, 1, 3}, s.StagedActionIDs)
		assert.Equal(t, 2, s.CurrentStateIndex)
		assert.Equal(t, 2, h.Current().State)
	})

	t.Run("toggle base is rejected", func(t *testing.T) {
		h := NewHistory(counter, 0, fixedNow)
		assert.Error(t, h.Apply(Command{Type: CommandToggleAction, ActionID: 0}))
	})

	t.Run("commit squashes", func(t *testing.T) {
		h := NewHistory(counter, 0, fixedNow)
		dispatchN(h, 3)
		require.NoError(t, h.Apply(Command{Type: CommandCommit}))
		s := h.State()
		assert.Len(t, s.StagedActionIDs, 1)
		assert.Equal(t, 1, s.NextActionID)
		assert.Equal(t, 3, s.CommittedState)
		assert.Equal(t, 3, h.Current().State)
	})

	t.Run("rollback returns to committed", func(t *testing.T) {
		h := NewHistory(counter, 0, fixedNow)
		dispatchN(h, 2)
		h.Commit()
		dispatchN(h, 2)
		require.NoError(t, h.Apply(Command{Type: CommandRollback}))
		assert.Equal(t, 2, h.Current().State)
		assert.Len(t, h.State().StagedActionIDs, 1)
	})

	t.Run("reset returns to initial", func(t *testing.T) {
		h := NewHistory(counter, 10, fixedNow)
		dispatchN(h, 2)
		h.Commit()
		require.NoError(t, h.Apply(Command{Type: CommandReset}))
		assert.Equal(t, 10, h.Current().State)
	})

	t.Run("unknown command", func(t *testing.T) {
		h := NewHistory(counter, 0, fixedNow)
		assert.Error(t, h.Apply(Command{Type: "REORDER"}))
	})
}

func TestReplaceRecomputesMissingStates(t *testing.T) {
	h := NewHistory(counter, 0, fixedNow)
	s := State{
		ActionsByID: map[int]Entry{
			0: {Action: Action{Type: InitActionType}},
			1: {Action: Action{Type: "INCREMENT"}},
			2: {Action: Action{Type: "INCREMENT"}},
		},
		NextActionID:      3,
		StagedActionIDs:   []int{0, 1, 2},
		CommittedState:    5,
		CurrentStateIndex: 2,
	}
	require.NoError(t, h.Replace(s))
	assert.Equal(t, 7, h.Current().State)

	bad := s.Clone()
	bad.CurrentStateIndex = 3
	assert.Error(t, h.Replace(bad))
	assert.Equal(t, 7, h.Current().State)
}

func TestOverwriteAppliesUnderCursor(t *testing.T) {
	h := NewHistory(counter, 0, fixedNow)
	dispatchN(h, 3)
	require.NoError(t, h.Apply(Command{Type: CommandJumpToState, Index: 1}))

	h.Overwrite(Action{Type: "INCREMENT"})
	assert.Equal(t, 2, h.Current().State)
	s := h.State()
	assert.Equal(t, []int{0}, s.StagedActionIDs)
	assert.Equal(t, 1, s.NextActionID)
	assert.Equal(t, 2, s.CommittedState)

	// A later recompute keeps the unrecorded change.
	h.Perform(Action{Type: "INCREMENT"})
	require.NoError(t, h.Apply(Command{Type: CommandSweep}))
	assert.Equal(t, 3, h.Current().State)
}

func TestAppendFollowsTipAndCommit(t *testing.T) {
	s := Base(0, 0)
	s.Append(2, Entry{Action: Action{Type: "A"}}, Computed{State: 1})
	s.Append(3, Entry{Action: Action{Type: "B"}}, Computed{State: 2})
	assert.Equal(t, 2, s.CurrentStateIndex)
	assert.Equal(t, 3, s.NextActionID)

	require.NoError(t, s.Jump(0))
	s.Append(4, Entry{Action: Action{Type: "C"}}, Computed{State: 3})
	assert.Equal(t, 0, s.CurrentStateIndex)

	require.NoError(t, s.Jump(3))
	s.Commit(0)
	assert.Equal(t, []int{0}, s.StagedActionIDs)
	assert.Equal(t, 3, s.Current().State)
}
