package lifted

import (
	"fmt"
	"time"

	relayerrors "github.com/grovetools/devrelay/errors"
)

// Reducer is the application's state container logic. It must not
// mutate state; an error or a panic marks the computed state as failed.
type Reducer func(state any, action Action) (any, error)

// interruptedError is recorded on every state computed after a failed one.
const interruptedError = "Interrupted by an error up the chain"

// History drives a lifted State with the application's reducer.
// It is not safe for concurrent use.
type History struct {
	reducer Reducer
	initial any
	now     func() time.Time
	state   State
}

// NewHistory starts a history at initial. The base entry is reduced once
// so the reducer can fill in defaults.
func NewHistory(reducer Reducer, initial any, now func() time.Time) *History {
	if now == nil {
		now = time.Now
	}
	h := &History{reducer: reducer, initial: initial, now: now}
	h.state = Base(initial, h.stamp())
	h.recompute(0)
	return h
}

// State returns a copy of the lifted state.
func (h *History) State() State { return h.state.Clone() }

// View returns the lifted state without copying it. The result must
// not be modified and is only valid until the next mutation.
func (h *History) View() State { return h.state }

// Current returns the state under the cursor.
func (h *History) Current() Computed { return h.state.Current() }

// Clone returns an independent history sharing the reducer.
func (h *History) Clone() *History {
	c := *h
	c.state = h.state.Clone()
	return &c
}

// Perform records and applies a new action.
func (h *History) Perform(a Action) {
	s := &h.state
	follow := s.AtTip()
	id := s.NextActionID
	s.NextActionID++
	s.ActionsByID[id] = Entry{Action: a, Timestamp: h.stamp()}
	s.StagedActionIDs = append(s.StagedActionIDs, id)
	prev := s.Latest()
	s.ComputedStates = append(s.ComputedStates, h.compute(prev, a, false))
	if follow {
		s.CurrentStateIndex = len(s.StagedActionIDs) - 1
	}
}

// Overwrite applies a to the state under the cursor without recording
// it. The history is squashed onto the result so that later recomputes
// keep it. It is used while observation is stopped.
func (h *History) Overwrite(a Action) {
	next := h.compute(h.state.Current(), a, false)
	h.state = Base(next.State, h.stamp())
}

// Commit squashes the history onto the current state.
func (h *History) Commit() {
	h.state.Commit(h.stamp())
}

// Apply executes a lifted command. On error the history is unchanged.
func (h *History) Apply(cmd Command) error {
	s := h.state.Clone()
	switch cmd.Type {
	case CommandReset:
		s = Base(h.initial, h.stamp())
		h.state = s
		h.recompute(0)
		return nil
	case CommandCommit:
		s.Commit(h.stamp())
	case CommandRollback:
		s = Base(s.CommittedState, h.stamp())
		h.state = s
		h.recompute(0)
		return nil
	case CommandSweep:
		kept := s.StagedActionIDs[:0:0]
		for _, id := range s.StagedActionIDs {
			if !s.IsSkipped(id) {
				kept = append(kept, id)
			}
		}
		s.StagedActionIDs = kept
		s.SkippedActionIDs = nil
		if s.CurrentStateIndex > len(kept)-1 {
			s.CurrentStateIndex = len(kept) - 1
		}
		h.state = s
		h.recompute(0)
		return nil
	case CommandToggleAction:
		idx := s.IndexOf(cmd.ActionID)
		if idx <= 0 {
			return relayerrors.New(relayerrors.ErrCodeInvalidInput,
				fmt.Sprintf("action %d cannot be toggled", cmd.ActionID))
		}
		if s.IsSkipped(cmd.ActionID) {
			kept := s.SkippedActionIDs[:0:0]
			for _, id := range s.SkippedActionIDs {
				if id != cmd.ActionID {
					kept = append(kept, id)
				}
			}
			s.SkippedActionIDs = kept
		} else {
			s.SkippedActionIDs = append(s.SkippedActionIDs, cmd.ActionID)
		}
		h.state = s
		h.recompute(idx)
		return nil
	case CommandJumpToState:
		if err := s.Jump(cmd.Index); err != nil {
			return err
		}
	case CommandJumpToAction:
		idx := s.IndexOf(cmd.ActionID)
		if idx < 0 {
			return relayerrors.New(relayerrors.ErrCodeInvalidInput,
				fmt.Sprintf("action %d is not staged", cmd.ActionID))
		}
		s.CurrentStateIndex = idx
	default:
		return relayerrors.New(relayerrors.ErrCodeUnknownCommand, fmt.Sprintf("unknown command %q", cmd.Type))
	}
	h.state = s
	return nil
}

// Replace adopts an imported history after validating it. Computed
// states are recomputed when the snapshot does not carry them.
func (h *History) Replace(s State) error {
	if err := s.Validate(); err != nil {
		return err
	}
	s = s.Clone()
	h.state = s
	if len(s.ComputedStates) == 0 {
		h.state.ComputedStates = make([]Computed, len(s.StagedActionIDs))
		h.recompute(0)
	}
	return nil
}

// recompute rebuilds computed states from position from onwards.
func (h *History) recompute(from int) {
	s := &h.state
	if len(s.ComputedStates) != len(s.StagedActionIDs) {
		cs := make([]Computed, len(s.StagedActionIDs))
		copy(cs, s.ComputedStates)
		s.ComputedStates = cs
	}
	for i := from; i < len(s.StagedActionIDs); i++ {
		var prev Computed
		if i == 0 {
			prev = Computed{State: s.CommittedState}
		} else {
			prev = s.ComputedStates[i-1]
		}
		id := s.StagedActionIDs[i]
		s.ComputedStates[i] = h.compute(prev, s.ActionsByID[id].Action, s.IsSkipped(id))
	}
}

func (h *History) compute(prev Computed, a Action, skipped bool) Computed {
	if prev.Error != "" {
		return Computed{State: prev.State, Error: interruptedError}
	}
	if skipped {
		return Computed{State: prev.State}
	}
	next, err := Reduce(h.reducer, prev.State, a)
	if err != nil {
		return Computed{State: prev.State, Error: err.Error()}
	}
	return Computed{State: next}
}

func (h *History) stamp() int64 { return h.now().UnixMilli() }

// Reduce calls reducer and turns a panic into an error.
func Reduce(reducer Reducer, state any, a Action) (next any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reducer panicked: %v", r)
		}
	}()
	return reducer(state, a)
}
