// Package lifted implements the history-augmented ("lifted") form of an
// application's state: the actions that were dispatched, the state each
// one produced, and a cursor used for time travel.
package lifted

import (
	"fmt"
	"sort"

	relayerrors "github.com/grovetools/devrelay/errors"
)

// InitActionType marks the base entry that every history starts from,
// either the initial state or the last commit.
const InitActionType = "@@devrelay/INIT"

// Action is a dispatched action. Payload is any JSON-shaped value.
type Action struct {
	Type    string `json:"type" jsonschema:"minLength=1"`
	Payload any    `json:"payload,omitempty"`
}

// Entry is a recorded action with its dispatch time in milliseconds.
type Entry struct {
	Action    Action `json:"action"`
	Timestamp int64  `json:"timestamp"`
}

// Computed is the state produced by one staged action. Error is set when
// the reducer failed, in which case State holds the previous state.
type Computed struct {
	State any    `json:"state"`
	Error string `json:"error,omitempty"`
}

// State is the lifted state of one instrumented instance.
//
// ActionsByID is keyed by sequence number and is dense from 0 on the
// instrumented side. StagedActionIDs lists the retained ids in order and
// ComputedStates is aligned with it.
type State struct {
	ActionsByID       map[int]Entry `json:"actionsById"`
	NextActionID      int           `json:"nextActionId" jsonschema:"minimum=1"`
	StagedActionIDs   []int         `json:"stagedActionIds" jsonschema:"minItems=1"`
	SkippedActionIDs  []int         `json:"skippedActionIds,omitempty"`
	CommittedState    any           `json:"committedState,omitempty"`
	CurrentStateIndex int           `json:"currentStateIndex" jsonschema:"minimum=0"`
	ComputedStates    []Computed    `json:"computedStates,omitempty"`
}

// Base returns a history holding only the base entry for state.
func Base(state any, ts int64) State {
	return State{
		ActionsByID:     map[int]Entry{0: {Action: Action{Type: InitActionType}, Timestamp: ts}},
		NextActionID:    1,
		StagedActionIDs: []int{0},
		CommittedState:  state,
		ComputedStates:  []Computed{{State: state}},
	}
}

// Clone copies the history structure. States themselves are shared and
// must be treated as immutable.
func (s State) Clone() State {
	out := s
	out.ActionsByID = make(map[int]Entry, len(s.ActionsByID))
	for id, e := range s.ActionsByID {
		out.ActionsByID[id] = e
	}
	out.StagedActionIDs = append([]int(nil), s.StagedActionIDs...)
	out.SkippedActionIDs = append([]int(nil), s.SkippedActionIDs...)
	out.ComputedStates = append([]Computed(nil), s.ComputedStates...)
	return out
}

// Current returns the computed state under the cursor.
func (s State) Current() Computed {
	if s.CurrentStateIndex < 0 || s.CurrentStateIndex >= len(s.ComputedStates) {
		return Computed{}
	}
	return s.ComputedStates[s.CurrentStateIndex]
}

// Latest returns the computed state of the last staged action.
func (s State) Latest() Computed {
	if len(s.ComputedStates) == 0 {
		return Computed{}
	}
	return s.ComputedStates[len(s.ComputedStates)-1]
}

// AtTip reports whether the cursor is on the last staged action.
func (s State) AtTip() bool {
	return s.CurrentStateIndex == len(s.StagedActionIDs)-1
}

// IsSkipped reports whether id is toggled off.
func (s State) IsSkipped(id int) bool {
	for _, skipped := range s.SkippedActionIDs {
		if skipped == id {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants. When ComputedStates is
// empty only the action structure is checked; callers recompute.
func (s State) Validate() error {
	if len(s.StagedActionIDs) == 0 {
		return relayerrors.InvalidSnapshot("no staged actions")
	}
	if s.CurrentStateIndex < 0 || s.CurrentStateIndex >= len(s.StagedActionIDs) {
		return relayerrors.InvalidSnapshot(fmt.Sprintf("currentStateIndex %d out of range", s.CurrentStateIndex))
	}
	if len(s.ComputedStates) > 0 && len(s.ComputedStates) != len(s.StagedActionIDs) {
		return relayerrors.InvalidSnapshot(fmt.Sprintf("%d computed states for %d staged actions",
			len(s.ComputedStates), len(s.StagedActionIDs)))
	}

	seen := make(map[int]bool, len(s.StagedActionIDs))
	for _, id := range s.StagedActionIDs {
		if seen[id] {
			return relayerrors.InvalidSnapshot(fmt.Sprintf("action %d staged twice", id))
		}
		seen[id] = true
		if _, ok := s.ActionsByID[id]; !ok {
			return relayerrors.InvalidSnapshot(fmt.Sprintf("staged action %d has no entry", id))
		}
		if id >= s.NextActionID {
			return relayerrors.InvalidSnapshot(fmt.Sprintf("staged action %d not below nextActionId %d", id, s.NextActionID))
		}
	}
	for _, id := range s.SkippedActionIDs {
		if !seen[id] {
			return relayerrors.InvalidSnapshot(fmt.Sprintf("skipped action %d is not staged", id))
		}
	}
	return nil
}

// IDs returns the keys of ActionsByID in ascending order.
func (s State) IDs() []int {
	ids := make([]int, 0, len(s.ActionsByID))
	for id := range s.ActionsByID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Commit squashes the history onto the state under the cursor: only the
// base entry remains and the sequence restarts at 1.
func (s *State) Commit(ts int64) {
	*s = Base(s.Current().State, ts)
}

// Jump moves the cursor to index.
func (s *State) Jump(index int) error {
	if index < 0 || index >= len(s.StagedActionIDs) {
		return relayerrors.New(relayerrors.ErrCodeInvalidInput, fmt.Sprintf("index %d out of range", index)).
			WithDetail("index", index)
	}
	s.CurrentStateIndex = index
	return nil
}

// IndexOf returns the staged position of an action id, or -1.
func (s State) IndexOf(id int) int {
	for i, staged := range s.StagedActionIDs {
		if staged == id {
			return i
		}
	}
	return -1
}

// Append records an already computed action under nextActionID-1, the
// way a remote mirror learns about it. The cursor follows the tip.
func (s *State) Append(nextActionID int, e Entry, c Computed) {
	follow := s.AtTip()
	id := nextActionID - 1
	if s.ActionsByID == nil {
		s.ActionsByID = make(map[int]Entry)
	}
	s.ActionsByID[id] = e
	s.StagedActionIDs = append(s.StagedActionIDs, id)
	s.ComputedStates = append(s.ComputedStates, c)
	s.NextActionID = nextActionID
	if follow {
		s.CurrentStateIndex = len(s.StagedActionIDs) - 1
	}
}
