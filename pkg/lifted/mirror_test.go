package lifted

import (
	"encoding/json"
	"testing"

	"github.com/grovetools/devrelay/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stateMsg(t *testing.T, h *History) message.Message {
	t.Helper()
	payload, err := json.Marshal(h.State())
	require.NoError(t, err)
	return message.Message{Type: message.TypeState, Source: message.SourceHub, InstanceID: "i", Payload: payload}
}

func actionMsg(t *testing.T, next int, typ string, state any) message.Message {
	t.Helper()
	action, err := json.Marshal(Entry{Action: Action{Type: typ}, Timestamp: 1})
	require.NoError(t, err)
	payload, err := json.Marshal(state)
	require.NoError(t, err)
	return message.Message{
		Type: message.TypeAction, Source: message.SourceHub, InstanceID: "i",
		Action: action, Payload: payload, NextActionID: next,
	}
}

func TestMirrorFollowsRelayedHistory(t *testing.T) {
	h := NewHistory(counter, 0, fixedNow)
	dispatchN(h, 2)

	var m Mirror
	out, err := m.Apply(actionMsg(t, 4, "INCREMENT", 3))
	require.NoError(t, err)
	assert.Equal(t, OutOfSync, out, "actions before a baseline cannot be applied")

	out, err = m.Apply(stateMsg(t, h))
	require.NoError(t, err)
	assert.Equal(t, Applied, out)
	assert.Equal(t, 3, m.State.NextActionID)

	// A gap left by a filtered action is tolerated.
	out, err = m.Apply(actionMsg(t, 5, "INCREMENT", 3))
	require.NoError(t, err)
	assert.Equal(t, Applied, out)
	assert.Equal(t, []int{0, 1, 2, 4}, m.State.StagedActionIDs)
	assert.Equal(t, 3, m.State.CurrentStateIndex)
	assert.EqualValues(t, 3, m.State.Current().State)
	require.NoError(t, m.State.Validate())

	resend := message.WithInit(actionMsg(t, 5, "INCREMENT", 3))
	out, _ = m.Apply(resend)
	assert.Equal(t, Duplicate, out)

	out, _ = m.Apply(actionMsg(t, 4, "INCREMENT", 3))
	assert.Equal(t, OutOfSync, out)
}

func TestMirrorSquashesOnExcess(t *testing.T) {
	h := NewHistory(counter, 0, fixedNow)
	var m Mirror
	_, err := m.Apply(stateMsg(t, h))
	require.NoError(t, err)

	excess := actionMsg(t, 2, "INCREMENT", 1)
	excess.IsExcess = true
	out, err := m.Apply(excess)
	require.NoError(t, err)
	assert.Equal(t, Applied, out)
	assert.Len(t, m.State.StagedActionIDs, 1)
	assert.Equal(t, 1, m.State.NextActionID)
	assert.EqualValues(t, 1, m.State.CommittedState)

	// The cached excess action resent after a resume is already in.
	out, _ = m.Apply(message.WithInit(excess))
	assert.Equal(t, Duplicate, out)
	assert.Len(t, m.State.StagedActionIDs, 1)

	out, _ = m.Apply(actionMsg(t, 2, "INCREMENT", 2))
	assert.Equal(t, Applied, out)
}

func TestMirrorDetectsLostActions(t *testing.T) {
	h := NewHistory(counter, 0, fixedNow)
	dispatchN(h, 2)
	var m Mirror
	_, err := m.Apply(stateMsg(t, h))
	require.NoError(t, err)

	// Action 4 follows a filtered action 3: the sender still relayed
	// from 3.
	filtered := actionMsg(t, 5, "INCREMENT", 3)
	filtered.PrevActionID = 3
	out, err := m.Apply(filtered)
	require.NoError(t, err)
	assert.Equal(t, Applied, out)

	// Action 6 was relayed but never arrived.
	lost := actionMsg(t, 8, "INCREMENT", 5)
	lost.PrevActionID = 7
	out, err = m.Apply(lost)
	require.NoError(t, err)
	assert.Equal(t, OutOfSync, out)
	assert.Equal(t, 5, m.State.NextActionID)
}

func TestMirrorRejectsBrokenState(t *testing.T) {
	var m Mirror
	_, err := m.Apply(message.Message{Type: message.TypeState, Payload: json.RawMessage(`{"stagedActionIds":[]}`)})
	assert.Error(t, err)
	assert.False(t, m.Ready)

	out, err := m.Apply(message.Message{Type: message.TypeError})
	assert.NoError(t, err)
	assert.Equal(t, Ignored, out)

	h := NewHistory(counter, 0, fixedNow)
	_, err = m.Apply(stateMsg(t, h))
	require.NoError(t, err)
	rendered, err := m.Message(message.SourceHub, "i", "Counter")
	require.NoError(t, err)
	assert.True(t, rendered.Init)
	assert.Equal(t, 1, rendered.NextActionID)
	require.NoError(t, rendered.Validate())

	m.Reset()
	assert.False(t, m.Ready)
}
