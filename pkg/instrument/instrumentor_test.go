package instrument

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/grovetools/devrelay/pkg/channel"
	"github.com/grovetools/devrelay/pkg/clock"
	"github.com/grovetools/devrelay/pkg/lifted"
	"github.com/grovetools/devrelay/pkg/message"
	"github.com/grovetools/devrelay/pkg/reactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func counter(state any, a lifted.Action) (any, error) {
	n := toInt(state)
	switch a.Type {
	case "INCREMENT", "counter/increment":
		return n + 1, nil
	case "ADD":
		return n + toInt(a.Payload), nil
	case "FAIL":
		return nil, errors.New("counter overflow")
	}
	return n, nil
}

type fixture struct {
	inst  *Instrumentor
	out   *channel.Recorder
	clock *clock.FakeClock
	queue *reactor.Queue
}

func newFixture(t *testing.T, filter FilterConfig, creators *ActionCreators) *fixture {
	t.Helper()
	f := &fixture{
		out:   channel.NewRecorder(),
		clock: clock.Fake(time.UnixMilli(1700000000000)),
		queue: &reactor.Queue{},
	}
	inst, err := New(counter, 0, f.out, Config{
		InstanceID: "counter",
		Name:       "Counter",
		Filter:     filter,
		Creators:   creators,
		Clock:      f.clock,
		Executor:   f.queue,
	})
	require.NoError(t, err)
	f.inst = inst
	return f
}

func (f *fixture) dispatch(types ...string) {
	for _, typ := range types {
		f.inst.Dispatch(lifted.Action{Type: typ})
	}
}

func fromBridge(m message.Message) message.Message {
	m.Source = message.SourceBridge
	m.InstanceID = "counter"
	return m
}

func statesAfterInit(r *channel.Recorder) []message.Message {
	var out []message.Message
	for _, m := range r.Of(message.TypeState) {
		if !m.Init {
			out = append(out, m)
		}
	}
	return out
}

func TestNewAnnouncesInstance(t *testing.T) {
	creators := NewActionCreators()
	creators.Register("increment", Creator{Build: func([]any) (lifted.Action, error) {
		return lifted.Action{Type: "INCREMENT"}, nil
	}})
	f := newFixture(t, FilterConfig{}, creators)

	require.Len(t, f.out.Messages, 2)
	initMsg := f.out.Messages[0]
	assert.Equal(t, message.TypeInitInstance, initMsg.Type)
	assert.Equal(t, "Counter", initMsg.Name)
	assert.JSONEq(t, `{"actionCreators":["increment"]}`, string(initMsg.Payload))

	state := f.out.Messages[1]
	assert.Equal(t, message.TypeState, state.Type)
	assert.True(t, state.Init)
	assert.Equal(t, 1, state.NextActionID)
	for _, m := range f.out.Messages {
		require.NoError(t, m.Validate())
	}
}

func TestDispatchRelaysMonotonicActions(t *testing.T) {
	f := newFixture(t, FilterConfig{}, nil)
	f.out.Reset()

	f.dispatch("INCREMENT", "INCREMENT", "INCREMENT")

	actions := f.out.Of(message.TypeAction)
	require.Len(t, actions, 3)
	for n, m := range actions {
		assert.Equal(t, n+2, m.NextActionID)
		assert.JSONEq(t, string(mustJSON(t, n+1)), string(m.Payload))

		var entry lifted.Entry
		require.NoError(t, json.Unmarshal(m.Action, &entry))
		assert.Equal(t, "INCREMENT", entry.Action.Type)
		assert.Equal(t, int64(1700000000000), entry.Timestamp)
	}
	assert.Equal(t, 3, f.inst.State())
	assert.Equal(t, 4, f.inst.Lifted().NextActionID)
}

func TestFilterGateRecordsWithoutRelaying(t *testing.T) {
	f := newFixture(t, FilterConfig{Whitelist: []string{"counter/*"}}, nil)
	f.out.Reset()

	f.dispatch("INCREMENT", "INCREMENT")
	assert.Empty(t, f.out.Of(message.TypeAction))
	assert.Equal(t, 3, f.inst.Lifted().NextActionID)

	f.dispatch("counter/increment")
	actions := f.out.Of(message.TypeAction)
	require.Len(t, actions, 1)
	assert.Equal(t, 4, actions[0].NextActionID)
	// Filtered actions do not move the relayed baseline.
	assert.Equal(t, 1, actions[0].PrevActionID)

	g := newFixture(t, FilterConfig{Blacklist: []string{"mouse/*", "TICK"}}, nil)
	g.out.Reset()
	g.dispatch("TICK", "mouse/move", "INCREMENT")
	require.Len(t, g.out.Of(message.TypeAction), 1)
	assert.Equal(t, 4, g.out.Of(message.TypeAction)[0].NextActionID)
}

func TestMaxAgeCommitsExcessAction(t *testing.T) {
	f := newFixture(t, FilterConfig{MaxAge: 5}, nil)
	f.out.Reset()

	f.dispatch("INCREMENT", "INCREMENT", "INCREMENT", "INCREMENT")

	actions := f.out.Of(message.TypeAction)
	require.Len(t, actions, 4)
	for _, m := range actions[:3] {
		assert.False(t, m.IsExcess)
	}
	assert.True(t, actions[3].IsExcess)

	s := f.inst.Lifted()
	assert.Len(t, s.StagedActionIDs, 1)
	assert.Equal(t, 4, s.CommittedState)
	assert.Equal(t, 4, f.inst.State())

	for n := 0; n < 10; n++ {
		f.dispatch("INCREMENT")
		assert.Less(t, len(f.inst.Lifted().StagedActionIDs), 5)
	}
	assert.Equal(t, 14, f.inst.State())
}

func TestLimitCommitsAndRelaysState(t *testing.T) {
	f := newFixture(t, FilterConfig{Limit: 3}, nil)
	f.out.Reset()

	f.dispatch("INCREMENT", "INCREMENT", "INCREMENT", "INCREMENT")

	assert.Len(t, f.out.Of(message.TypeAction), 3)
	states := statesAfterInit(f.out)
	require.Len(t, states, 1)
	assert.Equal(t, 1, states[0].NextActionID)

	var s lifted.State
	require.NoError(t, json.Unmarshal(states[0].Payload, &s))
	assert.Len(t, s.StagedActionIDs, 1)
	assert.EqualValues(t, 4, s.CommittedState)
}

func TestFilteredActionsCountTowardThresholds(t *testing.T) {
	f := newFixture(t, FilterConfig{MaxAge: 3, Blacklist: []string{"TICK"}}, nil)
	f.out.Reset()

	f.dispatch("TICK", "TICK")

	assert.Empty(t, f.out.Of(message.TypeAction))
	require.Len(t, statesAfterInit(f.out), 1)
	assert.Len(t, f.inst.Lifted().StagedActionIDs, 1)
}

func TestReducerErrorRelaysState(t *testing.T) {
	f := newFixture(t, FilterConfig{}, nil)
	f.out.Reset()

	f.dispatch("INCREMENT", "FAIL")

	assert.Len(t, f.out.Of(message.TypeAction), 1)
	states := statesAfterInit(f.out)
	require.Len(t, states, 1)

	var s lifted.State
	require.NoError(t, json.Unmarshal(states[0].Payload, &s))
	assert.Equal(t, "counter overflow", s.ComputedStates[2].Error)
	assert.Equal(t, 1, f.inst.State())
}

func TestBatchingWindow(t *testing.T) {
	f := newFixture(t, FilterConfig{Latency: 100 * time.Millisecond}, nil)
	f.out.Reset()
	f.clock.Advance(time.Second)

	// A change after a quiet period goes out at once.
	f.dispatch("INCREMENT")
	require.Len(t, f.out.Messages, 1)
	assert.Equal(t, message.TypeAction, f.out.Messages[0].Type)

	// A single change inside the window is deferred to its end.
	f.clock.Advance(10 * time.Millisecond)
	f.dispatch("INCREMENT")
	assert.Len(t, f.out.Messages, 1)
	f.clock.Advance(89 * time.Millisecond)
	f.queue.Drain()
	assert.Len(t, f.out.Messages, 1)
	f.clock.Advance(time.Millisecond)
	f.queue.Drain()
	require.Len(t, f.out.Messages, 2)
	assert.Equal(t, message.TypeAction, f.out.Messages[1].Type)
	assert.Equal(t, 3, f.out.Messages[1].NextActionID)

	// Several changes inside one window coalesce into a single STATE
	// carrying the last state.
	f.dispatch("INCREMENT", "INCREMENT", "INCREMENT")
	assert.Len(t, f.out.Messages, 2)
	f.clock.Advance(100 * time.Millisecond)
	f.queue.Drain()
	require.Len(t, f.out.Messages, 3)
	last := f.out.Messages[2]
	assert.Equal(t, message.TypeState, last.Type)

	var s lifted.State
	require.NoError(t, json.Unmarshal(last.Payload, &s))
	assert.EqualValues(t, 5, s.Latest().State)
	assert.Equal(t, 0, f.clock.Pending())
}

func TestUpdateSupersedesDeferredSend(t *testing.T) {
	f := newFixture(t, FilterConfig{Latency: 100 * time.Millisecond}, nil)
	f.clock.Advance(time.Second)
	f.dispatch("INCREMENT", "INCREMENT")
	f.out.Reset()

	f.inst.Handle(fromBridge(message.Message{Type: message.TypeUpdate}))
	require.Len(t, f.out.Messages, 1)
	assert.Equal(t, message.TypeState, f.out.Messages[0].Type)

	f.clock.Advance(time.Second)
	f.queue.Drain()
	assert.Len(t, f.out.Messages, 1)
}

func TestRemoteActions(t *testing.T) {
	creators := NewActionCreators()
	creators.Register("add", Creator{
		Args: []ArgKind{ArgNumber},
		Build: func(args []any) (lifted.Action, error) {
			return lifted.Action{Type: "ADD", Payload: args[0]}, nil
		},
	})
	creators.Register("overflow", Creator{Build: func([]any) (lifted.Action, error) {
		return lifted.Action{Type: "FAIL"}, nil
	}})
	f := newFixture(t, FilterConfig{}, creators)
	f.dispatch("INCREMENT")

	before, err := json.Marshal(f.inst.Lifted())
	require.NoError(t, err)

	failures := []string{
		`"overflow()"`,
		`"nope(1)"`,
		`"add(\"x\")"`,
		`"add(1, 2)"`,
		`"not a call"`,
		`{"name":"add","args":"x"}`,
	}
	for _, raw := range failures {
		t.Run(raw, func(t *testing.T) {
			f.out.Reset()
			f.inst.Handle(fromBridge(message.Message{Type: message.TypeAction, Action: json.RawMessage(raw)}))

			require.Len(t, f.out.Messages, 1)
			errMsg := f.out.Messages[0]
			assert.Equal(t, message.TypeError, errMsg.Type)
			var text string
			require.NoError(t, json.Unmarshal(errMsg.Payload, &text))
			assert.NotEmpty(t, text)

			after, err := json.Marshal(f.inst.Lifted())
			require.NoError(t, err)
			assert.Equal(t, string(before), string(after))
		})
	}

	f.out.Reset()
	f.inst.Handle(fromBridge(message.Message{Type: message.TypeAction, Action: json.RawMessage(`"add(5)"`)}))
	assert.Equal(t, 6, toInt(f.inst.State()))
	f.inst.Handle(fromBridge(message.Message{Type: message.TypeAction, Action: json.RawMessage(`{"name":"add","args":[2]}`)}))
	f.inst.Handle(fromBridge(message.Message{Type: message.TypeAction, Action: json.RawMessage(`{"type":"INCREMENT"}`)}))
	assert.Equal(t, 9, toInt(f.inst.State()))
	assert.Len(t, f.out.Of(message.TypeAction), 3)
	assert.Empty(t, f.out.Of(message.TypeError))
}

func TestLiftedCommands(t *testing.T) {
	f := newFixture(t, FilterConfig{}, nil)
	f.dispatch("INCREMENT", "INCREMENT", "INCREMENT")
	f.out.Reset()

	jump, _ := json.Marshal(lifted.Command{Type: lifted.CommandJumpToState, Index: 1})
	f.inst.Handle(fromBridge(message.Message{Type: message.TypeDispatch, Payload: jump}))
	assert.Equal(t, 1, f.inst.State())
	require.Len(t, f.out.Of(message.TypeState), 1)

	f.out.Reset()
	bad, _ := json.Marshal(lifted.Command{Type: lifted.CommandJumpToState, Index: 42})
	f.inst.Handle(fromBridge(message.Message{Type: message.TypeDispatch, Payload: bad}))
	f.inst.Handle(fromBridge(message.Message{Type: message.TypeDispatch, Payload: json.RawMessage(`{"type":"REWIND"}`)}))
	assert.Empty(t, f.out.Messages)
	assert.Equal(t, 1, f.inst.State())

	f.inst.Handle(fromBridge(message.Message{Type: message.TypeCommit}))
	assert.Len(t, f.inst.Lifted().StagedActionIDs, 1)
	assert.Equal(t, 1, f.inst.State())
	assert.Len(t, f.out.Of(message.TypeState), 1)
}

func TestImportSnapshot(t *testing.T) {
	source := newFixture(t, FilterConfig{}, nil)
	source.dispatch("INCREMENT", "INCREMENT")
	snapshot, err := json.Marshal(source.inst.Lifted())
	require.NoError(t, err)

	f := newFixture(t, FilterConfig{}, nil)
	f.out.Reset()
	f.inst.Handle(fromBridge(message.Message{Type: message.TypeImport, State: snapshot}))
	require.Len(t, f.out.Of(message.TypeState), 1)
	assert.Equal(t, 2, toInt(f.inst.State()))
	assert.Equal(t, 3, f.inst.Lifted().NextActionID)

	before, _ := json.Marshal(f.inst.Lifted())
	f.out.Reset()
	for _, raw := range []string{
		`{"stagedActionIds":[]}`,
		`{"actionsById":{"0":{"action":{"type":"X"},"timestamp":0}},"nextActionId":1,"stagedActionIds":[0],"currentStateIndex":3}`,
		`"garbage"`,
	} {
		f.inst.Handle(fromBridge(message.Message{Type: message.TypeImport, State: json.RawMessage(raw)}))
	}
	after, _ := json.Marshal(f.inst.Lifted())
	assert.Empty(t, f.out.Messages)
	assert.Equal(t, string(before), string(after))
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, FilterConfig{}, nil)
	f.dispatch("INCREMENT")
	f.out.Reset()

	f.inst.Handle(fromBridge(message.Message{Type: message.TypeStop}))
	assert.True(t, f.inst.Stopped())
	f.dispatch("INCREMENT", "INCREMENT")
	assert.Empty(t, f.out.Messages)
	assert.Equal(t, 3, f.inst.State())
	assert.Equal(t, 1, f.inst.Lifted().NextActionID)
	assert.Equal(t, []int{0}, f.inst.Lifted().StagedActionIDs)

	f.inst.Handle(fromBridge(message.Message{Type: message.TypeStart}))
	require.Len(t, f.out.Messages, 1)
	assert.Equal(t, message.TypeState, f.out.Messages[0].Type)

	f.dispatch("INCREMENT")
	assert.Len(t, f.out.Of(message.TypeAction), 1)
}

func TestHandleDropsForeignTraffic(t *testing.T) {
	f := newFixture(t, FilterConfig{}, nil)
	f.out.Reset()

	f.inst.Handle(message.Message{Type: message.TypeUpdate, Source: message.SourceViewer})
	f.inst.Handle(message.Message{Type: message.TypeUpdate, Source: message.SourceBridge, InstanceID: "other"})
	f.inst.Handle(message.Message{Type: message.TypeStart, Source: message.SourceBridge})
	assert.Empty(t, f.out.Messages)

	f.inst.Handle(message.Message{Type: message.TypeUpdate, Source: message.SourceBridge})
	assert.Len(t, f.out.Messages, 1)
}

func TestOptionsReplaceFilter(t *testing.T) {
	f := newFixture(t, FilterConfig{SerializeState: func(s any) any { return map[string]any{"count": s} }}, nil)
	f.inst.Handle(fromBridge(message.Message{Type: message.TypeOptions, Options: json.RawMessage(`{"blacklist":"INCREMENT","maxAge":"20"}`)}))

	cfg := f.inst.Filter()
	assert.Equal(t, []string{"INCREMENT"}, cfg.Blacklist)
	assert.Equal(t, 20, cfg.MaxAge)
	assert.NotNil(t, cfg.SerializeState)

	f.out.Reset()
	f.dispatch("INCREMENT", "ADD")
	actions := f.out.Of(message.TypeAction)
	require.Len(t, actions, 1)
	assert.JSONEq(t, `{"count":1}`, string(actions[0].Payload))

	f.inst.Handle(fromBridge(message.Message{Type: message.TypeOptions, Options: json.RawMessage(`{"limit":-1}`)}))
	assert.Equal(t, 20, f.inst.Filter().MaxAge)
}

func TestNewRejectsInvalidFilter(t *testing.T) {
	_, err := New(counter, 0, channel.NewRecorder(), Config{Filter: FilterConfig{MaxAge: 1}})
	assert.Error(t, err)
}

func TestLatencyRequiresExecutor(t *testing.T) {
	_, err := New(counter, 0, channel.NewRecorder(), Config{Filter: FilterConfig{Latency: time.Second}})
	assert.Error(t, err)

	inst, err := New(counter, 0, channel.NewRecorder(), Config{})
	require.NoError(t, err)
	assert.Error(t, inst.SetFilter(FilterConfig{Latency: time.Second}))
	assert.Zero(t, inst.Filter().Latency)

	f := newFixture(t, FilterConfig{}, nil)
	assert.NoError(t, f.inst.SetFilter(FilterConfig{Latency: time.Second}))
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
