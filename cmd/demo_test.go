package cmd

import (
	"encoding/json"
	"testing"

	"github.com/grovetools/devrelay/config"
	"github.com/grovetools/devrelay/logging"
	"github.com/grovetools/devrelay/pkg/channel"
	"github.com/grovetools/devrelay/pkg/lifted"
	"github.com/grovetools/devrelay/pkg/message"
	"github.com/grovetools/devrelay/pkg/reactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterReducer(t *testing.T) {
	s, err := counterReducer(float64(1), lifted.Action{Type: "ADD", Payload: float64(4)})
	require.NoError(t, err)
	assert.EqualValues(t, 5, s)

	s, err = counterReducer(s, lifted.Action{Type: "DECREMENT"})
	require.NoError(t, err)
	assert.EqualValues(t, 4, s)

	_, err = counterReducer(s, lifted.Action{Type: "ADD", Payload: "x"})
	assert.Error(t, err)
}

func TestDemoAppRelaysThroughBridge(t *testing.T) {
	q := &reactor.Queue{}
	app, err := newDemoApp(q, "tab-1", "counter", config.FilterOptions{}, logging.NewLogger("test"))
	require.NoError(t, err)
	q.Drain()
	assert.Equal(t, []string{"counter"}, app.bridge.Instances())

	var received []message.Message
	hubEnd, bridgeEnd := channel.Pipe(q, q)
	hubEnd.OnMessage(func(m message.Message) { received = append(received, m) })
	app.bridge.SetHub(bridgeEnd)
	q.Drain()

	require.NotEmpty(t, received)
	assert.Equal(t, message.TypeState, received[0].Type)
	assert.True(t, received[0].Init)

	expr, _ := json.Marshal("add(5)")
	require.NoError(t, hubEnd.Send(message.Message{
		Type:       message.TypeAction,
		Source:     message.SourceHub,
		InstanceID: "counter",
		Action:     expr,
	}))
	q.Drain()
	assert.EqualValues(t, 5, app.inst.State())

	app.bridge.Unload()
	q.Drain()
	last := received[len(received)-1]
	assert.Equal(t, message.TypePageUnloaded, last.Type)
	assert.Equal(t, "tab-1", last.SessionKey)
}
