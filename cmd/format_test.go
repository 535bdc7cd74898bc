package cmd

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/grovetools/devrelay/pkg/lifted"
	"github.com/grovetools/devrelay/pkg/message"
	"github.com/grovetools/devrelay/pkg/router"
	"github.com/grovetools/devrelay/pkg/viewer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintEvent(t *testing.T) {
	e := router.Event{
		Kind:       router.EventRouted,
		Time:       time.UnixMilli(1700000000000),
		SessionKey: "tab-1",
		InstanceID: "counter",
		Type:       message.TypeAction,
		Direction:  "up",
	}

	var text bytes.Buffer
	printEvent(&text, e, false)
	line := text.String()
	assert.Contains(t, line, "tab-1")
	assert.Contains(t, line, "routed")
	assert.Contains(t, line, "instance=counter")
	assert.Contains(t, line, "type=ACTION")

	var raw bytes.Buffer
	printEvent(&raw, e, true)
	var decoded router.Event
	require.NoError(t, json.Unmarshal(raw.Bytes(), &decoded))
	assert.Equal(t, e.SessionKey, decoded.SessionKey)
	assert.Equal(t, e.Kind, decoded.Kind)
}

func TestDescribeViewerEvent(t *testing.T) {
	v := viewer.New(viewer.Config{SessionKey: "tab-1"})

	assert.Contains(t, describeViewerEvent(v, viewer.Event{Kind: viewer.EventStatus, Status: viewer.StatusUnavailable}),
		string(viewer.StatusUnavailable))

	gone := viewer.Event{Kind: viewer.EventInstance, InstanceID: "counter", Message: message.Message{Type: message.TypeNA}}
	assert.Contains(t, describeViewerEvent(v, gone), "counter gone")

	sessionGone := viewer.Event{Kind: viewer.EventInstance, Message: message.Message{Type: message.TypeNA}}
	assert.Empty(t, describeViewerEvent(v, sessionGone))

	payload, _ := json.Marshal("reducer exploded")
	failed := viewer.Event{Kind: viewer.EventError, InstanceID: "counter", Message: message.Message{Type: message.TypeError, Payload: payload}}
	assert.Contains(t, describeViewerEvent(v, failed), "reducer exploded")

	state := lifted.Base(float64(7), 1)
	data, err := json.Marshal(state)
	require.NoError(t, err)
	report := viewer.Event{Kind: viewer.EventReport, InstanceID: "counter",
		Message: message.Message{Type: message.TypeState, ReportID: "r-1", Name: "Counter", Payload: data}}
	line := describeViewerEvent(v, report)
	assert.Contains(t, line, "report r-1")
	assert.True(t, strings.HasSuffix(line, "state 7"), line)

	// The mirror is empty, so the state line has nothing to show.
	assert.Contains(t, describeViewerEvent(v, viewer.Event{Kind: viewer.EventState, InstanceID: "counter"}), "<unknown>")
}

func TestRenderTruncates(t *testing.T) {
	long := strings.Repeat("x", 500)
	out := render(long)
	assert.True(t, strings.HasSuffix(out, "…"))
	assert.Equal(t, `{"a":1}`, render(map[string]int{"a": 1}))
}
