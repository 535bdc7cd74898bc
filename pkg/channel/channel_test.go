package channel

import (
	"testing"

	relayerrors "github.com/grovetools/devrelay/errors"
	"github.com/grovetools/devrelay/pkg/message"
	"github.com/grovetools/devrelay/pkg/reactor"
	"github.com/stretchr/testify/assert"
)

func TestPipeDeliversInOrderThroughPeerExecutor(t *testing.T) {
	var qa, qb reactor.Queue
	a, b := Pipe(&qa, &qb)

	var got []string
	b.OnMessage(func(m message.Message) { got = append(got, m.InstanceID) })

	assert.NoError(t, a.Send(message.Message{Type: message.TypeStart, Source: message.SourceViewer, InstanceID: "1"}))
	assert.NoError(t, a.Send(message.Message{Type: message.TypeStart, Source: message.SourceViewer, InstanceID: "2"}))

	assert.Empty(t, got, "delivery is asynchronous")
	assert.Equal(t, 0, qa.Drain())
	qb.Drain()
	assert.Equal(t, []string{"1", "2"}, got)
}

func TestPipeCloseLosesInFlightAndNotifiesBothEnds(t *testing.T) {
	var q reactor.Queue
	a, b := Pipe(&q, &q)

	delivered := 0
	closes := 0
	b.OnMessage(func(message.Message) { delivered++ })
	a.OnClose(func() { closes++ })
	b.OnClose(func() { closes++ })

	assert.NoError(t, a.Send(message.Message{Type: message.TypeOpen, Source: message.SourceViewer}))
	assert.NoError(t, b.Close())
	assert.NoError(t, a.Close())

	err := a.Send(message.Message{Type: message.TypeOpen, Source: message.SourceViewer})
	assert.True(t, relayerrors.Is(err, relayerrors.ErrCodeChannelClosed))

	q.Drain()
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 2, closes)
}
