package ws

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grovetools/devrelay/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoHandler accepts connections and answers every message with an
// UPDATE carrying the same instance id.
func echoHandler(t *testing.T, accepted chan<- *Conn) http.Handler {
	upgrader := &websocket.Upgrader{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r, upgrader, Options{})
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		conn.OnMessage(func(m message.Message) {
			_ = conn.Send(message.Message{
				Type:       message.TypeUpdate,
				Source:     message.SourceHub,
				InstanceID: m.InstanceID,
				SessionKey: r.URL.Query().Get("session"),
			})
		})
		conn.Start()
		if accepted != nil {
			accepted <- conn
		}
	})
}

func receive(t *testing.T, ch <-chan message.Message) message.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return message.Message{}
	}
}

func dialClient(t *testing.T, hubURL string) (*Conn, chan message.Message, chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, hubURL, "/ws/viewer", url.Values{"session": {"tab-1"}}, Options{PingInterval: time.Second})
	require.NoError(t, err)

	inbound := make(chan message.Message, 8)
	closed := make(chan struct{})
	conn.OnMessage(func(m message.Message) { inbound <- m })
	conn.OnClose(func() { close(closed) })
	conn.Start()
	return conn, inbound, closed
}

func TestRoundTrip(t *testing.T) {
	srv := httptest.NewServer(echoHandler(t, nil))
	defer srv.Close()

	conn, inbound, _ := dialClient(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	defer conn.Close()

	require.NoError(t, conn.Send(message.Message{Type: message.TypeStart, Source: message.SourceViewer, InstanceID: "counter"}))
	got := receive(t, inbound)
	assert.Equal(t, message.TypeUpdate, got.Type)
	assert.Equal(t, "counter", got.InstanceID)
	assert.Equal(t, "tab-1", got.SessionKey)

	// Invalid messages are rejected before they reach the wire.
	assert.Error(t, conn.Send(message.Message{Type: message.TypeStart, Source: message.SourceViewer}))
}

func TestMalformedFramesAreDropped(t *testing.T) {
	accepted := make(chan *Conn, 1)
	srv := httptest.NewServer(echoHandler(t, accepted))
	defer srv.Close()

	conn, inbound, _ := dialClient(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	defer conn.Close()
	server := <-accepted

	// Write raw frames that bypass validation.
	require.NoError(t, server.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"BOGUS","source":"@devrelay/hub"}`)))
	require.NoError(t, server.ws.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, server.Send(message.Message{Type: message.TypeNA, Source: message.SourceHub, SessionKey: "tab-1"}))

	got := receive(t, inbound)
	assert.Equal(t, message.TypeNA, got.Type)
}

func TestCloseIsObservedByPeer(t *testing.T) {
	accepted := make(chan *Conn, 1)
	srv := httptest.NewServer(echoHandler(t, accepted))
	defer srv.Close()

	conn, _, closed := dialClient(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	server := <-accepted

	require.NoError(t, server.Close())
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not observe close")
	}
	assert.Error(t, conn.Send(message.Message{Type: message.TypeUpdate, Source: message.SourceViewer}))
	<-conn.Done()
}

func TestDialUnixSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "hub.sock")
	listener, err := net.Listen("unix", socket)
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(echoHandler(t, nil))
	srv.Listener = listener
	srv.Start()
	defer srv.Close()

	conn, inbound, _ := dialClient(t, "unix://"+socket)
	defer conn.Close()

	require.NoError(t, conn.Send(message.Message{Type: message.TypeUpdate, Source: message.SourceViewer, InstanceID: "a"}))
	assert.Equal(t, "a", receive(t, inbound).InstanceID)
}

func TestDrainFlushesQueuedFrames(t *testing.T) {
	srv := httptest.NewServer(echoHandler(t, nil))
	defer srv.Close()

	conn, inbound, _ := dialClient(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	defer conn.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, conn.Send(message.Message{Type: message.TypeStart, Source: message.SourceViewer, InstanceID: "counter"}))
	}
	assert.True(t, conn.Drain(5*time.Second))
	for i := 0; i < 5; i++ {
		receive(t, inbound)
	}
}
