// Package channel describes the asynchronous message channel the relay
// components are connected by, and provides an in-process implementation.
package channel

import (
	"sync"

	"github.com/google/uuid"
	relayerrors "github.com/grovetools/devrelay/errors"
	"github.com/grovetools/devrelay/pkg/message"
	"github.com/grovetools/devrelay/pkg/reactor"
)

// Port is the sending half of a channel. Send never waits for the peer
// to process the message; a message sent on a closed port is lost.
type Port interface {
	ID() string
	Send(m message.Message) error
	Close() error
}

// Channel is a Port whose inbound traffic and teardown can be observed.
// Handlers run on the executor the channel was bound to.
type Channel interface {
	Port
	OnMessage(fn func(message.Message))
	OnClose(fn func())
}

// End is one side of an in-process Pipe.
type End struct {
	id   string
	exec reactor.Executor
	peer *End
	pipe *pipe

	onMessage func(message.Message)
	onClose   func()
}

type pipe struct {
	mu     sync.Mutex
	closed bool
}

// Pipe connects two ends. Messages sent on one end are delivered to the
// other end's handler through that end's executor, in send order.
func Pipe(a, b reactor.Executor) (*End, *End) {
	p := &pipe{}
	ea := &End{id: uuid.NewString(), exec: a, pipe: p}
	eb := &End{id: uuid.NewString(), exec: b, pipe: p}
	ea.peer, eb.peer = eb, ea
	return ea, eb
}

// ID returns a unique identifier for this end.
func (e *End) ID() string { return e.id }

// OnMessage sets the inbound handler. It must be set before traffic
// flows; messages arriving without a handler are dropped.
func (e *End) OnMessage(fn func(message.Message)) {
	e.pipe.mu.Lock()
	e.onMessage = fn
	e.pipe.mu.Unlock()
}

// OnClose sets the teardown handler.
func (e *End) OnClose(fn func()) {
	e.pipe.mu.Lock()
	e.onClose = fn
	e.pipe.mu.Unlock()
}

// Send delivers m to the peer asynchronously.
func (e *End) Send(m message.Message) error {
	e.pipe.mu.Lock()
	if e.pipe.closed {
		e.pipe.mu.Unlock()
		return relayerrors.ChannelClosed(e.id)
	}
	peer := e.peer
	e.pipe.mu.Unlock()

	peer.exec.Post(func() {
		peer.pipe.mu.Lock()
		closed := peer.pipe.closed
		handler := peer.onMessage
		peer.pipe.mu.Unlock()
		// In-flight messages die with the channel.
		if closed || handler == nil {
			return
		}
		handler(m)
	})
	return nil
}

// Close tears the pipe down. Both ends observe OnClose exactly once.
func (e *End) Close() error {
	e.pipe.mu.Lock()
	if e.pipe.closed {
		e.pipe.mu.Unlock()
		return nil
	}
	e.pipe.closed = true
	e.pipe.mu.Unlock()

	for _, end := range []*End{e, e.peer} {
		end := end
		end.exec.Post(func() {
			end.pipe.mu.Lock()
			fn := end.onClose
			end.pipe.mu.Unlock()
			if fn != nil {
				fn()
			}
		})
	}
	return nil
}

// Recorder is a Port that keeps every message sent to it. It is used
// where a component needs an outbound port but nothing reads it, and in
// tests.
type Recorder struct {
	mu       sync.Mutex
	id       string
	closed   bool
	Messages []message.Message
}

// NewRecorder returns an open Recorder.
func NewRecorder() *Recorder {
	return &Recorder{id: uuid.NewString()}
}

// ID returns the recorder id.
func (r *Recorder) ID() string { return r.id }

// Send records m.
func (r *Recorder) Send(m message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return relayerrors.ChannelClosed(r.id)
	}
	r.Messages = append(r.Messages, m)
	return nil
}

// Close marks the recorder closed.
func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// Of returns the recorded messages of the given type.
func (r *Recorder) Of(t message.Type) []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []message.Message
	for _, m := range r.Messages {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// Reset forgets recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.Messages = nil
	r.mu.Unlock()
}
