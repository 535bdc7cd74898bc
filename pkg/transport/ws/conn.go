// Package ws carries relay messages over websockets, for the hops
// between a bridge or an inspector and the routing hub.
package ws

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	relayerrors "github.com/grovetools/devrelay/errors"
	"github.com/grovetools/devrelay/pkg/message"
	"github.com/grovetools/devrelay/pkg/reactor"
	"github.com/sirupsen/logrus"
)

const (
	// writeWait is the time allowed to write a frame.
	writeWait = 10 * time.Second
	// maxMessageSize bounds an inbound frame. Lifted states can be large.
	maxMessageSize = 16 << 20
	// sendBuffer is the number of outbound frames queued per connection.
	sendBuffer = 256
)

// Options configures a Conn.
type Options struct {
	// Executor runs the message and close handlers. Defaults to running
	// them on the read goroutine.
	Executor reactor.Executor
	// PingInterval is the keepalive period. The peer must answer within
	// twice this interval.
	PingInterval time.Duration
	Logger       *logrus.Entry
}

func (o *Options) setDefaults() {
	if o.Executor == nil {
		o.Executor = reactor.Inline{}
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
}

// Conn is a websocket implementing channel.Channel. Sends are queued and
// written by a dedicated goroutine; a frame that does not fit the queue
// is dropped.
type Conn struct {
	id     string
	ws     *websocket.Conn
	exec   reactor.Executor
	ping   time.Duration
	logger *logrus.Entry

	outbound chan []byte
	done     chan struct{}

	mu        sync.Mutex
	closed    bool
	onMessage func(message.Message)
	onClose   func()
	closeOnce sync.Once
	startOnce sync.Once
}

func newConn(ws *websocket.Conn, opts Options) *Conn {
	opts.setDefaults()
	id := uuid.NewString()
	return &Conn{
		id:       id,
		ws:       ws,
		exec:     opts.Executor,
		ping:     opts.PingInterval,
		logger:   opts.Logger.WithField("conn", id),
		outbound: make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

// Accept upgrades an HTTP request to a Conn. Call Start once handlers
// are set.
func Accept(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader, opts Options) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newConn(ws, opts), nil
}

// Dial connects to a hub endpoint. hubURL is a ws:// or wss:// base URL,
// or unix:///path/to/hub.sock; path and query select the endpoint.
func Dial(ctx context.Context, hubURL, path string, query url.Values, opts Options) (*Conn, error) {
	base, err := url.Parse(hubURL)
	if err != nil {
		return nil, relayerrors.Wrap(err, relayerrors.ErrCodeInvalidInput, "invalid hub URL")
	}

	dialer := *websocket.DefaultDialer
	target := url.URL{Scheme: base.Scheme, Host: base.Host, Path: strings.TrimSuffix(base.Path, "/") + path, RawQuery: query.Encode()}
	if base.Scheme == "unix" {
		socket := base.Path
		dialer.NetDialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		}
		target = url.URL{Scheme: "ws", Host: "devrelay", Path: path, RawQuery: query.Encode()}
	}

	ws, resp, err := dialer.DialContext(ctx, target.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, relayerrors.Wrap(err, relayerrors.ErrCodeChannelClosed, "failed to connect to hub").
			WithDetail("url", target.String())
	}
	return newConn(ws, opts), nil
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// OnMessage sets the inbound handler.
func (c *Conn) OnMessage(fn func(message.Message)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// OnClose sets the teardown handler. It runs once, on the executor.
func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Done is closed when the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Start launches the read and write pumps.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		go c.writePump()
		go c.readPump()
	})
}

// Send encodes m and queues it for writing.
func (c *Conn) Send(m message.Message) error {
	data, err := message.Encode(m)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return relayerrors.ChannelClosed(c.id)
	}
	select {
	case c.outbound <- data:
		return nil
	default:
		return relayerrors.New(relayerrors.ErrCodeChannelClosed, "send buffer full").WithDetail("channel", c.id)
	}
}

// Drain waits until the send queue is empty or timeout passes. It
// reports whether the queue emptied.
func (c *Conn) Drain(timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for len(c.outbound) > 0 {
		select {
		case <-c.done:
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
	return true
}

// Close sends a close frame and tears the connection down.
func (c *Conn) Close() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
	}
	c.shutdown()
	return nil
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		_ = c.ws.Close()

		c.exec.Post(func() {
			c.mu.Lock()
			fn := c.onClose
			c.mu.Unlock()
			if fn != nil {
				fn()
			}
		})
	})
}

func (c *Conn) readPump() {
	defer c.shutdown()

	pongWait := 2 * c.ping
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.WithError(err).Debug("Connection lost")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		m, err := message.Decode(data)
		if err != nil {
			c.logger.WithError(err).Debug("Dropped malformed frame")
			continue
		}

		c.exec.Post(func() {
			c.mu.Lock()
			closed := c.closed
			fn := c.onMessage
			c.mu.Unlock()
			if closed || fn == nil {
				return
			}
			fn(m)
		})
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.ping)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case data := <-c.outbound:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
