// Package bridge relays messages between instrumented instances living in
// one process and the routing hub. It remembers the last state each
// instance reported so the hub can be brought up to date after a
// reconnect.
package bridge

import (
	"encoding/json"

	"github.com/grovetools/devrelay/config"
	"github.com/grovetools/devrelay/pkg/channel"
	"github.com/grovetools/devrelay/pkg/message"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Config configures a Bridge.
type Config struct {
	// SessionKey identifies the process to the hub.
	SessionKey string
	// Options is the initial OPTIONS blob pushed to instances.
	Options json.RawMessage
	Logger  *logrus.Entry
}

// page is one instrumented instance attached to the bridge.
type page struct {
	port channel.Port
	// last is the last message carrying state the instance sent. ERROR
	// carries none and never replaces it.
	last *message.Message
}

// Bridge forwards page traffic to the hub and hub commands to pages.
// It is not safe for concurrent use.
type Bridge struct {
	sessionKey string
	hub        channel.Port
	pages      *orderedmap.OrderedMap[string, *page]
	options    json.RawMessage
	logger     *logrus.Entry
}

// New creates a Bridge with no hub attached.
func New(cfg Config) *Bridge {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Bridge{
		sessionKey: cfg.SessionKey,
		pages:      orderedmap.New[string, *page](),
		options:    cfg.Options,
		logger:     cfg.Logger.WithField("session", cfg.SessionKey),
	}
}

// SessionKey returns the session the bridge serves.
func (b *Bridge) SessionKey() string { return b.sessionKey }

// Instances returns the ids of known instances in arrival order.
func (b *Bridge) Instances() []string {
	ids := make([]string, 0, b.pages.Len())
	for pair := b.pages.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}
	return ids
}

// AttachPage routes the traffic of an instrumented instance's channel
// through the bridge.
func (b *Bridge) AttachPage(ch channel.Channel) {
	ch.OnMessage(func(m message.Message) { b.HandlePage(ch, m) })
	ch.OnClose(func() { b.DetachPage(ch) })
}

// DetachPage forgets the instances that were reached through port.
func (b *Bridge) DetachPage(port channel.Port) {
	var gone []string
	for pair := b.pages.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.port.ID() == port.ID() {
			gone = append(gone, pair.Key)
		}
	}
	for _, id := range gone {
		b.pages.Delete(id)
		b.logger.WithField("instance", id).Debug("Page detached")
	}
}

// HandlePage processes a message sent by an instrumented instance.
func (b *Bridge) HandlePage(from channel.Port, m message.Message) {
	if err := message.Expect(m, message.SourcePage); err != nil {
		b.logger.WithError(err).Debug("Dropped page message")
		return
	}
	if err := m.Validate(); err != nil {
		b.logger.WithError(err).Debug("Dropped page message")
		return
	}

	if m.InstanceID != "" {
		p, ok := b.pages.Get(m.InstanceID)
		if !ok || p.port.ID() != from.ID() {
			p = &page{port: from}
			b.pages.Set(m.InstanceID, p)
		}
		switch m.Type {
		case message.TypeInitInstance, message.TypeState, message.TypeAction:
			cached := m
			p.last = &cached
		}
	}

	if m.IsInit() && len(b.options) > 0 && m.InstanceID != "" {
		b.sendOptions(from, m.InstanceID)
	}

	b.toHub(message.Retag(m, message.SourceBridge))
}

// HandleHub processes a command sent by the hub.
func (b *Bridge) HandleHub(m message.Message) {
	if err := message.Expect(m, message.SourceHub); err != nil {
		b.logger.WithError(err).Debug("Dropped hub message")
		return
	}
	if err := m.Validate(); err != nil {
		b.logger.WithError(err).Debug("Dropped hub message")
		return
	}

	out := message.Retag(m, message.SourceBridge)
	if m.InstanceID != "" {
		p, ok := b.pages.Get(m.InstanceID)
		if !ok {
			b.logger.WithField("instance", m.InstanceID).Debug("Command for unknown instance")
			return
		}
		b.toPage(p.port, out)
		return
	}

	// Unaddressed commands reach every instance once.
	seen := make(map[string]bool)
	for pair := b.pages.Oldest(); pair != nil; pair = pair.Next() {
		port := pair.Value.port
		if seen[port.ID()] {
			continue
		}
		seen[port.ID()] = true
		b.toPage(port, out)
	}
}

// SetHub replaces the hub channel and resends the cached state of every
// instance. A nil channel detaches the hub.
func (b *Bridge) SetHub(ch channel.Channel) {
	if ch == nil {
		b.hub = nil
		return
	}
	b.hub = ch
	ch.OnMessage(b.HandleHub)
	ch.OnClose(func() {
		if b.hub != nil && b.hub.ID() == ch.ID() {
			b.logger.Info("Hub channel closed")
			b.hub = nil
		}
	})
	b.Resume()
}

// Connected reports whether a hub channel is attached.
func (b *Bridge) Connected() bool { return b.hub != nil }

// Resume resends the last cached message of each instance, tagged as an
// initialization resend so receivers can discard what they already have.
func (b *Bridge) Resume() {
	for pair := b.pages.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.last == nil {
			continue
		}
		b.toHub(message.WithInit(message.Retag(*pair.Value.last, message.SourceBridge)))
	}
}

// Unload tells the hub that the instrumented process is going away.
func (b *Bridge) Unload() {
	b.toHub(message.Message{
		Type:       message.TypePageUnloaded,
		Source:     message.SourceBridge,
		SessionKey: b.sessionKey,
	})
	b.pages = orderedmap.New[string, *page]()
}

// SetOptions validates and stores an OPTIONS blob and pushes it to every
// attached instance.
func (b *Bridge) SetOptions(raw json.RawMessage) error {
	if _, err := config.DecodeFilterOptions(raw); err != nil {
		return err
	}
	b.options = raw
	for pair := b.pages.Oldest(); pair != nil; pair = pair.Next() {
		b.sendOptions(pair.Value.port, pair.Key)
	}
	return nil
}

// Options returns the current OPTIONS blob.
func (b *Bridge) Options() json.RawMessage { return b.options }

func (b *Bridge) sendOptions(port channel.Port, instanceID string) {
	b.toPage(port, message.Message{
		Type:       message.TypeOptions,
		Source:     message.SourceBridge,
		InstanceID: instanceID,
		Options:    b.options,
	})
}

func (b *Bridge) toHub(m message.Message) {
	if b.hub == nil {
		b.logger.WithField("type", m.Type).Debug("No hub attached, message dropped")
		return
	}
	if err := b.hub.Send(m); err != nil {
		b.logger.WithError(err).WithField("type", m.Type).Debug("Send to hub failed")
	}
}

func (b *Bridge) toPage(port channel.Port, m message.Message) {
	if err := port.Send(m); err != nil {
		b.logger.WithError(err).WithField("type", m.Type).Debug("Send to page failed")
	}
}
