// Package router is the routing hub between bridges and inspectors. It
// keeps one inspector connection and one bridge per session key and
// forwards traffic between them.
package router

import (
	"encoding/json"
	"sort"
	"time"

	relayerrors "github.com/grovetools/devrelay/errors"
	"github.com/grovetools/devrelay/pkg/channel"
	"github.com/grovetools/devrelay/pkg/clock"
	"github.com/grovetools/devrelay/pkg/lifted"
	"github.com/grovetools/devrelay/pkg/message"
	"github.com/sirupsen/logrus"
)

// Config configures a Router.
type Config struct {
	// Reports serves GET_REPORT. Nil disables shared reports.
	Reports *ReportStore
	Clock   clock.Clock
	Logger  *logrus.Entry
}

// Router owns the connection and bridge registries. It is not safe for
// concurrent use; drive it from a single executor.
type Router struct {
	connections map[string]*Connection
	bridges     map[string]*bridgeEntry
	reports     *ReportStore
	clock       clock.Clock
	logger      *logrus.Entry
	subscribers []func(Event)
}

// New creates an empty Router.
func New(cfg Config) *Router {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Router{
		connections: make(map[string]*Connection),
		bridges:     make(map[string]*bridgeEntry),
		reports:     cfg.Reports,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
}

// Reports returns the report store, if any.
func (r *Router) Reports() *ReportStore { return r.reports }

// ServeViewer connects an inspector channel for key and routes its
// traffic. ch must deliver on the router's executor.
func (r *Router) ServeViewer(key string, ch channel.Channel) {
	ch.OnMessage(func(m message.Message) { r.HandleViewer(key, ch, m) })
	ch.OnClose(func() { r.Detach(ch) })
	r.Connect(key, ch)
}

// ServeBridge attaches a bridge channel for key and routes its traffic.
// ch must deliver on the router's executor.
func (r *Router) ServeBridge(key string, ch channel.Channel) {
	ch.OnMessage(func(m message.Message) { r.HandleBridge(key, ch, m) })
	ch.OnClose(func() { r.Detach(ch) })
	r.AttachBridge(key, ch)
}

// Connect makes ch the inspector connection of key, superseding any
// previous one. The inspector receives the cached state of every known
// instance, then the bridge is asked for fresh state.
func (r *Router) Connect(key string, ch channel.Port) {
	log := r.logger.WithField("session", key)
	if old, ok := r.connections[key]; ok && old.Channel.ID() != ch.ID() {
		log.WithField("channel", old.Channel.ID()).Info("Inspector connection superseded")
		r.emit(Event{Kind: EventViewerSuperseded, SessionKey: key})
	}
	conn := &Connection{SessionKey: key, Channel: ch, ConnectedAt: r.clock.Now()}
	r.connections[key] = conn
	r.emit(Event{Kind: EventViewerConnected, SessionKey: key})

	b, ok := r.bridges[key]
	if !ok {
		log.Info("Inspector connected to a session without instrumented application")
		r.unavailable(conn, "")
		return
	}

	b.naSent = false
	for _, h := range b.instances.List() {
		if !h.Mirror.Ready {
			continue
		}
		m, err := h.Mirror.Message(message.SourceHub, h.InstanceID, h.Name)
		if err != nil {
			log.WithError(err).Warn("Failed to encode cached state")
			continue
		}
		r.send(ch, m)
	}
	r.send(b.port, message.Message{Type: message.TypeUpdate, Source: message.SourceHub})
}

// AttachBridge registers ch as the bridge of key, superseding any
// previous one.
func (r *Router) AttachBridge(key string, ch channel.Port) {
	if old, ok := r.bridges[key]; ok && old.port.ID() != ch.ID() {
		r.logger.WithField("session", key).Info("Bridge superseded")
	}
	r.bridges[key] = &bridgeEntry{
		port:       ch,
		attachedAt: r.clock.Now(),
		instances:  NewInstanceRegistry(),
	}
	if conn, ok := r.connections[key]; ok {
		conn.naSent = false
	}
	r.emit(Event{Kind: EventBridgeAttached, SessionKey: key})
}

// Detach removes the registry entries whose channel is ch. Entries that
// were superseded by another channel are left alone.
func (r *Router) Detach(ch channel.Port) {
	keys := make([]string, 0)
	for key, conn := range r.connections {
		if conn.Channel.ID() == ch.ID() {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		delete(r.connections, key)
		r.logger.WithField("session", key).Debug("Inspector detached")
		r.emit(Event{Kind: EventViewerDetached, SessionKey: key})
	}

	keys = keys[:0]
	for key, b := range r.bridges {
		if b.port.ID() == ch.ID() {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		b := r.bridges[key]
		delete(r.bridges, key)
		for _, h := range b.instances.List() {
			r.emit(Event{Kind: EventInstanceRemoved, SessionKey: key, InstanceID: h.InstanceID})
		}
		r.logger.WithField("session", key).Info("Bridge detached")
		r.emit(Event{Kind: EventBridgeDetached, SessionKey: key})
		if conn, ok := r.connections[key]; ok {
			r.unavailable(conn, "")
		}
	}
}

// HandleBridge processes a message from the bridge of key.
func (r *Router) HandleBridge(key string, from channel.Port, m message.Message) {
	log := r.logger.WithField("session", key)
	b, ok := r.bridges[key]
	if !ok || b.port.ID() != from.ID() {
		log.WithField("type", m.Type).Debug("Message from a stale bridge channel")
		return
	}
	if err := message.Expect(m, message.SourceBridge); err != nil {
		log.WithError(err).Debug("Dropped bridge message")
		return
	}
	if err := m.Validate(); err != nil {
		log.WithError(err).Debug("Dropped bridge message")
		return
	}

	if m.Type == message.TypePageUnloaded {
		r.unload(key, b)
		return
	}

	switch m.Type {
	case message.TypeInitInstance, message.TypeState, message.TypeAction:
		h, created := b.instances.Ensure(m.InstanceID, r.clock.Now())
		if m.Name != "" {
			h.Name = m.Name
		}
		if created {
			log.WithField("instance", m.InstanceID).Info("Instance registered")
			r.emit(Event{Kind: EventInstanceAdded, SessionKey: key, InstanceID: m.InstanceID})
		}
		if m.Type == message.TypeInitInstance {
			h.Mirror.Reset()
			break
		}
		outcome, err := h.Mirror.Apply(m)
		if err != nil {
			log.WithError(err).WithField("instance", m.InstanceID).Debug("Cached state not updated")
		}
		if outcome == lifted.OutOfSync {
			// Only a STATE can bring the cache back.
			h.Mirror.Ready = false
		}
	}

	conn, ok := r.connections[key]
	if !ok {
		if m.IsInit() && !b.naSent {
			b.naSent = true
			log.Debug("No inspector connected")
			r.send(b.port, message.NA(message.SourceHub, key, m.InstanceID))
		}
		return
	}

	r.send(conn.Channel, message.Retag(m, message.SourceHub))
	r.emit(Event{Kind: EventRouted, SessionKey: key, InstanceID: m.InstanceID, Type: m.Type, Direction: "up"})
}

// HandleViewer processes a message from the inspector connection of key.
func (r *Router) HandleViewer(key string, from channel.Port, m message.Message) {
	log := r.logger.WithField("session", key)
	conn, ok := r.connections[key]
	if !ok || conn.Channel.ID() != from.ID() {
		log.WithField("type", m.Type).Debug("Message from a stale inspector channel")
		return
	}
	if err := message.Expect(m, message.SourceViewer); err != nil {
		log.WithError(err).Debug("Dropped inspector message")
		return
	}
	if err := m.Validate(); err != nil {
		log.WithError(err).Debug("Dropped inspector message")
		return
	}

	switch m.Type {
	case message.TypeGetReport:
		r.serveReport(conn.Channel, m)
		return
	case message.TypeOpen:
		log.WithField("instance", m.InstanceID).Info("Inspector requested to open the application")
		r.emit(Event{Kind: EventOpen, SessionKey: key, InstanceID: m.InstanceID})
		return
	case message.TypeDispatch, message.TypeAction, message.TypeImport, message.TypeStart,
		message.TypeStop, message.TypeUpdate, message.TypeOptions, message.TypeCommit:
	default:
		log.WithField("type", m.Type).Debug("Inspector message not routable")
		return
	}

	b, ok := r.bridges[key]
	if !ok {
		// Every unroutable request gets its own answer.
		log.WithField("type", m.Type).Debug("No instrumented application to route to")
		r.send(conn.Channel, message.NA(message.SourceHub, key, m.InstanceID))
		r.emit(Event{Kind: EventUnavailable, SessionKey: key, InstanceID: m.InstanceID})
		return
	}
	r.send(b.port, message.Retag(m, message.SourceHub))
	r.emit(Event{Kind: EventRouted, SessionKey: key, InstanceID: m.InstanceID, Type: m.Type, Direction: "down"})
}

func (r *Router) unload(key string, b *bridgeEntry) {
	log := r.logger.WithField("session", key)
	log.Info("Instrumented application unloaded")
	for _, h := range b.instances.List() {
		b.instances.Remove(h.InstanceID)
		r.emit(Event{Kind: EventInstanceRemoved, SessionKey: key, InstanceID: h.InstanceID})
	}
	r.emit(Event{Kind: EventPageUnloaded, SessionKey: key})
	if conn, ok := r.connections[key]; ok {
		conn.naSent = false
		r.unavailable(conn, "")
	}
}

// unavailable notifies an inspector that its application went away or
// was never there, once per period of unavailability.
func (r *Router) unavailable(conn *Connection, instanceID string) {
	if conn.naSent {
		return
	}
	conn.naSent = true
	r.send(conn.Channel, message.NA(message.SourceHub, conn.SessionKey, instanceID))
	r.emit(Event{Kind: EventUnavailable, SessionKey: conn.SessionKey, InstanceID: instanceID})
}

func (r *Router) serveReport(to channel.Port, m message.Message) {
	fail := func(err error) {
		payload, _ := message.Raw(err.Error())
		r.send(to, message.Message{
			Type:       message.TypeError,
			Source:     message.SourceHub,
			InstanceID: m.InstanceID,
			ReportID:   m.ReportID,
			Payload:    payload,
		})
	}

	if r.reports == nil {
		fail(relayerrors.ReportNotFound(m.ReportID))
		return
	}
	report, err := r.reports.Load(m.ReportID)
	if err != nil {
		fail(err)
		return
	}
	var s lifted.State
	_ = json.Unmarshal(report.State, &s)
	r.send(to, message.Message{
		Type:         message.TypeState,
		Source:       message.SourceHub,
		InstanceID:   report.InstanceID,
		Name:         report.Name,
		Payload:      report.State,
		NextActionID: s.NextActionID,
		ReportID:     report.ID,
	})
}

// Snapshot returns the cached lifted state of an instance.
func (r *Router) Snapshot(key, instanceID string) (json.RawMessage, string, bool) {
	b, ok := r.bridges[key]
	if !ok {
		return nil, "", false
	}
	h, ok := b.instances.Get(instanceID)
	if !ok || !h.Mirror.Ready {
		return nil, "", false
	}
	data, err := json.Marshal(h.Mirror.State)
	if err != nil {
		return nil, "", false
	}
	return data, h.Name, true
}

// ShareReport stores the cached state of an instance as a report.
func (r *Router) ShareReport(key, instanceID string) (string, error) {
	if r.reports == nil {
		return "", relayerrors.New(relayerrors.ErrCodeInvalidInput, "reports are disabled")
	}
	state, name, ok := r.Snapshot(key, instanceID)
	if !ok {
		return "", relayerrors.New(relayerrors.ErrCodeNoInstrumentedApp, "no cached state for instance").
			WithDetail("session", key).
			WithDetail("instance", instanceID)
	}
	id, err := r.reports.Save(Report{
		SessionKey: key,
		InstanceID: instanceID,
		Name:       name,
		CreatedAt:  r.clock.Now(),
		State:      state,
	})
	if err != nil {
		return "", err
	}
	r.logger.WithField("session", key).WithField("report", id).Info("Report shared")
	return id, nil
}

// InstanceInfo describes a registered instance.
type InstanceInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	NextActionID int       `json:"nextActionId"`
	Cached       bool      `json:"cached"`
}

// SessionInfo describes a session known to the router.
type SessionInfo struct {
	Key         string         `json:"key"`
	Viewer      bool           `json:"viewer"`
	ConnectedAt *time.Time     `json:"connectedAt,omitempty"`
	Bridge      bool           `json:"bridge"`
	Instances   []InstanceInfo `json:"instances"`
}

// Sessions returns every session with a connection or a bridge, sorted
// by key.
func (r *Router) Sessions() []SessionInfo {
	byKey := make(map[string]*SessionInfo)
	get := func(key string) *SessionInfo {
		s, ok := byKey[key]
		if !ok {
			s = &SessionInfo{Key: key, Instances: []InstanceInfo{}}
			byKey[key] = s
		}
		return s
	}

	for key, conn := range r.connections {
		s := get(key)
		s.Viewer = true
		at := conn.ConnectedAt
		s.ConnectedAt = &at
	}
	for key, b := range r.bridges {
		s := get(key)
		s.Bridge = true
		for _, h := range b.instances.List() {
			s.Instances = append(s.Instances, InstanceInfo{
				ID:           h.InstanceID,
				Name:         h.Name,
				CreatedAt:    h.CreatedAt,
				NextActionID: h.Mirror.State.NextActionID,
				Cached:       h.Mirror.Ready,
			})
		}
	}

	out := make([]SessionInfo, 0, len(byKey))
	for _, s := range byKey {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (r *Router) send(to channel.Port, m message.Message) {
	if err := to.Send(m); err != nil {
		r.logger.WithError(err).WithField("type", m.Type).Debug("Send failed")
	}
}
