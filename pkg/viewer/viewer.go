// Package viewer keeps an inspector's mirror of the instrumented
// instances of one session and sends the inspector's commands.
package viewer

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/grovetools/devrelay/config"
	relayerrors "github.com/grovetools/devrelay/errors"
	"github.com/grovetools/devrelay/pkg/channel"
	"github.com/grovetools/devrelay/pkg/clock"
	"github.com/grovetools/devrelay/pkg/lifted"
	"github.com/grovetools/devrelay/pkg/message"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Status is the connection state of a Viewer.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	// StatusUnavailable means the hub reported no instrumented application.
	StatusUnavailable Status = "unavailable"
)

// EventKind names what changed.
type EventKind string

const (
	EventStatus   EventKind = "status"
	EventState    EventKind = "state"
	EventAction   EventKind = "action"
	EventError    EventKind = "error"
	EventInstance EventKind = "instance"
	EventReport   EventKind = "report"
)

// Event is delivered to subscribers after a message has been applied.
type Event struct {
	Kind       EventKind
	Status     Status
	InstanceID string
	Message    message.Message
}

// Config configures a Viewer.
type Config struct {
	SessionKey string
	Clock      clock.Clock
	// ResyncInterval bounds how often a resync is requested per instance.
	ResyncInterval time.Duration
	Logger         *logrus.Entry
}

type instance struct {
	name      string
	mirror    lifted.Mirror
	lastError string
	resync    *rate.Limiter
}

// Viewer mirrors the instances of a session. It is not safe for
// concurrent use.
type Viewer struct {
	sessionKey     string
	ch             channel.Port
	status         Status
	instances      map[string]*instance
	clock          clock.Clock
	resyncInterval time.Duration
	logger         *logrus.Entry
	subscribers    []func(Event)
}

// New creates a disconnected Viewer.
func New(cfg Config) *Viewer {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = 250 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Viewer{
		sessionKey:     cfg.SessionKey,
		status:         StatusDisconnected,
		instances:      make(map[string]*instance),
		clock:          cfg.Clock,
		resyncInterval: cfg.ResyncInterval,
		logger:         cfg.Logger.WithField("session", cfg.SessionKey),
	}
}

// OnEvent registers fn. Subscribers run synchronously after each
// applied message.
func (v *Viewer) OnEvent(fn func(Event)) {
	v.subscribers = append(v.subscribers, fn)
}

// Status returns the connection state.
func (v *Viewer) Status() Status { return v.status }

// SessionKey returns the session the viewer inspects.
func (v *Viewer) SessionKey() string { return v.sessionKey }

// Attach starts using ch. Mirrors are cleared and a fresh state is
// requested from every instance.
func (v *Viewer) Attach(ch channel.Channel) {
	v.ch = ch
	ch.OnMessage(v.Handle)
	ch.OnClose(func() {
		if v.ch != nil && v.ch.ID() == ch.ID() {
			v.Detach()
		}
	})
	v.instances = make(map[string]*instance)
	v.setStatus(StatusConnecting)
	v.send(message.Message{Type: message.TypeUpdate, Source: message.SourceViewer})
}

// Detach stops using the current channel.
func (v *Viewer) Detach() {
	v.ch = nil
	v.setStatus(StatusDisconnected)
}

// Instances returns the ids of known instances, sorted.
func (v *Viewer) Instances() []string {
	ids := make([]string, 0, len(v.instances))
	for id := range v.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Mirror returns the mirrored lifted state of an instance.
func (v *Viewer) Mirror(instanceID string) (lifted.State, bool) {
	inst, ok := v.instances[instanceID]
	if !ok || !inst.mirror.Ready {
		return lifted.State{}, false
	}
	return inst.mirror.State.Clone(), true
}

// Name returns the display name of an instance.
func (v *Viewer) Name(instanceID string) string {
	if inst, ok := v.instances[instanceID]; ok {
		return inst.name
	}
	return ""
}

// LastError returns the last ERROR reported for an instance.
func (v *Viewer) LastError(instanceID string) string {
	if inst, ok := v.instances[instanceID]; ok {
		return inst.lastError
	}
	return ""
}

// Handle applies a message received from the hub.
func (v *Viewer) Handle(m message.Message) {
	if err := message.Expect(m, message.SourceHub); err != nil {
		v.logger.WithError(err).Debug("Dropped message")
		return
	}
	if err := m.Validate(); err != nil {
		v.logger.WithError(err).Debug("Dropped message")
		return
	}

	switch m.Type {
	case message.TypeInitInstance:
		inst := v.instance(m.InstanceID, m.Name)
		inst.mirror.Reset()
		v.setStatus(StatusConnected)
		v.emit(Event{Kind: EventInstance, InstanceID: m.InstanceID, Message: m})

	case message.TypeState:
		// A shared report never replaces a live mirror.
		if m.ReportID != "" {
			v.emit(Event{Kind: EventReport, InstanceID: m.InstanceID, Message: m})
			return
		}
		id := m.InstanceID
		if id == "" {
			return
		}
		inst := v.instance(id, m.Name)
		if _, err := inst.mirror.Apply(m); err != nil {
			v.logger.WithError(err).WithField("instance", id).Warn("Rejected relayed state")
			return
		}
		v.setStatus(StatusConnected)
		v.emit(Event{Kind: EventState, InstanceID: id, Message: m})

	case message.TypeAction:
		inst, known := v.instances[m.InstanceID]
		if !known {
			inst = v.instance(m.InstanceID, m.Name)
		}
		outcome, err := inst.mirror.Apply(m)
		if err != nil {
			v.logger.WithError(err).WithField("instance", m.InstanceID).Debug("Rejected relayed action")
			return
		}
		switch outcome {
		case lifted.Applied:
			v.setStatus(StatusConnected)
			v.emit(Event{Kind: EventAction, InstanceID: m.InstanceID, Message: m})
		case lifted.Duplicate:
			v.logger.WithField("instance", m.InstanceID).Debug("Ignored resent action")
		case lifted.OutOfSync:
			v.requestResync(m.InstanceID, inst)
		}

	case message.TypeError:
		var text string
		if err := json.Unmarshal(m.Payload, &text); err != nil {
			text = string(m.Payload)
		}
		if m.InstanceID != "" {
			v.instance(m.InstanceID, m.Name).lastError = text
		}
		v.emit(Event{Kind: EventError, InstanceID: m.InstanceID, Message: m})

	case message.TypeNA:
		if m.InstanceID != "" {
			delete(v.instances, m.InstanceID)
		} else {
			v.instances = make(map[string]*instance)
		}
		if len(v.instances) == 0 {
			v.setStatus(StatusUnavailable)
		}
		v.emit(Event{Kind: EventInstance, InstanceID: m.InstanceID, Message: m})

	default:
		v.logger.WithField("type", m.Type).Debug("Ignored message")
	}
}

func (v *Viewer) instance(id, name string) *instance {
	inst, ok := v.instances[id]
	if !ok {
		inst = &instance{resync: rate.NewLimiter(rate.Every(v.resyncInterval), 1)}
		v.instances[id] = inst
	}
	if name != "" {
		inst.name = name
	}
	return inst
}

func (v *Viewer) requestResync(id string, inst *instance) {
	if !inst.resync.AllowN(v.clock.Now(), 1) {
		return
	}
	v.logger.WithField("instance", id).Debug("Mirror out of sync, requesting state")
	v.send(message.Message{Type: message.TypeUpdate, Source: message.SourceViewer, InstanceID: id})
}

// Dispatch sends a lifted command to an instance.
func (v *Viewer) Dispatch(instanceID string, cmd lifted.Command) error {
	payload, err := message.Raw(cmd)
	if err != nil {
		return err
	}
	return v.send(message.Message{Type: message.TypeDispatch, Source: message.SourceViewer, InstanceID: instanceID, Payload: payload})
}

// RemoteAction asks an instance to dispatch an action. expr is a call
// expression such as `increment(2)` resolved by the instance's action
// creators.
func (v *Viewer) RemoteAction(instanceID, expr string) error {
	action, err := message.Raw(expr)
	if err != nil {
		return err
	}
	return v.send(message.Message{Type: message.TypeAction, Source: message.SourceViewer, InstanceID: instanceID, Action: action})
}

// Import replaces an instance's history with snapshot.
func (v *Viewer) Import(instanceID string, snapshot []byte) error {
	return v.send(message.Message{Type: message.TypeImport, Source: message.SourceViewer, InstanceID: instanceID, State: snapshot})
}

// Start resumes observation of an instance.
func (v *Viewer) Start(instanceID string) error {
	return v.send(message.Message{Type: message.TypeStart, Source: message.SourceViewer, InstanceID: instanceID})
}

// Stop pauses observation of an instance.
func (v *Viewer) Stop(instanceID string) error {
	return v.send(message.Message{Type: message.TypeStop, Source: message.SourceViewer, InstanceID: instanceID})
}

// Refresh requests a fresh state. An empty id addresses every instance.
func (v *Viewer) Refresh(instanceID string) error {
	return v.send(message.Message{Type: message.TypeUpdate, Source: message.SourceViewer, InstanceID: instanceID})
}

// Open asks the hub to bring the instrumented application forward.
func (v *Viewer) Open(instanceID string) error {
	return v.send(message.Message{Type: message.TypeOpen, Source: message.SourceViewer, InstanceID: instanceID})
}

// GetReport asks the hub for a shared report.
func (v *Viewer) GetReport(reportID string) error {
	return v.send(message.Message{Type: message.TypeGetReport, Source: message.SourceViewer, ReportID: reportID})
}

// SetOptions replaces the filter options of an instance.
func (v *Viewer) SetOptions(instanceID string, opts config.FilterOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	raw, err := opts.Raw()
	if err != nil {
		return err
	}
	return v.send(message.Message{Type: message.TypeOptions, Source: message.SourceViewer, InstanceID: instanceID, Options: raw})
}

func (v *Viewer) send(m message.Message) error {
	if v.ch == nil {
		return relayerrors.ChannelClosed("viewer").WithDetail("type", string(m.Type))
	}
	if err := v.ch.Send(m); err != nil {
		v.logger.WithError(err).WithField("type", m.Type).Debug("Send failed")
		return err
	}
	return nil
}

func (v *Viewer) setStatus(s Status) {
	if v.status == s {
		return
	}
	v.status = s
	v.logger.WithField("status", s).Debug("Status changed")
	v.emit(Event{Kind: EventStatus, Status: s})
}

func (v *Viewer) emit(e Event) {
	e.Status = v.status
	for _, fn := range v.subscribers {
		fn(e)
	}
}
