// Package instrument wraps an application's state container in a lifted
// history and relays its changes toward an inspector.
package instrument

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/grovetools/devrelay/config"
	relayerrors "github.com/grovetools/devrelay/errors"
	"github.com/grovetools/devrelay/pkg/channel"
	"github.com/grovetools/devrelay/pkg/clock"
	"github.com/grovetools/devrelay/pkg/lifted"
	"github.com/grovetools/devrelay/pkg/message"
	"github.com/grovetools/devrelay/pkg/reactor"
	"github.com/sirupsen/logrus"
)

// Config configures an Instrumentor. Zero values get defaults.
type Config struct {
	// InstanceID identifies the instrumented container. Defaults to a uuid.
	InstanceID string
	// Name is a display name shown by inspectors.
	Name   string
	Filter FilterConfig
	// Creators resolves remote actions. Without it only plain action
	// objects are accepted.
	Creators *ActionCreators
	Clock    clock.Clock
	// Executor receives batching timer callbacks. It must be the
	// executor the Instrumentor is driven from, and is required when
	// the filter sets a Latency.
	Executor reactor.Executor
	Logger   *logrus.Entry
}

// InitPayload is the payload of INIT_INSTANCE.
type InitPayload struct {
	ActionCreators []string `json:"actionCreators,omitempty"`
}

// Instrumentor records every dispatched action in a lifted history and
// sends ACTION, STATE and ERROR messages on its outbound port. It is not
// safe for concurrent use.
type Instrumentor struct {
	id       string
	name     string
	history  *lifted.History
	out      channel.Port
	cfg      FilterConfig
	filter   *actionFilter
	creators *ActionCreators
	clock    clock.Clock
	exec     reactor.Executor
	logger   *logrus.Entry

	stopped bool
	closed  bool
	// inline is set when no executor was given; batching is refused.
	inline bool

	// relayed is the nextActionId an inspector holds after the last
	// STATE or ACTION that left.
	relayed int

	// batching
	lastSend time.Time
	pending  *message.Message
	coalesce int
	timer    *clock.Timer
	gen      int
}

// New instruments reducer starting at initial. The instance announces
// itself on out with INIT_INSTANCE followed by an initial STATE.
func New(reducer lifted.Reducer, initial any, out channel.Port, cfg Config) (*Instrumentor, error) {
	filter, err := compileFilter(cfg.Filter)
	if err != nil {
		return nil, err
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	inline := cfg.Executor == nil
	if inline {
		if err := requireExecutor(cfg.Filter); err != nil {
			return nil, err
		}
		cfg.Executor = reactor.Inline{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	i := &Instrumentor{
		id:       cfg.InstanceID,
		name:     cfg.Name,
		history:  lifted.NewHistory(reducer, initial, cfg.Clock.Now),
		out:      out,
		cfg:      cfg.Filter,
		filter:   filter,
		creators: cfg.Creators,
		clock:    cfg.Clock,
		exec:     cfg.Executor,
		inline:   inline,
		logger:   cfg.Logger.WithField("instance", cfg.InstanceID),
	}

	payload, _ := message.Raw(InitPayload{ActionCreators: cfg.Creators.Names()})
	i.send(message.Message{
		Type:       message.TypeInitInstance,
		Source:     message.SourcePage,
		InstanceID: i.id,
		Name:       i.name,
		Payload:    payload,
	})
	i.relayState(true)
	return i, nil
}

// ID returns the instance id.
func (i *Instrumentor) ID() string { return i.id }

// State returns the application state under the history cursor.
func (i *Instrumentor) State() any { return i.history.Current().State }

// Lifted returns a copy of the lifted state.
func (i *Instrumentor) Lifted() lifted.State { return i.history.State() }

// Filter returns the active filter configuration.
func (i *Instrumentor) Filter() FilterConfig { return i.cfg }

// Stopped reports whether observation is paused.
func (i *Instrumentor) Stopped() bool { return i.stopped }

// Dispatch applies an action and relays the change. It returns the
// resulting application state.
func (i *Instrumentor) Dispatch(a lifted.Action) any {
	if i.stopped {
		i.history.Overwrite(a)
		return i.State()
	}
	i.history.Perform(a)
	i.relayChange(a)
	return i.State()
}

// SetFilter replaces the filter configuration.
func (i *Instrumentor) SetFilter(cfg FilterConfig) error {
	filter, err := compileFilter(cfg)
	if err != nil {
		return err
	}
	if i.inline {
		if err := requireExecutor(cfg); err != nil {
			return err
		}
	}
	i.cfg = cfg
	i.filter = filter
	i.logger.WithField("options", cfg.Options()).Debug("Filter updated")
	return nil
}

// requireExecutor refuses batching without an executor, since timer
// callbacks would otherwise run on the timer goroutine.
func requireExecutor(cfg FilterConfig) error {
	if cfg.Latency > 0 {
		return relayerrors.New(relayerrors.ErrCodeInvalidInput, "batching latency requires an executor").
			WithDetail("latency", cfg.Latency.String())
	}
	return nil
}

// Bind routes inbound traffic of ch to Handle.
func (i *Instrumentor) Bind(ch channel.Channel) {
	ch.OnMessage(i.Handle)
	ch.OnClose(func() {
		i.logger.Debug("Page channel closed")
	})
}

// Close cancels any deferred send. Nothing is sent afterwards.
func (i *Instrumentor) Close() {
	i.closed = true
	i.cancelPending()
}

// relayChange runs the outbound decision for the change a produced.
func (i *Instrumentor) relayChange(a lifted.Action) {
	s := i.history.View()
	latest := s.Latest()

	if latest.Error != "" {
		i.logger.WithField("action", a.Type).WithField("error", latest.Error).Warn("Reducer failed")
		i.batch(i.stateMessage(false))
		return
	}

	if i.cfg.Limit > 0 && s.CurrentStateIndex > i.cfg.Limit {
		i.history.Commit()
		i.batch(i.stateMessage(false))
		return
	}

	excess := i.cfg.MaxAge > 0 && len(s.StagedActionIDs) >= i.cfg.MaxAge

	if !i.filter.relevant(a.Type) {
		if excess {
			i.history.Commit()
			i.batch(i.stateMessage(false))
		}
		return
	}

	m, err := i.actionMessage(excess)
	if excess {
		i.history.Commit()
	}
	if err != nil {
		i.logger.WithError(err).Warn("Failed to encode action")
		return
	}
	i.batch(m)
}

// batch sends m now or defers it to the end of the batching window.
func (i *Instrumentor) batch(m message.Message) {
	latency := i.cfg.Latency
	if latency <= 0 {
		i.send(m)
		return
	}

	now := i.clock.Now()
	if i.pending == nil && now.Sub(i.lastSend) > latency {
		i.lastSend = now
		i.send(m)
		return
	}

	i.pending = &m
	i.coalesce++
	if i.timer != nil {
		return
	}

	i.gen++
	gen := i.gen
	wait := i.lastSend.Add(latency).Sub(now)
	t := i.clock.AfterFunc(wait, func() {
		i.exec.Post(func() { i.flush(gen) })
	})
	// The callback may already have flushed.
	if i.gen == gen && i.pending != nil {
		i.timer = t
	}
}

// flush sends the deferred message. More than one coalesced change is
// sent as a full STATE.
func (i *Instrumentor) flush(gen int) {
	if gen != i.gen || i.pending == nil || i.closed {
		return
	}
	m := *i.pending
	if i.coalesce > 1 {
		m = i.stateMessage(false)
	}
	i.pending = nil
	i.coalesce = 0
	i.timer = nil
	i.lastSend = i.clock.Now()
	i.send(m)
}

func (i *Instrumentor) cancelPending() {
	if i.timer != nil {
		i.timer.Stop()
	}
	i.timer = nil
	i.pending = nil
	i.coalesce = 0
	i.gen++
}

// relayState sends a full STATE immediately, superseding any deferred
// send.
func (i *Instrumentor) relayState(init bool) {
	i.cancelPending()
	i.send(i.stateMessage(init))
}

func (i *Instrumentor) stateMessage(init bool) message.Message {
	payload, err := json.Marshal(i.wireState(i.history.View()))
	if err != nil {
		i.logger.WithError(err).Warn("Failed to encode state")
		payload = []byte("null")
	}
	return message.Message{
		Type:         message.TypeState,
		Source:       message.SourcePage,
		InstanceID:   i.id,
		Name:         i.name,
		Payload:      payload,
		NextActionID: i.history.View().NextActionID,
		Init:         init,
	}
}

func (i *Instrumentor) actionMessage(excess bool) (message.Message, error) {
	s := i.history.View()
	id := s.NextActionID - 1
	entry := s.ActionsByID[id]
	entry.Action = i.cfg.action(entry.Action)

	action, err := message.Raw(entry)
	if err != nil {
		return message.Message{}, err
	}
	payload, err := json.Marshal(i.cfg.state(s.Latest().State))
	if err != nil {
		return message.Message{}, err
	}
	return message.Message{
		Type:         message.TypeAction,
		Source:       message.SourcePage,
		InstanceID:   i.id,
		Name:         i.name,
		Action:       action,
		Payload:      payload,
		NextActionID: s.NextActionID,
		PrevActionID: i.relayed,
		IsExcess:     excess,
	}, nil
}

// wireState applies the serialization hooks to a lifted state.
func (i *Instrumentor) wireState(s lifted.State) lifted.State {
	if i.cfg.SerializeState == nil && i.cfg.SerializeAction == nil {
		return s
	}
	out := s.Clone()
	out.CommittedState = i.cfg.state(s.CommittedState)
	for id, e := range out.ActionsByID {
		e.Action = i.cfg.action(e.Action)
		out.ActionsByID[id] = e
	}
	for n, c := range out.ComputedStates {
		out.ComputedStates[n] = lifted.Computed{State: i.cfg.state(c.State), Error: c.Error}
	}
	return out
}

func (i *Instrumentor) sendError(err error) {
	text := err.Error()
	if text == "" {
		text = "remote action failed"
	}
	payload, _ := message.Raw(text)
	i.send(message.Message{
		Type:       message.TypeError,
		Source:     message.SourcePage,
		InstanceID: i.id,
		Name:       i.name,
		Payload:    payload,
	})
}

func (i *Instrumentor) send(m message.Message) {
	if i.closed {
		return
	}
	if err := i.out.Send(m); err != nil {
		i.logger.WithError(err).WithField("type", m.Type).Debug("Send failed")
		return
	}
	switch {
	case m.Type == message.TypeState:
		i.relayed = m.NextActionID
	case m.Type == message.TypeAction && m.IsExcess:
		// The receiver commits after an excess action.
		i.relayed = 1
	case m.Type == message.TypeAction:
		i.relayed = m.NextActionID
	}
}

// Handle processes an inbound command from the bridge.
func (i *Instrumentor) Handle(m message.Message) {
	if err := message.Expect(m, message.SourceBridge); err != nil {
		i.logger.WithError(err).Debug("Dropped message")
		return
	}
	if err := m.Validate(); err != nil {
		i.logger.WithError(err).Debug("Dropped message")
		return
	}
	if m.InstanceID != "" && m.InstanceID != i.id {
		return
	}

	switch m.Type {
	case message.TypeDispatch:
		cmd, err := lifted.ParseCommand(m.Payload)
		if err != nil {
			i.logger.WithError(err).Debug("Ignored lifted command")
			return
		}
		if err := i.history.Apply(cmd); err != nil {
			i.logger.WithError(err).WithField("command", cmd.Type).Debug("Lifted command rejected")
			return
		}
		i.relayState(false)

	case message.TypeCommit:
		i.history.Commit()
		i.relayState(false)

	case message.TypeAction:
		i.remoteAction(m.Action)

	case message.TypeImport:
		snapshot, err := lifted.ParseSnapshot(m.State)
		if err == nil {
			err = i.history.Replace(snapshot)
		}
		if err != nil {
			i.logger.WithError(err).Warn("Rejected imported history")
			return
		}
		i.relayState(false)

	case message.TypeStart:
		i.stopped = false
		i.relayState(false)

	case message.TypeStop:
		i.stopped = true
		i.cancelPending()

	case message.TypeUpdate:
		i.relayState(false)

	case message.TypeOptions:
		opts, err := config.DecodeFilterOptions(m.Options)
		if err == nil {
			err = i.SetFilter(FromOptions(opts, i.cfg))
		}
		if err != nil {
			i.logger.WithError(err).Warn("Rejected options")
		}

	case message.TypeNA:
		i.logger.Info("No inspector is attached")

	default:
		i.logger.WithField("type", m.Type).Debug("Ignored message")
	}
}

// remoteAction resolves and applies an action requested by an inspector.
// The action is first tried on a copy of the history so that a failure
// leaves the real history untouched.
func (i *Instrumentor) remoteAction(raw json.RawMessage) {
	a, err := i.creators.Resolve(raw)
	if err != nil {
		i.logger.WithError(err).Info("Remote action rejected")
		i.sendError(err)
		return
	}

	trial := i.history.Clone()
	trial.Perform(a)
	if failure := trial.View().Latest().Error; failure != "" {
		err := relayerrors.ActionFailed(a.Type, relayerrors.New(relayerrors.ErrCodeActionFailed, failure))
		i.logger.WithError(err).Info("Remote action failed")
		i.sendError(err)
		return
	}

	i.Dispatch(a)
}
