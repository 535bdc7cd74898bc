package lifted

import (
	"encoding/json"
	"strconv"

	relayerrors "github.com/grovetools/devrelay/errors"
	"github.com/grovetools/devrelay/pkg/message"
)

// Outcome is the result of feeding a relayed message to a Mirror.
type Outcome int

const (
	// Ignored means the message does not carry history.
	Ignored Outcome = iota
	// Applied means the mirror changed.
	Applied
	// Duplicate means the message repeats what the mirror already holds.
	Duplicate
	// OutOfSync means the mirror cannot follow and needs a fresh STATE.
	OutOfSync
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case OutOfSync:
		return "out-of-sync"
	default:
		return "ignored"
	}
}

// Mirror is a remote copy of an instance's lifted state, fed by the
// STATE and ACTION messages it relays. Filtered actions are never
// relayed, so gaps in nextActionId are expected; an ACTION whose
// prevActionId does not match the mirror reveals a lost message.
type Mirror struct {
	State State
	Ready bool
	// last identifies the last applied ACTION. An excess ACTION commits
	// the mirror, so its resend cannot be told by sequence number alone.
	last string
}

// Apply updates the mirror from a relayed message.
func (m *Mirror) Apply(msg message.Message) (Outcome, error) {
	switch msg.Type {
	case message.TypeState:
		var s State
		if err := json.Unmarshal(msg.Payload, &s); err != nil {
			return Ignored, relayerrors.Wrap(err, relayerrors.ErrCodeMalformedMessage, "invalid lifted state")
		}
		if err := s.Validate(); err != nil {
			return Ignored, err
		}
		if len(s.ComputedStates) == 0 {
			return Ignored, relayerrors.InvalidSnapshot("relayed state without computed states")
		}
		m.State = s
		m.Ready = true
		m.last = ""
		return Applied, nil

	case message.TypeAction:
		if !m.Ready {
			return OutOfSync, nil
		}
		if msg.IsInit() && (msg.NextActionID <= m.State.NextActionID || actionKey(msg) == m.last) {
			return Duplicate, nil
		}
		if msg.NextActionID <= m.State.NextActionID {
			return OutOfSync, nil
		}
		if msg.PrevActionID > 0 && msg.PrevActionID != m.State.NextActionID {
			return OutOfSync, nil
		}

		var entry Entry
		if err := json.Unmarshal(msg.Action, &entry); err != nil {
			return Ignored, relayerrors.Wrap(err, relayerrors.ErrCodeMalformedMessage, "invalid relayed action")
		}
		var state any
		if err := json.Unmarshal(msg.Payload, &state); err != nil {
			return Ignored, relayerrors.Wrap(err, relayerrors.ErrCodeMalformedMessage, "invalid relayed state")
		}

		m.State.Append(msg.NextActionID, entry, Computed{State: state})
		if msg.IsExcess {
			// The instrumented side committed right after this action.
			m.State.Commit(entry.Timestamp)
		}
		m.last = actionKey(msg)
		return Applied, nil

	default:
		return Ignored, nil
	}
}

func actionKey(msg message.Message) string {
	return strconv.Itoa(msg.NextActionID) + ":" + string(msg.Action)
}

// Reset forgets the mirrored history.
func (m *Mirror) Reset() {
	*m = Mirror{}
}

// Message renders the mirror as a STATE message for instanceID.
func (m *Mirror) Message(source message.Source, instanceID, name string) (message.Message, error) {
	payload, err := json.Marshal(m.State)
	if err != nil {
		return message.Message{}, err
	}
	return message.Message{
		Type:         message.TypeState,
		Source:       source,
		InstanceID:   instanceID,
		Name:         name,
		Payload:      payload,
		NextActionID: m.State.NextActionID,
		Init:         true,
	}, nil
}
