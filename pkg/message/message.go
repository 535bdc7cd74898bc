// Package message defines the wire schema exchanged between the
// instrumented context, the bridge, the routing hub and the inspector.
//
// A Message is a closed tagged union: Type selects which fields are
// meaningful and Validate rejects anything outside the known variants.
// Payload-like fields are kept as raw JSON so a message is immutable once
// it has been built.
package message

import (
	"encoding/json"
	"fmt"

	relayerrors "github.com/grovetools/devrelay/errors"
)

// Type discriminates the message union.
type Type string

const (
	TypeAction       Type = "ACTION"
	TypeState        Type = "STATE"
	TypeError        Type = "ERROR"
	TypeInitInstance Type = "INIT_INSTANCE"
	TypeDispatch     Type = "DISPATCH"
	TypeImport       Type = "IMPORT"
	TypeStart        Type = "START"
	TypeStop         Type = "STOP"
	TypeUpdate       Type = "UPDATE"
	TypeOpen         Type = "OPEN"
	TypeNA           Type = "NA"
	TypeGetReport    Type = "GET_REPORT"
	TypeOptions      Type = "OPTIONS"
	TypePageUnloaded Type = "PAGE_UNLOADED"
	TypeCommit       Type = "COMMIT"
)

// Source identifies the layer a message originated from. Receivers drop
// messages whose source does not match the channel they arrived on. This
// is a routing guard, not authentication.
type Source string

const (
	SourcePage   Source = "@devrelay/page"
	SourceBridge Source = "@devrelay/bridge"
	SourceHub    Source = "@devrelay/hub"
	SourceViewer Source = "@devrelay/viewer"
)

// Message is one record on the wire.
type Message struct {
	Type         Type            `json:"type"`
	Source       Source          `json:"source"`
	InstanceID   string          `json:"instanceId,omitempty"`
	SessionKey   string          `json:"sessionKey,omitempty"`
	Action       json.RawMessage `json:"action,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	State        json.RawMessage `json:"state,omitempty"`
	Name         string          `json:"name,omitempty"`
	NextActionID int             `json:"nextActionId,omitempty"`
	// PrevActionID is the nextActionId the receiver should hold before
	// applying an ACTION. Zero means unknown.
	PrevActionID int             `json:"prevActionId,omitempty"`
	IsExcess     bool            `json:"isExcess,omitempty"`
	Init         bool            `json:"init,omitempty"`
	ReportID     string          `json:"reportId,omitempty"`
	Options      json.RawMessage `json:"options,omitempty"`
}

// Validate checks that the message is a known variant carrying the
// fields its type requires.
func (m Message) Validate() error {
	if m.Source == "" {
		return relayerrors.Malformed("missing source")
	}

	need := func(ok bool, field string) error {
		if ok {
			return nil
		}
		return relayerrors.Malformed(fmt.Sprintf("%s requires %s", m.Type, field)).
			WithDetail("type", string(m.Type))
	}

	switch m.Type {
	case TypeAction:
		if err := need(m.InstanceID != "", "instanceId"); err != nil {
			return err
		}
		if err := need(len(m.Action) > 0, "action"); err != nil {
			return err
		}
		// A relayed action carries its resulting state and sequence
		// number; a remote action requested by an inspector carries neither.
		if len(m.Payload) == 0 {
			return nil
		}
		return need(m.NextActionID > 0, "nextActionId")
	case TypeState, TypeError, TypeDispatch:
		// Answers to GET_REPORT are addressed by report rather than instance.
		if err := need(m.InstanceID != "" || (m.ReportID != "" && m.Type != TypeDispatch), "instanceId"); err != nil {
			return err
		}
		return need(len(m.Payload) > 0, "payload")
	case TypeImport:
		if err := need(m.InstanceID != "", "instanceId"); err != nil {
			return err
		}
		return need(len(m.State) > 0, "state")
	case TypeInitInstance, TypeStart, TypeStop, TypeCommit:
		return need(m.InstanceID != "", "instanceId")
	case TypeUpdate, TypeOpen:
		// UPDATE without an instanceId addresses every instance of the session.
		return nil
	case TypeNA:
		return need(m.InstanceID != "" || m.SessionKey != "", "instanceId or sessionKey")
	case TypeGetReport:
		return need(m.ReportID != "", "reportId")
	case TypeOptions:
		return need(len(m.Options) > 0, "options")
	case TypePageUnloaded:
		return need(m.SessionKey != "", "sessionKey")
	default:
		return relayerrors.Malformed(fmt.Sprintf("unknown type %q", m.Type))
	}
}

// IsInit reports whether the message establishes a baseline for its
// instance: an INIT_INSTANCE announcement or a resend tagged init.
func (m Message) IsInit() bool {
	return m.Type == TypeInitInstance || m.Init
}

// Decode parses and validates a wire record.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, relayerrors.Wrap(err, relayerrors.ErrCodeMalformedMessage, "invalid JSON")
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Encode validates and serializes a message.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Expect returns an error unless the message carries the given source.
func Expect(m Message, want Source) error {
	if m.Source != want {
		return relayerrors.UnexpectedSource(string(m.Source), string(want))
	}
	return nil
}

// Raw marshals v into a RawMessage. It returns nil for a nil v.
func Raw(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// NA builds a "no instrumented application" signal for a session.
func NA(source Source, sessionKey, instanceID string) Message {
	return Message{Type: TypeNA, Source: source, SessionKey: sessionKey, InstanceID: instanceID}
}

// WithInit returns a copy of m tagged as an initialization resend.
func WithInit(m Message) Message {
	m.Init = true
	return m
}

// Retag returns a copy of m carrying a different source.
func Retag(m Message, source Source) Message {
	m.Source = source
	return m
}
