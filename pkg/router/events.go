package router

import (
	"time"

	"github.com/grovetools/devrelay/pkg/message"
)

// EventKind names a routing event.
type EventKind string

const (
	EventViewerConnected  EventKind = "viewer_connected"
	EventViewerSuperseded EventKind = "viewer_superseded"
	EventViewerDetached   EventKind = "viewer_detached"
	EventBridgeAttached   EventKind = "bridge_attached"
	EventBridgeDetached   EventKind = "bridge_detached"
	EventInstanceAdded    EventKind = "instance_added"
	EventInstanceRemoved  EventKind = "instance_removed"
	EventPageUnloaded     EventKind = "page_unloaded"
	EventUnavailable      EventKind = "unavailable"
	EventRouted           EventKind = "routed"
	EventOpen             EventKind = "open"
)

// Event describes something the router did. Events are delivered to
// subscribers synchronously, on the router's executor.
type Event struct {
	Kind       EventKind    `json:"kind"`
	Time       time.Time    `json:"time"`
	SessionKey string       `json:"sessionKey"`
	InstanceID string       `json:"instanceId,omitempty"`
	Type       message.Type `json:"type,omitempty"`
	// Direction is "up" for bridge to viewer traffic, "down" otherwise.
	Direction string `json:"direction,omitempty"`
}

// Subscribe registers fn for every subsequent event.
func (r *Router) Subscribe(fn func(Event)) {
	r.subscribers = append(r.subscribers, fn)
}

func (r *Router) emit(e Event) {
	e.Time = r.clock.Now()
	for _, fn := range r.subscribers {
		fn(e)
	}
}
