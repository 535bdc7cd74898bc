package router

import (
	"time"

	"github.com/grovetools/devrelay/pkg/channel"
	"github.com/grovetools/devrelay/pkg/lifted"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Connection is the live inspector channel of a session. There is at
// most one per session key.
type Connection struct {
	SessionKey  string
	Channel     channel.Port
	ConnectedAt time.Time

	// naSent is set once the inspector was told no application is
	// attached, and cleared when a bridge attaches.
	naSent bool
}

// StoreHandle is the hub's view of one instrumented instance.
type StoreHandle struct {
	InstanceID string
	Name       string
	CreatedAt  time.Time
	// Mirror caches the instance's lifted state so that a newly
	// connected inspector can be served without a round trip.
	Mirror lifted.Mirror
}

// InstanceRegistry holds the instances of one bridge session in
// creation order.
type InstanceRegistry struct {
	handles *orderedmap.OrderedMap[string, *StoreHandle]
}

// NewInstanceRegistry returns an empty registry.
func NewInstanceRegistry() *InstanceRegistry {
	return &InstanceRegistry{handles: orderedmap.New[string, *StoreHandle]()}
}

// Get returns the handle for id.
func (r *InstanceRegistry) Get(id string) (*StoreHandle, bool) {
	return r.handles.Get(id)
}

// Ensure returns the handle for id, creating it if needed. The second
// result reports whether it was created.
func (r *InstanceRegistry) Ensure(id string, now time.Time) (*StoreHandle, bool) {
	if h, ok := r.handles.Get(id); ok {
		return h, false
	}
	h := &StoreHandle{InstanceID: id, CreatedAt: now}
	r.handles.Set(id, h)
	return h, true
}

// Remove deletes the handle for id.
func (r *InstanceRegistry) Remove(id string) bool {
	_, ok := r.handles.Delete(id)
	return ok
}

// List returns the handles in creation order.
func (r *InstanceRegistry) List() []*StoreHandle {
	out := make([]*StoreHandle, 0, r.handles.Len())
	for pair := r.handles.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Len returns the number of instances.
func (r *InstanceRegistry) Len() int { return r.handles.Len() }

// bridgeEntry is the registered bridge of a session.
type bridgeEntry struct {
	port       channel.Port
	attachedAt time.Time
	instances  *InstanceRegistry
	// naSent is set once the bridge was told no inspector is attached,
	// and cleared when one connects.
	naSent     bool
}
