// Package store keeps the hub's routing-event feed: a bounded history of
// recent events, per-kind counters and live subscriptions.
package store

import (
	"time"

	"github.com/grovetools/devrelay/pkg/router"
)

// DefaultHistory is the number of recent events kept for new subscribers.
const DefaultHistory = 256

// Stats summarizes the feed since the hub started.
type Stats struct {
	StartedAt time.Time                `json:"startedAt"`
	Total     int                      `json:"total"`
	ByKind    map[router.EventKind]int `json:"byKind"`
}
