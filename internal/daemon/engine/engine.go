// Package engine runs the routing hub: a router driven by a single
// event loop, with its events fed into the store.
package engine

import (
	"context"

	"github.com/grovetools/devrelay/internal/daemon/store"
	"github.com/grovetools/devrelay/pkg/channel"
	"github.com/grovetools/devrelay/pkg/reactor"
	"github.com/grovetools/devrelay/pkg/router"
	"github.com/sirupsen/logrus"
)

// Engine owns the router and the loop it runs on. Everything touching the
// router goes through Do or the loop's executor.
type Engine struct {
	loop   *reactor.Loop
	router *router.Router
	store  *store.Store
	logger *logrus.Entry
}

// New creates an Engine. reports may be nil to disable shared reports.
func New(st *store.Store, reports *router.ReportStore, logger *logrus.Entry) *Engine {
	rt := router.New(router.Config{
		Reports: reports,
		Logger:  logger.WithField("component", "router"),
	})
	rt.Subscribe(st.Publish)
	return &Engine{
		loop:   reactor.NewLoop(),
		router: rt,
		store:  st,
		logger: logger,
	}
}

// Start runs the loop and blocks until ctx is canceled.
func (e *Engine) Start(ctx context.Context) {
	e.logger.Info("Starting router loop")
	e.loop.Run(ctx)
}

// Executor returns the loop. Channels feeding the router must deliver on it.
func (e *Engine) Executor() reactor.Executor {
	return e.loop
}

// Do runs fn on the loop and waits for it.
func (e *Engine) Do(ctx context.Context, fn func(*router.Router)) error {
	return reactor.Call(ctx, e.loop, func() { fn(e.router) })
}

// ServeBridge attaches ch as the bridge of key. start runs once the
// handlers are installed.
func (e *Engine) ServeBridge(key string, ch channel.Channel, start func()) {
	e.loop.Post(func() {
		e.router.ServeBridge(key, ch)
		start()
	})
}

// ServeViewer connects ch as the inspector of key.
func (e *Engine) ServeViewer(key string, ch channel.Channel, start func()) {
	e.loop.Post(func() {
		e.router.ServeViewer(key, ch)
		start()
	})
}

// Sessions lists the router's sessions.
func (e *Engine) Sessions(ctx context.Context) ([]router.SessionInfo, error) {
	var out []router.SessionInfo
	err := e.Do(ctx, func(r *router.Router) { out = r.Sessions() })
	return out, err
}

// ShareReport stores the cached state of an instance as a report.
func (e *Engine) ShareReport(ctx context.Context, key, instanceID string) (string, error) {
	var (
		id    string
		share error
	)
	if err := e.Do(ctx, func(r *router.Router) { id, share = r.ShareReport(key, instanceID) }); err != nil {
		return "", err
	}
	return id, share
}

// Reports returns the report store, if any. It is safe for concurrent use.
func (e *Engine) Reports() *router.ReportStore {
	return e.router.Reports()
}

// Store returns the engine's event store.
func (e *Engine) Store() *store.Store {
	return e.store
}
