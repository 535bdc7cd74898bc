package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/grovetools/devrelay/cli"
	"github.com/grovetools/devrelay/config"
	"github.com/grovetools/devrelay/pkg/bridge"
	"github.com/grovetools/devrelay/pkg/channel"
	"github.com/grovetools/devrelay/pkg/instrument"
	"github.com/grovetools/devrelay/pkg/lifted"
	"github.com/grovetools/devrelay/pkg/options"
	"github.com/grovetools/devrelay/pkg/paths"
	"github.com/grovetools/devrelay/pkg/reactor"
	"github.com/grovetools/devrelay/pkg/transport/ws"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewDemoCmd returns a command running an instrumented counter.
func NewDemoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run an instrumented counter application",
		Long: `Run a small counter application instrumented for relaying. It increments
on a timer and accepts increment(), decrement() and add(n) as remote actions.

Examples:
  devrelay demo --session tab-1
  devrelay demo --session tab-1 --interval 500ms`,
		RunE: runDemo,
	}
	cmd.Flags().String("session", "", "Session key (default demo-<pid>)")
	cmd.Flags().String("instance", "counter", "Instance id")
	cmd.Flags().Duration("interval", 2*time.Second, "Auto-increment period (0 disables)")
	addHubFlag(cmd)
	return cmd
}

// counterReducer counts INCREMENT, DECREMENT and ADD actions.
func counterReducer(state any, a lifted.Action) (any, error) {
	n, _ := state.(float64)
	switch a.Type {
	case "INCREMENT":
		return n + 1, nil
	case "DECREMENT":
		return n - 1, nil
	case "ADD":
		by, ok := a.Payload.(float64)
		if !ok {
			return nil, fmt.Errorf("ADD needs a numeric payload, got %v", a.Payload)
		}
		return n + by, nil
	}
	return n, nil
}

func counterCreators() *instrument.ActionCreators {
	creators := instrument.NewActionCreators()
	creators.Register("increment", instrument.Creator{
		Build: func([]any) (lifted.Action, error) { return lifted.Action{Type: "INCREMENT"}, nil },
	})
	creators.Register("decrement", instrument.Creator{
		Build: func([]any) (lifted.Action, error) { return lifted.Action{Type: "DECREMENT"}, nil },
	})
	creators.Register("add", instrument.Creator{
		Args: []instrument.ArgKind{instrument.ArgNumber},
		Build: func(args []any) (lifted.Action, error) {
			if len(args) == 0 {
				return lifted.Action{}, fmt.Errorf("add needs an amount")
			}
			return lifted.Action{Type: "ADD", Payload: args[0]}, nil
		},
	})
	return creators
}

// demoApp is a counter wired to a bridge through an in-process pipe.
// It must be driven from exec.
type demoApp struct {
	bridge *bridge.Bridge
	inst   *instrument.Instrumentor
}

func newDemoApp(exec reactor.Executor, session, instanceID string, filter config.FilterOptions, logger *logrus.Entry) (*demoApp, error) {
	b := bridge.New(bridge.Config{SessionKey: session, Logger: logger})
	appEnd, pageEnd := channel.Pipe(exec, exec)
	b.AttachPage(pageEnd)

	inst, err := instrument.New(counterReducer, float64(0), appEnd, instrument.Config{
		InstanceID: instanceID,
		Name:       "Counter",
		Filter:     instrument.FromOptions(filter, instrument.FilterConfig{}),
		Creators:   counterCreators(),
		Executor:   exec,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	inst.Bind(appEnd)
	return &demoApp{bridge: b, inst: inst}, nil
}

func runDemo(cmd *cobra.Command, args []string) error {
	cfg, err := cli.LoadConfig(cmd)
	if err != nil {
		return err
	}
	session, _ := cmd.Flags().GetString("session")
	if session == "" {
		session = fmt.Sprintf("demo-%d", os.Getpid())
	}
	instanceID, _ := cmd.Flags().GetString("instance")
	interval, _ := cmd.Flags().GetDuration("interval")
	logger := cli.GetLogger(cmd, "demo").WithField("session", session)
	ctx := cmd.Context()

	// The loop outlives ctx so the unload notice can still be sent.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loop := reactor.NewLoop()
	go loop.Run(loopCtx)

	var app *demoApp
	if err := reactor.Call(ctx, loop, func() {
		app, err = newDemoApp(loop, session, instanceID, cfg.Filter, logger)
	}); err != nil {
		return err
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Instrumented %s in session %s\n",
		cli.Styles.Command.Render(instanceID), cli.Styles.Command.Render(session))

	optionsFile := cfg.Bridge.OptionsFile
	if optionsFile == "" {
		optionsFile = paths.OptionsPath()
	}
	if watcher, err := options.NewWatcher(optionsFile, options.DefaultDebounce, func(_ config.FilterOptions, raw json.RawMessage) {
		loop.Post(func() {
			if err := app.bridge.SetOptions(raw); err != nil {
				logger.WithError(err).Warn("Rejected options")
			}
		})
	}); err != nil {
		logger.WithError(err).Warn("Options file will not be watched")
	} else {
		go watcher.Start(ctx)
	}

	if interval > 0 {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					loop.Post(func() { app.inst.Dispatch(lifted.Action{Type: "INCREMENT"}) })
				}
			}
		}()
	}

	connCtx, stopConn := context.WithCancel(context.Background())
	defer stopConn()
	var current *ws.Conn
	maintained := make(chan error, 1)
	go func() {
		maintained <- ws.Maintain(connCtx, ws.RedialConfig{
			HubURL: hubURL(cmd, cfg),
			Path:   "/ws/bridge",
			Query:  url.Values{"session": {session}},
			Options: ws.Options{
				Executor:     loop,
				PingInterval: cfg.Hub.PingInterval,
				Logger:       logger,
			},
			InitialDelay: cfg.Bridge.ReconnectDelay,
			OnDialError: func(err error, retryIn time.Duration) {
				logger.WithError(err).Debugf("Hub unreachable, retrying in %s", retryIn)
			},
		}, func(conn *ws.Conn) {
			loop.Post(func() {
				logger.Info("Connected to hub")
				current = conn
				app.bridge.SetHub(conn)
				conn.Start()
			})
		})
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var last *ws.Conn
	_ = reactor.Call(shutdownCtx, loop, func() {
		app.bridge.Unload()
		app.inst.Close()
		if app.bridge.Connected() {
			last = current
		}
	})
	if last != nil && !last.Drain(time.Second) {
		logger.Debug("Unload notice may not have reached the hub")
	}
	stopConn()
	return ignoreCanceled(<-maintained)
}
