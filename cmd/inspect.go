package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grovetools/devrelay/cli"
	"github.com/grovetools/devrelay/pkg/lifted"
	"github.com/grovetools/devrelay/pkg/reactor"
	"github.com/grovetools/devrelay/pkg/transport/ws"
	"github.com/grovetools/devrelay/pkg/viewer"
	"github.com/spf13/cobra"
)

// NewInspectCmd returns the inspector command.
func NewInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Attach an inspector to a session and follow its instances",
		Long: `Attach an inspector to a session. Every relayed state and action is
printed as it arrives. Commands read from stdin are sent to the application:

  start <id> | stop <id> | refresh [id] | open <id>
  commit <id> | reset <id> | rollback <id> | sweep <id>
  jump <id> <index> | toggle <id> <actionId>
  action <id> <expr>      e.g. action counter add(5)
  report <reportId>

Examples:
  devrelay inspect --session tab-1
  echo "action counter add(2)" | devrelay inspect --session tab-1`,
		RunE: runInspect,
	}
	cmd.Flags().String("session", "", "Session key to inspect")
	cmd.MarkFlagRequired("session")
	addHubFlag(cmd)
	return cmd
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := cli.LoadConfig(cmd)
	if err != nil {
		return err
	}
	session, _ := cmd.Flags().GetString("session")
	logger := cli.GetLogger(cmd, "inspect").WithField("session", session)
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	loop := reactor.NewLoop()
	go loop.Run(ctx)

	v := viewer.New(viewer.Config{SessionKey: session, Logger: logger})
	v.OnEvent(func(e viewer.Event) {
		if line := describeViewerEvent(v, e); line != "" {
			fmt.Fprintln(out, line)
		}
	})

	go readInspectorCommands(ctx, os.Stdin, loop, v, cmd.ErrOrStderr())

	return ignoreCanceled(ws.Maintain(ctx, ws.RedialConfig{
		HubURL: hubURL(cmd, cfg),
		Path:   "/ws/viewer",
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
			v.Attach(conn)
			conn.Start()
		})
	}))
}

// readInspectorCommands runs stdin commands on the viewer's loop.
func readInspectorCommands(ctx context.Context, in io.Reader, loop reactor.Executor, v *viewer.Viewer, errOut io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		run, err := parseInspectorCommand(line)
		if err != nil {
			fmt.Fprintln(errOut, cli.Styles.Error.Render(err.Error()))
			continue
		}
		loop.Post(func() {
			if err := run(v); err != nil {
				fmt.Fprintln(errOut, cli.Styles.Error.Render(err.Error()))
			}
		})
	}
}

// parseInspectorCommand turns one stdin line into a viewer call.
func parseInspectorCommand(line string) (func(*viewer.Viewer) error, error) {
	fields := strings.Fields(line)
	verb, args := fields[0], fields[1:]

	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s: expected %d argument(s)", verb, n)
		}
		return nil
	}
	history := func(cmd lifted.Command) (func(*viewer.Viewer) error, error) {
		if err := need(1); err != nil {
			return nil, err
		}
		id := args[0]
		return func(v *viewer.Viewer) error { return v.Dispatch(id, cmd) }, nil
	}
	intArg := func(i int) (int, error) {
		if err := need(i + 1); err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(args[i])
		if err != nil {
			return 0, fmt.Errorf("%s: %q is not a number", verb, args[i])
		}
		return n, nil
	}

	switch verb {
	case "start", "stop", "open":
		if err := need(1); err != nil {
			return nil, err
		}
		id := args[0]
		return func(v *viewer.Viewer) error {
			switch verb {
			case "start":
				return v.Start(id)
			case "stop":
				return v.Stop(id)
			default:
				return v.Open(id)
			}
		}, nil
	case "refresh":
		id := ""
		if len(args) > 0 {
			id = args[0]
		}
		return func(v *viewer.Viewer) error { return v.Refresh(id) }, nil
	case "commit":
		return history(lifted.Command{Type: lifted.CommandCommit})
	case "reset":
		return history(lifted.Command{Type: lifted.CommandReset})
	case "rollback":
		return history(lifted.Command{Type: lifted.CommandRollback})
	case "sweep":
		return history(lifted.Command{Type: lifted.CommandSweep})
	case "jump":
		index, err := intArg(1)
		if err != nil {
			return nil, err
		}
		return history(lifted.Command{Type: lifted.CommandJumpToState, Index: index})
	case "toggle":
		actionID, err := intArg(1)
		if err != nil {
			return nil, err
		}
		return history(lifted.Command{Type: lifted.CommandToggleAction, ActionID: actionID})
	case "action":
		if err := need(2); err != nil {
			return nil, err
		}
		id, expr := args[0], strings.Join(args[1:], " ")
		return func(v *viewer.Viewer) error { return v.RemoteAction(id, expr) }, nil
	case "report":
		if err := need(1); err != nil {
			return nil, err
		}
		id := args[0]
		return func(v *viewer.Viewer) error { return v.GetReport(id) }, nil
	}
	return nil, fmt.Errorf("unknown command %q", verb)
}

func ignoreCanceled(err error) error {
	if err == context.Canceled {
		return nil
	}
	return err
}
