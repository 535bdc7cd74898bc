package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/grovetools/devrelay/cli"
	"github.com/grovetools/devrelay/internal/daemon/engine"
	"github.com/grovetools/devrelay/internal/daemon/pidfile"
	"github.com/grovetools/devrelay/internal/daemon/server"
	"github.com/grovetools/devrelay/internal/daemon/store"
	"github.com/grovetools/devrelay/pkg/hubclient"
	"github.com/grovetools/devrelay/pkg/paths"
	"github.com/grovetools/devrelay/pkg/router"
	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// NewHubCmd returns the hub command with its lifecycle subcommands.
func NewHubCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run and inspect the routing hub",
		Long:  "The hub routes messages between instrumented applications and inspectors, keyed by session.",
	}

	cmd.AddCommand(newHubStartCmd())
	cmd.AddCommand(newHubStopCmd())
	cmd.AddCommand(newHubStatusCmd())
	cmd.AddCommand(newHubJournalCmd())

	return cmd
}

func newHubStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the hub in the foreground",
		Long: `Start the hub in the foreground. It listens on the unix socket from
hub.socket and, when hub.listen is set, on that TCP address too.

Examples:
  devrelay hub start
  devrelay hub start --listen 127.0.0.1:8765`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
				cfg.Hub.Listen = listen
			}
			logger := cli.GetLogger(cmd, "hub")

			if err := paths.EnsureDirs(); err != nil {
				return fmt.Errorf("failed to create directories: %w", err)
			}

			pidPath := paths.PidFilePath()
			if err := pidfile.Acquire(pidPath); err != nil {
				return err
			}
			defer func() {
				if err := pidfile.Release(pidPath); err != nil {
					logger.Errorf("Failed to release pidfile: %v", err)
				}
			}()

			var journal *store.Journal
			if cfg.Hub.Journal != "off" {
				if journal, err = store.OpenJournal(cfg.Hub.Journal); err != nil {
					return err
				}
			}
			st := store.New(0, journal)
			defer st.Close()

			eng := engine.New(st, router.NewReportStore(cfg.Hub.ReportsDir), logger)
			srv := server.New(eng, &server.RunningConfig{
				Socket:       cfg.Hub.Socket,
				Listen:       cfg.Hub.Listen,
				ReportsDir:   cfg.Hub.ReportsDir,
				Journal:      cfg.Hub.Journal,
				PingInterval: cfg.Hub.PingInterval,
				StartedAt:    time.Now(),
			}, logger)

			g, gctx := errgroup.WithContext(cmd.Context())

			g.Go(func() error {
				eng.Start(gctx)
				return nil
			})
			g.Go(func() error {
				return srv.ListenAndServe(cfg.Hub.Socket, cfg.Hub.Listen)
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("Received stop signal")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			logger.WithField("pid", os.Getpid()).Info("Starting hub")
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("hub error: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().String("listen", "", "Additional TCP address to serve, e.g. 127.0.0.1:8765")
	return cmd
}

func newHubStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			pid, err := pidfile.Stop(paths.PidFilePath(), timeout)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stopped hub (PID %d)\n", pid)
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 5*time.Second, "How long to wait for the hub to exit")
	return cmd
}

// hubStatus is the output of `hub status`.
type hubStatus struct {
	Running  bool                 `json:"running"`
	PID      int                  `json:"pid,omitempty"`
	Socket   string               `json:"socket"`
	Sessions []router.SessionInfo `json:"sessions,omitempty"`
}

func newHubStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check hub status and list sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			running, pid, err := pidfile.IsRunning(paths.PidFilePath())
			if err != nil {
				return err
			}

			status := hubStatus{Running: running, PID: pid, Socket: cfg.Hub.Socket}
			if running {
				client, err := hubclient.New(hubURL(cmd, cfg))
				if err != nil {
					return err
				}
				defer client.Close()
				if status.Sessions, err = client.Sessions(cmd.Context()); err != nil {
					return err
				}
			}

			if cli.GetOptions(cmd).JSONOutput {
				return printJSON(cmd.OutOrStdout(), status)
			}
			printHubStatus(cmd.OutOrStdout(), status)
			if !running {
				os.Exit(1) // Return non-zero for stopped state (useful for scripts)
			}
			return nil
		},
	}
	addHubFlag(cmd)
	return cmd
}

func printHubStatus(w io.Writer, s hubStatus) {
	if !s.Running {
		fmt.Fprintln(w, "Stopped")
		return
	}
	fmt.Fprintf(w, "Running (PID: %d)\nSocket: %s\n", s.PID, s.Socket)
	for _, sess := range s.Sessions {
		fmt.Fprintf(w, "\n%s  inspector=%t bridge=%t\n", cli.Styles.Command.Render(sess.Key), sess.Viewer, sess.Bridge)
		for _, inst := range sess.Instances {
			fmt.Fprintf(w, "  %s %s next=%d cached=%t\n", inst.ID, cli.Styles.Muted.Render(inst.Name), inst.NextActionID, inst.Cached)
		}
	}
}

func newHubJournalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Print the hub's routing journal",
		Long: `Print routing events recorded by the hub.

Examples:
  devrelay hub journal -n 50
  devrelay hub journal --follow`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Hub.Journal == "off" {
				return fmt.Errorf("the journal is disabled (hub.journal: off)")
			}
			lines, _ := cmd.Flags().GetInt("lines")
			follow, _ := cmd.Flags().GetBool("follow")
			asJSON := cli.GetOptions(cmd).JSONOutput
			out := cmd.OutOrStdout()

			if f, err := os.Open(cfg.Hub.Journal); err == nil {
				events, err := store.ReadJournal(f, lines)
				f.Close()
				if err != nil {
					return err
				}
				for _, e := range events {
					printEvent(out, e, asJSON)
				}
			} else if !os.IsNotExist(err) || !follow {
				return fmt.Errorf("failed to open journal: %w", err)
			}

			if !follow {
				return nil
			}
			return followJournal(cmd.Context(), out, cfg.Hub.Journal, asJSON)
		},
	}
	cmd.Flags().IntP("lines", "n", 20, "Number of recent events to print (0 for all)")
	cmd.Flags().BoolP("follow", "f", false, "Keep printing new events")
	return cmd
}

// followJournal prints events appended to path until ctx ends. The file
// may not exist yet and may be recreated by a restarted hub.
func followJournal(ctx context.Context, w io.Writer, path string, asJSON bool) error {
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to follow journal: %w", err)
	}
	defer t.Cleanup()

	for {
		select {
		case <-ctx.Done():
			return t.Stop()
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				continue
			}
			e, err := store.ParseLine([]byte(line.Text))
			if err != nil {
				continue
			}
			printEvent(w, e, asJSON)
		}
	}
}
