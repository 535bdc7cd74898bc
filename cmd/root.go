package cmd

import (
	"github.com/grovetools/devrelay/cli"
	"github.com/grovetools/devrelay/logging"
	"github.com/grovetools/devrelay/pkg/profiling"
	"github.com/spf13/cobra"
)

// NewRootCmd assembles the devrelay command tree.
func NewRootCmd() *cobra.Command {
	root := cli.NewStandardCommand(
		"devrelay",
		"Relay application state between instrumented processes and inspectors",
	)
	root.Long = `devrelay relays the state history of instrumented applications through a
routing hub to inspectors attached by session key. Inspectors can replay,
skip and import history, and trigger actions in the application.

Examples:
  devrelay hub start
  devrelay demo --session tab-1
  devrelay inspect --session tab-1`

	profiler := profiling.New(logging.NewLogger("profiling"))
	profiler.AddFlags(root)
	root.PersistentPreRunE = profiler.Start
	root.PersistentPostRun = func(*cobra.Command, []string) { profiler.Stop() }

	root.AddCommand(NewHubCmd())
	root.AddCommand(NewInspectCmd())
	root.AddCommand(NewDemoCmd())
	root.AddCommand(NewSessionsCmd())
	root.AddCommand(NewEventsCmd())
	root.AddCommand(NewReportCmd())
	root.AddCommand(NewConfigCmd())
	root.AddCommand(NewPathsCmd())
	root.AddCommand(cli.NewVersionCommand("devrelay"))
	return root
}

// Execute runs the root command until it finishes or a signal arrives.
// It returns the process exit code.
func Execute() int {
	root := NewRootCmd()
	ctx, stop := signalContext()
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		verbose, _ := root.PersistentFlags().GetBool("verbose")
		cli.NewErrorHandler(verbose, root.ErrOrStderr()).Handle(err)
		return 1
	}
	return 0
}
