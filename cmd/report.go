package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/grovetools/devrelay/cli"
	"github.com/grovetools/devrelay/pkg/hubclient"
	"github.com/grovetools/devrelay/pkg/lifted"
	"github.com/grovetools/devrelay/pkg/router"
	"github.com/spf13/cobra"
)

// NewReportCmd returns the report command: share, get and list.
func NewReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Share and fetch state reports",
		Long:  "A report is a stored copy of an instance's lifted state that can be loaded into any inspector by id.",
	}
	cmd.PersistentFlags().String("hub", "", "Hub URL (unix:///path/hub.sock or ws://host:port)")

	share := &cobra.Command{
		Use:   "share",
		Short: "Store the current state of an instance as a report",
		Long: `Store the last state the hub relayed for an instance and print the
report id.

Examples:
  devrelay report share --session tab-1 --instance counter`,
		RunE: func(cmd *cobra.Command, args []string) error {
			session, _ := cmd.Flags().GetString("session")
			instance, _ := cmd.Flags().GetString("instance")
			return withHubClient(cmd, func(c *hubclient.Client) error {
				id, err := c.ShareReport(cmd.Context(), session, instance)
				if err != nil {
					return err
				}
				if cli.GetOptions(cmd).JSONOutput {
					return printJSON(cmd.OutOrStdout(), map[string]string{"id": id})
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	share.Flags().String("session", "", "Session key")
	share.Flags().String("instance", "", "Instance id")
	share.MarkFlagRequired("session")
	share.MarkFlagRequired("instance")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Print a stored report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHubClient(cmd, func(c *hubclient.Client) error {
				report, err := c.Report(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if cli.GetOptions(cmd).JSONOutput {
					return printJSON(cmd.OutOrStdout(), report)
				}
				return printReport(cmd.OutOrStdout(), report)
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored reports, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHubClient(cmd, func(c *hubclient.Client) error {
				reports, err := c.Reports(cmd.Context())
				if err != nil {
					return err
				}
				if cli.GetOptions(cmd).JSONOutput {
					return printJSON(cmd.OutOrStdout(), reports)
				}
				for _, r := range reports {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s/%s\n",
						cli.Styles.Command.Render(r.ID),
						cli.Styles.Muted.Render(r.CreatedAt.Local().Format("2006-01-02 15:04:05")),
						r.SessionKey, r.InstanceID)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(share, get, list)
	return cmd
}

// NewSessionsCmd lists the sessions the hub knows about.
func NewSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions known to the hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHubClient(cmd, func(c *hubclient.Client) error {
				sessions, err := c.Sessions(cmd.Context())
				if err != nil {
					return err
				}
				if cli.GetOptions(cmd).JSONOutput {
					return printJSON(cmd.OutOrStdout(), sessions)
				}
				printHubStatus(cmd.OutOrStdout(), hubStatus{Running: true, Sessions: sessions})
				return nil
			})
		},
	}
	addHubFlag(cmd)
	return cmd
}

// NewEventsCmd follows the hub's live routing events.
func NewEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Follow routing events as the hub emits them",
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON := cli.GetOptions(cmd).JSONOutput
			return withHubClient(cmd, func(c *hubclient.Client) error {
				events, err := c.Stream(cmd.Context())
				if err != nil {
					return err
				}
				for e := range events {
					printEvent(cmd.OutOrStdout(), e, asJSON)
				}
				return nil
			})
		},
	}
	addHubFlag(cmd)
	return cmd
}

func withHubClient(cmd *cobra.Command, fn func(*hubclient.Client) error) error {
	cfg, err := cli.LoadConfig(cmd)
	if err != nil {
		return err
	}
	client, err := hubclient.New(hubURL(cmd, cfg))
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(client)
}

func printReport(w io.Writer, r router.Report) error {
	var s lifted.State
	if err := json.Unmarshal(r.State, &s); err != nil {
		return fmt.Errorf("report %s holds unreadable state: %w", r.ID, err)
	}
	fmt.Fprintf(w, "Report %s\n", cli.Styles.Command.Render(r.ID))
	fmt.Fprintf(w, "Session:  %s\nInstance: %s %s\n", r.SessionKey, r.InstanceID, cli.Styles.Muted.Render(r.Name))
	fmt.Fprintf(w, "Created:  %s\n", r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Actions:  %d\n", len(s.StagedActionIDs))
	fmt.Fprintf(w, "State:    %s\n", render(s.Current().State))
	return nil
}
