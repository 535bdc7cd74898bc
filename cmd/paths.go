package cmd

import (
	"github.com/grovetools/devrelay/pkg/paths"
	"github.com/spf13/cobra"
)

// PathsOutput lists the files and directories devrelay uses.
type PathsOutput struct {
	ConfigDir  string `json:"config_dir"`
	DataDir    string `json:"data_dir"`
	StateDir   string `json:"state_dir"`
	Socket     string `json:"socket"`
	PidFile    string `json:"pid_file"`
	Journal    string `json:"journal"`
	ReportsDir string `json:"reports_dir"`
	Options    string `json:"options"`
}

func NewPathsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "paths",
		Short: "Print the paths used by devrelay",
		Long: `Print the paths used by devrelay as JSON, making it easy to parse from
scripts and other tools.

The directories follow the XDG Base Directory Specification:
- config_dir: devrelay.yml and the watched options file
- data_dir: shared reports
- state_dir: the event journal and the hub pid file
- socket: the hub's unix socket, under the runtime dir`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd.OutOrStdout(), PathsOutput{
				ConfigDir:  paths.ConfigDir(),
				DataDir:    paths.DataDir(),
				StateDir:   paths.StateDir(),
				Socket:     paths.SocketPath(),
				PidFile:    paths.PidFilePath(),
				Journal:    paths.JournalPath(),
				ReportsDir: paths.ReportsDir(),
				Options:    paths.OptionsPath(),
			})
		},
	}

	return cmd
}
