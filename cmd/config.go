package cmd

import (
	"fmt"
	"os"

	"github.com/grovetools/devrelay/cli"
	"github.com/grovetools/devrelay/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Display the resolved configuration",
		Long: `Shows the configuration devrelay commands run with: the file found by
--config or by searching upwards from the current directory, merged over
the built-in defaults. This is useful for debugging configuration issues.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if cli.GetOptions(cmd).JSONOutput {
				return printJSON(out, cfg)
			}

			source := cli.GetOptions(cmd).ConfigFile
			if source == "" {
				if cwd, err := os.Getwd(); err == nil {
					source, _ = config.FindConfigFile(cwd)
				}
			}
			if source != "" {
				fmt.Fprintf(out, "# Source: %s\n", source)
			} else {
				fmt.Fprintln(out, "# Source: defaults")
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Fprint(out, string(data))
			return nil
		},
	}
	return cmd
}
