package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/grovetools/devrelay/config"
	"github.com/spf13/cobra"
)

// hubURL resolves the hub address: the --hub flag, then bridge.hub_url,
// then the local socket.
func hubURL(cmd *cobra.Command, cfg *config.Config) string {
	if url, _ := cmd.Flags().GetString("hub"); url != "" {
		return url
	}
	if cfg.Bridge.HubURL != "" {
		return cfg.Bridge.HubURL
	}
	return "unix://" + cfg.Hub.Socket
}

func addHubFlag(cmd *cobra.Command) {
	cmd.Flags().String("hub", "", "Hub URL (unix:///path/hub.sock or ws://host:port)")
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}
