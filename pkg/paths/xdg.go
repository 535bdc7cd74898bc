// Package paths provides XDG-compliant path resolution for devrelay.
//
// Resolution order:
// 1. DEVRELAY_HOME (portable root) → $DEVRELAY_HOME/{config,data,state,run}
// 2. XDG env vars → $XDG_*_HOME/devrelay
// 3. Platform defaults → ~/.config/devrelay, ~/.local/share/devrelay, etc.
package paths

import (
	"os"
	"path/filepath"
)

const appName = "devrelay"

// base resolves one XDG base directory.
func base(sub, xdgVar string, fallback ...string) string {
	if home := os.Getenv("DEVRELAY_HOME"); home != "" {
		return filepath.Join(home, sub)
	}
	if dir := os.Getenv(xdgVar); dir != "" {
		return filepath.Join(dir, appName)
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(append([]string{homeDir}, append(fallback, appName)...)...)
	}
	return ""
}

// ConfigDir returns the directory holding devrelay.yml and options files.
func ConfigDir() string {
	return base("config", "XDG_CONFIG_HOME", ".config")
}

// DataDir returns the directory for shared reports.
func DataDir() string {
	return base("data", "XDG_DATA_HOME", ".local", "share")
}

// StateDir returns the directory for the pid file and the hub journal.
func StateDir() string {
	return base("state", "XDG_STATE_HOME", ".local", "state")
}

// RuntimeDir returns the directory for the hub socket.
// Uses XDG_RUNTIME_DIR when available, falls back to StateDir.
func RuntimeDir() string {
	if home := os.Getenv("DEVRELAY_HOME"); home != "" {
		return filepath.Join(home, "run")
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, appName)
	}
	return StateDir()
}

// SocketPath returns the hub's unix socket.
func SocketPath() string {
	return filepath.Join(RuntimeDir(), "hub.sock")
}

// PidFilePath returns the hub's PID file.
func PidFilePath() string {
	return filepath.Join(StateDir(), "hub.pid")
}

// JournalPath returns the routing journal written by the hub.
func JournalPath() string {
	return filepath.Join(StateDir(), "journal.jsonl")
}

// ReportsDir returns the directory shared reports are stored in.
func ReportsDir() string {
	return filepath.Join(DataDir(), "reports")
}

// OptionsPath returns the default bridge options file.
func OptionsPath() string {
	return filepath.Join(ConfigDir(), "options.yml")
}

// EnsureDirs creates all devrelay directories if they don't exist.
func EnsureDirs() error {
	for _, dir := range []string{ConfigDir(), DataDir(), StateDir(), RuntimeDir(), ReportsDir()} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
