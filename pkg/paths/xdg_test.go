package paths

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPortableHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("DEVRELAY_HOME", home)

	assert.Equal(t, filepath.Join(home, "config"), ConfigDir())
	assert.Equal(t, filepath.Join(home, "run", "hub.sock"), SocketPath())
	assert.Equal(t, filepath.Join(home, "state", "hub.pid"), PidFilePath())
	assert.Equal(t, filepath.Join(home, "data", "reports"), ReportsDir())

	assert.NoError(t, EnsureDirs())
	assert.DirExists(t, ReportsDir())
}

func TestXDGOverrides(t *testing.T) {
	t.Setenv("DEVRELAY_HOME", "")
	t.Setenv("XDG_STATE_HOME", "/tmp/xdg-state")
	t.Setenv("XDG_RUNTIME_DIR", "/tmp/xdg-run")

	assert.Equal(t, "/tmp/xdg-state/devrelay/journal.jsonl", JournalPath())
	assert.Equal(t, "/tmp/xdg-run/devrelay/hub.sock", SocketPath())
}
