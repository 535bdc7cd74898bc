package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	relayerrors "github.com/grovetools/devrelay/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "hub.pid")

	require.NoError(t, Acquire(path))
	running, pid, err := IsRunning(path)
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)

	err = Acquire(path)
	assert.True(t, relayerrors.Is(err, relayerrors.ErrCodeHubRunning))

	require.NoError(t, Release(path))
	running, _, err = IsRunning(path)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestAcquireReplacesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.pid")
	// PIDs are bounded well below this on every supported platform.
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(1<<30)), 0644))

	require.NoError(t, Acquire(path))
	pid, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestReleaseLeavesForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.pid")
	require.NoError(t, os.WriteFile(path, []byte("1"), 0644))

	require.NoError(t, Release(path))
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestStopWithoutHub(t *testing.T) {
	_, err := Stop(filepath.Join(t.TempDir(), "hub.pid"), time.Second)
	assert.True(t, relayerrors.Is(err, relayerrors.ErrCodeHubNotRunning))
	assert.False(t, Alive(0))
}

func TestAcquireReplacesGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.pid")
	require.NoError(t, os.WriteFile(path, []byte("not a pid"), 0644))

	require.NoError(t, Acquire(path))
	pid, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}
