// Package pidfile manages the hub's PID file.
package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	relayerrors "github.com/grovetools/devrelay/errors"
)

// Acquire claims path for the current process. The file is created
// exclusively, so two hubs started together cannot both win; a file left
// by a dead hub is replaced.
func Acquire(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return relayerrors.Wrap(err, relayerrors.ErrCodeInternal, "failed to create pid directory")
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				return relayerrors.Wrap(werr, relayerrors.ErrCodeInternal, "failed to write pid file")
			}
			return nil
		}
		if !os.IsExist(err) {
			return relayerrors.Wrap(err, relayerrors.ErrCodeInternal, "failed to create pid file")
		}

		if pid, rerr := Read(path); rerr == nil && Alive(pid) {
			return relayerrors.New(relayerrors.ErrCodeHubRunning, "hub already running").WithDetail("pid", pid)
		}
		_ = os.Remove(path)
	}
	return relayerrors.New(relayerrors.ErrCodeHubRunning, "pid file is contended").WithDetail("path", path)
}

// Release removes the PID file if it still names this process.
func Release(path string) error {
	pid, err := Read(path)
	if err != nil || pid != os.Getpid() {
		return nil
	}
	return os.Remove(path)
}

// Read returns the PID from the file.
func Read(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(content)))
}

// IsRunning checks if the hub described by the pidfile is active.
func IsRunning(path string) (bool, int, error) {
	pid, err := Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	return Alive(pid), pid, nil
}

// Alive reports whether a process exists. Signal 0 probes without
// delivering anything; EPERM still means the process exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || os.IsPermission(err)
}

// Stop sends SIGTERM to the hub and waits up to timeout for it to exit.
func Stop(path string, timeout time.Duration) (int, error) {
	running, pid, err := IsRunning(path)
	if err != nil {
		return 0, err
	}
	if !running {
		return 0, relayerrors.New(relayerrors.ErrCodeHubNotRunning, "hub is not running")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return pid, err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return pid, relayerrors.Wrap(err, relayerrors.ErrCodeInternal, "failed to signal hub").WithDetail("pid", pid)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return pid, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return pid, relayerrors.New(relayerrors.ErrCodeInternal, "hub did not exit").WithDetail("pid", pid)
}
