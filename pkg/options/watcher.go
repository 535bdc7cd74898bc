// Package options watches a filter options file and hands every valid
// revision to a callback, typically a bridge pushing OPTIONS to its page.
package options

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/grovetools/devrelay/config"
	relayerrors "github.com/grovetools/devrelay/errors"
	"github.com/grovetools/devrelay/logging"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce is used when NewWatcher is given a non-positive debounce.
const DefaultDebounce = 100 * time.Millisecond

// Load reads and decodes an options file.
func Load(path string) (config.FilterOptions, json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return config.FilterOptions{}, nil, relayerrors.Wrap(err, relayerrors.ErrCodeInvalidInput, "failed to read options file").
			WithDetail("path", path)
	}
	opts, err := config.ParseFilterOptions(data, formatOf(path))
	if err != nil {
		return config.FilterOptions{}, nil, err
	}
	raw, err := opts.Raw()
	if err != nil {
		return config.FilterOptions{}, nil, err
	}
	return opts, raw, nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml"
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

// Watcher reloads an options file when it changes. The callback runs on
// a timer goroutine; callers owning single-threaded state must post to
// their executor.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	target   string // resolved symlink target, if any
	debounce time.Duration
	onChange func(config.FilterOptions, json.RawMessage)
	logger   *logrus.Entry

	mu      sync.Mutex
	pending *time.Timer
	last    string
}

// NewWatcher watches path. The parent directory is watched rather than
// the file so editors that replace the file on save are still seen.
// fsnotify does not follow symlinks, so a linked file's target
// directory is watched as well.
func NewWatcher(path string, debounce time.Duration, onChange func(config.FilterOptions, json.RawMessage)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, relayerrors.Wrap(err, relayerrors.ErrCodeInvalidInput, "failed to watch options directory").
			WithDetail("path", abs)
	}

	logger := logging.NewLogger("options-watcher")
	w := &Watcher{
		watcher:  watcher,
		path:     abs,
		debounce: debounce,
		onChange: onChange,
		logger:   logger.WithField("path", abs),
	}
	if w.debounce <= 0 {
		w.debounce = DefaultDebounce
	}

	if target, err := filepath.EvalSymlinks(abs); err == nil && target != abs {
		w.target = target
		if filepath.Dir(target) != filepath.Dir(abs) {
			if err := watcher.Add(filepath.Dir(target)); err != nil {
				logger.WithError(err).Warnf("Failed to watch symlink target dir %s", filepath.Dir(target))
			}
		}
	}
	return w, nil
}

// Path returns the watched file.
func (w *Watcher) Path() string { return w.path }

// Start loads the current file, if any, and then blocks delivering
// changes until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	if _, err := os.Stat(w.path); err == nil {
		w.reload()
	}

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debugf("fsnotify event: %s op=%v", event.Name, event.Op)
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("Watcher error: %v", err)
		case <-ctx.Done():
			w.Close()
			return
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	name := filepath.Clean(event.Name)
	return name == w.path || (w.target != "" && name == w.target)
}

// schedule coalesces bursts of events into one reload after the
// debounce period.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	opts, raw, err := Load(w.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.logger.WithError(err).Warn("Ignoring invalid options file")
		}
		return
	}

	w.mu.Lock()
	if string(raw) == w.last {
		w.mu.Unlock()
		return
	}
	w.last = string(raw)
	w.mu.Unlock()

	w.logger.WithFields(logrus.Fields{
		"whitelist": opts.Whitelist,
		"blacklist": opts.Blacklist,
	}).Info("Options changed")
	if w.onChange != nil {
		w.onChange(opts, raw)
	}
}

// Close stops the watcher and releases resources.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}
