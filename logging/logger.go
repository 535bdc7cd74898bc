// Package logging builds the per-component logrus loggers used across
// devrelay.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/grovetools/devrelay/config"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex
)

// NewLogger returns the logger for component, configured from the
// `logging` section of the nearest devrelay.yml. Loggers are cached per
// component.
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if entry, ok := loggers[component]; ok {
		return entry
	}

	var logCfg Config
	if cfg, err := config.LoadDefault(); err == nil {
		if err := cfg.UnmarshalExtension("logging", &logCfg); err != nil {
			logrus.Warnf("Ignoring invalid 'logging' section: %v", err)
		}
	}

	entry := newLogger(component, logCfg, os.Stderr)
	loggers[component] = entry
	return entry
}

func newLogger(component string, logCfg Config, stderr *os.File) *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(levelOf(logCfg))
	logger.SetReportCaller(logCfg.Caller || os.Getenv("DEVRELAY_LOG_CALLER") == "true")

	switch logCfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "compact":
		logger.SetFormatter(&TextFormatter{Compact: true})
	default:
		logger.SetFormatter(&TextFormatter{})
	}

	var sinks []io.Writer
	if logCfg.File != "" {
		if file, err := openLogFile(logCfg.File); err != nil {
			logger.WithError(err).Warn("Log file disabled")
		} else {
			sinks = append(sinks, file)
		}
	}
	if toStderr(logCfg.Stderr, logger.GetLevel(), stderr) {
		sinks = append(sinks, stderr)
	}
	switch len(sinks) {
	case 0:
		logger.SetOutput(io.Discard)
	case 1:
		logger.SetOutput(sinks[0])
	default:
		logger.SetOutput(io.MultiWriter(sinks...))
	}

	return logger.WithField("component", component)
}

func levelOf(logCfg Config) logrus.Level {
	name := logCfg.Level
	if env := os.Getenv("DEVRELAY_LOG_LEVEL"); env != "" {
		name = env
	}
	if level, err := logrus.ParseLevel(name); err == nil {
		return level
	}
	return logrus.InfoLevel
}

func openLogFile(path string) (*os.File, error) {
	if rest, ok := strings.CutPrefix(path, "~"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, rest)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// toStderr resolves the stderr mode. Auto sends logs to a terminal only
// when debugging and always to a pipe or file.
func toStderr(mode string, level logrus.Level, stderr *os.File) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	if level >= logrus.DebugLevel {
		return true
	}
	return !isatty.IsTerminal(stderr.Fd()) && !isatty.IsCygwinTerminal(stderr.Fd())
}
