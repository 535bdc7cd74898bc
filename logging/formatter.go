package logging

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"
)

var (
	componentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	levelStyles    = map[logrus.Level]lipgloss.Style{
		logrus.DebugLevel: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		logrus.WarnLevel:  lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		logrus.ErrorLevel: lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	}
)

// leadingFields are printed first, in this order, when present.
var leadingFields = []string{"session", "instance", "conn"}

// TextFormatter prints one line per entry:
//
//	15:04:05.000 INFO  [router] Viewer superseded session=tab-1 instance=counter
type TextFormatter struct {
	// Compact drops the timestamp and the component.
	Compact bool
}

// Format renders a single log entry.
func (f *TextFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b strings.Builder

	if !f.Compact {
		b.WriteString(entry.Time.Format("15:04:05.000"))
		b.WriteByte(' ')
	}

	level := strings.ToUpper(entry.Level.String())
	if entry.Level == logrus.WarnLevel {
		level = "WARN"
	}
	if style, ok := levelStyles[entry.Level]; ok {
		level = style.Render(level)
	}
	fmt.Fprintf(&b, "%-5s", level)

	if component, ok := entry.Data["component"]; ok && !f.Compact {
		fmt.Fprintf(&b, " [%s]", componentStyle.Render(fmt.Sprint(component)))
	}
	if entry.HasCaller() {
		fmt.Fprintf(&b, " (%s:%d)", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}

	b.WriteByte(' ')
	b.WriteString(entry.Message)

	seen := map[string]bool{"component": true}
	for _, key := range leadingFields {
		if v, ok := entry.Data[key]; ok {
			fmt.Fprintf(&b, " %s=%v", key, v)
			seen[key] = true
		}
	}
	rest := make([]string, 0, len(entry.Data))
	for key := range entry.Data {
		if !seen[key] {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	for _, key := range rest {
		fmt.Fprintf(&b, " %s=%v", key, entry.Data[key])
	}

	b.WriteByte('\n')
	return []byte(b.String()), nil
}
