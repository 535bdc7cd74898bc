package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/grovetools/devrelay/cli"
	"github.com/grovetools/devrelay/pkg/lifted"
	"github.com/grovetools/devrelay/pkg/message"
	"github.com/grovetools/devrelay/pkg/router"
	"github.com/grovetools/devrelay/pkg/viewer"
)

// printEvent writes one routing event as a line.
func printEvent(w io.Writer, e router.Event, asJSON bool) {
	if asJSON {
		data, _ := json.Marshal(e)
		fmt.Fprintln(w, string(data))
		return
	}

	parts := []string{
		cli.Styles.Muted.Render(e.Time.Local().Format("15:04:05.000")),
		cli.Styles.Command.Render(e.SessionKey),
		string(e.Kind),
	}
	if e.InstanceID != "" {
		parts = append(parts, "instance="+e.InstanceID)
	}
	if e.Type != "" {
		parts = append(parts, "type="+string(e.Type))
	}
	if e.Direction != "" {
		parts = append(parts, cli.Styles.Muted.Render(e.Direction))
	}
	fmt.Fprintln(w, strings.Join(parts, " "))
}

// describeViewerEvent renders an inspector event, or "" for events not
// worth a line.
func describeViewerEvent(v *viewer.Viewer, e viewer.Event) string {
	label := cli.Styles.Command.Render(e.InstanceID)
	if name := v.Name(e.InstanceID); name != "" {
		label += " " + cli.Styles.Muted.Render("("+name+")")
	}

	switch e.Kind {
	case viewer.EventStatus:
		style := cli.Styles.Muted
		if e.Status == viewer.StatusUnavailable {
			style = cli.Styles.Error
		}
		return style.Render(fmt.Sprintf("[%s]", e.Status))
	case viewer.EventInstance:
		if e.Message.Type == message.TypeNA {
			if e.InstanceID == "" {
				return ""
			}
			return fmt.Sprintf("%s gone", label)
		}
		return fmt.Sprintf("%s announced", label)
	case viewer.EventState:
		return fmt.Sprintf("%s state %s", label, currentState(v, e.InstanceID))
	case viewer.EventAction:
		var entry lifted.Entry
		actionType := "?"
		if json.Unmarshal(e.Message.Action, &entry) == nil {
			actionType = entry.Action.Type
		}
		return fmt.Sprintf("%s #%d %s -> %s", label, e.Message.NextActionID-1,
			cli.Styles.Flag.Render(actionType), currentState(v, e.InstanceID))
	case viewer.EventError:
		var text string
		if json.Unmarshal(e.Message.Payload, &text) != nil {
			text = string(e.Message.Payload)
		}
		if e.InstanceID == "" {
			label = cli.Styles.Command.Render("report " + e.Message.ReportID)
		}
		return fmt.Sprintf("%s %s %s", label, cli.Styles.Error.Render("error:"), text)
	case viewer.EventReport:
		var s lifted.State
		if err := json.Unmarshal(e.Message.Payload, &s); err != nil || s.Validate() != nil {
			return fmt.Sprintf("report %s: unreadable state", e.Message.ReportID)
		}
		return fmt.Sprintf("%s %s state %s", cli.Styles.Command.Render("report "+e.Message.ReportID),
			cli.Styles.Muted.Render(e.Message.Name), render(s.Current().State))
	}
	return ""
}

func currentState(v *viewer.Viewer, instanceID string) string {
	s, ok := v.Mirror(instanceID)
	if !ok {
		return "<unknown>"
	}
	return render(s.Current().State)
}

// render prints a state as truncated JSON.
func render(state any) string {
	data, err := json.Marshal(state)
	if err != nil {
		return "<unprintable>"
	}
	const limit = 200
	if len(data) > limit {
		return string(data[:limit]) + "…"
	}
	return string(data)
}
