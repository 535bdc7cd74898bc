package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/grovetools/devrelay/pkg/reactor"
	"github.com/grovetools/devrelay/pkg/viewer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInspectorCommand(t *testing.T) {
	valid := []string{
		"start counter",
		"stop counter",
		"open counter",
		"refresh",
		"refresh counter",
		"commit counter",
		"reset counter",
		"rollback counter",
		"sweep counter",
		"jump counter 2",
		"toggle counter 3",
		"action counter add(1, 2)",
		"report 0b5e",
	}
	for _, line := range valid {
		run, err := parseInspectorCommand(line)
		require.NoError(t, err, line)
		assert.NotNil(t, run, line)
	}

	invalid := []string{
		"start",
		"jump counter",
		"jump counter two",
		"action counter",
		"fly counter",
	}
	for _, line := range invalid {
		_, err := parseInspectorCommand(line)
		assert.Error(t, err, line)
	}
}

func TestReadInspectorCommandsReportsErrors(t *testing.T) {
	v := viewer.New(viewer.Config{SessionKey: "tab-1"})
	var errOut bytes.Buffer
	in := strings.NewReader("bogus\n\nstart counter\n")

	readInspectorCommands(context.Background(), in, reactor.Inline{}, v, &errOut)

	// The unknown verb fails to parse; start fails because no hub is attached.
	assert.Contains(t, errOut.String(), `unknown command "bogus"`)
	assert.Contains(t, errOut.String(), "CHANNEL_CLOSED")
}
