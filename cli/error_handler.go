package cli

import (
	"fmt"
	"io"

	relayerrors "github.com/grovetools/devrelay/errors"
)

// ErrorHandler provides user-friendly error messages
type ErrorHandler struct {
	Verbose bool
	Out     io.Writer
}

// NewErrorHandler creates a new error handler writing to out
func NewErrorHandler(verbose bool, out io.Writer) *ErrorHandler {
	return &ErrorHandler{
		Verbose: verbose,
		Out:     out,
	}
}

// Handle prints a hint for the known error codes and returns err.
func (h *ErrorHandler) Handle(err error) error {
	if err == nil {
		return nil
	}

	relayErr, _ := err.(*relayerrors.RelayError)
	detail := func(key string) interface{} {
		if relayErr == nil {
			return ""
		}
		return relayErr.Details[key]
	}

	switch relayerrors.GetCode(err) {
	case relayerrors.ErrCodeConfigNotFound:
		fmt.Fprintf(h.Out, "Configuration not found: %v\n", detail("path"))
	case relayerrors.ErrCodeConfigInvalid:
		fmt.Fprintf(h.Out, "Invalid configuration: %v\n", err)
	case relayerrors.ErrCodeHubNotRunning:
		fmt.Fprintf(h.Out, "The hub is not running. Start it with 'devrelay hub start'.\n")
	case relayerrors.ErrCodeHubRunning:
		fmt.Fprintf(h.Out, "A hub is already running (PID %v).\n", detail("pid"))
	case relayerrors.ErrCodeChannelClosed:
		fmt.Fprintf(h.Out, "Lost the connection to the hub: %v\n", err)
	case relayerrors.ErrCodeNoInstrumentedApp:
		fmt.Fprintf(h.Out, "No instrumented application is attached to session %v.\n", detail("session"))
	case relayerrors.ErrCodeReportNotFound:
		fmt.Fprintf(h.Out, "Report %v not found.\n", detail("reportId"))
	default:
		fmt.Fprintf(h.Out, "Error: %v\n", err)
	}

	if h.Verbose && relayErr != nil {
		fmt.Fprintf(h.Out, "\nError details:\n%s\n", relayErr.ToJSON())
	}
	return err
}
