package errors

import (
	"fmt"
)

// Malformed creates an error for a message that failed decoding or validation
func Malformed(reason string) *RelayError {
	return New(ErrCodeMalformedMessage, fmt.Sprintf("malformed message: %s", reason))
}

// UnexpectedSource creates an error for a message carrying the wrong source tag
func UnexpectedSource(got, want string) *RelayError {
	return New(ErrCodeUnexpectedSource, fmt.Sprintf("unexpected source %q, want %q", got, want)).
		WithDetail("source", got).
		WithDetail("expected", want)
}

// ChannelClosed creates an error for a send on a closed channel
func ChannelClosed(id string) *RelayError {
	return New(ErrCodeChannelClosed, fmt.Sprintf("channel %s is closed", id)).
		WithDetail("channel", id)
}

// UnknownActionCreator creates an error for a remote action naming an unregistered creator
func UnknownActionCreator(name string) *RelayError {
	return New(ErrCodeUnknownActionCreator, fmt.Sprintf("no action creator registered as '%s'", name)).
		WithDetail("name", name)
}

// InvalidArguments creates an error for arguments rejected by an action creator
func InvalidArguments(name string, reason string) *RelayError {
	return New(ErrCodeInvalidArguments, fmt.Sprintf("invalid arguments for '%s': %s", name, reason)).
		WithDetail("name", name)
}

// ActionFailed creates an error for an action the reducer could not apply
func ActionFailed(actionType string, err error) *RelayError {
	return Wrap(err, ErrCodeActionFailed, fmt.Sprintf("action '%s' failed to apply", actionType)).
		WithDetail("action", actionType)
}

// InvalidSnapshot creates an error for an imported history that failed validation
func InvalidSnapshot(reason string) *RelayError {
	return New(ErrCodeInvalidSnapshot, fmt.Sprintf("invalid snapshot: %s", reason))
}

// ReportNotFound creates an error for an unknown shared report
func ReportNotFound(id string) *RelayError {
	return New(ErrCodeReportNotFound, fmt.Sprintf("report '%s' not found", id)).
		WithDetail("reportId", id)
}

// ConfigNotFound creates a configuration not found error
func ConfigNotFound(path string) *RelayError {
	return New(ErrCodeConfigNotFound, fmt.Sprintf("configuration file not found: %s", path)).
		WithDetail("path", path)
}

// ConfigInvalid creates an invalid configuration error
func ConfigInvalid(reason string) *RelayError {
	return New(ErrCodeConfigInvalid, fmt.Sprintf("invalid configuration: %s", reason))
}
