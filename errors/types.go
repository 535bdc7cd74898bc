package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode represents a specific error condition
type ErrorCode string

const (
	// Protocol errors
	ErrCodeMalformedMessage  ErrorCode = "MALFORMED_MESSAGE"
	ErrCodeUnexpectedSource  ErrorCode = "UNEXPECTED_SOURCE"
	ErrCodeChannelClosed     ErrorCode = "CHANNEL_CLOSED"
	ErrCodeNoInstrumentedApp ErrorCode = "NO_INSTRUMENTED_APP"

	// Remote command errors
	ErrCodeUnknownActionCreator ErrorCode = "UNKNOWN_ACTION_CREATOR"
	ErrCodeInvalidArguments     ErrorCode = "INVALID_ARGUMENTS"
	ErrCodeActionFailed         ErrorCode = "ACTION_FAILED"
	ErrCodeInvalidSnapshot      ErrorCode = "INVALID_SNAPSHOT"
	ErrCodeUnknownCommand       ErrorCode = "UNKNOWN_COMMAND"

	// Reports
	ErrCodeReportNotFound ErrorCode = "REPORT_NOT_FOUND"

	// Hub lifecycle
	ErrCodeHubNotRunning ErrorCode = "HUB_NOT_RUNNING"
	ErrCodeHubRunning    ErrorCode = "HUB_RUNNING"

	// Configuration errors
	ErrCodeConfigNotFound ErrorCode = "CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  ErrorCode = "CONFIG_INVALID"

	// General errors
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// RelayError represents a structured error with context
type RelayError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *RelayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *RelayError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error
func (e *RelayError) WithDetail(key string, value interface{}) *RelayError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ToJSON converts the error to JSON
func (e *RelayError) ToJSON() string {
	data, _ := json.MarshalIndent(e, "", "  ")
	return string(data)
}

// New creates a new RelayError
func New(code ErrorCode, message string) *RelayError {
	return &RelayError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a RelayError
func Wrap(err error, code ErrorCode, message string) *RelayError {
	return &RelayError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Is checks if an error is a specific RelayError code
func Is(err error, code ErrorCode) bool {
	return GetCode(err) == code && code != ""
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	relayErr, ok := err.(*RelayError)
	if !ok {
		if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
			return GetCode(unwrapper.Unwrap())
		}
		return ""
	}

	return relayErr.Code
}
