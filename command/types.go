// Package command decodes inbound command messages, drops duplicates,
// dispatches to registered handlers and publishes responses, including
// the delayed terminal response of two-phase commands.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the response status on the wire.
type Status string

const (
	Accepted Status = "ACCEPTED"
	Ack      Status = "ACK"
	Done     Status = "DONE"
	Failed   Status = "FAILED"
	Error    Status = "ERROR"
	NoEffect Status = "NO_EFFECT"
)

// Terminal reports whether s ends a command.
func (s Status) Terminal() bool {
	return s == Done || s == Failed || s == Error || s == NoEffect
}

// Wire error codes produced by the handler itself.
const (
	CodeSafeMode       = "safe_mode_active"
	CodeUnknownCommand = "unknown_command"
	CodeDuplicate      = "duplicate"
	CodeInvalidParams  = "invalid_params"
	CodeInternal       = "internal_error"
	CodeFailed         = "command_failed"
)

// ExitSafeMode is the only command accepted in SAFE_MODE.
const ExitSafeMode = "exit_safe_mode"

// Command is one decoded inbound command.
type Command struct {
	Name     string
	ID       string
	Channel  string
	Params   json.RawMessage
	Received time.Time
}

// Decode unmarshals the params object into v.
func (c *Command) Decode(v interface{}) error {
	if len(c.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Params, v); err != nil {
		return Errorf(CodeInvalidParams, "%v", err)
	}
	return nil
}

// Response is the message published on {channel}/command_response.
type Response struct {
	CmdID        string                 `json:"cmd_id"`
	Status       Status                 `json:"status"`
	ErrorCode    string                 `json:"error_code,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
	TS           int64                  `json:"ts"`
}

// Result is what a handler returns. A zero Status is filled in by the
// dispatcher: DONE on success, FAILED on error.
type Result struct {
	Status       Status
	ErrorCode    string
	ErrorMessage string
	Data         map[string]interface{}
}

// OK returns a DONE result.
func OK(data map[string]interface{}) Result {
	return Result{Status: Done, Data: data}
}

// Accept returns an ACCEPTED result; a terminal result must follow via
// the Completion.
func Accept(data map[string]interface{}) Result {
	return Result{Status: Accepted, Data: data}
}

// Fail returns a FAILED result.
func Fail(code, message string, data map[string]interface{}) Result {
	return Result{Status: Failed, ErrorCode: code, ErrorMessage: message, Data: data}
}

// CodedError carries a wire error code.
type CodedError struct {
	Code    string
	Message string
	Data    map[string]interface{}
}

func (e *CodedError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Errorf builds a CodedError.
func Errorf(code, format string, args ...interface{}) error {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FromError converts err into a FAILED result, keeping a wire code when
// one is attached.
func FromError(err error) Result {
	var ce *CodedError
	if errors.As(err, &ce) {
		return Fail(ce.Code, ce.Message, ce.Data)
	}
	var coder interface{ ErrorCode() string }
	if errors.As(err, &coder) {
		return Fail(coder.ErrorCode(), err.Error(), nil)
	}
	return Fail(CodeFailed, err.Error(), nil)
}
