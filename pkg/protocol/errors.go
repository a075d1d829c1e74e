package protocol

import (
	"errors"
	"fmt"
)

// Code identifies a domain error. Callers switch on it instead of on Go types.
type Code string

// Error codes.
const (
	CodeWorkerNotReady     Code = "worker_not_ready"
	CodeDispatchTimeout    Code = "dispatch_timeout"
	CodeWorkerDisconnected Code = "worker_disconnected"
	CodeReconnectTimeout   Code = "reconnect_timeout"
	CodeRequestTimeout     Code = "request_timeout"
	CodeDuplicateRequestID Code = "duplicate_request_id"
	CodeInvalidResponse    Code = "invalid_response"
	CodeExecutionFailed    Code = "execution_failed"
	CodeQueueFull          Code = "queue_full"
	CodeJobNotFound        Code = "job_not_found"
	CodeProtocolMismatch   Code = "protocol_mismatch"
	CodeInvalidParams      Code = "invalid_params"
	CodeUnknownTool        Code = "unknown_tool"
	CodeRequestCancelled   Code = "request_cancelled"
	CodeConfigInvalid      Code = "config_invalid"
	CodeConnectionRejected Code = "connection_rejected"
	CodeInternal           Code = "internal_error"
)

// Error is the single domain error type. Details carries whatever the caller
// needs to judge retry safety: the dispatch stage, the worker's response, etc.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code, so errors.Is(err, &Error{Code: c})
// works as a code check.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithDetail returns a copy of e with key set in Details.
func (e *Error) WithDetail(key string, value any) *Error {
	out := &Error{Code: e.Code, Message: e.Message, Details: make(map[string]any, len(e.Details)+1)}
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return out
}

// Payload converts e to its wire form.
func (e *Error) Payload() *ErrorPayload {
	return &ErrorPayload{Code: e.Code, Message: e.Message, Details: e.Details}
}

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FromPayload converts a wire error into an *Error. A nil payload becomes an
// internal error so callers never see a nil *Error.
func FromPayload(p *ErrorPayload) *Error {
	if p == nil {
		return &Error{Code: CodeInternal, Message: "error envelope without payload"}
	}
	code := p.Code
	if code == "" {
		code = CodeInternal
	}
	return &Error{Code: code, Message: p.Message, Details: p.Details}
}

// AsError extracts the *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// CodeOf returns err's code, or CodeInternal for foreign errors and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if pe, ok := AsError(err); ok {
		return pe.Code
	}
	return CodeInternal
}
