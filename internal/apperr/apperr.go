// Package apperr provides the typed error values used across the proxy.
// Every error surfaced to a JSON-RPC peer carries one of the codes defined
// by the JSON-RPC 2.0 spec plus ACP's convention of a structured data object.
package apperr

import (
	"errors"
	"fmt"
)

// JSON-RPC 2.0 error codes, per spec.md §6.1.4.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Error is an application error annotated with the JSON-RPC code it must be
// reported as, plus a structured data payload (field name, provided value,
// expected value, remediation hint) for -32602/-32601 errors.
type Error struct {
	Code    string
	Message string
	RPCCode int
	Data    map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ValidationError builds a -32602 error for a rejected input value.
func ValidationError(field, reason string, data map[string]any) *Error {
	d := mergeData(data, map[string]any{"field": field, "reason": reason})
	return &Error{
		Code:    "VALIDATION_ERROR",
		Message: fmt.Sprintf("validation failed for %q: %s", field, reason),
		RPCCode: CodeInvalidParams,
		Data:    d,
	}
}

// CapabilityError builds a -32601 error for a method or content type used
// without the corresponding capability bit declared.
func CapabilityError(requiredCapability string, declared bool) *Error {
	return &Error{
		Code:    "CAPABILITY_ERROR",
		Message: fmt.Sprintf("method requires capability %q", requiredCapability),
		RPCCode: CodeMethodNotFound,
		Data: map[string]any{
			"requiredCapability": requiredCapability,
			"declared":           declared,
		},
	}
}

// SessionNotFound builds a -32602 error for an unknown sessionId.
func SessionNotFound(sessionID string) *Error {
	return &Error{
		Code:    "SESSION_NOT_FOUND",
		Message: fmt.Sprintf("session %q not found", sessionID),
		RPCCode: CodeInvalidParams,
		Data: map[string]any{
			"sessionId": sessionID,
			"error":     "session_not_found",
		},
	}
}

// TransportError builds a -32603 error for child-process spawn/IO failures.
func TransportError(message string, err error) *Error {
	return &Error{
		Code:    "TRANSPORT_ERROR",
		Message: message,
		RPCCode: CodeInternalError,
		Err:     err,
	}
}

// InternalError builds a generic -32603 error wrapping an unexpected failure.
func InternalError(message string, err error) *Error {
	return &Error{
		Code:    "INTERNAL_ERROR",
		Message: message,
		RPCCode: CodeInternalError,
		Err:     err,
	}
}

// InvalidParams builds a bare -32602 error with caller-supplied data, used
// when no more specific constructor fits (e.g. empty prompt list).
func InvalidParams(message string, data map[string]any) *Error {
	return &Error{
		Code:    "INVALID_PARAMS",
		Message: message,
		RPCCode: CodeInvalidParams,
		Data:    data,
	}
}

// WithData merges extra structured fields into the error's data object,
// returning the same error for chaining. Used to attach diagnostics such
// as recent child stderr to transport errors.
func (e *Error) WithData(extra map[string]any) *Error {
	if len(extra) == 0 {
		return e
	}
	e.Data = mergeData(e.Data, extra)
	return e
}

// Wrap preserves an existing *Error's code/RPCCode, or wraps a plain error
// as an internal error.
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return &Error{
			Code:    appErr.Code,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			RPCCode: appErr.RPCCode,
			Data:    appErr.Data,
			Err:     err,
		}
	}
	return InternalError(message, err)
}

// RPCCode returns the JSON-RPC error code for err, defaulting to
// CodeInternalError if err is not an *Error.
func RPCCode(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.RPCCode
	}
	return CodeInternalError
}

func mergeData(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
