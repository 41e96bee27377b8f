// Package idgen mints and parses the identifiers used across a session's
// lifetime: SessionId (sess_<ULID>), ToolCallId (call_<ULID>), and
// operation IDs.
package idgen

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	sessionPrefix  = "sess_"
	toolCallPrefix = "call_"
	ulidLen        = 26
)

// NewSessionID mints a new, lexically-sortable SessionId.
func NewSessionID() string {
	return sessionPrefix + newULID()
}

// NewToolCallID mints a new ToolCallId.
func NewToolCallID() string {
	return toolCallPrefix + newULID()
}

func newULID() string {
	id := ulid.Make()
	return id.String()
}

// SessionIDParseError names why a SessionId failed to parse, per spec.md §3.1.
type SessionIDParseError string

const (
	ErrEmpty         SessionIDParseError = "empty"
	ErrMissingPrefix SessionIDParseError = "missing_prefix"
	ErrMissingUlid   SessionIDParseError = "missing_ulid"
	ErrInvalidUlid   SessionIDParseError = "invalid_ulid"
)

func (e SessionIDParseError) Error() string { return string(e) }

// ParseSessionID validates a SessionId's shape without allocating a new one.
// It returns the embedded ULID's canonical string on success.
func ParseSessionID(s string) (string, error) {
	if s == "" {
		return "", ErrEmpty
	}
	if !strings.HasPrefix(s, sessionPrefix) {
		return "", ErrMissingPrefix
	}
	rest := strings.TrimPrefix(s, sessionPrefix)
	if rest == "" {
		return "", ErrMissingUlid
	}
	if len(rest) != ulidLen {
		return "", ErrInvalidUlid
	}
	if _, err := ulid.ParseStrict(rest); err != nil {
		return "", ErrInvalidUlid
	}
	return rest, nil
}

// NewRequestID mints an opaque id suitable for outbound control requests
// (e.g. to the Claude CLI) that do not need to be sortable.
func NewRequestID() string {
	return uuid.New().String()
}
