package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionID_RoundTrip(t *testing.T) {
	id := NewSessionID()
	assert.True(t, len(id) > len(sessionPrefix))

	_, err := ParseSessionID(id)
	require.NoError(t, err)
}

func TestNewSessionID_Unique(t *testing.T) {
	a := NewSessionID()
	b := NewSessionID()
	assert.NotEqual(t, a, b)
}

func TestParseSessionID_Errors(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		wantErr error
	}{
		{"empty", "", ErrEmpty},
		{"missing prefix", "01ARZ3NDEKTSV4RRFFQ69G5FAV", ErrMissingPrefix},
		{"missing ulid", "sess_", ErrMissingUlid},
		{"short ulid", "sess_01ARZ3NDEKTSV4RRFFQ69G5FA", ErrInvalidUlid},
		{"invalid chars", "sess_!!!!!!!!!!!!!!!!!!!!!!!!!!", ErrInvalidUlid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSessionID(tc.in)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestNewToolCallID(t *testing.T) {
	id := NewToolCallID()
	assert.Contains(t, id, toolCallPrefix)
}
