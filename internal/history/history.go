// Package history streams a stored session transcript back to the client
// during session/load, as the spec requires: every stored message is
// emitted as a session/update before the load response is sent.
package history

import (
	"time"

	acp "github.com/coder/acp-go-sdk"

	"github.com/kandev/claude-acp-proxy/internal/notify"
	"github.com/kandev/claude-acp-proxy/internal/session"
)

// MessageTypeMeta is the _meta marker distinguishing replayed chunks from
// live streaming ones.
const MessageTypeMeta = "historical_replay"

// Replayer emits stored messages through the notification bus.
type Replayer struct {
	bus *notify.Bus
}

// NewReplayer returns a Replayer publishing on bus.
func NewReplayer(bus *notify.Bus) *Replayer {
	return &Replayer{bus: bus}
}

// Replay publishes every message in the session's transcript, in stored
// order. User messages become user_message_chunk updates; assistant and
// system messages become agent_message_chunk updates. Publish is
// synchronous per notification, so when Replay returns every update has
// been accepted by the bus and the load response may be sent.
func (r *Replayer) Replay(sess *session.Session) int {
	msgs := sess.Context()
	for _, msg := range msgs {
		r.bus.Publish(acp.SessionNotification{
			SessionId: acp.SessionId(sess.ID()),
			Update:    updateFor(msg),
			Meta:      replayMeta(msg.Timestamp),
		})
	}
	return len(msgs)
}

func updateFor(msg session.Message) acp.SessionUpdate {
	content := acp.TextBlock(msg.Content)
	if msg.Role == session.RoleUser {
		return acp.SessionUpdate{
			UserMessageChunk: &acp.SessionUpdateUserMessageChunk{Content: content},
		}
	}
	// System messages replay as agent chunks; the client has no third lane.
	return acp.SessionUpdate{
		AgentMessageChunk: &acp.SessionUpdateAgentMessageChunk{Content: content},
	}
}

func replayMeta(ts time.Time) map[string]any {
	return map[string]any{
		"timestamp":   ts.UTC().Format(time.RFC3339Nano),
		"messageType": MessageTypeMeta,
	}
}
