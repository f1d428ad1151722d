// Package binding maps external platform chats to agent sessions.
// Bindings persist in bindings.json; the router resolves inbound
// relay.human.> traffic to a session and republishes it on the
// session's agent subject.
package binding

import (
	"bytes"
	"encoding/json"
	"time"
)

// SessionStrategy controls how chats share agent sessions.
type SessionStrategy string

const (
	// PerChat gives every chat its own session.
	PerChat SessionStrategy = "per-chat"
	// PerChannel shares one session per channel type.
	PerChannel SessionStrategy = "per-channel"
	// Shared funnels everything on the binding into one session.
	Shared SessionStrategy = "shared"
)

// Binding routes one adapter's chats to an agent.
// ChatID and ChannelType narrow the match; empty means wildcard.
type Binding struct {
	ID              string          `json:"id"`
	AdapterID       string          `json:"adapterId"`
	AgentID         string          `json:"agentId"`
	ProjectPath     string          `json:"projectPath"`
	SessionStrategy SessionStrategy `json:"sessionStrategy"`
	Label           string          `json:"label"`
	ChatID          string          `json:"chatId,omitempty"`
	ChannelType     string          `json:"channelType,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Resolve scores. Higher wins; zero disqualifies.
const (
	scoreExactBoth   = 7
	scoreChatOnly    = 5
	scoreChannelOnly = 3
	scoreWildcard    = 1
)

// marshalPretty renders v as indented JSON without HTML escaping, so
// subject characters like > stay literal in the persisted files.
func marshalPretty(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// score rates how specifically b matches the query attributes.
func score(b Binding, chatID, channelType string) int {
	if b.ChatID != "" && b.ChatID != chatID {
		return 0
	}
	if b.ChannelType != "" && b.ChannelType != channelType {
		return 0
	}
	switch {
	case b.ChatID != "" && b.ChannelType != "":
		return scoreExactBoth
	case b.ChatID != "":
		return scoreChatOnly
	case b.ChannelType != "":
		return scoreChannelOnly
	default:
		return scoreWildcard
	}
}
