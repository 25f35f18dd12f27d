package types

import (
	"encoding/json"
	"time"
)

// MessageContext is the immutable description of one inbound message.
// It is constructed once at the pipeline boundary and read-only thereafter.
type MessageContext struct {
	MessageID int64     `json:"message_id"`
	ChatID    int64     `json:"chat_id"`
	UserID    int64     `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`

	// User snapshot at message time.
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	IsBot     bool   `json:"is_bot"`
	IsPremium bool   `json:"is_premium"`

	// RawUser carries the untouched platform user blob for diagnostics.
	RawUser json.RawMessage `json:"raw_user,omitempty"`

	// Chat snapshot.
	ChatType  string    `json:"chat_type"`
	GroupType GroupType `json:"group_type"`

	// Content.
	Text              string `json:"text,omitempty"`
	HasMedia          bool   `json:"has_media"`
	IsForward         bool   `json:"is_forward"`
	ForwardFromChatID int64  `json:"forward_from_chat_id,omitempty"`
	ReplyToMessageID  int64  `json:"reply_to_message_id,omitempty"`
}

// DisplayName returns the best available human-readable identity.
func (m *MessageContext) DisplayName() string {
	if m.Username != "" {
		return "@" + m.Username
	}
	if m.LastName != "" {
		return m.FirstName + " " + m.LastName
	}
	return m.FirstName
}
