// Package messaging is the outbound boundary to the chat platform: the
// moderation actions the engine executes and the membership lookups the
// analyzers need, plus the error taxonomy the action engine keys on.
package messaging

import (
	"context"
	"time"
)

// ChatMemberStatus mirrors the platform's member states.
type ChatMemberStatus string

const (
	StatusCreator       ChatMemberStatus = "creator"
	StatusAdministrator ChatMemberStatus = "administrator"
	StatusMember        ChatMemberStatus = "member"
	StatusRestricted    ChatMemberStatus = "restricted"
	StatusLeft          ChatMemberStatus = "left"
	StatusKicked        ChatMemberStatus = "kicked"
)

// ChatMember is one membership lookup result.
type ChatMember struct {
	UserID   int64
	Status   ChatMemberStatus
	IsMember bool
}

// Admin reports whether the member can moderate the chat.
func (m ChatMember) Admin() bool {
	return m.Status == StatusCreator || m.Status == StatusAdministrator
}

// Present reports whether the member currently belongs to the chat.
func (m ChatMember) Present() bool {
	switch m.Status {
	case StatusCreator, StatusAdministrator, StatusMember:
		return true
	case StatusRestricted:
		return m.IsMember
	default:
		return false
	}
}

// Client is everything the decision core asks of the platform. All errors
// carry an APIError classification.
type Client interface {
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
	RestrictToTextOnly(ctx context.Context, chatID, userID int64, until time.Time) error
	BanMember(ctx context.Context, chatID, userID int64) error
	SendMessage(ctx context.Context, chatID int64, text string, replyToMessageID int64) (int64, error)
	GetChatMember(ctx context.Context, chatID, userID int64) (ChatMember, error)
}
