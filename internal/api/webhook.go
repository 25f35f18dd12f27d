package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/saqshy/saqshy/internal/pkg/logger"
	"github.com/saqshy/saqshy/internal/types"
)

// Telegram update payload, trimmed to the fields moderation consumes.

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

type tgMessage struct {
	MessageID int64   `json:"message_id"`
	From      *tgUser `json:"from"`
	Chat      tgChat  `json:"chat"`
	Date      int64   `json:"date"`
	Text      string  `json:"text"`
	Caption   string  `json:"caption"`

	Photo    []json.RawMessage `json:"photo"`
	Document *json.RawMessage  `json:"document"`
	Video    *json.RawMessage  `json:"video"`

	ForwardFromChat *tgChat    `json:"forward_from_chat"`
	ReplyToMessage  *tgMessage `json:"reply_to_message"`

	NewChatMembers []tgUser `json:"new_chat_members"`
	LeftChatMember *tgUser  `json:"left_chat_member"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	IsPremium bool   `json:"is_premium"`
}

type tgChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// HandleWebhook ingests one Telegram update. It always answers 200 once the
// payload decodes; Telegram retries non-2xx responses and a moderation
// failure must not replay the whole update stream.
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhookSecret != "" &&
		r.Header.Get("X-Telegram-Bot-Api-Secret-Token") != s.webhookSecret {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var update tgUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, "bad update payload", http.StatusBadRequest)
		return
	}

	if update.Message != nil {
		s.handleMessage(r, update.Message)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMessage(r *http.Request, m *tgMessage) {
	ctx := r.Context()

	// Join events only update state; there is nothing to score.
	if len(m.NewChatMembers) > 0 {
		for _, u := range m.NewChatMembers {
			s.kv.SetJoinTime(ctx, m.Chat.ID, u.ID, time.Unix(m.Date, 0))
		}
		return
	}
	if m.From == nil || (m.Chat.Type != "group" && m.Chat.Type != "supergroup") {
		return
	}

	msg := messageContext(m)
	s.kv.RecordMessage(ctx, msg.ChatID, msg.UserID, msg.Timestamp)

	res, err := s.pipeline.Process(ctx, msg)
	if err != nil {
		logger.Warn("webhook: pipeline incomplete",
			"chat_id", msg.ChatID, "message_id", msg.MessageID, "error", err)
		return
	}
	if res.AdminBypass {
		// Remember admin-authored messages so replies to them score lower.
		s.kv.MarkAdminMessage(ctx, msg.ChatID, msg.MessageID)
	}
}

func messageContext(m *tgMessage) *types.MessageContext {
	rawUser, _ := json.Marshal(m.From)
	text := m.Text
	if text == "" {
		text = m.Caption
	}

	msg := &types.MessageContext{
		MessageID: m.MessageID,
		ChatID:    m.Chat.ID,
		UserID:    m.From.ID,
		Timestamp: time.Unix(m.Date, 0),
		Username:  m.From.Username,
		FirstName: m.From.FirstName,
		LastName:  m.From.LastName,
		IsBot:     m.From.IsBot,
		IsPremium: m.From.IsPremium,
		RawUser:   rawUser,
		ChatType:  m.Chat.Type,
		Text:      text,
		HasMedia:  len(m.Photo) > 0 || m.Document != nil || m.Video != nil,
		IsForward: m.ForwardFromChat != nil,
	}
	if m.ForwardFromChat != nil {
		msg.ForwardFromChatID = m.ForwardFromChat.ID
	}
	if m.ReplyToMessage != nil {
		msg.ReplyToMessageID = m.ReplyToMessage.MessageID
	}
	return msg
}
