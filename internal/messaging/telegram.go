package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/saqshy/saqshy/internal/breaker"
	"github.com/saqshy/saqshy/internal/pkg/httpretry"
)

// Config holds the Bot API connection settings.
type Config struct {
	Token   string
	BaseURL string
	Timeout time.Duration

	// Breaker guards the messaging dependency; nil disables gating.
	Breaker *breaker.Breaker

	// HTTPClient overrides the default retrying client, used by tests.
	HTTPClient httpretry.HTTPDoer
}

// BotClient talks to the Telegram Bot API.
type BotClient struct {
	baseURL    string
	token      string
	httpClient httpretry.HTTPDoer
	brk        *breaker.Breaker
}

// NewBotClient creates the adapter.
func NewBotClient(cfg Config) *BotClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = httpretry.NewRetryClient(&http.Client{Timeout: cfg.Timeout}, 1)
	}
	return &BotClient{baseURL: cfg.BaseURL, token: cfg.Token, httpClient: httpClient, brk: cfg.Breaker}
}

// apiResponse is the Bot API envelope.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// call runs one Bot API method under the breaker. Network and server-side
// failures count against it; 4xx answers mean the platform is healthy and the
// request was at fault, so they reset the failure run instead.
func (c *BotClient) call(ctx context.Context, method string, payload, out interface{}) error {
	if c.brk != nil {
		if err := c.brk.Allow(); err != nil {
			return err
		}
	}

	err := c.invoke(ctx, method, payload, out)
	if c.brk != nil {
		var apiErr *APIError
		switch {
		case err == nil:
			c.brk.Success()
		case errors.As(err, &apiErr) && (apiErr.Class == ClassNetwork || apiErr.Class == ClassAPI):
			c.brk.Failure()
		default:
			c.brk.Success()
		}
	}
	return err
}

// invoke posts one Bot API method and decodes the result into out (may be nil).
func (c *BotClient) invoke(ctx context.Context, method string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", method, err)
	}

	url := c.baseURL + "/bot" + c.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Class: ClassNetwork, Description: method + ": " + err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Class: ClassNetwork, Description: method + ": reading response: " + err.Error()}
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return &APIError{Class: ClassAPI, Code: resp.StatusCode,
			Description: method + ": undecodable response"}
	}
	if !envelope.OK {
		apiErr := &APIError{
			Class:       classify(envelope.ErrorCode),
			Code:        envelope.ErrorCode,
			Description: method + ": " + envelope.Description,
		}
		if envelope.Parameters != nil && envelope.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(envelope.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}

	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return &APIError{Class: ClassAPI, Description: method + ": undecodable result"}
		}
	}
	return nil
}

// DeleteMessage removes a message from the chat.
func (c *BotClient) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	return c.call(ctx, "deleteMessage", map[string]int64{
		"chat_id":    chatID,
		"message_id": messageID,
	}, nil)
}

// RestrictToTextOnly limits a member to plain text until the given time.
func (c *BotClient) RestrictToTextOnly(ctx context.Context, chatID, userID int64, until time.Time) error {
	return c.call(ctx, "restrictChatMember", map[string]interface{}{
		"chat_id":    chatID,
		"user_id":    userID,
		"until_date": until.Unix(),
		"permissions": map[string]bool{
			"can_send_messages":         true,
			"can_send_photos":           false,
			"can_send_videos":           false,
			"can_send_other_messages":   false,
			"can_add_web_page_previews": false,
			"can_invite_users":          false,
		},
	}, nil)
}

// BanMember permanently bans a member from the chat.
func (c *BotClient) BanMember(ctx context.Context, chatID, userID int64) error {
	return c.call(ctx, "banChatMember", map[string]int64{
		"chat_id": chatID,
		"user_id": userID,
	}, nil)
}

// SendMessage posts a message, optionally as a reply, and returns the new
// message ID.
func (c *BotClient) SendMessage(ctx context.Context, chatID int64, text string, replyToMessageID int64) (int64, error) {
	payload := map[string]interface{}{
		"chat_id": chatID,
		"text":    text,
	}
	if replyToMessageID != 0 {
		payload["reply_to_message_id"] = replyToMessageID
	}
	var result struct {
		MessageID int64 `json:"message_id"`
	}
	if err := c.call(ctx, "sendMessage", payload, &result); err != nil {
		return 0, err
	}
	return result.MessageID, nil
}

// GetChatMember looks up one member's status.
func (c *BotClient) GetChatMember(ctx context.Context, chatID, userID int64) (ChatMember, error) {
	var result struct {
		Status   string `json:"status"`
		IsMember bool   `json:"is_member"`
		User     struct {
			ID int64 `json:"id"`
		} `json:"user"`
	}
	if err := c.call(ctx, "getChatMember", map[string]int64{
		"chat_id": chatID,
		"user_id": userID,
	}, &result); err != nil {
		return ChatMember{}, err
	}
	return ChatMember{
		UserID:   result.User.ID,
		Status:   ChatMemberStatus(result.Status),
		IsMember: result.IsMember,
	}, nil
}

// IsSubscribed implements the linked-channel membership check. The platform
// does not expose a join date, so since is always nil.
func (c *BotClient) IsSubscribed(ctx context.Context, channelID, userID int64) (bool, *time.Time, error) {
	member, err := c.GetChatMember(ctx, channelID, userID)
	if err != nil {
		return false, nil, err
	}
	return member.Present(), nil, nil
}
