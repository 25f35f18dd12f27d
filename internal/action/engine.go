// Package action turns a verdict into platform side effects: deletions,
// restrictions, and admin notices. Every side effect is guarded by an
// idempotency key, classified error handling, and a single fallback, so a
// crashed-and-replayed pipeline never doubles an action and one failed call
// never aborts the rest of the plan.
package action

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"time"

	"github.com/saqshy/saqshy/internal/messaging"
	"github.com/saqshy/saqshy/internal/pkg/logger"
	"github.com/saqshy/saqshy/internal/types"
)

// Action types used in idempotency keys.
const (
	actDelete   = "delete_message"
	actRestrict = "restrict_member"
	actBan      = "ban_member"
	actWarn     = "warn_user"
	actReview   = "enqueue_review"
	actNotify   = "notify_admins"
)

// KV is the idempotency slice of the cache façade.
type KV interface {
	FirstExecution(ctx context.Context, actionKey string) bool
}

// Deferred is an action postponed by a platform rate limit.
type Deferred struct {
	ChatID     int64
	UserID     int64
	MessageID  int64
	ActionType string
	RetryAfter time.Duration
}

// Config tunes the engine.
type Config struct {
	// CallTimeout bounds each outbound platform call.
	CallTimeout time.Duration

	// RestrictDuration is how long a limit verdict mutes media.
	RestrictDuration time.Duration

	// OnDeferred receives rate-limited actions for a later attempt; nil
	// drops them with a warning log.
	OnDeferred func(Deferred)
}

// Result reports what the engine actually did for one message.
type Result struct {
	ActionTaken    string
	MessageDeleted bool
	UserRestricted bool
	UserBanned     bool
	AdminsNotified bool
}

// Engine executes action plans against the messaging platform.
type Engine struct {
	client   messaging.Client
	kv       KV
	notifier *AdminNotifier
	cfg      Config
	now      func() time.Time
	jitter   func() time.Duration
}

// NewEngine creates the engine.
func NewEngine(client messaging.Client, kv KV, notifier *AdminNotifier, cfg Config) *Engine {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.RestrictDuration <= 0 {
		cfg.RestrictDuration = 24 * time.Hour
	}
	return &Engine{
		client:   client,
		kv:       kv,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		jitter:   func() time.Duration { return time.Duration(50+rand.Intn(200)) * time.Millisecond },
	}
}

// IdempotencyKey derives the dedup key for one action on one message.
func IdempotencyKey(verdict types.Verdict, chatID, userID, messageID int64, actionType string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d|%d|%s",
		verdict.String(), chatID, userID, messageID, actionType)))
	return hex.EncodeToString(sum[:])
}

// Execute runs the plan for the verdict. It never returns early on a failed
// action: for block verdicts in particular, the deletion attempt and the
// audit record both happen regardless of each other's outcome.
func (e *Engine) Execute(ctx context.Context, msg *types.MessageContext, risk *types.RiskResult, blockThreshold int) Result {
	var res Result

	switch risk.Verdict {
	case types.VerdictAllow, types.VerdictWatch:
		// Nothing platform-side; recording and trust updates are the
		// pipeline's business.

	case types.VerdictLimit:
		if e.claim(ctx, msg, risk.Verdict, actRestrict) {
			res.UserRestricted = e.restrict(ctx, msg, risk)
		}
		res.ActionTaken = "restricted"

	case types.VerdictReview:
		res.ActionTaken = "review_enqueued"
		if e.claim(ctx, msg, risk.Verdict, actNotify) {
			res.AdminsNotified = e.notifier.Notify(ctx, msg.ChatID, reviewNotice(msg, risk))
		}

	case types.VerdictBlock:
		if e.claim(ctx, msg, risk.Verdict, actDelete) {
			res.MessageDeleted = e.deleteMessage(ctx, msg, risk)
		}
		switch {
		case repeatOffender(risk):
			// A user blocked before, or globally blocklisted, is banned
			// outright; a failed ban degrades to a restriction.
			if e.claim(ctx, msg, risk.Verdict, actBan) {
				res.UserBanned = e.ban(ctx, msg)
			}
			if !res.UserBanned && e.claim(ctx, msg, risk.Verdict, actRestrict) {
				res.UserRestricted = e.restrict(ctx, msg, risk)
			}
		case risk.Score >= blockThreshold+5:
			if e.claim(ctx, msg, risk.Verdict, actRestrict) {
				res.UserRestricted = e.restrict(ctx, msg, risk)
			}
		}
		res.ActionTaken = "blocked"
		if e.claim(ctx, msg, risk.Verdict, actNotify) {
			res.AdminsNotified = e.notifier.Notify(ctx, msg.ChatID, blockNotice(msg, risk))
		}
	}

	return res
}

// claim takes the idempotency slot; false means the action already ran.
func (e *Engine) claim(ctx context.Context, msg *types.MessageContext, verdict types.Verdict, actionType string) bool {
	key := IdempotencyKey(verdict, msg.ChatID, msg.UserID, msg.MessageID, actionType)
	if e.kv.FirstExecution(ctx, key) {
		return true
	}
	logger.Debug("action already executed, skipping",
		"chat_id", msg.ChatID, "message_id", msg.MessageID, "action", actionType)
	return false
}

// deleteMessage removes the message; on failure the fallback warns the user
// in-thread instead.
func (e *Engine) deleteMessage(ctx context.Context, msg *types.MessageContext, risk *types.RiskResult) bool {
	err := e.perform(ctx, msg, actDelete, func(cctx context.Context) error {
		return e.client.DeleteMessage(cctx, msg.ChatID, msg.MessageID)
	})
	if err == nil {
		return true
	}

	// Fallback: the message stays, so at least mark it.
	if e.claim(ctx, msg, risk.Verdict, actWarn) {
		warnErr := e.perform(ctx, msg, actWarn, func(cctx context.Context) error {
			_, serr := e.client.SendMessage(cctx, msg.ChatID,
				"This message was flagged as spam by moderation.", msg.MessageID)
			return serr
		})
		if warnErr != nil {
			logger.Warn("delete fallback failed", "chat_id", msg.ChatID,
				"message_id", msg.MessageID, "error", warnErr)
		}
	}
	return false
}

// repeatOffender reports whether the blocked user already carries block
// evidence beyond this message.
func repeatOffender(risk *types.RiskResult) bool {
	return risk.Signals.Behavior.PreviousBlocked > 0 || risk.Signals.Network.IsInGlobalBlocklist
}

// ban removes the member permanently.
func (e *Engine) ban(ctx context.Context, msg *types.MessageContext) bool {
	err := e.perform(ctx, msg, actBan, func(cctx context.Context) error {
		return e.client.BanMember(cctx, msg.ChatID, msg.UserID)
	})
	return err == nil
}

// restrict mutes the user to text-only; on failure the fallback notifies the
// admins so a human can act.
func (e *Engine) restrict(ctx context.Context, msg *types.MessageContext, risk *types.RiskResult) bool {
	until := e.now().Add(e.cfg.RestrictDuration)
	err := e.perform(ctx, msg, actRestrict, func(cctx context.Context) error {
		return e.client.RestrictToTextOnly(cctx, msg.ChatID, msg.UserID, until)
	})
	if err == nil {
		return true
	}

	e.notifier.Notify(ctx, msg.ChatID, fmt.Sprintf(
		"Could not restrict %s (score %d, %s); manual action needed.",
		msg.DisplayName(), risk.Score, risk.Verdict))
	return false
}

// perform runs one platform call with the engine's timeout and the
// class-specific error policy. Only rate_limit and the second network
// failure surface as errors; forbidden, bad_request, and api failures are
// logged and swallowed so the plan continues.
func (e *Engine) perform(ctx context.Context, msg *types.MessageContext, actionType string, fn func(context.Context) error) error {
	call := func() error {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
		return fn(cctx)
	}

	err := call()
	if err == nil {
		return nil
	}

	switch messaging.ClassOf(err) {
	case messaging.ClassNetwork:
		select {
		case <-time.After(e.jitter()):
		case <-ctx.Done():
			return ctx.Err()
		}
		if rerr := call(); rerr != nil {
			logger.Warn("action failed after network retry",
				"chat_id", msg.ChatID, "action", actionType, "error", rerr)
			return rerr
		}
		return nil

	case messaging.ClassRateLimit:
		retryAfter := messaging.RetryAfterOf(err)
		logger.Warn("action rate-limited, deferring",
			"chat_id", msg.ChatID, "action", actionType, "retry_after", retryAfter.String())
		if e.cfg.OnDeferred != nil {
			e.cfg.OnDeferred(Deferred{
				ChatID:     msg.ChatID,
				UserID:     msg.UserID,
				MessageID:  msg.MessageID,
				ActionType: actionType,
				RetryAfter: retryAfter,
			})
		}
		return err

	case messaging.ClassForbidden:
		logger.Warn("bot lacks permission for action",
			"chat_id", msg.ChatID, "action", actionType, "error", err)
		return err

	default: // bad_request, api
		logger.Warn("action skipped",
			"chat_id", msg.ChatID, "action", actionType, "error", err)
		return err
	}
}

func blockNotice(msg *types.MessageContext, risk *types.RiskResult) string {
	return fmt.Sprintf("Blocked message %d from %s: score %d, threat %s.",
		msg.MessageID, msg.DisplayName(), risk.Score, risk.ThreatType)
}

func reviewNotice(msg *types.MessageContext, risk *types.RiskResult) string {
	return fmt.Sprintf("Message %d from %s needs review: score %d, threat %s.",
		msg.MessageID, msg.DisplayName(), risk.Score, risk.ThreatType)
}
