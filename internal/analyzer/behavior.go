package analyzer

import (
	"context"
	"time"

	"github.com/saqshy/saqshy/internal/pkg/logger"
	"github.com/saqshy/saqshy/internal/types"
)

// BehaviorAnalyzer derives history signals from the shared KV via the
// injected providers. Every provider failure degrades to the category's
// safe defaults; the analyzer itself never returns an error for I/O
// problems, only for context cancellation.
type BehaviorAnalyzer struct {
	history MessageHistoryProvider
	subs    ChannelSubscriptionChecker

	// linkedChannelID is resolved per group by the pipeline; zero disables
	// the subscription check.
	linkedChannelID func(chatID int64) int64
}

// NewBehaviorAnalyzer wires the behavior analyzer.
func NewBehaviorAnalyzer(history MessageHistoryProvider, subs ChannelSubscriptionChecker, linkedChannelID func(chatID int64) int64) *BehaviorAnalyzer {
	if linkedChannelID == nil {
		linkedChannelID = func(int64) int64 { return 0 }
	}
	return &BehaviorAnalyzer{history: history, subs: subs, linkedChannelID: linkedChannelID}
}

// Analyze extracts BehaviorSignals, tolerating partial provider failure.
func (a *BehaviorAnalyzer) Analyze(ctx context.Context, msg *types.MessageContext) (types.BehaviorSignals, error) {
	if err := ctx.Err(); err != nil {
		return types.DefaultBehaviorSignals(), err
	}

	signals := types.DefaultBehaviorSignals()
	signals.IsReply = msg.ReplyToMessageID != 0
	signals.MentionedUsersCount = len(mentionPattern.FindAllString(msg.Text, -1))

	if a.history != nil {
		a.fillHistory(ctx, msg, &signals)
	}
	if a.subs != nil {
		a.fillSubscription(ctx, msg, &signals)
	}

	return signals, ctx.Err()
}

func (a *BehaviorAnalyzer) fillHistory(ctx context.Context, msg *types.MessageContext, signals *types.BehaviorSignals) {
	if n, err := a.history.CountInWindow(ctx, msg.ChatID, msg.UserID, time.Hour); err == nil {
		signals.MessagesLastHour = n
	} else {
		logger.Warn("behavior: hourly window unavailable", "chat_id", msg.ChatID, "user_id", msg.UserID, "error", err)
	}
	if n, err := a.history.CountInWindow(ctx, msg.ChatID, msg.UserID, 24*time.Hour); err == nil {
		signals.MessagesLast24h = n
	}

	first, haveFirst, err := a.history.FirstMessageTime(ctx, msg.ChatID, msg.UserID)
	if err == nil {
		signals.IsFirstMessage = !haveFirst
	}
	join, haveJoin, jerr := a.history.JoinTime(ctx, msg.ChatID, msg.UserID)
	if jerr == nil && haveJoin {
		if err == nil && haveFirst {
			signals.TimeToFirstMessageSeconds = int64(first.Sub(join).Seconds())
		} else if err == nil {
			// This message is the first one.
			signals.TimeToFirstMessageSeconds = int64(msg.Timestamp.Sub(join).Seconds())
		}
		signals.JoinToMessageSeconds = int64(msg.Timestamp.Sub(join).Seconds())
		if signals.TimeToFirstMessageSeconds < 0 {
			signals.TimeToFirstMessageSeconds = 0
		}
		if signals.JoinToMessageSeconds < 0 {
			signals.JoinToMessageSeconds = 0
		}
	}

	if stats, serr := a.history.Stats(ctx, msg.ChatID, msg.UserID); serr == nil {
		signals.PreviousApproved = stats.Approved
		signals.PreviousFlagged = stats.Flagged
		signals.PreviousBlocked = stats.Blocked
	}

	if signals.IsReply {
		if isAdmin, aerr := a.history.IsAdminMessage(ctx, msg.ChatID, msg.ReplyToMessageID); aerr == nil {
			signals.IsReplyToAdmin = isAdmin
		}
	}
}

func (a *BehaviorAnalyzer) fillSubscription(ctx context.Context, msg *types.MessageContext, signals *types.BehaviorSignals) {
	channelID := a.linkedChannelID(msg.ChatID)
	if channelID == 0 {
		return
	}
	subscribed, since, err := a.subs.IsSubscribed(ctx, channelID, msg.UserID)
	if err != nil {
		// Fail-open default: treat as non-subscriber.
		logger.Warn("behavior: subscription check unavailable", "chat_id", msg.ChatID, "user_id", msg.UserID, "error", err)
		return
	}
	signals.IsChannelSubscriber = subscribed
	if subscribed && since != nil {
		days := int(msg.Timestamp.Sub(*since).Hours() / 24)
		if days > 0 {
			signals.ChannelSubscriptionDays = days
		}
	}
}
