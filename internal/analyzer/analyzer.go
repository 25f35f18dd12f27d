// Package analyzer extracts the four signal categories (profile, content,
// behavior, network) from an inbound message. Profile and content analysis
// are pure; behavior and network analysis consume injected providers and
// degrade to safe defaults when a provider fails.
package analyzer

import (
	"context"
	"time"
)

// UserStats are the per-user moderation counters kept by the history provider.
type UserStats struct {
	Approved int
	Flagged  int
	Limited  int
	Blocked  int
}

// MessageHistoryProvider serves per-user-per-group message history out of
// the shared KV store.
type MessageHistoryProvider interface {
	RecordMessage(ctx context.Context, chatID, userID int64, ts time.Time) error
	CountInWindow(ctx context.Context, chatID, userID int64, window time.Duration) (int, error)
	FirstMessageTime(ctx context.Context, chatID, userID int64) (time.Time, bool, error)
	JoinTime(ctx context.Context, chatID, userID int64) (time.Time, bool, error)
	IncrementStat(ctx context.Context, chatID, userID int64, stat string) error
	Stats(ctx context.Context, chatID, userID int64) (UserStats, error)
	IsAdminMessage(ctx context.Context, chatID, messageID int64) (bool, error)
}

// ChannelSubscriptionChecker reports whether a user subscribes to the
// group's linked channel. Implementations cache upstream.
type ChannelSubscriptionChecker interface {
	IsSubscribed(ctx context.Context, channelID, userID int64) (subscribed bool, since *time.Time, err error)
}

// SpamDatabase is the embedding-based spam lookup. Empty input must return
// (0, "", nil).
type SpamDatabase interface {
	Check(ctx context.Context, text string) (similarity float64, matchedPattern string, err error)
}

// CrossGroupInfo is one snapshot from the cross-group tracker.
type CrossGroupInfo struct {
	DuplicateGroups int
	FlaggedGroups   int
	BlockedGroups   int
	GroupsInCommon  int
	GlobalBlocklist bool
	GlobalWhitelist bool
}

// CrossGroupTracker aggregates a user's standing across all groups this
// instance moderates.
type CrossGroupTracker interface {
	RecordMessage(ctx context.Context, userID, chatID int64, textHash string) error
	Snapshot(ctx context.Context, userID, chatID int64, textHash string) (CrossGroupInfo, error)
}

