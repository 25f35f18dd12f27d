package cache

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/saqshy/saqshy/internal/analyzer"
)

// Cross-group keys track a user's standing across every group this instance
// moderates:
//
//	xg:chats:{user_id}      set of chat IDs the user posted in     30 d
//	xg:dup:{user_id}:{hash} set of chat IDs that saw this text     24 h
//	xg:flagged:{user_id}    set of chat IDs that flagged the user  30 d
//	xg:blocked:{user_id}    set of chat IDs that blocked the user  30 d
//	global:blocklist        set of user IDs                        none
//	global:whitelist        set of user IDs                        none

// CrossGroup is the tracker view of the store; it exists as its own type
// because the tracker and the history provider both name a RecordMessage
// operation.
type CrossGroup struct{ s *Store }

// CrossGroup returns the cross-group tracker backed by this store.
func (s *Store) CrossGroup() *CrossGroup { return &CrossGroup{s: s} }

// RecordMessage registers the user's presence in the chat and, when the
// message has text, the text hash for duplicate detection.
func (c *CrossGroup) RecordMessage(ctx context.Context, userID, chatID int64, textHash string) error {
	s := c.s
	return s.do(ctx, "xg.record", func() error {
		pipe := s.rdb.TxPipeline()
		chatsKey := s.key("xg", "chats", itoa(userID))
		pipe.SAdd(ctx, chatsKey, chatID)
		pipe.Expire(ctx, chatsKey, userStatsTTL)
		if textHash != "" {
			dupKey := s.key("xg", "dup", itoa(userID), textHash)
			pipe.SAdd(ctx, dupKey, chatID)
			pipe.Expire(ctx, dupKey, msgWindowTTL)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Snapshot aggregates the user's cross-group standing. The duplicate count
// excludes the current chat.
func (c *CrossGroup) Snapshot(ctx context.Context, userID, chatID int64, textHash string) (analyzer.CrossGroupInfo, error) {
	s := c.s
	var info analyzer.CrossGroupInfo
	err := s.do(ctx, "xg.snapshot", func() error {
		pipe := s.rdb.TxPipeline()
		groupsCmd := pipe.SCard(ctx, s.key("xg", "chats", itoa(userID)))
		flaggedCmd := pipe.SCard(ctx, s.key("xg", "flagged", itoa(userID)))
		blockedCmd := pipe.SCard(ctx, s.key("xg", "blocked", itoa(userID)))
		blockCmd := pipe.SIsMember(ctx, s.key("global", "blocklist"), userID)
		whiteCmd := pipe.SIsMember(ctx, s.key("global", "whitelist"), userID)
		var dupCmd *redis.StringSliceCmd
		if textHash != "" {
			dupCmd = pipe.SMembers(ctx, s.key("xg", "dup", itoa(userID), textHash))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}

		info.GroupsInCommon = int(groupsCmd.Val())
		info.FlaggedGroups = int(flaggedCmd.Val())
		info.BlockedGroups = int(blockedCmd.Val())
		info.GlobalBlocklist = blockCmd.Val()
		info.GlobalWhitelist = whiteCmd.Val()
		if dupCmd != nil {
			self := strconv.FormatInt(chatID, 10)
			for _, member := range dupCmd.Val() {
				if member != self {
					info.DuplicateGroups++
				}
			}
		}
		return nil
	})
	if err != nil {
		return analyzer.CrossGroupInfo{}, nil
	}
	return info, nil
}

// MarkFlagged records that this chat flagged the user.
func (s *Store) MarkFlagged(ctx context.Context, userID, chatID int64) {
	s.markChatSet(ctx, "xg.flag", s.key("xg", "flagged", itoa(userID)), chatID)
}

// MarkBlocked records that this chat blocked the user.
func (s *Store) MarkBlocked(ctx context.Context, userID, chatID int64) {
	s.markChatSet(ctx, "xg.block", s.key("xg", "blocked", itoa(userID)), chatID)
}

func (s *Store) markChatSet(ctx context.Context, op, key string, chatID int64) {
	_ = s.do(ctx, op, func() error {
		pipe := s.rdb.TxPipeline()
		pipe.SAdd(ctx, key, chatID)
		pipe.Expire(ctx, key, userStatsTTL)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// AddToGlobalBlocklist puts a user on the shared blocklist.
func (s *Store) AddToGlobalBlocklist(ctx context.Context, userID int64) error {
	return s.do(ctx, "global.blocklist.add", func() error {
		return s.rdb.SAdd(ctx, s.key("global", "blocklist"), userID).Err()
	})
}

// AddToGlobalWhitelist puts a user on the shared whitelist.
func (s *Store) AddToGlobalWhitelist(ctx context.Context, userID int64) error {
	return s.do(ctx, "global.whitelist.add", func() error {
		return s.rdb.SAdd(ctx, s.key("global", "whitelist"), userID).Err()
	})
}
