package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/saqshy/saqshy/internal/analyzer"
)

// recordMessageLua appends one message timestamp to the user's 24h window,
// prunes expired entries, and claims the first-message marker if unset.
// KEYS[1] window zset, KEYS[2] first-message key.
// ARGV: unix ms, prune cutoff ms, RFC3339 timestamp, first-msg TTL seconds.
const recordMessageLua = `
redis.call("ZREMRANGEBYSCORE", KEYS[1], 0, ARGV[2])
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[1])
redis.call("EXPIRE", KEYS[1], 86400)
redis.call("SET", KEYS[2], ARGV[3], "NX", "EX", ARGV[4])
return redis.call("ZCARD", KEYS[1])
`

// RecordMessage appends the message to the behavior window. Fail-open on KV
// error.
func (s *Store) RecordMessage(ctx context.Context, chatID, userID int64, ts time.Time) error {
	_ = s.do(ctx, "msg_ts.record", func() error {
		ms := ts.UnixMilli()
		cutoff := ms - msgWindowTTL.Milliseconds()
		return s.recordScript.Run(ctx, s.rdb,
			[]string{
				s.key("msg_ts", itoa(chatID), itoa(userID)),
				s.key("first_msg", itoa(chatID), itoa(userID)),
			},
			ms, cutoff, ts.UTC().Format(time.RFC3339), int(firstMsgTTL.Seconds()),
		).Err()
	})
	return nil
}

// CountInWindow counts the user's messages in the trailing window. Zero on
// KV failure.
func (s *Store) CountInWindow(ctx context.Context, chatID, userID int64, window time.Duration) (int, error) {
	var count int64
	err := s.do(ctx, "msg_ts.count", func() error {
		since := s.now().Add(-window).UnixMilli()
		n, err := s.rdb.ZCount(ctx, s.key("msg_ts", itoa(chatID), itoa(userID)),
			strconv.FormatInt(since, 10), "+inf").Result()
		if err != nil {
			return err
		}
		count = n
		return nil
	})
	if err != nil {
		return 0, nil
	}
	return int(count), nil
}

// FirstMessageTime returns the user's recorded first-message timestamp in
// this group. ok is false when the user has no history (or on KV failure).
func (s *Store) FirstMessageTime(ctx context.Context, chatID, userID int64) (time.Time, bool, error) {
	return s.timestampKey(ctx, "first_msg.get", s.key("first_msg", itoa(chatID), itoa(userID)))
}

// SetJoinTime records when the user joined the group; called from the
// member-update boundary.
func (s *Store) SetJoinTime(ctx context.Context, chatID, userID int64, ts time.Time) error {
	_ = s.do(ctx, "join_time.set", func() error {
		return s.rdb.Set(ctx, s.key("join_time", itoa(chatID), itoa(userID)),
			ts.UTC().Format(time.RFC3339), joinTimeTTL).Err()
	})
	return nil
}

// JoinTime returns the user's recorded join timestamp for this group.
func (s *Store) JoinTime(ctx context.Context, chatID, userID int64) (time.Time, bool, error) {
	return s.timestampKey(ctx, "join_time.get", s.key("join_time", itoa(chatID), itoa(userID)))
}

func (s *Store) timestampKey(ctx context.Context, op, key string) (time.Time, bool, error) {
	var (
		ts time.Time
		ok bool
	)
	err := s.do(ctx, op, func() error {
		v, err := s.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		parsed, perr := time.Parse(time.RFC3339, v)
		if perr != nil {
			// Corrupt value; treat as absent.
			return nil
		}
		ts, ok = parsed, true
		return nil
	})
	if err != nil {
		return time.Time{}, false, nil
	}
	return ts, ok, nil
}

const lastViolationTTL = 180 * 24 * time.Hour

// SetLastViolation records when the user last drew a restrictive verdict;
// used to qualify long-standing members for the established tier.
func (s *Store) SetLastViolation(ctx context.Context, chatID, userID int64, ts time.Time) error {
	_ = s.do(ctx, "last_violation.set", func() error {
		return s.rdb.Set(ctx, s.key("last_violation", itoa(chatID), itoa(userID)),
			ts.UTC().Format(time.RFC3339), lastViolationTTL).Err()
	})
	return nil
}

// LastViolation returns the user's most recent violation timestamp.
func (s *Store) LastViolation(ctx context.Context, chatID, userID int64) (time.Time, bool, error) {
	return s.timestampKey(ctx, "last_violation.get", s.key("last_violation", itoa(chatID), itoa(userID)))
}

// IncrementStat bumps one of the approved/flagged/limited/blocked counters.
func (s *Store) IncrementStat(ctx context.Context, chatID, userID int64, stat string) error {
	_ = s.do(ctx, "user_stats.incr", func() error {
		key := s.key("user_stats", itoa(chatID), itoa(userID))
		pipe := s.rdb.TxPipeline()
		pipe.HIncrBy(ctx, key, stat, 1)
		pipe.Expire(ctx, key, userStatsTTL)
		_, err := pipe.Exec(ctx)
		return err
	})
	return nil
}

// Stats returns the user's moderation counters for this group. Zeroes on KV
// failure.
func (s *Store) Stats(ctx context.Context, chatID, userID int64) (analyzer.UserStats, error) {
	var stats analyzer.UserStats
	err := s.do(ctx, "user_stats.get", func() error {
		fields, err := s.rdb.HGetAll(ctx, s.key("user_stats", itoa(chatID), itoa(userID))).Result()
		if err != nil {
			return err
		}
		stats.Approved = atoiField(fields, "approved")
		stats.Flagged = atoiField(fields, "flagged")
		stats.Limited = atoiField(fields, "limited")
		stats.Blocked = atoiField(fields, "blocked")
		return nil
	})
	if err != nil {
		return analyzer.UserStats{}, nil
	}
	return stats, nil
}

func atoiField(fields map[string]string, name string) int {
	n, _ := strconv.Atoi(fields[name])
	return n
}
