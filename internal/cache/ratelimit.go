package cache

import (
	"context"
	"strconv"
	"sync/atomic"
)

// Default sliding-window rate limits.
const (
	DefaultUserRateLimit  = 20
	DefaultGroupRateLimit = 200
	DefaultRateWindowSecs = 60
)

// slidingWindowLua implements one sliding-window tick: prune entries older
// than the window, add this event, refresh the TTL, return the live count.
// Atomic so concurrent pipelines cannot double-admit at the boundary.
// KEYS[1] window zset. ARGV: now ms, window ms, unique member.
const slidingWindowLua = `
redis.call("ZREMRANGEBYSCORE", KEYS[1], 0, tonumber(ARGV[1]) - tonumber(ARGV[2]))
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[3])
redis.call("EXPIRE", KEYS[1], math.ceil(tonumber(ARGV[2]) / 1000))
return redis.call("ZCARD", KEYS[1])
`

// rateSeq disambiguates events landing on the same millisecond.
var rateSeq atomic.Int64

// IncrementRate records one message against the user's sliding window and
// returns the count inside the window, this message included. Zero on KV
// failure (fail-open: the caller treats zero as under the limit).
func (s *Store) IncrementRate(ctx context.Context, chatID, userID int64, windowSeconds int) (int, error) {
	return s.slide(ctx, "rate.user", s.key("rate", itoa(chatID), itoa(userID)), windowSeconds)
}

// IncrementGroupRate is the per-group counterpart, shared by every sender in
// the chat.
func (s *Store) IncrementGroupRate(ctx context.Context, chatID int64, windowSeconds int) (int, error) {
	return s.slide(ctx, "rate.group", s.key("rate", itoa(chatID), "group"), windowSeconds)
}

func (s *Store) slide(ctx context.Context, op, key string, windowSeconds int) (int, error) {
	if windowSeconds <= 0 {
		windowSeconds = DefaultRateWindowSecs
	}
	var count int64
	err := s.do(ctx, op, func() error {
		nowMS := s.now().UnixMilli()
		member := strconv.FormatInt(nowMS, 10) + "-" + strconv.FormatInt(rateSeq.Add(1), 10)
		n, err := s.rateScript.Run(ctx, s.rdb, []string{key},
			nowMS, int64(windowSeconds)*1000, member).Int64()
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
