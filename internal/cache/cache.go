// Package cache is the façade over the shared KV store. It owns the key
// schema, the sliding-window rate limiter, the cross-group tracker, and the
// versioned trust-state storage. Read paths are fail-open: a KV error is
// logged, ticks the kv circuit breaker, and yields defaults that let
// processing continue.
package cache

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/saqshy/saqshy/internal/breaker"
	"github.com/saqshy/saqshy/internal/pkg/logger"
)

// DefaultNamespace prefixes every key this façade writes.
const DefaultNamespace = "saqshy"

// TTLs per key family.
const (
	msgWindowTTL   = 24 * time.Hour
	userStatsTTL   = 30 * 24 * time.Hour
	firstMsgTTL    = 7 * 24 * time.Hour
	joinTimeTTL    = 7 * 24 * time.Hour
	decisionTTL    = 5 * time.Minute
	subHitTTL      = time.Hour
	subErrTTL      = 5 * time.Minute
	adminTTL       = 5 * time.Minute
	adminMsgTTL    = 24 * time.Hour
	idempotencyTTL = 24 * time.Hour
)

// Store wraps the redis client with the key schema and the fail-open policy.
// All Lua scripts are pre-compiled once at construction.
type Store struct {
	rdb       *redis.Client
	namespace string
	brk       *breaker.Breaker
	now       func() time.Time

	recordScript *redis.Script
	rateScript   *redis.Script
	casScript    *redis.Script
}

// New creates the façade. brk may be nil (no breaker protection, used in
// some tests).
func New(rdb *redis.Client, brk *breaker.Breaker) *Store {
	return &Store{
		rdb:          rdb,
		namespace:    DefaultNamespace,
		brk:          brk,
		now:          time.Now,
		recordScript: redis.NewScript(recordMessageLua),
		rateScript:   redis.NewScript(slidingWindowLua),
		casScript:    redis.NewScript(casStateLua),
	}
}

// NewFromURL connects to the KV store and verifies the connection.
func NewFromURL(url string, brk *breaker.Breaker) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.New("cache: invalid redis URL")
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return New(client, brk), nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) key(parts ...string) string {
	return s.namespace + ":" + strings.Join(parts, ":")
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

// do runs one KV operation under the breaker. fn must swallow redis.Nil
// itself; any error it returns counts as a dependency failure.
func (s *Store) do(ctx context.Context, op string, fn func() error) error {
	if s.brk != nil {
		if err := s.brk.Allow(); err != nil {
			return err
		}
	}
	err := fn()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		if s.brk != nil {
			s.brk.Failure()
		}
		logger.Warn("cache: kv operation failed", "op", op, "error", err)
		return err
	}
	if s.brk != nil && err == nil {
		s.brk.Success()
	}
	return err
}

// CachedDecision returns a previously stored decision blob for the given
// message hash, if any.
func (s *Store) CachedDecision(ctx context.Context, hash string) ([]byte, bool) {
	var blob []byte
	err := s.do(ctx, "decision_cache.get", func() error {
		v, err := s.rdb.Get(ctx, s.key("decision_cache", hash)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		blob = v
		return err
	})
	return blob, err == nil && blob != nil
}

// StoreDecision caches a decision blob under the message hash for five
// minutes.
func (s *Store) StoreDecision(ctx context.Context, hash string, blob []byte) {
	_ = s.do(ctx, "decision_cache.set", func() error {
		return s.rdb.Set(ctx, s.key("decision_cache", hash), blob, decisionTTL).Err()
	})
}

// FirstExecution claims the idempotency slot for an action key. It returns
// true when this caller is the first executor within the dedup window. A KV
// failure fails open: the action proceeds, at the cost of a possible
// duplicate.
func (s *Store) FirstExecution(ctx context.Context, actionKey string) bool {
	first := true
	err := s.do(ctx, "idempotency.claim", func() error {
		ok, err := s.rdb.SetNX(ctx, s.key("idempotency", actionKey), "1", idempotencyTTL).Result()
		if err != nil {
			return err
		}
		first = ok
		return nil
	})
	if err != nil {
		return true
	}
	return first
}

// SetAdmin caches a user's admin status for a group.
func (s *Store) SetAdmin(ctx context.Context, chatID, userID int64, isAdmin bool) {
	v := "0"
	if isAdmin {
		v = "1"
	}
	_ = s.do(ctx, "admin.set", func() error {
		return s.rdb.Set(ctx, s.key("admin", itoa(chatID), itoa(userID)), v, adminTTL).Err()
	})
}

// IsAdmin reports the cached admin status. cached is false on a miss or KV
// failure, telling the caller to hit the upstream API.
func (s *Store) IsAdmin(ctx context.Context, chatID, userID int64) (isAdmin, cached bool) {
	err := s.do(ctx, "admin.get", func() error {
		v, err := s.rdb.Get(ctx, s.key("admin", itoa(chatID), itoa(userID))).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		cached = true
		isAdmin = v == "1"
		return nil
	})
	if err != nil {
		return false, false
	}
	return isAdmin, cached
}

// MarkAdminMessage remembers that a message was authored by an admin, so
// replies to it can be credited later.
func (s *Store) MarkAdminMessage(ctx context.Context, chatID, messageID int64) {
	_ = s.do(ctx, "admin_msg.set", func() error {
		return s.rdb.Set(ctx, s.key("admin_msg", itoa(chatID), itoa(messageID)), "1", adminMsgTTL).Err()
	})
}

// IsAdminMessage reports whether the message was authored by an admin.
// Fail-open: unknown on KV failure.
func (s *Store) IsAdminMessage(ctx context.Context, chatID, messageID int64) (bool, error) {
	isAdmin := false
	err := s.do(ctx, "admin_msg.get", func() error {
		_, err := s.rdb.Get(ctx, s.key("admin_msg", itoa(chatID), itoa(messageID))).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		isAdmin = true
		return nil
	})
	if err != nil {
		return false, nil
	}
	return isAdmin, nil
}
