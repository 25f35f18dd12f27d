package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrVersionConflict reports a lost compare-and-set race on a trust state
// record. The caller reloads and retries once.
var ErrVersionConflict = errors.New("cache: state version conflict")

// Trust states live in hashes so the version can be checked server-side
// without parsing the JSON payload:
//
//	sandbox:{chat_id}:{user_id}   fields version, data   TTL = remaining duration
//	softwatch:{chat_id}:{user_id} fields version, data   TTL = remaining duration

// casStateLua writes the payload only when the stored version matches the
// caller's expectation. Expected version 0 means "create only".
// KEYS[1] state hash. ARGV: expected version, new version, payload, TTL secs.
const casStateLua = `
local cur = redis.call("HGET", KEYS[1], "version")
if cur then
  if tonumber(cur) ~= tonumber(ARGV[1]) then
    return 0
  end
elseif tonumber(ARGV[1]) ~= 0 then
  return 0
end
redis.call("HSET", KEYS[1], "version", ARGV[2], "data", ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call("EXPIRE", KEYS[1], ARGV[4])
else
  redis.call("PERSIST", KEYS[1])
end
return 1
`

// SandboxKey returns the storage key for a user's sandbox state.
func (s *Store) SandboxKey(chatID, userID int64) string {
	return s.key("sandbox", itoa(chatID), itoa(userID))
}

// SoftWatchKey returns the storage key for a user's soft-watch state.
func (s *Store) SoftWatchKey(chatID, userID int64) string {
	return s.key("softwatch", itoa(chatID), itoa(userID))
}

// LoadState reads a versioned state record. ok is false when absent. Unlike
// the read paths feeding the analyzers, state errors are surfaced: the trust
// manager decides its own fallback.
func (s *Store) LoadState(ctx context.Context, key string) (data []byte, version int64, ok bool, err error) {
	err = s.do(ctx, "state.load", func() error {
		fields, rerr := s.rdb.HGetAll(ctx, key).Result()
		if rerr != nil {
			return rerr
		}
		if len(fields) == 0 {
			return nil
		}
		v, perr := strconv.ParseInt(fields["version"], 10, 64)
		if perr != nil {
			return errors.New("cache: corrupt state version at " + key)
		}
		data, version, ok = []byte(fields["data"]), v, true
		return nil
	})
	if err != nil {
		return nil, 0, false, err
	}
	return data, version, ok, nil
}

// StoreState writes a versioned state record iff the stored version still
// equals expectedVersion (0 = the record must not exist yet). ttl <= 0
// persists the key.
func (s *Store) StoreState(ctx context.Context, key string, data []byte, expectedVersion, newVersion int64, ttl time.Duration) error {
	conflict := false
	err := s.do(ctx, "state.store", func() error {
		ok, rerr := s.casScript.Run(ctx, s.rdb, []string{key},
			expectedVersion, newVersion, string(data), int(ttl.Seconds())).Int64()
		if rerr != nil {
			return rerr
		}
		conflict = ok != 1
		return nil
	})
	if err != nil {
		return err
	}
	if conflict {
		return ErrVersionConflict
	}
	return nil
}

// DeleteState removes a state record outright (admin release, expiry sweep).
func (s *Store) DeleteState(ctx context.Context, key string) error {
	return s.do(ctx, "state.delete", func() error {
		return s.rdb.Del(ctx, key).Err()
	})
}

// StateTTL reports the remaining lifetime of a state record; zero when the
// record is absent or persistent.
func (s *Store) StateTTL(ctx context.Context, key string) (time.Duration, error) {
	var ttl time.Duration
	err := s.do(ctx, "state.ttl", func() error {
		d, rerr := s.rdb.TTL(ctx, key).Result()
		if rerr != nil && !errors.Is(rerr, redis.Nil) {
			return rerr
		}
		if d > 0 {
			ttl = d
		}
		return nil
	})
	return ttl, err
}
