package lock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/leasekeeper/internal/metrics"
)

const (
	backendRedis = "redis"

	// DefaultKeyPrefix namespaces every Redis key written by the store.
	DefaultKeyPrefix = "leasekeeper:"

	// DefaultRetryInterval is how often a blocked Acquire polls Redis.
	DefaultRetryInterval = 25 * time.Millisecond
)

// Status codes returned by the release and update scripts alongside a token.
const (
	statusOK      = 0
	statusStale   = 1
	statusMissing = 2
)

// Returned by the acquire script while the key is held.
const scriptHeld = -1

// globEscaper quotes the characters SCAN MATCH treats as wildcards.
var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

// KEYS: lock, token, epoch. ARGV: ttl ms.
var acquireScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 1 then
		return -1
	end
	local t = redis.call("INCR", KEYS[3])
	redis.call("SET", KEYS[1], t, "PX", ARGV[1])
	redis.call("SET", KEYS[2], t)
	return t
`)

// KEYS: lock, token, epoch. ARGV: token.
var releaseScript = redis.NewScript(`
	local cur = redis.call("GET", KEYS[2])
	if not cur then
		return {2, -1}
	end
	if redis.call("GET", KEYS[1]) ~= ARGV[1] then
		return {1, tonumber(cur)}
	end
	redis.call("DEL", KEYS[1])
	local t = redis.call("INCR", KEYS[3])
	redis.call("SET", KEYS[2], t)
	return {0, t}
`)

// KEYS: lock, token, epoch. ARGV: token, ttl ms.
var updateScript = redis.NewScript(`
	local cur = redis.call("GET", KEYS[2])
	if not cur then
		return {2, -1}
	end
	if redis.call("GET", KEYS[1]) ~= ARGV[1] then
		return {1, tonumber(cur)}
	end
	local t = redis.call("INCR", KEYS[3])
	redis.call("SET", KEYS[1], t, "PX", ARGV[2])
	redis.call("SET", KEYS[2], t)
	return {0, t}
`)

// RedisStore implements Store on Redis. Lease expiry is delegated to the
// key TTL, so no scheduler is involved. Keys are stored lower-cased.
type RedisStore struct {
	client        redis.UniversalClient
	logger        zerolog.Logger
	prefix        string
	retryInterval time.Duration
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithKeyPrefix sets the namespace prepended to every Redis key.
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithRetryInterval sets how often a blocked Acquire polls for the key.
func WithRetryInterval(d time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.retryInterval = d
		}
	}
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.UniversalClient, logger zerolog.Logger, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		client:        client,
		logger:        logger.With().Str("component", "redis-store").Logger(),
		prefix:        DefaultKeyPrefix,
		retryInterval: DefaultRetryInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) keys(key string) []string {
	id := strings.ToLower(key)
	return []string{
		s.prefix + "lock:" + id,
		s.prefix + "token:" + id,
		s.prefix + "epoch",
	}
}

// Acquire polls until the key is free or ctx is done.
func (s *RedisStore) Acquire(ctx context.Context, key string, duration time.Duration) (int64, error) {
	if err := validate(key, duration); err != nil {
		metrics.RecordLockOperation(backendRedis, "acquire", resultError)
		return -1, err
	}

	keys := s.keys(key)
	start := time.Now()
	for {
		token, err := acquireScript.Run(ctx, s.client, keys, duration.Milliseconds()).Int64()
		if err != nil {
			metrics.RecordLockOperation(backendRedis, "acquire", resultError)
			return -1, fmt.Errorf("acquire %q: %w", key, err)
		}
		if token != scriptHeld {
			metrics.RecordAcquireWait(backendRedis, time.Since(start).Seconds())
			metrics.RecordLockOperation(backendRedis, "acquire", resultOK)
			s.logger.Debug().Str("key", key).Int64("token", token).Msg("lock acquired")
			return token, nil
		}

		timer := time.NewTimer(s.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.RecordLockOperation(backendRedis, "acquire", resultError)
			return -1, ctx.Err()
		case <-timer.C:
		}
	}
}

// Release ends the lease identified by token.
func (s *RedisStore) Release(ctx context.Context, key string, token int64) (int64, error) {
	return s.run(ctx, "release", key, releaseScript, strconv.FormatInt(token, 10))
}

// Update extends the lease identified by token.
func (s *RedisStore) Update(ctx context.Context, key string, token int64, duration time.Duration) (int64, error) {
	if duration <= 0 {
		metrics.RecordLockOperation(backendRedis, "update", resultError)
		return -1, ErrInvalidDuration
	}
	return s.run(ctx, "update", key, updateScript, strconv.FormatInt(token, 10), duration.Milliseconds())
}

func (s *RedisStore) run(ctx context.Context, op, key string, script *redis.Script, args ...interface{}) (int64, error) {
	reply, err := script.Run(ctx, s.client, s.keys(key), args...).Int64Slice()
	if err == nil && len(reply) != 2 {
		err = fmt.Errorf("unexpected script reply %v", reply)
	}
	if err != nil {
		metrics.RecordLockOperation(backendRedis, op, resultError)
		return -1, fmt.Errorf("%s %q: %w", op, key, err)
	}

	status, token := reply[0], reply[1]
	switch status {
	case statusMissing:
		metrics.RecordLockOperation(backendRedis, op, resultNotFound)
		return -1, fmt.Errorf("%s %q: %w", op, key, ErrNotFound)
	case statusStale:
		metrics.RecordLockOperation(backendRedis, op, resultStale)
		return token, &StaleError{Key: key, Token: token}
	default:
		metrics.RecordLockOperation(backendRedis, op, resultOK)
		s.logger.Debug().Str("key", key).Str("operation", op).Int64("token", token).Msg("lock token replaced")
	}
	return token, nil
}

// Locks scans every known key. The snapshot is not atomic across keys.
func (s *RedisStore) Locks(ctx context.Context) ([]Info, error) {
	tokenPrefix := s.prefix + "token:"
	now := time.Now()

	var infos []Info
	iter := s.client.Scan(ctx, 0, globEscaper.Replace(tokenPrefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), tokenPrefix)

		token, err := s.client.Get(ctx, iter.Val()).Int64()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("read token for %q: %w", id, err)
		}

		ttl, err := s.client.PTTL(ctx, s.prefix+"lock:"+id).Result()
		if err != nil {
			return nil, fmt.Errorf("read ttl for %q: %w", id, err)
		}

		info := Info{Key: id, Token: token}
		if ttl > 0 {
			info.IsLocked = true
			info.ExpiresAt = now.Add(ttl)
		}
		infos = append(infos, info)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan locks: %w", err)
	}

	slices.SortFunc(infos, func(a, b Info) int { return strings.Compare(a.Key, b.Key) })
	return infos, nil
}
