package state

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Key prefixes match the shared-store key layout the router documents
// externally, so an operator can inspect state with redis-cli directly.
const (
	rpmKeyPrefix     = "usage:rpm:"
	tpmKeyPrefix     = "usage:tpm:"
	sessionKeyPrefix = "session:"
)

// recordScript atomically purges stale members, adds the new sample to
// both sorted sets, and refreshes each key's TTL as a safety net in case
// the provider goes quiet and natural purges stop happening.
const recordScript = `
local rpm_key = KEYS[1]
local tpm_key = KEYS[2]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local tokens = ARGV[3]
local nonce = ARGV[4]
local cutoff = now - window

redis.call('ZREMRANGEBYSCORE', rpm_key, '-inf', '(' .. cutoff)
redis.call('ZREMRANGEBYSCORE', tpm_key, '-inf', '(' .. cutoff)

local rpm_member = tostring(now) .. ':' .. nonce
local tpm_member = tostring(now) .. ':' .. tokens .. ':' .. nonce

redis.call('ZADD', rpm_key, now, rpm_member)
redis.call('ZADD', tpm_key, now, tpm_member)

local ttl = math.floor(window * 2)
redis.call('EXPIRE', rpm_key, ttl)
redis.call('EXPIRE', tpm_key, ttl)

return 1
`

// usageScript purges stale members from both sets, then returns the live
// RPM count and the raw TPM members so the caller can decode and sum
// token counts out of band.
const usageScript = `
local rpm_key = KEYS[1]
local tpm_key = KEYS[2]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local cutoff = now - window

redis.call('ZREMRANGEBYSCORE', rpm_key, '-inf', '(' .. cutoff)
redis.call('ZREMRANGEBYSCORE', tpm_key, '-inf', '(' .. cutoff)

local rpm_count = redis.call('ZCARD', rpm_key)
local tpm_members = redis.call('ZRANGEBYSCORE', tpm_key, cutoff, now)

return {rpm_count, tpm_members}
`

// RedisStore is the shared-store Backend. Every mutating operation is a
// single atomic pipeline (here, a Lua script) so no two instances can
// interleave a purge with a concurrent add.
type RedisStore struct {
	client       *redis.Client
	recordScript *redis.Script
	usageScript  *redis.Script
	now          func() time.Time
}

// NewRedisStore wraps an existing Redis client. The caller owns the
// client's lifecycle beyond Close, which only releases the script cache.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:       client,
		recordScript: redis.NewScript(recordScript),
		usageScript:  redis.NewScript(usageScript),
		now:          time.Now,
	}
}

func rpmKey(provider string) string { return rpmKeyPrefix + provider }
func tpmKey(provider string) string { return tpmKeyPrefix + provider }
func sessionKey(id string) string   { return sessionKeyPrefix + id }

// RecordRequest appends a sample under an atomic pipeline that also
// purges stale members and refreshes key TTLs.
func (r *RedisStore) RecordRequest(ctx context.Context, provider string, tokens int, win time.Duration) error {
	now := float64(r.now().UnixNano()) / 1e9
	nonce := uuid.NewString()

	_, err := r.recordScript.Run(ctx, r.client,
		[]string{rpmKey(provider), tpmKey(provider)},
		now, win.Seconds(), tokens, nonce,
	).Result()
	if err != nil {
		return &ErrUnavailable{Op: "RecordRequest", Err: err}
	}
	return nil
}

// GetUsage purges stale members then aggregates RPM/TPM using the same
// [now-window, now] range as the purge, so per-instance clock skew cannot
// cause double-counting.
func (r *RedisStore) GetUsage(ctx context.Context, provider string, win time.Duration) (int, int, error) {
	now := float64(r.now().UnixNano()) / 1e9

	res, err := r.usageScript.Run(ctx, r.client,
		[]string{rpmKey(provider), tpmKey(provider)},
		now, win.Seconds(),
	).Result()
	if err != nil {
		return 0, 0, &ErrUnavailable{Op: "GetUsage", Err: err}
	}

	rows, ok := res.([]interface{})
	if !ok || len(rows) != 2 {
		return 0, 0, &ErrUnavailable{Op: "GetUsage", Err: fmt.Errorf("unexpected script result shape: %T", res)}
	}

	rpm, err := toInt64(rows[0])
	if err != nil {
		return 0, 0, &ErrUnavailable{Op: "GetUsage", Err: err}
	}

	members, ok := rows[1].([]interface{})
	if !ok {
		return 0, 0, &ErrUnavailable{Op: "GetUsage", Err: fmt.Errorf("unexpected tpm member list type: %T", rows[1])}
	}

	tpm := 0
	for _, m := range members {
		s, ok := m.(string)
		if !ok {
			continue
		}
		parts := strings.SplitN(s, ":", 3)
		if len(parts) != 3 {
			continue
		}
		n, convErr := strconv.Atoi(parts[1])
		if convErr != nil {
			continue
		}
		tpm += n
	}

	return int(rpm), tpm, nil
}

// GetSessionProvider reads the native-TTL session key; a miss or expiry
// both surface as ok == false.
func (r *RedisStore) GetSessionProvider(ctx context.Context, sessionID string) (string, bool, error) {
	val, err := r.client.Get(ctx, sessionKey(sessionID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, &ErrUnavailable{Op: "GetSessionProvider", Err: err}
	}
	return val, true, nil
}

// SetSessionProvider stores the binding with native Redis TTL.
func (r *RedisStore) SetSessionProvider(ctx context.Context, sessionID, provider string, ttl time.Duration) error {
	if err := r.client.Set(ctx, sessionKey(sessionID), provider, ttl).Err(); err != nil {
		return &ErrUnavailable{Op: "SetSessionProvider", Err: err}
	}
	return nil
}

// Close releases the underlying Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func toInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", v)
	}
}
