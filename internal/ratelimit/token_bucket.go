// Package ratelimit implements Redis-backed token buckets shared by every API
// replica. Each scope (an operation such as upload) has its own budget, and
// each subject gets its own bucket within a scope.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "roomseg:ratelimit"

// Policy allows Capacity requests per Window, refilled continuously.
type Policy struct {
	Capacity int
	Window   time.Duration
}

func (p Policy) validate() error {
	if p.Capacity <= 0 {
		return errors.New("capacity must be positive")
	}
	if p.Window <= 0 {
		return errors.New("window must be positive")
	}
	return nil
}

func (p Policy) refillPerMS() float64 {
	return float64(p.Capacity) / float64(max(1, p.Window.Milliseconds()))
}

type Config struct {
	KeyPrefix string
	// Default applies to scopes without an entry in Scopes.
	Default Policy
	Scopes  map[string]Policy
}

type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

type RedisTokenBucket struct {
	client   redis.UniversalClient
	prefix   string
	fallback Policy
	scopes   map[string]Policy
	now      func() time.Time
}

func NewRedisTokenBucket(client redis.UniversalClient, cfg Config) (*RedisTokenBucket, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if err := cfg.Default.validate(); err != nil {
		return nil, fmt.Errorf("default policy: %w", err)
	}
	scopes := make(map[string]Policy, len(cfg.Scopes))
	for scope, policy := range cfg.Scopes {
		if err := policy.validate(); err != nil {
			return nil, fmt.Errorf("policy %q: %w", scope, err)
		}
		scopes[scope] = policy
	}

	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisTokenBucket{
		client:   client,
		prefix:   prefix,
		fallback: cfg.Default,
		scopes:   scopes,
		now:      time.Now,
	}, nil
}

// takeToken refills the bucket for the elapsed time, then spends one token if
// one is available. It replies {allowed, remaining, retry_after_ms}.
var takeToken = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "at")
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now

tokens = math.min(capacity, tokens + math.max(0, now - last) * rate)

local allowed, wait = 0, 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait = math.ceil((1 - tokens) / rate)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "at", now)
redis.call("PEXPIRE", KEYS[1], ttl)
return {allowed, math.floor(tokens), wait}
`)

// Allow spends one token from subject's bucket in scope.
func (l *RedisTokenBucket) Allow(ctx context.Context, scope, subject string) (Decision, error) {
	policy := l.policy(scope)
	raw, err := takeToken.Run(
		ctx,
		l.client,
		[]string{l.key(scope, subject)},
		policy.Capacity,
		policy.refillPerMS(),
		l.now().UTC().UnixMilli(),
		(2 * policy.Window).Milliseconds(),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("take token scope=%s: %w", scope, err)
	}

	reply, err := parseReply(raw)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:    reply[0] == 1,
		Limit:      int64(policy.Capacity),
		Remaining:  reply[1],
		RetryAfter: time.Duration(reply[2]) * time.Millisecond,
	}, nil
}

func (l *RedisTokenBucket) policy(scope string) Policy {
	if policy, ok := l.scopes[scope]; ok {
		return policy
	}
	return l.fallback
}

func (l *RedisTokenBucket) key(scope, subject string) string {
	if scope = strings.TrimSpace(scope); scope == "" {
		scope = "default"
	}
	if subject = strings.TrimSpace(subject); subject == "" {
		subject = "anonymous"
	}
	return l.prefix + ":" + scope + ":" + subject
}

// parseReply reads the script's three integer replies. Redis truncates Lua
// numbers to integers on the way out.
func parseReply(raw any) ([3]int64, error) {
	var out [3]int64
	values, ok := raw.([]any)
	if !ok || len(values) != len(out) {
		return out, fmt.Errorf("unexpected token bucket reply %v", raw)
	}
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return out, fmt.Errorf("token bucket reply %d has type %T", i, v)
		}
		out[i] = n
	}
	return out, nil
}
