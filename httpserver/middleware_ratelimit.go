package httpserver

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultRedisKeyPrefix = "ratelimit:"
	defaultKeyTTL         = time.Minute
	globalBucket          = "global"
)

// RateLimitConfig configures the RateLimit stage.
type RateLimitConfig struct {
	// Limit is the refill rate in requests per second and Burst the bucket
	// capacity.
	Limit rate.Limit
	Burst int

	// KeyFunc picks the bucket. Nil means one bucket for all requests.
	KeyFunc KeyFunc

	// Redis shares buckets between instances. Nil keeps them in memory.
	Redis          redis.UniversalClient
	RedisKeyPrefix string

	// KeyTTL drops buckets idle for this long, in Redis and in memory.
	KeyTTL time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Limit:          100,
		Burst:          200,
		RedisKeyPrefix: defaultRedisKeyPrefix,
		KeyTTL:         defaultKeyTTL,
	}
}

// bucketStore takes one token from the bucket named key.
type bucketStore interface {
	take(ctx context.Context, key string) (bool, error)
}

// RateLimit rejects requests whose bucket is empty with 429 and a
// Retry-After header, or RESOURCE_EXHAUSTED for gRPC calls. If Redis
// fails the request is let through and the error logged.
func RateLimit(cfg RateLimitConfig) Middleware {
	if cfg.RedisKeyPrefix == "" {
		cfg.RedisKeyPrefix = defaultRedisKeyPrefix
	}
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = defaultKeyTTL
	}
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = func(*http.Request) string { return globalBucket }
	}

	var store bucketStore
	if cfg.Redis != nil {
		store = &redisBuckets{
			client: cfg.Redis,
			prefix: cfg.RedisKeyPrefix,
			rate:   float64(cfg.Limit),
			burst:  cfg.Burst,
			ttl:    int(math.Ceil(cfg.KeyTTL.Seconds())),
		}
	} else {
		store = newMemoryBuckets(cfg.Limit, cfg.Burst, cfg.KeyTTL)
	}

	retryAfter := tokenRetryAfter(cfg.Limit)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, err := store.take(r.Context(), keyFunc(r))
			switch {
			case err != nil:
				zerolog.Ctx(r.Context()).Warn().Err(err).Msg("rate limiter unavailable")
			case !ok:
				w.Header().Set("Retry-After", retryAfter)
				writeFault(w, r, http.StatusTooManyRequests, "rate_limit", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// tokenRetryAfter is the time one token takes to refill, at least 1s.
func tokenRetryAfter(limit rate.Limit) string {
	if limit <= 0 || limit == rate.Inf {
		return "1"
	}
	return strconv.Itoa(max(1, int(math.Ceil(1/float64(limit)))))
}

// memoryBuckets keeps one limiter per key in process memory. Buckets idle
// longer than ttl are swept at most once per ttl.
type memoryBuckets struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[string]*memoryBucket
	lastSweep time.Time
}

type memoryBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newMemoryBuckets(limit rate.Limit, burst int, ttl time.Duration) *memoryBuckets {
	return &memoryBuckets{
		limit:     limit,
		burst:     burst,
		ttl:       ttl,
		now:       time.Now,
		buckets:   make(map[string]*memoryBucket),
		lastSweep: time.Now(),
	}
}

func (m *memoryBuckets) take(_ context.Context, key string) (bool, error) {
	now := m.now()

	m.mu.Lock()
	if now.Sub(m.lastSweep) >= m.ttl {
		for k, b := range m.buckets {
			if now.Sub(b.lastSeen) >= m.ttl {
				delete(m.buckets, k)
			}
		}
		m.lastSweep = now
	}
	b, ok := m.buckets[key]
	if !ok {
		b = &memoryBucket{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.buckets[key] = b
	}
	b.lastSeen = now
	m.mu.Unlock()

	return b.limiter.AllowN(now, 1), nil
}

// tokenBucketScript refills and takes one token atomically.
// KEYS[1] bucket; ARGV rate (tokens/s), burst, now (ms), ttl (s).
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_update')
local tokens = tonumber(data[1])
local last_update = tonumber(data[2])

if tokens == nil then
    tokens = burst
    last_update = now
end

local elapsed_ms = math.max(0, now - last_update)
tokens = math.min(burst, tokens + (elapsed_ms / 1000.0) * rate)

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_update', now)
redis.call('EXPIRE', key, ttl)
return allowed
`)

// redisBuckets shares buckets between instances. The bucket state lives in
// a hash per key and is updated by tokenBucketScript.
type redisBuckets struct {
	client redis.UniversalClient
	prefix string
	rate   float64
	burst  int
	ttl    int
}

func (b *redisBuckets) take(ctx context.Context, key string) (bool, error) {
	allowed, err := tokenBucketScript.Run(ctx, b.client,
		[]string{b.prefix + key},
		b.rate, b.burst, time.Now().UnixMilli(), b.ttl,
	).Int()
	if err != nil {
		return false, err
	}
	return allowed == 1, nil
}

// RateLimitByIP limits each client IP in memory.
func RateLimitByIP(limit rate.Limit, burst int) Middleware {
	return RateLimit(RateLimitConfig{Limit: limit, Burst: burst, KeyFunc: KeyFuncByIP()})
}

// RateLimitByIPRedis limits each client IP across instances.
func RateLimitByIPRedis(rdb redis.UniversalClient, limit rate.Limit, burst int) Middleware {
	return RateLimit(RateLimitConfig{Limit: limit, Burst: burst, Redis: rdb, KeyFunc: KeyFuncByIP()})
}
