package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/orderpay/internal/cache"
	"github.com/smallbiznis/orderpay/internal/clock"
	"go.uber.org/zap"
)

// DefaultInFlightTTL bounds how long a crashed handler can block redelivery.
const DefaultInFlightTTL = 30 * time.Second

// InFlight marks a payment id as being processed. It is a best-effort
// pre-check; the unique constraints in the database decide the winner.
type InFlight interface {
	Acquire(ctx context.Context, paymentID string) (release func(), acquired bool, err error)
}

type memoryInFlight struct {
	entries cache.Cache[string, string]
	ttl     time.Duration
}

// NewMemoryInFlight keeps markers in process memory. They reset on restart.
func NewMemoryInFlight(clk clock.Clock) InFlight {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &memoryInFlight{
		entries: cache.NewTTLCacheWithClock[string, string](clk.Now),
		ttl:     DefaultInFlightTTL,
	}
}

func (m *memoryInFlight) Acquire(_ context.Context, paymentID string) (func(), bool, error) {
	key := strings.TrimSpace(paymentID)
	if key == "" {
		return func() {}, false, ErrEmptyKey
	}
	token := uuid.NewString()
	if !m.entries.SetNX(key, token, m.ttl) {
		return func() {}, false, nil
	}
	return func() {
		if current, ok := m.entries.Get(key); ok && current == token {
			m.entries.Delete(key)
		}
	}, true, nil
}

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const inflightKeyPrefix = "orderpay:inflight:"

type redisInFlight struct {
	client *redis.Client
	script *redis.Script
	ttl    time.Duration
	log    *zap.Logger
}

// NewRedisInFlight shares markers across processes through SET NX.
func NewRedisInFlight(client *redis.Client, log *zap.Logger) InFlight {
	if log == nil {
		log = zap.NewNop()
	}
	return &redisInFlight{
		client: client,
		script: redis.NewScript(releaseScript),
		ttl:    DefaultInFlightTTL,
		log:    log.Named("idempotency.inflight"),
	}
}

func (r *redisInFlight) Acquire(ctx context.Context, paymentID string) (func(), bool, error) {
	if r.client == nil {
		return func() {}, false, errors.New("inflight redis client not configured")
	}
	id := strings.TrimSpace(paymentID)
	if id == "" {
		return func() {}, false, ErrEmptyKey
	}

	key := inflightKeyPrefix + id
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return func() {}, false, err
	}
	if !ok {
		return func() {}, false, nil
	}
	return func() {
		// Release on a fresh context so a cancelled request still frees the key.
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := r.script.Run(releaseCtx, r.client, []string{key}, token).Err(); err != nil {
			r.log.Warn("release in-flight marker", zap.String("payment_id", id), zap.Error(err))
		}
	}, true, nil
}

// ProvideInFlight picks the redis marker when a client is available.
func ProvideInFlight(client *redis.Client, clk clock.Clock, log *zap.Logger) InFlight {
	if client != nil {
		return NewRedisInFlight(client, log)
	}
	return NewMemoryInFlight(clk)
}
