// Package session keeps per-browser-session payment state: the live
// intent for each booking and the mounted payment views.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"payflow/internal/common/money"
	"payflow/internal/payment/domain"
)

// Config holds Redis configuration.
type Config struct {
	Addr      string        `envconfig:"REDIS_ADDR"`
	Password  string        `envconfig:"REDIS_PASSWORD"`
	DB        int           `envconfig:"REDIS_DB" default:"0"`
	IntentTTL time.Duration `envconfig:"SESSION_INTENT_TTL" default:"30m"`
}

// IntentCache remembers the intent created for a booking within a session,
// so reopening the payment page does not mint a second intent.
type IntentCache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, sessionID, bookingID string) (*domain.PaymentIntent, error)
	Put(ctx context.Context, sessionID string, intent *domain.PaymentIntent) error
	Delete(ctx context.Context, sessionID, bookingID string) error
}

func intentKey(sessionID, bookingID string) string {
	return fmt.Sprintf("payflow:intent:%s:%s", sessionID, bookingID)
}

type cachedIntent struct {
	ID           string    `json:"id"`
	ClientSecret string    `json:"client_secret"`
	AmountMinor  int64     `json:"amount_minor"`
	Currency     string    `json:"currency"`
	BookingID    string    `json:"booking_id"`
	CreatedAt    time.Time `json:"created_at"`
}

func encodeIntent(pi *domain.PaymentIntent) ([]byte, error) {
	return json.Marshal(cachedIntent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		AmountMinor:  pi.Amount.AmountMinor,
		Currency:     string(pi.Amount.Currency),
		BookingID:    pi.BookingID,
		CreatedAt:    pi.CreatedAt,
	})
}

func decodeIntent(data []byte) (*domain.PaymentIntent, error) {
	var c cachedIntent
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &domain.PaymentIntent{
		ID:           c.ID,
		ClientSecret: c.ClientSecret,
		Amount:       money.New(c.AmountMinor, money.Currency(c.Currency)),
		BookingID:    c.BookingID,
		Status:       domain.IntentCreated,
		CreatedAt:    c.CreatedAt,
	}, nil
}

// RedisIntentCache stores intents in Redis with a fixed TTL.
type RedisIntentCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

func NewRedisIntentCache(rdb *redis.Client, ttl time.Duration) *RedisIntentCache {
	return &RedisIntentCache{rdb: rdb, ttl: ttl}
}

func (c *RedisIntentCache) Get(ctx context.Context, sessionID, bookingID string) (*domain.PaymentIntent, error) {
	data, err := c.rdb.Get(ctx, intentKey(sessionID, bookingID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cached intent: %w", err)
	}
	pi, err := decodeIntent(data)
	if err != nil {
		return nil, fmt.Errorf("decoding cached intent: %w", err)
	}
	return pi, nil
}

func (c *RedisIntentCache) Put(ctx context.Context, sessionID string, intent *domain.PaymentIntent) error {
	data, err := encodeIntent(intent)
	if err != nil {
		return fmt.Errorf("encoding intent: %w", err)
	}
	if err := c.rdb.Set(ctx, intentKey(sessionID, intent.BookingID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("caching intent: %w", err)
	}
	return nil
}

func (c *RedisIntentCache) Delete(ctx context.Context, sessionID, bookingID string) error {
	if err := c.rdb.Del(ctx, intentKey(sessionID, bookingID)).Err(); err != nil {
		return fmt.Errorf("deleting cached intent: %w", err)
	}
	return nil
}

// MemoryIntentCache is the in-process IntentCache used without Redis.
type MemoryIntentCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	data    []byte
	expires time.Time
}

func NewMemoryIntentCache(ttl time.Duration) *MemoryIntentCache {
	return &MemoryIntentCache{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (c *MemoryIntentCache) Get(_ context.Context, sessionID, bookingID string) (*domain.PaymentIntent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := intentKey(sessionID, bookingID)
	e, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return nil, nil
	}
	return decodeIntent(e.data)
}

func (c *MemoryIntentCache) Put(_ context.Context, sessionID string, intent *domain.PaymentIntent) error {
	data, err := encodeIntent(intent)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[intentKey(sessionID, intent.BookingID)] = memoryEntry{data: data, expires: c.now().Add(c.ttl)}
	return nil
}

func (c *MemoryIntentCache) Delete(_ context.Context, sessionID, bookingID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, intentKey(sessionID, bookingID))
	return nil
}
