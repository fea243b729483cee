package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jogardn/golocal-storefront/internal/apperr"
	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 24 * time.Hour

var ErrInFlight = fmt.Errorf("a request with this idempotency key is in flight: %w", apperr.ErrConflict)

// Record is a completed response kept for replay.
type Record struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// Store claims keys and remembers the response recorded for them.
type Store interface {
	// Begin claims key. It returns the stored record when key already
	// completed, ErrInFlight while another request holds it, or nil, nil when
	// the caller now owns it.
	Begin(ctx context.Context, key string, ttl time.Duration) (*Record, error)
	Complete(ctx context.Context, key string, record Record, ttl time.Duration) error
	// Release drops an unfinished claim so the request can be retried.
	Release(ctx context.Context, key string) error
}

type memoryEntry struct {
	record  *Record
	expires time.Time
}

type MemoryStore struct {
	mutex   sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Begin(ctx context.Context, key string, ttl time.Duration) (*Record, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	if entry, ok := s.entries[key]; ok && now.Before(entry.expires) {
		if entry.record == nil {
			return nil, ErrInFlight
		}
		record := *entry.record
		return &record, nil
	}
	s.entries[key] = memoryEntry{expires: now.Add(ttl)}
	return nil, nil
}

func (s *MemoryStore) Complete(ctx context.Context, key string, record Record, ttl time.Duration) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.entries[key] = memoryEntry{record: &record, expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if entry, ok := s.entries[key]; ok && entry.record == nil {
		delete(s.entries, key)
	}
	return nil
}

const (
	redisKeyPrefix = "idempotency:"
	pendingMarker  = "pending"
)

type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Begin(ctx context.Context, key string, ttl time.Duration) (*Record, error) {
	k := redisKeyPrefix + key
	claimed, err := s.client.SetNX(ctx, k, pendingMarker, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if claimed {
		return nil, nil
	}

	value, err := s.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		claimed, err = s.client.SetNX(ctx, k, pendingMarker, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to claim idempotency key: %w", err)
		}
		if claimed {
			return nil, nil
		}
		return nil, ErrInFlight
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	if value == pendingMarker {
		return nil, ErrInFlight
	}

	var record Record
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency record: %w", err)
	}
	return &record, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, record Record, ttl time.Duration) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency record: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store idempotency record: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	k := redisKeyPrefix + key
	value, err := s.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read idempotency key: %w", err)
	}
	if value != pendingMarker {
		return nil
	}
	return s.client.Del(ctx, k).Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
