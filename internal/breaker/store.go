package breaker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// MemoryStore keeps breaker state per process. Fine for a single replica and
// for tests; a multi-replica deployment should use the Redis store so all
// replicas share one view of provider health.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]*State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*State)}
}

func (s *MemoryStore) Get(_ context.Context, service string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[service]
	if !ok {
		return nil, nil
	}
	copied := *st
	return &copied, nil
}

func (s *MemoryStore) Put(_ context.Context, service string, st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *st
	s.states[service] = &copied
	return nil
}

// RedisStore shares breaker state across replicas through a Redis key per
// service name.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, ttl: 24 * time.Hour}
}

func (s *RedisStore) key(service string) string {
	return "breaker:" + service
}

func (s *RedisStore) Get(ctx context.Context, service string) (*State, error) {
	data, err := s.client.Get(ctx, s.key(service)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *RedisStore) Put(ctx context.Context, service string, st *State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(service), data, s.ttl).Err()
}
