package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis"

	"github.com/nugget/mcphub/internal/opstate"
)

// Defaults for where the dynamic set is persisted.
const (
	// DefaultNamespace is the opstate namespace for registry state.
	DefaultNamespace = "mcp"

	// DefaultKey is the single key holding the dynamic set.
	DefaultKey = "dynamic_servers"

	// DefaultRedisKey is the Redis key holding the dynamic set.
	DefaultRedisKey = "mcphub:dynamic_servers"
)

// storeVersion is the version written into the persisted envelope.
const storeVersion = 1

// DynamicStore persists the set of servers added at runtime. The whole
// set is read and written as one value.
type DynamicStore interface {
	Load(ctx context.Context) (map[string]Descriptor, error)
	Save(ctx context.Context, servers map[string]Descriptor) error
}

// storedSet is the persisted JSON envelope.
type storedSet struct {
	Version int                   `json:"version"`
	Servers map[string]Descriptor `json:"servers"`
}

// encodeServers renders the dynamic set as a versioned JSON document.
func encodeServers(servers map[string]Descriptor) (string, error) {
	if servers == nil {
		servers = map[string]Descriptor{}
	}
	data, err := json.Marshal(storedSet{Version: storeVersion, Servers: servers})
	if err != nil {
		return "", fmt.Errorf("encode dynamic servers: %w", err)
	}
	return string(data), nil
}

// decodeServers parses a stored dynamic set. An empty value is an empty
// set. A bare name→descriptor mapping without the envelope is accepted
// as well.
func decodeServers(raw string) (map[string]Descriptor, error) {
	servers := map[string]Descriptor{}
	if raw == "" {
		return servers, nil
	}

	var env storedSet
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode dynamic servers: %w", err)
	}
	if env.Version > storeVersion {
		return nil, fmt.Errorf("decode dynamic servers: unsupported version %d", env.Version)
	}
	if env.Version == 0 && env.Servers == nil {
		if err := json.Unmarshal([]byte(raw), &servers); err != nil {
			return nil, fmt.Errorf("decode dynamic servers: %w", err)
		}
		return servers, nil
	}

	for name, d := range env.Servers {
		servers[name] = d
	}
	return servers, nil
}

// MemoryStore keeps the dynamic set in process memory. Useful for tests
// and for deployments that do not need dynamic servers to survive a
// restart.
type MemoryStore struct {
	mu  sync.Mutex
	raw string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a copy of the stored set.
func (s *MemoryStore) Load(_ context.Context) (map[string]Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return decodeServers(s.raw)
}

// Save replaces the stored set. The set is serialized so later changes
// to the caller's map do not leak in.
func (s *MemoryStore) Save(_ context.Context, servers map[string]Descriptor) error {
	raw, err := encodeServers(servers)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.raw = raw
	s.mu.Unlock()
	return nil
}

// OpStateStore persists the dynamic set in the SQLite-backed opstate
// key-value store under one namespace/key pair.
type OpStateStore struct {
	state     *opstate.Store
	namespace string
	key       string
}

// NewOpStateStore wraps an opstate store. Empty namespace or key fall
// back to DefaultNamespace and DefaultKey.
func NewOpStateStore(state *opstate.Store, namespace, key string) *OpStateStore {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if key == "" {
		key = DefaultKey
	}
	return &OpStateStore{state: state, namespace: namespace, key: key}
}

// Load reads the dynamic set.
func (s *OpStateStore) Load(ctx context.Context) (map[string]Descriptor, error) {
	raw, err := s.state.Get(ctx, s.namespace, s.key)
	if err != nil {
		return nil, fmt.Errorf("load dynamic servers: %w", err)
	}
	return decodeServers(raw)
}

// Save writes the dynamic set.
func (s *OpStateStore) Save(ctx context.Context, servers map[string]Descriptor) error {
	raw, err := encodeServers(servers)
	if err != nil {
		return err
	}
	if err := s.state.Set(ctx, s.namespace, s.key, raw); err != nil {
		return fmt.Errorf("save dynamic servers: %w", err)
	}
	return nil
}

// RedisStore persists the dynamic set as a single Redis string value.
type RedisStore struct {
	db  redis.UniversalClient
	key string
}

// NewRedisStore creates a Redis-backed store. An empty key falls back to
// DefaultRedisKey.
func NewRedisStore(db redis.UniversalClient, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{db: db, key: key}
}

// Load reads the dynamic set. A missing key is an empty set.
func (s *RedisStore) Load(ctx context.Context) (map[string]Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := s.db.Get(s.key).Result()
	if err == redis.Nil {
		return map[string]Descriptor{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("load dynamic servers from redis: %w", err)
	}
	return decodeServers(raw)
}

// Save writes the dynamic set with no expiry.
func (s *RedisStore) Save(ctx context.Context, servers map[string]Descriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encodeServers(servers)
	if err != nil {
		return err
	}
	if err := s.db.Set(s.key, raw, 0).Err(); err != nil {
		return fmt.Errorf("save dynamic servers to redis: %w", err)
	}
	return nil
}
