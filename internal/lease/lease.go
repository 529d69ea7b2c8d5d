// Package lease provides exclusive, expiring ownership of scan tasks so a task
// id runs on at most one instance at a time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another owner holds the lease.
var ErrHeld = errors.New("lease held by another owner")

// Lease grants exclusive ownership of a key until released or expired.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Memory is a process-local lease used when no Redis is configured.
type Memory struct {
	mu      sync.Mutex
	held    map[string]time.Time
	nowFunc func() time.Time
}

// NewMemory creates an empty in-process lease table.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]time.Time), nowFunc: time.Now}
}

// Acquire takes the key if it is free or its previous holder expired.
func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	if exp, ok := m.held[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.held[key] = now.Add(ttl)
	return true, nil
}

// Release frees the key.
func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, key)
	return nil
}

const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// Redis is a lease shared by every instance pointed at the same server.
type Redis struct {
	client *redis.Client
	owner  string
	prefix string
}

// RedisOptions configures NewRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedis connects to Redis and verifies the server is reachable.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}
	return NewRedisWithClient(client, opts.Prefix), nil
}

// NewRedisWithClient wraps an existing client. Each instance gets a random owner id.
func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "fleetscan:lease:"
	}
	return &Redis{client: client, owner: uuid.NewString(), prefix: prefix}
}

// Owner returns the id this instance writes as the lease value.
func (r *Redis) Owner() string {
	return r.owner
}

// Acquire sets the key with NX semantics and a TTL.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, r.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	return ok, nil
}

// Release deletes the key only if this instance still owns it.
func (r *Redis) Release(ctx context.Context, key string) error {
	if _, err := r.client.Eval(ctx, releaseScript, []string{r.prefix + key}, r.owner).Result(); err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
