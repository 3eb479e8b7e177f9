package proxy

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RotationStore hands out round-robin positions per owner. Advance is atomic:
// concurrent callers never observe the same position.
type RotationStore interface {
	Advance(ctx context.Context, owner string) (RotationState, error)
}

// RedisRotation keeps round-robin counters in Redis so that all workers share them.
// Losing them only restarts the rotation.
type RedisRotation struct {
	client *redis.Client
}

func NewRedisRotation(client *redis.Client) *RedisRotation {
	return &RedisRotation{client: client}
}

func rotationKey(owner string) string {
	return "proxy:rr:" + owner
}

// Advance increments owner's counter and returns the position before it.
func (r *RedisRotation) Advance(ctx context.Context, owner string) (RotationState, error) {
	n, err := r.client.Incr(ctx, rotationKey(owner)).Uint64()
	if err != nil {
		return RotationState{}, fmt.Errorf("advance rotation for %s: %w", owner, err)
	}
	return RotationState{Counter: n - 1}, nil
}

// MemoryRotation is a process-local RotationStore.
type MemoryRotation struct {
	mu       sync.Mutex
	counters map[string]uint64
}

func NewMemoryRotation() *MemoryRotation {
	return &MemoryRotation{counters: make(map[string]uint64)}
}

func (m *MemoryRotation) Advance(_ context.Context, owner string) (RotationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.counters[owner]
	m.counters[owner] = n + 1
	return RotationState{Counter: n}, nil
}
