// Package redisstore is a shared cache.Backend over redis, for
// deployments running several keepcached processes against one
// store. It carries no cross-process coordination beyond "last
// writer wins" on Persist, matching the Non-goal that rules out
// multi-node coordination or replicated caches: this is a shared
// store, not a distributed cache.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const documentKey = "keepcached:cache-data"

// Backend stores the whole key->entry map as one JSON document under
// a single redis key, mirroring the document backend's storage model
// so the invariant layer in internal/cache sees the same contract
// regardless of which backend is configured.
type Backend struct {
	client *redis.Client
	ctx    context.Context
}

// New connects to addr/db with optional password.
func New(addr, password string, db int) *Backend {
	return &Backend{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ctx:    context.Background(),
	}
}

func (b *Backend) Load() (map[string][]byte, error) {
	raw, err := b.client.Get(b.ctx, documentKey).Bytes()
	if err == redis.Nil {
		return map[string][]byte{}, nil
	}
	if err != nil {
		return map[string][]byte{}, fmt.Errorf("redisstore: get: %w", err)
	}
	var m map[string][]byte
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string][]byte{}, fmt.Errorf("redisstore: corrupt document: %w", err)
	}
	return m, nil
}

func (b *Backend) Persist(all map[string][]byte) error {
	raw, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("redisstore: marshal: %w", err)
	}
	if err := b.client.Set(b.ctx, documentKey, raw, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: set: %w", err)
	}
	return nil
}

func (b *Backend) Close() error {
	return b.client.Close()
}
