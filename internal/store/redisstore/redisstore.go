// Package redisstore implements store.Store on top of Redis
// (config.BackendExternalKV). Each agent snapshot (including its log ring)
// is serialized as a single JSON blob under a namespaced key, so the
// AgentRegistry's per-agent critical section still governs ordering; this
// package only has to provide atomic get/set of one blob.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/agentwatch/agentwatch/internal/agent"
	"github.com/agentwatch/agentwatch/internal/store"
)

const keyPrefix = "agentwatch:agent:"
const indexKey = "agentwatch:agents"

// Store is a Redis-backed store.Store implementation.
type Store struct {
	client *redis.Client
}

var _ store.Store = (*Store)(nil)

// New constructs a Store talking to the Redis server at addr.
func New(addr string) *Store {
	return &Store{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewFromClient wraps an already-constructed client, so the same client can
// also back the Pub/Sub sink (see NewSink).
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.client.Close() }

func key(id string) string { return keyPrefix + id }

// Save serializes a and writes it along with an index-set membership so
// LoadAll can enumerate agents without a KEYS scan.
func (s *Store) Save(ctx context.Context, a *agent.Agent) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("redisstore: marshal: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key(a.ID), data, 0)
	pipe.SAdd(ctx, indexKey, a.ID)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redisstore: save %s: %w", a.ID, err)
	}
	return nil
}

// Load fetches and deserializes the snapshot for id.
func (s *Store) Load(ctx context.Context, id string) (*agent.Agent, error) {
	data, err := s.client.Get(ctx, key(id)).Bytes()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: load %s: %w", id, err)
	}
	var a agent.Agent
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("redisstore: unmarshal %s: %w", id, err)
	}
	return &a, nil
}

// Delete removes the snapshot and its index membership for id.
func (s *Store) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key(id))
	pipe.SRem(ctx, indexKey, id)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redisstore: delete %s: %w", id, err)
	}
	return nil
}

// LoadAll enumerates every id in the index set and loads each snapshot.
// Missing entries (evicted between SMembers and Get) are skipped rather
// than surfaced as an error; reconciliation at startup is best-effort.
func (s *Store) LoadAll(ctx context.Context) ([]*agent.Agent, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list ids: %w", err)
	}
	out := make([]*agent.Agent, 0, len(ids))
	for _, id := range ids {
		a, err := s.Load(ctx, id)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
