package redisstore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentwatch/agentwatch/internal/agent"
	"github.com/agentwatch/agentwatch/internal/store"
)

// These tests exercise a real Redis server and are skipped unless one is
// reachable at AGENTWATCH_TEST_REDIS_ADDR, matching how the rest of the
// store suite keeps unit tests hermetic while still covering the wire
// format against the genuine client.
func testStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("AGENTWATCH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AGENTWATCH_TEST_REDIS_ADDR not set, skipping redisstore integration test")
	}
	s := New(addr)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisSaveLoadRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	a := &agent.Agent{ID: "it-a1", Status: agent.StatusIdle, ProjectPath: "/repo"}

	require.NoError(t, s.Save(ctx, a))
	t.Cleanup(func() { _ = s.Delete(ctx, a.ID) })

	got, err := s.Load(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ProjectPath, got.ProjectPath)
}

func TestRedisLoadMissingReturnsErrNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.Load(context.Background(), "it-missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRedisLoadAllEnumeratesIndex(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	a1 := &agent.Agent{ID: "it-b1"}
	a2 := &agent.Agent{ID: "it-b2"}
	require.NoError(t, s.Save(ctx, a1))
	require.NoError(t, s.Save(ctx, a2))
	t.Cleanup(func() {
		_ = s.Delete(ctx, a1.ID)
		_ = s.Delete(ctx, a2.ID)
	})

	all, err := s.LoadAll(ctx)
	require.NoError(t, err)
	ids := make(map[string]bool, len(all))
	for _, a := range all {
		ids[a.ID] = true
	}
	assert.True(t, ids[a1.ID])
	assert.True(t, ids[a2.ID])
}

func TestRedisDeleteRemovesFromIndex(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	a := &agent.Agent{ID: "it-c1"}
	require.NoError(t, s.Save(ctx, a))
	require.NoError(t, s.Delete(ctx, a.ID))

	_, err := s.Load(ctx, a.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
