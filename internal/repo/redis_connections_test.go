package repo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auditline/internal/domain"
)

// Set AUDITLINE_TEST_REDIS_ADDR (e.g. localhost:6379) to run against a real server.
func setupRedisRecords(t *testing.T) *RedisConnectionRecords {
	t.Helper()
	addr := os.Getenv("AUDITLINE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AUDITLINE_TEST_REDIS_ADDR not set")
	}
	s := NewRedisConnectionRecords(addr, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Client.Ping(ctx).Err(); err != nil {
		s.Close()
		t.Skipf("redis at %s unreachable: %v", addr, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRedisConnectionRecordsLifecycle(t *testing.T) {
	s := setupRedisRecords(t)
	ctx := context.Background()
	owner := "u-" + uuid.NewString()
	c1, c2 := uuid.NewString(), uuid.NewString()
	t.Cleanup(func() {
		s.Client.Del(context.Background(), redisConnPrefix+c1, redisConnPrefix+c2, redisOwnerPrefix+owner)
	})
	opened := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.ConnectionOpened(ctx, domain.ConnectionRecord{ID: c1, OwnerID: owner, Active: true, OpenedAt: opened}))
	require.NoError(t, s.ConnectionOpened(ctx, domain.ConnectionRecord{ID: c2, OwnerID: owner, Active: true, OpenedAt: opened}))

	// Open records do not expire and are indexed under their owner.
	ttl, err := s.Client.TTL(ctx, redisConnPrefix+c1).Result()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl)
	members, err := s.Client.SMembers(ctx, redisOwnerPrefix+owner).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{c1, c2}, members)

	closed := opened.Add(time.Minute)
	require.NoError(t, s.ConnectionClosed(ctx, domain.ConnectionRecord{ID: c1, OwnerID: owner, OpenedAt: opened, ClosedAt: &closed, Reason: "liveness_timeout"}))

	ttl, err = s.Client.TTL(ctx, redisConnPrefix+c1).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Hour)
	isMember, err := s.Client.SIsMember(ctx, redisOwnerPrefix+owner, c1).Result()
	require.NoError(t, err)
	assert.False(t, isMember)

	rec, err := s.Get(ctx, c1)
	require.NoError(t, err)
	assert.False(t, rec.Active)
	assert.Equal(t, "liveness_timeout", rec.Reason)
	require.NotNil(t, rec.ClosedAt)
	assert.True(t, rec.ClosedAt.Equal(closed))

	active, err := s.ActiveForOwner(ctx, owner)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, c2, active[0].ID)

	_, err = s.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}
