package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/practpec/voyaj-api/pkg/subscription"
)

var _ subscription.LimitNoticeTracker = (*Storage)(nil)

// setupTestRedis starts an in-process Redis and a storage adapter on top of it
func setupTestRedis(t *testing.T) (*Storage, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	storage, err := New(client, DefaultConfig())
	require.NoError(t, err)
	return storage, mr
}

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		client     redis.UniversalClient
		config     Config
		wantErr    bool
		wantPrefix string
	}{
		{
			name:    "nil client",
			client:  nil,
			config:  DefaultConfig(),
			wantErr: true,
		},
		{
			name:       "empty config gets defaults",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     Config{},
			wantPrefix: "voyaj:",
		},
		{
			name:       "custom prefix",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     Config{KeyPrefix: "test:"},
			wantPrefix: "test:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage, err := New(tt.client, tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrefix, storage.config.KeyPrefix)
			assert.Equal(t, time.Second, storage.config.MinWindow)
		})
	}
}

func TestStorage_MarkLimitHit(t *testing.T) {
	storage, mr := setupTestRedis(t)
	ctx := context.Background()

	first, err := storage.MarkLimitHit(ctx, "user1:trips", 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := storage.MarkLimitHit(ctx, "user1:trips", 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, again)

	other, err := storage.MarkLimitHit(ctx, "user1:photos", 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, other, "keys are independent")

	assert.True(t, mr.Exists("voyaj:limit_notice:user1:trips"))
	assert.Equal(t, 24*time.Hour, mr.TTL("voyaj:limit_notice:user1:trips"))

	mr.FastForward(24*time.Hour + time.Second)
	later, err := storage.MarkLimitHit(ctx, "user1:trips", 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, later, "window expired")
}

func TestStorage_MarkLimitHit_MinWindow(t *testing.T) {
	storage, mr := setupTestRedis(t)

	ok, err := storage.MarkLimitHit(context.Background(), "user1:export", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Second, mr.TTL("voyaj:limit_notice:user1:export"))
}

func TestStorage_ResetLimitHit(t *testing.T) {
	storage, _ := setupTestRedis(t)
	ctx := context.Background()

	_, err := storage.MarkLimitHit(ctx, "user1:trips", time.Hour)
	require.NoError(t, err)
	require.NoError(t, storage.ResetLimitHit(ctx, "user1:trips"))

	ok, err := storage.MarkLimitHit(ctx, "user1:trips", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStorage_ConcurrentLimitHits(t *testing.T) {
	storage, _ := setupTestRedis(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var firsts int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := storage.MarkLimitHit(ctx, "user2:photos", time.Hour)
			if err != nil {
				t.Errorf("MarkLimitHit failed: %v", err)
				return
			}
			if ok {
				atomic.AddInt32(&firsts, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), firsts)
}

func TestStorage_ErrorWhenUnavailable(t *testing.T) {
	storage, mr := setupTestRedis(t)
	mr.Close()

	_, err := storage.MarkLimitHit(context.Background(), "user1:trips", time.Hour)
	assert.Error(t, err)
	assert.Error(t, storage.Ping(context.Background()))
}
