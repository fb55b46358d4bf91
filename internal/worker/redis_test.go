package worker

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veydha/internal/config"
	"veydha/internal/intake"
	"veydha/internal/redis"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	host, portStr, ok := strings.Cut(addr, ":")
	require.True(t, ok, "TEST_REDIS_ADDR must be host:port")
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := &config.Config{Redis: config.RedisConfig{Enabled: true, Host: host, Port: port}}
	client, err := redis.NewRedisClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNilStateCacheIsNoop(t *testing.T) {
	var cache *stateRedis
	ctx := context.Background()
	cache.storeView(ctx, 1, View{})
	cache.invalidate(ctx, 1)
	cache.publishInvalidation(ctx, 1)
	cache.close()
	_, ok := cache.loadView(ctx, 1)
	assert.False(t, ok)
}

func TestStateCacheRoundTrip(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()
	cache := newStateCache(client, time.Minute)

	patientID := time.Now().UnixNano()
	cache.storeView(ctx, patientID, View{SessionID: 42, Live: true, State: intake.Snapshot{Phase: intake.PhaseMenu}})

	view, ok := cache.loadView(ctx, patientID)
	require.True(t, ok)
	assert.Equal(t, int64(42), view.SessionID)
	assert.Equal(t, intake.PhaseMenu, view.State.Phase)
	assert.False(t, view.Live)

	cache.invalidate(ctx, patientID)
	_, ok = cache.loadView(ctx, patientID)
	assert.False(t, ok)
}

func TestRemoteInvalidationResetsPatient(t *testing.T) {
	client := testRedis(t)
	store := newFakeStore()
	sched := intake.NewManualScheduler()
	local := NewManager(store, Config{Scheduler: sched}, client, nil)
	remote := NewManager(store, Config{Scheduler: sched}, client, nil)
	defer local.Shutdown(context.Background())
	defer remote.Shutdown(context.Background())

	patientID := time.Now().UnixNano()
	_, _, err := local.Start(context.Background(), patientID)
	require.NoError(t, err)

	// another instance can render the cached view
	require.Eventually(t, func() bool {
		view, ok := remote.Lookup(context.Background(), patientID)
		return ok && !view.Live && len(view.Messages) == 2
	}, 2*time.Second, 10*time.Millisecond)

	remote.Release(context.Background(), patientID)
	require.Eventually(t, func() bool {
		_, ok := local.Get(patientID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
