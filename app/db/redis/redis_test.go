package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"legalbot/m/v2/app/models"

	"github.com/alicebob/miniredis/v2"
	r "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return mr, r.NewClient(&r.Options{Addr: mr.Addr()})
}

func TestSessionStore_LoadMissingIsIdle(t *testing.T) {
	_, client := newTestClient(t)
	store := NewSessionStore(client, time.Hour)

	session, err := store.Load(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, session.Idle())
	assert.Equal(t, int64(0), session.Version)
	assert.Equal(t, "42", session.UserID)
}

func TestSessionStore_SaveBumpsVersionAndDetectsConflict(t *testing.T) {
	_, client := newTestClient(t)
	store := NewSessionStore(client, time.Hour)
	ctx := context.Background()
	now := time.Now()

	session := models.NewSession("42")
	session.Start("consultation", "run-1", now)
	require.NoError(t, store.Save(ctx, "42", session, 0))
	assert.Equal(t, int64(1), session.Version)

	loaded, err := store.Load(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "consultation", loaded.FlowID)
	assert.Equal(t, "run-1", loaded.RunID)
	assert.Equal(t, int64(1), loaded.Version)

	// a writer holding the old version loses
	stale := models.NewSession("42")
	err = store.Save(ctx, "42", stale, 0)
	assert.True(t, errors.Is(err, models.ErrStorageConflict))
	assert.Equal(t, int64(0), stale.Version)

	loaded.Step = 1
	require.NoError(t, store.Save(ctx, "42", loaded, 1))
	again, _ := store.Load(ctx, "42")
	assert.Equal(t, 1, again.Step)
	assert.Equal(t, int64(2), again.Version)
}

func TestSessionStore_ConcurrentSavesOneWins(t *testing.T) {
	_, client := newTestClient(t)
	store := NewSessionStore(client, time.Hour)
	ctx := context.Background()

	var wins, conflicts int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := models.NewSession("7")
			s.Start("consultation", "run", time.Now())
			s.Step = i
			err := store.Save(ctx, "7", s, 0)
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, models.ErrStorageConflict):
				atomic.AddInt32(&conflicts, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(9), conflicts)
}

func TestSessionStore_StaleIndex(t *testing.T) {
	_, client := newTestClient(t)
	store := NewSessionStore(client, time.Hour)
	ctx := context.Background()
	now := time.Now()

	old := models.NewSession("old")
	old.Start("consultation", "r1", now.Add(-2*time.Hour))
	require.NoError(t, store.Save(ctx, "old", old, 0))

	fresh := models.NewSession("fresh")
	fresh.Start("consultation", "r2", now)
	require.NoError(t, store.Save(ctx, "fresh", fresh, 0))

	users, err := store.Stale(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, users)

	count, err := store.ActiveCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// going idle removes the user from the index
	old.Reset(now)
	require.NoError(t, store.Save(ctx, "old", old, 1))
	users, err = store.Stale(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, users)
}

func TestConsumeQuota_ExactlyLimitWinners(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	key := ConsultationsKey("42")

	const attempts, limit = 20, 3
	var allowed int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ConsumeQuota(ctx, client, key, limit)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(limit), allowed)

	used, err := UsedQuota(ctx, client, key)
	require.NoError(t, err)
	assert.Equal(t, int64(limit), used)

	require.NoError(t, RefundQuota(ctx, client, key))
	ok, err := ConsumeQuota(ctx, client, key, limit)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBannedUsers(t *testing.T) {
	_, client := newTestClient(t)
	RedisClient = client
	ctx := context.Background()

	assert.False(t, IsUserBanned("13"))
	require.NoError(t, SetUserBanned(ctx, "13", true))
	assert.True(t, IsUserBanned("13"))
	require.NoError(t, SetUserBanned(ctx, "13", false))
	assert.False(t, IsUserBanned("13"))
}

func TestWrapInCache(t *testing.T) {
	_, client := newTestClient(t)
	calls := 0
	fn := WrapInCache(client, "system-status", time.Minute, func() (string, error) {
		calls++
		return "ok", nil
	})
	for i := 0; i < 3; i++ {
		v, err := fn()
		require.NoError(t, err)
		assert.Equal(t, "ok", v)
	}
	assert.Equal(t, 1, calls)
}
