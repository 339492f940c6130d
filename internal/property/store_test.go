package property

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises the behavior every backend must share.
func runStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("get-missing", func(t *testing.T) {
		_, err := s.Get(ctx, "mbx-a", KeyHistoryID)
		require.ErrorIs(t, err, ErrNotFound)

		v, err := GetOptional(ctx, s, "mbx-a", KeyHistoryID)
		require.NoError(t, err)
		require.Empty(t, v)
	})

	t.Run("set-get-delete", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "mbx-a", KeyTopic, "projects/p/topics/mail-a"))
		v, err := s.Get(ctx, "mbx-a", KeyTopic)
		require.NoError(t, err)
		require.Equal(t, "projects/p/topics/mail-a", v)

		_, err = s.Get(ctx, "mbx-b", KeyTopic)
		require.ErrorIs(t, err, ErrNotFound, "mailboxes must not share keys")

		require.NoError(t, s.Delete(ctx, "mbx-a", KeyTopic))
		require.NoError(t, s.Delete(ctx, "mbx-a", KeyTopic), "deleting twice is not an error")
		_, err = s.Get(ctx, "mbx-a", KeyTopic)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("compare-and-swap", func(t *testing.T) {
		require.NoError(t, s.CompareAndSwap(ctx, "mbx-c", KeyHistoryID, "", "100"))
		require.ErrorIs(t, s.CompareAndSwap(ctx, "mbx-c", KeyHistoryID, "", "101"), ErrConflict)
		require.ErrorIs(t, s.CompareAndSwap(ctx, "mbx-c", KeyHistoryID, "99", "101"), ErrConflict)
		require.NoError(t, s.CompareAndSwap(ctx, "mbx-c", KeyHistoryID, "100", "105"))

		v, err := s.Get(ctx, "mbx-c", KeyHistoryID)
		require.NoError(t, err)
		require.Equal(t, "105", v)

		require.ErrorIs(t, s.CompareAndSwap(ctx, "mbx-d", KeyHistoryID, "1", "2"), ErrConflict)
	})

	t.Run("concurrent-cas-single-winner", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "mbx-e", KeyHistoryID, "1"))
		const workers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.CompareAndSwap(ctx, "mbx-e", KeyHistoryID, "1", "2")
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				if !errors.Is(err, ErrConflict) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 1, wins)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, "")
	t.Cleanup(func() { _ = s.Close() })

	runStoreContract(t, s)

	require.True(t, mr.Exists(DefaultRedisPrefix+"mbx-c"), "properties live in one hash per mailbox")
	require.Equal(t, "105", mr.HGet(DefaultRedisPrefix+"mbx-c", KeyHistoryID))
}

func TestOpenMemoryAndUnsupported(t *testing.T) {
	s, err := Open(context.Background(), "memory://", nil)
	require.NoError(t, err)
	require.IsType(t, &MemoryStore{}, s)

	_, err = Open(context.Background(), "etcd://localhost:2379", nil)
	require.ErrorIs(t, err, ErrUnsupportedURL)
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := Open(context.Background(), "redis://"+mr.Addr()+"/0?prefix=test:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Set(context.Background(), "m1", KeyEmail, "a@example.com"))
	require.Equal(t, "a@example.com", mr.HGet("test:m1", KeyEmail))
}
