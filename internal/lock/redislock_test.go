package lock_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-cart/internal/lock"
)

func newLocker(t *testing.T) (lock.Locker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return lock.Locker{R: client, Namespace: "toko", TTL: time.Second, RetryBackoff: 5 * time.Millisecond}, mr
}

func TestCartKey(t *testing.T) {
	locker := lock.Locker{Namespace: "toko"}
	require.Equal(t, "toko:lock:cart:42", locker.CartKey("42"))
	require.Equal(t, "toko:lock:cart:anonymous", locker.CartKey(" "))
	require.Equal(t, "lock:cart:42", lock.Locker{}.CartKey("42"))
}

func TestWithLockSerializesHolders(t *testing.T) {
	locker, _ := newLocker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := locker.CartKey("42")

	var order []string
	var mu sync.Mutex
	firstDone := make(chan struct{})
	releaseFirst := make(chan struct{})
	secondDone := make(chan error, 1)

	go func() {
		_ = locker.WithLock(ctx, key, func(context.Context) error {
			mu.Lock()
			order = append(order, "first")
			mu.Unlock()
			close(firstDone)
			<-releaseFirst
			return nil
		})
	}()

	<-firstDone
	go func() {
		secondDone <- locker.WithLock(ctx, key, func(context.Context) error {
			mu.Lock()
			order = append(order, "second")
			mu.Unlock()
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	require.Equal(t, []string{"first"}, order)
	mu.Unlock()

	close(releaseFirst)
	require.NoError(t, <-secondDone)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first", "second"}, order)
}

func TestWithLockReleasesOnError(t *testing.T) {
	locker, mr := newLocker(t)
	key := locker.CartKey("7")
	boom := errors.New("boom")

	err := locker.WithLock(context.Background(), key, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, lock.ErrNotAcquired)
	require.False(t, mr.Exists(key))
}

func TestWithLockGivesUpWhenContextDone(t *testing.T) {
	locker, mr := newLocker(t)
	key := locker.CartKey("7")
	require.NoError(t, mr.Set(key, "someone-else"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	called := false
	err := locker.WithLock(ctx, key, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ErrorIs(t, err, lock.ErrNotAcquired)
	require.False(t, called)

	v, err := mr.Get(key)
	require.NoError(t, err)
	require.Equal(t, "someone-else", v)
}

func TestWithLockWithoutClient(t *testing.T) {
	err := lock.Locker{}.WithLock(context.Background(), "k", func(context.Context) error { return nil })
	require.ErrorIs(t, err, lock.ErrNotAcquired)
}
