package lock_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sfmgraph/internal/lock"
)

func TestReadTimesOutWhileWriteHeld(t *testing.T) {
	m := lock.NewManager()
	ctx := context.Background()

	writer, err := m.Acquire(lock.WithOwner(ctx, "A"), "E1", lock.Write, time.Second)
	require.NoError(t, err)
	defer writer.Release()

	start := time.Now()
	h, err := m.Acquire(lock.WithOwner(ctx, "B"), "E1", lock.Read, 200*time.Millisecond)
	elapsed := time.Since(start)

	require.Nil(t, h)
	require.ErrorIs(t, err, lock.ErrTimeout)
	var timeoutErr *lock.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "E1", timeoutErr.EntityID)
	assert.Equal(t, lock.Read, timeoutErr.Type)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 300*time.Millisecond)

	info := m.Info("E1")
	assert.Equal(t, 1, info.Active)
	assert.Equal(t, 1, info.WriteCount)
	assert.Equal(t, 0, info.ReadCount)
	require.Len(t, info.Holders, 1)
	assert.Equal(t, "A", info.Holders[0].Owner)

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Timeouts)
	assert.Equal(t, uint64(0), stats.DeadlocksPrevented)
}

func TestReadersShareAndWriterWaitsForRelease(t *testing.T) {
	m := lock.NewManager()
	ctx := context.Background()

	r1, err := m.Acquire(ctx, "E1", lock.Read, time.Second)
	require.NoError(t, err)
	r2, err := m.Acquire(ctx, "E1", lock.Read, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Info("E1").ReadCount)

	granted := make(chan time.Duration, 1)
	go func() {
		start := time.Now()
		w, err := m.Acquire(ctx, "E1", lock.Write, 2*time.Second)
		if err != nil {
			granted <- -1
			return
		}
		granted <- time.Since(start)
		w.Release()
	}()

	time.Sleep(50 * time.Millisecond)
	r1.Release()
	select {
	case <-granted:
		t.Fatal("writer admitted while a reader is still active")
	case <-time.After(30 * time.Millisecond):
	}
	r2.Release()

	select {
	case waited := <-granted:
		require.Positive(t, waited)
		assert.Less(t, waited, time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("writer was not woken by release")
	}
}

func TestWriteExclusivityUnderContention(t *testing.T) {
	m := lock.NewManager()
	ctx := context.Background()
	var active, maxActive, done int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				err := m.With(ctx, "hot", lock.Write, 5*time.Second, func(context.Context) error {
					n := atomic.AddInt32(&active, 1)
					for {
						prev := atomic.LoadInt32(&maxActive)
						if n <= prev || atomic.CompareAndSwapInt32(&maxActive, prev, n) {
							break
						}
					}
					atomic.AddInt32(&done, 1)
					atomic.AddInt32(&active, -1)
					return nil
				})
				if err != nil {
					t.Errorf("with: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive)
	assert.Equal(t, int32(320), done)

	stats := m.Stats()
	assert.Equal(t, uint64(320), stats.Acquired)
	assert.Equal(t, uint64(320), stats.Released)
	assert.Zero(t, stats.ActiveLocks)
	assert.Zero(t, stats.ActiveEntities)
}

func TestAcquireHonoursContextCancellation(t *testing.T) {
	m := lock.NewManager()
	holder, err := m.Acquire(context.Background(), "E1", lock.Write, time.Second)
	require.NoError(t, err)
	defer holder.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "E1", lock.Write, 5*time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, errors.Is(err, lock.ErrTimeout))
	assert.Zero(t, m.Stats().Timeouts)
	assert.Equal(t, 1, m.Info("E1").Active)
}

func TestDefaultTimeoutApplies(t *testing.T) {
	m := lock.NewManager(lock.WithDefaultTimeout(40 * time.Millisecond))
	assert.Equal(t, 40*time.Millisecond, m.DefaultTimeout())
	holder, err := m.Acquire(context.Background(), "E1", lock.Write, 0)
	require.NoError(t, err)
	defer holder.Release()
	assert.Equal(t, 40*time.Millisecond, holder.Lock().Timeout)

	_, err = m.Acquire(context.Background(), "E1", lock.Read, 0)
	var timeoutErr *lock.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 40*time.Millisecond, timeoutErr.Timeout)
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := lock.NewManager()
	h, err := m.Acquire(context.Background(), "E1", lock.Read, time.Second)
	require.NoError(t, err)
	h.Release()
	h.Release()
	assert.Equal(t, uint64(1), m.Stats().Released)
	var nilHandle *lock.Handle
	nilHandle.Release()
}

func TestWithReleasesOnPanic(t *testing.T) {
	m := lock.NewManager()
	func() {
		defer func() {
			require.Equal(t, "boom", recover())
		}()
		_ = m.With(context.Background(), "E1", lock.Write, time.Second, func(context.Context) error {
			panic("boom")
		})
	}()
	assert.Zero(t, m.Info("E1").Active)
}

func TestAcquireAllOrdersAndReleasesOnFailure(t *testing.T) {
	m := lock.NewManager()
	ctx := context.Background()

	handles, err := m.AcquireAll(ctx, []lock.Request{
		{EntityID: "c", Type: lock.Read},
		{EntityID: "a", Type: lock.Read},
		{EntityID: "a", Type: lock.Write},
		{EntityID: "b", Type: lock.Write},
	})
	require.NoError(t, err)
	require.Len(t, handles, 3)
	assert.Equal(t, "a", handles[0].Lock().EntityID)
	assert.Equal(t, lock.Write, handles[0].Lock().Type)
	assert.Equal(t, "b", handles[1].Lock().EntityID)
	assert.Equal(t, "c", handles[2].Lock().EntityID)
	lock.ReleaseAll(handles)
	assert.Zero(t, m.Stats().ActiveLocks)

	blocker, err := m.Acquire(ctx, "b", lock.Write, time.Second)
	require.NoError(t, err)
	defer blocker.Release()
	_, err = m.AcquireAll(ctx, []lock.Request{
		{EntityID: "a", Type: lock.Write, Timeout: 30 * time.Millisecond},
		{EntityID: "b", Type: lock.Write, Timeout: 30 * time.Millisecond},
	})
	require.ErrorIs(t, err, lock.ErrTimeout)
	assert.Zero(t, m.Info("a").Active)
}

func TestForceReleaseAllWakesWaiters(t *testing.T) {
	m := lock.NewManager()
	ctx := context.Background()
	stale, err := m.Acquire(ctx, "E1", lock.Write, time.Second)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "E2", lock.Read, time.Second)
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		h, err := m.Acquire(ctx, "E1", lock.Write, 2*time.Second)
		if err == nil {
			h.Release()
		}
		result <- err
	}()
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 1, m.ForceReleaseAll("E1"))
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by force release")
	}

	stale.Release()
	assert.Equal(t, 1, m.ForceReleaseAll(""))
	stats := m.Stats()
	assert.Equal(t, uint64(2), stats.ForceReleased)
	assert.Zero(t, stats.ActiveLocks)
	assert.Zero(t, m.ForceReleaseAll("missing"))
}
