package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLocker() (*MemoryLocker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewMemoryLocker().WithClock(clock.Now), clock
}

func TestNewToken(t *testing.T) {
	a, b := NewToken(), NewToken()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestMemoryLockerAcquire(t *testing.T) {
	ctx := context.Background()
	locker, clock := newTestLocker()

	ok, err := locker.Acquire(ctx, "key", "first", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = locker.Acquire(ctx, "key", "second", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "held lock must not be taken")

	ok, err = locker.Acquire(ctx, "other", "second", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "different keys are independent")

	clock.Advance(10 * time.Second)
	ok, err = locker.Acquire(ctx, "key", "third", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock can be taken")

	holder, held := locker.Holder("key")
	assert.True(t, held)
	assert.Equal(t, "third", holder)
}

func TestMemoryLockerRenew(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		setup func(l *MemoryLocker, c *fakeClock)
		token string
		want  bool
	}{
		{
			name:  "owner renews",
			setup: func(l *MemoryLocker, c *fakeClock) { _, _ = l.Acquire(ctx, "key", "owner", time.Minute) },
			token: "owner",
			want:  true,
		},
		{
			name:  "wrong token",
			setup: func(l *MemoryLocker, c *fakeClock) { _, _ = l.Acquire(ctx, "key", "owner", time.Minute) },
			token: "intruder",
			want:  false,
		},
		{
			name: "expired",
			setup: func(l *MemoryLocker, c *fakeClock) {
				_, _ = l.Acquire(ctx, "key", "owner", time.Minute)
				c.Advance(2 * time.Minute)
			},
			token: "owner",
			want:  false,
		},
		{
			name: "stolen after expiry",
			setup: func(l *MemoryLocker, c *fakeClock) {
				_, _ = l.Acquire(ctx, "key", "owner", time.Minute)
				c.Advance(2 * time.Minute)
				_, _ = l.Acquire(ctx, "key", "thief", time.Minute)
			},
			token: "owner",
			want:  false,
		},
		{
			name:  "absent",
			setup: func(l *MemoryLocker, c *fakeClock) {},
			token: "owner",
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			locker, clock := newTestLocker()
			tt.setup(locker, clock)

			ok, err := locker.Renew(ctx, "key", tt.token, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestMemoryLockerRenewExtendsTTL(t *testing.T) {
	ctx := context.Background()
	locker, clock := newTestLocker()

	ok, _ := locker.Acquire(ctx, "key", "owner", 10*time.Second)
	require.True(t, ok)

	for range 5 {
		clock.Advance(6 * time.Second)
		ok, err := locker.Renew(ctx, "key", "owner", 10*time.Second)
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, _ = locker.Acquire(ctx, "key", "other", 10*time.Second)
	assert.False(t, ok)
}

func TestMemoryLockerConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := locker.Acquire(ctx, "key", NewToken(), time.Minute); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}
