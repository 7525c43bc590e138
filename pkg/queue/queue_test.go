package queue

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestScheduleReplacesExisting(t *testing.T) {
	q := New[uuid.UUID]()
	id := uuid.New()

	q.Schedule(id, t0.Add(10*time.Second))
	q.Schedule(id, t0.Add(2*time.Second))

	assert.Equal(t, 1, q.Len())
	wake, ok := q.NextWake()
	require.True(t, ok)
	assert.Equal(t, t0.Add(2*time.Second), wake)

	// Moving the schedule later must also replace, not append
	q.Schedule(id, t0.Add(30*time.Second))
	assert.Equal(t, 1, q.Len())
	wake, _ = q.NextWake()
	assert.Equal(t, t0.Add(30*time.Second), wake)
}

func TestPopDue(t *testing.T) {
	q := New[string]()
	q.Schedule("c", t0.Add(3*time.Second))
	q.Schedule("a", t0.Add(1*time.Second))
	q.Schedule("b", t0.Add(2*time.Second))
	q.Schedule("late", t0.Add(time.Minute))

	tests := []struct {
		name     string
		now      time.Time
		expected []string
		left     int
	}{
		{name: "nothing due yet", now: t0, expected: nil, left: 4},
		{name: "boundary is inclusive", now: t0.Add(time.Second), expected: []string{"a"}, left: 3},
		{name: "earliest first", now: t0.Add(5 * time.Second), expected: []string{"b", "c"}, left: 1},
		{name: "already popped", now: t0.Add(5 * time.Second), expected: nil, left: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, q.PopDue(tt.now))
			assert.Equal(t, tt.left, q.Len())
		})
	}
}

func TestNextWakeEmpty(t *testing.T) {
	q := New[string]()
	_, ok := q.NextWake()
	assert.False(t, ok)

	q.Schedule("a", t0)
	q.PopDue(t0)
	_, ok = q.NextWake()
	assert.False(t, ok)
}

func TestRemove(t *testing.T) {
	q := New[string]()
	q.Schedule("a", t0.Add(time.Second))
	q.Schedule("b", t0.Add(2*time.Second))

	assert.True(t, q.Remove("a"))
	assert.False(t, q.Remove("a"))
	assert.False(t, q.Remove("missing"))

	wake, ok := q.NextWake()
	require.True(t, ok)
	assert.Equal(t, t0.Add(2*time.Second), wake)
	assert.Equal(t, []string{"b"}, q.PopDue(t0.Add(time.Hour)))
}

func TestPendingAndGet(t *testing.T) {
	q := New[string]()
	q.Schedule("a", t0.Add(5*time.Second))

	assert.True(t, q.Pending("a", t0))
	assert.True(t, q.Pending("a", t0.Add(2*time.Second)))
	assert.False(t, q.Pending("a", t0.Add(5*time.Second)))
	assert.False(t, q.Pending("b", t0))

	item, ok := q.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", item.Value)
	assert.Equal(t, t0.Add(5*time.Second), item.NotBefore)

	_, ok = q.Get("b")
	assert.False(t, ok)
}

func TestNoDuplicatesUnderRandomSchedules(t *testing.T) {
	q := New[int]()
	rng := rand.New(rand.NewSource(42))
	latest := make(map[int]time.Time)

	for i := 0; i < 1000; i++ {
		key := rng.Intn(20)
		at := t0.Add(time.Duration(rng.Intn(600)) * time.Second)
		q.Schedule(key, at)
		latest[key] = at
		if rng.Intn(10) == 0 {
			q.Remove(key)
			delete(latest, key)
		}
	}

	assert.Equal(t, len(latest), q.Len())

	seen := make(map[int]bool)
	var last time.Time
	for _, key := range q.PopDue(t0.Add(time.Hour)) {
		assert.False(t, seen[key], "key %d popped twice", key)
		seen[key] = true
		assert.False(t, latest[key].Before(last), "keys must come out in wake order")
		last = latest[key]
	}
	assert.Len(t, seen, len(latest))
	assert.Zero(t, q.Len())
}
