package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Locker is a TTL-bounded exclusive lock keyed by string. Entries are never
// released explicitly; a holder that stops renewing loses the lock when the
// TTL runs out.
type Locker interface {
	// Acquire sets key to token only if key is absent (NX). It reports
	// whether the lock was taken.
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Renew extends the TTL of key only if it still holds token. It reports
	// false when the lock expired or belongs to someone else.
	Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

// NewToken returns a fresh connection token
func NewToken() string {
	return uuid.NewString()
}

type entry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is an in-process Locker for a single server instance and
// for tests
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewMemoryLocker creates an empty in-process locker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// WithClock replaces the time source. Used by tests to expire entries.
func (l *MemoryLocker) WithClock(now func() time.Time) *MemoryLocker {
	l.now = now
	return l
}

// Acquire implements Locker
func (l *MemoryLocker) Acquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.entries[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	l.entries[key] = entry{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

// Renew implements Locker
func (l *MemoryLocker) Renew(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok || e.token != token || !now.Before(e.expiresAt) {
		return false, nil
	}
	e.expiresAt = now.Add(ttl)
	l.entries[key] = e
	return true, nil
}

// Holder returns the token currently holding key, if any
func (l *MemoryLocker) Holder(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || !l.now().Before(e.expiresAt) {
		return "", false
	}
	return e.token, true
}
