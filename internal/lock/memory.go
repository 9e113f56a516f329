package lock

import (
	"context"
	"sync"
	"time"
)

type held struct {
	token   uint64
	expires time.Time
}

type Memory struct {
	mu    sync.Mutex
	locks map[string]held
	seq   uint64
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{locks: make(map[string]held), now: time.Now}
}

func (l *Memory) TryLock(_ context.Context, key string, ttl time.Duration) (Release, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if h, ok := l.locks[key]; ok && now.Before(h.expires) {
		return nil, false, nil
	}
	l.seq++
	token := l.seq
	l.locks[key] = held{token: token, expires: now.Add(ttl)}
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if h, ok := l.locks[key]; ok && h.token == token {
			delete(l.locks, key)
		}
		return nil
	}, true, nil
}

// Held reports whether key is currently locked.
func (l *Memory) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.locks[key]
	return ok && l.now().Before(h.expires)
}
