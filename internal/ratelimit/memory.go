package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateWindow is the ephemeral counter for one key.
type RateWindow struct {
	Key         string
	WindowStart time.Time
	Window      time.Duration
	Count       int
}

// MemoryStore is the single-process fixed-window store.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*RateWindow
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*RateWindow), now: time.Now}
}

// WithClock swaps the clock, for tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Allow(_ context.Context, key string, limit int, window time.Duration) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || now.Sub(w.WindowStart) >= window {
		w = &RateWindow{Key: key, WindowStart: now, Window: window}
		s.windows[key] = w
	}
	w.Count++
	return result(w.Count, limit, w.WindowStart.Add(window).Sub(now)), nil
}

// Cleanup drops windows that have elapsed.
func (s *MemoryStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, w := range s.windows {
		if now.Sub(w.WindowStart) >= w.Window {
			delete(s.windows, k)
		}
	}
}

// StartJanitor runs Cleanup every interval until ctx is done.
func (s *MemoryStore) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}
