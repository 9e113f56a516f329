package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/SirClappington/domainq/internal/domain"
)

type delayed struct {
	id    string
	runAt time.Time
}

// Memory is an in-process queue with the same semantics as RedisQ.
type Memory struct {
	mu      sync.Mutex
	ready   map[domain.JobType][]string
	delay   map[domain.JobType][]delayed
	signals map[domain.JobType]chan struct{}
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		ready:   make(map[domain.JobType][]string),
		delay:   make(map[domain.JobType][]delayed),
		signals: make(map[domain.JobType]chan struct{}),
		now:     time.Now,
	}
}

// WithClock swaps the clock used to decide whether a push is delayed.
func (q *Memory) WithClock(now func() time.Time) *Memory {
	q.now = now
	return q
}

func (q *Memory) signal(lane domain.JobType) chan struct{} {
	ch, ok := q.signals[lane]
	if !ok {
		ch = make(chan struct{}, 1)
		q.signals[lane] = ch
	}
	return ch
}

func (q *Memory) wake(lane domain.JobType) {
	select {
	case q.signal(lane) <- struct{}{}:
	default:
	}
}

func (q *Memory) Push(_ context.Context, lane domain.JobType, jobID string, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if runAt.After(q.now()) {
		q.delay[lane] = append(q.delay[lane], delayed{id: jobID, runAt: runAt})
		return nil
	}
	q.ready[lane] = append(q.ready[lane], jobID)
	q.wake(lane)
	return nil
}

func (q *Memory) Pop(ctx context.Context, lane domain.JobType, block time.Duration) (string, error) {
	deadline := time.NewTimer(block)
	defer deadline.Stop()
	for {
		q.mu.Lock()
		if ids := q.ready[lane]; len(ids) > 0 {
			id := ids[0]
			q.ready[lane] = ids[1:]
			if len(q.ready[lane]) > 0 {
				q.wake(lane)
			}
			q.mu.Unlock()
			return id, nil
		}
		sig := q.signal(lane)
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", ErrEmpty
		case <-sig:
		}
	}
}

func (q *Memory) MoveDue(_ context.Context, lane domain.JobType, now time.Time, batch int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.delay[lane]
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].runAt.Before(pending[j].runAt) })
	moved := 0
	for moved < len(pending) && int64(moved) < batch && !pending[moved].runAt.After(now) {
		q.ready[lane] = append(q.ready[lane], pending[moved].id)
		moved++
	}
	q.delay[lane] = pending[moved:]
	if moved > 0 {
		q.wake(lane)
	}
	return moved, nil
}

// Len reports ready and delayed counts for a lane.
func (q *Memory) Len(lane domain.JobType) (ready, delayedCount int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready[lane]), len(q.delay[lane])
}
