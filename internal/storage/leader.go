package storage

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// AdvisoryLeader elects one scheduler with a session-level advisory lock.
// The winning connection is held for as long as the process leads; losing
// it to a network error hands leadership to another instance.
type AdvisoryLeader struct {
	pool *pgxpool.Pool
	id   int64

	mu   sync.Mutex
	conn *pgxpool.Conn
}

func NewAdvisoryLeader(pool *pgxpool.Pool, lockID int64) *AdvisoryLeader {
	return &AdvisoryLeader{pool: pool, id: lockID}
}

func (l *AdvisoryLeader) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		if err := l.conn.Ping(ctx); err == nil {
			return true, nil
		}
		// never hand a connection that may still hold the lock back to the pool
		_ = l.conn.Conn().Close(ctx)
		l.conn.Release()
		l.conn = nil
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, errors.Wrap(err, "acquire leader connection")
	}
	var ok bool
	if err := conn.QueryRow(ctx, `select pg_try_advisory_lock($1)`, l.id).Scan(&ok); err != nil {
		conn.Release()
		return false, errors.Wrap(err, "try advisory lock")
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release gives up leadership.
func (l *AdvisoryLeader) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Release()
		l.conn = nil
	}()
	_, err := l.conn.Exec(ctx, `select pg_advisory_unlock($1)`, l.id)
	return errors.Wrap(err, "advisory unlock")
}
