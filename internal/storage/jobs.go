package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/SirClappington/domainq/internal/domain"
)

const jobColumns = `id, type, payload, state, fingerprint, attempts, max_attempts, polls,
next_run_at, lease_until, cancel_requested, result, error, created_at, updated_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		j       domain.Job
		payload []byte
		result  []byte
	)
	err := row.Scan(&j.ID, &j.Type, &payload, &j.State, &j.Fingerprint, &j.Attempts, &j.MaxAttempts, &j.Polls,
		&j.NextRunAt, &j.LeaseUntil, &j.CancelRequested, &result, &j.Error, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &j.Payload); err != nil {
		return nil, errors.Wrapf(err, "decode payload of job %s", j.ID)
	}
	if err := json.Unmarshal(result, &j.Result); err != nil {
		return nil, errors.Wrapf(err, "decode result of job %s", j.ID)
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows, err error) ([]*domain.Job, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// InsertJob relies on the partial unique index over in-flight fingerprints;
// a violation is answered with the job currently holding the fingerprint.
func (s *Store) InsertJob(ctx context.Context, job *domain.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return errors.Wrap(err, "encode payload")
	}
	result, err := json.Marshal(job.Result)
	if err != nil {
		return errors.Wrap(err, "encode result")
	}
	_, err = s.q(ctx).Exec(ctx, `insert into jobs(
id, type, payload, state, fingerprint, attempts, max_attempts, polls,
next_run_at, cancel_requested, result, error, created_at, updated_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,false,$10,'',$11,$11)`,
		job.ID, job.Type, payload, job.State, job.Fingerprint, job.Attempts, job.MaxAttempts, job.Polls,
		job.NextRunAt, result, job.CreatedAt,
	)
	if pgCode(err) == codeUniqueViolation {
		dup := &domain.DuplicateJobError{Fingerprint: job.Fingerprint}
		if inTx(ctx) {
			// The transaction is aborted; the caller can look the holder up.
			return dup
		}
		_ = s.db.QueryRow(ctx, `select id from jobs
where fingerprint = $1 and state in ('queued','active','delayed_retry')`, job.Fingerprint).Scan(&dup.ExistingJobID)
		return dup
	}
	return errors.Wrap(err, "insert job")
}

func inTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(pgx.Tx)
	return ok
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	j, err := scanJob(s.q(ctx).QueryRow(ctx, `select `+jobColumns+` from jobs where id = $1`, id))
	if err != nil {
		return nil, notFound(err, "job %s", id)
	}
	return j, nil
}

func (s *Store) LatestJobByFingerprint(ctx context.Context, fingerprint string) (*domain.Job, error) {
	j, err := scanJob(s.q(ctx).QueryRow(ctx, `select `+jobColumns+` from jobs
where fingerprint = $1 order by created_at desc limit 1`, fingerprint))
	if err != nil {
		return nil, notFound(err, "fingerprint %s", fingerprint)
	}
	return j, nil
}

// ClaimJob is the single gate into Active: a conditional update that only
// one worker can win.
func (s *Store) ClaimJob(ctx context.Context, id string, now, leaseUntil time.Time) (*domain.Job, error) {
	j, err := scanJob(s.q(ctx).QueryRow(ctx, `update jobs
set state = 'active', lease_until = $3, updated_at = $2
where id = $1
  and state in ('queued','delayed_retry')
  and not cancel_requested
  and attempts < max_attempts
  and next_run_at <= $2
returning `+jobColumns, id, now, leaseUntil))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrInvalidState, "job %s is not claimable", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "claim job %s", id)
	}
	return j, nil
}

func (s *Store) TransitionJob(ctx context.Context, id string, t domain.Transition, now time.Time) error {
	result, err := json.Marshal(t.Result)
	if err != nil {
		return errors.Wrap(err, "encode result")
	}
	tag, err := s.q(ctx).Exec(ctx, `update jobs
set state = $2, attempts = $3, polls = $4, next_run_at = $5, result = $6, error = $7,
    lease_until = null, updated_at = $8
where id = $1 and state = 'active' and attempts <= $3`,
		id, t.State, t.Attempts, t.Polls, t.NextRunAt, result, t.Error, now)
	if pgCode(err) == codeCheckViolation {
		return errors.Wrapf(domain.ErrInvalidState, "job %s attempts %d exceed max", id, t.Attempts)
	}
	if err != nil {
		return errors.Wrapf(err, "transition job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrInvalidState, "job %s is no longer active", id)
	}
	return nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, id string, res domain.JobResult, now time.Time) error {
	result, err := json.Marshal(res)
	if err != nil {
		return errors.Wrap(err, "encode result")
	}
	tag, err := s.q(ctx).Exec(ctx, `update jobs set result = $2, updated_at = $3
where id = $1 and state = 'active'`, id, result, now)
	if err != nil {
		return errors.Wrapf(err, "checkpoint job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrInvalidState, "job %s is no longer active", id)
	}
	return nil
}

// RequestCancel finishes a waiting job at once and flags an active one.
func (s *Store) RequestCancel(ctx context.Context, id string, now time.Time) (*domain.Job, error) {
	j, err := scanJob(s.q(ctx).QueryRow(ctx, `update jobs
set cancel_requested = true,
    state = case when state = 'active' then state else 'cancelled' end,
    error = case when state = 'active' then error else $3 end,
    updated_at = $2
where id = $1 and state in ('queued','active','delayed_retry')
returning `+jobColumns, id, now, domain.ErrCancelled.Error()))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, errors.Wrapf(domain.ErrInvalidState, "job %s already finished", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "cancel job %s", id)
	}
	return j, nil
}

func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.q(ctx).QueryRow(ctx, `select cancel_requested from jobs where id = $1`, id).Scan(&requested)
	if err != nil {
		return false, notFound(err, "job %s", id)
	}
	return requested, nil
}

func (s *Store) DueJobs(ctx context.Context, before time.Time, limit int) ([]*domain.Job, error) {
	return collectJobs(s.q(ctx).Query(ctx, `select `+jobColumns+` from jobs
where state in ('queued','delayed_retry') and next_run_at <= $1
order by next_run_at limit $2`, before, limit))
}

func (s *Store) ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	return collectJobs(s.q(ctx).Query(ctx, `select `+jobColumns+` from jobs
where state = 'active' and lease_until < $1
order by lease_until limit $2`, now, limit))
}
