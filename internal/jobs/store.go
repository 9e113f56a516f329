// Package jobs is the domain-lifecycle pipeline: the producer that turns
// business events into durable jobs, the worker pool that executes them
// against the registrar, and the scheduler that keeps the queue moving.
package jobs

import (
	"context"
	"time"

	"github.com/SirClappington/domainq/internal/domain"
	"github.com/SirClappington/domainq/internal/lock"
)

// Store is the durable job and domain substrate. Postgres in production,
// memory in tests. InTx joins an enclosing transaction carried by ctx.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	// InsertJob returns *domain.DuplicateJobError when the fingerprint is in flight.
	InsertJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	LatestJobByFingerprint(ctx context.Context, fingerprint string) (*domain.Job, error)
	// ClaimJob atomically moves a claimable job to Active or returns domain.ErrInvalidState.
	ClaimJob(ctx context.Context, id string, now, leaseUntil time.Time) (*domain.Job, error)
	// TransitionJob writes t to a job that is still Active.
	TransitionJob(ctx context.Context, id string, t domain.Transition, now time.Time) error
	SaveCheckpoint(ctx context.Context, id string, res domain.JobResult, now time.Time) error
	RequestCancel(ctx context.Context, id string, now time.Time) (*domain.Job, error)
	CancelRequested(ctx context.Context, id string) (bool, error)
	DueJobs(ctx context.Context, before time.Time, limit int) ([]*domain.Job, error)
	ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error)

	GetDomain(ctx context.Context, name string) (*domain.Domain, error)
	SaveDomain(ctx context.Context, d *domain.Domain) error
	DomainsExpiring(ctx context.Context, before time.Time, limit int) ([]*domain.Domain, error)

	// SaveOwnerContact replaces the contact notifications are addressed to.
	SaveOwnerContact(ctx context.Context, ownerID string, c domain.Contact, now time.Time) error
}

// Queue wakes workers. Ids may be delivered more than once; the claim in
// Store decides who runs a job.
type Queue interface {
	Push(ctx context.Context, lane domain.JobType, jobID string, runAt time.Time) error
	Pop(ctx context.Context, lane domain.JobType, block time.Duration) (string, error)
	MoveDue(ctx context.Context, lane domain.JobType, now time.Time, batch int64) (int, error)
}

// Locker is the per-domain advisory lock.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (lock.Release, bool, error)
}
