package jobs

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/domainq/internal/domain"
	"github.com/SirClappington/domainq/internal/logging"
)

// Leader reports whether this process may run the scheduler's tick.
type Leader interface {
	TryAcquire(ctx context.Context) (bool, error)
}

// AlwaysLeader is used when a single scheduler runs, such as in tests.
type AlwaysLeader struct{}

func (AlwaysLeader) TryAcquire(context.Context) (bool, error) { return true, nil }

type SchedulerConfig struct {
	Interval time.Duration
	Batch    int
	// ReconcileAfter is how long a due row may sit before it is re-pushed.
	ReconcileAfter time.Duration
	RenewalLead    time.Duration
	RenewalTerm    int
	RenewalPrice   domain.Money
	Currency       string
	Backoff        Backoff
}

// Scheduler keeps the queue consistent with the store: it promotes due
// delayed ids, takes back jobs whose worker lost its lease, re-delivers rows
// the producer persisted but could not push, and enqueues renewals.
type Scheduler struct {
	store    Store
	queue    Queue
	producer *Producer
	leader   Leader
	handlers map[domain.JobType]Handler
	cfg      SchedulerConfig
	now      func() time.Time
	log      *zap.Logger
}

func NewScheduler(store Store, q Queue, producer *Producer, leader Leader, cfg SchedulerConfig, log *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 200
	}
	if cfg.ReconcileAfter <= 0 {
		cfg.ReconcileAfter = 30 * time.Second
	}
	if cfg.RenewalTerm <= 0 {
		cfg.RenewalTerm = 1
	}
	if leader == nil {
		leader = AlwaysLeader{}
	}
	return &Scheduler{
		store:    store,
		queue:    q,
		producer: producer,
		leader:   leader,
		cfg:      cfg,
		now:      time.Now,
		log:      logging.OrNop(log),
	}
}

// WithHandlers lets a job that loses its last lease unwind its checkpoint
// through its handler before it fails.
func (s *Scheduler) WithHandlers(h map[domain.JobType]Handler) *Scheduler {
	s.handlers = h
	return s
}

// WithClock swaps the clock, for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	s.log.Info("scheduler started", zap.Duration("interval", s.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-t.C:
		}
		leader, err := s.leader.TryAcquire(ctx)
		if err != nil {
			s.log.Warn("leader election", zap.Error(err))
			continue
		}
		if !leader {
			continue
		}
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("scheduler tick", zap.Error(err))
		}
	}
}

// Tick runs every pass once.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()

	g, gctx := errgroup.WithContext(ctx)
	for _, lane := range domain.JobTypes {
		lane := lane
		g.Go(func() error {
			n, err := s.queue.MoveDue(gctx, lane, now, int64(s.cfg.Batch))
			if n > 0 {
				s.log.Debug("promoted due jobs", zap.String("lane", string(lane)), zap.Int("count", n))
			}
			return errors.Wrapf(err, "promote %s", lane)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := s.requeueExpired(ctx, now); err != nil {
		return err
	}
	if err := s.reconcile(ctx, now); err != nil {
		return err
	}
	return s.scheduleRenewals(ctx, now)
}

var errLeaseExpired = errors.New("lease expired")

// requeueExpired treats a lapsed lease as a failed attempt: the worker died
// or stalled, so the job is retried with backoff or failed when spent. A
// spent job's handler unwinds its checkpoint first; JobTimeout staying under
// half the lease keeps a stalled worker from committing at the same time.
func (s *Scheduler) requeueExpired(ctx context.Context, now time.Time) error {
	expired, err := s.store.ExpiredLeases(ctx, now, s.cfg.Batch)
	if err != nil {
		return errors.Wrap(err, "list expired leases")
	}
	for _, job := range expired {
		t := domain.Transition{
			Attempts: job.Attempts + 1,
			Polls:    job.Polls,
			Result:   job.Result,
			Error:    errLeaseExpired.Error(),
		}
		committed := false
		if t.Attempts >= job.MaxAttempts {
			o := unwind(ctx, s.handlers[job.Type], job, job.Result, errLeaseExpired, s.log)
			committed = o.committed
			t.State = domain.Failed
			t.NextRunAt = job.NextRunAt
			t.Result = o.result
		} else {
			t.State = domain.DelayedRetry
			t.NextRunAt = now.Add(s.cfg.Backoff.Next(t.Attempts))
		}
		if !committed {
			if err := s.store.TransitionJob(ctx, job.ID, t, now); err != nil {
				if errors.Is(err, domain.ErrInvalidState) {
					continue
				}
				return errors.Wrapf(err, "requeue %s", job.ID)
			}
		}
		s.log.Warn("lease expired", zap.String("job_id", job.ID), zap.String("type", string(job.Type)),
			zap.String("state", string(t.State)))
		if t.State == domain.Failed {
			job.Error = t.Error
			s.producer.notify(ctx, job, domain.OutcomeFailed, "worker lease expired with no attempts left")
			continue
		}
		if err := s.queue.Push(ctx, job.Type, job.ID, t.NextRunAt); err != nil {
			return errors.Wrapf(err, "push %s", job.ID)
		}
	}
	return nil
}

// reconcile re-delivers due rows that have waited longer than ReconcileAfter.
// Duplicate deliveries are harmless; the claim picks one.
func (s *Scheduler) reconcile(ctx context.Context, now time.Time) error {
	due, err := s.store.DueJobs(ctx, now.Add(-s.cfg.ReconcileAfter), s.cfg.Batch)
	if err != nil {
		return errors.Wrap(err, "list due jobs")
	}
	for _, job := range due {
		if err := s.queue.Push(ctx, job.Type, job.ID, now); err != nil {
			return errors.Wrapf(err, "push %s", job.ID)
		}
	}
	if len(due) > 0 {
		s.log.Info("re-delivered stranded jobs", zap.Int("count", len(due)))
	}
	return nil
}

// RenewalCycle names the billing cycle of a renewal by the expiry it extends.
func RenewalCycle(expires time.Time) string {
	return expires.UTC().Format("2006-01-02")
}

func (s *Scheduler) scheduleRenewals(ctx context.Context, now time.Time) error {
	if s.cfg.RenewalLead <= 0 {
		return nil
	}
	expiring, err := s.store.DomainsExpiring(ctx, now.Add(s.cfg.RenewalLead), s.cfg.Batch)
	if err != nil {
		return errors.Wrap(err, "list expiring domains")
	}
	for _, d := range expiring {
		id, err := s.producer.Enqueue(ctx, domain.JobRenew, domain.Payload{
			DomainName: d.Name,
			OwnerID:    d.OwnerID,
			EventID:    RenewalCycle(*d.ExpiresAt),
			TermYears:  s.cfg.RenewalTerm,
			Price:      s.cfg.RenewalPrice,
			Currency:   s.cfg.Currency,
		}, WithOncePerFingerprint())
		switch {
		case errors.Is(err, domain.ErrDuplicateJob):
			continue
		case err != nil:
			s.log.Warn("renewal not scheduled", zap.String("domain", d.Name), zap.Error(err))
			continue
		}
		s.log.Info("renewal scheduled", zap.String("domain", d.Name), zap.String("job_id", id),
			zap.Time("expires_at", *d.ExpiresAt))
	}
	return nil
}
