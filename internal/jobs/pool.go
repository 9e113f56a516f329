package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/domainq/internal/domain"
	"github.com/SirClappington/domainq/internal/logging"
	"github.com/SirClappington/domainq/internal/metrics"
	"github.com/SirClappington/domainq/internal/queue"
)

type PoolConfig struct {
	Concurrency    int
	PollTimeout    time.Duration
	Lease          time.Duration
	JobTimeout     time.Duration
	LockRetryDelay time.Duration
	ShutdownGrace  time.Duration
	Backoff        Backoff
}

// Pool runs Concurrency workers on every lane it has a handler for. A worker
// holds the domain's lock for the whole execution, claims the job in the
// store, runs the handler and writes the outcome before releasing the lock.
type Pool struct {
	store    Store
	queue    Queue
	locker   Locker
	producer *Producer
	handlers map[domain.JobType]Handler
	cfg      PoolConfig
	now      func() time.Time
	jitter   func() time.Duration
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func NewPool(store Store, q Queue, locker Locker, producer *Producer, handlers map[domain.JobType]Handler, cfg PoolConfig, m *metrics.Metrics, log *zap.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.JobTimeout <= 0 || cfg.JobTimeout > cfg.Lease {
		cfg.JobTimeout = cfg.Lease / 2
	}
	if cfg.LockRetryDelay <= 0 {
		cfg.LockRetryDelay = 3 * time.Second
	}
	return &Pool{
		store:    store,
		queue:    q,
		locker:   locker,
		producer: producer,
		handlers: handlers,
		cfg:      cfg,
		now:      time.Now,
		jitter:   cfg.Backoff.Jitter,
		metrics:  m,
		log:      logging.OrNop(log),
	}
}

// WithClock swaps the clock and removes jitter, for tests.
func (p *Pool) WithClock(now func() time.Time) *Pool {
	p.now = now
	p.jitter = func() time.Duration { return 0 }
	return p
}

// Run serves all lanes until ctx is cancelled, then stops dequeuing and
// waits up to ShutdownGrace for in-flight jobs. Jobs still running after the
// grace period have their context cancelled and record a retry.
func (p *Pool) Run(ctx context.Context) error {
	jobCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()

	g, gctx := errgroup.WithContext(ctx)
	for lane := range p.handlers {
		for i := 0; i < p.cfg.Concurrency; i++ {
			lane := lane
			g.Go(func() error {
				p.serve(gctx, jobCtx, lane)
				return nil
			})
		}
	}
	p.log.Info("worker pool started", zap.Int("lanes", len(p.handlers)), zap.Int("concurrency", p.cfg.Concurrency))

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	p.log.Info("worker pool draining", zap.Duration("grace", p.cfg.ShutdownGrace))
	grace := time.NewTimer(p.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case err := <-done:
		p.log.Info("worker pool stopped")
		return err
	case <-grace.C:
		p.log.Warn("shutdown grace elapsed, aborting in-flight jobs")
		abort()
		return <-done
	}
}

func (p *Pool) serve(ctx, jobCtx context.Context, lane domain.JobType) {
	for ctx.Err() == nil {
		id, err := p.queue.Pop(ctx, lane, p.cfg.PollTimeout)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			p.log.Warn("dequeue failed", zap.String("lane", string(lane)), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if err := p.Execute(jobCtx, id); err != nil {
			p.log.Error("job execution", zap.String("job_id", id), zap.Error(err))
		}
	}
}

func lockKey(job *domain.Job) string { return "domain:" + job.Payload.DomainName }

// Execute runs one delivery of job id. Stale, duplicate and early
// deliveries are dropped or re-parked; only the store claim starts work.
func (p *Pool) Execute(ctx context.Context, id string) error {
	job, err := p.store.GetJob(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		p.log.Debug("dropping delivery for unknown job", zap.String("job_id", id))
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "load job")
	}
	if job.State != domain.Queued && job.State != domain.DelayedRetry {
		return nil
	}
	now := p.now()
	if job.NextRunAt.After(now) {
		return p.queue.Push(ctx, job.Type, id, job.NextRunAt)
	}
	h, ok := p.handlers[job.Type]
	if !ok {
		return errors.Errorf("no handler for %s", job.Type)
	}

	release, acquired, err := p.locker.TryLock(ctx, lockKey(job), p.cfg.Lease)
	if err != nil {
		return errors.Wrap(err, "acquire domain lock")
	}
	if !acquired {
		p.log.Debug("domain busy, re-parking", zap.String("job_id", id), zap.String("domain", job.Payload.DomainName))
		return p.queue.Push(ctx, job.Type, id, now.Add(p.cfg.LockRetryDelay))
	}

	finished, outcome := p.run(ctx, h, id, now)

	if err := release(context.WithoutCancel(ctx)); err != nil {
		p.log.Warn("domain lock release", zap.String("job_id", id), zap.Error(err))
	}
	if finished != nil {
		p.followUp(ctx, finished, outcome)
	}
	return nil
}

// run claims and executes the job while the domain lock is held. It returns
// the job as persisted when the execution reached a final state.
func (p *Pool) run(ctx context.Context, h Handler, id string, now time.Time) (*domain.Job, Outcome) {
	job, err := p.store.ClaimJob(ctx, id, now, now.Add(p.cfg.Lease))
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidState) {
			p.log.Warn("claim failed", zap.String("job_id", id), zap.Error(err))
		}
		return nil, Outcome{}
	}

	lane := string(job.Type)
	p.metrics.InFlight(lane, 1)
	defer p.metrics.InFlight(lane, -1)
	start := time.Now()

	outcome := p.invoke(ctx, h, job)
	final := p.finish(ctx, h, job, outcome)
	p.metrics.Processed(lane, outcome.kind.String(), time.Since(start))

	log := p.log.With(zap.String("job_id", job.ID), zap.String("type", lane),
		zap.Int("attempt", job.Attempts+1), zap.String("outcome", outcome.kind.String()))
	if outcome.err != nil {
		log.Info("job executed", zap.Error(outcome.err))
	} else {
		log.Debug("job executed")
	}
	return final, outcome
}

func (p *Pool) invoke(ctx context.Context, h Handler, job *domain.Job) (out Outcome) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("handler panicked", zap.String("job_id", job.ID), zap.Any("panic", r), zap.Stack("stack"))
			out = Retry(errors.Errorf("panic: %v", r), job.Result, 0)
		}
	}()
	return h.Process(ctx, job)
}

// finish persists a non-committed outcome. Bookkeeping uses a context that
// survives shutdown so an aborted job still records its retry. A retry that
// spends the last attempt is unwound by the handler first.
func (p *Pool) finish(ctx context.Context, h Handler, job *domain.Job, o Outcome) *domain.Job {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if o.kind == outcomeRetry && job.Attempts+1 >= job.MaxAttempts {
		o = unwind(ctx, h, job, o.result, o.err, p.log)
	}
	now := p.now()

	if o.committed {
		final, err := p.store.GetJob(ctx, job.ID)
		if err != nil {
			p.log.Warn("reload finished job", zap.String("job_id", job.ID), zap.Error(err))
			return nil
		}
		return final
	}

	t := domain.Transition{
		Attempts:  job.Attempts,
		Polls:     job.Polls,
		NextRunAt: job.NextRunAt,
		Result:    o.result,
	}
	if o.err != nil {
		t.Error = o.err.Error()
	}
	switch o.kind {
	case outcomeRetry:
		t.Attempts++
		delay := p.cfg.Backoff.Delay(t.Attempts, p.jitter())
		if o.delay > delay {
			delay = o.delay
		}
		t.State = domain.DelayedRetry
		t.NextRunAt = now.Add(delay)
	case outcomeFail:
		t.Attempts++
		t.State = domain.Failed
	case outcomeContinue:
		t.Polls++
		t.State = domain.DelayedRetry
		t.NextRunAt = now.Add(o.delay)
	case outcomeCancelled:
		t.State = domain.Cancelled
	default:
		t.Attempts++
		t.State = domain.Completed
	}

	if err := p.store.TransitionJob(ctx, job.ID, t, now); err != nil {
		// The lease expires and the scheduler takes the job back.
		p.log.Error("persist outcome", zap.String("job_id", job.ID), zap.String("state", string(t.State)), zap.Error(err))
		return nil
	}
	if t.State == domain.DelayedRetry {
		if err := p.queue.Push(ctx, job.Type, job.ID, t.NextRunAt); err != nil {
			p.log.Warn("re-park push failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		return nil
	}
	final := *job
	final.State = t.State
	final.Attempts = t.Attempts
	final.Result = t.Result
	final.Error = t.Error
	return &final
}

// unwind fails job for good, letting an Abandoner handler release what the
// checkpoint in res still holds upstream. An unwind that cannot finish
// leaves the job flagged for a manual refund.
func unwind(ctx context.Context, h Handler, job *domain.Job, res domain.JobResult, cause error, log *zap.Logger) Outcome {
	if cause == nil {
		cause = errors.New("attempts exhausted")
	}
	a, ok := h.(Abandoner)
	if !ok {
		return Fail(cause, res)
	}
	j := *job
	j.Result = res
	o := a.Abandon(ctx, &j, cause)
	if o.kind == outcomeRetry {
		o.result.RefundRequired = true
		log.Error("exhausted job needs a manual refund",
			zap.String("job_id", job.ID), zap.String("order_id", o.result.RegistrarOrderID),
			zap.String("transfer_id", o.result.TransferID), zap.Error(o.err))
		return Fail(cause, o.result)
	}
	return o
}

// followUp enqueues the owner notification for a job that reached a final state.
func (p *Pool) followUp(ctx context.Context, job *domain.Job, o Outcome) {
	if p.producer == nil || !job.State.Terminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	switch job.State {
	case domain.Completed:
		p.producer.notify(ctx, job, domain.OutcomeSucceeded, completionMessage(job))
	case domain.Cancelled:
		p.producer.notify(ctx, job, domain.OutcomeCancelled, "cancelled on request")
	default:
		msg := job.Error
		if msg == "" && o.err != nil {
			msg = o.err.Error()
		}
		p.producer.notify(ctx, job, domain.OutcomeFailed, msg)
	}
}

func completionMessage(job *domain.Job) string {
	switch {
	case job.Result.Noop:
		return fmt.Sprintf("%s for %s was already applied", job.Type, job.Payload.DomainName)
	case job.Result.RegistrarOrderID != "":
		return fmt.Sprintf("%s for %s completed, order %s", job.Type, job.Payload.DomainName, job.Result.RegistrarOrderID)
	}
	return fmt.Sprintf("%s for %s completed", job.Type, job.Payload.DomainName)
}
