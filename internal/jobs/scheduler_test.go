package jobs

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/domainq/internal/domain"
)

type fixedLeader bool

func (l fixedLeader) TryAcquire(context.Context) (bool, error) { return bool(l), nil }

func (s *PipelineSuite) scheduler() *Scheduler {
	return NewScheduler(s.store, s.queue, s.producer, AlwaysLeader{}, SchedulerConfig{
		Batch:          100,
		ReconcileAfter: 30 * time.Second,
		RenewalLead:    30 * 24 * time.Hour,
		RenewalTerm:    1,
		RenewalPrice:   80000,
		Currency:       "INR",
		Backoff:        Backoff{Base: 2 * time.Second, Max: time.Hour},
	}, nil).WithClock(s.clock.Now)
}

func (s *PipelineSuite) TestSchedulerPromotesDueRetries() {
	s.fund("owner-1", 100000)
	s.sandbox.FailNext("register", errors.New("connection reset"))
	id := s.enqueueRegister("example.com", "owner-1", 80000)
	_, err := s.queue.Pop(s.ctx, domain.JobRegister, time.Millisecond)
	s.Require().NoError(err)

	s.Require().NoError(s.pool.Execute(s.ctx, id))
	s.Equal(domain.DelayedRetry, s.job(id).State)
	ready, delayed := s.queue.Len(domain.JobRegister)
	s.Zero(ready)
	s.Equal(1, delayed)

	s.Require().NoError(s.scheduler().Tick(s.ctx))
	ready, _ = s.queue.Len(domain.JobRegister)
	s.Zero(ready, "not due yet")

	s.clock.Set(s.job(id).NextRunAt)
	s.Require().NoError(s.scheduler().Tick(s.ctx))
	got, err := s.queue.Pop(s.ctx, domain.JobRegister, time.Millisecond)
	s.Require().NoError(err)
	s.Equal(id, got)
}

func (s *PipelineSuite) TestSchedulerRequeuesExpiredLease() {
	id := s.enqueueRegister("example.com", "owner-1", 80000)
	_, err := s.store.ClaimJob(s.ctx, id, s.clock.Now(), s.clock.Now().Add(time.Minute))
	s.Require().NoError(err)

	s.clock.Advance(2 * time.Minute)
	s.Require().NoError(s.scheduler().Tick(s.ctx))

	j := s.job(id)
	s.Equal(domain.DelayedRetry, j.State)
	s.Equal(1, j.Attempts, "a lost lease costs an attempt")
	s.Equal("lease expired", j.Error)
	s.Nil(j.LeaseUntil)
}

func (s *PipelineSuite) TestSchedulerFailsSpentExpiredLease() {
	id, err := s.producer.Enqueue(s.ctx, domain.JobRegister, domain.Payload{
		DomainName: "example.com", OwnerID: "owner-1", TermYears: 1, Price: 80000,
		Contact: &domain.Contact{Name: "Asha", Email: "asha@example.com"},
	}, WithMaxAttempts(1))
	s.Require().NoError(err)
	_, err = s.store.ClaimJob(s.ctx, id, s.clock.Now(), s.clock.Now().Add(time.Minute))
	s.Require().NoError(err)

	s.clock.Advance(2 * time.Minute)
	s.Require().NoError(s.scheduler().Tick(s.ctx))

	j := s.job(id)
	s.Equal(domain.Failed, j.State)
	s.Equal(1, j.Attempts)
	ready, _ := s.queue.Len(domain.JobNotify)
	s.Equal(1, ready)
}

func (s *PipelineSuite) TestSchedulerVoidsOrderOfSpentExpiredLease() {
	id, err := s.producer.Enqueue(s.ctx, domain.JobRegister, domain.Payload{
		DomainName: "example.com", OwnerID: "owner-1", TermYears: 1, Price: 80000,
		Contact: &domain.Contact{Name: "Asha", Email: "asha@example.com"},
	}, WithMaxAttempts(1))
	s.Require().NoError(err)
	_, err = s.store.ClaimJob(s.ctx, id, s.clock.Now(), s.clock.Now().Add(time.Minute))
	s.Require().NoError(err)

	// The worker placed and checkpointed the order, then vanished.
	order, err := s.sandbox.Register(s.ctx, "example.com", 1, domain.Contact{}, "register:"+id)
	s.Require().NoError(err)
	s.Require().NoError(s.store.SaveCheckpoint(s.ctx, id, domain.JobResult{RegistrarOrderID: order.OrderID}, s.clock.Now()))

	s.clock.Advance(2 * time.Minute)
	s.Require().NoError(s.scheduler().WithHandlers(s.deps.Handlers()).Tick(s.ctx))

	j := s.job(id)
	s.Equal(domain.Failed, j.State)
	s.Equal(1, j.Attempts)
	s.Equal("lease expired", j.Error)
	s.Equal(order.OrderID, j.Result.RegistrarOrderID)
	s.True(j.Result.Compensated)
	s.True(s.sandbox.Cancelled(order.OrderID))
}

func (s *PipelineSuite) TestSchedulerReconcilesStrandedRows() {
	id := s.enqueueRegister("example.com", "owner-1", 80000)
	_, err := s.queue.Pop(s.ctx, domain.JobRegister, time.Millisecond)
	s.Require().NoError(err, "simulate the lost push")

	s.Require().NoError(s.scheduler().Tick(s.ctx))
	ready, _ := s.queue.Len(domain.JobRegister)
	s.Zero(ready, "fresh rows are left to the producer's push")

	s.clock.Advance(time.Minute)
	s.Require().NoError(s.scheduler().Tick(s.ctx))
	got, err := s.queue.Pop(s.ctx, domain.JobRegister, time.Millisecond)
	s.Require().NoError(err)
	s.Equal(id, got)
}

func (s *PipelineSuite) TestSchedulerEnqueuesRenewalsOnce() {
	expires := epoch.AddDate(0, 0, 10)
	s.seedActive("soon.com", "owner-1", "ord-1", expires)
	s.seedActive("later.com", "owner-1", "ord-2", epoch.AddDate(0, 6, 0))

	sched := s.scheduler()
	s.Require().NoError(sched.Tick(s.ctx))
	s.Require().NoError(sched.Tick(s.ctx))

	ready, _ := s.queue.Len(domain.JobRenew)
	s.Equal(1, ready)
	id, err := s.queue.Pop(s.ctx, domain.JobRenew, time.Millisecond)
	s.Require().NoError(err)
	j := s.job(id)
	s.Equal("soon.com", j.Payload.DomainName)
	s.Equal(RenewalCycle(expires), j.Payload.EventID)
	s.Equal(domain.Money(80000), j.Payload.Price)

	// Unpaid cycles are not retried on every tick.
	s.Equal(domain.Failed, s.settle(id).State)
	s.Require().NoError(sched.Tick(s.ctx))
	ready, _ = s.queue.Len(domain.JobRenew)
	s.Zero(ready)
}

func (s *PipelineSuite) TestSchedulerFollowerDoesNothing() {
	s.seedActive("soon.com", "owner-1", "ord-1", epoch.AddDate(0, 0, 10))
	sched := NewScheduler(s.store, s.queue, s.producer, fixedLeader(false), SchedulerConfig{
		Interval:    10 * time.Millisecond,
		RenewalLead: 30 * 24 * time.Hour,
	}, nil).WithClock(s.clock.Now)

	ctx, cancel := context.WithTimeout(s.ctx, 60*time.Millisecond)
	defer cancel()
	s.Require().NoError(sched.Run(ctx))
	ready, _ := s.queue.Len(domain.JobRenew)
	s.Zero(ready)
}
