package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"github.com/SirClappington/domainq/internal/domain"
	"github.com/SirClappington/domainq/internal/ledger"
	"github.com/SirClappington/domainq/internal/lock"
	"github.com/SirClappington/domainq/internal/metrics"
	"github.com/SirClappington/domainq/internal/notify"
	"github.com/SirClappington/domainq/internal/queue"
	"github.com/SirClappington/domainq/internal/ratelimit"
	"github.com/SirClappington/domainq/internal/registrar"
	"github.com/SirClappington/domainq/internal/storage/memory"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// throttle denies the next n registrar calls.
type throttle struct {
	mu         sync.Mutex
	n          int
	retryAfter time.Duration
}

func (t *throttle) Check(_ context.Context, scope ratelimit.Scope, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n > 0 {
		t.n--
		return &domain.RateLimitError{Scope: string(scope), RetryAfter: t.retryAfter}
	}
	return nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (r *recordingSender) Send(_ context.Context, m notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, m)
	return nil
}

// mailbox refuses messages without a recipient, like a real provider.
type mailbox struct{ recordingSender }

func (m *mailbox) Send(ctx context.Context, msg notify.Message) error {
	if msg.To == "" {
		return &domain.ValidationError{Field: "to", Reason: "no recipient"}
	}
	return m.recordingSender.Send(ctx, msg)
}

// onRegister runs a hook once the upstream order exists.
type onRegister struct {
	registrar.Client
	hook func()
}

func (c onRegister) Register(ctx context.Context, name string, term int, contact domain.Contact, idemKey string) (registrar.Order, error) {
	o, err := c.Client.Register(ctx, name, term, contact, idemKey)
	if err == nil {
		c.hook()
	}
	return o, err
}

// flakyCommits loses every write that would activate a domain.
type flakyCommits struct{ *memory.Store }

func (f flakyCommits) SaveDomain(ctx context.Context, d *domain.Domain) error {
	if d.Status == domain.DomainActive {
		return errors.New("connection reset by peer")
	}
	return f.Store.SaveDomain(ctx, d)
}

// lostReply places the first order upstream and then drops the reply.
type lostReply struct {
	registrar.Client
	lose *bool
}

func (c lostReply) Register(ctx context.Context, name string, term int, contact domain.Contact, idemKey string) (registrar.Order, error) {
	o, err := c.Client.Register(ctx, name, term, contact, idemKey)
	if err == nil && *c.lose {
		*c.lose = false
		return registrar.Order{}, registrar.Retryable("register", registrar.CodeTimeout, errors.New("reply lost"))
	}
	return o, err
}

var epoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type PipelineSuite struct {
	suite.Suite
	ctx      context.Context
	clock    *clock
	store    *memory.Store
	queue    *queue.Memory
	locks    *lock.Memory
	sandbox  *registrar.Sandbox
	throttle *throttle
	sender   *recordingSender
	ledger   *ledger.Ledger
	producer *Producer
	deps     *Deps
	pool     *Pool
	m        *metrics.Metrics
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = &clock{t: epoch}
	s.m = metrics.New(prometheus.NewRegistry())
	s.store = memory.New()
	s.queue = queue.NewMemory().WithClock(s.clock.Now)
	s.locks = lock.NewMemory()
	s.sandbox = registrar.NewSandbox().WithClock(s.clock.Now)
	s.throttle = &throttle{retryAfter: 10 * time.Second}
	s.sender = &recordingSender{}
	s.ledger = ledger.New(s.store, "INR", s.m, nil).WithClock(s.clock.Now)
	s.producer = NewProducer(s.store, s.queue, 5, s.m, nil).WithClock(s.clock.Now)

	client := registrar.NewGuarded(s.sandbox, s.throttle, registrar.GuardConfig{
		Timeout:         time.Second,
		BreakerFailures: 100,
	}, s.m, nil)
	s.deps = &Deps{
		Store:                s.store,
		Ledger:               s.ledger,
		Registrar:            client,
		Sender:               s.sender,
		TransferPollInterval: time.Hour,
		TransferMaxPolls:     3,
		Now:                  s.clock.Now,
	}
	s.pool = s.newPool(s.deps.Handlers())
}

func (s *PipelineSuite) newPool(handlers map[domain.JobType]Handler) *Pool {
	return NewPool(s.store, s.queue, s.locks, s.producer, handlers, PoolConfig{
		Lease:          time.Minute,
		JobTimeout:     10 * time.Second,
		LockRetryDelay: 3 * time.Second,
		Backoff:        Backoff{Base: 2 * time.Second, Max: time.Hour},
	}, s.m, nil).WithClock(s.clock.Now)
}

func (s *PipelineSuite) fund(owner string, amount domain.Money) {
	_, err := s.ledger.Credit(s.ctx, owner, amount, ledger.Reason{Description: "top-up"})
	s.Require().NoError(err)
}

func (s *PipelineSuite) balance(owner string) domain.Money {
	acct, err := s.ledger.Balance(s.ctx, owner)
	s.Require().NoError(err)
	return acct.Balance
}

func (s *PipelineSuite) job(id string) *domain.Job {
	j, err := s.store.GetJob(s.ctx, id)
	s.Require().NoError(err)
	return j
}

func (s *PipelineSuite) domainRecord(name string) *domain.Domain {
	d, err := s.store.GetDomain(s.ctx, name)
	s.Require().NoError(err)
	return d
}

// settle executes id, jumping the clock to each retry, until it is terminal.
func (s *PipelineSuite) settle(id string) *domain.Job {
	for i := 0; i < 50; i++ {
		j := s.job(id)
		if j.State.Terminal() {
			return j
		}
		if j.NextRunAt.After(s.clock.Now()) {
			s.clock.Set(j.NextRunAt)
		}
		s.Require().NoError(s.pool.Execute(s.ctx, id))
	}
	s.FailNow("job never settled")
	return nil
}

func (s *PipelineSuite) enqueueRegister(name, owner string, price domain.Money) string {
	id, err := s.producer.Enqueue(s.ctx, domain.JobRegister, domain.Payload{
		DomainName: name,
		OwnerID:    owner,
		TermYears:  1,
		Price:      price,
		Currency:   "INR",
		Contact:    &domain.Contact{Name: "Asha", Email: owner + "@example.com"},
	})
	s.Require().NoError(err)
	return id
}

func (s *PipelineSuite) seedActive(name, owner, orderID string, expires time.Time) {
	registered := expires.AddDate(-1, 0, 0)
	s.Require().NoError(s.store.SaveDomain(s.ctx, &domain.Domain{
		Name:             name,
		OwnerID:          owner,
		Status:           domain.DomainActive,
		RegisteredAt:     &registered,
		ExpiresAt:        &expires,
		RegistrarOrderID: orderID,
	}))
}

func (s *PipelineSuite) TestRegisterDebitsAndActivates() {
	s.fund("owner-1", 100000)
	id := s.enqueueRegister("example.com", "owner-1", 80000)

	s.Require().NoError(s.pool.Execute(s.ctx, id))

	j := s.job(id)
	s.Equal(domain.Completed, j.State)
	s.Equal(1, j.Attempts)
	s.NotEmpty(j.Result.TransactionID)
	s.Equal(domain.Money(20000), s.balance("owner-1"))

	d := s.domainRecord("example.com")
	s.Equal(domain.DomainActive, d.Status)
	s.Equal(j.Result.RegistrarOrderID, d.RegistrarOrderID)
	s.Require().NotNil(d.ExpiresAt)
	s.Equal(epoch.AddDate(1, 0, 0), *d.ExpiresAt)
	s.False(s.locks.Held("domain:example.com"), "lock released after execution")

	notifyID, err := s.queue.Pop(s.ctx, domain.JobNotify, 10*time.Millisecond)
	s.Require().NoError(err)
	s.Require().NoError(s.pool.Execute(s.ctx, notifyID))
	s.Equal(domain.Completed, s.job(notifyID).State)
	s.Require().Len(s.sender.sent, 1)
	s.Equal("example.com: register completed", s.sender.sent[0].Subject)
	s.Equal("owner-1@example.com", s.sender.sent[0].To)
}

func (s *PipelineSuite) TestRegisterInsufficientFundsCompensates() {
	s.fund("owner-1", 10000)
	id := s.enqueueRegister("example.com", "owner-1", 80000)

	s.Require().NoError(s.pool.Execute(s.ctx, id))

	j := s.job(id)
	s.Equal(domain.Failed, j.State)
	s.Equal(1, j.Attempts)
	s.Contains(j.Error, domain.ErrInsufficientFunds.Error())
	s.True(j.Result.Compensated)
	s.True(s.sandbox.Cancelled(j.Result.RegistrarOrderID))

	s.Equal(domain.DomainPending, s.domainRecord("example.com").Status)
	s.Equal(domain.Money(10000), s.balance("owner-1"))
	txns, err := s.ledger.Transactions(s.ctx, "owner-1")
	s.Require().NoError(err)
	s.Len(txns, 1, "only the top-up")
}

func (s *PipelineSuite) TestRegistrarRejectionIsTerminal() {
	s.fund("owner-1", 100000)
	s.sandbox.SetTaken("example.com")
	id := s.enqueueRegister("example.com", "owner-1", 80000)

	j := s.settle(id)
	s.Equal(domain.Failed, j.State)
	s.Equal(1, j.Attempts, "business rejections are not retried")
	s.Equal(1, s.sandbox.Calls("register"))
	s.Equal(domain.Money(100000), s.balance("owner-1"))
}

func (s *PipelineSuite) TestRateLimitedThenSucceeds() {
	s.fund("owner-1", 100000)
	s.throttle.n = 3
	id := s.enqueueRegister("example.com", "owner-1", 80000)

	prev := s.clock.Now()
	for i := 0; i < 3; i++ {
		s.Require().NoError(s.pool.Execute(s.ctx, id))
		j := s.job(id)
		s.Require().Equal(domain.DelayedRetry, j.State)
		s.Equal(i+1, j.Attempts)
		s.GreaterOrEqual(j.NextRunAt.Sub(prev), 10*time.Second, "retry waits at least the limiter's retry-after")
		s.clock.Set(j.NextRunAt)
		prev = j.NextRunAt
	}
	s.Require().NoError(s.pool.Execute(s.ctx, id))

	j := s.job(id)
	s.Equal(domain.Completed, j.State)
	s.Equal(4, j.Attempts)
	s.Equal(5, j.MaxAttempts)
	s.Equal(1, s.sandbox.Calls("register"))
}

func (s *PipelineSuite) TestRetryableErrorsExhaustAttempts() {
	s.fund("owner-1", 100000)
	var errs []error
	for i := 0; i < 5; i++ {
		errs = append(errs, registrar.Retryable("register", registrar.CodeUnavailable, errors.New("503")))
	}
	s.sandbox.FailNext("register", errs...)
	id := s.enqueueRegister("example.com", "owner-1", 80000)

	j := s.settle(id)
	s.Equal(domain.Failed, j.State)
	s.Equal(5, j.Attempts)
	s.Equal(5, s.sandbox.Calls("register"))
	s.Equal(domain.Money(100000), s.balance("owner-1"))
}

func (s *PipelineSuite) TestExhaustedRegisterVoidsCheckpointedOrder() {
	s.fund("owner-1", 100000)
	s.deps.Store = flakyCommits{s.store}
	id := s.enqueueRegister("example.com", "owner-1", 80000)

	j := s.settle(id)
	s.Equal(domain.Failed, j.State)
	s.Equal(5, j.Attempts)
	s.Contains(j.Error, "connection reset by peer")
	s.Require().NotEmpty(j.Result.RegistrarOrderID)
	s.True(j.Result.Compensated)
	s.False(j.Result.RefundRequired)
	s.True(s.sandbox.Cancelled(j.Result.RegistrarOrderID))
	s.Equal(1, s.sandbox.Calls("register"), "every attempt resumed from the checkpoint")
	s.Equal(domain.Money(100000), s.balance("owner-1"))
	s.Equal(domain.DomainPending, s.domainRecord("example.com").Status)

	ready, _ := s.queue.Len(domain.JobNotify)
	s.Equal(1, ready)
}

func (s *PipelineSuite) TestExhaustedRegisterFlagsRefundWhenCancelIsRefused() {
	s.fund("owner-1", 100000)
	s.deps.Store = flakyCommits{s.store}
	s.sandbox.FailNext("cancel_order", registrar.Terminal("cancel_order", registrar.CodeRejected, errors.New("order already settled")))
	id := s.enqueueRegister("example.com", "owner-1", 80000)

	j := s.settle(id)
	s.Equal(domain.Failed, j.State)
	s.Equal(5, j.Attempts)
	s.True(j.Result.RefundRequired)
	s.False(j.Result.Compensated)
	s.False(s.sandbox.Cancelled(j.Result.RegistrarOrderID))
	s.Equal(domain.Money(100000), s.balance("owner-1"))
}

func (s *PipelineSuite) TestExhaustedDNSUpdateJustFails() {
	s.seedActive("example.com", "owner-1", "ord-1", epoch.AddDate(1, 0, 0))
	var errs []error
	for i := 0; i < 5; i++ {
		errs = append(errs, registrar.Retryable("update_dns", registrar.CodeUnavailable, nil))
	}
	s.sandbox.FailNext("update_dns", errs...)
	id, err := s.producer.Enqueue(s.ctx, domain.JobUpdateDNS, domain.Payload{
		DomainName: "example.com",
		OwnerID:    "owner-1",
		Records:    []domain.DNSChange{{Action: domain.DNSUpsert, Name: "www", Type: "A", Value: "192.0.2.1", TTL: 300}},
	})
	s.Require().NoError(err)

	j := s.settle(id)
	s.Equal(domain.Failed, j.State)
	s.False(j.Result.Compensated)
	s.False(j.Result.RefundRequired)
	s.Zero(s.sandbox.Calls("cancel_order"))
}

func (s *PipelineSuite) TestLostRegisterReplyReplaysOrder() {
	s.fund("owner-1", 100000)
	lost := true
	s.deps.Registrar = lostReply{Client: s.deps.Registrar, lose: &lost}
	id := s.enqueueRegister("example.com", "owner-1", 80000)

	j := s.settle(id)
	s.Equal(domain.Completed, j.State)
	s.Equal(2, j.Attempts)
	s.Equal(2, s.sandbox.Calls("register"))
	s.Zero(s.sandbox.Calls("cancel_order"), "the replayed order is the one that was placed")
	s.Equal(domain.Money(20000), s.balance("owner-1"))
	s.Equal(j.Result.RegistrarOrderID, s.domainRecord("example.com").RegistrarOrderID)
}

func (s *PipelineSuite) TestRegisterInForeignCurrencyCompensates() {
	s.fund("owner-1", 100000)
	id, err := s.producer.Enqueue(s.ctx, domain.JobRegister, domain.Payload{
		DomainName: "example.com",
		OwnerID:    "owner-1",
		TermYears:  1,
		Price:      800,
		Currency:   "USD",
		Contact:    &domain.Contact{Name: "Asha", Email: "asha@example.com"},
	})
	s.Require().NoError(err)

	j := s.settle(id)
	s.Equal(domain.Failed, j.State)
	s.Equal(1, j.Attempts)
	s.Contains(j.Error, "currency")
	s.True(j.Result.Compensated)
	s.Equal(domain.Money(100000), s.balance("owner-1"))
}

func (s *PipelineSuite) TestBackoffGrowsBetweenRetries() {
	s.fund("owner-1", 100000)
	s.sandbox.FailNext("register",
		registrar.Retryable("register", registrar.CodeUnavailable, nil),
		registrar.Retryable("register", registrar.CodeUnavailable, nil),
	)
	id := s.enqueueRegister("example.com", "owner-1", 80000)

	s.Require().NoError(s.pool.Execute(s.ctx, id))
	first := s.job(id).NextRunAt.Sub(s.clock.Now())
	s.clock.Set(s.job(id).NextRunAt)
	s.Require().NoError(s.pool.Execute(s.ctx, id))
	second := s.job(id).NextRunAt.Sub(s.clock.Now())

	s.Equal(4*time.Second, first)
	s.Equal(8*time.Second, second)
}

func (s *PipelineSuite) TestCheckpointPreventsDoubleOrder() {
	s.fund("owner-1", 100000)
	id := s.enqueueRegister("example.com", "owner-1", 80000)

	// The order is placed, then the attempt dies before commit.
	handlers := s.deps.Handlers()
	pool := s.newPool(map[domain.JobType]Handler{
		domain.JobRegister: HandlerFunc(func(ctx context.Context, job *domain.Job) Outcome {
			order, err := s.deps.Registrar.Register(ctx, job.Payload.DomainName, 1, domain.Contact{}, "register:"+job.ID)
			s.Require().NoError(err)
			res := job.Result
			res.RegistrarOrderID = order.OrderID
			s.Require().NoError(s.deps.checkpoint(ctx, job, res))
			return Retry(errors.New("connection reset"), res, 0)
		}),
	})
	s.Require().NoError(pool.Execute(s.ctx, id))
	s.Equal(domain.DelayedRetry, s.job(id).State)
	s.clock.Set(s.job(id).NextRunAt)

	s.pool = s.newPool(handlers)
	j := s.settle(id)
	s.Equal(domain.Completed, j.State)
	s.Equal(1, s.sandbox.Calls("register"), "resumed after the checkpoint")
	s.Equal(domain.Money(20000), s.balance("owner-1"))
}

func (s *PipelineSuite) TestRenewTwiceIsNoop() {
	expires := epoch.AddDate(0, 0, 20)
	s.seedActive("example.com", "owner-1", "ord-initial", expires)
	s.fund("owner-1", 100000)

	renew := func() string {
		id, err := s.producer.Enqueue(s.ctx, domain.JobRenew, domain.Payload{
			DomainName: "example.com",
			OwnerID:    "owner-1",
			EventID:    RenewalCycle(expires),
			TermYears:  1,
			Price:      80000,
		})
		s.Require().NoError(err)
		return id
	}

	first := s.settle(renew())
	s.Equal(domain.Completed, first.State)
	s.False(first.Result.Noop)
	s.Equal(domain.Money(20000), s.balance("owner-1"))
	d := s.domainRecord("example.com")
	s.Equal(expires.AddDate(1, 0, 0), *d.ExpiresAt, "extends from the current expiry")

	second := s.settle(renew())
	s.Equal(domain.Completed, second.State)
	s.True(second.Result.Noop)
	s.Equal(first.Result.RegistrarOrderID, second.Result.RegistrarOrderID)
	s.Equal(domain.Money(20000), s.balance("owner-1"), "no duplicate debit")
	s.Equal(expires.AddDate(1, 0, 0), *s.domainRecord("example.com").ExpiresAt)
}

func (s *PipelineSuite) TestRenewalNoticeReachesOwnerContact() {
	mail := &mailbox{}
	s.deps.Sender = notify.NewAddressed(mail, s.store)
	expires := epoch.AddDate(0, 0, 20)
	s.seedActive("example.com", "owner-1", "ord-1", expires)
	s.seedActive("example.org", "owner-2", "ord-2", expires)
	s.fund("owner-1", 100000)
	s.fund("owner-2", 100000)
	_, err := s.producer.SetOwnerContact(s.ctx, "owner-1", domain.Contact{Name: "Asha", Email: "billing@example.com"})
	s.Require().NoError(err)

	notice := func(name, owner string) *domain.Job {
		id, err := s.producer.Enqueue(s.ctx, domain.JobRenew, domain.Payload{
			DomainName: name,
			OwnerID:    owner,
			EventID:    RenewalCycle(expires),
			TermYears:  1,
			Price:      80000,
		})
		s.Require().NoError(err)
		s.Require().Equal(domain.Completed, s.settle(id).State)
		notifyID, err := s.queue.Pop(s.ctx, domain.JobNotify, 10*time.Millisecond)
		s.Require().NoError(err)
		return s.settle(notifyID)
	}

	s.Equal(domain.Completed, notice("example.com", "owner-1").State)
	s.Require().Len(mail.sent, 1)
	s.Equal("billing@example.com", mail.sent[0].To)
	s.Equal("example.com: renew completed", mail.sent[0].Subject)

	j := notice("example.org", "owner-2")
	s.Equal(domain.Failed, j.State, "no contact on file and none on the job")
	s.Len(mail.sent, 1)
}

func (s *PipelineSuite) TestEnqueueRemembersOwnerContact() {
	s.enqueueRegister("example.com", "owner-1", 80000)

	c, err := s.store.OwnerContact(s.ctx, "owner-1")
	s.Require().NoError(err)
	s.Equal("owner-1@example.com", c.Email)

	_, err = s.producer.SetOwnerContact(s.ctx, "owner-1", domain.Contact{Name: "Asha", Email: " new@example.com "})
	s.Require().NoError(err)
	c, err = s.store.OwnerContact(s.ctx, "owner-1")
	s.Require().NoError(err)
	s.Equal("new@example.com", c.Email)

	_, err = s.producer.SetOwnerContact(s.ctx, "owner-1", domain.Contact{Name: "Asha"})
	s.ErrorIs(err, domain.ErrValidation)
	_, err = s.producer.SetOwnerContact(s.ctx, " ", domain.Contact{Name: "Asha", Email: "a@example.com"})
	s.ErrorIs(err, domain.ErrValidation)
}

func (s *PipelineSuite) TestRenewUnknownDomainFails() {
	id, err := s.producer.Enqueue(s.ctx, domain.JobRenew, domain.Payload{
		DomainName: "missing.com", OwnerID: "owner-1", EventID: "2026-04-01", TermYears: 1, Price: 80000,
	})
	s.Require().NoError(err)
	j := s.settle(id)
	s.Equal(domain.Failed, j.State)
	s.Zero(s.sandbox.Calls("renew"))
}

func (s *PipelineSuite) TestUpdateDNS() {
	s.seedActive("example.com", "owner-1", "ord-1", epoch.AddDate(1, 0, 0))
	records := []domain.DNSChange{{Action: domain.DNSUpsert, Name: "www", Type: "A", Value: "192.0.2.10", TTL: 300}}

	id, err := s.producer.Enqueue(s.ctx, domain.JobUpdateDNS, domain.Payload{
		DomainName: "example.com", OwnerID: "owner-1", Records: records,
	})
	s.Require().NoError(err)
	s.Equal(domain.Completed, s.settle(id).State)
	s.Equal(records, s.sandbox.Zone("example.com"))

	s.Run("unmanaged zone is terminal", func() {
		s.seedActive("other.com", "owner-1", "ord-2", epoch.AddDate(1, 0, 0))
		s.sandbox.SetUnmanaged("other.com")
		id, err := s.producer.Enqueue(s.ctx, domain.JobUpdateDNS, domain.Payload{
			DomainName: "other.com", OwnerID: "owner-1", Records: records,
		})
		s.Require().NoError(err)
		j := s.settle(id)
		s.Equal(domain.Failed, j.State)
		s.Equal(1, j.Attempts)
	})
}

func (s *PipelineSuite) TestTransferCompletesAfterPolling() {
	s.fund("owner-1", 100000)
	s.sandbox.CompleteTransfersAfter(2)
	id, err := s.producer.Enqueue(s.ctx, domain.JobTransfer, domain.Payload{
		DomainName: "example.com", OwnerID: "owner-1", AuthCode: "EPP-123", Price: 50000,
	})
	s.Require().NoError(err)

	s.Require().NoError(s.pool.Execute(s.ctx, id))
	j := s.job(id)
	s.Equal(domain.DelayedRetry, j.State)
	s.Zero(j.Attempts, "waiting does not spend attempts")
	s.Equal(1, j.Polls)
	s.Equal(epoch.Add(time.Hour), j.NextRunAt)
	d := s.domainRecord("example.com")
	s.Equal(domain.DomainTransferPending, d.Status)
	s.Equal(domain.TransferAwaitingConfirmation, d.TransferState)
	s.Equal(domain.Money(50000), s.balance("owner-1"))

	j = s.settle(id)
	s.Equal(domain.Completed, j.State)
	s.Equal(1, j.Attempts)
	s.Equal(2, j.Polls)
	d = s.domainRecord("example.com")
	s.Equal(domain.DomainActive, d.Status)
	s.Equal(domain.TransferConfirmed, d.TransferState)
	s.Equal(domain.Money(50000), s.balance("owner-1"))
}

func (s *PipelineSuite) TestTransferRejectedRefunds() {
	s.fund("owner-1", 100000)
	s.sandbox.CompleteTransfersAfter(10)
	id, err := s.producer.Enqueue(s.ctx, domain.JobTransfer, domain.Payload{
		DomainName: "example.com", OwnerID: "owner-1", AuthCode: "EPP-123", Price: 50000,
	})
	s.Require().NoError(err)
	s.Require().NoError(s.pool.Execute(s.ctx, id))

	s.sandbox.RejectTransfer(s.job(id).Result.TransferID, "losing registrar refused")
	j := s.settle(id)
	s.Equal(domain.Failed, j.State)
	s.Contains(j.Error, "losing registrar refused")
	s.Equal(domain.Money(100000), s.balance("owner-1"), "fee refunded")
	d := s.domainRecord("example.com")
	s.Equal(domain.DomainPending, d.Status)
	s.Equal(domain.TransferRejected, d.TransferState)
}

func (s *PipelineSuite) TestExhaustedTransferCancelsAndRefunds() {
	s.fund("owner-1", 100000)
	s.sandbox.CompleteTransfersAfter(10)
	var errs []error
	for i := 0; i < 5; i++ {
		errs = append(errs, registrar.Retryable("transfer_status", registrar.CodeUnavailable, nil))
	}
	s.sandbox.FailNext("transfer_status", errs...)
	id, err := s.producer.Enqueue(s.ctx, domain.JobTransfer, domain.Payload{
		DomainName: "example.com", OwnerID: "owner-1", AuthCode: "EPP-123", Price: 50000,
	})
	s.Require().NoError(err)
	s.Require().NoError(s.pool.Execute(s.ctx, id))
	transferID := s.job(id).Result.TransferID
	s.Require().NotEmpty(transferID)

	j := s.settle(id)
	s.Equal(domain.Failed, j.State)
	s.Equal(5, j.Attempts)
	s.True(j.Result.Compensated)
	s.True(s.sandbox.Cancelled(transferID))
	s.Equal(domain.Money(100000), s.balance("owner-1"), "fee refunded")
	s.NotEqual(domain.DomainTransferPending, s.domainRecord("example.com").Status)
}

func (s *PipelineSuite) TestTransferTimesOut() {
	s.fund("owner-1", 100000)
	s.sandbox.CompleteTransfersAfter(100)
	id, err := s.producer.Enqueue(s.ctx, domain.JobTransfer, domain.Payload{
		DomainName: "example.com", OwnerID: "owner-1", AuthCode: "EPP-123", Price: 50000,
	})
	s.Require().NoError(err)

	j := s.settle(id)
	s.Equal(domain.Failed, j.State)
	s.Equal(3, j.Polls)
	s.Contains(j.Error, errTransferTimedOut.Error())
	s.True(s.sandbox.Cancelled(j.Result.TransferID))
	s.Equal(domain.Money(100000), s.balance("owner-1"))
}

func (s *PipelineSuite) TestDuplicateEnqueue() {
	first := s.enqueueRegister("example.com", "owner-1", 80000)
	_, err := s.producer.Enqueue(s.ctx, domain.JobRegister, domain.Payload{
		DomainName: "Example.COM", OwnerID: "owner-1", TermYears: 1, Price: 80000,
		Contact: &domain.Contact{Name: "Asha", Email: "asha@example.com"},
	})
	var dup *domain.DuplicateJobError
	s.Require().True(errors.As(err, &dup))
	s.Equal(first, dup.ExistingJobID)
}

func (s *PipelineSuite) TestCancelQueuedJob() {
	id := s.enqueueRegister("example.com", "owner-1", 80000)

	st, err := s.producer.Cancel(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(domain.Cancelled, st.State)

	s.Require().NoError(s.pool.Execute(s.ctx, id))
	s.Equal(domain.Cancelled, s.job(id).State)
	s.Zero(s.sandbox.Calls("register"))

	ready, _ := s.queue.Len(domain.JobNotify)
	s.Equal(1, ready, "owner is told about the cancellation")

	_, err = s.producer.Cancel(s.ctx, id)
	s.True(errors.Is(err, domain.ErrInvalidState))
}

func (s *PipelineSuite) TestCancelDuringExecutionVoidsOrder() {
	s.fund("owner-1", 100000)
	id := s.enqueueRegister("example.com", "owner-1", 80000)

	s.deps.Registrar = onRegister{Client: s.deps.Registrar, hook: func() {
		_, err := s.producer.Cancel(s.ctx, id)
		s.Require().NoError(err)
	}}
	s.pool = s.newPool(s.deps.Handlers())
	s.Require().NoError(s.pool.Execute(s.ctx, id))

	j := s.job(id)
	s.Equal(domain.Cancelled, j.State)
	s.True(j.Result.Compensated)
	s.True(s.sandbox.Cancelled(j.Result.RegistrarOrderID))
	s.Equal(domain.Money(100000), s.balance("owner-1"))
	s.Equal(domain.DomainPending, s.domainRecord("example.com").Status)
}

func (s *PipelineSuite) TestBusyDomainIsReparked() {
	id := s.enqueueRegister("example.com", "owner-1", 80000)
	release, ok, err := s.locks.TryLock(s.ctx, "domain:example.com", time.Minute)
	s.Require().NoError(err)
	s.Require().True(ok)
	defer func() { _ = release(s.ctx) }()

	s.Require().NoError(s.pool.Execute(s.ctx, id))
	j := s.job(id)
	s.Equal(domain.Queued, j.State)
	s.Zero(j.Attempts)
	_, delayed := s.queue.Len(domain.JobRegister)
	s.Equal(1, delayed)
	s.Zero(s.sandbox.Calls("register"))
}

func (s *PipelineSuite) TestConcurrentRegistrationsNeverOverdraw() {
	s.fund("owner-1", 100000)
	var ids []string
	for _, name := range []string{"a.com", "b.com", "c.com", "d.com", "e.com"} {
		ids = append(ids, s.enqueueRegister(name, "owner-1", 30000))
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = s.pool.Execute(s.ctx, id)
		}(id)
	}
	wg.Wait()

	completed := 0
	for _, id := range ids {
		if s.job(id).State == domain.Completed {
			completed++
		}
	}
	s.Equal(3, completed)
	s.Equal(domain.Money(10000), s.balance("owner-1"))
}

func (s *PipelineSuite) TestPanicBecomesRetry() {
	pool := s.newPool(map[domain.JobType]Handler{
		domain.JobRegister: HandlerFunc(func(context.Context, *domain.Job) Outcome { panic("boom") }),
	})
	id := s.enqueueRegister("example.com", "owner-1", 80000)

	s.Require().NoError(pool.Execute(s.ctx, id))
	j := s.job(id)
	s.Equal(domain.DelayedRetry, j.State)
	s.Equal(1, j.Attempts)
	s.Contains(j.Error, "boom")
}

func (s *PipelineSuite) TestRunDrainsInFlightOnShutdown() {
	started := make(chan struct{})
	proceed := make(chan struct{})
	pool := s.newPool(map[domain.JobType]Handler{
		domain.JobRegister: HandlerFunc(func(ctx context.Context, job *domain.Job) Outcome {
			close(started)
			<-proceed
			return s.deps.complete(ctx, job, job.Result, nil)
		}),
	})
	pool.cfg.PollTimeout = 20 * time.Millisecond
	pool.cfg.ShutdownGrace = 5 * time.Second

	id := s.enqueueRegister("example.com", "owner-1", 80000)
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	<-started
	cancel()
	select {
	case <-done:
		s.FailNow("Run returned while a job was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(proceed)
	s.Require().NoError(<-done)
	s.Equal(domain.Completed, s.job(id).State)
}
