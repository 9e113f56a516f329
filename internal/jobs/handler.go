package jobs

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/domainq/internal/domain"
	"github.com/SirClappington/domainq/internal/ledger"
	"github.com/SirClappington/domainq/internal/logging"
	"github.com/SirClappington/domainq/internal/notify"
	"github.com/SirClappington/domainq/internal/registrar"
)

// Handler executes one claimed job. It must return Completed only after the
// job's completion has been committed together with its side effects.
type Handler interface {
	Process(ctx context.Context, job *domain.Job) Outcome
}

// Abandoner is a Handler whose checkpoint can hold upstream state. Abandon
// runs when the job fails outside the handler, out of attempts or after a
// lapsed lease, and returns the final outcome with that state unwound.
type Abandoner interface {
	Abandon(ctx context.Context, job *domain.Job, cause error) Outcome
}

type HandlerFunc func(ctx context.Context, job *domain.Job) Outcome

func (f HandlerFunc) Process(ctx context.Context, job *domain.Job) Outcome { return f(ctx, job) }

// Deps is what the lifecycle handlers share.
type Deps struct {
	Store     Store
	Ledger    *ledger.Ledger
	Registrar registrar.Client
	Sender    notify.Sender

	TransferPollInterval time.Duration
	TransferMaxPolls     int

	Now func() time.Time
	Log *zap.Logger
}

func (d *Deps) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

func (d *Deps) log() *zap.Logger { return logging.OrNop(d.Log) }

// Handlers builds the handler for every job type.
func (d *Deps) Handlers() map[domain.JobType]Handler {
	return map[domain.JobType]Handler{
		domain.JobRegister:  &registerHandler{d},
		domain.JobRenew:     &renewHandler{d},
		domain.JobUpdateDNS: &dnsHandler{d},
		domain.JobTransfer:  &transferHandler{d},
		domain.JobNotify:    &notifyHandler{d},
	}
}

// checkCancelled reports domain.ErrCancelled once a cancel was requested.
func (d *Deps) checkCancelled(ctx context.Context, job *domain.Job) error {
	requested, err := d.Store.CancelRequested(ctx, job.ID)
	if err != nil {
		return errors.Wrap(err, "read cancel flag")
	}
	if requested {
		return domain.ErrCancelled
	}
	return nil
}

// finalize runs apply and moves the job to state in one transaction. apply
// may fill in *res; the transition records whatever it holds afterwards.
func (d *Deps) finalize(ctx context.Context, job *domain.Job, state domain.State, res *domain.JobResult, cause error, apply func(ctx context.Context) error) error {
	return d.Store.InTx(ctx, func(ctx context.Context) error {
		if apply != nil {
			if err := apply(ctx); err != nil {
				return err
			}
		}
		t := domain.Transition{
			State:     state,
			Attempts:  job.Attempts,
			Polls:     job.Polls,
			NextRunAt: job.NextRunAt,
			Result:    *res,
		}
		if state != domain.Cancelled {
			t.Attempts++
		}
		if cause != nil {
			t.Error = cause.Error()
		}
		return d.Store.TransitionJob(ctx, job.ID, t, d.now())
	})
}

// complete commits apply with the job's completion.
func (d *Deps) complete(ctx context.Context, job *domain.Job, res domain.JobResult, apply func(ctx context.Context) error) Outcome {
	if err := d.finalize(ctx, job, domain.Completed, &res, nil, apply); err != nil {
		return Classify(err, job.Result)
	}
	return Completed(res)
}

// compensate voids an upstream order that will not be committed locally.
// If the registrar refuses, the job records that a manual refund is owed.
func (d *Deps) compensate(ctx context.Context, job *domain.Job, orderID string, res domain.JobResult, cause error) Outcome {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	res.Message = cause.Error()
	if err := d.Registrar.CancelOrder(ctx, orderID); err != nil {
		res.RefundRequired = true
		d.log().Error("upstream order left uncompensated",
			zap.String("job_id", job.ID), zap.String("order_id", orderID), zap.Error(err))
	} else {
		res.Compensated = true
	}
	if errors.Is(cause, domain.ErrCancelled) {
		return Cancelled(res)
	}
	return Fail(cause, res)
}

// abandonOrder voids the order a job checkpointed but never committed.
func (d *Deps) abandonOrder(ctx context.Context, job *domain.Job, cause error) Outcome {
	res := job.Result
	if res.RegistrarOrderID == "" || res.Noop {
		return Fail(cause, res)
	}
	d.log().Warn("abandoning checkpointed order",
		zap.String("job_id", job.ID), zap.String("order_id", res.RegistrarOrderID), zap.Error(cause))
	return d.compensate(ctx, job, res.RegistrarOrderID, res, cause)
}

// checkpoint persists res so a retry resumes after the upstream call.
func (d *Deps) checkpoint(ctx context.Context, job *domain.Job, res domain.JobResult) error {
	return errors.Wrap(d.Store.SaveCheckpoint(ctx, job.ID, res, d.now()), "save checkpoint")
}

func ownedDomain(ctx context.Context, d *Deps, p domain.Payload) (*domain.Domain, error) {
	dom, err := d.Store.GetDomain(ctx, p.DomainName)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, &domain.ValidationError{Field: "domain_name", Reason: p.DomainName + " is not registered here"}
		}
		return nil, err
	}
	if dom.OwnerID != p.OwnerID {
		return nil, errors.Wrapf(domain.ErrConflict, "domain %s belongs to another owner", p.DomainName)
	}
	return dom, nil
}
