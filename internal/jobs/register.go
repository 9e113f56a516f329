package jobs

import (
	"context"

	"github.com/pkg/errors"

	"github.com/SirClappington/domainq/internal/domain"
	"github.com/SirClappington/domainq/internal/ledger"
)

// registerHandler buys a new name: registrar order, wallet debit, domain
// activation. The debit and activation commit together with the job; an
// order that cannot be paid for is cancelled upstream.
type registerHandler struct{ d *Deps }

func (h *registerHandler) Process(ctx context.Context, job *domain.Job) Outcome {
	d := h.d
	p := job.Payload
	res := job.Result

	if err := d.checkCancelled(ctx, job); err != nil {
		return Classify(err, res)
	}

	dom, err := d.Store.GetDomain(ctx, p.DomainName)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		dom = &domain.Domain{Name: p.DomainName, OwnerID: p.OwnerID, Status: domain.DomainPending, UpdatedAt: d.now()}
		if err := d.Store.SaveDomain(ctx, dom); err != nil {
			return Classify(errors.Wrap(err, "create pending domain"), res)
		}
	case err != nil:
		return Classify(err, res)
	case dom.OwnerID != p.OwnerID:
		return Fail(errors.Wrapf(domain.ErrConflict, "domain %s belongs to another owner", p.DomainName), res)
	case dom.Status != domain.DomainPending:
		return Fail(errors.Wrapf(domain.ErrInvalidState, "domain %s is %s", p.DomainName, dom.Status), res)
	}

	if res.RegistrarOrderID == "" {
		contact := domain.Contact{}
		if p.Contact != nil {
			contact = *p.Contact
		}
		order, err := d.Registrar.Register(ctx, p.DomainName, p.TermYears, contact, "register:"+job.ID)
		if err != nil {
			return Classify(err, res)
		}
		res.RegistrarOrderID = order.OrderID
		if err := d.checkpoint(ctx, job, res); err != nil {
			// Without a checkpoint a retry would buy the name twice.
			return d.compensate(ctx, job, order.OrderID, domain.JobResult{}, err).retryable()
		}
	}

	if err := d.checkCancelled(ctx, job); err != nil {
		return d.compensate(ctx, job, res.RegistrarOrderID, res, err)
	}

	now := d.now()
	out := res
	err = d.finalize(ctx, job, domain.Completed, &out, nil, func(ctx context.Context) error {
		tx, err := d.Ledger.Debit(ctx, p.OwnerID, p.Price, ledger.Reason{
			Description: "register " + p.DomainName,
			JobID:       job.ID,
			Currency:    p.Currency,
		})
		if err != nil {
			return err
		}
		out.TransactionID = tx.ID
		expires := now.AddDate(p.TermYears, 0, 0)
		dom.Status = domain.DomainActive
		dom.RegisteredAt = &now
		dom.ExpiresAt = &expires
		dom.RegistrarOrderID = res.RegistrarOrderID
		dom.UpdatedAt = now
		return d.Store.SaveDomain(ctx, dom)
	})
	switch {
	case err == nil:
		return Completed(out)
	case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrValidation):
		return d.compensate(ctx, job, res.RegistrarOrderID, res, err)
	}
	return Classify(err, res)
}

func (h *registerHandler) Abandon(ctx context.Context, job *domain.Job, cause error) Outcome {
	return h.d.abandonOrder(ctx, job, cause)
}
