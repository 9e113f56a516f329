package jobs

import (
	"context"

	"github.com/pkg/errors"

	"github.com/SirClappington/domainq/internal/domain"
	"github.com/SirClappington/domainq/internal/ledger"
)

// renewHandler extends an owned name by the purchased term. The registrar
// renew is idempotent per billing cycle; an order the domain already carries
// means the cycle was paid and the job completes without a second debit.
type renewHandler struct{ d *Deps }

func (h *renewHandler) Process(ctx context.Context, job *domain.Job) Outcome {
	d := h.d
	p := job.Payload
	res := job.Result

	if err := d.checkCancelled(ctx, job); err != nil {
		return Classify(err, res)
	}
	dom, err := ownedDomain(ctx, d, p)
	if err != nil {
		return Classify(err, res)
	}
	if res.RegistrarOrderID != "" && res.RegistrarOrderID == dom.RegistrarOrderID {
		res.Noop = true
		return d.complete(ctx, job, res, nil)
	}
	if dom.Status != domain.DomainActive && dom.Status != domain.DomainExpired {
		return Fail(errors.Wrapf(domain.ErrInvalidState, "domain %s is %s", p.DomainName, dom.Status), res)
	}

	if res.RegistrarOrderID == "" {
		order, err := d.Registrar.Renew(ctx, p.DomainName, p.TermYears, p.EventID)
		if err != nil {
			return Classify(err, res)
		}
		res.RegistrarOrderID = order.OrderID
		if order.OrderID == dom.RegistrarOrderID {
			res.Noop = true
			return d.complete(ctx, job, res, nil)
		}
		if err := d.checkpoint(ctx, job, res); err != nil {
			// The renew is idempotent upstream; the retry gets the same order back.
			return Retry(err, res, 0)
		}
	}

	if err := d.checkCancelled(ctx, job); err != nil {
		return d.compensate(ctx, job, res.RegistrarOrderID, res, err)
	}

	now := d.now()
	out := res
	err = d.finalize(ctx, job, domain.Completed, &out, nil, func(ctx context.Context) error {
		tx, err := d.Ledger.Debit(ctx, p.OwnerID, p.Price, ledger.Reason{
			Description: "renew " + p.DomainName + " " + p.EventID,
			JobID:       job.ID,
			Currency:    p.Currency,
		})
		if err != nil {
			return err
		}
		out.TransactionID = tx.ID
		expires := dom.AddYears(now, p.TermYears)
		dom.Status = domain.DomainActive
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

func (h *renewHandler) Abandon(ctx context.Context, job *domain.Job, cause error) Outcome {
	return h.d.abandonOrder(ctx, job, cause)
}
