package jobs

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/domainq/internal/domain"
	"github.com/SirClappington/domainq/internal/ledger"
	"github.com/SirClappington/domainq/internal/registrar"
)

var errTransferTimedOut = errors.New("transfer not confirmed in time")

// transferHandler drives an inbound transfer through
// initiated -> awaiting_confirmation -> confirmed | rejected. Each poll
// re-parks the job with Continue so waiting never spends attempts.
type transferHandler struct{ d *Deps }

func (h *transferHandler) Process(ctx context.Context, job *domain.Job) Outcome {
	d := h.d
	p := job.Payload
	res := job.Result

	dom, err := d.Store.GetDomain(ctx, p.DomainName)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		dom = &domain.Domain{Name: p.DomainName, OwnerID: p.OwnerID, Status: domain.DomainPending}
	case err != nil:
		return Classify(err, res)
	case dom.OwnerID != p.OwnerID:
		return Fail(errors.Wrapf(domain.ErrConflict, "domain %s belongs to another owner", p.DomainName), res)
	}

	if res.TransferID == "" {
		return h.initiate(ctx, job, dom, res)
	}
	return h.poll(ctx, job, dom, res)
}

func (h *transferHandler) initiate(ctx context.Context, job *domain.Job, dom *domain.Domain, res domain.JobResult) Outcome {
	d := h.d
	p := job.Payload

	if dom.Status == domain.DomainActive || dom.Status == domain.DomainTransferPending {
		return Fail(errors.Wrapf(domain.ErrInvalidState, "domain %s is %s", p.DomainName, dom.Status), res)
	}
	if err := d.checkCancelled(ctx, job); err != nil {
		return Classify(err, res)
	}

	dom.TransferState = domain.TransferInitiated
	dom.TransferID = ""
	dom.UpdatedAt = d.now()
	if err := d.Store.SaveDomain(ctx, dom); err != nil {
		return Classify(errors.Wrap(err, "mark transfer initiated"), res)
	}

	t, err := d.Registrar.InitiateTransfer(ctx, p.DomainName, p.AuthCode, "transfer:"+job.ID)
	if err != nil {
		if registrar.IsTerminal(err) {
			h.reject(ctx, dom)
		}
		return Classify(err, res)
	}
	res.TransferID = t.TransferID
	if err := d.checkpoint(ctx, job, res); err != nil {
		return d.compensate(ctx, job, t.TransferID, domain.JobResult{}, err).retryable()
	}
	if err := d.checkCancelled(ctx, job); err != nil {
		return d.compensate(ctx, job, t.TransferID, res, err)
	}

	now := d.now()
	out := res
	err = d.Store.InTx(ctx, func(ctx context.Context) error {
		if p.Price > 0 {
			tx, err := d.Ledger.Debit(ctx, p.OwnerID, p.Price, ledger.Reason{
				Description: "transfer " + p.DomainName,
				JobID:       job.ID,
				Currency:    p.Currency,
			})
			if err != nil {
				return err
			}
			out.TransactionID = tx.ID
		}
		dom.Status = domain.DomainTransferPending
		dom.TransferState = domain.TransferAwaitingConfirmation
		dom.TransferID = t.TransferID
		dom.UpdatedAt = now
		if err := d.Store.SaveDomain(ctx, dom); err != nil {
			return err
		}
		return d.Store.SaveCheckpoint(ctx, job.ID, out, now)
	})
	switch {
	case err == nil:
		return Continue(d.TransferPollInterval, out)
	case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrValidation):
		h.reject(ctx, dom)
		return d.compensate(ctx, job, t.TransferID, res, err)
	}
	return Classify(err, res)
}

func (h *transferHandler) poll(ctx context.Context, job *domain.Job, dom *domain.Domain, res domain.JobResult) Outcome {
	d := h.d
	p := job.Payload

	if dom.TransferID != res.TransferID {
		return Fail(errors.Wrapf(domain.ErrConflict, "domain %s is tracking transfer %q", p.DomainName, dom.TransferID), res)
	}
	if err := d.checkCancelled(ctx, job); err != nil {
		return h.abandon(ctx, job, dom, res, err)
	}
	if d.TransferMaxPolls > 0 && job.Polls >= d.TransferMaxPolls {
		return h.abandon(ctx, job, dom, res, errTransferTimedOut)
	}

	t, err := d.Registrar.TransferStatus(ctx, p.DomainName, res.TransferID)
	if err != nil {
		return Classify(err, res)
	}

	switch t.Status {
	case registrar.TransferCompleted:
		now := d.now()
		return d.complete(ctx, job, res, func(ctx context.Context) error {
			expires := t.ExpiresAt
			if expires.IsZero() {
				expires = now.AddDate(1, 0, 0)
			}
			dom.Status = domain.DomainActive
			dom.TransferState = domain.TransferConfirmed
			dom.ExpiresAt = &expires
			if dom.RegisteredAt == nil {
				dom.RegisteredAt = &now
			}
			dom.RegistrarOrderID = res.TransferID
			dom.UpdatedAt = now
			return d.Store.SaveDomain(ctx, dom)
		})
	case registrar.TransferRejected:
		reason := errors.Errorf("transfer rejected: %s", t.Reason)
		return h.settle(ctx, job, dom, res, domain.Failed, reason)
	}
	return Continue(d.TransferPollInterval, res)
}

// Abandon cancels a transfer the job initiated. Once the fee was taken the
// refund settles with the job; before that only the upstream side exists.
func (h *transferHandler) Abandon(ctx context.Context, job *domain.Job, cause error) Outcome {
	d := h.d
	res := job.Result
	if res.TransferID == "" {
		return Fail(cause, res)
	}
	dom, err := d.Store.GetDomain(ctx, job.Payload.DomainName)
	switch {
	case err == nil && dom.TransferID == res.TransferID:
		return h.abandon(ctx, job, dom, res, cause)
	case err == nil:
		h.reject(ctx, dom)
		return d.compensate(ctx, job, res.TransferID, res, cause)
	case errors.Is(err, domain.ErrNotFound):
		return d.compensate(ctx, job, res.TransferID, res, cause)
	}
	return Retry(errors.Wrap(err, "load domain to abandon transfer"), res, 0)
}

// abandon stops a transfer that is still pending upstream.
func (h *transferHandler) abandon(ctx context.Context, job *domain.Job, dom *domain.Domain, res domain.JobResult, cause error) Outcome {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := h.d.Registrar.CancelOrder(cctx, res.TransferID); err != nil {
		h.d.log().Warn("could not cancel upstream transfer",
			zap.String("job_id", job.ID), zap.String("transfer_id", res.TransferID), zap.Error(err))
	} else {
		res.Compensated = true
	}
	state := domain.Failed
	if errors.Is(cause, domain.ErrCancelled) {
		state = domain.Cancelled
	}
	return h.settle(ctx, job, dom, res, state, cause)
}

// settle ends an unsuccessful transfer: the fee is refunded, the domain
// leaves transfer_pending and the job reaches its final state, all in one
// transaction so a redelivery cannot refund twice.
func (h *transferHandler) settle(ctx context.Context, job *domain.Job, dom *domain.Domain, res domain.JobResult, state domain.State, cause error) Outcome {
	d := h.d
	p := job.Payload
	now := d.now()
	out := res
	out.Message = cause.Error()
	err := d.finalize(ctx, job, state, &out, cause, func(ctx context.Context) error {
		if res.TransactionID != "" {
			if _, err := d.Ledger.Credit(ctx, p.OwnerID, p.Price, ledger.Reason{
				Description: "refund transfer " + p.DomainName,
				JobID:       job.ID,
				Currency:    p.Currency,
			}); err != nil {
				return err
			}
		}
		dom.Status = domain.DomainPending
		dom.TransferState = domain.TransferRejected
		dom.UpdatedAt = now
		return d.Store.SaveDomain(ctx, dom)
	})
	if err != nil {
		return Retry(err, res, 0)
	}
	if state == domain.Cancelled {
		return Cancelled(out).asCommitted()
	}
	return Fail(cause, out).asCommitted()
}

func (h *transferHandler) reject(ctx context.Context, dom *domain.Domain) {
	dom.TransferState = domain.TransferRejected
	dom.UpdatedAt = h.d.now()
	if err := h.d.Store.SaveDomain(context.WithoutCancel(ctx), dom); err != nil {
		h.d.log().Warn("could not record rejected transfer", zap.String("domain", dom.Name), zap.Error(err))
	}
}
