package jobs

import (
	"context"

	"github.com/pkg/errors"

	"github.com/SirClappington/domainq/internal/domain"
	"github.com/SirClappington/domainq/internal/notify"
)

type notifyHandler struct{ d *Deps }

func (h *notifyHandler) Process(ctx context.Context, job *domain.Job) Outcome {
	d := h.d
	p := job.Payload
	res := job.Result
	if p.Notification == nil {
		return Fail(&domain.ValidationError{Field: "notification", Reason: "missing"}, res)
	}
	if err := d.checkCancelled(ctx, job); err != nil {
		return Classify(err, res)
	}

	msg := notify.Render(p.OwnerID, p.DomainName, *p.Notification)
	if err := d.Sender.Send(ctx, msg); err != nil {
		if errors.Is(err, domain.ErrValidation) || errors.Is(err, notify.ErrUndeliverable) {
			return Fail(err, res)
		}
		return Retry(err, res, 0)
	}
	res.Message = msg.Subject
	return d.complete(ctx, job, res, nil)
}
