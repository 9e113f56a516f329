package jobs

import (
	"context"

	"github.com/pkg/errors"

	"github.com/SirClappington/domainq/internal/domain"
)

// dnsHandler pushes a record-set diff to the registrar. There is no local
// zone copy, so the commit is the job completion plus the domain's touch.
type dnsHandler struct{ d *Deps }

func (h *dnsHandler) Process(ctx context.Context, job *domain.Job) Outcome {
	d := h.d
	p := job.Payload
	res := job.Result

	for _, r := range p.Records {
		if err := r.Validate(); err != nil {
			return Fail(err, res)
		}
	}
	dom, err := ownedDomain(ctx, d, p)
	if err != nil {
		return Classify(err, res)
	}
	if dom.Status != domain.DomainActive {
		return Fail(errors.Wrapf(domain.ErrInvalidState, "domain %s is %s", p.DomainName, dom.Status), res)
	}
	if err := d.checkCancelled(ctx, job); err != nil {
		return Classify(err, res)
	}

	if err := d.Registrar.UpdateDNS(ctx, p.DomainName, p.Records); err != nil {
		return Classify(err, res)
	}

	return d.complete(ctx, job, res, func(ctx context.Context) error {
		dom.UpdatedAt = d.now()
		return d.Store.SaveDomain(ctx, dom)
	})
}
