package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/domainq/internal/domain"
	"github.com/SirClappington/domainq/internal/logging"
	"github.com/SirClappington/domainq/internal/metrics"
)

// Producer turns business events into durable jobs. The Store row is the
// source of truth; the queue push only wakes a worker and the scheduler
// re-pushes anything that was persisted but never delivered.
type Producer struct {
	store       Store
	queue       Queue
	maxAttempts int
	now         func() time.Time
	metrics     *metrics.Metrics
	log         *zap.Logger
}

func NewProducer(store Store, q Queue, maxAttempts int, m *metrics.Metrics, log *zap.Logger) *Producer {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Producer{
		store:       store,
		queue:       q,
		maxAttempts: maxAttempts,
		now:         time.Now,
		metrics:     m,
		log:         logging.OrNop(log),
	}
}

// WithClock swaps the clock, for tests.
func (p *Producer) WithClock(now func() time.Time) *Producer {
	p.now = now
	return p
}

type enqueueOptions struct {
	maxAttempts int
	runAt       time.Time
	eventID     string
	once        bool
}

type EnqueueOption func(*enqueueOptions)

func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxAttempts = n }
}

// WithRunAt defers the first execution.
func WithRunAt(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) { o.runAt = t }
}

// WithEventID overrides the payload's idempotency key.
func WithEventID(id string) EnqueueOption {
	return func(o *enqueueOptions) { o.eventID = id }
}

// WithOncePerFingerprint rejects the job if any job ever carried its
// fingerprint, not just one in flight. The renewal scheduler uses it so a
// failed cycle is not retried every tick.
func WithOncePerFingerprint() EnqueueOption {
	return func(o *enqueueOptions) { o.once = true }
}

// Enqueue validates the payload, persists a Queued job and wakes its lane.
// A job with the same fingerprint in flight yields *domain.DuplicateJobError
// carrying the existing id.
func (p *Producer) Enqueue(ctx context.Context, t domain.JobType, payload domain.Payload, opts ...EnqueueOption) (string, error) {
	o := enqueueOptions{maxAttempts: p.maxAttempts}
	for _, fn := range opts {
		fn(&o)
	}
	if o.eventID != "" {
		payload.EventID = o.eventID
	}
	if o.maxAttempts <= 0 {
		return "", &domain.ValidationError{Field: "max_attempts", Reason: "must be positive"}
	}
	payload, err := Validate(t, payload)
	if err != nil {
		return "", err
	}

	now := p.now()
	runAt := now
	if o.runAt.After(now) {
		runAt = o.runAt
	}
	job := &domain.Job{
		Type:        t,
		Payload:     payload,
		State:       domain.Queued,
		Fingerprint: Fingerprint(t, payload),
		MaxAttempts: o.maxAttempts,
		NextRunAt:   runAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if o.once {
		prior, err := p.store.LatestJobByFingerprint(ctx, job.Fingerprint)
		switch {
		case err == nil:
			return "", &domain.DuplicateJobError{Fingerprint: job.Fingerprint, ExistingJobID: prior.ID}
		case !errors.Is(err, domain.ErrNotFound):
			return "", errors.Wrap(err, "look up fingerprint")
		}
	}

	if err := p.store.InsertJob(ctx, job); err != nil {
		if errors.Is(err, domain.ErrDuplicateJob) {
			return "", err
		}
		return "", errors.Wrap(err, "insert job")
	}
	p.metrics.Enqueued(string(t))

	if payload.Contact != nil {
		if err := p.store.SaveOwnerContact(ctx, payload.OwnerID, *payload.Contact, now); err != nil {
			p.log.Warn("owner contact not saved",
				zap.String("job_id", job.ID), zap.String("owner_id", payload.OwnerID), zap.Error(err))
		}
	}

	if err := p.queue.Push(ctx, t, job.ID, runAt); err != nil {
		// Persisted: the scheduler's reconcile pass delivers it later.
		p.log.Warn("queue push failed after insert",
			zap.String("job_id", job.ID), zap.String("type", string(t)), zap.Error(err))
	}
	p.log.Debug("job enqueued", zap.String("job_id", job.ID), zap.String("type", string(t)),
		zap.String("fingerprint", job.Fingerprint))
	return job.ID, nil
}

// SetOwnerContact replaces the contact the owner's notifications go to,
// including those of jobs already in flight.
func (p *Producer) SetOwnerContact(ctx context.Context, ownerID string, c domain.Contact) (domain.Contact, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.Contact{}, &domain.ValidationError{Field: "owner_id", Reason: "is required"}
	}
	c = normalizeContact(c)
	if err := c.Validate(); err != nil {
		return domain.Contact{}, err
	}
	if err := p.store.SaveOwnerContact(ctx, ownerID, c, p.now()); err != nil {
		return domain.Contact{}, errors.Wrap(err, "save owner contact")
	}
	return c, nil
}

// Status is the polling view of a job.
func (p *Producer) Status(ctx context.Context, id string) (domain.JobStatus, error) {
	job, err := p.store.GetJob(ctx, id)
	if err != nil {
		return domain.JobStatus{}, err
	}
	return job.Status(), nil
}

// Cancel cancels a waiting job at once. An Active job is flagged and stops at
// its next safe point. Terminal jobs yield domain.ErrInvalidState.
func (p *Producer) Cancel(ctx context.Context, id string) (domain.JobStatus, error) {
	job, err := p.store.RequestCancel(ctx, id, p.now())
	if err != nil {
		return domain.JobStatus{}, err
	}
	if job.State == domain.Cancelled {
		p.notify(ctx, job, domain.OutcomeCancelled, "cancelled before it ran")
	}
	return job.Status(), nil
}

// notify enqueues the owner notification for a finished job. It never fails
// the caller; a redelivered outcome dedupes on its fingerprint.
func (p *Producer) notify(ctx context.Context, job *domain.Job, outcome domain.Outcome, message string) {
	if job.Type == domain.JobNotify {
		return
	}
	n := &domain.Notification{
		RelatedJobID:   job.ID,
		RelatedJobType: job.Type,
		Outcome:        outcome,
		Message:        message,
	}
	if job.Payload.Contact != nil {
		n.Email = job.Payload.Contact.Email
	}
	_, err := p.Enqueue(ctx, domain.JobNotify, domain.Payload{
		DomainName:   job.Payload.DomainName,
		OwnerID:      job.Payload.OwnerID,
		Notification: n,
	})
	if err != nil && !errors.Is(err, domain.ErrDuplicateJob) {
		p.log.Warn("notification not enqueued", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// Fingerprint is type:domain:event. Event defaults per type so that the
// natural duplicate of each business event collapses onto one job.
func Fingerprint(t domain.JobType, p domain.Payload) string {
	event := p.EventID
	if event == "" {
		switch t {
		case domain.JobRegister:
			event = "initial"
		case domain.JobTransfer:
			event = "transfer"
		case domain.JobUpdateDNS:
			event = recordsDigest(p.Records)
		case domain.JobNotify:
			if p.Notification != nil {
				event = p.Notification.RelatedJobID + ":" + string(p.Notification.Outcome)
			}
		}
	}
	return fmt.Sprintf("%s:%s:%s", t, strings.ToLower(p.DomainName), event)
}

func recordsDigest(records []domain.DNSChange) string {
	h := sha256.New()
	for _, r := range records {
		fmt.Fprintf(h, "%s|%s|%s|%s|%d\n", r.Action, strings.ToLower(r.Name), strings.ToUpper(r.Type), r.Value, r.TTL)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Validate normalises a payload for job type t and checks it.
func Validate(t domain.JobType, p domain.Payload) (domain.Payload, error) {
	if !t.Valid() {
		return p, &domain.ValidationError{Field: "type", Reason: "unknown job type " + string(t)}
	}
	p.DomainName, _ = domain.NormalizeDomainName(p.DomainName)
	p.OwnerID = strings.TrimSpace(p.OwnerID)
	p.EventID = strings.TrimSpace(p.EventID)
	p.AuthCode = strings.TrimSpace(p.AuthCode)
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	if p.Contact != nil {
		c := normalizeContact(*p.Contact)
		p.Contact = &c
	}
	if len(p.Records) > 0 {
		records := make([]domain.DNSChange, len(p.Records))
		for i, r := range p.Records {
			r.Type = strings.ToUpper(strings.TrimSpace(r.Type))
			records[i] = r
		}
		p.Records = records
	}
	return p, domain.ValidatePayload(t, p)
}

func normalizeContact(c domain.Contact) domain.Contact {
	c.Email = strings.TrimSpace(c.Email)
	c.Country = strings.ToUpper(strings.TrimSpace(c.Country))
	return c
}
