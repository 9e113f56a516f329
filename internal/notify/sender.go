// Package notify delivers owner-facing messages for finished jobs.
package notify

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/SirClappington/domainq/internal/domain"
	"github.com/SirClappington/domainq/internal/logging"
)

// Message is a rendered notification.
type Message struct {
	OwnerID string
	To      string
	Subject string
	Body    string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Render turns a job notification into a message.
func Render(ownerID, domainName string, n domain.Notification) Message {
	var subject string
	switch n.Outcome {
	case domain.OutcomeSucceeded:
		subject = fmt.Sprintf("%s: %s completed", domainName, n.RelatedJobType)
	case domain.OutcomeCancelled:
		subject = fmt.Sprintf("%s: %s cancelled", domainName, n.RelatedJobType)
	default:
		subject = fmt.Sprintf("%s: %s failed", domainName, n.RelatedJobType)
	}
	return Message{
		OwnerID: ownerID,
		To:      n.Email,
		Subject: subject,
		Body:    n.Message,
	}
}

// LogSender writes notifications to the log. Used when no mail provider is set.
type LogSender struct{ log *zap.Logger }

func NewLogSender(log *zap.Logger) *LogSender { return &LogSender{log: logging.OrNop(log)} }

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.log.Info("notification",
		zap.String("owner_id", msg.OwnerID),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body),
	)
	return nil
}

// Paced limits the delivery rate of the wrapped sender with a token bucket.
type Paced struct {
	next Sender
	lim  *rate.Limiter
}

func NewPaced(next Sender, perSecond float64, burst int) *Paced {
	if burst < 1 {
		burst = 1
	}
	return &Paced{next: next, lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (p *Paced) Send(ctx context.Context, msg Message) error {
	if err := p.lim.Wait(ctx); err != nil {
		return err
	}
	return p.next.Send(ctx, msg)
}

// Directory holds each owner's current contact.
type Directory interface {
	OwnerContact(ctx context.Context, ownerID string) (*domain.Contact, error)
}

// Addressed sends to the owner's current address, looked up at send time.
// The address captured with the job is kept when the owner has none on file.
type Addressed struct {
	next Sender
	dir  Directory
}

func NewAddressed(next Sender, dir Directory) *Addressed {
	return &Addressed{next: next, dir: dir}
}

func (a *Addressed) Send(ctx context.Context, msg Message) error {
	c, err := a.dir.OwnerContact(ctx, msg.OwnerID)
	switch {
	case err == nil:
		if c.Email != "" {
			msg.To = c.Email
		}
	case errors.Is(err, domain.ErrNotFound):
	default:
		return errors.Wrapf(err, "look up contact of %s", msg.OwnerID)
	}
	return a.next.Send(ctx, msg)
}
