package notify

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/SirClappington/domainq/internal/domain"
)

// ErrUndeliverable marks a notification that can never be sent, such as one
// without a recipient address.
var ErrUndeliverable = errors.New("notification undeliverable")

type SendGridSender struct {
	client *sendgrid.Client
	from   *mail.Email
}

func NewSendGridSender(apiKey, from string) *SendGridSender {
	return &SendGridSender{
		client: sendgrid.NewSendClient(apiKey),
		from:   mail.NewEmail("Domains", from),
	}
}

func (s *SendGridSender) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return &domain.ValidationError{Field: "notification.email", Reason: "no recipient for owner " + msg.OwnerID}
	}
	m := mail.NewSingleEmail(s.from, msg.Subject, mail.NewEmail("", msg.To), msg.Body, "")
	resp, err := s.client.SendWithContext(ctx, m)
	if err != nil {
		return errors.Wrap(err, "sendgrid send")
	}
	if resp.StatusCode >= 500 || resp.StatusCode == 429 {
		return errors.Errorf("sendgrid status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return errors.Wrapf(ErrUndeliverable, "sendgrid status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}
