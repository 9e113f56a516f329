package jobs

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/domainq/internal/domain"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, JitterCeiling: time.Second, Max: time.Minute}

	assert.Equal(t, 2*time.Second, b.Delay(0, 0))
	assert.Equal(t, 4*time.Second, b.Delay(1, 0))
	assert.Equal(t, 16*time.Second+500*time.Millisecond, b.Delay(3, 500*time.Millisecond))
	assert.Equal(t, time.Minute, b.Delay(10, 0), "capped")
	assert.Equal(t, time.Minute, b.Delay(1000, 0), "no overflow")

	for i := 0; i < 100; i++ {
		j := b.Jitter()
		require.GreaterOrEqual(t, j, time.Duration(0))
		require.Less(t, j, time.Second)
	}
}

func TestFingerprint(t *testing.T) {
	cases := []struct {
		name string
		typ  domain.JobType
		p    domain.Payload
		want string
	}{
		{"register defaults to initial", domain.JobRegister, domain.Payload{DomainName: "Example.com"}, "register:example.com:initial"},
		{"renew keyed by cycle", domain.JobRenew, domain.Payload{DomainName: "example.com", EventID: "2026-04-01"}, "renew:example.com:2026-04-01"},
		{"transfer", domain.JobTransfer, domain.Payload{DomainName: "example.com"}, "transfer:example.com:transfer"},
		{"notify keyed by job and outcome", domain.JobNotify, domain.Payload{
			DomainName:   "example.com",
			Notification: &domain.Notification{RelatedJobID: "j1", Outcome: domain.OutcomeFailed},
		}, "notify:example.com:j1:failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Fingerprint(tc.typ, tc.p))
		})
	}

	a := []domain.DNSChange{{Action: domain.DNSUpsert, Name: "www", Type: "A", Value: "192.0.2.1"}}
	b := []domain.DNSChange{{Action: domain.DNSUpsert, Name: "www", Type: "A", Value: "192.0.2.2"}}
	fa := Fingerprint(domain.JobUpdateDNS, domain.Payload{DomainName: "example.com", Records: a})
	fb := Fingerprint(domain.JobUpdateDNS, domain.Payload{DomainName: "example.com", Records: b})
	assert.NotEqual(t, fa, fb, "different diffs are different events")
	assert.Equal(t, fa, Fingerprint(domain.JobUpdateDNS, domain.Payload{DomainName: "example.com", Records: a}))
}

func TestValidate(t *testing.T) {
	ok := domain.Payload{
		DomainName: " Example.com. ",
		OwnerID:    "owner-1",
		TermYears:  1,
		Price:      80000,
		Currency:   "inr",
		Contact:    &domain.Contact{Name: "Asha", Email: " asha@example.com "},
	}
	p, err := Validate(domain.JobRegister, ok)
	require.NoError(t, err)
	assert.Equal(t, "example.com", p.DomainName)
	assert.Equal(t, "INR", p.Currency)
	assert.Equal(t, "asha@example.com", p.Contact.Email)
	assert.Equal(t, " asha@example.com ", ok.Contact.Email, "the caller's contact is not modified")

	dns, err := Validate(domain.JobUpdateDNS, domain.Payload{DomainName: "example.com", OwnerID: "o",
		Records: []domain.DNSChange{{Action: domain.DNSDelete, Name: "www", Type: "cname"}}})
	require.NoError(t, err, "delete needs no value")
	assert.Equal(t, "CNAME", dns.Records[0].Type)

	contact := func(c domain.Contact) domain.Payload {
		p := ok
		p.Contact = &c
		return p
	}
	dnsWith := func(c domain.DNSChange) domain.Payload {
		return domain.Payload{DomainName: "example.com", OwnerID: "o", Records: []domain.DNSChange{c}}
	}

	bad := []struct {
		name  string
		typ   domain.JobType
		p     domain.Payload
		field string
	}{
		{"unknown type", domain.JobType("sell"), ok, "type"},
		{"bad domain", domain.JobRegister, domain.Payload{DomainName: "nodot", OwnerID: "o"}, "domain_name"},
		{"no owner", domain.JobRegister, domain.Payload{DomainName: "example.com"}, "owner_id"},
		{"zero term", domain.JobRegister, domain.Payload{DomainName: "example.com", OwnerID: "o", Price: 1,
			Contact: &domain.Contact{Name: "A", Email: "a@example.com"}}, "term_years"},
		{"term above ten", domain.JobRenew, domain.Payload{DomainName: "example.com", OwnerID: "o", TermYears: 11, Price: 1, EventID: "c"}, "term_years"},
		{"free registration", domain.JobRegister, domain.Payload{DomainName: "example.com", OwnerID: "o", TermYears: 1,
			Contact: &domain.Contact{Name: "A", Email: "a@example.com"}}, "price"},
		{"register without contact", domain.JobRegister, domain.Payload{DomainName: "example.com", OwnerID: "o", TermYears: 1, Price: 1}, "contact"},
		{"contact email malformed", domain.JobRegister, contact(domain.Contact{Name: "Asha", Email: "not-an-email"}), "contact.email"},
		{"contact email missing", domain.JobRegister, contact(domain.Contact{Name: "Asha"}), "contact.email"},
		{"contact country", domain.JobRegister, contact(domain.Contact{Name: "Asha", Email: "a@example.com", Country: "India"}), "contact.country"},
		{"currency code", domain.JobRegister, func() domain.Payload { p := ok; p.Currency = "rupees"; return p }(), "currency"},
		{"renew without cycle", domain.JobRenew, domain.Payload{DomainName: "example.com", OwnerID: "o", TermYears: 1, Price: 1}, "event_id"},
		{"dns without records", domain.JobUpdateDNS, domain.Payload{DomainName: "example.com", OwnerID: "o"}, "records"},
		{"dns bad type", domain.JobUpdateDNS, domain.Payload{DomainName: "example.com", OwnerID: "o",
			Records: []domain.DNSChange{{Action: domain.DNSUpsert, Name: "@", Type: "PTRX", Value: "x"}}}, "records[0].type"},
		{"dns upsert without value", domain.JobUpdateDNS, dnsWith(domain.DNSChange{Action: domain.DNSUpsert, Name: "www", Type: "A"}), "records[0].value"},
		{"dns unknown action", domain.JobUpdateDNS, dnsWith(domain.DNSChange{Action: "replace", Name: "www", Type: "A", Value: "x"}), "records[0].action"},
		{"dns negative ttl", domain.JobUpdateDNS, dnsWith(domain.DNSChange{Action: domain.DNSUpsert, Name: "www", Type: "A", Value: "x", TTL: -1}), "records[0].ttl"},
		{"transfer without auth code", domain.JobTransfer, domain.Payload{DomainName: "example.com", OwnerID: "o"}, "auth_code"},
		{"notify without notification", domain.JobNotify, domain.Payload{DomainName: "example.com", OwnerID: "o"}, "notification"},
		{"notify bad email", domain.JobNotify, domain.Payload{DomainName: "example.com", OwnerID: "o", Notification: &domain.Notification{
			RelatedJobID: "j", RelatedJobType: domain.JobRenew, Outcome: domain.OutcomeFailed, Email: "nope"}}, "notification.email"},
	}
	for _, tc := range bad {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Validate(tc.typ, tc.p)
			var ve *domain.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tc.field, ve.Field)
			assert.True(t, errors.Is(err, domain.ErrValidation))
		})
	}
}

func TestClassify(t *testing.T) {
	res := domain.JobResult{RegistrarOrderID: "ord-1"}

	o := Classify(&domain.RateLimitError{Scope: "registrar", RetryAfter: 7 * time.Second}, res)
	assert.Equal(t, outcomeRetry, o.kind)
	assert.Equal(t, 7*time.Second, o.delay)
	assert.Equal(t, res, o.result)

	assert.Equal(t, outcomeFail, Classify(errors.Wrap(domain.ErrInsufficientFunds, "debit"), res).kind)
	assert.Equal(t, outcomeFail, Classify(&domain.ValidationError{Field: "x"}, res).kind)
	assert.Equal(t, outcomeCancelled, Classify(domain.ErrCancelled, res).kind)
	assert.Equal(t, outcomeRetry, Classify(errors.New("connection reset"), res).kind)
}
