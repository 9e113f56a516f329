package domain

import (
	"regexp"
	"strings"
)

// Payload is the business event data a job is created from. The tags hold
// the rules every job type shares; ValidatePayload adds the per-type ones.
type Payload struct {
	DomainName   string        `json:"domain_name" validate:"required,domainname"`
	OwnerID      string        `json:"owner_id" validate:"required,max=128"`
	EventID      string        `json:"event_id,omitempty" validate:"max=128"`
	TermYears    int           `json:"term_years,omitempty" validate:"omitempty,min=1,max=10"`
	Price        Money         `json:"price,omitempty" validate:"min=0"`
	Currency     string        `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	Contact      *Contact      `json:"contact,omitempty" validate:"omitempty"`
	Records      []DNSChange   `json:"records,omitempty" validate:"omitempty,max=100,dive"`
	AuthCode     string        `json:"auth_code,omitempty" validate:"max=255"`
	Notification *Notification `json:"notification,omitempty" validate:"omitempty"`
}

// Contact is the registrant, and the address owner notifications go to.
type Contact struct {
	Name    string `json:"name" validate:"required,max=255"`
	Email   string `json:"email" validate:"required,email"`
	Phone   string `json:"phone,omitempty" validate:"omitempty,max=32"`
	Country string `json:"country,omitempty" validate:"omitempty,iso3166_1_alpha2"`
}

func (c Contact) Validate() error {
	return fromValidator(validate.Struct(c))
}

type DNSAction string

const (
	DNSUpsert DNSAction = "upsert"
	DNSDelete DNSAction = "delete"
)

// DNSChange is one entry of a record-set diff.
type DNSChange struct {
	Action DNSAction `json:"action" validate:"required,oneof=upsert delete"`
	Name   string    `json:"name" validate:"required,max=253"`
	Type   string    `json:"type" validate:"required,oneof=A AAAA CNAME MX TXT NS SRV CAA"`
	Value  string    `json:"value,omitempty" validate:"required_if=Action upsert,max=4096"`
	TTL    int       `json:"ttl,omitempty" validate:"min=0,max=604800"`
}

func (c DNSChange) Validate() error {
	c.Type = strings.ToUpper(c.Type)
	return fromValidator(validate.Struct(c))
}

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Notification describes the owner-facing message for a finished job.
type Notification struct {
	RelatedJobID   string  `json:"related_job_id" validate:"required"`
	RelatedJobType JobType `json:"related_job_type" validate:"required"`
	Outcome        Outcome `json:"outcome" validate:"required,oneof=succeeded failed cancelled"`
	Email          string  `json:"email,omitempty" validate:"omitempty,email"`
	Message        string  `json:"message"`
}

var labelRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// NormalizeDomainName lowercases and trims a name; ok is false when the
// result is not a syntactically valid fully qualified name.
func NormalizeDomainName(name string) (string, bool) {
	n := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
	if n == "" || len(n) > 253 {
		return n, false
	}
	labels := strings.Split(n, ".")
	if len(labels) < 2 {
		return n, false
	}
	for _, l := range labels {
		if !labelRe.MatchString(l) {
			return n, false
		}
	}
	return n, true
}
