package domain

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

type jobTypeKey struct{}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		switch name {
		case "-":
			return ""
		case "":
			return f.Name
		}
		return name
	})
	if err := v.RegisterValidation("domainname", func(fl validator.FieldLevel) bool {
		_, ok := NormalizeDomainName(fl.Field().String())
		return ok
	}); err != nil {
		panic(err)
	}
	v.RegisterStructValidationCtx(payloadRules, Payload{})
	return v
}

// ValidatePayload checks p against its field rules and the fields job type
// t requires. It returns the first violation as a *ValidationError.
func ValidatePayload(t JobType, p Payload) error {
	ctx := context.WithValue(context.Background(), jobTypeKey{}, t)
	return fromValidator(validate.StructCtx(ctx, p))
}

func payloadRules(ctx context.Context, sl validator.StructLevel) {
	t, ok := ctx.Value(jobTypeKey{}).(JobType)
	if !ok {
		return
	}
	p := sl.Current().Interface().(Payload)
	require := func(present bool, v any, field, structField string) {
		if !present {
			sl.ReportError(v, field, structField, "required_for", string(t))
		}
	}

	switch t {
	case JobRegister, JobRenew:
		require(p.TermYears != 0, p.TermYears, "term_years", "TermYears")
		if p.Price <= 0 {
			sl.ReportError(p.Price, "price", "Price", "gt", "0")
		}
		if t == JobRegister {
			require(p.Contact != nil, p.Contact, "contact", "Contact")
		} else {
			require(p.EventID != "", p.EventID, "event_id", "EventID")
		}
	case JobUpdateDNS:
		require(len(p.Records) > 0, p.Records, "records", "Records")
	case JobTransfer:
		require(p.AuthCode != "", p.AuthCode, "auth_code", "AuthCode")
	case JobNotify:
		require(p.Notification != nil, p.Notification, "notification", "Notification")
	}
}

var reasons = map[string]string{
	"required":         "is required",
	"required_for":     "is required for %s",
	"required_if":      "is required when %s",
	"email":            "must be a valid email address",
	"domainname":       "is not a valid domain name",
	"min":              "must be at least %s",
	"max":              "must be at most %s",
	"gt":               "must be greater than %s",
	"len":              "must be %s long",
	"oneof":            "must be one of [%s]",
	"alpha":            "must contain only letters",
	"iso3166_1_alpha2": "must be a two-letter country code",
}

// fromValidator maps validator errors onto *ValidationError, named by the
// JSON path of the first offending field.
func fromValidator(err error) error {
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) || len(fields) == 0 {
		return &ValidationError{Reason: err.Error()}
	}
	fe := fields[0]
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	reason, ok := reasons[fe.Tag()]
	switch {
	case !ok:
		reason = "failed " + fe.Tag()
	case strings.Contains(reason, "%s"):
		reason = fmt.Sprintf(reason, fe.Param())
	}
	return &ValidationError{Field: field, Reason: reason}
}
