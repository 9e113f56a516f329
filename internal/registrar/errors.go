package registrar

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

const (
	CodeUnavailable     = "unavailable"
	CodeTimeout         = "timeout"
	CodeCircuitOpen     = "circuit_open"
	CodeUpstreamLimited = "upstream_rate_limited"
	CodeDomainTaken     = "domain_taken"
	CodeZoneUnmanaged   = "zone_unmanaged"
	CodeInvalidRecord   = "invalid_record"
	CodeInvalidAuthCode = "invalid_auth_code"
	CodeNotFound        = "not_found"
	CodeRejected        = "rejected"
)

// Error is a failed registrar call. Retryable distinguishes
// RetryableRegistrarError (network, 5xx, timeout) from TerminalRegistrarError.
type Error struct {
	Op        string
	Code      string
	Retryable bool
	Status    int
	Err       error
}

func (e *Error) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	msg := fmt.Sprintf("registrar %s: %s (%s)", e.Op, e.Code, kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func Retryable(op, code string, err error) *Error {
	return &Error{Op: op, Code: code, Retryable: true, Err: err}
}

func Terminal(op, code string, err error) *Error {
	return &Error{Op: op, Code: code, Err: err}
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsTerminal reports whether err is a business rejection from the registrar.
func IsTerminal(err error) bool {
	var re *Error
	return errors.As(err, &re) && !re.Retryable
}

func HasCode(err error, code string) bool {
	var re *Error
	return errors.As(err, &re) && re.Code == code
}
