package jobs

import (
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/domainq/internal/domain"
	"github.com/SirClappington/domainq/internal/registrar"
)

type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeRetry
	outcomeFail
	outcomeContinue
	outcomeCancelled
)

func (k outcomeKind) String() string {
	switch k {
	case outcomeCompleted:
		return "completed"
	case outcomeRetry:
		return "retry"
	case outcomeFail:
		return "failed"
	case outcomeContinue:
		return "continue"
	case outcomeCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Outcome is what a handler hands back to the pool. Committed outcomes have
// already written the job's final state in the handler's own transaction.
type Outcome struct {
	kind      outcomeKind
	err       error
	delay     time.Duration
	result    domain.JobResult
	committed bool
}

// Completed reports success. Handlers return it only after commit.
func Completed(res domain.JobResult) Outcome {
	return Outcome{kind: outcomeCompleted, result: res, committed: true}
}

// Retry asks for another attempt after backoff, or at least after minDelay.
func Retry(err error, res domain.JobResult, minDelay time.Duration) Outcome {
	return Outcome{kind: outcomeRetry, err: err, result: res, delay: minDelay}
}

func Fail(err error, res domain.JobResult) Outcome {
	return Outcome{kind: outcomeFail, err: err, result: res}
}

// Continue re-parks a multi-step job without spending an attempt.
func Continue(after time.Duration, res domain.JobResult) Outcome {
	return Outcome{kind: outcomeContinue, delay: after, result: res}
}

func Cancelled(res domain.JobResult) Outcome {
	return Outcome{kind: outcomeCancelled, err: domain.ErrCancelled, result: res}
}

func (o Outcome) asCommitted() Outcome {
	o.committed = true
	return o
}

func (o Outcome) retryable() Outcome {
	if o.kind == outcomeFail {
		o.kind = outcomeRetry
	}
	return o
}

// Classify maps an error onto the retry policy: local throttling and
// transient failures are retried, business rejections are terminal.
func Classify(err error, res domain.JobResult) Outcome {
	var rl *domain.RateLimitError
	switch {
	case err == nil:
		return Completed(res)
	case errors.Is(err, domain.ErrCancelled):
		return Cancelled(res)
	case errors.As(err, &rl):
		return Retry(err, res, rl.RetryAfter)
	case registrar.IsTerminal(err),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrInvalidState):
		return Fail(err, res)
	}
	return Retry(err, res, 0)
}
