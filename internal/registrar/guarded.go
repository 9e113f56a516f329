package registrar

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/SirClappington/domainq/internal/domain"
	"github.com/SirClappington/domainq/internal/logging"
	"github.com/SirClappington/domainq/internal/metrics"
	"github.com/SirClappington/domainq/internal/ratelimit"
)

// Checker is the slice of ratelimit.Limiter the guard needs.
type Checker interface {
	Check(ctx context.Context, scope ratelimit.Scope, caller string) error
}

// upstreamCaller is the limiter key: the quota belongs to our account, not to a user.
const upstreamCaller = "upstream"

type GuardConfig struct {
	Timeout          time.Duration
	BreakerFailures  uint32
	BreakerOpenFor   time.Duration
	BreakerHalfProbe uint32
}

// Guarded wraps a Client with the registrar rate-limit scope, a bounded wait
// per call and a circuit breaker. Local throttling surfaces as
// *domain.RateLimitError before any network I/O.
type Guarded struct {
	next    Client
	limiter Checker
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewGuarded(next Client, limiter Checker, cfg GuardConfig, m *metrics.Metrics, log *zap.Logger) *Guarded {
	log = logging.OrNop(log)
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Guarded{
		next:    next,
		limiter: limiter,
		timeout: timeout,
		metrics: m,
		log:     log,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "registrar",
			MaxRequests: cfg.BreakerHalfProbe,
			Timeout:     cfg.BreakerOpenFor,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= failures
			},
			// business rejections mean the upstream is healthy
			IsSuccessful: func(err error) bool {
				return err == nil || IsTerminal(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("registrar circuit breaker state change",
					zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
			},
		}),
	}
}

func (g *Guarded) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if g.limiter != nil {
		if err := g.limiter.Check(ctx, ratelimit.ScopeRegistrar, upstreamCaller); err != nil {
			g.metrics.Registrar(op, "throttled")
			return err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	switch {
	case err == nil:
		g.metrics.Registrar(op, "ok")
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		g.metrics.Registrar(op, "circuit_open")
		return Retryable(op, CodeCircuitOpen, err)
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil:
		g.metrics.Registrar(op, "timeout")
		return Retryable(op, CodeTimeout, err)
	case IsTerminal(err):
		g.metrics.Registrar(op, "rejected")
	default:
		g.metrics.Registrar(op, "error")
	}
	return err
}

func (g *Guarded) CheckAvailability(ctx context.Context, name string) (Availability, error) {
	var out Availability
	err := g.call(ctx, "check_availability", func(ctx context.Context) error {
		var err error
		out, err = g.next.CheckAvailability(ctx, name)
		return err
	})
	return out, err
}

func (g *Guarded) Register(ctx context.Context, name string, termYears int, contact domain.Contact, idemKey string) (Order, error) {
	var out Order
	err := g.call(ctx, "register", func(ctx context.Context) error {
		var err error
		out, err = g.next.Register(ctx, name, termYears, contact, idemKey)
		return err
	})
	return out, err
}

func (g *Guarded) Renew(ctx context.Context, name string, termYears int, cycle string) (Order, error) {
	var out Order
	err := g.call(ctx, "renew", func(ctx context.Context) error {
		var err error
		out, err = g.next.Renew(ctx, name, termYears, cycle)
		return err
	})
	return out, err
}

func (g *Guarded) UpdateDNS(ctx context.Context, name string, changes []domain.DNSChange) error {
	return g.call(ctx, "update_dns", func(ctx context.Context) error {
		return g.next.UpdateDNS(ctx, name, changes)
	})
}

func (g *Guarded) InitiateTransfer(ctx context.Context, name, authCode, idemKey string) (Transfer, error) {
	var out Transfer
	err := g.call(ctx, "initiate_transfer", func(ctx context.Context) error {
		var err error
		out, err = g.next.InitiateTransfer(ctx, name, authCode, idemKey)
		return err
	})
	return out, err
}

func (g *Guarded) TransferStatus(ctx context.Context, name, transferID string) (Transfer, error) {
	var out Transfer
	err := g.call(ctx, "transfer_status", func(ctx context.Context) error {
		var err error
		out, err = g.next.TransferStatus(ctx, name, transferID)
		return err
	})
	return out, err
}

func (g *Guarded) CancelOrder(ctx context.Context, orderID string) error {
	return g.call(ctx, "cancel_order", func(ctx context.Context) error {
		return g.next.CancelOrder(ctx, orderID)
	})
}
