package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/domainq/internal/config"
	"github.com/SirClappington/domainq/internal/domain"
	"github.com/SirClappington/domainq/internal/logging"
	"github.com/SirClappington/domainq/internal/metrics"
)

type Scope string

const (
	ScopeAPI       Scope = "api"
	ScopeSearch    Scope = "search"
	ScopeAuth      Scope = "auth"
	ScopeRegistrar Scope = "registrar"
)

type Policy struct {
	Limit  int
	Window time.Duration
}

// PoliciesFromConfig maps the RATE_* settings onto scopes.
func PoliciesFromConfig(c config.Rate) map[Scope]Policy {
	return map[Scope]Policy{
		ScopeAPI:       {Limit: c.APILimit, Window: c.APIWindow},
		ScopeSearch:    {Limit: c.SearchLimit, Window: c.SearchWindow},
		ScopeAuth:      {Limit: c.AuthLimit, Window: c.AuthWindow},
		ScopeRegistrar: {Limit: c.RegistrarLimit, Window: c.RegistrarWindow},
	}
}

// Limiter binds scopes to policies over a Store.
type Limiter struct {
	store    Store
	policies map[Scope]Policy
	enforce  bool
	metrics  *metrics.Metrics
	log      *zap.Logger
}

type Option func(*Limiter)

// WithoutEnforcement admits everything while still counting. It reproduces the
// "allow all" placeholder deployment and is never the default.
func WithoutEnforcement() Option { return func(l *Limiter) { l.enforce = false } }

func WithMetrics(m *metrics.Metrics) Option { return func(l *Limiter) { l.metrics = m } }

func WithLogger(log *zap.Logger) Option { return func(l *Limiter) { l.log = log } }

func New(store Store, policies map[Scope]Policy, opts ...Option) *Limiter {
	l := &Limiter{store: store, policies: policies, enforce: true, log: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	l.log = logging.OrNop(l.log)
	return l
}

// Allow runs the check-and-increment for caller within scope.
func (l *Limiter) Allow(ctx context.Context, scope Scope, caller string) (Result, error) {
	p, ok := l.policies[scope]
	if !ok || p.Limit <= 0 {
		return Result{Allowed: true}, nil
	}
	res, err := l.store.Allow(ctx, string(scope)+":"+caller, p.Limit, p.Window)
	if err != nil {
		return Result{}, err
	}
	l.metrics.RateLimit(string(scope), res.Allowed)
	if !res.Allowed && !l.enforce {
		l.log.Debug("rate limit exceeded but not enforced", zap.String("scope", string(scope)), zap.String("caller", caller))
		res.Allowed = true
	}
	return res, nil
}

// Check is Allow returning *domain.RateLimitError when the caller is refused.
func (l *Limiter) Check(ctx context.Context, scope Scope, caller string) error {
	res, err := l.Allow(ctx, scope, caller)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return &domain.RateLimitError{Scope: string(scope), RetryAfter: res.RetryAfter}
	}
	return nil
}
