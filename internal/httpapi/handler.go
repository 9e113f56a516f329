// Package httpapi is the thin HTTP surface over the job producer, the wallet
// ledger and registrar availability.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/SirClappington/domainq/internal/domain"
	"github.com/SirClappington/domainq/internal/jobs"
	"github.com/SirClappington/domainq/internal/ledger"
	"github.com/SirClappington/domainq/internal/logging"
	"github.com/SirClappington/domainq/internal/ratelimit"
	"github.com/SirClappington/domainq/internal/registrar"
)

// Jobs is the producer side of the pipeline.
type Jobs interface {
	Enqueue(ctx context.Context, t domain.JobType, payload domain.Payload, opts ...jobs.EnqueueOption) (string, error)
	Status(ctx context.Context, id string) (domain.JobStatus, error)
	Cancel(ctx context.Context, id string) (domain.JobStatus, error)
	SetOwnerContact(ctx context.Context, ownerID string, c domain.Contact) (domain.Contact, error)
}

type Wallets interface {
	CreditPayment(ctx context.Context, p ledger.Payment) (domain.WalletTransaction, error)
	Balance(ctx context.Context, ownerID string) (domain.WalletAccount, error)
}

type Availability interface {
	CheckAvailability(ctx context.Context, name string) (registrar.Availability, error)
}

// Pinger is a dependency checked by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	jobs      Jobs
	wallets   Wallets
	registrar Availability
	limiter   *ratelimit.Limiter
	health    map[string]Pinger
	metrics   http.Handler
	log       *zap.Logger
}

type Option func(*Handler)

// WithLimiter gates /v1 with the api scope and availability with search.
func WithLimiter(l *ratelimit.Limiter) Option { return func(h *Handler) { h.limiter = l } }

func WithHealth(name string, p Pinger) Option {
	return func(h *Handler) { h.health[name] = p }
}

// WithMetrics mounts a scrape handler at /metrics.
func WithMetrics(m http.Handler) Option { return func(h *Handler) { h.metrics = m } }

func New(j Jobs, w Wallets, a Availability, log *zap.Logger, opts ...Option) *Handler {
	h := &Handler{
		jobs:      j,
		wallets:   w,
		registrar: a,
		health:    map[string]Pinger{},
		log:       logging.OrNop(log),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router returns a ready chi router with every route registered.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func (h *Handler) Register(r chi.Router) {
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	r.Get("/healthz", h.handleHealth)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(h.limit(ratelimit.ScopeAPI))

		r.Post("/jobs", h.handleEnqueue)
		r.Get("/jobs/{id}", h.handleStatus)
		r.Post("/jobs/{id}/cancel", h.handleCancel)
		r.Post("/payments/callback", h.handlePaymentCallback)
		r.Get("/wallets/{owner}", h.handleWallet)
		r.Put("/owners/{owner}/contact", h.handleOwnerContact)
		r.With(h.limit(ratelimit.ScopeSearch)).Get("/domains/{name}/availability", h.handleAvailability)
	})
}

func (h *Handler) limit(scope ratelimit.Scope) func(http.Handler) http.Handler {
	if h.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return h.limiter.Middleware(scope, nil)
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type enqueueRequest struct {
	Type        domain.JobType `json:"type"`
	Payload     domain.Payload `json:"payload"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
	RunAt       *time.Time     `json:"run_at,omitempty"`
}

type enqueueResponse struct {
	JobID string `json:"job_id"`
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	// the auth layer in front of us is authoritative for the owner
	if owner := strings.TrimSpace(r.Header.Get(ratelimit.OwnerHeader)); owner != "" {
		req.Payload.OwnerID = owner
	}
	var opts []jobs.EnqueueOption
	if req.MaxAttempts != 0 {
		opts = append(opts, jobs.WithMaxAttempts(req.MaxAttempts))
	}
	if req.RunAt != nil {
		opts = append(opts, jobs.WithRunAt(*req.RunAt))
	}
	id, err := h.jobs.Enqueue(r.Context(), req.Type, req.Payload, opts...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: id})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.jobs.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	st, err := h.jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

// handlePaymentCallback credits a gateway notification. Signature checks
// happen upstream of this service.
func (h *Handler) handlePaymentCallback(w http.ResponseWriter, r *http.Request) {
	var p ledger.Payment
	if err := decode(r, &p); err != nil {
		h.writeError(w, r, err)
		return
	}
	tx, err := h.wallets.CreditPayment(r.Context(), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) handleWallet(w http.ResponseWriter, r *http.Request) {
	acct, err := h.wallets.Balance(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// handleOwnerContact replaces where the owner's notifications are sent.
func (h *Handler) handleOwnerContact(w http.ResponseWriter, r *http.Request) {
	var c domain.Contact
	if err := decode(r, &c); err != nil {
		h.writeError(w, r, err)
		return
	}
	saved, err := h.jobs.SetOwnerContact(r.Context(), chi.URLParam(r, "owner"), c)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *Handler) handleAvailability(w http.ResponseWriter, r *http.Request) {
	name, ok := domain.NormalizeDomainName(chi.URLParam(r, "name"))
	if !ok {
		h.writeError(w, r, &domain.ValidationError{Field: "name", Reason: "not a valid domain name"})
		return
	}
	av, err := h.registrar.CheckAvailability(r.Context(), name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, av)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{}
	code := http.StatusOK
	for name, p := range h.health {
		if err := p.Ping(ctx); err != nil {
			h.log.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
			status[name] = "down"
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	writeJSON(w, code, status)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &domain.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}
