// Package app wires the shared infrastructure of the api, worker and
// scheduler binaries.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/domainq/internal/config"
	"github.com/SirClappington/domainq/internal/jobs"
	"github.com/SirClappington/domainq/internal/ledger"
	"github.com/SirClappington/domainq/internal/logging"
	"github.com/SirClappington/domainq/internal/metrics"
	"github.com/SirClappington/domainq/internal/notify"
	"github.com/SirClappington/domainq/internal/queue"
	"github.com/SirClappington/domainq/internal/ratelimit"
	"github.com/SirClappington/domainq/internal/registrar"
	"github.com/SirClappington/domainq/internal/storage"
)

type Infra struct {
	Config   config.Config
	Log      *zap.Logger
	DB       *pgxpool.Pool
	Redis    *r.Client
	Store    *storage.Store
	Queue    *queue.RedisQ
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Limiter  *ratelimit.Limiter
}

// Bootstrap loads config, builds the logger and opens Postgres and Redis.
// Migrations run only when MIGRATE_ON_START is set.
func Bootstrap(ctx context.Context, service string) (*Infra, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.AppEnv, zap.String("service", service))
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres pool")
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	if cfg.MigrateOnStart {
		if err := storage.Migrate(db, cfg.MigrationsDir); err != nil {
			db.Close()
			return nil, err
		}
		log.Info("migrations applied", zap.String("dir", cfg.MigrationsDir))
	}

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := rdb.Ping(ctx).Err(); err != nil {
		db.Close()
		_ = rdb.Close()
		return nil, errors.Wrap(err, "ping redis")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	opts := []ratelimit.Option{ratelimit.WithMetrics(m), ratelimit.WithLogger(log)}
	if !cfg.Rate.Enforce {
		log.Warn("rate limits are counted but not enforced")
		opts = append(opts, ratelimit.WithoutEnforcement())
	}

	return &Infra{
		Config:   cfg,
		Log:      log,
		DB:       db,
		Redis:    rdb,
		Store:    storage.New(db),
		Queue:    queue.New(rdb),
		Registry: reg,
		Metrics:  m,
		Limiter:  ratelimit.New(ratelimit.NewRedisStore(rdb), ratelimit.PoliciesFromConfig(cfg.Rate), opts...),
	}, nil
}

func (i *Infra) Close() {
	_ = i.Redis.Close()
	i.DB.Close()
	_ = i.Log.Sync()
}

// Registrar returns the configured upstream behind the registrar rate-limit
// scope and circuit breaker.
func (i *Infra) Registrar() (*registrar.Guarded, error) {
	rc := i.Config.Registrar
	var upstream registrar.Client
	if rc.Sandbox {
		i.Log.Warn("using the in-process registrar sandbox")
		upstream = registrar.NewSandbox()
	} else {
		hc, err := registrar.NewHTTPClient(rc.BaseURL, rc.APIKey, rc.Timeout)
		if err != nil {
			return nil, err
		}
		upstream = hc
	}
	return registrar.NewGuarded(upstream, i.Limiter, registrar.GuardConfig{
		Timeout:          rc.Timeout,
		BreakerFailures:  rc.BreakerFailures,
		BreakerOpenFor:   rc.BreakerOpenFor,
		BreakerHalfProbe: rc.BreakerHalfProbe,
	}, i.Metrics, i.Log.Named("registrar")), nil
}

// Sender delivers through SendGrid when a key is configured and logs
// otherwise, addressed to each owner's contact on file.
func (i *Infra) Sender() notify.Sender {
	nc := i.Config.Notify
	var s notify.Sender
	if nc.SendGridKey != "" {
		s = notify.NewSendGridSender(nc.SendGridKey, nc.From)
	} else {
		i.Log.Warn("SENDGRID_API_KEY not set, notifications are only logged")
		s = notify.NewLogSender(i.Log.Named("notify"))
	}
	return notify.NewAddressed(notify.NewPaced(s, nc.RatePerSec, nc.Burst), i.Store)
}

func (i *Infra) Ledger() *ledger.Ledger {
	return ledger.New(i.Store, i.Config.Scheduler.Currency, i.Metrics, i.Log.Named("ledger"))
}

func (i *Infra) Producer() *jobs.Producer {
	return jobs.NewProducer(i.Store, i.Queue, i.Config.Worker.MaxAttempts, i.Metrics, i.Log.Named("producer"))
}

// Deps builds the lifecycle handlers' dependencies. The scheduler needs them
// too, to unwind jobs that lose their last lease.
func (i *Infra) Deps() (*jobs.Deps, error) {
	reg, err := i.Registrar()
	if err != nil {
		return nil, err
	}
	wc := i.Config.Worker
	return &jobs.Deps{
		Store:                i.Store,
		Ledger:               i.Ledger(),
		Registrar:            reg,
		Sender:               i.Sender(),
		TransferPollInterval: wc.TransferPollInterval,
		TransferMaxPolls:     wc.TransferMaxPolls,
		Log:                  i.Log.Named("handler"),
	}, nil
}

func (i *Infra) Backoff() jobs.Backoff {
	w := i.Config.Worker
	return jobs.Backoff{Base: w.BackoffBase, JitterCeiling: w.BackoffJitter, Max: w.BackoffMax}
}

// MetricsServer exposes /metrics and /healthz on METRICS_ADDR for the
// binaries that have no API of their own.
func (i *Infra) MetricsServer() *http.Server {
	rtr := chi.NewRouter()
	rtr.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(i.Registry, promhttp.HandlerOpts{Registry: i.Registry}))
	rtr.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := i.DB.Ping(r.Context()); err != nil {
			http.Error(w, "postgres down", http.StatusServiceUnavailable)
			return
		}
		if err := i.Redis.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{Addr: i.Config.MetricsAddr, Handler: rtr, ReadHeaderTimeout: 5 * time.Second}
}

// Serve runs srv until ctx is done, then shuts it down within grace.
func Serve(ctx context.Context, srv *http.Server, grace time.Duration, log *zap.Logger) error {
	errc := make(chan error, 1)
	go func() {
		log.Info("http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return errors.Wrapf(err, "listen on %s", srv.Addr)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "graceful shutdown")
	}
	return nil
}

// Exit reports a startup failure before the configured logger exists.
func Exit(service string, err error) {
	log, _ := zap.NewProduction()
	log.Fatal("startup failed", zap.String("service", service), zap.Error(err))
}
