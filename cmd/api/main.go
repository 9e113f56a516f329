package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/SirClappington/domainq/internal/app"
	"github.com/SirClappington/domainq/internal/httpapi"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	infra, err := app.Bootstrap(ctx, "api")
	if err != nil {
		app.Exit("api", err)
	}
	defer infra.Close()
	log := infra.Log

	reg, err := infra.Registrar()
	if err != nil {
		log.Fatal("registrar client", zap.Error(err))
	}

	h := httpapi.New(infra.Producer(), infra.Ledger(), reg, log.Named("http"),
		httpapi.WithLimiter(infra.Limiter),
		httpapi.WithHealth("postgres", infra.Store),
		httpapi.WithHealth("redis", redisPinger{infra}),
		httpapi.WithMetrics(promhttp.HandlerFor(infra.Registry, promhttp.HandlerOpts{Registry: infra.Registry})),
	)
	srv := &http.Server{
		Addr:              infra.Config.APIAddr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := app.Serve(ctx, srv, infra.Config.Worker.ShutdownGrace, log); err != nil {
		log.Error("api stopped", zap.Error(err))
		return
	}
	log.Info("api stopped")
}

type redisPinger struct{ infra *app.Infra }

func (p redisPinger) Ping(ctx context.Context) error { return p.infra.Redis.Ping(ctx).Err() }
