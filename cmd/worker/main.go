package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/domainq/internal/app"
	"github.com/SirClappington/domainq/internal/jobs"
	"github.com/SirClappington/domainq/internal/lock"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	infra, err := app.Bootstrap(ctx, "worker")
	if err != nil {
		app.Exit("worker", err)
	}
	defer infra.Close()
	log := infra.Log
	wc := infra.Config.Worker

	deps, err := infra.Deps()
	if err != nil {
		log.Fatal("handler dependencies", zap.Error(err))
	}
	pool := jobs.NewPool(infra.Store, infra.Queue, lock.NewRedis(infra.Redis), infra.Producer(), deps.Handlers(), jobs.PoolConfig{
		Concurrency:    wc.Concurrency,
		PollTimeout:    wc.PollTimeout,
		Lease:          wc.Lease,
		JobTimeout:     wc.JobTimeout,
		LockRetryDelay: wc.LockRetryDelay,
		ShutdownGrace:  wc.ShutdownGrace,
		Backoff:        infra.Backoff(),
	}, infra.Metrics, log.Named("pool"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return app.Serve(gctx, infra.MetricsServer(), wc.ShutdownGrace, log) })
	if err := g.Wait(); err != nil {
		log.Error("worker stopped", zap.Error(err))
		return
	}
	log.Info("worker stopped")
}
