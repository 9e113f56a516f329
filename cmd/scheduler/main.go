package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/domainq/internal/app"
	"github.com/SirClappington/domainq/internal/domain"
	"github.com/SirClappington/domainq/internal/jobs"
	"github.com/SirClappington/domainq/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	infra, err := app.Bootstrap(ctx, "scheduler")
	if err != nil {
		app.Exit("scheduler", err)
	}
	defer infra.Close()
	log := infra.Log
	sc := infra.Config.Scheduler

	leader := storage.NewAdvisoryLeader(infra.DB, sc.LeaderLockID)
	defer func() {
		if err := leader.Release(context.Background()); err != nil {
			log.Warn("release leadership", zap.Error(err))
		}
	}()

	deps, err := infra.Deps()
	if err != nil {
		log.Fatal("handler dependencies", zap.Error(err))
	}
	sched := jobs.NewScheduler(infra.Store, infra.Queue, infra.Producer(), leader, jobs.SchedulerConfig{
		Interval:     sc.Interval,
		Batch:        sc.Batch,
		RenewalLead:  sc.RenewalLead,
		RenewalTerm:  sc.RenewalTerm,
		RenewalPrice: domain.Money(sc.RenewalPrice),
		Currency:     sc.Currency,
		Backoff:      infra.Backoff(),
	}, log.Named("scheduler")).WithHandlers(deps.Handlers())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return app.Serve(gctx, infra.MetricsServer(), infra.Config.Worker.ShutdownGrace, log) })
	if err := g.Wait(); err != nil {
		log.Error("scheduler stopped", zap.Error(err))
		return
	}
	log.Info("scheduler stopped")
}
