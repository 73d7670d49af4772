package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	esprom "github.com/fjogeleit/event-store/adapters/prometheus"
	"github.com/fjogeleit/event-store/core/es"
	"github.com/fjogeleit/event-store/internal/demo"
)

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run every registered projection periodically and serve metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			metrics := esprom.NewESMetrics(reg)

			return a.withStore(cmd, func(ctx context.Context, store *es.EventStore) error {
				if err := store.Install(ctx); err != nil {
					return err
				}
				if err := demo.Setup(ctx, store); err != nil {
					return err
				}
				return a.serve(ctx, store, reg)
			}, es.WithMetrics(metrics))
		},
	}
}

func (a *app) serve(ctx context.Context, store *es.EventStore, reg *prometheus.Registry) error {
	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		ReadHeaderTimeout: 5 * time.Second,
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv.Handler = mux

	g.Go(func() error {
		a.log.Info("serving metrics", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}
		if err := scheduleProjections(ctx, scheduler, store, a.cfg.ServeInterval, a.log); err != nil {
			return err
		}
		scheduler.Start()
		<-ctx.Done()
		return scheduler.Shutdown()
	})

	return g.Wait()
}

// scheduleProjections adds one singleton job per registered projection.
// A run that finds the projection locked by another process is skipped.
func scheduleProjections(ctx context.Context, s gocron.Scheduler, store *es.EventStore, every time.Duration, log *slog.Logger) error {
	for _, name := range store.ProjectionNames() {
		p, err := store.Projection(name)
		if err != nil {
			return err
		}
		_, err = s.NewJob(
			gocron.DurationJob(every),
			gocron.NewTask(func() {
				err := p.Run(ctx, false)
				switch {
				case err == nil, errors.Is(err, context.Canceled):
				case errors.Is(err, es.ErrProjectionLocked):
					log.Debug("projection locked elsewhere", slog.String("projection", name))
				default:
					log.Error("projection run failed", slog.String("projection", name), slog.Any("error", err))
				}
			}),
			gocron.WithName(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithStartAt(gocron.WithStartImmediately()),
		)
		if err != nil {
			return err
		}
	}
	return nil
}
