package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/go-chi/chi/v5"
	"github.com/go-co-op/gocron"

	"github.com/hackgods/consultation-booking/internal/app"
	"github.com/hackgods/consultation-booking/internal/config"
	"github.com/hackgods/consultation-booking/internal/logger"
	"github.com/hackgods/consultation-booking/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "reminder-worker:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.Component(logger.New(cfg.Env, cfg.LogLevel), "reminder-worker")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Build(rootCtx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	jobs := rt.Jobs()

	s := gocron.NewScheduler(time.UTC)
	// a slow run must never overlap the next tick
	s.SingletonModeAll()
	_, err = s.Every(cfg.WorkerInterval).Do(func() {
		runCtx, cancel := context.WithTimeout(rootCtx, cfg.WorkerInterval)
		defer cancel()

		start := time.Now()
		jobs.RunOnce(runCtx)
		log.Debug().Dur("took", time.Since(start)).Msg("worker tick done")
	})
	if err != nil {
		return fmt.Errorf("schedule jobs: %w", err)
	}

	var srv *http.Server
	if rt.Metrics != nil {
		srv = &http.Server{
			Addr:              ":" + cfg.WorkerMetricsPort,
			Handler:           metricsRouter(rt.Metrics),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("addr", srv.Addr).Msg("worker metrics listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("worker metrics listener stopped")
			}
		}()
	}

	log.Info().
		Dur("interval", cfg.WorkerInterval).
		Dur("reminder_window", cfg.ReminderWindow).
		Dur("stale_after", cfg.StalePendingAfter).
		Bool("distributed_dedup", rt.Redis != nil).
		Msg("reminder-worker started")
	s.StartAsync()

	<-rootCtx.Done()
	log.Info().Msg("shutdown signal received, stopping reminder-worker")
	s.Stop()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics listener: %w", err)
		}
	}
	return nil
}

// metricsRouter exposes the job gauges and counters for scraping.
func metricsRouter(m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", m.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}
