// Command trust-sweeper runs the trusted-device expiry sweep on a cron
// schedule and serves health and metrics endpoints while doing so.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/campusworks/trustcore/pkg/audit"
	"github.com/campusworks/trustcore/pkg/config"
	"github.com/campusworks/trustcore/pkg/devicetrust"
	"github.com/campusworks/trustcore/pkg/observability"
	"github.com/campusworks/trustcore/pkg/storage/postgres"
)

const sweepTimeout = 5 * time.Minute

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(observability.ErrorLevel, os.Stderr).
			WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	db, err := postgres.Connect(cfg.Storage)
	if err != nil {
		logger.WithError(err).Error("failed to connect to postgres")
		os.Exit(1)
	}
	defer db.Close()

	redisClient, err := postgres.NewRedisClient(cfg.Storage)
	if err != nil {
		logger.WithError(err).Error("failed to connect to redis")
		os.Exit(1)
	}
	defer redisClient.Close()

	store, err := devicetrust.NewDeviceStore(db)
	if err != nil {
		logger.WithError(err).Error("failed to initialize device store")
		os.Exit(1)
	}

	auditSink, err := audit.NewPostgresSink(db)
	if err != nil {
		logger.WithError(err).Error("failed to initialize audit sink")
		os.Exit(1)
	}
	dispatcher := audit.NewDispatcher(logger,
		[]audit.Sink{auditSink, audit.NewLogSink(logger)},
		audit.WithMetrics(metrics))
	defer dispatcher.Close()

	engine := devicetrust.NewEngine(cfg.DeviceTrust, store, nil, dispatcher, logger, metrics)

	c := cron.New()
	if _, err := c.AddFunc(cfg.DeviceTrust.SweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()

		swept, err := engine.SweepExpired(ctx)
		if err != nil {
			logger.WithError(err).Error("device expiry sweep failed")
			return
		}
		logger.WithField("swept", swept).Info("device expiry sweep completed")
	}); err != nil {
		logger.WithError(err).Error("failed to schedule sweep")
		os.Exit(1)
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "postgres unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := redisClient.Ping(r.Context()); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	if cfg.Observability.MetricsEnabled {
		router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}

	server := &http.Server{
		Addr:         getListenAddr(),
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("addr", server.Addr).Info("trust sweeper started")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		c.Start()
		<-ctx.Done()

		logger.Info("shutting down")
		<-c.Stop().Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("trust sweeper exited with error")
		os.Exit(1)
	}
	logger.Info("trust sweeper stopped")
}

func getListenAddr() string {
	if addr := os.Getenv("TRUSTCORE_SWEEPER_ADDR"); addr != "" {
		return addr
	}
	return ":8081"
}
