package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"TablePay/internal/config"
	"TablePay/internal/db"
	"TablePay/internal/logger"
	"TablePay/internal/models"
	"TablePay/internal/notify"
	"TablePay/internal/provider"
	"TablePay/internal/reconcile"
	"TablePay/internal/services"
	"TablePay/internal/store"
	"TablePay/internal/tracing"
	"TablePay/internal/worker"

	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	lg := logger.New("tablepay-worker", logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	shutdownTracing, err := tracing.Init(cfg.Telemetry.ServiceName, cfg.Telemetry.JaegerEndpoint)
	if err != nil {
		lg.Fatal().Err(err).Msg("tracing init failed")
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		lg.Fatal().Err(err).Msg("db connect failed")
	}
	defer pool.Close()

	st := store.New(pool, lg)

	var dispatcher notify.Dispatcher = notify.NewLogDispatcher(lg)
	if len(cfg.Kafka.Brokers) > 0 {
		kd := notify.NewKafkaDispatcher(cfg.Kafka.Brokers, cfg.Kafka.NotificationTopic, cfg.Kafka.KitchenTopic)
		defer kd.Close()
		dispatcher = kd
	}

	gateway, err := provider.NewMultiClient(cfg.Provider.Endpoints, provider.Options{
		Token:             cfg.Provider.AccessToken,
		Timeout:           cfg.ProviderTimeout(),
		MaxRetries:        cfg.Provider.MaxRetries,
		FailoverThreshold: cfg.Provider.FailoverThreshold,
	}, lg)
	if err != nil {
		lg.Fatal().Err(err).Msg("provider client init failed")
	}

	rec := reconcile.New(st, dispatcher, models.LifecycleStatus(cfg.Reconcile.ApprovedStatus), lg)
	w := &worker.Worker{
		Orders:     st,
		Reconciler: rec,
		Payments:   services.PaymentService{Provider: gateway, Reconciler: rec},
		Interval:   cfg.WorkerInterval(),
		StaleAfter: cfg.StaleAfter(),
		BatchSize:  cfg.Worker.BatchSize,
		Log:        lg,
	}

	lg.Info().Dur("interval", w.Interval).Dur("stale_after", w.StaleAfter).Msg("worker started")
	w.Run(ctx)
	lg.Info().Msg("worker stopped")
}
