package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"TablePay/internal/config"
	"TablePay/internal/db"
	"TablePay/internal/dedupe"
	internalhttp "TablePay/internal/http"
	"TablePay/internal/logger"
	"TablePay/internal/models"
	"TablePay/internal/notify"
	"TablePay/internal/provider"
	"TablePay/internal/realtime"
	"TablePay/internal/reconcile"
	"TablePay/internal/services"
	"TablePay/internal/store"
	"TablePay/internal/tracing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	lg := logger.New("tablepay-api", logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	shutdownTracing, err := tracing.Init(cfg.Telemetry.ServiceName, cfg.Telemetry.JaegerEndpoint)
	if err != nil {
		lg.Fatal().Err(err).Msg("tracing init failed")
	}

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

	var dd dedupe.Deduper = dedupe.NewMemory(cfg.DedupeTTL())
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		dd = dedupe.NewRedis(rdb, cfg.DedupeTTL())
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
	h := &internalhttp.Handler{
		Orders:        services.OrderService{Store: st, TTL: cfg.OrderTTL()},
		Payments:      services.PaymentService{Provider: gateway, Reconciler: rec},
		Audit:         st,
		Dedupe:        dd,
		Stream:        realtime.NewHub(st, st, lg),
		WebhookSecret: cfg.Webhook.Secret,
		Log:           lg,
	}
	srv := internalhttp.NewServer(h)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		st.Listen(gctx)
		return nil
	})
	g.Go(func() error {
		lg.Info().Str("addr", cfg.Server.Addr).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownSeconds)*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		return shutdownTracing(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		lg.Error().Err(err).Msg("api stopped with error")
	}
	lg.Info().Msg("api stopped")
}
