package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/richardliu001/payout-ledger/internal/catalog"
	"github.com/richardliu001/payout-ledger/internal/config"
	"github.com/richardliu001/payout-ledger/internal/logger"
	"github.com/richardliu001/payout-ledger/internal/metrics"
	"github.com/richardliu001/payout-ledger/internal/model"
	"github.com/richardliu001/payout-ledger/internal/repo"
	"github.com/richardliu001/payout-ledger/internal/service"
	httptransport "github.com/richardliu001/payout-ledger/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(model.AllModels()...); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.Hash{},
	}
	defer kw.Close()

	fee, err := cfg.Ledger.DefaultFee()
	if err != nil {
		log.Fatalf("ledger config: %v", err)
	}

	// 6. repo & services
	m := metrics.NewLedger(prometheus.DefaultRegisterer)
	repository := repo.NewRepository(gdb, rdb, kw, log)
	cat := catalog.NewGormCatalog(gdb)
	payouts := service.NewPayoutService(repository, cat, m, log)
	ledger := service.NewLedgerService(repository, payouts, fee, m, log)
	confirmation := service.NewConfirmationService(repository, ledger, cat, m, log)
	svc := httptransport.Services{
		Ledger:       ledger,
		Payouts:      payouts,
		Confirmation: confirmation,
		Audit:        service.NewAuditService(repository, ledger, log),
	}

	// 7. gin router
	router := httptransport.NewRouter(svc, cfg.RateLimit, log)

	// 8. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("shutdown: %v", err)
		}
	}()
	log.Infof("payout-ledger listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("listen: %v", err)
	}
}
