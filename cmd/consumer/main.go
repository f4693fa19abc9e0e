package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/richardliu001/payout-ledger/internal/catalog"
	"github.com/richardliu001/payout-ledger/internal/config"
	"github.com/richardliu001/payout-ledger/internal/logger"
	"github.com/richardliu001/payout-ledger/internal/metrics"
	"github.com/richardliu001/payout-ledger/internal/repo"
	"github.com/richardliu001/payout-ledger/internal/service"
	kafkatransport "github.com/richardliu001/payout-ledger/internal/transport/kafka"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
)

// consumer applies gateway payment events from Kafka to the ledger.
func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	fee, err := cfg.Ledger.DefaultFee()
	if err != nil {
		log.Fatalf("ledger config: %v", err)
	}

	// the outbox relay runs in the poller; this process only writes rows
	m := metrics.NewLedger(prometheus.DefaultRegisterer)
	repository := repo.NewRepository(gdb, rdb, nil, log)
	cat := catalog.NewGormCatalog(gdb)
	payouts := service.NewPayoutService(repository, cat, m, log)
	ledger := service.NewLedgerService(repository, payouts, fee, m, log)
	confirmation := service.NewConfirmationService(repository, ledger, cat, m, log)

	reader := kafkatransport.NewReader(kafkatransport.ReaderConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.EventsTopic,
		GroupID: cfg.Kafka.ConsumerGroup,
	})
	defer reader.Close()

	log.Infof("payout-ledger consumer reading %s", cfg.Kafka.EventsTopic)
	if err := kafkatransport.NewConsumer(reader, confirmation, confirmation, log).Run(ctx); err != nil {
		log.Fatalf("consumer: %v", err)
	}
}
