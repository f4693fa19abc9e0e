package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/richardliu001/payout-ledger/internal/catalog"
	"github.com/richardliu001/payout-ledger/internal/config"
	"github.com/richardliu001/payout-ledger/internal/gateway"
	"github.com/richardliu001/payout-ledger/internal/logger"
	"github.com/richardliu001/payout-ledger/internal/metrics"
	"github.com/richardliu001/payout-ledger/internal/repo"
	"github.com/richardliu001/payout-ledger/internal/service"
	"github.com/richardliu001/payout-ledger/internal/worker"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
)

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

	m := metrics.NewLedger(prometheus.DefaultRegisterer)
	repository := repo.NewRepository(gdb, rdb, kw, log)
	cat := catalog.NewGormCatalog(gdb)
	payouts := service.NewPayoutService(repository, cat, m, log)
	ledger := service.NewLedgerService(repository, payouts, fee, m, log)
	confirmation := service.NewConfirmationService(repository, ledger, cat, m, log)
	gw := gateway.NewHTTPClient(cfg.Gateway, nil)
	dispatcher := service.NewDispatcher(repository, gw, payouts, confirmation, cfg.Dispatcher, m, log)
	relay := worker.NewOutboxRelay(repository, cfg.Worker.OutboxBatch, log)

	loops := []loopDef{
		{"outbox", cfg.Worker.OutboxInterval, relay.RelayOnce},
		{"dispatch", cfg.Worker.DispatchInterval, func(ctx context.Context) error {
			_, err := dispatcher.RunOnce(ctx)
			return err
		}},
		{"schedule", cfg.Worker.ScheduleInterval, func(ctx context.Context) error {
			_, err := payouts.ScheduleDue(ctx, cfg.Worker.ScheduleBatch)
			return err
		}},
		{"sweep", cfg.Worker.SweepInterval, func(ctx context.Context) error {
			_, err := confirmation.SweepStaleIntents(ctx, cfg.Ledger.CaptureTimeout, cfg.Worker.SweepBatch)
			return err
		}},
		{"replay", cfg.Worker.ReplayInterval, func(ctx context.Context) error {
			_, err := confirmation.ReplayParked(ctx, cfg.Worker.ReplayBatch, cfg.Worker.ReplayRetryAfter)
			return err
		}},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range loops {
		loop, err := worker.NewLoop(s.name, s.interval, s.job, repository, m, log)
		if err != nil {
			log.Fatalf("worker %s: %v", s.name, err)
		}
		g.Go(func() error { return loop.Run(gctx) })
	}

	log.Info("payout-ledger poller started")
	if err := g.Wait(); err != nil {
		log.Errorf("poller stopped: %v", err)
	}
	log.Info("payout-ledger poller stopped")
}

type loopDef struct {
	name     string
	interval time.Duration
	job      worker.Job
}
