package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/richardliu001/payout-ledger/internal/gateway"
	"github.com/richardliu001/payout-ledger/internal/service"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server     ServerConfig             `yaml:"server"`
	Postgres   PostgresConfig           `yaml:"postgres"`
	Redis      RedisConfig              `yaml:"redis"`
	Kafka      KafkaConfig              `yaml:"kafka"`
	RateLimit  RateLimitConfig          `yaml:"ratelimit"`
	Log        LogConfig                `yaml:"log"`
	Ledger     LedgerConfig             `yaml:"ledger"`
	Gateway    gateway.Config           `yaml:"gateway"`
	Dispatcher service.DispatcherConfig `yaml:"dispatcher"`
	Worker     WorkerConfig             `yaml:"worker"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig holds the outbox topic and the inbound gateway event topic.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	Topic         string   `yaml:"topic"`
	EventsTopic   string   `yaml:"events_topic"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type LedgerConfig struct {
	DefaultFeePercent string        `yaml:"default_fee_percent"`
	CaptureTimeout    time.Duration `yaml:"capture_timeout"`
}

// DefaultFee parses DefaultFeePercent. Empty means the built-in default.
func (l LedgerConfig) DefaultFee() (decimal.Decimal, error) {
	if l.DefaultFeePercent == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(l.DefaultFeePercent)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger.default_fee_percent: %w", err)
	}
	return d, nil
}

// WorkerConfig sets how often each background loop runs.
type WorkerConfig struct {
	OutboxInterval   time.Duration `yaml:"outbox_interval"`
	OutboxBatch      int           `yaml:"outbox_batch"`
	DispatchInterval time.Duration `yaml:"dispatch_interval"`
	ScheduleInterval time.Duration `yaml:"schedule_interval"`
	ScheduleBatch    int           `yaml:"schedule_batch"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	SweepBatch       int           `yaml:"sweep_batch"`
	ReplayInterval   time.Duration `yaml:"replay_interval"`
	ReplayBatch      int           `yaml:"replay_batch"`
	ReplayRetryAfter time.Duration `yaml:"replay_retry_after"`
}

// Load reads yaml file. A .env next to the working directory is loaded first if present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes data, applies environment overrides and fills defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.setDefaults()
	if _, err := cfg.Ledger.DefaultFee(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		c.Postgres.DSN = c.Postgres.DSN + " password=" + pw
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		c.Redis.Password = pw
	}
	if key := os.Getenv("GATEWAY_API_KEY"); key != "" {
		c.Gateway.APIKey = key
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v, err := strconv.Atoi(os.Getenv("SERVER_PORT")); err == nil && v > 0 {
		c.Server.Port = v
	}
}

func (c *Config) setDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "ledger-events"
	}
	if c.Kafka.EventsTopic == "" {
		c.Kafka.EventsTopic = "gateway-events"
	}
	if c.Kafka.ConsumerGroup == "" {
		c.Kafka.ConsumerGroup = "payout-ledger"
	}
	if c.Ledger.CaptureTimeout <= 0 {
		c.Ledger.CaptureTimeout = 72 * time.Hour
	}
	w := &c.Worker
	if w.OutboxInterval <= 0 {
		w.OutboxInterval = time.Second
	}
	if w.OutboxBatch <= 0 {
		w.OutboxBatch = 100
	}
	if w.DispatchInterval <= 0 {
		w.DispatchInterval = 5 * time.Second
	}
	if w.ScheduleInterval <= 0 {
		w.ScheduleInterval = 24 * time.Hour
	}
	if w.ScheduleBatch <= 0 {
		w.ScheduleBatch = 500
	}
	if w.SweepInterval <= 0 {
		w.SweepInterval = 10 * time.Minute
	}
	if w.SweepBatch <= 0 {
		w.SweepBatch = 200
	}
	if w.ReplayInterval <= 0 {
		w.ReplayInterval = time.Minute
	}
	if w.ReplayBatch <= 0 {
		w.ReplayBatch = 100
	}
	if w.ReplayRetryAfter <= 0 {
		w.ReplayRetryAfter = time.Minute
	}
}
