package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/xraph/tally"
	"github.com/xraph/tally/event"
)

// Config is the daemon configuration. It is read from an optional YAML
// file and then overridden by environment variables.
type Config struct {
	Env    string `yaml:"env" env:"TALLY_ENV" env-default:"development"`
	HTTP   HTTP   `yaml:"http"`
	Log    Log    `yaml:"log"`
	Store  Store  `yaml:"store"`
	Lock   Lock   `yaml:"lock"`
	Bus    Bus    `yaml:"bus"`
	DLQ    DLQ    `yaml:"dlq"`
	Redis  Redis  `yaml:"redis"`
	Dynamo Dynamo `yaml:"dynamodb"`
	Kafka  Kafka  `yaml:"kafka"`
	Jobs   Jobs   `yaml:"jobs"`
	Fiscal Fiscal `yaml:"fiscal"`
}

type HTTP struct {
	Addr            string        `yaml:"addr" env:"TALLY_HTTP_ADDR" env-default:":8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"TALLY_HTTP_READ_TIMEOUT" env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"TALLY_HTTP_WRITE_TIMEOUT" env-default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"TALLY_HTTP_SHUTDOWN_TIMEOUT" env-default:"15s"`
}

type Log struct {
	Level  string `yaml:"level" env:"TALLY_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"TALLY_LOG_FORMAT" env-default:"json"`
}

// Store selects the document store: postgres or memory.
type Store struct {
	Backend     string `yaml:"backend" env:"TALLY_STORE" env-default:"memory"`
	PostgresURL string `yaml:"postgres_url" env:"DATABASE_URL"`
}

// Lock selects the lock backend: redis, postgres, dynamodb, or memory.
type Lock struct {
	Backend  string        `yaml:"backend" env:"TALLY_LOCK" env-default:"memory"`
	Fallback bool          `yaml:"fallback" env:"TALLY_LOCK_FALLBACK" env-default:"false"`
	TTL      time.Duration `yaml:"ttl" env:"TALLY_LOCK_TTL" env-default:"5m"`
}

// Bus selects the broadcast channel: redis, postgres, kafka, or local.
// Codec picks the envelope encoding sent on it: json or msgpack.
type Bus struct {
	Backend          string        `yaml:"backend" env:"TALLY_BUS" env-default:"local"`
	Channel          string        `yaml:"channel" env:"TALLY_BUS_CHANNEL" env-default:"tally_events"`
	Codec            string        `yaml:"codec" env:"TALLY_BUS_CODEC" env-default:"json"`
	RecoveryInterval time.Duration `yaml:"recovery_interval" env:"TALLY_BUS_RECOVERY_INTERVAL" env-default:"5s"`
	SendTimeout      time.Duration `yaml:"send_timeout" env:"TALLY_BUS_SEND_TIMEOUT" env-default:"5s"`
}

// DLQ selects where dead letters live: store or redis.
type DLQ struct {
	Backend string `yaml:"backend" env:"TALLY_DLQ" env-default:"store"`
}

type Redis struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

type Dynamo struct {
	Table    string `yaml:"table" env:"TALLY_DYNAMODB_TABLE" env-default:"tally_locks"`
	Region   string `yaml:"region" env:"AWS_REGION" env-default:"us-east-1"`
	Endpoint string `yaml:"endpoint" env:"TALLY_DYNAMODB_ENDPOINT"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:","`
	Topic   string   `yaml:"topic" env:"KAFKA_TOPIC" env-default:"tally.events"`
}

type Jobs struct {
	MaxAttempts    int           `yaml:"max_attempts" env:"TALLY_JOB_MAX_ATTEMPTS" env-default:"3"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" env:"TALLY_JOB_RETRY_BASE_DELAY" env-default:"1s"`
}

type Fiscal struct {
	RetryDelay         time.Duration `yaml:"retry_delay" env:"TALLY_FISCAL_RETRY_DELAY" env-default:"60s"`
	SweepBatch         int           `yaml:"sweep_batch" env:"TALLY_FISCAL_SWEEP_BATCH" env-default:"50"`
	SweepSchedule      string        `yaml:"sweep_schedule" env:"TALLY_FISCAL_SWEEP_SCHEDULE" env-default:"@every 1m"`
	MaxAdapterAttempts int           `yaml:"max_adapter_attempts" env:"TALLY_FISCAL_MAX_ADAPTER_ATTEMPTS" env-default:"10"`
	AdapterLease       time.Duration `yaml:"adapter_lease" env:"TALLY_FISCAL_ADAPTER_LEASE" env-default:"5m"`
	PullLimitMax       int           `yaml:"pull_limit_max" env:"TALLY_FISCAL_PULL_LIMIT_MAX" env-default:"100"`
	PairingCodeTTL     time.Duration `yaml:"pairing_code_ttl" env:"TALLY_FISCAL_PAIRING_CODE_TTL" env-default:"10m"`
	PullRate           float64       `yaml:"pull_rate" env:"TALLY_FISCAL_PULL_RATE" env-default:"5"`
	PullBurst          int           `yaml:"pull_burst" env:"TALLY_FISCAL_PULL_BURST" env-default:"10"`
}

// LoadConfig loads .env if present, then path if it exists, then the
// environment.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, cfg); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			return cfg, cfg.validate()
		}
	}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if err := c.Engine().Validate(); err != nil {
		return err
	}
	if !oneOf(c.Store.Backend, "postgres", "memory") {
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if !oneOf(c.Lock.Backend, "redis", "postgres", "dynamodb", "memory") {
		return fmt.Errorf("unknown lock backend %q", c.Lock.Backend)
	}
	if !oneOf(c.Bus.Backend, "redis", "postgres", "kafka", "local") {
		return fmt.Errorf("unknown bus backend %q", c.Bus.Backend)
	}
	if _, err := event.GetCodec(c.Bus.Codec); err != nil {
		return err
	}
	if c.Bus.Backend == "postgres" && c.Bus.Codec == event.CodecNameMsgpack {
		return errors.New("the postgres bus carries text payloads; use the json codec")
	}
	if c.Bus.SendTimeout <= 0 {
		return fmt.Errorf("bus send timeout must be positive, got %s", c.Bus.SendTimeout)
	}
	if !oneOf(c.DLQ.Backend, "store", "redis") {
		return fmt.Errorf("unknown dlq backend %q", c.DLQ.Backend)
	}
	if (c.Store.Backend == "postgres" || c.Lock.Backend == "postgres" || c.Bus.Backend == "postgres") && c.Store.PostgresURL == "" {
		return errors.New("postgres backends need DATABASE_URL")
	}
	if c.Lock.Backend == "postgres" && c.Store.Backend != "postgres" {
		return errors.New("postgres locks need the postgres store")
	}
	if c.Bus.Backend == "postgres" && c.Store.Backend != "postgres" {
		return errors.New("postgres bus needs the postgres store")
	}
	if c.Bus.Backend == "kafka" && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka bus needs KAFKA_BROKERS")
	}
	if c.Engine().Environment.IsProduction() {
		if c.Store.Backend == "memory" {
			return errors.New("the memory store is not allowed in production")
		}
		if c.Lock.Backend == "memory" {
			return tally.ErrLocalLockRejected
		}
	}
	return nil
}

// Engine returns the engine tunables.
func (c *Config) Engine() tally.Config {
	return tally.Config{
		Environment:              tally.Environment(c.Env),
		LockTTL:                  c.Lock.TTL,
		MaxAttempts:              c.Jobs.MaxAttempts,
		RetryBaseDelay:           c.Jobs.RetryBaseDelay,
		BusRecoveryInterval:      c.Bus.RecoveryInterval,
		FiscalRetryDelay:         c.Fiscal.RetryDelay,
		FiscalSweepBatch:         c.Fiscal.SweepBatch,
		FiscalMaxAdapterAttempts: c.Fiscal.MaxAdapterAttempts,
		FiscalAdapterLease:       c.Fiscal.AdapterLease,
		PullLimitMax:             c.Fiscal.PullLimitMax,
		PairingCodeTTL:           c.Fiscal.PairingCodeTTL,
	}
}

func newLogger(c Log) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
