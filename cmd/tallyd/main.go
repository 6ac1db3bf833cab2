// Command tallyd runs the tally reliability core: the fiscal connector
// API, the job runner with its cron schedule, and the event bus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xraph/tally"
	"github.com/xraph/tally/api"
	"github.com/xraph/tally/backoff"
	"github.com/xraph/tally/cron"
	"github.com/xraph/tally/dlq"
	"github.com/xraph/tally/event"
	"github.com/xraph/tally/ext"
	"github.com/xraph/tally/fiscal"
	"github.com/xraph/tally/job"
	"github.com/xraph/tally/lock"
	"github.com/xraph/tally/middleware"
	"github.com/xraph/tally/observability"
	"github.com/xraph/tally/runner"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/dynamodb"
	"github.com/xraph/tally/store/kafka"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/store/postgres"
	tallyredis "github.com/xraph/tally/store/redis"
	"github.com/xraph/tally/stream"
)

// sweepEntry is the cron entry that fires the adapter retry sweep.
const sweepEntry = "fiscal-adapter-retry"

func main() {
	configPath := flag.String("config", "tally.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tallyd: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("tallyd stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// closers releases resources in reverse acquisition order.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) close(logger *slog.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			logger.Warn("close failed", slog.String("error", err.Error()))
		}
	}
}

// deps are the backends selected by configuration.
type deps struct {
	store   store.Store
	pg      *postgres.Store
	redis   goredis.UniversalClient
	dlq     dlq.Store
	locks   lock.Store
	channel event.Channel
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	engineCfg := cfg.Engine()
	var cl closers
	defer cl.close(logger)

	d, err := openDeps(ctx, cfg, logger, &cl)
	if err != nil {
		return err
	}

	locks, err := newLockManager(cfg, engineCfg, d.locks, logger)
	if err != nil {
		return err
	}

	bus := newBus(d.channel, cfg.Bus, engineCfg, logger)
	cl.add(bus.Close)

	broker := stream.NewBroker(stream.WithLogger(logger))
	detach := broker.Attach(bus)
	cl.add(func() error {
		detach()
		return nil
	})

	extensions := ext.NewRegistry(logger)
	extensions.Register(observability.NewMetricsExtension())
	extensions.Register(broker)

	deadLetter := dlq.NewService(d.dlq)
	fiscalSvc := fiscal.NewService(d.store,
		fiscal.WithLogger(logger),
		fiscal.WithBus(bus),
		fiscal.WithConfig(engineCfg),
	)

	registry := job.NewRegistry()
	fiscalSvc.RegisterSweep(registry, job.WithTimeout(engineCfg.LockTTL))

	taskRunner := runner.New(registry, locks, deadLetter,
		runner.WithLogger(logger),
		runner.WithExtensions(extensions),
		runner.WithDefaults(engineCfg),
		runner.WithMiddleware(
			middleware.Tracing(),
			middleware.Logging(logger),
		),
	)

	sched := cron.NewScheduler(taskRunner,
		cron.WithLogger(logger),
		cron.WithEmitter(extensions),
	)
	if err := cron.Register(sched, cron.Definition[fiscal.SweepPayload]{
		Name:     sweepEntry,
		Schedule: cfg.Fiscal.SweepSchedule,
		Task:     fiscal.SweepTask,
		Payload:  fiscal.SweepPayload{Limit: engineCfg.FiscalSweepBatch},
	}); err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	apiOpts := []api.Option{
		api.WithLogger(logger),
		api.WithDLQ(deadLetter, taskRunner),
		api.WithScheduler(sched),
		api.WithStream(broker),
		api.WithMetricsRegistry(promRegistry),
		api.WithHealthCheck("store", d.store.Ping),
	}
	if cfg.Fiscal.PullRate > 0 {
		apiOpts = append(apiOpts, api.WithPullRate(rate.Limit(cfg.Fiscal.PullRate), cfg.Fiscal.PullBurst))
	}
	if bb, ok := bus.(*event.BroadcastBus); ok {
		apiOpts = append(apiOpts, api.WithHealthCheck("bus", func(context.Context) error {
			if bb.State() == event.Unhealthy {
				if err := bb.LastError(); err != nil {
					return err
				}
				return errors.New("bus unhealthy")
			}
			return nil
		}))
	}

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.New(fiscalSvc, apiOpts...).Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	// Event streams never finish on their own; end them so Shutdown can drain.
	srv.RegisterOnShutdown(func() { _ = broker.OnShutdown(context.Background()) })

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return sched.Start(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		if stopErr := sched.Stop(shutdownCtx); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
		if waitErr := taskRunner.Wait(shutdownCtx); waitErr != nil {
			err = errors.Join(err, waitErr)
		}
		extensions.EmitShutdown(shutdownCtx)
		return err
	})

	logger.Info("tallyd started",
		slog.String("env", cfg.Env),
		slog.String("store", cfg.Store.Backend),
		slog.String("lock", cfg.Lock.Backend),
		slog.String("bus", cfg.Bus.Backend),
		slog.String("dlq", cfg.DLQ.Backend),
	)
	return g.Wait()
}

func openDeps(ctx context.Context, cfg *Config, logger *slog.Logger, cl *closers) (*deps, error) {
	d := &deps{}

	switch cfg.Store.Backend {
	case "postgres":
		pg, err := postgres.New(ctx, cfg.Store.PostgresURL, postgres.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		cl.add(pg.Close)
		d.pg, d.store = pg, pg
	default:
		d.store = memory.New()
	}
	if err := d.store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	d.dlq = d.store

	if cfg.Lock.Backend == "redis" || cfg.Bus.Backend == "redis" || cfg.DLQ.Backend == "redis" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cl.add(client.Close)
		d.redis = client
	}
	var rs *tallyredis.Store
	if d.redis != nil {
		rs = tallyredis.New(d.redis, tallyredis.WithLogger(logger))
	}
	if cfg.DLQ.Backend == "redis" {
		d.dlq = rs
	}

	switch cfg.Lock.Backend {
	case "redis":
		d.locks = rs
	case "postgres":
		d.locks = d.pg
	case "dynamodb":
		ds, err := dynamodb.Connect(ctx, cfg.Dynamo.Table, cfg.Dynamo.Region, cfg.Dynamo.Endpoint, dynamodb.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		if err := ds.Migrate(ctx); err != nil {
			return nil, err
		}
		d.locks = ds
	default:
		d.locks = lock.NewArena()
	}

	switch cfg.Bus.Backend {
	case "redis":
		d.channel = rs.Channel(cfg.Bus.Channel)
	case "postgres":
		d.channel = d.pg.Channel(cfg.Bus.Channel)
	case "kafka":
		kc, err := kafka.New(kafka.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic}, kafka.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		cl.add(kc.Close)
		d.channel = kc
	}
	return d, nil
}

func newLockManager(cfg *Config, engineCfg tally.Config, primary lock.Store, logger *slog.Logger) (*lock.Manager, error) {
	opts := []lock.Option{
		lock.WithLogger(logger),
		lock.WithEnvironment(engineCfg.Environment),
	}
	if cfg.Lock.Fallback && cfg.Lock.Backend != "memory" {
		opts = append(opts, lock.WithFallback(lock.NewArena()))
	}
	return lock.NewManager(primary, opts...)
}

// newBus returns a broadcast bus over ch, or a process-local bus when no
// channel is configured.
func newBus(ch event.Channel, c Bus, engineCfg tally.Config, logger *slog.Logger) event.Bus {
	if ch == nil {
		return event.NewLocalBus(event.WithLocalLogger(logger))
	}
	// Validated by LoadConfig.
	codec, _ := event.GetCodec(c.Codec)
	return event.NewBroadcastBus(ch,
		event.WithLogger(logger),
		event.WithCodec(codec),
		event.WithSendTimeout(c.SendTimeout),
		event.WithRecovery(backoff.NewConstant(engineCfg.BusRecoveryInterval)),
		event.WithStateHook(func(s event.State, err error) {
			attrs := []any{slog.String("state", s.String())}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
			}
			logger.Warn("event bus state changed", attrs...)
		}),
	)
}
