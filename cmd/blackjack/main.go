// Command blackjack launches the pipeline runtime: the risk stage, the trade
// bridge's counterpart consumers on the trade plane, the submission state
// machine with its outbox drainer and reconciler, and the executor stage.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/Victor-dw/Blackjack/internal/bus"
	"github.com/Victor-dw/Blackjack/internal/config"
	"github.com/Victor-dw/Blackjack/internal/executor"
	"github.com/Victor-dw/Blackjack/internal/observability"
	"github.com/Victor-dw/Blackjack/internal/processor"
	"github.com/Victor-dw/Blackjack/internal/risk"
	"github.com/Victor-dw/Blackjack/internal/schema"
	"github.com/Victor-dw/Blackjack/internal/streamlog"
	"github.com/Victor-dw/Blackjack/internal/trade"
	tradepg "github.com/Victor-dw/Blackjack/internal/trade/postgres"
	"github.com/Victor-dw/Blackjack/lib/telemetry"
)

const (
	shutdownTimeout          = 30 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	outboxDrainInterval      = 200 * time.Millisecond
	ambiguityAlertBurst      = 5
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "", "Path to configuration file (optional)")
	flag.Parse()

	logger := log.New(os.Stdout, "blackjack ", log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	settings, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	_, telemetryShutdown, err := telemetry.Init(ctx, settings.TelemetryEndpoint, "blackjack")
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}

	registry := schema.NewRegistry()
	if err := schema.RegisterPipelineV1(registry); err != nil {
		return fmt.Errorf("register contracts: %w", err)
	}

	computeLog, idem, err := openPlane(settings.StoreURLCompute)
	if err != nil {
		return fmt.Errorf("open compute plane: %w", err)
	}
	tradeLog, _, err := openPlane(settings.StoreURLTrade)
	if err != nil {
		return fmt.Errorf("open trade plane: %w", err)
	}

	store, err := openTradeStore(ctx, settings.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open trade store: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.Printf("trade store close: %v", cerr)
		}
	}()

	owner, _ := os.Hostname()
	if owner == "" {
		owner = "blackjack-1"
	}
	broker := trade.NewSimBroker()
	machine := trade.NewMachine(store, broker, owner, trade.WithLeaseTTL(settings.LeaseTTL()))

	metrics := bus.NewMetrics()

	riskStage, err := processor.NewStage(
		risk.Binding(risk.NewAllocator(risk.DefaultLimits())),
		processor.Tuning{
			MaxAttempts:    settings.MaxAttempts,
			Concurrency:    settings.Concurrency(risk.StageName),
			HandlerTimeout: settings.HandlerTimeout(),
			IdempotencyTTL: settings.IdempotencyTTL(),
		},
		computeLog, registry, idem, metrics)
	if err != nil {
		return fmt.Errorf("build risk stage: %w", err)
	}

	exec, err := executor.New(tradeLog, computeLog, registry, idem, machine, executor.Config{
		MaxAttempts:    settings.MaxAttempts,
		Concurrency:    settings.Concurrency(executor.Group),
		HandlerTimeout: settings.HandlerTimeout(),
		IdempotencyTTL: settings.IdempotencyTTL(),
	}, metrics)
	if err != nil {
		return fmt.Errorf("build executor: %w", err)
	}

	lifecycleProducer := bus.NewProducer(tradeLog, registry, schema.TradeStreamsV1(),
		bus.WithSourceService("submission"), bus.WithProducerMetrics(metrics))
	drainer := trade.NewOutboxDrainer(store, lifecycleProducer, outboxDrainInterval)

	alerts := rate.NewLimiter(rate.Every(time.Minute), ambiguityAlertBurst)
	reconciler := trade.NewReconciler(store, machine, broker, settings.ReconcilePeriod(), alerts)

	logger.Print("pipeline started; awaiting shutdown signal")
	runners := pool.New().WithErrors().WithContext(ctx)
	runners.Go(riskStage.Run)
	runners.Go(exec.Run)
	runners.Go(drainer.Run)
	runners.Go(reconciler.Run)
	runErr := runners.Wait()

	logger.Print("shutdown signal received, draining")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Flush whatever the machine committed before the stop.
	var drainErr error
	if sent, derr := drainer.DrainOnce(shutdownCtx); derr != nil {
		drainErr = fmt.Errorf("final outbox drain: %w", derr)
	} else if sent > 0 {
		logger.Printf("final outbox drain published %d events", sent)
	}

	telemetryCtx, telemetryCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer telemetryCancel()
	var telemetryErr error
	if terr := telemetryShutdown(telemetryCtx); terr != nil {
		telemetryErr = fmt.Errorf("telemetry shutdown: %w", terr)
	}

	logger.Print("shutdown completed")
	return observability.AggregateErrors("shutdown", []error{runErr, drainErr, telemetryErr})
}

// openPlane builds the stream log and idempotency store for one plane. An
// empty URL selects the in-process implementations, useful for local runs.
func openPlane(url string) (streamlog.Log, bus.IdempotencyStore, error) {
	if url == "" {
		return streamlog.NewMemoryLog(), bus.NewMemoryIdempotency(), nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("parse store url: %w", err)
	}
	client := redis.NewClient(opts)
	return streamlog.NewRedisLogFromClient(client), bus.NewRedisIdempotency(client, "idem"), nil
}

func openTradeStore(ctx context.Context, dsn string) (trade.Store, error) {
	if dsn == "" {
		return trade.NewMemStore(), nil
	}
	if err := tradepg.Migrate(ctx, dsn); err != nil {
		return nil, err
	}
	return tradepg.Connect(ctx, dsn)
}
