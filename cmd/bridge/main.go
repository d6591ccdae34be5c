// Command bridge runs the one-way forwarder between the compute plane and
// the trade plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Victor-dw/Blackjack/internal/bridge"
	"github.com/Victor-dw/Blackjack/internal/config"
	"github.com/Victor-dw/Blackjack/internal/observability"
	"github.com/Victor-dw/Blackjack/internal/schema"
	"github.com/Victor-dw/Blackjack/internal/streamlog"
	"github.com/Victor-dw/Blackjack/lib/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "", "Path to configuration file (optional)")
	allowNonApproval := flag.Bool("allow-non-approval", false,
		"Permit whitelist entries beyond the approved-order stream")
	flag.Parse()

	logger := log.New(os.Stdout, "bridge ", log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	settings, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	_, telemetryShutdown, err := telemetry.Init(ctx, settings.TelemetryEndpoint, "blackjack-bridge")
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}

	registry := schema.NewRegistry()
	if err := schema.RegisterPipelineV1(registry); err != nil {
		return fmt.Errorf("register contracts: %w", err)
	}

	compute, err := openLog(settings.StoreURLCompute)
	if err != nil {
		return fmt.Errorf("open compute plane: %w", err)
	}
	trade, err := openLog(settings.StoreURLTrade)
	if err != nil {
		return fmt.Errorf("open trade plane: %w", err)
	}

	b, err := bridge.New(compute, trade, registry, bridge.Config{
		Whitelist:        settings.BridgeWhitelist,
		AllowNonApproval: *allowNonApproval,
		MaxAttempts:      settings.MaxAttempts,
		BackoffBase:      settings.RetryBackoffBase(),
		BackoffCap:       settings.RetryBackoffCap(),
	}, bridge.NewMetrics())
	if err != nil {
		return err
	}

	logger.Printf("bridge started: whitelist=%s", strings.Join(b.Whitelist(), ","))
	runErr := b.Run(ctx)

	telemetryCtx, telemetryCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer telemetryCancel()
	if terr := telemetryShutdown(telemetryCtx); terr != nil {
		logger.Printf("telemetry shutdown: %v", terr)
	}

	logger.Print("bridge stopped")
	return runErr
}

func openLog(url string) (streamlog.Log, error) {
	if url == "" {
		return streamlog.NewMemoryLog(), nil
	}
	return streamlog.NewRedisLog(url)
}
