// Command replay publishes golden-event fixtures into a stream store. Exit
// codes: 0 success, 2 expectation mismatch, 3 store unreachable.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Victor-dw/Blackjack/errs"
	"github.com/Victor-dw/Blackjack/internal/observability"
	"github.com/Victor-dw/Blackjack/internal/replay"
	"github.com/Victor-dw/Blackjack/internal/schema"
	"github.com/Victor-dw/Blackjack/internal/streamlog"
)

const (
	exitOK          = 0
	exitMismatch    = 2
	exitUnreachable = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	storeURL := flag.String("store-url", "", "Stream store connection string (redis://...); empty runs a dry pass against an in-memory log")
	fixtureDir := flag.String("fixture-dir", "internal/replay/testdata/golden", "Directory of fixture files")
	failOnInvalid := flag.Bool("fail-on-invalid", false, "Abort at the first invalid fixture")
	mode := flag.String("mode", "", "Replay mode (skip_invalid|fail_on_invalid|include_invalid); overrides -fail-on-invalid")
	flag.Parse()

	logger := log.New(os.Stderr, "replay ", log.LstdFlags)
	observability.SetLogger(observability.NewStdLogger(logger))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	selected := replay.ModeSkipInvalid
	if *failOnInvalid {
		selected = replay.ModeFailOnInvalid
	}
	if *mode != "" {
		parsed, err := replay.ParseMode(*mode)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitMismatch
		}
		selected = parsed
	}

	var store streamlog.Log
	if *storeURL == "" {
		store = streamlog.NewMemoryLog()
	} else {
		redisLog, err := streamlog.NewRedisLog(*storeURL)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitUnreachable
		}
		if err := redisLog.Ping(ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitUnreachable
		}
		store = redisLog
	}

	registry := schema.NewRegistry()
	if err := schema.RegisterPipelineV1(registry); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitMismatch
	}

	harness, err := replay.New(store, registry, selected)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitMismatch
	}

	result, err := harness.ReplayDir(ctx, *fixtureDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errs.HasCode(err, errs.CodeStoreUnavailable) {
			return exitUnreachable
		}
		return exitMismatch
	}

	fmt.Printf("total=%d valid=%d invalid=%d published=%d skipped=%d failed=%d\n",
		result.Total, result.Valid, result.Invalid, result.Published, result.Skipped, result.Failed)
	for _, mismatch := range result.Mismatches {
		fmt.Printf("mismatch %s: want %s, got %s\n", mismatch.File, mismatch.Want, mismatch.Got)
	}
	if len(result.Mismatches) > 0 || result.Failed > 0 {
		return exitMismatch
	}
	return exitOK
}
