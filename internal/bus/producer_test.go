package bus_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Victor-dw/Blackjack/errs"
	"github.com/Victor-dw/Blackjack/internal/bus"
	"github.com/Victor-dw/Blackjack/internal/schema"
	"github.com/Victor-dw/Blackjack/internal/streamlog"
)

func pipelineRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, schema.RegisterPipelineV1(reg))
	return reg
}

func marketDataEnvelope() *schema.Envelope {
	return schema.NewEnvelope(schema.PerceptionMarketDataCollectedV1, schema.NewTraceID(), map[string]any{
		"symbol":    "600000.SH",
		"ts":        "2026-08-24T09:30:00+08:00",
		"timeframe": "1d",
		"open":      10.1,
		"high":      10.5,
		"low":       10.0,
		"close":     10.4,
		"volume":    120000.0,
		"source":    "akshare",
	})
}

func TestPublishToUndeclaredStreamFails(t *testing.T) {
	log := streamlog.NewMemoryLog()
	p := bus.NewProducer(log, pipelineRegistry(t), []string{schema.PerceptionHeartbeatV1})

	_, err := p.Publish(context.Background(), schema.PerceptionMarketDataCollectedV1, marketDataEnvelope())
	require.True(t, errs.HasCode(err, errs.CodeUnauthorizedStream))
	require.Equal(t, 0, log.Len(schema.PerceptionMarketDataCollectedV1))
}

func TestPublishRejectsSchemaStreamMismatch(t *testing.T) {
	log := streamlog.NewMemoryLog()
	p := bus.NewProducer(log, pipelineRegistry(t),
		[]string{schema.PerceptionHeartbeatV1, schema.PerceptionMarketDataCollectedV1})

	_, err := p.Publish(context.Background(), schema.PerceptionHeartbeatV1, marketDataEnvelope())
	require.True(t, errs.HasCode(err, errs.CodeContractViolation))
	require.Equal(t, 0, log.Len(schema.PerceptionHeartbeatV1))
}

func TestPublishRejectsInvalidPayloadBeforeAppend(t *testing.T) {
	log := streamlog.NewMemoryLog()
	p := bus.NewProducer(log, pipelineRegistry(t), []string{schema.PerceptionMarketDataCollectedV1})

	env := marketDataEnvelope()
	env.Payload["close"] = -1.0
	_, err := p.Publish(context.Background(), schema.PerceptionMarketDataCollectedV1, env)
	require.True(t, errs.HasCode(err, errs.CodeContractViolation))
	require.Equal(t, 0, log.Len(schema.PerceptionMarketDataCollectedV1))
}

func TestPublishStampsSourceService(t *testing.T) {
	log := streamlog.NewMemoryLog()
	p := bus.NewProducer(log, pipelineRegistry(t),
		[]string{schema.PerceptionMarketDataCollectedV1}, bus.WithSourceService("perception"))

	offset, err := p.Publish(context.Background(), schema.PerceptionMarketDataCollectedV1, marketDataEnvelope())
	require.NoError(t, err)
	require.NotEmpty(t, offset)

	entries, err := log.ReadRange(context.Background(), schema.PerceptionMarketDataCollectedV1, "", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	stored, err := schema.Decode(entries[0].Body)
	require.NoError(t, err)
	require.Equal(t, "perception", stored.SourceService)
}

func TestPublishBatchReportsPerEnvelope(t *testing.T) {
	log := streamlog.NewMemoryLog()
	p := bus.NewProducer(log, pipelineRegistry(t), []string{schema.PerceptionMarketDataCollectedV1})

	bad := marketDataEnvelope()
	bad.Payload["volume"] = -1.0
	results := p.PublishBatch(context.Background(), schema.PerceptionMarketDataCollectedV1,
		[]*schema.Envelope{marketDataEnvelope(), bad, marketDataEnvelope()})

	require.Len(t, results, 3)
	require.NoError(t, results[0].Err)
	require.Error(t, results[1].Err)
	require.NoError(t, results[2].Err)
	require.Equal(t, 2, log.Len(schema.PerceptionMarketDataCollectedV1))
	require.Greater(t, string(results[2].Offset), string(results[0].Offset))
}
