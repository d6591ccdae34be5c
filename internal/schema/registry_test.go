package schema_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Victor-dw/Blackjack/errs"
	"github.com/Victor-dw/Blackjack/internal/schema"
)

func newPipelineRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, schema.RegisterPipelineV1(reg))
	return reg
}

func TestRegisterIdempotentByDigest(t *testing.T) {
	reg := schema.NewRegistry()
	rules := schema.Rules{"status": schema.Str()}

	require.NoError(t, reg.Register("perception.heartbeat.v1", rules))
	require.NoError(t, reg.Register("perception.heartbeat.v1", schema.Rules{"status": schema.Str()}))

	err := reg.Register("perception.heartbeat.v1", schema.Rules{"status": schema.Str(), "uptime": schema.NumMin(0)})
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeSchemaConflict))
}

func TestRegisterRejectsMalformedSchemaName(t *testing.T) {
	reg := schema.NewRegistry()
	for _, name := range []string{"", "heartbeat", "perception.heartbeat", "Perception.Heartbeat.v1", "perception.heartbeat.v0"} {
		require.Error(t, reg.Register(name, schema.Rules{}), name)
	}
}

func TestValidateAcceptsValidEnvelope(t *testing.T) {
	reg := newPipelineRegistry(t)
	require.NoError(t, reg.Validate(validMarketData()))
}

func TestValidateRejectsVersionDisagreement(t *testing.T) {
	reg := newPipelineRegistry(t)
	env := validMarketData()
	env.SchemaVersion = 2

	err := reg.Validate(env)
	var verr *schema.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "schema_version", verr.Path)
}

func TestValidateRejectsNaiveTimestamp(t *testing.T) {
	reg := newPipelineRegistry(t)
	env := validMarketData()
	env.ProducedAt = "2026-08-24T09:30:00"

	err := reg.Validate(env)
	var verr *schema.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "produced_at", verr.Path)
}

func TestValidateRejectsEmptyIdentity(t *testing.T) {
	reg := newPipelineRegistry(t)

	env := validMarketData()
	env.EventID = "  "
	require.Error(t, reg.Validate(env))

	env = validMarketData()
	env.TraceID = ""
	require.Error(t, reg.Validate(env))
}

func TestValidatePayloadRules(t *testing.T) {
	reg := newPipelineRegistry(t)

	t.Run("price zero rejected", func(t *testing.T) {
		env := validMarketData()
		env.Payload["close"] = 0.0
		err := reg.Validate(env)
		var verr *schema.ValidationError
		require.ErrorAs(t, err, &verr)
		require.Equal(t, schema.KindPayloadInvalid, verr.Kind)
		require.Equal(t, "payload.close", verr.Path)
	})

	t.Run("negative volume rejected", func(t *testing.T) {
		env := validMarketData()
		env.Payload["volume"] = -5.0
		require.Error(t, reg.Validate(env))
	})

	t.Run("unknown payload field rejected", func(t *testing.T) {
		env := validMarketData()
		env.Payload["vwap"] = 10.4
		err := reg.Validate(env)
		var verr *schema.ValidationError
		require.ErrorAs(t, err, &verr)
		require.Equal(t, "payload.vwap", verr.Path)
	})

	t.Run("enum membership enforced", func(t *testing.T) {
		env := schema.NewEnvelope(schema.StrategyCandidateActionGeneratedV1, "T1", map[string]any{
			"symbol":               "600000.SH",
			"ts":                   "2026-08-24T09:30:00+08:00",
			"action":               "SHORT",
			"strategy":             "trend",
			"target_position_frac": 0.2,
			"rationale":            "breakout",
		})
		require.Error(t, reg.Validate(env))
	})

	t.Run("non-finite number rejected", func(t *testing.T) {
		env := schema.NewEnvelope(schema.SignalsOpportunityScoredV1, "T1", map[string]any{
			"symbol":            "600000.SH",
			"ts":                "2026-08-24T09:30:00+08:00",
			"opportunity_score": math.Inf(1),
			"confidence":        50.0,
			"regime":            "bull",
			"components":        map[string]any{},
		})
		require.Error(t, reg.Validate(env))
	})
}

func TestValidateUnknownSchema(t *testing.T) {
	reg := newPipelineRegistry(t)
	env := validMarketData()
	env.Schema = "perception.market_data.collected.v9"
	env.SchemaVersion = 9
	require.Error(t, reg.Validate(env))
}

func TestValidateDLQEnvelope(t *testing.T) {
	reg := newPipelineRegistry(t)
	env := schema.NewEnvelope(schema.DLQStream(schema.PerceptionMarketDataCollectedV1), "T1", map[string]any{
		"original_stream":   schema.PerceptionMarketDataCollectedV1,
		"original_offset":   "1234-0",
		"original_envelope": map[string]any{"event_id": "E1"},
		"error_kind":        "MissingField",
		"error_detail":      "trace_id",
		"attempts":          3.0,
	})
	require.NoError(t, reg.Validate(env))
}

func TestDLQNaming(t *testing.T) {
	require.Equal(t, "dlq.risk.order.approved.v1", schema.DLQStream(schema.RiskOrderApprovedV1))
	require.True(t, schema.IsDLQSchema("dlq.risk.order.approved.v1"))
	require.False(t, schema.IsDLQSchema(schema.RiskOrderApprovedV1))
	require.Equal(t, schema.RiskOrderApprovedV1, schema.BaseOfDLQ("dlq.risk.order.approved.v1"))
}
