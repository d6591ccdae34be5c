package schema_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Victor-dw/Blackjack/internal/schema"
)

func validMarketData() *schema.Envelope {
	return &schema.Envelope{
		EventID:       "E1",
		TraceID:       "T1",
		ProducedAt:    "2026-08-24T09:30:00+08:00",
		Schema:        schema.PerceptionMarketDataCollectedV1,
		SchemaVersion: 1,
		Payload: map[string]any{
			"symbol":    "600000.SH",
			"ts":        "2026-08-24T09:30:00+08:00",
			"timeframe": "1m",
			"open":      10.2,
			"high":      10.6,
			"low":       10.1,
			"close":     10.5,
			"volume":    10000.0,
			"source":    "akshare",
		},
		SourceService: "perception-service",
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env := validMarketData()
	data, err := schema.Encode(env)
	require.NoError(t, err)

	decoded, err := schema.Decode(data)
	require.NoError(t, err)
	require.Equal(t, env, decoded)
}

func TestDecodeRejectsCorruptBytes(t *testing.T) {
	cases := map[string][]byte{
		"truncated":  []byte(`{"event_id": "E1", "trace`),
		"not object": []byte(`[1, 2, 3]`),
		"null":       []byte(`null`),
		"empty":      nil,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			env, err := schema.Decode(data)
			require.Error(t, err)
			require.Nil(t, env)
		})
	}
}

func TestDecodeRejectsUnknownEnvelopeField(t *testing.T) {
	data := []byte(`{
		"event_id": "E1", "trace_id": "T1",
		"produced_at": "2026-08-24T09:30:00+08:00",
		"schema": "perception.heartbeat.v1", "schema_version": 1,
		"payload": {"status": "ok"},
		"shard": 4
	}`)
	_, err := schema.Decode(data)
	var verr *schema.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, schema.KindUnknownField, verr.Kind)
	require.Equal(t, "shard", verr.Path)
}

func TestDecodeRejectsMissingRequiredField(t *testing.T) {
	data := []byte(`{
		"event_id": "E1",
		"produced_at": "2026-08-24T09:30:00+08:00",
		"schema": "perception.heartbeat.v1", "schema_version": 1,
		"payload": {"status": "ok"}
	}`)
	_, err := schema.Decode(data)
	var verr *schema.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, schema.KindMissingField, verr.Kind)
	require.Equal(t, "trace_id", verr.Path)
}

func TestDecodeRejectsWrongFieldType(t *testing.T) {
	data := []byte(`{
		"event_id": 42, "trace_id": "T1",
		"produced_at": "2026-08-24T09:30:00+08:00",
		"schema": "perception.heartbeat.v1", "schema_version": 1,
		"payload": {"status": "ok"}
	}`)
	_, err := schema.Decode(data)
	var verr *schema.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, schema.KindTypeMismatch, verr.Kind)
}

func TestSchemaMajor(t *testing.T) {
	major, ok := schema.SchemaMajor("risk.order.approved.v1")
	require.True(t, ok)
	require.Equal(t, 1, major)

	major, ok = schema.SchemaMajor("risk.order.approved.v12")
	require.True(t, ok)
	require.Equal(t, 12, major)

	_, ok = schema.SchemaMajor("risk.order.approved")
	require.False(t, ok)
}

func TestNewEnvelopeDerivesVersion(t *testing.T) {
	env := schema.NewEnvelope(schema.RiskOrderApprovedV1, "T9", map[string]any{})
	require.Equal(t, 1, env.SchemaVersion)
	require.Equal(t, "T9", env.TraceID)
	require.NotEmpty(t, env.EventID)
	_, err := env.ProducedTime()
	require.NoError(t, err)
}
