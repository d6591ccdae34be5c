// Package schema defines the event envelope, the payload rule language, and
// the strict v1 contract validator shared by every pipeline stage.
package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Envelope is the fixed-shape wrapper carried by every event on every stream.
// Envelopes are immutable after append; event_id is the idempotency key.
type Envelope struct {
	EventID       string         `json:"event_id"`
	TraceID       string         `json:"trace_id"`
	ProducedAt    string         `json:"produced_at"`
	Schema        string         `json:"schema"`
	SchemaVersion int            `json:"schema_version"`
	Payload       map[string]any `json:"payload"`
	SourceService string         `json:"source_service,omitempty"`
}

// envelope field sets for strict v1 decoding.
var (
	envelopeRequiredKeys = []string{"event_id", "trace_id", "produced_at", "schema", "schema_version", "payload"}
	envelopeOptionalKeys = []string{"source_service"}
)

// NewEventID returns a fresh globally unique event identifier.
func NewEventID() string { return uuid.NewString() }

// NewTraceID returns a fresh trace identifier for a pipeline root event.
func NewTraceID() string { return uuid.NewString() }

// Now formats the current instant the way produced_at is carried on the wire.
func Now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// NewEnvelope builds an envelope for the given schema, deriving schema_version
// from the version suffix of the schema name.
func NewEnvelope(schemaName, traceID string, payload map[string]any) *Envelope {
	major, _ := SchemaMajor(schemaName)
	return &Envelope{
		EventID:       NewEventID(),
		TraceID:       traceID,
		ProducedAt:    Now(),
		Schema:        schemaName,
		SchemaVersion: major,
		Payload:       payload,
	}
}

// ProducedTime parses the produced_at timestamp. The wire format requires an
// explicit timezone offset, which RFC 3339 parsing enforces.
func (e *Envelope) ProducedTime() (time.Time, error) {
	ts, err := time.Parse(time.RFC3339, e.ProducedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("produced_at: %w", err)
	}
	return ts, nil
}

// Encode serialises the envelope to its wire form.
func Encode(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("schema: nil envelope")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("schema: encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses wire bytes into an envelope under strict v1 rules: the input
// must be a JSON object carrying exactly the envelope fields with the expected
// types. Corrupt bytes never yield a partial envelope.
func Decode(data []byte) (*Envelope, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ValidationError{Kind: KindTypeMismatch, Path: "$", Reason: "not a JSON object: " + err.Error()}
	}
	if raw == nil {
		return nil, &ValidationError{Kind: KindTypeMismatch, Path: "$", Reason: "envelope must be an object"}
	}
	return decodeRaw(raw)
}

func decodeRaw(raw map[string]any) (*Envelope, error) {
	for _, key := range envelopeRequiredKeys {
		if _, ok := raw[key]; !ok {
			return nil, &ValidationError{Kind: KindMissingField, Path: key, Reason: "required envelope field missing"}
		}
	}
	for key := range raw {
		if !containsKey(envelopeRequiredKeys, key) && !containsKey(envelopeOptionalKeys, key) {
			return nil, &ValidationError{Kind: KindUnknownField, Path: key, Reason: "unknown envelope field not allowed in v1"}
		}
	}

	env := new(Envelope)
	var err error
	if env.EventID, err = stringField(raw, "event_id"); err != nil {
		return nil, err
	}
	if env.TraceID, err = stringField(raw, "trace_id"); err != nil {
		return nil, err
	}
	if env.ProducedAt, err = stringField(raw, "produced_at"); err != nil {
		return nil, err
	}
	if env.Schema, err = stringField(raw, "schema"); err != nil {
		return nil, err
	}
	if env.SchemaVersion, err = intField(raw, "schema_version"); err != nil {
		return nil, err
	}
	payload, ok := raw["payload"].(map[string]any)
	if !ok {
		return nil, &ValidationError{Kind: KindTypeMismatch, Path: "payload", Reason: "payload must be an object"}
	}
	env.Payload = payload
	if v, ok := raw["source_service"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, &ValidationError{Kind: KindTypeMismatch, Path: "source_service", Reason: "source_service must be a string"}
		}
		env.SourceService = s
	}
	return env, nil
}

func stringField(raw map[string]any, key string) (string, error) {
	v, ok := raw[key].(string)
	if !ok {
		return "", &ValidationError{Kind: KindTypeMismatch, Path: key, Reason: key + " must be a string"}
	}
	return v, nil
}

func intField(raw map[string]any, key string) (int, error) {
	switch v := raw[key].(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, &ValidationError{Kind: KindTypeMismatch, Path: key, Reason: key + " must be an integer"}
		}
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, &ValidationError{Kind: KindTypeMismatch, Path: key, Reason: key + " must be an integer"}
		}
		return int(n), nil
	default:
		return 0, &ValidationError{Kind: KindTypeMismatch, Path: key, Reason: key + " must be an integer"}
	}
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// SchemaMajor extracts the major version from a schema name of the form
// <layer>.<entity>.<event>.v<major>.
func SchemaMajor(schemaName string) (int, bool) {
	idx := strings.LastIndex(schemaName, ".v")
	if idx < 0 || idx+2 >= len(schemaName) {
		return 0, false
	}
	major, err := strconv.Atoi(schemaName[idx+2:])
	if err != nil || major < 1 {
		return 0, false
	}
	return major, true
}
