package bus

import (
	"github.com/Victor-dw/Blackjack/internal/schema"
	"github.com/Victor-dw/Blackjack/internal/streamlog"
)

// Dead-letter error kinds for failures that are not contract violations.
const (
	KindHandlerFatal   = "HandlerFatal"
	KindRetryExhausted = "RetryExhausted"
)

// WrapDeadLetter wraps a poison entry for its dlq.<stream>. The wrapper
// inherits the original trace when one could be decoded; otherwise the raw
// bytes are preserved for forensics under a fresh trace.
func WrapDeadLetter(orig *schema.Envelope, raw []byte, stream string, offset streamlog.Offset, kind, detail string, attempts int) *schema.Envelope {
	traceID := schema.NewTraceID()
	original := map[string]any{"raw": string(raw)}
	if orig != nil {
		traceID = orig.TraceID
		original = map[string]any{
			"event_id":       orig.EventID,
			"trace_id":       orig.TraceID,
			"produced_at":    orig.ProducedAt,
			"schema":         orig.Schema,
			"schema_version": orig.SchemaVersion,
			"payload":        orig.Payload,
		}
		if orig.SourceService != "" {
			original["source_service"] = orig.SourceService
		}
	}
	return schema.NewEnvelope(schema.DLQStream(stream), traceID, map[string]any{
		"original_stream":   stream,
		"original_offset":   string(offset),
		"original_envelope": original,
		"error_kind":        kind,
		"error_detail":      detail,
		"attempts":          attempts,
	})
}
