// Package bus layers at-least-once delivery, contract enforcement, idempotent
// consumption, retry with dead-lettering, and declared-stream publishing on
// top of the stream log.
package bus

import (
	"context"
	"sort"

	"github.com/Victor-dw/Blackjack/errs"
	"github.com/Victor-dw/Blackjack/internal/schema"
	"github.com/Victor-dw/Blackjack/internal/streamlog"
)

// Producer publishes validated envelopes to the streams it declared at
// construction. Publishing to an undeclared stream fails without touching the
// log; publishing an envelope that fails validation likewise never reaches
// the log.
type Producer struct {
	log      streamlog.Log
	registry *schema.Registry
	source   string
	declared map[string]struct{}
	metrics  *Metrics
}

// ProducerOption configures a Producer.
type ProducerOption func(*Producer)

// WithSourceService stamps every published envelope with the service name.
func WithSourceService(name string) ProducerOption {
	return func(p *Producer) { p.source = name }
}

// WithProducerMetrics attaches bus instruments to the producer.
func WithProducerMetrics(m *Metrics) ProducerOption {
	return func(p *Producer) { p.metrics = m }
}

// NewProducer builds a producer bound to the given output streams. The
// declaration set is fixed for the producer's lifetime.
func NewProducer(log streamlog.Log, registry *schema.Registry, streams []string, opts ...ProducerOption) *Producer {
	p := &Producer{
		log:      log,
		registry: registry,
		declared: make(map[string]struct{}, len(streams)),
	}
	for _, s := range streams {
		p.declared[s] = struct{}{}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Declared lists the streams this producer may publish to, sorted.
func (p *Producer) Declared() []string {
	out := make([]string, 0, len(p.declared))
	for s := range p.declared {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Publish validates and appends one envelope to stream, returning its offset.
func (p *Producer) Publish(ctx context.Context, stream string, env *schema.Envelope) (streamlog.Offset, error) {
	if _, ok := p.declared[stream]; !ok {
		return "", errs.New("bus/producer", errs.CodeUnauthorizedStream,
			errs.WithMessage("stream not declared by this producer"),
			errs.WithStream(stream))
	}
	if env != nil && env.Schema != stream {
		// v1: the stream name is the schema name.
		return "", errs.New("bus/producer", errs.CodeContractViolation,
			errs.WithMessage("envelope schema does not match stream"),
			errs.WithStream(stream), errs.WithEventID(env.EventID))
	}
	if p.source != "" && env != nil && env.SourceService == "" {
		env.SourceService = p.source
	}
	if err := p.registry.Validate(env); err != nil {
		p.metrics.incRejected(ctx, stream)
		eventID := ""
		if env != nil {
			eventID = env.EventID
		}
		return "", errs.New("bus/producer", errs.CodeContractViolation,
			errs.WithMessage("envelope failed contract validation"),
			errs.WithStream(stream), errs.WithEventID(eventID),
			errs.WithDetail(err.Error()), errs.WithCause(err))
	}
	body, err := schema.Encode(env)
	if err != nil {
		return "", errs.New("bus/producer", errs.CodeInvalid,
			errs.WithMessage("encode envelope"), errs.WithStream(stream), errs.WithCause(err))
	}
	offset, err := p.log.Append(ctx, stream, body)
	if err != nil {
		return "", err
	}
	p.metrics.incPublished(ctx, stream)
	return offset, nil
}

// PublishResult reports the outcome of one envelope in a batch.
type PublishResult struct {
	Offset streamlog.Offset
	Err    error
}

// PublishBatch publishes envelopes in order, one result per input. A failed
// envelope does not stop the rest of the batch.
func (p *Producer) PublishBatch(ctx context.Context, stream string, envs []*schema.Envelope) []PublishResult {
	results := make([]PublishResult, len(envs))
	for i, env := range envs {
		offset, err := p.Publish(ctx, stream, env)
		results[i] = PublishResult{Offset: offset, Err: err}
	}
	return results
}
