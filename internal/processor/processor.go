// Package processor is the stage skeleton every pipeline service runs on: a
// stage declares its input streams, consumer group, and output streams once,
// and the runtime wires validated consumption, trace inheritance, and
// declared-output publishing around the stage's handler.
package processor

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/Victor-dw/Blackjack/errs"
	"github.com/Victor-dw/Blackjack/internal/bus"
	"github.com/Victor-dw/Blackjack/internal/observability"
	"github.com/Victor-dw/Blackjack/internal/schema"
	"github.com/Victor-dw/Blackjack/internal/streamlog"
)

// Emitter publishes stage outputs. Emitted events inherit the trace of the
// event being handled and may only target the stage's declared outputs.
type Emitter interface {
	Emit(ctx context.Context, stream string, payload map[string]any) error
}

// StageHandler processes one input event. Outputs go through emit; the error
// contract is the bus handler contract (nil, Retryable, Fatal).
type StageHandler func(ctx context.Context, in *schema.Envelope, emit Emitter) error

// Binding declares a stage: what it reads, under which group, and what it is
// allowed to write.
type Binding struct {
	// Name is the stage name; it doubles as source_service on outputs and
	// as the consumer name prefix.
	Name    string
	Inputs  []string
	Group   string
	Outputs []string
	Handler StageHandler
}

// Tuning carries the per-stage consumer knobs; zero values fall back to the
// bus defaults.
type Tuning struct {
	MaxAttempts       int
	Concurrency       int
	HandlerTimeout    time.Duration
	VisibilityTimeout time.Duration
	BlockInterval     time.Duration
	IdempotencyTTL    time.Duration
	Start             streamlog.StartPosition
}

// Stage is a runnable pipeline stage.
type Stage struct {
	binding   Binding
	tuning    Tuning
	log       streamlog.Log
	registry  *schema.Registry
	idem      bus.IdempotencyStore
	metrics   *bus.Metrics
	producer  *bus.Producer
	consumers []*bus.Consumer
}

// NewStage validates the binding and builds the stage runtime.
func NewStage(binding Binding, tuning Tuning, log streamlog.Log, registry *schema.Registry, idem bus.IdempotencyStore, metrics *bus.Metrics) (*Stage, error) {
	if binding.Name == "" {
		return nil, errs.New("processor", errs.CodeInvalid, errs.WithMessage("stage name is required"))
	}
	if len(binding.Inputs) == 0 {
		return nil, errs.New("processor", errs.CodeInvalid,
			errs.WithMessage("stage declares no inputs"), errs.WithDetail(binding.Name))
	}
	if binding.Handler == nil {
		return nil, errs.New("processor", errs.CodeInvalid,
			errs.WithMessage("stage handler is required"), errs.WithDetail(binding.Name))
	}
	if binding.Group == "" {
		binding.Group = binding.Name
	}

	s := &Stage{
		binding:  binding,
		tuning:   tuning,
		log:      log,
		registry: registry,
		idem:     idem,
		metrics:  metrics,
	}
	s.producer = bus.NewProducer(log, registry, binding.Outputs,
		bus.WithSourceService(binding.Name), bus.WithProducerMetrics(metrics))

	for _, input := range binding.Inputs {
		consumer, err := bus.NewConsumer(bus.ConsumerConfig{
			Stream:            input,
			Group:             binding.Group,
			Consumer:          binding.Name + "-1",
			Handler:           s.wrap(),
			Start:             tuning.Start,
			MaxAttempts:       tuning.MaxAttempts,
			Concurrency:       tuning.Concurrency,
			HandlerTimeout:    tuning.HandlerTimeout,
			VisibilityTimeout: tuning.VisibilityTimeout,
			BlockInterval:     tuning.BlockInterval,
			IdempotencyTTL:    tuning.IdempotencyTTL,
		}, log, registry, idem, metrics)
		if err != nil {
			return nil, err
		}
		s.consumers = append(s.consumers, consumer)
	}
	return s, nil
}

// Name returns the stage name.
func (s *Stage) Name() string { return s.binding.Name }

// Outputs lists the stage's declared output streams.
func (s *Stage) Outputs() []string { return s.producer.Declared() }

// Run consumes every input stream until ctx is cancelled. In-flight handlers
// finish before Run returns.
func (s *Stage) Run(ctx context.Context) error {
	observability.Log().Info("stage starting",
		observability.Field{Key: "stage", Value: s.binding.Name},
		observability.Field{Key: "inputs", Value: len(s.binding.Inputs)})
	runners := pool.New().WithErrors().WithContext(ctx)
	for _, consumer := range s.consumers {
		runners.Go(consumer.Run)
	}
	err := runners.Wait()
	observability.Log().Info("stage stopped",
		observability.Field{Key: "stage", Value: s.binding.Name})
	return err
}

// wrap adapts the stage handler to the bus handler contract, binding an
// emitter that inherits the input event's trace.
func (s *Stage) wrap() bus.Handler {
	return func(ctx context.Context, in *schema.Envelope) error {
		return s.binding.Handler(ctx, in, &stageEmitter{stage: s, traceID: in.TraceID})
	}
}

type stageEmitter struct {
	stage   *Stage
	traceID string
}

func (e *stageEmitter) Emit(ctx context.Context, stream string, payload map[string]any) error {
	env := schema.NewEnvelope(stream, e.traceID, payload)
	_, err := e.stage.producer.Publish(ctx, stream, env)
	return err
}

var _ Emitter = (*stageEmitter)(nil)
