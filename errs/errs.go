// Package errs provides structured error types and helpers for Blackjack services.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a pipeline error category.
type Code string

const (
	// CodeContractViolation indicates an envelope or payload that fails contract validation.
	CodeContractViolation Code = "contract_violation"
	// CodeSchemaConflict indicates a re-registration of a frozen schema with different rules.
	CodeSchemaConflict Code = "schema_conflict"
	// CodeUnauthorizedStream indicates a publish to a stream the producer never declared.
	CodeUnauthorizedStream Code = "unauthorized_stream"
	// CodeStoreUnavailable indicates the backing event store cannot be reached.
	CodeStoreUnavailable Code = "store_unavailable"
	// CodeHandlerRetryable indicates a handler failure that may succeed on redelivery.
	CodeHandlerRetryable Code = "handler_retryable"
	// CodeHandlerFatal indicates a handler failure that must not be retried.
	CodeHandlerFatal Code = "handler_fatal"
	// CodeLeaseLost indicates a submission lease expired or was taken by another worker.
	CodeLeaseLost Code = "lease_lost"
	// CodeFillConflict indicates two fills sharing a natural key with different qty/price.
	CodeFillConflict Code = "fill_conflict"
	// CodeReconcileAmbiguous indicates the reconciler could not decide found-or-absent.
	CodeReconcileAmbiguous Code = "reconcile_ambiguous"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the component is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the Blackjack stack.
type E struct {
	Component string
	Code      Code
	Message   string
	Stream    string
	EventID   string
	Detail    string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithStream records the stream the error relates to.
func WithStream(stream string) Option {
	trimmed := strings.TrimSpace(stream)
	return func(e *E) {
		e.Stream = trimmed
	}
}

// WithEventID records the envelope identity the error relates to.
func WithEventID(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.EventID = trimmed
	}
}

// WithDetail attaches machine-readable diagnostic detail.
func WithDetail(detail string) Option {
	return func(e *E) {
		e.Detail = detail
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Stream != "" {
		parts = append(parts, "stream="+e.Stream)
	}
	if e.EventID != "" {
		parts = append(parts, "event_id="+e.EventID)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Detail != "" {
		parts = append(parts, "detail="+strconv.Quote(e.Detail))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the structured code from err, or CodeUnavailable("") when absent.
func CodeOf(err error) (Code, bool) {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code, true
	}
	return "", false
}

// HasCode reports whether err carries the given structured code.
func HasCode(err error, code Code) bool {
	got, ok := CodeOf(err)
	return ok && got == code
}
