package schema

import (
	"regexp"
	"strings"
	"sync"

	"github.com/Victor-dw/Blackjack/errs"
)

var schemaNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+\.v[1-9][0-9]*$`)

// Registry holds the frozen payload rules for every registered schema.
// Registration is append-only: a v1 schema's rules never change, evolution
// happens on a new v2 stream.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
}

type registryEntry struct {
	rules  Rules
	digest string
}

// NewRegistry constructs an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Register records payload rules for the schema. Registration is idempotent
// by rules digest; re-registering with different rules fails with a
// schema_conflict error.
func (r *Registry) Register(schemaName string, rules Rules) error {
	schemaName = strings.TrimSpace(schemaName)
	if !schemaNamePattern.MatchString(schemaName) {
		return errs.New("schema/registry", errs.CodeInvalid,
			errs.WithMessage("schema name must match <layer>.<entity>.<event>.v<major>"),
			errs.WithStream(schemaName))
	}
	digest := rules.Digest()

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[schemaName]; ok {
		if existing.digest == digest {
			return nil
		}
		return errs.New("schema/registry", errs.CodeSchemaConflict,
			errs.WithMessage("schema already registered with different rules"),
			errs.WithStream(schemaName))
	}
	r.entries[schemaName] = registryEntry{rules: rules, digest: digest}
	return nil
}

// Rules returns the registered rule set for the schema.
func (r *Registry) Rules(schemaName string) (Rules, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[schemaName]
	return entry.rules, ok
}

// Known reports whether the schema has been registered.
func (r *Registry) Known(schemaName string) bool {
	_, ok := r.Rules(schemaName)
	return ok
}

// Schemas lists every registered schema name.
func (r *Registry) Schemas() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// Validate applies strict v1 validation to the envelope: identity fields,
// timestamp timezone presence, schema/version agreement, and the registered
// payload rules. Returns a *ValidationError describing the first violation.
//
// Timestamp ordering across events is deliberately not checked here; ordering
// is a consumer concern.
func (r *Registry) Validate(env *Envelope) error {
	if env == nil {
		return &ValidationError{Kind: KindTypeMismatch, Path: "$", Reason: "envelope must not be nil"}
	}
	if strings.TrimSpace(env.EventID) == "" {
		return &ValidationError{Kind: KindPayloadInvalid, Path: "event_id", Reason: "must be non-empty"}
	}
	if strings.TrimSpace(env.TraceID) == "" {
		return &ValidationError{Kind: KindPayloadInvalid, Path: "trace_id", Reason: "must be non-empty"}
	}
	if _, err := env.ProducedTime(); err != nil {
		return &ValidationError{Kind: KindPayloadInvalid, Path: "produced_at", Reason: "must be an RFC 3339 timestamp with timezone"}
	}
	if !schemaNamePattern.MatchString(env.Schema) {
		return &ValidationError{Kind: KindPayloadInvalid, Path: "schema", Reason: "must match <layer>.<entity>.<event>.v<major>"}
	}
	major, ok := SchemaMajor(env.Schema)
	if !ok || env.SchemaVersion != major {
		// Disagreement between the suffix and the integer is rejected, not
		// silently normalised.
		return &ValidationError{Kind: KindPayloadInvalid, Path: "schema_version", Reason: "must equal the major version in schema"}
	}
	if env.Payload == nil {
		return &ValidationError{Kind: KindTypeMismatch, Path: "payload", Reason: "payload must be an object"}
	}

	rules, ok := r.lookupRules(env.Schema)
	if !ok {
		return &ValidationError{Kind: KindPayloadInvalid, Path: "schema", Reason: "unknown schema " + env.Schema}
	}
	return rules.validate("", env.Payload)
}

// ValidateBytes decodes wire bytes and validates the resulting envelope.
func (r *Registry) ValidateBytes(data []byte) (*Envelope, error) {
	env, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err := r.Validate(env); err != nil {
		return nil, err
	}
	return env, nil
}

func (r *Registry) lookupRules(schemaName string) (Rules, bool) {
	if IsDLQSchema(schemaName) {
		return dlqRules, true
	}
	return r.Rules(schemaName)
}

// dlqRules is the built-in wrapper shape used for every dlq.<schema> stream.
// DLQ streams never get a DLQ of their own; their consumers log and drop.
var dlqRules = Rules{
	"original_stream":   Str(),
	"original_offset":   Str(),
	"original_envelope": AnyObj(),
	"error_kind":        Str(),
	"error_detail":      Str(),
	"attempts":          Int(),
}
