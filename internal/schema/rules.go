package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ValidationKind classifies why an envelope failed validation. The string form
// is carried verbatim into DLQ envelopes as error_kind.
type ValidationKind string

const (
	// KindUnknownField marks an envelope or payload field not allowed by v1.
	KindUnknownField ValidationKind = "UnknownField"
	// KindMissingField marks a required field that is absent.
	KindMissingField ValidationKind = "MissingField"
	// KindTypeMismatch marks a field carrying the wrong primitive type.
	KindTypeMismatch ValidationKind = "TypeMismatch"
	// KindPayloadInvalid marks a payload rule violation at a specific path.
	KindPayloadInvalid ValidationKind = "PayloadInvalid"
)

// ValidationError reports a single contract violation.
type ValidationError struct {
	Kind   ValidationKind
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s at %s: %s", e.Kind, e.Path, e.Reason)
}

// FieldType names the primitive shape a payload field must carry.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeNumber    FieldType = "number"
	TypeInteger   FieldType = "integer"
	TypeBool      FieldType = "bool"
	TypeObject    FieldType = "object"
	TypeTimestamp FieldType = "timestamp"
)

// DefaultMaxStringLen caps string fields that declare no explicit limit.
const DefaultMaxStringLen = 4096

// FieldRule constrains one payload field. Unknown payload fields are always
// rejected; Optional only controls presence.
type FieldRule struct {
	Type         FieldType
	Optional     bool
	Min          *float64
	Max          *float64
	ExclusiveMin bool
	Enum         []string
	MaxLen       int
	Fields       Rules // nested object rules; nil accepts any object
}

// Rules maps payload field names to their constraints.
type Rules map[string]FieldRule

// Rule constructors keep catalog declarations terse.

func Str() FieldRule                   { return FieldRule{Type: TypeString} }
func StrEnum(vals ...string) FieldRule { return FieldRule{Type: TypeString, Enum: vals} }
func TS() FieldRule                    { return FieldRule{Type: TypeTimestamp} }
func Bool() FieldRule                  { return FieldRule{Type: TypeBool} }
func Int() FieldRule                   { return FieldRule{Type: TypeInteger} }
func AnyObj() FieldRule                { return FieldRule{Type: TypeObject} }
func Obj(fields Rules) FieldRule       { return FieldRule{Type: TypeObject, Fields: fields} }

// Num constrains a number to the inclusive range [min, max].
func Num(min, max float64) FieldRule {
	return FieldRule{Type: TypeNumber, Min: &min, Max: &max}
}

// NumMin constrains a number to values >= min.
func NumMin(min float64) FieldRule {
	return FieldRule{Type: TypeNumber, Min: &min}
}

// NumPos constrains a number to values > 0.
func NumPos() FieldRule {
	zero := 0.0
	return FieldRule{Type: TypeNumber, Min: &zero, ExclusiveMin: true}
}

// Optional marks the rule's field as allowed to be absent.
func (r FieldRule) AsOptional() FieldRule {
	r.Optional = true
	return r
}

// validate checks a single value against the rule, reporting violations with
// the given path prefix.
func (r FieldRule) validate(path string, value any) error {
	switch r.Type {
	case TypeString, TypeTimestamp:
		s, ok := value.(string)
		if !ok {
			return &ValidationError{Kind: KindTypeMismatch, Path: path, Reason: "must be a string"}
		}
		if strings.TrimSpace(s) == "" {
			return &ValidationError{Kind: KindPayloadInvalid, Path: path, Reason: "must be non-empty"}
		}
		maxLen := r.MaxLen
		if maxLen <= 0 {
			maxLen = DefaultMaxStringLen
		}
		if len(s) > maxLen {
			return &ValidationError{Kind: KindPayloadInvalid, Path: path, Reason: "exceeds max length " + strconv.Itoa(maxLen)}
		}
		if r.Type == TypeTimestamp {
			if _, err := time.Parse(time.RFC3339, s); err != nil {
				return &ValidationError{Kind: KindPayloadInvalid, Path: path, Reason: "must be an RFC 3339 timestamp with timezone"}
			}
		}
		if len(r.Enum) > 0 && !containsKey(r.Enum, s) {
			return &ValidationError{Kind: KindPayloadInvalid, Path: path, Reason: "must be one of " + strings.Join(r.Enum, "/")}
		}
		return nil
	case TypeNumber, TypeInteger:
		n, ok := numberValue(value)
		if !ok {
			return &ValidationError{Kind: KindTypeMismatch, Path: path, Reason: "must be a number"}
		}
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return &ValidationError{Kind: KindPayloadInvalid, Path: path, Reason: "must be a finite number"}
		}
		if r.Type == TypeInteger && n != math.Trunc(n) {
			return &ValidationError{Kind: KindTypeMismatch, Path: path, Reason: "must be an integer"}
		}
		if r.Min != nil {
			if r.ExclusiveMin && n <= *r.Min {
				return &ValidationError{Kind: KindPayloadInvalid, Path: path, Reason: "must be > " + formatFloat(*r.Min)}
			}
			if !r.ExclusiveMin && n < *r.Min {
				return &ValidationError{Kind: KindPayloadInvalid, Path: path, Reason: "must be >= " + formatFloat(*r.Min)}
			}
		}
		if r.Max != nil && n > *r.Max {
			return &ValidationError{Kind: KindPayloadInvalid, Path: path, Reason: "must be <= " + formatFloat(*r.Max)}
		}
		return nil
	case TypeBool:
		if _, ok := value.(bool); !ok {
			return &ValidationError{Kind: KindTypeMismatch, Path: path, Reason: "must be a bool"}
		}
		return nil
	case TypeObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return &ValidationError{Kind: KindTypeMismatch, Path: path, Reason: "must be an object"}
		}
		if r.Fields == nil {
			return nil
		}
		return r.Fields.validate(path, obj)
	default:
		return &ValidationError{Kind: KindPayloadInvalid, Path: path, Reason: "unsupported rule type " + string(r.Type)}
	}
}

func (rules Rules) validate(prefix string, payload map[string]any) error {
	for name, rule := range rules {
		path := joinPath(prefix, name)
		value, present := payload[name]
		if !present {
			if rule.Optional {
				continue
			}
			return &ValidationError{Kind: KindMissingField, Path: path, Reason: "required field missing"}
		}
		if err := rule.validate(path, value); err != nil {
			return err
		}
	}
	for name := range payload {
		if _, ok := rules[name]; !ok {
			return &ValidationError{Kind: KindUnknownField, Path: joinPath(prefix, name), Reason: "unknown field not allowed in v1"}
		}
	}
	return nil
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return "payload." + name
	}
	return prefix + "." + name
}

func numberValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Digest produces a stable content hash of the rule set, used to make schema
// registration idempotent and to detect conflicting re-registrations.
func (rules Rules) Digest() string {
	h := sha256.New()
	writeRules(h, rules)
	return hex.EncodeToString(h.Sum(nil))
}

func writeRules(w io.Writer, rules Rules) {
	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rule := rules[name]
		fmt.Fprintf(w, "%s|%s|opt=%t|xmin=%t|maxlen=%d", name, rule.Type, rule.Optional, rule.ExclusiveMin, rule.MaxLen)
		if rule.Min != nil {
			fmt.Fprintf(w, "|min=%s", formatFloat(*rule.Min))
		}
		if rule.Max != nil {
			fmt.Fprintf(w, "|max=%s", formatFloat(*rule.Max))
		}
		if len(rule.Enum) > 0 {
			fmt.Fprintf(w, "|enum=%s", strings.Join(rule.Enum, ","))
		}
		fmt.Fprint(w, ";")
		if rule.Fields != nil {
			fmt.Fprint(w, "{")
			writeRules(w, rule.Fields)
			fmt.Fprint(w, "}")
		}
	}
}
