// Package replay publishes golden-event fixtures into the stream log in
// deterministic order. The fixture corpus doubles as the contract suite:
// files that fail validation are expected and their classification is checked
// against the expectation embedded in the fixture.
package replay

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/Victor-dw/Blackjack/errs"
	"github.com/Victor-dw/Blackjack/internal/observability"
	"github.com/Victor-dw/Blackjack/internal/schema"
	"github.com/Victor-dw/Blackjack/internal/streamlog"
)

// Mode selects how invalid fixtures are treated.
type Mode string

const (
	// ModeSkipInvalid counts invalid fixtures without publishing them.
	ModeSkipInvalid Mode = "skip_invalid"
	// ModeFailOnInvalid aborts the replay at the first invalid fixture.
	ModeFailOnInvalid Mode = "fail_on_invalid"
	// ModeIncludeInvalid publishes invalid fixtures too, for exercising
	// consumer dead-letter paths.
	ModeIncludeInvalid Mode = "include_invalid"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSkipInvalid, ModeFailOnInvalid, ModeIncludeInvalid:
		return Mode(s), nil
	default:
		return "", errs.New("replay", errs.CodeInvalid,
			errs.WithMessage("unknown replay mode"), errs.WithDetail(s))
	}
}

// Summary reports the outcome of one replay run.
type Summary struct {
	Total     int
	Valid     int
	Invalid   int
	Published int
	Skipped   int
	Failed    int
}

// Mismatch records a fixture whose validation outcome disagreed with its
// embedded expectation.
type Mismatch struct {
	File string
	Want string
	Got  string
}

// Result is a Summary plus the expectation mismatches found along the way.
type Result struct {
	Summary
	Mismatches []Mismatch
}

// expectation is the optional `expected` block a fixture may carry. It is
// stripped before publish.
type expectation struct {
	Valid bool   `json:"valid"`
	Kind  string `json:"kind,omitempty"`
}

// Harness replays a fixture directory into the log.
type Harness struct {
	log      streamlog.Log
	registry *schema.Registry
	mode     Mode
}

// New builds a harness in the given mode.
func New(log streamlog.Log, registry *schema.Registry, mode Mode) (*Harness, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	return &Harness{log: log, registry: registry, mode: mode}, nil
}

// ReplayDir loads every .json file under dir in lexicographic filename order,
// classifies each fixture, and publishes per the harness mode.
func (h *Harness) ReplayDir(ctx context.Context, dir string) (Result, error) {
	var res Result
	files, err := fixtureFiles(dir)
	if err != nil {
		return res, err
	}
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := h.replayFile(ctx, file, &res); err != nil {
			return res, err
		}
	}
	observability.Log().Info("replay finished",
		observability.Field{Key: "dir", Value: dir},
		observability.Field{Key: "total", Value: res.Total},
		observability.Field{Key: "valid", Value: res.Valid},
		observability.Field{Key: "invalid", Value: res.Invalid},
		observability.Field{Key: "published", Value: res.Published},
		observability.Field{Key: "skipped", Value: res.Skipped},
		observability.Field{Key: "failed", Value: res.Failed},
		observability.Field{Key: "mismatches", Value: len(res.Mismatches)})
	return res, nil
}

func (h *Harness) replayFile(ctx context.Context, file string, res *Result) error {
	res.Total++
	raw, err := os.ReadFile(file)
	if err != nil {
		return errs.New("replay", errs.CodeInvalid,
			errs.WithMessage("read fixture"), errs.WithDetail(file), errs.WithCause(err))
	}

	body, want, verr := h.classify(raw)
	name := filepath.Base(file)
	got := "valid"
	if verr != nil {
		got = classification(verr)
	}
	if want != nil {
		wantStr := expectationString(*want)
		matched := wantStr == got ||
			(wantStr == "invalid" && got != "valid")
		if !matched {
			res.Mismatches = append(res.Mismatches, Mismatch{File: name, Want: wantStr, Got: got})
		}
	}

	if verr != nil {
		res.Invalid++
		switch h.mode {
		case ModeFailOnInvalid:
			return errs.New("replay", errs.CodeContractViolation,
				errs.WithMessage("invalid fixture"), errs.WithDetail(name), errs.WithCause(verr))
		case ModeSkipInvalid:
			res.Skipped++
			return nil
		}
		// include_invalid falls through to publish when a target stream is
		// recoverable from the raw fixture.
		stream := streamOf(raw)
		if stream == "" {
			res.Failed++
			return nil
		}
		return h.publish(ctx, stream, body, res)
	}

	res.Valid++
	env, _ := schema.Decode(body)
	return h.publish(ctx, env.Schema, body, res)
}

// classify strips the expected block, then runs strict decode + validation on
// what would actually be published.
func (h *Harness) classify(raw []byte) ([]byte, *expectation, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return raw, nil, &schema.ValidationError{Kind: schema.KindTypeMismatch, Path: "$", Reason: "not a JSON object: " + err.Error()}
	}
	var want *expectation
	if rawWant, ok := doc["expected"]; ok {
		want = parseExpectation(rawWant)
		delete(doc, "expected")
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return raw, want, &schema.ValidationError{Kind: schema.KindTypeMismatch, Path: "$", Reason: err.Error()}
	}
	if _, verr := h.registry.ValidateBytes(body); verr != nil {
		return body, want, verr
	}
	return body, want, nil
}

func (h *Harness) publish(ctx context.Context, stream string, body []byte, res *Result) error {
	if _, err := h.log.Append(ctx, stream, body); err != nil {
		res.Failed++
		if errs.HasCode(err, errs.CodeStoreUnavailable) {
			return err
		}
		observability.Log().Error("fixture publish failed",
			observability.Field{Key: "stream", Value: stream},
			observability.Field{Key: "error", Value: err.Error()})
		return nil
	}
	res.Published++
	return nil
}

// parseExpectation accepts both the short string form ("valid" | "invalid")
// and the object form {"valid": bool, "kind": "<ValidationKind>"}.
func parseExpectation(raw any) *expectation {
	switch v := raw.(type) {
	case string:
		return &expectation{Valid: v == "valid"}
	case map[string]any:
		want := &expectation{}
		if b, ok := v["valid"].(bool); ok {
			want.Valid = b
		}
		if k, ok := v["kind"].(string); ok {
			want.Kind = k
		}
		return want
	default:
		return nil
	}
}

func expectationString(want expectation) string {
	if want.Valid {
		return "valid"
	}
	if want.Kind != "" {
		return want.Kind
	}
	return "invalid"
}

func classification(verr error) string {
	var v *schema.ValidationError
	if errors.As(verr, &v) {
		return string(v.Kind)
	}
	return "invalid"
}

// streamOf best-effort extracts the schema from a fixture that failed
// validation, so include_invalid mode can still target a stream.
func streamOf(raw []byte) string {
	var doc struct {
		Schema string `json:"schema"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Schema)
}

func fixtureFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.New("replay", errs.CodeInvalid,
			errs.WithMessage("read fixture directory"), errs.WithDetail(dir), errs.WithCause(err))
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}
