// Package heading is the static registry of clinical headings: the AQL used
// to read each one, the templates mapping between query rows, PulseTile JSON
// and FLAT compositions, and the fields exposed by the summary and synopsis
// projections.
package heading

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ripple/cdr-openehr/internal/openehr"
	"github.com/ripple/cdr-openehr/internal/transform"
)

// Counts is the synthetic heading whose rows carry no composition uid.
const Counts = "counts"

// Format selects the projection returned for a record.
type Format string

const (
	Detail   Format = "detail"
	Summary  Format = "summary"
	Synopsis Format = "synopsis"
)

// Valid reports whether f is a known format.
func (f Format) Valid() bool {
	switch f {
	case Detail, Summary, Synopsis:
		return true
	}
	return false
}

var (
	ErrUnknownHeading = errors.New("unknown heading")
	// ErrNoTemplate is returned when a heading cannot be written because it
	// has no post template.
	ErrNoTemplate = errors.New("heading has no write template")
)

// Definition is the registered metadata for one heading.
type Definition struct {
	Name       string
	TemplateID string
	// AQL reads every composition of the heading; {{ehrId}} is replaced by
	// the patient's EHR id.
	AQL string
	// VersionsQuery lists the stored versions of a composition of a
	// versioned heading; {{compositionId}} is replaced by the composition uuid.
	VersionsQuery string
	// Get maps one query row to the PulseTile presentation.
	Get map[string]any
	// Post maps PulseTile input to a FLAT composition. Nil for read-only
	// headings.
	Post          map[string]any
	SummaryFields []string
	SynopsisField string
	Versioned     bool
	Helpers       transform.Helpers
}

// Heading is a compiled Definition.
type Heading struct {
	Definition
	helpers transform.Helpers
}

// Query returns the heading's AQL for one EHR.
func (h *Heading) Query(ehrID string) string {
	return strings.ReplaceAll(h.AQL, "{{ehrId}}", ehrID)
}

// VersionQuery returns the version enumeration query for a composition.
func (h *Heading) VersionQuery(compositionUUID string) string {
	return strings.ReplaceAll(h.VersionsQuery, "{{compositionId}}", compositionUUID)
}

// CanPost reports whether the heading accepts writes.
func (h *Heading) CanPost() bool { return h.Post != nil && h.TemplateID != "" }

// ToPulseTile transforms a query row from host into the presentation form
// and tags it with source and sourceId.
func (h *Heading) ToPulseTile(row map[string]any, host, sourceID string) (map[string]any, error) {
	input := make(map[string]any, len(row)+1)
	for k, v := range row {
		input[k] = v
	}
	input["host"] = host
	out, err := transform.Object(h.Get, input, h.helpers)
	if err != nil {
		return nil, fmt.Errorf("heading %s: %w", h.Name, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	out["source"] = host
	out["sourceId"] = sourceID
	return out, nil
}

// ToFlat transforms PulseTile input into a FLAT composition with empty
// array leaves removed.
func (h *Heading) ToFlat(data map[string]any) (map[string]any, error) {
	if !h.CanPost() {
		return nil, fmt.Errorf("%w: %s", ErrNoTemplate, h.Name)
	}
	out, err := transform.Object(h.Post, data, h.helpers)
	if err != nil {
		return nil, fmt.Errorf("heading %s: %w", h.Name, err)
	}
	flat, _ := transform.StripEmptyArrays(out).(map[string]any)
	return flat, nil
}

// Project returns the requested projection of a PulseTile record. Summary
// fields and the synopsis text default to "" when absent.
func (h *Heading) Project(pulsetile map[string]any, f Format) map[string]any {
	switch f {
	case Summary:
		out := make(map[string]any, len(h.SummaryFields)+2)
		for _, field := range h.SummaryFields {
			out[field] = valueOrEmpty(pulsetile, field)
		}
		out["source"] = valueOrEmpty(pulsetile, "source")
		out["sourceId"] = valueOrEmpty(pulsetile, "sourceId")
		return out
	case Synopsis:
		return map[string]any{
			"sourceId": valueOrEmpty(pulsetile, "sourceId"),
			"source":   valueOrEmpty(pulsetile, "source"),
			"text":     valueOrEmpty(pulsetile, h.SynopsisField),
		}
	default:
		out := make(map[string]any, len(pulsetile))
		for k, v := range pulsetile {
			out[k] = v
		}
		return out
	}
}

func valueOrEmpty(m map[string]any, key string) any {
	if v, ok := m[key]; ok && v != nil {
		return v
	}
	return ""
}

// Registry resolves heading names to compiled headings. Compilation
// validates templates against the available helpers and happens once per
// heading, on first Lookup or in Initialise.
type Registry struct {
	mu       sync.Mutex
	defs     map[string]Definition
	helpers  transform.Helpers
	compiled map[string]*Heading
}

// NewRegistry creates a registry over defs. now is the clock used by
// template helpers.
func NewRegistry(now func() time.Time, defs ...Definition) *Registry {
	helpers := transform.Builtins(now).Merge(transform.Helpers{
		"getUid": func(args ...any) (any, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("%w: getUid takes 2 arguments", transform.ErrBadExpression)
			}
			uid, _ := args[0].(string)
			host, _ := args[1].(string)
			if uid == "" {
				return "", nil
			}
			return openehr.SourceID(host, uid), nil
		},
	})
	r := &Registry{
		defs:     make(map[string]Definition, len(defs)),
		helpers:  helpers,
		compiled: make(map[string]*Heading),
	}
	for _, d := range defs {
		r.defs[d.Name] = d
	}
	return r
}

// Default returns the registry of built-in headings.
func Default(now func() time.Time) *Registry {
	return NewRegistry(now, Builtin()...)
}

// Initialise compiles every heading, reporting the first template error.
func (r *Registry) Initialise() error {
	for _, name := range r.Names() {
		if _, err := r.Lookup(name); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the compiled heading for name.
func (r *Registry) Lookup(name string) (*Heading, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.compiled[name]; ok {
		return h, nil
	}
	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHeading, name)
	}
	helpers := r.helpers
	if len(def.Helpers) > 0 {
		helpers = helpers.Merge(def.Helpers)
	}
	if err := transform.Validate(def.Get, helpers); err != nil {
		return nil, fmt.Errorf("heading %s get template: %w", name, err)
	}
	if err := transform.Validate(def.Post, helpers); err != nil {
		return nil, fmt.Errorf("heading %s post template: %w", name, err)
	}
	h := &Heading{Definition: def, helpers: helpers}
	r.compiled[name] = h
	return h, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.defs[name]
	return ok
}

// Names lists registered headings, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var discoveryHeadings = map[string]string{
	"Immunization":        "vaccinations",
	"Procedure":           "procedures",
	"AllergyIntolerance":  "allergies",
	"MedicationStatement": "medications",
	"Condition":           "problems",
}

// DiscoveryHeading maps a Discovery resource name to the openEHR heading
// its records are merged into.
func DiscoveryHeading(name string) (string, bool) {
	h, ok := discoveryHeadings[name]
	return h, ok
}
