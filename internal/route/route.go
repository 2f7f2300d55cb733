// Package route resolves logical endpoint names to remote operation
// identifiers. The catalogue is validated once at construction; resolution
// afterwards is pure and never guesses an operation that is not in it.
package route

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/dskow/resilient-client/internal/apierror"
	"github.com/dskow/resilient-client/internal/descriptor"
)

// Definition is one catalogue row as configured.
type Definition struct {
	// Name is the logical endpoint, e.g. "diary.stats" or "diary/entries".
	Name string
	// Verb restricts the row to one HTTP verb. Empty matches every verb.
	Verb      string
	Operation string
	TTL       time.Duration
	// Cacheable overrides the default of caching GET calls only.
	Cacheable   *bool
	Invalidates []string
}

// Operation is the result of a successful resolution.
type Operation struct {
	ID          string        `json:"id"`
	Endpoint    string        `json:"endpoint"`
	Verb        string        `json:"verb"`
	TTL         time.Duration `json:"ttl"`
	Cacheable   bool          `json:"cacheable"`
	Invalidates []string      `json:"invalidates,omitempty"`
}

type entry struct {
	def       Definition
	name      string
	cacheable *bool
}

func (e entry) operation(verb string) Operation {
	cacheable := verb == http.MethodGet
	if e.cacheable != nil {
		cacheable = *e.cacheable
	}
	return Operation{
		ID:          e.def.Operation,
		Endpoint:    e.name,
		Verb:        verb,
		TTL:         e.def.TTL,
		Cacheable:   cacheable,
		Invalidates: e.def.Invalidates,
	}
}

var knownVerbs = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Resolver maps (endpoint, verb) to an Operation.
type Resolver struct {
	anyVerb map[string]entry
	byVerb  map[string]map[string]entry
}

// New validates defs and builds a Resolver. Every problem found is reported
// as a configuration error; the joined error is returned.
func New(defs []Definition) (*Resolver, error) {
	r := &Resolver{
		anyVerb: make(map[string]entry),
		byVerb:  make(map[string]map[string]entry),
	}
	var errs []error
	for i, d := range defs {
		name := descriptor.CanonicalEndpoint(d.Name)
		verb := strings.ToUpper(strings.TrimSpace(d.Verb))

		switch {
		case name == "":
			errs = append(errs, apierror.Configuration(fmt.Sprintf("endpoints[%d]", i),
				apierror.InvalidCatalogue, "endpoint name is required"))
			continue
		case strings.TrimSpace(d.Operation) == "":
			errs = append(errs, apierror.Configuration(name,
				apierror.InvalidCatalogue, "operation id is required"))
			continue
		case verb != "" && !knownVerbs[verb]:
			errs = append(errs, apierror.Configuration(name,
				apierror.InvalidCatalogue, "unknown verb %q", d.Verb))
			continue
		case d.TTL < 0:
			errs = append(errs, apierror.Configuration(name,
				apierror.InvalidCatalogue, "ttl must not be negative"))
			continue
		}

		e := entry{def: d, name: name, cacheable: d.Cacheable}
		if verb == "" {
			if _, dup := r.anyVerb[name]; dup {
				errs = append(errs, apierror.Configuration(name,
					apierror.InvalidCatalogue, "duplicate endpoint"))
				continue
			}
			if _, mixed := r.byVerb[name]; mixed {
				errs = append(errs, apierror.Configuration(name,
					apierror.InvalidCatalogue, "endpoint has both verb-specific and verb-agnostic rows"))
				continue
			}
			r.anyVerb[name] = e
			continue
		}

		if _, mixed := r.anyVerb[name]; mixed {
			errs = append(errs, apierror.Configuration(name,
				apierror.InvalidCatalogue, "endpoint has both verb-specific and verb-agnostic rows"))
			continue
		}
		verbs := r.byVerb[name]
		if verbs == nil {
			verbs = make(map[string]entry)
			r.byVerb[name] = verbs
		}
		if _, dup := verbs[verb]; dup {
			errs = append(errs, apierror.Configuration(name,
				apierror.InvalidCatalogue, "duplicate %s row", verb))
			continue
		}
		verbs[verb] = e
	}

	for _, d := range defs {
		for _, target := range d.Invalidates {
			t := descriptor.CanonicalEndpoint(target)
			if _, ok := r.anyVerb[t]; ok {
				continue
			}
			if _, ok := r.byVerb[t]; ok {
				continue
			}
			errs = append(errs, apierror.Configuration(descriptor.CanonicalEndpoint(d.Name),
				apierror.InvalidCatalogue, "invalidates unknown endpoint %q", target))
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return r, nil
}

// Resolve looks up the operation for endpoint and verb. Matching order is
// the normalized name, then the raw name, then verb-specific rows for
// either. When nothing matches the returned configuration error carries the
// mechanically derived operation name for diagnosis.
func (r *Resolver) Resolve(endpoint, verb string) (Operation, error) {
	verb = strings.ToUpper(strings.TrimSpace(verb))
	raw := descriptor.CanonicalEndpoint(endpoint)
	norm := Normalize(endpoint)

	if e, ok := r.anyVerb[norm]; ok {
		return e.operation(verb), nil
	}
	if e, ok := r.anyVerb[raw]; ok {
		return e.operation(verb), nil
	}
	for _, name := range []string{norm, raw} {
		if e, ok := r.byVerb[name][verb]; ok {
			return e.operation(verb), nil
		}
	}

	return Operation{}, apierror.Configuration(endpoint, apierror.RouteNotFound,
		"no route for %s %s (derived name %q is not in the catalogue)", verb, norm, Derive(norm, verb))
}

// Operations lists every catalogue row, sorted by endpoint then verb.
// Verb-agnostic rows are reported with an empty verb.
func (r *Resolver) Operations() []Operation {
	var ops []Operation
	for _, e := range r.anyVerb {
		op := e.operation(http.MethodGet)
		op.Verb = ""
		ops = append(ops, op)
	}
	for _, verbs := range r.byVerb {
		for verb, e := range verbs {
			ops = append(ops, e.operation(verb))
		}
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Endpoint != ops[j].Endpoint {
			return ops[i].Endpoint < ops[j].Endpoint
		}
		return ops[i].Verb < ops[j].Verb
	})
	return ops
}
