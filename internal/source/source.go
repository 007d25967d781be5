package source

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mxwashington/regiq-sub010/internal/model"
)

// Adapter fetches one external source and returns its native records.
// Adapters never write to storage.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, req FetchRequest) (FetchResult, error)
}

// Budget is consulted before every page request after the first.
type Budget interface {
	Acquire() error
}

type FetchRequest struct {
	Since  time.Time
	Until  time.Time // zero means now
	Limit  int
	Budget Budget // nil means unlimited
}

func (r FetchRequest) acquirePage() error {
	if r.Budget == nil {
		return nil
	}
	return r.Budget.Acquire()
}

func (r FetchRequest) until() time.Time {
	if r.Until.IsZero() {
		return time.Now().UTC()
	}
	return r.Until.UTC()
}

func (r FetchRequest) limit(def int) int {
	if r.Limit > 0 {
		return r.Limit
	}
	return def
}

type FetchResult struct {
	Items     []model.RawItem
	Truncated bool     // pagination stopped early on a denied budget
	Notes     []string // human-readable reasons, e.g. why truncated
}

// NewFromDescriptor builds the adapter for desc.Kind.
func NewFromDescriptor(desc model.SourceDescriptor) (Adapter, error) {
	switch desc.Kind {
	case "openfda":
		return NewOpenFDASource(desc), nil
	case "fsis":
		return NewFSISSource(desc), nil
	case "federal_register":
		return NewFederalRegisterSource(desc), nil
	case "regulations_gov":
		return NewRegulationsGovSource(desc), nil
	case "rss":
		return NewRSSSource(desc), nil
	default:
		return nil, fmt.Errorf("source %s: unknown kind %q", desc.Name, desc.Kind)
	}
}

// Registry maps source names to adapters and descriptors. It is built
// once at startup and read-only afterwards.
type Registry struct {
	adapters map[string]Adapter
	descs    map[string]model.SourceDescriptor
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}, descs: map[string]model.SourceDescriptor{}}
}

// BuildRegistry constructs an adapter for every descriptor. Any unknown
// kind or duplicate name fails the whole build.
func BuildRegistry(descs []model.SourceDescriptor) (*Registry, error) {
	r := NewRegistry()
	for _, d := range descs {
		a, err := NewFromDescriptor(d)
		if err != nil {
			return nil, err
		}
		if err := r.Add(d, a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers an adapter under desc.Name.
func (r *Registry) Add(desc model.SourceDescriptor, a Adapter) error {
	if desc.Name == "" {
		return fmt.Errorf("source descriptor without name")
	}
	if _, dup := r.adapters[desc.Name]; dup {
		return fmt.Errorf("source %s registered twice", desc.Name)
	}
	r.adapters[desc.Name] = a
	r.descs[desc.Name] = desc
	return nil
}

func (r *Registry) Get(name string) (Adapter, model.SourceDescriptor, bool) {
	a, ok := r.adapters[name]
	return a, r.descs[name], ok
}

// Names returns registered source names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Descriptors returns descriptors sorted by name.
func (r *Registry) Descriptors() []model.SourceDescriptor {
	names := r.Names()
	out := make([]model.SourceDescriptor, 0, len(names))
	for _, n := range names {
		out = append(out, r.descs[n])
	}
	return out
}
