// Package connector defines the contract between the scheduling core and the
// per-source adapters that fetch data. Adapters are opaque: they receive a
// source descriptor and report record counts or an error, and never touch run
// state themselves.
package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/yeto-platform/ingestcore/internal/registry"
	"github.com/yeto-platform/ingestcore/internal/runs"
	apperrors "github.com/yeto-platform/ingestcore/pkg/errors"
)

// Connector fetches and normalises one source's data.
type Connector interface {
	Run(ctx context.Context, src registry.Source) (runs.Counts, error)
}

// Func adapts a plain function to Connector.
type Func func(ctx context.Context, src registry.Source) (runs.Counts, error)

func (f Func) Run(ctx context.Context, src registry.Source) (runs.Counts, error) {
	return f(ctx, src)
}

// ProgressFunc receives the running totals of an in-flight run.
type ProgressFunc func(runs.Counts)

type progressKey struct{}

// WithProgress returns a context through which a connector can report
// intermediate counts for the run it is serving.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress hands counts to the run's progress callback, if any.
func ReportProgress(ctx context.Context, counts runs.Counts) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(counts)
	}
}

// Registry resolves a source to its connector: by the source's explicit
// connector name first, then by the default for its access method.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]Connector
	byMethod map[registry.AccessMethod]string
}

func NewRegistry() *Registry {
	return &Registry{
		byName:   make(map[string]Connector),
		byMethod: make(map[registry.AccessMethod]string),
	}
}

// Register adds or replaces a named connector.
func (r *Registry) Register(name string, c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[name] = c
}

// SetDefault routes sources with the given access method and no explicit
// connector name to the named connector.
func (r *Registry) SetDefault(method registry.AccessMethod, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byMethod[method] = name
}

// Resolve returns the connector name and implementation for src.
func (r *Registry) Resolve(src registry.Source) (string, Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name := src.ConnectorName
	if name == "" {
		name = r.byMethod[src.AccessMethod]
	}
	if name == "" {
		return "", nil, fmt.Errorf("no connector for source %s (access method %s): %w",
			src.ID, src.AccessMethod, apperrors.ErrConnector)
	}
	c, ok := r.byName[name]
	if !ok {
		return "", nil, fmt.Errorf("connector %q for source %s is not registered: %w",
			name, src.ID, apperrors.ErrConnector)
	}
	return name, c, nil
}

// Names lists registered connectors.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Manual is the connector for sources whose data arrives through operator
// uploads. The upload tooling writes the data; a run only records that the
// source was visited.
type Manual struct{}

func (Manual) Run(ctx context.Context, _ registry.Source) (runs.Counts, error) {
	return runs.Counts{}, ctx.Err()
}
