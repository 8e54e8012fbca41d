// Package runner defines the backend execution interface the processor
// dispatches to, and the registry that picks a backend by runner kind.
package runner

import (
	"context"
	"fmt"

	"github.com/emerick42/kairoi/internal/domain"
)

// Backend executes one runner invocation and reports whether it succeeded.
// jobIdentifier is the identifier of the job that triggered the
// invocation, made available to backends that can expose it (e.g. as an
// argument to a shell command).
type Backend interface {
	Run(ctx context.Context, jobIdentifier string, runner domain.Runner) error
}

// Registry dispatches a domain.Runner to its concrete Backend by kind.
type Registry struct {
	backends map[domain.RunnerKind]Backend
}

// NewRegistry builds an empty registry; register backends with Register.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[domain.RunnerKind]Backend)}
}

// Register binds a backend to the runner kind it implements.
func (r *Registry) Register(kind domain.RunnerKind, backend Backend) {
	r.backends[kind] = backend
}

// Run dispatches runner to its registered backend.
func (r *Registry) Run(ctx context.Context, jobIdentifier string, runner domain.Runner) error {
	backend, ok := r.backends[runner.Kind]
	if !ok {
		return fmt.Errorf("no backend registered for runner kind %d", runner.Kind)
	}
	return backend.Run(ctx, jobIdentifier, runner)
}
