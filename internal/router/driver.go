// Package router implements the Model Routing Registry: role-to-model
// resolution, per-provider capability learning, and the retry loop that
// narrows request parameters when a provider rejects one.
package router

import (
	"context"
	"sync"

	"github.com/brewline/control-plane/pkg/models"
)

// ProviderDriver is the interface chat-completion providers implement.
// Mirrors the teacher's driver-registry shape: one Kind() per provider,
// registered once at startup.
type ProviderDriver interface {
	Kind() string
	Call(ctx context.Context, req *models.RouteRequest) (*models.RouteResponse, error)
	HealthCheck(ctx context.Context) error
}

// Registry holds registered provider drivers under a RWMutex, the same
// pattern used by internal/embeddings and internal/vectorstore.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]ProviderDriver
}

func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]ProviderDriver)}
}

func (r *Registry) Register(d ProviderDriver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[d.Kind()] = d
}

func (r *Registry) Get(kind string) (ProviderDriver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[kind]
	return d, ok
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.drivers))
	for k := range r.drivers {
		out = append(out, k)
	}
	return out
}

func (r *Registry) HealthCheckAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]error, len(r.drivers))
	for k, d := range r.drivers {
		out[k] = d.HealthCheck(ctx)
	}
	return out
}
