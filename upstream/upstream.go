// Package upstream defines the adapter contract external providers plug
// into the admission pipeline. One adapter per provider; the coordinator
// never talks to a provider directly.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IvanBrykalov/quotagate/provider"
)

// ErrThrottled reports a provider-side 429. Adapters must surface it
// distinctly from other failures: the coordinator reacts with a
// provider-wide cool-down rather than a plain error.
var ErrThrottled = errors.New("upstream: throttled")

// ErrNoAdapter reports a dispatch against a provider with no registered
// adapter.
var ErrNoAdapter = errors.New("upstream: no adapter registered")

// Result is one successful dispatch.
type Result struct {
	Payload json.RawMessage
	Status  int
	Latency time.Duration
}

// Adapter executes one provider operation. Implementations must be
// idempotent with respect to retries for safe operations and must honor
// ctx cancellation.
type Adapter interface {
	Dispatch(ctx context.Context, operation string, params map[string]string) (Result, error)
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, operation string, params map[string]string) (Result, error)

// Dispatch calls f.
func (f AdapterFunc) Dispatch(ctx context.Context, operation string, params map[string]string) (Result, error) {
	return f(ctx, operation, params)
}

// Registry maps providers to their adapters. Safe for concurrent use;
// registration normally happens once at startup.
type Registry struct {
	mu sync.RWMutex
	m  map[provider.Provider]Adapter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[provider.Provider]Adapter)}
}

// Register installs the adapter for p, replacing any previous one.
func (r *Registry) Register(p provider.Provider, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[p] = a
}

// Lookup returns the adapter for p.
func (r *Registry) Lookup(p provider.Provider) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.m[p]
	return a, ok
}

// Dispatch routes one operation through the registered adapter.
func (r *Registry) Dispatch(ctx context.Context, p provider.Provider, operation string, params map[string]string) (Result, error) {
	a, ok := r.Lookup(p)
	if !ok {
		return Result{}, ErrNoAdapter
	}
	return a.Dispatch(ctx, operation, params)
}
