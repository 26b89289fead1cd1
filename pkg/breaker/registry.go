package breaker

import (
	"sync"
	"time"
)

/*
Registry hands out one breaker per endpoint base URL so that every client in
the process shares circuit state for the same endpoint. It lives behind the
package-level Default registry by necessity; tests construct their own via
NewRegistry.
*/
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	threshold int
	timeout   time.Duration
}

func NewRegistry(threshold int, timeout time.Duration) *Registry {
	return &Registry{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		timeout:   timeout,
	}
}

// For returns the shared breaker for a base URL, creating it on first use.
func (r *Registry) For(baseURL string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[baseURL]; ok {
		return b
	}
	b := New(r.threshold, r.timeout)
	r.breakers[baseURL] = b
	return b
}

// Reset drops all breaker state. Intended for tests and process teardown.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = make(map[string]*Breaker)
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry(DefaultThreshold, DefaultTimeout)
	})
	return defaultRegistry
}
