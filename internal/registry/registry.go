// Package registry holds the catalog of tool providers a session may invoke
// and the invoker that dispatches calls with retry, timeout, rate limiting,
// and cost accounting.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

var (
	// ErrDuplicateProvider indicates a registration under a taken name.
	ErrDuplicateProvider = errors.New("provider already registered")

	// ErrProviderNotFound indicates a lookup for an unregistered provider.
	ErrProviderNotFound = errors.New("provider not found")

	// ErrCapabilityMismatch indicates a provider does not offer the
	// requested operation.
	ErrCapabilityMismatch = errors.New("provider does not support operation")

	// ErrTimeout indicates an attempt exceeded its deadline.
	ErrTimeout = errors.New("tool call timed out")

	// ErrTransient indicates a retryable failure.
	ErrTransient = errors.New("transient tool failure")

	// ErrPermanent indicates a failure retrying cannot fix.
	ErrPermanent = errors.New("permanent tool failure")
)

// Category groups providers by what they contribute to a mission.
type Category string

const (
	CategoryData    Category = "data"
	CategoryCompute Category = "compute"
	CategoryWriting Category = "writing"
)

// Descriptor is the registry's record of a provider.
type Descriptor struct {
	Name          string   `json:"name" koanf:"name"`
	Domain        string   `json:"domain" koanf:"domain"`
	Category      Category `json:"category" koanf:"category"`
	Endpoint      string   `json:"endpoint,omitempty" koanf:"endpoint"`
	Version       string   `json:"version,omitempty" koanf:"version"`
	Auth          string   `json:"auth,omitempty" koanf:"auth"`
	Capabilities  []string `json:"capabilities" koanf:"capabilities"`
	RatePerSecond float64  `json:"rate_per_second,omitempty" koanf:"rate_per_second"`
}

// Supports reports whether the descriptor offers the operation.
func (d Descriptor) Supports(op string) bool {
	for _, c := range d.Capabilities {
		if c == op {
			return true
		}
	}
	return false
}

// Result is a completed provider call.
type Result struct {
	Payload []byte
	Cost    decimal.Decimal
}

// Provider executes operations against one external tool.
type Provider interface {
	Descriptor() Descriptor
	Call(ctx context.Context, op string, args map[string]any) (*Result, error)
}

// Registry is a thread-safe catalog of providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	limiters  map[string]*rate.Limiter
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Register adds a provider under its descriptor name.
func (r *Registry) Register(p Provider) error {
	d := p.Descriptor()
	if d.Name == "" {
		return errors.New("provider name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[d.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, d.Name)
	}
	r.providers[d.Name] = p

	if d.RatePerSecond > 0 {
		r.limiters[d.Name] = rate.NewLimiter(rate.Limit(d.RatePerSecond), 1)
	}
	return nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return p, nil
}

// List returns the descriptors of all registered providers.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p.Descriptor())
	}
	return out
}

// ByCapability returns descriptors of providers offering the operation.
func (r *Registry) ByCapability(op string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Descriptor
	for _, p := range r.providers {
		if d := p.Descriptor(); d.Supports(op) {
			out = append(out, d)
		}
	}
	return out
}

// limiter returns the provider's rate limiter, nil when unlimited.
func (r *Registry) limiter(name string) *rate.Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[name]
}
