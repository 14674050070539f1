package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker/v2"
)

// Breaker exposes the circuit state of a registered provider.
type Breaker interface {
	State() gobreaker.State
	Counts() gobreaker.Counts
}

// ProviderHealth represents the health status of a provider.
type ProviderHealth struct {
	Name          string           `json:"name"`
	CircuitState  gobreaker.State  `json:"-"`
	State         string           `json:"state"`
	Counts        gobreaker.Counts `json:"counts"`
	LastSuccessAt *time.Time       `json:"lastSuccessAt,omitempty"`
	LastFailureAt *time.Time       `json:"lastFailureAt,omitempty"`
	LastError     string           `json:"lastError,omitempty"`
}

// IsHealthy returns true if the circuit is closed.
func (h *ProviderHealth) IsHealthy() bool {
	return h.CircuitState == gobreaker.StateClosed
}

// IsDegraded returns true if the circuit is half-open.
func (h *ProviderHealth) IsDegraded() bool {
	return h.CircuitState == gobreaker.StateHalfOpen
}

// IsUnhealthy returns true if the circuit is open.
func (h *ProviderHealth) IsUnhealthy() bool {
	return h.CircuitState == gobreaker.StateOpen
}

// Registry tracks providers and the outcome of their most recent calls.
type Registry struct {
	clock clockwork.Clock

	mu        sync.RWMutex
	providers map[string]*registeredProvider
}

type registeredProvider struct {
	breaker       Breaker
	lastSuccessAt *time.Time
	lastFailureAt *time.Time
	lastError     string
}

// NewRegistry creates a registry stamping outcomes with clock. A nil clock
// uses the real clock.
func NewRegistry(clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		clock:     clock,
		providers: make(map[string]*registeredProvider),
	}
}

// Register adds a provider, replacing any previous one with the same name.
func (r *Registry) Register(name string, b Breaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = &registeredProvider{breaker: b}
}

// Unregister removes a provider.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, name)
}

// RecordSuccess records a successful call for a provider.
func (r *Registry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[name]; ok {
		now := r.clock.Now()
		p.lastSuccessAt = &now
	}
}

// RecordFailure records a failed call for a provider.
func (r *Registry) RecordFailure(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[name]; ok {
		now := r.clock.Now()
		p.lastFailureAt = &now
		if err != nil {
			p.lastError = err.Error()
		}
	}
}

// Health returns the health status of a provider, or nil if it is unknown.
func (r *Registry) Health(name string) *ProviderHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil
	}
	return p.health(name)
}

// AllHealth returns the health status of every provider sorted by name.
func (r *Registry) AllHealth() []*ProviderHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	health := make([]*ProviderHealth, 0, len(r.providers))
	for name, p := range r.providers {
		health = append(health, p.health(name))
	}
	sort.Slice(health, func(i, j int) bool { return health[i].Name < health[j].Name })
	return health
}

// Names returns the registered provider names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

func (p *registeredProvider) health(name string) *ProviderHealth {
	state := p.breaker.State()
	return &ProviderHealth{
		Name:          name,
		CircuitState:  state,
		State:         state.String(),
		Counts:        p.breaker.Counts(),
		LastSuccessAt: p.lastSuccessAt,
		LastFailureAt: p.lastFailureAt,
		LastError:     p.lastError,
	}
}
