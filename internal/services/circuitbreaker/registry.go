package circuitbreaker

import (
	"sync"

	"github.com/hadrianai/hadrian/internal/config"
)

// Registry holds one breaker per provider name. Breakers are created lazily
// with the policy the config resolver returns for that provider.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	policy   func(name string) config.BreakerConfig
}

func NewRegistry(policy func(name string) config.BreakerConfig) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		policy:   policy,
	}
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = New(name, r.policy(name))
	r.breakers[name] = b
	return b
}

// States snapshots every known breaker, for the health endpoint.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
